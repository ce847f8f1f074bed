package transport

import (
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/TheMichaelB/davsync/internal/models"
)

// WebDAV methods not defined by net/http.
const (
	MethodPropfind = "PROPFIND"
	MethodMkcol    = "MKCOL"
	MethodMove     = "MOVE"
)

const propfindBody = `<?xml version="1.0" encoding="UTF-8"?>
<d:propfind xmlns:d="DAV:" xmlns:oc="http://owncloud.org/ns" xmlns:nc="http://nextcloud.org/ns">
  <d:prop>
    <d:getetag/>
    <d:getlastmodified/>
    <d:getcontentlength/>
    <d:getcontenttype/>
    <d:resourcetype/>
    <oc:id/>
    <oc:fileid/>
    <oc:permissions/>
    <oc:size/>
    <oc:favorite/>
    <oc:share-types/>
    <nc:is-encrypted/>
    <nc:mount-type/>
  </d:prop>
</d:propfind>`

type multistatus struct {
	XMLName   xml.Name   `xml:"DAV: multistatus"`
	Responses []response `xml:"DAV: response"`
}

type response struct {
	Href      string     `xml:"DAV: href"`
	Propstats []propstat `xml:"DAV: propstat"`
}

type propstat struct {
	Prop   prop   `xml:"DAV: prop"`
	Status string `xml:"DAV: status"`
}

type prop struct {
	Etag          string       `xml:"DAV: getetag"`
	LastModified  string       `xml:"DAV: getlastmodified"`
	ContentLength string       `xml:"DAV: getcontentlength"`
	ContentType   string       `xml:"DAV: getcontenttype"`
	ResourceType  resourceType `xml:"DAV: resourcetype"`
	ID            string       `xml:"http://owncloud.org/ns id"`
	FileID        string       `xml:"http://owncloud.org/ns fileid"`
	Permissions   string       `xml:"http://owncloud.org/ns permissions"`
	Size          string       `xml:"http://owncloud.org/ns size"`
	Favorite      string       `xml:"http://owncloud.org/ns favorite"`
	ShareTypes    []int        `xml:"http://owncloud.org/ns share-types>share-type"`
	IsEncrypted   string       `xml:"http://nextcloud.org/ns is-encrypted"`
	MountType     string       `xml:"http://nextcloud.org/ns mount-type"`
}

type resourceType struct {
	Collection *struct{} `xml:"DAV: collection"`
}

// parseMultistatus converts a PROPFIND body into snapshots. rootPath is the
// URL path prefix (unescaped) that maps to "/" in the returned paths.
func parseMultistatus(body []byte, rootPath string) ([]models.RemoteSnapshot, error) {
	var ms multistatus
	if err := xml.Unmarshal(body, &ms); err != nil {
		return nil, fmt.Errorf("parse multistatus: %w", err)
	}

	rootPath = strings.TrimRight(rootPath, "/")
	snapshots := make([]models.RemoteSnapshot, 0, len(ms.Responses))

	for _, r := range ms.Responses {
		href, err := hrefPath(r.Href)
		if err != nil {
			return nil, err
		}
		if !strings.HasPrefix(href, rootPath) {
			return nil, fmt.Errorf("href %q outside of %q", href, rootPath)
		}
		rel := strings.TrimPrefix(href, rootPath)

		var p *prop
		for i := range r.Propstats {
			if statusOK(r.Propstats[i].Status) {
				p = &r.Propstats[i].Prop
				break
			}
		}
		if p == nil {
			continue
		}

		snapshots = append(snapshots, toSnapshot(rel, p))
	}

	return snapshots, nil
}

func hrefPath(href string) (string, error) {
	u, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("parse href %q: %w", href, err)
	}
	return u.Path, nil
}

func statusOK(status string) bool {
	fields := strings.Fields(status)
	return len(fields) >= 2 && fields[1] == "200"
}

func toSnapshot(rel string, p *prop) models.RemoteSnapshot {
	isFolder := p.ResourceType.Collection != nil

	snap := models.RemoteSnapshot{
		Etag:        strings.Trim(p.Etag, `"`),
		Permissions: p.Permissions,
		RemoteID:    p.ID,
		MimeType:    p.ContentType,
		Encrypted:   p.IsEncrypted == "1",
		Favorite:    p.Favorite == "1",
		MountType:   p.MountType,
		ShareTypes:  p.ShareTypes,
	}

	if isFolder {
		snap.Path = models.FolderPath(rel)
		snap.MimeType = models.MimeTypeDirectory
		snap.Size, _ = strconv.ParseInt(p.Size, 10, 64)
	} else {
		snap.Path = models.CleanPath(rel)
		snap.Size, _ = strconv.ParseInt(p.ContentLength, 10, 64)
	}

	snap.FileID, _ = strconv.ParseInt(p.FileID, 10, 64)
	if t, err := http.ParseTime(p.LastModified); err == nil {
		snap.ModificationTime = t.UTC()
	}

	return snap
}
