package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/TheMichaelB/davsync/internal/events"
	"github.com/TheMichaelB/davsync/internal/models"
)

const (
	filesPrefix   = "/remote.php/dav/files/"
	uploadsPrefix = "/remote.php/dav/uploads/"
)

// DAVClient speaks the WebDAV dialect of the files and uploads endpoints.
type DAVClient struct {
	t      Transport
	logger *events.Logger
}

// NewDAVClient wraps a transport.
func NewDAVClient(t Transport, logger *events.Logger) *DAVClient {
	return &DAVClient{
		t:      t,
		logger: logger.WithField("component", "dav_client"),
	}
}

// Transport returns the underlying transport.
func (d *DAVClient) Transport() Transport {
	return d.t
}

// FilesURL returns the absolute URL of a remote path.
func (d *DAVClient) FilesURL(remotePath string) string {
	return d.t.BaseURL() + filesPrefix + url.PathEscape(d.t.User()) + EscapePath(remotePath)
}

// UploadsURL returns the URL of an upload session or one of its members.
func (d *DAVClient) UploadsURL(sessionID string, member ...string) string {
	u := d.t.BaseURL() + uploadsPrefix + url.PathEscape(d.t.User()) + "/" + url.PathEscape(sessionID)
	for _, m := range member {
		u += "/" + url.PathEscape(m)
	}
	return u
}

func (d *DAVClient) rootPath(prefix string) string {
	base, err := url.Parse(d.t.BaseURL())
	basePath := ""
	if err == nil {
		basePath = strings.TrimRight(base.Path, "/")
	}
	return basePath + prefix + d.t.User()
}

// propfind lists rawURL at the given depth. rootPrefix selects the
// namespace used to relativize hrefs.
func (d *DAVClient) propfind(ctx context.Context, rawURL, rootPrefix string, depth int) ([]models.RemoteSnapshot, error) {
	req := NewRequest(MethodPropfind, rawURL, []byte(propfindBody))
	req.Header.Set("Depth", strconv.Itoa(depth))
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")

	resp, err := d.t.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("propfind: %w", err)
	}
	if resp.StatusCode != http.StatusMultiStatus && resp.StatusCode != http.StatusOK {
		return nil, remoteError(MethodPropfind, rawURL, resp)
	}

	return parseMultistatus(resp.Body, d.rootPath(rootPrefix))
}

// Propfind lists a remote path. With depth 1 the first entry is the path
// itself followed by its direct children.
func (d *DAVClient) Propfind(ctx context.Context, remotePath string, depth int) ([]models.RemoteSnapshot, error) {
	entries, err := d.propfind(ctx, d.FilesURL(remotePath), filesPrefix, depth)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, &models.RemoteError{Method: MethodPropfind, Path: remotePath, StatusCode: http.StatusNotFound, Message: "empty multistatus"}
	}
	return entries, nil
}

// Stat returns the single-entry listing of a remote path.
func (d *DAVClient) Stat(ctx context.Context, remotePath string) (*models.RemoteSnapshot, error) {
	entries, err := d.Propfind(ctx, remotePath, 0)
	if err != nil {
		return nil, err
	}
	return &entries[0], nil
}

// ReadFolder returns the folder entry and its direct children.
func (d *DAVClient) ReadFolder(ctx context.Context, folderPath string) (*models.RemoteSnapshot, []models.RemoteSnapshot, error) {
	folderPath = models.FolderPath(folderPath)
	entries, err := d.Propfind(ctx, folderPath, 1)
	if err != nil {
		return nil, nil, err
	}

	self := entries[0]
	children := make([]models.RemoteSnapshot, 0, len(entries)-1)
	for _, e := range entries[1:] {
		if e.Path == folderPath {
			continue
		}
		children = append(children, e)
	}
	return &self, children, nil
}

// Download streams a remote file into w.
func (d *DAVClient) Download(ctx context.Context, remotePath string, w io.Writer) (int64, error) {
	req := NewRequest(http.MethodGet, d.FilesURL(remotePath), nil)
	req.Sink = w

	resp, err := d.t.Do(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("download: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, remoteError(http.MethodGet, remotePath, resp)
	}
	return resp.Written, nil
}

// PutOptions tune a single PUT upload.
type PutOptions struct {
	ModTime time.Time
	Token   string // folder lock token for encrypted folders
}

// PutResult carries what the server reports after storing content.
type PutResult struct {
	Etag   string
	FileID string
}

// Put uploads a whole file in one request.
func (d *DAVClient) Put(ctx context.Context, remotePath string, data []byte, opts PutOptions) (*PutResult, error) {
	req := NewRequest(http.MethodPut, d.FilesURL(remotePath), data)
	req.Header.Set("Content-Type", "application/octet-stream")
	if !opts.ModTime.IsZero() {
		req.Header.Set("X-OC-Mtime", strconv.FormatInt(opts.ModTime.Unix(), 10))
	}
	if opts.Token != "" {
		req.Header.Set("e2e-token", opts.Token)
	}

	resp, err := d.t.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("put: %w", err)
	}
	if !isSuccess(resp.StatusCode) {
		return nil, remoteError(http.MethodPut, remotePath, resp)
	}
	return putResult(resp), nil
}

// Mkcol creates a remote folder.
func (d *DAVClient) Mkcol(ctx context.Context, remotePath, token string) error {
	req := NewRequest(MethodMkcol, d.FilesURL(models.FolderPath(remotePath)), nil)
	if token != "" {
		req.Header.Set("e2e-token", token)
	}

	resp, err := d.t.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("mkcol: %w", err)
	}
	if resp.StatusCode != http.StatusCreated {
		return remoteError(MethodMkcol, remotePath, resp)
	}
	return nil
}

// Delete removes a remote file or folder. Inside an encrypted folder the
// lock token travels both as query parameter and header.
func (d *DAVClient) Delete(ctx context.Context, remotePath, token string) error {
	u := d.FilesURL(remotePath)
	if token != "" {
		u += "?e2e-token=" + url.QueryEscape(token)
	}
	req := NewRequest(http.MethodDelete, u, nil)
	if token != "" {
		req.Header.Set("e2e-token", token)
	}

	resp, err := d.t.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return remoteError(http.MethodDelete, remotePath, resp)
	}
	return nil
}

func putResult(resp *Response) *PutResult {
	etag := resp.Header.Get("OC-ETag")
	if etag == "" {
		etag = resp.Header.Get("ETag")
	}
	return &PutResult{
		Etag:   strings.Trim(etag, `"`),
		FileID: resp.Header.Get("OC-FileId"),
	}
}

func remoteError(method, path string, resp *Response) error {
	msg := strings.TrimSpace(string(resp.Body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return &models.RemoteError{
		Method:     method,
		Path:       path,
		StatusCode: resp.StatusCode,
		Message:    msg,
	}
}
