package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/davsync/internal/models"
)

const folderListing = `<?xml version="1.0"?>
<d:multistatus xmlns:d="DAV:" xmlns:oc="http://owncloud.org/ns" xmlns:nc="http://nextcloud.org/ns">
  <d:response>
    <d:href>/remote.php/dav/files/alice/Photos/</d:href>
    <d:propstat>
      <d:prop>
        <d:getetag>"5f1a"</d:getetag>
        <d:getlastmodified>Mon, 02 Jan 2023 15:04:05 GMT</d:getlastmodified>
        <d:resourcetype><d:collection/></d:resourcetype>
        <oc:id>00000042ocabc</oc:id>
        <oc:fileid>42</oc:fileid>
        <oc:permissions>RGDNVCK</oc:permissions>
        <oc:size>1024</oc:size>
        <nc:is-encrypted>1</nc:is-encrypted>
      </d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
  <d:response>
    <d:href>/remote.php/dav/files/alice/Photos/My%20Trip.jpg</d:href>
    <d:propstat>
      <d:prop>
        <d:getetag>"77aa"</d:getetag>
        <d:getcontentlength>1024</d:getcontentlength>
        <d:getcontenttype>image/jpeg</d:getcontenttype>
        <d:resourcetype/>
        <oc:fileid>43</oc:fileid>
        <oc:favorite>1</oc:favorite>
        <oc:share-types><oc:share-type>3</oc:share-type></oc:share-types>
      </d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
    <d:propstat>
      <d:prop><oc:size/></d:prop>
      <d:status>HTTP/1.1 404 Not Found</d:status>
    </d:propstat>
  </d:response>
  <d:response>
    <d:href>/remote.php/dav/files/alice/Photos/Sub/</d:href>
    <d:propstat>
      <d:prop><d:resourcetype/></d:prop>
      <d:status>HTTP/1.1 404 Not Found</d:status>
    </d:propstat>
  </d:response>
</d:multistatus>`

func TestParseMultistatus(t *testing.T) {
	entries, err := parseMultistatus([]byte(folderListing), "/remote.php/dav/files/alice")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	folder := entries[0]
	assert.Equal(t, "/Photos/", folder.Path)
	assert.True(t, folder.IsFolder())
	assert.Equal(t, "5f1a", folder.Etag)
	assert.Equal(t, int64(42), folder.FileID)
	assert.Equal(t, "00000042ocabc", folder.RemoteID)
	assert.Equal(t, int64(1024), folder.Size)
	assert.True(t, folder.Encrypted)
	assert.Equal(t, time.Date(2023, 1, 2, 15, 4, 5, 0, time.UTC), folder.ModificationTime)

	file := entries[1]
	assert.Equal(t, "/Photos/My Trip.jpg", file.Path)
	assert.False(t, file.IsFolder())
	assert.Equal(t, "77aa", file.Etag)
	assert.Equal(t, int64(1024), file.Size)
	assert.Equal(t, "image/jpeg", file.MimeType)
	assert.True(t, file.Favorite)
	assert.Equal(t, []int{3}, file.ShareTypes)
	assert.Equal(t, "My Trip.jpg", file.Name())
}

func TestParseMultistatusSubpathInstall(t *testing.T) {
	body := `<d:multistatus xmlns:d="DAV:"><d:response>
<d:href>/nextcloud/remote.php/dav/files/alice/</d:href>
<d:propstat><d:prop><d:resourcetype><d:collection/></d:resourcetype></d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat>
</d:response></d:multistatus>`

	entries, err := parseMultistatus([]byte(body), "/nextcloud/remote.php/dav/files/alice")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.PathSeparator, entries[0].Path)
	assert.Equal(t, models.MimeTypeDirectory, entries[0].MimeType)
}

func TestParseMultistatusErrors(t *testing.T) {
	_, err := parseMultistatus([]byte("not xml"), "/remote.php/dav/files/alice")
	assert.Error(t, err)

	body := `<d:multistatus xmlns:d="DAV:"><d:response><d:href>/elsewhere/x</d:href></d:response></d:multistatus>`
	_, err = parseMultistatus([]byte(body), "/remote.php/dav/files/alice")
	assert.Error(t, err)
}
