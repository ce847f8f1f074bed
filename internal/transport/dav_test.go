package transport_test

import (
	"bytes"
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/davsync/internal/events"
	"github.com/TheMichaelB/davsync/internal/models"
	"github.com/TheMichaelB/davsync/internal/transport"
)

const filesRoot = "/remote.php/dav/files/alice"

func newDAV() (*transport.MockTransport, *transport.DAVClient) {
	mock := transport.NewMockTransport("https://cloud.example.com", "alice")
	return mock, transport.NewDAVClient(mock, events.NewNopLogger())
}

func TestDAVClientURLs(t *testing.T) {
	_, dav := newDAV()

	assert.Equal(t, "https://cloud.example.com/remote.php/dav/files/alice/a%20b/c.txt", dav.FilesURL("/a b/c.txt"))
	assert.Equal(t, "https://cloud.example.com/remote.php/dav/uploads/alice/s1/00003", dav.UploadsURL("s1", transport.ChunkName(3)))
	assert.Equal(t, "https://cloud.example.com/remote.php/dav/uploads/alice/s1/.file", dav.UploadsURL("s1", transport.AssemblyName))
}

func TestDAVClientReadFolder(t *testing.T) {
	mock, dav := newDAV()
	mock.On(transport.MethodPropfind, filesRoot+"/Docs/", &transport.Response{
		StatusCode: http.StatusMultiStatus,
		Body: []byte(`<d:multistatus xmlns:d="DAV:">
<d:response><d:href>/remote.php/dav/files/alice/Docs/</d:href>
<d:propstat><d:prop><d:getetag>"e1"</d:getetag><d:resourcetype><d:collection/></d:resourcetype></d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>
<d:response><d:href>/remote.php/dav/files/alice/Docs/a.txt</d:href>
<d:propstat><d:prop><d:getetag>"e2"</d:getetag><d:getcontentlength>5</d:getcontentlength><d:resourcetype/></d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>
</d:multistatus>`),
	})

	self, children, err := dav.ReadFolder(context.Background(), "/Docs")
	require.NoError(t, err)
	assert.Equal(t, "/Docs/", self.Path)
	assert.Equal(t, "e1", self.Etag)
	require.Len(t, children, 1)
	assert.Equal(t, "/Docs/a.txt", children[0].Path)
	assert.Equal(t, int64(5), children[0].Size)

	require.Len(t, mock.Requests, 1)
	assert.Equal(t, "1", mock.Requests[0].Header.Get("Depth"))
}

func TestDAVClientStatNotFound(t *testing.T) {
	_, dav := newDAV()

	_, err := dav.Stat(context.Background(), "/missing.txt")
	require.Error(t, err)
	assert.True(t, models.IsNotFound(err))
}

func TestDAVClientDownload(t *testing.T) {
	mock, dav := newDAV()
	mock.On(http.MethodGet, filesRoot+"/a.txt", &transport.Response{StatusCode: http.StatusOK, Body: []byte("hello")})

	var buf bytes.Buffer
	n, err := dav.Download(context.Background(), "/a.txt", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, "hello", buf.String())
}

func TestDAVClientPut(t *testing.T) {
	mock, dav := newDAV()
	resp := &transport.Response{StatusCode: http.StatusCreated, Header: http.Header{}}
	resp.Header.Set("OC-ETag", `"abc"`)
	resp.Header.Set("OC-FileId", "00000007oc")
	mock.On(http.MethodPut, filesRoot+"/a.txt", resp)

	mtime := time.Unix(1700000000, 0)
	res, err := dav.Put(context.Background(), "/a.txt", []byte("data"), transport.PutOptions{ModTime: mtime, Token: "tok"})
	require.NoError(t, err)
	assert.Equal(t, "abc", res.Etag)
	assert.Equal(t, "00000007oc", res.FileID)

	sent := mock.Requests[0]
	assert.Equal(t, "1700000000", sent.Header.Get("X-OC-Mtime"))
	assert.Equal(t, "tok", sent.Header.Get("e2e-token"))
	assert.Equal(t, []byte("data"), sent.Body)
}

func TestDAVClientDeleteWithToken(t *testing.T) {
	mock, dav := newDAV()
	mock.On(http.MethodDelete, filesRoot+"/enc/x", &transport.Response{StatusCode: http.StatusNoContent})

	require.NoError(t, dav.Delete(context.Background(), "/enc/x", "tok"))
	assert.Contains(t, mock.Requests[0].URL, "?e2e-token=tok")
	assert.Equal(t, "tok", mock.Requests[0].Header.Get("e2e-token"))
}

func TestUploadSessionLifecycle(t *testing.T) {
	mock, dav := newDAV()
	ctx := context.Background()
	session := "/remote.php/dav/uploads/alice/s1"

	mock.On(transport.MethodMkcol, session, &transport.Response{StatusCode: http.StatusCreated})
	mock.On(transport.MethodMkcol, session, &transport.Response{StatusCode: http.StatusMethodNotAllowed})

	created, err := dav.CreateUploadSession(ctx, "s1", "/big.bin", 10)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = dav.CreateUploadSession(ctx, "s1", "/big.bin", 10)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "10", mock.Requests[0].Header.Get("OC-Total-Length"))
	assert.Equal(t, dav.FilesURL("/big.bin"), mock.Requests[0].Header.Get("Destination"))

	mock.On(http.MethodPut, session+"/00001", &transport.Response{StatusCode: http.StatusCreated})
	require.NoError(t, dav.PutChunk(ctx, "s1", 1, []byte("abc"), "/big.bin", 10))

	mock.On(transport.MethodPropfind, session+"/00001", &transport.Response{
		StatusCode: http.StatusMultiStatus,
		Body: []byte(`<d:multistatus xmlns:d="DAV:"><d:response><d:href>/remote.php/dav/uploads/alice/s1/00001</d:href>
<d:propstat><d:prop><d:getcontentlength>3</d:getcontentlength></d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response></d:multistatus>`),
	})
	ok, err := dav.UploadMemberExists(ctx, "s1", transport.ChunkName(1))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = dav.UploadMemberExists(ctx, "s1", transport.ChunkName(2))
	require.NoError(t, err)
	assert.False(t, ok)

	mock.On(transport.MethodMove, session+"/.file", &transport.Response{StatusCode: http.StatusCreated})
	_, err = dav.AssembleUpload(ctx, "s1", "/big.bin", 10, time.Unix(5, 0), "")
	require.NoError(t, err)
	assert.Equal(t, 1, mock.Count(transport.MethodMove, session+"/.file"))

	require.NoError(t, dav.DeleteUploadSession(ctx, "s1"))
}
