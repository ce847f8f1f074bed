package transport_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/davsync/internal/config"
	"github.com/TheMichaelB/davsync/internal/events"
	"github.com/TheMichaelB/davsync/internal/models"
	"github.com/TheMichaelB/davsync/internal/transport"
	"github.com/TheMichaelB/davsync/internal/transport/davtest"
)

func newServerClients(t *testing.T) (*davtest.Server, *transport.DAVClient, *transport.OCSClient) {
	t.Helper()
	server := davtest.NewServer("alice", "secret")
	t.Cleanup(server.Close)

	logger := events.NewNopLogger()
	client := transport.NewHTTPClient(&config.ServerConfig{
		BaseURL:     server.URL,
		User:        "alice",
		AppPassword: "secret",
		Timeout:     5 * time.Second,
		MaxRetries:  2,
	}, nil, logger)
	client.SetRetryDelay(time.Millisecond)

	return server, transport.NewDAVClient(client, logger), transport.NewOCSClient(client, logger)
}

func TestDAVAgainstServer(t *testing.T) {
	server, dav, _ := newServerClients(t)
	ctx := context.Background()

	mtime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	server.PutFile("/Docs/read me.txt", []byte("hello"), mtime)
	server.MkdirAll("/Docs/Sub")

	self, children, err := dav.ReadFolder(ctx, "/Docs/")
	require.NoError(t, err)
	assert.Equal(t, server.Etag("/Docs"), self.Etag)
	require.Len(t, children, 2)
	assert.Equal(t, "/Docs/Sub/", children[0].Path)
	assert.Equal(t, "/Docs/read me.txt", children[1].Path)
	assert.Equal(t, mtime, children[1].ModificationTime)
	assert.Equal(t, int64(5), children[1].Size)

	var buf bytes.Buffer
	_, err = dav.Download(ctx, "/Docs/read me.txt", &buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", buf.String())

	before := server.Etag("/Docs")
	res, err := dav.Put(ctx, "/Docs/new.bin", []byte{1, 2, 3}, transport.PutOptions{ModTime: mtime})
	require.NoError(t, err)
	assert.Equal(t, server.Etag("/Docs/new.bin"), res.Etag)
	assert.NotEqual(t, before, server.Etag("/Docs"))

	require.NoError(t, dav.Mkcol(ctx, "/Docs/Fresh", ""))
	assert.True(t, server.Exists("/Docs/Fresh"))

	require.NoError(t, dav.Delete(ctx, "/Docs/new.bin", ""))
	assert.False(t, server.Exists("/Docs/new.bin"))

	_, err = dav.Stat(ctx, "/Docs/new.bin")
	assert.True(t, models.IsNotFound(err))
}

func TestChunkedUploadAgainstServer(t *testing.T) {
	server, dav, _ := newServerClients(t)
	ctx := context.Background()

	created, err := dav.CreateUploadSession(ctx, "sess", "/big.bin", 6)
	require.NoError(t, err)
	assert.True(t, created)

	require.NoError(t, dav.PutChunk(ctx, "sess", 2, []byte("def"), "/big.bin", 6))
	require.NoError(t, dav.PutChunk(ctx, "sess", 1, []byte("abc"), "/big.bin", 6))
	require.NoError(t, dav.PutChunk(ctx, "sess", 1, []byte("abc"), "/big.bin", 6))
	assert.Equal(t, []string{"00001", "00002"}, server.Chunks("sess"))

	ok, err := dav.UploadMemberExists(ctx, "sess")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = dav.AssembleUpload(ctx, "sess", "/big.bin", 6, time.Unix(1000, 0), "")
	require.NoError(t, err)

	content, ok := server.File("/big.bin")
	require.True(t, ok)
	assert.Equal(t, "abcdef", string(content))
	assert.False(t, server.HasSession("sess"))
}

func TestRetriedPropfindAgainstServer(t *testing.T) {
	server, dav, _ := newServerClients(t)
	server.MkdirAll("/A")
	server.FailRequests(transport.MethodPropfind, server.FilesPath("/A"), http.StatusServiceUnavailable, 2)

	_, err := dav.Stat(context.Background(), "/A/")
	require.NoError(t, err)
	assert.Equal(t, 3, server.Count(transport.MethodPropfind, server.FilesPath("/A")))
}

func TestEncryptedFolderLockingAgainstServer(t *testing.T) {
	server, dav, ocs := newServerClients(t)
	ctx := context.Background()
	server.SetE2E(true, "2.0")

	id := server.MkdirAll("/Secret")
	require.NoError(t, ocs.MarkEncrypted(ctx, id))

	caps, err := ocs.Capabilities(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.E2EVersionV2_0, caps.E2EVersion)

	// Writes into an encrypted folder need the lock token.
	_, err = dav.Put(ctx, "/Secret/x", []byte("c"), transport.PutOptions{})
	assert.Equal(t, http.StatusForbidden, models.StatusOf(err))

	token, err := ocs.Lock(ctx, models.E2EVersionV2_0, "/Secret/", id, 1)
	require.NoError(t, err)

	_, err = ocs.Lock(ctx, models.E2EVersionV2_0, "/Secret/", id, 2)
	assert.True(t, errors.Is(err, models.ErrLockFailed))
	assert.False(t, errors.Is(err, models.ErrCounterMismatch))

	_, err = dav.Put(ctx, "/Secret/x", []byte("c"), transport.PutOptions{Token: token})
	require.NoError(t, err)

	require.NoError(t, ocs.StoreMetadata(ctx, models.E2EVersionV2_0, id, token, `{"v":1}`))
	require.NoError(t, ocs.Unlock(ctx, models.E2EVersionV2_0, "/Secret/", id, token))
	assert.False(t, server.LockHeld(id))
	assert.Equal(t, int64(1), server.Counter(id))

	_, err = ocs.Lock(ctx, models.E2EVersionV2_0, "/Secret/", id, 1)
	assert.True(t, errors.Is(err, models.ErrCounterMismatch))

	doc, err := ocs.GetMetadata(ctx, models.E2EVersionV2_0, id)
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, doc)
}
