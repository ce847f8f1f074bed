package sync_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/davsync/internal/config"
	"github.com/TheMichaelB/davsync/internal/crypto"
	"github.com/TheMichaelB/davsync/internal/e2e"
	"github.com/TheMichaelB/davsync/internal/events"
	"github.com/TheMichaelB/davsync/internal/models"
	"github.com/TheMichaelB/davsync/internal/services/sync"
	"github.com/TheMichaelB/davsync/internal/state"
	"github.com/TheMichaelB/davsync/internal/storage"
	"github.com/TheMichaelB/davsync/internal/transport"
	"github.com/TheMichaelB/davsync/internal/transport/davtest"
)

var (
	keysOnce  stdsync.Once
	aliceKeys *crypto.KeyPair
	keysErr   error
)

func testKeys(t *testing.T) *crypto.KeyPair {
	t.Helper()
	keysOnce.Do(func() {
		aliceKeys, keysErr = crypto.GenerateKeyPair("alice", 2048)
	})
	require.NoError(t, keysErr)
	return aliceKeys
}

type fixture struct {
	server *davtest.Server
	dav    *transport.DAVClient
	ocs    *transport.OCSClient
	store  *state.MockStore
	blobs  *storage.LocalStore
	cfg    *config.SyncConfig
	logger *events.Logger
}

func newFixture(t *testing.T) *fixture {
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

	return &fixture{
		server: server,
		dav:    transport.NewDAVClient(client, logger),
		ocs:    transport.NewOCSClient(client, logger),
		store:  state.NewMockStore(),
		blobs:  storage.NewMemStore(logger),
		cfg: &config.SyncConfig{
			ChunkSize:        1024 * 1024,
			MaxConcurrent:    3,
			ProgressInterval: time.Millisecond,
			RootPath:         "/",
		},
		logger: logger,
	}
}

func (f *fixture) service(manager *e2e.Manager) *sync.Service {
	return sync.NewService(f.dav, f.store, f.blobs, manager, f.cfg, f.logger)
}

// encrypted enables end-to-end encryption on the server and returns a
// manager for alice.
func (f *fixture) encrypted(t *testing.T) *e2e.Manager {
	t.Helper()
	f.server.SetE2E(true, "2.0")
	return e2e.NewManager(f.ocs, testKeys(t), f.logger)
}

// fresh returns a second client of the same account with an empty cache.
func (f *fixture) fresh() *fixture {
	c := *f
	c.store = state.NewMockStore()
	c.blobs = storage.NewMemStore(f.logger)
	return &c
}

func (f *fixture) seedTree() {
	f.server.PutFile("/a.txt", []byte("alpha"), time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	f.server.PutFile("/Docs/b.txt", []byte("bravo"), time.Time{})
	f.server.PutFile("/Docs/Deep/c.txt", []byte("charlie"), time.Time{})
}

func (f *fixture) record(t *testing.T, p string) *models.FileRecord {
	t.Helper()
	rec, err := f.store.GetByPath(p)
	require.NoError(t, err, p)
	return rec
}

func (f *fixture) hasLocal(t *testing.T, p string) bool {
	t.Helper()
	_, err := f.blobs.Stat(p)
	if errors.Is(err, models.ErrLocalFileNotFound) {
		return false
	}
	require.NoError(t, err, p)
	return true
}

func (f *fixture) modifyLocal(t *testing.T, p string, content []byte) {
	t.Helper()
	require.NoError(t, f.blobs.Write(p, content, 0644))
	require.NoError(t, f.blobs.SetModTime(p, time.Now().Add(time.Hour)))
}

func TestSyncDownloadsTree(t *testing.T) {
	f := newFixture(t)
	f.seedTree()
	svc := f.service(nil)

	summary, err := svc.Sync(context.Background(), sync.SyncOptions{})
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Folders)
	assert.Equal(t, 3, summary.Changed)
	assert.Equal(t, 3, summary.Downloads)
	assert.Zero(t, summary.Failures)

	for p, want := range map[string]string{
		"a.txt":           "alpha",
		"Docs/b.txt":      "bravo",
		"Docs/Deep/c.txt": "charlie",
	} {
		data, err := f.blobs.Read(p)
		require.NoError(t, err, p)
		assert.Equal(t, want, string(data), p)
	}

	a := f.record(t, "/a.txt")
	assert.True(t, a.IsDown())
	assert.Equal(t, f.server.Etag("/a.txt"), a.Etag)
	assert.Equal(t, int64(5), a.Size)
	assert.Equal(t, f.server.ModTime("/a.txt"), a.ModificationTime.UTC())

	info, err := f.blobs.Stat("a.txt")
	require.NoError(t, err)
	assert.True(t, info.ModTime.Equal(f.server.ModTime("/a.txt")))

	root := f.record(t, "/")
	docs := f.record(t, "/Docs/")
	assert.Equal(t, f.server.Etag("/"), root.Etag)
	assert.Equal(t, f.server.Etag("/Docs/"), docs.Etag)
	assert.Equal(t, root.ID, docs.ParentID)
	assert.Equal(t, docs.ID, f.record(t, "/Docs/b.txt").ParentID)
}

func TestSyncUnchangedTreeSkipsTransfers(t *testing.T) {
	f := newFixture(t)
	f.seedTree()
	svc := f.service(nil)

	_, err := svc.Sync(context.Background(), sync.SyncOptions{})
	require.NoError(t, err)
	gets := f.server.Count("GET", f.server.FilesPath("/"))
	f.server.ResetRequests()

	summary, err := svc.Sync(context.Background(), sync.SyncOptions{})
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Folders)
	assert.Zero(t, summary.Changed)
	assert.Zero(t, summary.Downloads)
	assert.Equal(t, 3, gets)
	assert.Zero(t, f.server.Count("GET", f.server.FilesPath("/")))
	assert.Zero(t, f.server.Count("PUT", f.server.FilesPath("/")))
}

func TestForceSyncListsUnchangedFolders(t *testing.T) {
	f := newFixture(t)
	f.seedTree()
	svc := f.service(nil)

	_, err := svc.Sync(context.Background(), sync.SyncOptions{})
	require.NoError(t, err)

	summary, err := svc.Sync(context.Background(), sync.SyncOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Changed)
	assert.Zero(t, summary.Downloads)
}

func TestSyncDownloadsServerChange(t *testing.T) {
	f := newFixture(t)
	f.seedTree()
	svc := f.service(nil)

	_, err := svc.Sync(context.Background(), sync.SyncOptions{})
	require.NoError(t, err)

	etag := f.server.PutFile("/Docs/Deep/c.txt", []byte("charlie v2"), time.Time{})

	summary, err := svc.Sync(context.Background(), sync.SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Downloads)

	data, err := f.blobs.Read("Docs/Deep/c.txt")
	require.NoError(t, err)
	assert.Equal(t, "charlie v2", string(data))
	assert.Equal(t, etag, f.record(t, "/Docs/Deep/c.txt").Etag)
}

func TestSyncUploadsLocalChange(t *testing.T) {
	f := newFixture(t)
	f.seedTree()
	svc := f.service(nil)

	_, err := svc.Sync(context.Background(), sync.SyncOptions{})
	require.NoError(t, err)

	f.modifyLocal(t, "a.txt", []byte("alpha, edited"))
	f.server.ResetRequests()

	// Unchanged folders cost one etag request and transfer nothing.
	summary, err := svc.Sync(context.Background(), sync.SyncOptions{})
	require.NoError(t, err)
	assert.Zero(t, summary.Uploads)
	assert.Zero(t, f.server.Count("PUT", f.server.FilesPath("/")))
	assert.Zero(t, f.server.Count("GET", f.server.FilesPath("/")))
	content, _ := f.server.File("/a.txt")
	assert.Equal(t, "alpha", string(content))

	summary, err = svc.Sync(context.Background(), sync.SyncOptions{PushLocal: true})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Uploads)
	assert.Zero(t, summary.Conflicts)

	content, ok := f.server.File("/a.txt")
	require.True(t, ok)
	assert.Equal(t, "alpha, edited", string(content))

	rec := f.record(t, "/a.txt")
	assert.Equal(t, f.server.Etag("/a.txt"), rec.Etag)
	assert.False(t, sync.LocalChanged(rec))

	// The upload changed the root etag; the next pass lists it and finds
	// nothing to do.
	summary, err = svc.Sync(context.Background(), sync.SyncOptions{})
	require.NoError(t, err)
	assert.Zero(t, summary.Uploads)
	assert.Zero(t, summary.Downloads)
}

func TestSyncConflictTransfersNothing(t *testing.T) {
	f := newFixture(t)
	f.seedTree()
	svc := f.service(nil)

	_, err := svc.Sync(context.Background(), sync.SyncOptions{})
	require.NoError(t, err)
	rootEtag := f.record(t, "/").Etag

	serverEtag := f.server.PutFile("/a.txt", []byte("remote edit"), time.Time{})
	f.modifyLocal(t, "a.txt", []byte("local edit"))
	f.server.ResetRequests()

	summary, err := svc.Sync(context.Background(), sync.SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Conflicts)
	assert.Zero(t, summary.Uploads)
	assert.Zero(t, summary.Downloads)

	assert.Zero(t, f.server.Count("GET", f.server.FilesPath("/a.txt")))
	assert.Zero(t, f.server.Count("PUT", f.server.FilesPath("/a.txt")))

	local, err := f.blobs.Read("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "local edit", string(local))
	remote, _ := f.server.File("/a.txt")
	assert.Equal(t, "remote edit", string(remote))

	rec := f.record(t, "/a.txt")
	assert.Equal(t, serverEtag, rec.EtagInConflict)

	root := f.record(t, "/")
	assert.Equal(t, serverEtag, root.EtagInConflict)
	assert.Equal(t, rootEtag, root.Etag, "folder etag must not advance past an unresolved conflict")

	status, err := svc.Status()
	require.NoError(t, err)
	require.Len(t, status.Conflicts, 1)
	assert.Equal(t, "/a.txt", status.Conflicts[0].Path)
	assert.Equal(t, serverEtag, status.Conflicts[0].ConflictEtag)
	want, err := f.blobs.FullPath("a.txt")
	require.NoError(t, err)
	assert.Equal(t, want, status.Conflicts[0].LocalPath)
}

// conflictOnRoot leaves /a.txt changed on both sides and synchronizes once.
func conflictOnRoot(t *testing.T, f *fixture, svc *sync.Service) string {
	t.Helper()
	_, err := svc.Sync(context.Background(), sync.SyncOptions{})
	require.NoError(t, err)

	serverEtag := f.server.PutFile("/a.txt", []byte("remote edit"), time.Time{})
	f.modifyLocal(t, "a.txt", []byte("local edit"))

	summary, err := svc.Sync(context.Background(), sync.SyncOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Conflicts)
	return serverEtag
}

func TestDownloadAfterConflictClearsIt(t *testing.T) {
	f := newFixture(t)
	f.seedTree()
	svc := f.service(nil)
	serverEtag := conflictOnRoot(t, f, svc)

	// Dropping the local copy settles the conflict in favour of the server.
	require.NoError(t, f.blobs.Delete("a.txt"))
	summary, err := svc.Sync(context.Background(), sync.SyncOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Downloads)
	assert.Zero(t, summary.Conflicts)

	_, err = svc.Sync(context.Background(), sync.SyncOptions{})
	require.NoError(t, err)

	data, err := f.blobs.Read("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "remote edit", string(data))

	rec := f.record(t, "/a.txt")
	assert.Equal(t, serverEtag, rec.Etag)
	assert.False(t, rec.HasConflict())
	assert.False(t, f.record(t, "/").HasConflict())
	assert.Equal(t, f.server.Etag("/"), f.record(t, "/").Etag)

	status, err := svc.Status()
	require.NoError(t, err)
	assert.Empty(t, status.Conflicts)
}

func TestSyncFileDownloadClearsConflict(t *testing.T) {
	f := newFixture(t)
	f.seedTree()
	svc := f.service(nil)
	conflictOnRoot(t, f, svc)

	require.NoError(t, f.blobs.Delete("a.txt"))
	res, err := svc.SyncFile(context.Background(), "/a.txt", false)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionDownload, res.Decision)

	assert.False(t, f.record(t, "/a.txt").HasConflict())
	assert.False(t, f.record(t, "/").HasConflict())
	status, err := svc.Status()
	require.NoError(t, err)
	assert.Empty(t, status.Conflicts)
}

func TestResolvedConflictKeepsSiblingMarker(t *testing.T) {
	f := newFixture(t)
	f.seedTree()
	f.server.PutFile("/Docs/d.txt", []byte("delta"), time.Time{})
	svc := f.service(nil)

	_, err := svc.Sync(context.Background(), sync.SyncOptions{})
	require.NoError(t, err)
	f.server.PutFile("/Docs/b.txt", []byte("bravo remote"), time.Time{})
	f.server.PutFile("/Docs/d.txt", []byte("delta remote"), time.Time{})
	f.modifyLocal(t, "Docs/b.txt", []byte("bravo local"))
	f.modifyLocal(t, "Docs/d.txt", []byte("delta local"))

	summary, err := svc.Sync(context.Background(), sync.SyncOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, summary.Conflicts)

	require.NoError(t, f.blobs.Delete("Docs/b.txt"))
	_, err = svc.SyncFile(context.Background(), "/Docs/b.txt", false)
	require.NoError(t, err)

	assert.False(t, f.record(t, "/Docs/b.txt").HasConflict())
	assert.True(t, f.record(t, "/Docs/d.txt").HasConflict())
	assert.True(t, f.record(t, "/Docs/").HasConflict(), "d.txt is still in conflict")
	assert.True(t, f.record(t, "/").HasConflict())
}

func TestDownloadOverSizeLimitKeepsPreviousCopy(t *testing.T) {
	f := newFixture(t)
	f.seedTree()
	svc := f.service(nil)

	_, err := svc.Sync(context.Background(), sync.SyncOptions{})
	require.NoError(t, err)
	etag := f.record(t, "/a.txt").Etag

	f.blobs.SetMaxFileSize(16)
	f.server.PutFile("/a.txt", []byte("alpha, now well past the limit"), time.Time{})

	summary, err := svc.Sync(context.Background(), sync.SyncOptions{})
	require.NoError(t, err)
	assert.Zero(t, summary.Downloads)
	assert.Equal(t, 1, summary.Failures)

	data, err := f.blobs.Read("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(data))
	assert.Equal(t, etag, f.record(t, "/a.txt").Etag)
}

func TestFailedDownloadKeepsFolderEtag(t *testing.T) {
	f := newFixture(t)
	f.seedTree()
	svc := f.service(nil)

	f.server.FailRequests("GET", f.server.FilesPath("/a.txt"), 500, 1)

	summary, err := svc.Sync(context.Background(), sync.SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failures)
	assert.Equal(t, 2, summary.Downloads)

	root := f.record(t, "/")
	assert.Empty(t, root.Etag)
	assert.Equal(t, f.server.Etag("/"), root.EtagOnServer)
	assert.False(t, f.record(t, "/a.txt").IsDown())

	summary, err = svc.Sync(context.Background(), sync.SyncOptions{})
	require.NoError(t, err)
	assert.Zero(t, summary.Failures)
	assert.Equal(t, 1, summary.Downloads)
	assert.Equal(t, f.server.Etag("/"), f.record(t, "/").Etag)
}

func TestSyncRemovesDeletedEntries(t *testing.T) {
	f := newFixture(t)
	f.seedTree()
	svc := f.service(nil)

	_, err := svc.Sync(context.Background(), sync.SyncOptions{})
	require.NoError(t, err)

	f.server.Remove("/Docs")

	_, err = svc.Sync(context.Background(), sync.SyncOptions{})
	require.NoError(t, err)

	for _, p := range []string{"/Docs/", "/Docs/b.txt", "/Docs/Deep/", "/Docs/Deep/c.txt"} {
		_, err := f.store.GetByPath(p)
		assert.ErrorIs(t, err, state.ErrRecordNotFound, p)
	}
	assert.False(t, f.hasLocal(t, "Docs/b.txt"))
	assert.True(t, f.hasLocal(t, "a.txt"))
}

func TestSyncPurgesFolderGoneFromServer(t *testing.T) {
	f := newFixture(t)
	f.seedTree()
	svc := f.service(nil)

	_, err := svc.Sync(context.Background(), sync.SyncOptions{})
	require.NoError(t, err)

	f.server.Remove("/Docs")

	summary, err := svc.Sync(context.Background(), sync.SyncOptions{Path: "/Docs/"})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Removed)
	assert.Zero(t, summary.Folders)

	_, err = f.store.GetByPath("/Docs/Deep/c.txt")
	assert.ErrorIs(t, err, state.ErrRecordNotFound)
	assert.False(t, f.hasLocal(t, "Docs/Deep/c.txt"))
}

func TestSyncMetadataOnly(t *testing.T) {
	f := newFixture(t)
	f.seedTree()
	svc := f.service(nil)

	summary, err := svc.Sync(context.Background(), sync.SyncOptions{MetadataOnly: true})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Folders)
	assert.Zero(t, summary.Downloads)
	assert.Zero(t, f.server.Count("GET", f.server.FilesPath("/")))

	rec := f.record(t, "/Docs/Deep/c.txt")
	assert.False(t, rec.IsDown())
	assert.Equal(t, f.server.FileID("/Docs/Deep/c.txt"), rec.FileID)
	assert.Equal(t, int64(7), rec.Size)
}

func TestMetadataOnlyMergesPropertiesOfDownloadedFiles(t *testing.T) {
	f := newFixture(t)
	f.seedTree()
	svc := f.service(nil)

	_, err := svc.Sync(context.Background(), sync.SyncOptions{})
	require.NoError(t, err)
	oldEtag := f.record(t, "/a.txt").Etag

	newEtag := f.server.PutFile("/a.txt", []byte("alpha two"), time.Time{})

	summary, err := svc.Sync(context.Background(), sync.SyncOptions{MetadataOnly: true})
	require.NoError(t, err)
	assert.Zero(t, summary.Downloads)

	rec := f.record(t, "/a.txt")
	assert.Equal(t, oldEtag, rec.Etag)
	assert.Equal(t, newEtag, rec.EtagOnServer)
	assert.Equal(t, int64(9), rec.Size)

	data, err := f.blobs.Read("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(data))
}

func TestSyncCancelled(t *testing.T) {
	f := newFixture(t)
	f.seedTree()
	svc := f.service(nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Sync(ctx, sync.SyncOptions{})
	require.Error(t, err)
	assert.True(t, models.IsCancelled(err))

	_, err = f.store.GetByPath("/")
	assert.ErrorIs(t, err, state.ErrRecordNotFound)
}

func TestSyncEvents(t *testing.T) {
	f := newFixture(t)
	f.seedTree()
	svc := f.service(nil)

	_, err := svc.Sync(context.Background(), sync.SyncOptions{})
	require.NoError(t, err)

	var got []sync.Event
	for ev := range svc.Events() {
		got = append(got, ev)
	}
	require.NotEmpty(t, got)
	assert.Equal(t, sync.EventStarted, got[0].Type)
	assert.Equal(t, sync.EventCompleted, got[len(got)-1].Type)

	counts := make(map[sync.EventType]int)
	for _, ev := range got {
		counts[ev.Type]++
	}
	assert.Equal(t, 3, counts[sync.EventFolder])
	assert.Equal(t, 3, counts[sync.EventFileComplete])

	progress := svc.GetProgress()
	require.NotNil(t, progress)
	assert.Equal(t, "completed", progress.Phase)
	assert.Equal(t, 3, progress.ProcessedFolders)
}

func TestSyncFile(t *testing.T) {
	f := newFixture(t)
	f.seedTree()
	svc := f.service(nil)

	_, err := svc.Sync(context.Background(), sync.SyncOptions{})
	require.NoError(t, err)

	t.Run("unchanged", func(t *testing.T) {
		res, err := svc.SyncFile(context.Background(), "/Docs/b.txt", false)
		require.NoError(t, err)
		assert.Equal(t, models.DecisionNoOp, res.Decision)
	})

	t.Run("server change", func(t *testing.T) {
		f.server.PutFile("/Docs/b.txt", []byte("bravo two"), time.Time{})

		res, err := svc.SyncFile(context.Background(), "/Docs/b.txt", false)
		require.NoError(t, err)
		assert.Equal(t, models.DecisionDownload, res.Decision)

		data, err := f.blobs.Read("Docs/b.txt")
		require.NoError(t, err)
		assert.Equal(t, "bravo two", string(data))
	})

	t.Run("deleted on server", func(t *testing.T) {
		f.server.Remove("/a.txt")

		res, err := svc.SyncFile(context.Background(), "/a.txt", false)
		require.NoError(t, err)
		assert.Equal(t, models.DecisionDeleted, res.Decision)

		_, err = f.store.GetByPath("/a.txt")
		assert.ErrorIs(t, err, state.ErrRecordNotFound)
		assert.False(t, f.hasLocal(t, "a.txt"))
	})
}

func writeTemp(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, data, 0600))
	return p
}

func TestUploadLocalFile(t *testing.T) {
	f := newFixture(t)
	f.cfg.ChunkSize = 1024
	f.server.MkdirAll("/Inbox")
	svc := f.service(nil)

	data := make([]byte, 3000)
	for i := range data {
		data[i] = byte(i % 251)
	}
	local := writeTemp(t, "big.bin", data)

	res, err := svc.Upload(context.Background(), local, "/Inbox/big.bin")
	require.NoError(t, err)
	assert.Equal(t, "/Inbox/big.bin", res.RemotePath)
	assert.Equal(t, int64(3000), res.Size)

	got, ok := f.server.File("/Inbox/big.bin")
	require.True(t, ok)
	assert.Equal(t, data, got)
	assert.Equal(t, 3, f.server.Count("PUT", f.server.UploadsPath("")))

	status, err := svc.Status()
	require.NoError(t, err)
	assert.Empty(t, status.Uploads)
}

func TestUploadMissingLocalFile(t *testing.T) {
	f := newFixture(t)
	svc := f.service(nil)

	_, err := svc.Upload(context.Background(), filepath.Join(t.TempDir(), "nope"), "/nope")
	assert.ErrorIs(t, err, models.ErrLocalFileNotFound)
}

func TestUploadInterruptedIsListed(t *testing.T) {
	f := newFixture(t)
	f.cfg.ChunkSize = 1024
	f.server.MkdirAll("/Inbox")
	svc := f.service(nil)

	local := writeTemp(t, "big.bin", make([]byte, 2500))
	f.server.FailRequests("MOVE", f.server.UploadsPath(""), 500, 1)

	_, err := svc.Upload(context.Background(), local, "/Inbox/big.bin")
	require.Error(t, err)

	status, err := svc.Status()
	require.NoError(t, err)
	require.Len(t, status.Uploads, 1)
	assert.Equal(t, "/Inbox/big.bin", status.Uploads[0].RemotePath)
	assert.Equal(t, 3, status.Uploads[0].LastChunk)

	_, err = svc.Upload(context.Background(), local, "/Inbox/big.bin")
	require.NoError(t, err)

	status, err = svc.Status()
	require.NoError(t, err)
	assert.Empty(t, status.Uploads)
}

var encryptedName = regexp.MustCompile(`^[0-9a-f]{32}$`)

func TestEncryptedRoundTrip(t *testing.T) {
	f := newFixture(t)
	manager := f.encrypted(t)
	f.server.MkdirAll("/Secret")
	f.server.SetEncrypted("/Secret")
	uploader := f.service(manager)

	plaintext := []byte("attack at dawn")
	local := writeTemp(t, "note.txt", plaintext)

	res, err := uploader.Upload(context.Background(), local, "/Secret/note.txt")
	require.NoError(t, err)
	require.Len(t, f.server.Children("/Secret"), 1)
	encName := f.server.Children("/Secret")[0]
	assert.Regexp(t, encryptedName, encName)
	assert.Equal(t, "/Secret/"+encName, res.RemotePath)

	stored, _ := f.server.File("/Secret/" + encName)
	assert.NotContains(t, string(stored), "attack")
	assert.Equal(t, int64(1), f.server.Counter(f.server.FileID("/Secret")))
	assert.False(t, f.server.LockHeld(f.server.FileID("/Secret")))

	other := f.fresh()
	summary, err := other.service(manager).Sync(context.Background(), sync.SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Downloads)

	data, err := other.blobs.Read("Secret/note.txt")
	require.NoError(t, err)
	assert.Equal(t, plaintext, data)

	rec, err := other.store.GetByPath("/Secret/" + encName)
	require.NoError(t, err)
	assert.True(t, rec.Encrypted)
	assert.Equal(t, "/Secret/note.txt", rec.DecryptedPath)
	assert.Equal(t, "text/plain", rec.MimeType)
	assert.Equal(t, int64(len(plaintext)), rec.Size)

	folder, err := other.store.GetByPath("/Secret/")
	require.NoError(t, err)
	assert.Equal(t, int64(1), folder.E2ECounter)
}

func TestEncryptedNameKeepsMetadataForm(t *testing.T) {
	f := newFixture(t)
	manager := f.encrypted(t)
	f.server.MkdirAll("/Secret")
	f.server.SetEncrypted("/Secret")

	// "Café" with a combining accent, as macOS writes it.
	decomposed := "Cafe\u0301.txt"
	_, err := f.service(manager).Upload(context.Background(), writeTemp(t, "cafe.txt", []byte("menu")), "/Secret/"+decomposed)
	require.NoError(t, err)

	other := f.fresh()
	svc := other.service(manager)
	_, err = svc.Sync(context.Background(), sync.SyncOptions{})
	require.NoError(t, err)

	content, err := other.store.FolderContent("/Secret/")
	require.NoError(t, err)
	require.Len(t, content, 1)
	assert.Equal(t, "/Secret/"+decomposed, content[0].DecryptedPath)

	data, err := other.blobs.Read("Secret/" + decomposed)
	require.NoError(t, err)
	assert.Equal(t, "menu", string(data))

	// A second pass matches the entry by its normalized name.
	summary, err := svc.Sync(context.Background(), sync.SyncOptions{Force: true})
	require.NoError(t, err)
	assert.Zero(t, summary.Downloads)
	content, err = other.store.FolderContent("/Secret/")
	require.NoError(t, err)
	assert.Len(t, content, 1)
}

func TestNestedEncryptedFolderByDisplayPath(t *testing.T) {
	f := newFixture(t)
	manager := f.encrypted(t)
	f.server.MkdirAll("/Secret")
	f.server.SetEncrypted("/Secret")
	svc := f.service(manager)

	sub, err := svc.Mkdir(context.Background(), "/Secret/", "Sub")
	require.NoError(t, err)

	deeper, err := svc.Mkdir(context.Background(), "/Secret/Sub/", "Deeper")
	require.NoError(t, err)
	assert.Equal(t, "/Secret/Sub/Deeper/", deeper.DecryptedPath)
	assert.True(t, strings.HasPrefix(deeper.RemotePath, sub.RemotePath))

	res, err := svc.Upload(context.Background(), writeTemp(t, "n.txt", []byte("nested")), "/Secret/Sub/n.txt")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.RemotePath, sub.RemotePath))
	assert.Regexp(t, encryptedName, models.BaseName(res.RemotePath))

	_, err = svc.Sync(context.Background(), sync.SyncOptions{})
	require.NoError(t, err)
	data, err := f.blobs.Read("Secret/Sub/n.txt")
	require.NoError(t, err)
	assert.Equal(t, "nested", string(data))

	require.NoError(t, svc.Remove(context.Background(), "/Secret/Sub/n.txt"))
	_, err = f.store.GetByPath(res.RemotePath)
	assert.ErrorIs(t, err, state.ErrRecordNotFound)
	assert.False(t, f.hasLocal(t, "Secret/Sub/n.txt"))
	assert.Len(t, f.server.Children(strings.TrimSuffix(sub.RemotePath, "/")), 1, "only Deeper is left")
}

func TestEncryptedLocalChangeReusesName(t *testing.T) {
	f := newFixture(t)
	manager := f.encrypted(t)
	f.server.MkdirAll("/Secret")
	f.server.SetEncrypted("/Secret")
	svc := f.service(manager)

	_, err := svc.Upload(context.Background(), writeTemp(t, "note.txt", []byte("v1")), "/Secret/note.txt")
	require.NoError(t, err)
	_, err = svc.Sync(context.Background(), sync.SyncOptions{})
	require.NoError(t, err)

	f.modifyLocal(t, "Secret/note.txt", []byte("v2 from here"))

	summary, err := svc.Sync(context.Background(), sync.SyncOptions{PushLocal: true})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Uploads)

	children := f.server.Children("/Secret")
	require.Len(t, children, 1)
	assert.Equal(t, int64(2), f.server.Counter(f.server.FileID("/Secret")))

	other := f.fresh()
	_, err = other.service(manager).Sync(context.Background(), sync.SyncOptions{})
	require.NoError(t, err)
	data, err := other.blobs.Read("Secret/note.txt")
	require.NoError(t, err)
	assert.Equal(t, "v2 from here", string(data))
}

func TestEncryptedFolderWithoutKeys(t *testing.T) {
	f := newFixture(t)
	manager := f.encrypted(t)
	f.server.MkdirAll("/Secret")
	f.server.SetEncrypted("/Secret")
	f.server.PutFile("/plain.txt", []byte("plain"), time.Time{})

	_, err := f.service(manager).Upload(context.Background(), writeTemp(t, "n.txt", []byte("x")), "/Secret/n.txt")
	require.NoError(t, err)

	other := f.fresh()
	summary, err := other.service(nil).Sync(context.Background(), sync.SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Downloads, "plain files still sync")

	_, err = other.store.GetByPath("/plain.txt")
	assert.NoError(t, err)
	content, err := other.store.FolderContent("/Secret/")
	if err == nil {
		assert.Empty(t, content)
	}
}

func TestMkdirEncrypted(t *testing.T) {
	f := newFixture(t)
	manager := f.encrypted(t)
	f.server.MkdirAll("/Secret")
	f.server.SetEncrypted("/Secret")
	svc := f.service(manager)

	rec, err := svc.Mkdir(context.Background(), "/Secret/", "Sub")
	require.NoError(t, err)
	assert.Equal(t, "/Secret/Sub/", rec.DecryptedPath)
	assert.True(t, rec.Encrypted)

	children := f.server.Children("/Secret")
	require.Len(t, children, 1)
	assert.Regexp(t, encryptedName, children[0])
	assert.Equal(t, "/Secret/"+children[0]+"/", rec.RemotePath)

	_, ok := f.server.Metadata(f.server.FileID("/Secret/" + children[0]))
	assert.True(t, ok, "new folder has its own metadata")

	other := f.fresh()
	_, err = other.service(manager).Sync(context.Background(), sync.SyncOptions{})
	require.NoError(t, err)

	synced, err := other.store.GetByPath(rec.RemotePath)
	require.NoError(t, err)
	assert.Equal(t, "/Secret/Sub/", synced.DecryptedPath)
}

func TestMkdirAndRemovePlain(t *testing.T) {
	f := newFixture(t)
	svc := f.service(nil)

	rec, err := svc.Mkdir(context.Background(), "/", "Projects")
	require.NoError(t, err)
	assert.Equal(t, "/Projects/", rec.RemotePath)
	assert.True(t, f.server.Exists("/Projects"))

	require.NoError(t, svc.Remove(context.Background(), "/Projects/"))
	assert.False(t, f.server.Exists("/Projects"))
	_, err = f.store.GetByPath("/Projects/")
	assert.ErrorIs(t, err, state.ErrRecordNotFound)
}

func TestRemoveEncryptedFile(t *testing.T) {
	f := newFixture(t)
	manager := f.encrypted(t)
	f.server.MkdirAll("/Secret")
	f.server.SetEncrypted("/Secret")
	svc := f.service(manager)

	res, err := svc.Upload(context.Background(), writeTemp(t, "gone.txt", []byte("bye")), "/Secret/gone.txt")
	require.NoError(t, err)
	_, err = svc.Sync(context.Background(), sync.SyncOptions{})
	require.NoError(t, err)

	require.NoError(t, svc.Remove(context.Background(), res.RemotePath))
	assert.Empty(t, f.server.Children("/Secret"))
	assert.Equal(t, int64(2), f.server.Counter(f.server.FileID("/Secret")))

	assert.False(t, f.hasLocal(t, "Secret/gone.txt"))
}

func TestUnlock(t *testing.T) {
	f := newFixture(t)
	manager := f.encrypted(t)
	id := f.server.MkdirAll("/Secret")
	f.server.SetEncrypted("/Secret")
	f.server.MkdirAll("/Plain")
	svc := f.service(manager)

	token := f.server.HoldLock(id)
	require.True(t, f.server.LockHeld(id))

	require.NoError(t, svc.Unlock(context.Background(), "/Secret", token))
	assert.False(t, f.server.LockHeld(id))

	err := svc.Unlock(context.Background(), "/Plain", "whatever")
	assert.ErrorIs(t, err, models.ErrNotEncrypted)

	err = f.service(nil).Unlock(context.Background(), "/Secret", token)
	assert.ErrorIs(t, err, sync.ErrNoKeys)
}
