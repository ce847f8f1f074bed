package sync_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/davsync/internal/events"
	"github.com/TheMichaelB/davsync/internal/models"
	"github.com/TheMichaelB/davsync/internal/services/sync"
	"github.com/TheMichaelB/davsync/internal/state"
)

type fakeRemote struct {
	snaps map[string]*models.RemoteSnapshot
	err   error
	stats int
}

func (r *fakeRemote) Stat(_ context.Context, p string) (*models.RemoteSnapshot, error) {
	r.stats++
	if r.err != nil {
		return nil, r.err
	}
	if s, ok := r.snaps[p]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, &models.RemoteError{Method: "PROPFIND", Path: p, StatusCode: 404}
}

func (r *fakeRemote) ReadFolder(context.Context, string) (*models.RemoteSnapshot, []models.RemoteSnapshot, error) {
	return nil, nil, errors.New("not used")
}

var synced = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// downloaded returns a record last synchronized at synced with etag.
func downloaded(p, etag string) *models.FileRecord {
	return &models.FileRecord{
		RemotePath:            p,
		FileID:                42,
		Etag:                  etag,
		EtagOnServer:          etag,
		StoragePath:           p[1:],
		Size:                  3,
		MimeType:              "text/plain",
		ModificationTime:      synced.Add(-time.Hour),
		LocalModificationTime: synced.Add(-time.Hour),
		LastSyncDateForData:   synced,
	}
}

func snapshot(p, etag string) *models.RemoteSnapshot {
	return &models.RemoteSnapshot{
		Path:             p,
		Etag:             etag,
		Size:             10,
		MimeType:         "text/markdown",
		Permissions:      "RGDNVW",
		ModificationTime: synced.Add(-time.Hour),
	}
}

func newReconciler(t *testing.T, remote sync.Remote) (*sync.Reconciler, *state.MockStore) {
	t.Helper()
	store := state.NewMockStore()
	for _, p := range []string{"/", "/A/", "/A/B/"} {
		require.NoError(t, store.Save(&models.FileRecord{RemotePath: p}))
	}
	return sync.NewReconciler(remote, store, events.NewNopLogger()), store
}

func TestDecideTable(t *testing.T) {
	tests := []struct {
		local, server, content bool
		want                   models.Decision
	}{
		{false, false, true, models.DecisionNoOp},
		{false, false, false, models.DecisionNoOp},
		{true, false, true, models.DecisionUpload},
		{true, false, false, models.DecisionNoOp},
		{false, true, true, models.DecisionDownload},
		{false, true, false, models.DecisionNoOp},
		{true, true, true, models.DecisionConflict},
		{true, true, false, models.DecisionConflict},
	}

	for _, tt := range tests {
		got := sync.Decide(tt.local, tt.server, tt.content)
		assert.Equal(t, tt.want, got, "local=%v server=%v content=%v", tt.local, tt.server, tt.content)
	}
}

func TestServerChanged(t *testing.T) {
	rec := downloaded("/a.txt", "e1")
	assert.False(t, sync.ServerChanged(rec, snapshot("/a.txt", "e1")))
	assert.True(t, sync.ServerChanged(rec, snapshot("/a.txt", "e2")))

	t.Run("mtime fallback without etag", func(t *testing.T) {
		rec := downloaded("/a.txt", "")
		snap := snapshot("/a.txt", "e2")
		assert.False(t, sync.ServerChanged(rec, snap))

		snap.ModificationTime = snap.ModificationTime.Add(time.Second)
		assert.True(t, sync.ServerChanged(rec, snap))
	})
}

func TestReconcileNotDownloaded(t *testing.T) {
	remote := &fakeRemote{}
	r, _ := newReconciler(t, remote)

	rec := downloaded("/a.txt", "e1")
	rec.StoragePath = ""

	decision, _, err := r.Reconcile(context.Background(), rec, nil, true)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionDownload, decision)
	assert.Zero(t, remote.stats)

	decision, _, err = r.Reconcile(context.Background(), nil, nil, true)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionDownload, decision)
}

func TestReconcileStatsMissingSnapshot(t *testing.T) {
	remote := &fakeRemote{snaps: map[string]*models.RemoteSnapshot{
		"/A/a.txt": snapshot("/A/a.txt", "e2"),
	}}
	r, _ := newReconciler(t, remote)

	decision, snap, err := r.Reconcile(context.Background(), downloaded("/A/a.txt", "e1"), nil, true)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionDownload, decision)
	require.NotNil(t, snap)
	assert.Equal(t, "e2", snap.Etag)
	assert.Equal(t, 1, remote.stats)
}

func TestReconcileDeletedOnServer(t *testing.T) {
	r, _ := newReconciler(t, &fakeRemote{})

	decision, snap, err := r.Reconcile(context.Background(), downloaded("/gone.txt", "e1"), nil, true)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionDeleted, decision)
	assert.Nil(t, snap)
}

func TestReconcileStatFailure(t *testing.T) {
	r, _ := newReconciler(t, &fakeRemote{err: &models.RemoteError{Method: "PROPFIND", StatusCode: 503}})

	decision, _, err := r.Reconcile(context.Background(), downloaded("/a.txt", "e1"), nil, true)
	require.Error(t, err)
	assert.Equal(t, models.DecisionNoOp, decision)
	assert.Equal(t, 503, models.StatusOf(err))
}

func TestReconcileCancelledBeforeStat(t *testing.T) {
	remote := &fakeRemote{}
	r, _ := newReconciler(t, remote)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := r.Reconcile(ctx, downloaded("/a.txt", "e1"), nil, true)
	assert.True(t, models.IsCancelled(err))
	assert.Zero(t, remote.stats)
}

func TestReconcileUpload(t *testing.T) {
	r, _ := newReconciler(t, &fakeRemote{})

	rec := downloaded("/a.txt", "e1")
	rec.LocalModificationTime = synced.Add(time.Minute)

	decision, _, err := r.Reconcile(context.Background(), rec, snapshot("/a.txt", "e1"), true)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionUpload, decision)

	decision, _, err = r.Reconcile(context.Background(), rec, snapshot("/a.txt", "e1"), false)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionNoOp, decision)
}

func TestReconcileMetadataOnlyMergesProperties(t *testing.T) {
	r, _ := newReconciler(t, &fakeRemote{})

	rec := downloaded("/a.txt", "e1")
	rec.Favorite = true

	decision, _, err := r.Reconcile(context.Background(), rec, snapshot("/a.txt", "e2"), false)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionNoOp, decision)

	assert.Equal(t, "e1", rec.Etag)
	assert.Equal(t, "e2", rec.EtagOnServer)
	assert.Equal(t, int64(10), rec.Size)
	assert.Equal(t, "text/markdown", rec.MimeType)
	assert.Equal(t, "RGDNVW", rec.Permissions)
	assert.True(t, rec.Favorite)
	assert.Equal(t, "a.txt", rec.StoragePath)

	t.Run("encrypted keeps plaintext size", func(t *testing.T) {
		rec := downloaded("/a.txt", "e1")
		rec.Encrypted = true

		_, _, err := r.Reconcile(context.Background(), rec, snapshot("/a.txt", "e2"), false)
		require.NoError(t, err)
		assert.Equal(t, "e2", rec.EtagOnServer)
		assert.Equal(t, int64(3), rec.Size)
		assert.Equal(t, "text/plain", rec.MimeType)
	})
}

func TestConflictMarksAncestors(t *testing.T) {
	r, store := newReconciler(t, &fakeRemote{})

	rec := downloaded("/A/B/y.txt", "e1")
	rec.LocalModificationTime = synced.Add(time.Minute)

	decision, _, err := r.Reconcile(context.Background(), rec, snapshot("/A/B/y.txt", "e9"), true)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionConflict, decision)
	assert.Equal(t, "e9", rec.EtagInConflict)

	for _, p := range []string{"/A/B/", "/A/", "/"} {
		folder, err := store.GetByPath(p)
		require.NoError(t, err)
		assert.Equal(t, "e9", folder.EtagInConflict, p)
	}

	conflicts, err := store.Conflicts()
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "/A/B/y.txt", conflicts[0].Path)
	assert.Equal(t, int64(42), conflicts[0].FileID)
	assert.Equal(t, "e9", conflicts[0].ConflictEtag)
}

func TestConflictClearedWhenResolved(t *testing.T) {
	r, store := newReconciler(t, &fakeRemote{})
	ctx := context.Background()

	x := downloaded("/A/x.txt", "e1")
	x.LocalModificationTime = synced.Add(time.Minute)
	y := downloaded("/A/B/y.txt", "e1")
	y.LocalModificationTime = synced.Add(time.Minute)

	_, _, err := r.Reconcile(ctx, x, snapshot("/A/x.txt", "ex"), true)
	require.NoError(t, err)
	_, _, err = r.Reconcile(ctx, y, snapshot("/A/B/y.txt", "ey"), true)
	require.NoError(t, err)

	// y resolved: same etag on both sides, no local edit since.
	y = downloaded("/A/B/y.txt", "ey")
	y.EtagInConflict = "ey"
	decision, _, err := r.Reconcile(ctx, y, snapshot("/A/B/y.txt", "ey"), true)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionNoOp, decision)
	assert.False(t, y.HasConflict())

	b, _ := store.GetByPath("/A/B/")
	a, _ := store.GetByPath("/A/")
	assert.False(t, b.HasConflict())
	assert.True(t, a.HasConflict(), "x is still in conflict below /A/")

	x = downloaded("/A/x.txt", "ex")
	_, _, err = r.Reconcile(ctx, x, snapshot("/A/x.txt", "ex"), true)
	require.NoError(t, err)

	for _, p := range []string{"/A/", "/"} {
		folder, err := store.GetByPath(p)
		require.NoError(t, err)
		assert.False(t, folder.HasConflict(), p)
	}
	conflicts, err := store.Conflicts()
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}
