package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/TheMichaelB/davsync/internal/crypto"
	"github.com/TheMichaelB/davsync/internal/e2e"
	"github.com/TheMichaelB/davsync/internal/events"
	"github.com/TheMichaelB/davsync/internal/models"
	"github.com/TheMichaelB/davsync/internal/state"
)

// Share types reported by the server.
const (
	shareTypeUser = 0
	shareTypeLink = 3
)

// Options tune one synchronization.
type Options struct {
	// IgnoreETag lists folders even when their etag is unchanged.
	IgnoreETag bool
	// MetadataOnly merges properties and never transfers content.
	MetadataOnly bool
	// FullAccount marks a walk over the whole account, which skips the
	// account refresh done when the root is synchronized on its own.
	FullAccount bool
	// PushLocal reconciles locally modified files of unchanged folders,
	// uploading them. Without it an unchanged folder transfers nothing.
	PushLocal bool
}

// FileResult is the outcome for one file.
type FileResult struct {
	Path     string
	Decision models.Decision
	Err      error
}

// Result summarizes the synchronization of one folder.
type Result struct {
	Folder  string
	Changed bool
	Removed bool

	Children   []*models.FileRecord
	Subfolders []string
	Files      []FileResult

	Conflicts int
	Failures  int
}

// Coordinator synchronizes one folder at a time. Subfolders are returned
// for the caller to queue.
type Coordinator struct {
	remote     Remote
	store      state.Store
	reconciler *Reconciler
	transfer   *Transfer
	e2e        *e2e.Manager
	effects    SideEffects
	logger     *events.Logger
	now        func() time.Time
}

// NewCoordinator creates a coordinator. manager and effects may be nil.
func NewCoordinator(remote Remote, store state.Store, transfer *Transfer, manager *e2e.Manager, effects SideEffects, logger *events.Logger) *Coordinator {
	return &Coordinator{
		remote:     remote,
		store:      store,
		reconciler: NewReconciler(remote, store, logger),
		transfer:   transfer,
		e2e:        manager,
		effects:    effects,
		logger:     logger,
		now:        time.Now,
	}
}

// folderState carries the parent of the files being reconciled. The
// metadata of an encrypted folder is fetched on first use.
type folderState struct {
	rec    *models.FileRecord
	md     e2e.Metadata
	loaded bool
}

// log returns the logger of the current run.
func (c *Coordinator) log(ctx context.Context) *events.Logger {
	return events.FromContext(ctx, c.logger).WithField("component", "coordinator")
}

func (c *Coordinator) metadata(ctx context.Context, fs *folderState) (e2e.Metadata, error) {
	if fs.loaded || !fs.rec.Encrypted {
		return fs.md, nil
	}
	if c.e2e == nil {
		return nil, fmt.Errorf("folder %s: %w", fs.rec.RemotePath, ErrNoKeys)
	}
	_, md, err := c.e2e.RetrieveMetadata(ctx, e2e.FolderOf(fs.rec))
	if err != nil {
		return nil, err
	}
	fs.md, fs.loaded = md, true
	return md, nil
}

// Synchronize brings the cached folder in line with the server. A folder
// gone from the server is purged locally and reported with an error
// matching models.ErrNotFound.
func (c *Coordinator) Synchronize(ctx context.Context, folderPath string, opts Options) (*Result, error) {
	folderPath = models.FolderPath(folderPath)
	res := &Result{Folder: folderPath}
	logger := c.log(ctx).WithField("folder", folderPath)

	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("%w: %v", models.ErrCancelled, err)
	}

	local, err := c.loadFolder(folderPath)
	if err != nil {
		return res, err
	}

	snap, err := c.remote.Stat(ctx, folderPath)
	if err != nil {
		if models.IsNotFound(err) {
			return c.purge(ctx, local, res, err)
		}
		return res, fmt.Errorf("check %s: %w", folderPath, err)
	}

	if folderPath == models.PathSeparator && !opts.FullAccount && !opts.MetadataOnly && c.effects != nil {
		runSideEffects(ctx, c.effects, logger)
	}

	// A missing etag on either side counts as a change.
	res.Changed = opts.IgnoreETag || local.Etag == "" || snap.Etag == "" || snap.Etag != local.Etag
	if !res.Changed {
		logger.Debug("Folder unchanged")
		return c.synchronizeLocal(ctx, local, res, opts)
	}

	self, children, err := c.remote.ReadFolder(ctx, folderPath)
	if err != nil {
		if models.IsNotFound(err) {
			return c.purge(ctx, local, res, err)
		}
		return res, fmt.Errorf("list %s: %w", folderPath, err)
	}

	logger.WithField("children", len(children)).Debug("Folder changed")
	return c.synchronizeData(ctx, local, self, children, res, opts)
}

// SynchronizeFile reconciles a single cached file, asking the server for
// its current state.
func (c *Coordinator) SynchronizeFile(ctx context.Context, remotePath string, opts Options) (FileResult, error) {
	result := FileResult{Path: remotePath}

	rec, err := c.store.GetByPath(remotePath)
	if err != nil {
		return result, fmt.Errorf("file %s: %w", remotePath, err)
	}
	parent, err := c.loadFolder(models.ParentPath(remotePath))
	if err != nil {
		return result, err
	}
	if err := c.transfer.RefreshLocal(rec); err != nil {
		return result, err
	}

	decision, snap, err := c.reconciler.Reconcile(ctx, rec, nil, !opts.MetadataOnly)
	result.Path, result.Decision = rec.DisplayPath(), decision
	if err != nil {
		return result, err
	}

	switch decision {
	case models.DecisionDeleted:
		if err := c.transfer.PurgeLocal(rec); err != nil {
			return result, err
		}
		return result, c.store.RemoveFile(rec.RemotePath)
	case models.DecisionDownload:
		if snap == nil {
			if snap, err = c.remote.Stat(ctx, rec.RemotePath); err != nil {
				return result, err
			}
		}
		fs := &folderState{rec: parent}
		md, err := c.metadata(ctx, fs)
		if err == nil {
			err = c.transfer.Download(ctx, rec, snap, md)
		}
		if err != nil {
			result.Err = err
			return result, err
		}
	case models.DecisionUpload:
		if err := c.transfer.Upload(ctx, parent, rec); err != nil {
			result.Err = err
			return result, err
		}
	}
	if decision.Transfers() {
		if err := c.resolved(rec); err != nil {
			return result, err
		}
	}

	return result, c.store.Save(rec)
}

func (c *Coordinator) loadFolder(folderPath string) (*models.FileRecord, error) {
	rec, err := c.store.GetByPath(folderPath)
	if err == nil {
		return rec, nil
	}
	if errors.Is(err, state.ErrRecordNotFound) {
		return &models.FileRecord{RemotePath: folderPath}, nil
	}
	return nil, fmt.Errorf("load folder %s: %w", folderPath, err)
}

func (c *Coordinator) children(folderPath string) ([]*models.FileRecord, error) {
	children, err := c.store.FolderContent(folderPath)
	if errors.Is(err, state.ErrRecordNotFound) {
		return nil, nil
	}
	return children, err
}

func (c *Coordinator) purge(ctx context.Context, local *models.FileRecord, res *Result, cause error) (*Result, error) {
	res.Removed = true
	c.log(ctx).WithField("folder", res.Folder).Info("Folder removed on server")

	if local.ID != 0 {
		c.purgeLocal(ctx, local)
	}
	if err := c.store.RemoveFolder(res.Folder); err != nil {
		return res, fmt.Errorf("purge %s: %w", res.Folder, err)
	}
	return res, fmt.Errorf("synchronize %s: %w", res.Folder, cause)
}

// synchronizeLocal handles an unchanged folder. The cached children are
// returned as they are and vanished local copies are recorded. With
// opts.PushLocal, files modified locally are reconciled against the cached
// server state as well.
func (c *Coordinator) synchronizeLocal(ctx context.Context, local *models.FileRecord, res *Result, opts Options) (*Result, error) {
	children, err := c.children(local.RemotePath)
	if err != nil {
		return res, err
	}
	res.Children = children

	fs := &folderState{rec: local}
	var updated []*models.FileRecord
	for _, child := range children {
		if child.IsFolder() {
			res.Subfolders = append(res.Subfolders, child.RemotePath)
			continue
		}
		if !child.IsDown() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("%w: %v", models.ErrCancelled, err)
		}

		if err := c.transfer.RefreshLocal(child); err != nil {
			c.fail(ctx, res, child, models.DecisionNoOp, err)
			continue
		}
		if !child.IsDown() {
			// Local copy vanished; the next listing downloads it again.
			updated = append(updated, child)
			continue
		}
		if !opts.PushLocal || !LocalChanged(child) {
			continue
		}

		c.synchronizeFile(ctx, fs, child, snapshotOf(child), opts, res)
		updated = append(updated, child)
	}

	if len(updated) == 0 {
		return res, nil
	}
	if err := c.persist(local, updated, nil); err != nil {
		return res, err
	}
	return res, nil
}

// synchronizeData merges a fresh listing into the cache, reconciling files
// and collecting subfolders.
func (c *Coordinator) synchronizeData(ctx context.Context, local *models.FileRecord, self *models.RemoteSnapshot, children []models.RemoteSnapshot, res *Result, opts Options) (*Result, error) {
	now := c.now()
	logger := c.log(ctx).WithField("folder", res.Folder)

	mergeFolder(local, self, now)
	fs := &folderState{rec: local}

	var md e2e.Metadata
	if local.Encrypted && len(children) > 0 {
		var err error
		if md, err = c.metadata(ctx, fs); err != nil {
			return res, err
		}
		local.E2ECounter = md.Counter()
	}

	existing, err := c.children(local.RemotePath)
	if err != nil {
		return res, err
	}
	byName := make(map[string]*models.FileRecord, len(existing))
	for _, rec := range existing {
		byName[crypto.NormalizeName(rec.Name())] = rec
	}

	seen := make(map[string]bool, len(children))
	updated := make([]*models.FileRecord, 0, len(children))
	var removed []*models.FileRecord

	for i := range children {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("%w: %v", models.ErrCancelled, err)
		}
		snap := &children[i]

		name, entry, ok := displayName(snap, md)
		if !ok {
			logger.WithField("name", snap.Name()).Warn("Encrypted entry missing from metadata")
			continue
		}
		key := crypto.NormalizeName(name)
		if seen[key] {
			logger.WithField("name", name).Warn("Duplicate name in listing")
			continue
		}
		seen[key] = true

		prev := byName[key]
		if prev != nil && (prev.IsFolder() != snap.IsFolder() || prev.RemotePath != snap.Path) {
			// Type change or new encrypted name: the old row goes away.
			if prev.IsFolder() != snap.IsFolder() {
				c.purgeLocal(ctx, prev)
				prev = nil
			}
			removed = append(removed, byName[key])
		}

		decrypted := ""
		if local.Encrypted {
			decrypted = models.JoinPath(local.DisplayPath(), name, snap.IsFolder())
		}
		rec := mergeRemote(prev, snap, decrypted, local.Encrypted, now)
		if entry != nil && entry.MimeType != "" {
			rec.MimeType = entry.MimeType
		}

		if snap.IsFolder() {
			res.Subfolders = append(res.Subfolders, rec.RemotePath)
		} else if !opts.MetadataOnly || rec.IsDown() {
			c.synchronizeFile(ctx, fs, rec, snap, opts, res)
		}
		updated = append(updated, rec)
	}

	for key, rec := range byName {
		if seen[key] {
			continue
		}
		c.purgeLocal(ctx, rec)
		removed = append(removed, rec)
	}

	if res.Conflicts == 0 && res.Failures == 0 {
		local.Etag = self.Etag
	}
	if err := c.persist(local, updated, removed); err != nil {
		return res, err
	}

	res.Children = updated
	logger.WithFields(map[string]interface{}{
		"children":  len(updated),
		"removed":   len(removed),
		"conflicts": res.Conflicts,
		"failures":  res.Failures,
	}).Info("Folder synchronized")
	return res, nil
}

// synchronizeFile reconciles one file and runs the resulting transfer.
// Failures are counted on res, never returned.
func (c *Coordinator) synchronizeFile(ctx context.Context, fs *folderState, rec *models.FileRecord, snap *models.RemoteSnapshot, opts Options, res *Result) {
	if err := c.transfer.RefreshLocal(rec); err != nil {
		c.fail(ctx, res, rec, models.DecisionNoOp, err)
		return
	}

	decision, snap, err := c.reconciler.Reconcile(ctx, rec, snap, !opts.MetadataOnly)
	if err == nil {
		switch decision {
		case models.DecisionDownload:
			var md e2e.Metadata
			if md, err = c.metadata(ctx, fs); err == nil {
				err = c.transfer.Download(ctx, rec, snap, md)
			}
		case models.DecisionUpload:
			err = c.transfer.Upload(ctx, fs.rec, rec)
		case models.DecisionConflict:
			res.Conflicts++
		}
	}
	if err == nil && decision.Transfers() {
		err = c.resolved(rec)
	}
	if err != nil {
		c.fail(ctx, res, rec, decision, err)
		return
	}
	res.Files = append(res.Files, FileResult{Path: rec.DisplayPath(), Decision: decision})
}

// resolved drops the conflict left on rec once a transfer brought both
// sides back in line.
func (c *Coordinator) resolved(rec *models.FileRecord) error {
	if !rec.HasConflict() {
		return nil
	}
	return c.reconciler.clearConflict(rec)
}

func (c *Coordinator) fail(ctx context.Context, res *Result, rec *models.FileRecord, decision models.Decision, err error) {
	res.Failures++
	res.Files = append(res.Files, FileResult{Path: rec.DisplayPath(), Decision: decision, Err: err})
	c.log(ctx).WithError(err).WithFields(map[string]interface{}{
		"path":     rec.DisplayPath(),
		"decision": decision.String(),
		"code":     models.ErrorCode(err),
	}).Warn("File synchronization failed")
}

func (c *Coordinator) purgeLocal(ctx context.Context, rec *models.FileRecord) {
	if err := c.transfer.PurgeLocal(rec); err != nil {
		c.log(ctx).WithError(err).WithField("path", rec.DisplayPath()).Warn("Failed to remove local copy")
	}
}

// persist saves the folder with its children. Conflict markers written by
// the reconciler in the meantime win over the in-memory folder copy.
func (c *Coordinator) persist(folder *models.FileRecord, updated, removed []*models.FileRecord) error {
	if cur, err := c.store.GetByPath(folder.RemotePath); err == nil {
		folder.EtagInConflict = cur.EtagInConflict
	}
	if err := c.store.SaveFolder(folder, updated, removed); err != nil {
		return fmt.Errorf("save folder %s: %w", folder.RemotePath, err)
	}
	return nil
}

// displayName resolves the user visible name of a listing entry. Inside an
// encrypted folder the opaque name is looked up in the metadata.
func displayName(snap *models.RemoteSnapshot, md e2e.Metadata) (string, *e2e.Entry, bool) {
	if md == nil {
		return snap.Name(), nil, true
	}
	encName := snap.Name()
	if snap.IsFolder() {
		name, ok := md.FolderName(encName)
		return name, nil, ok
	}
	entry, ok := md.LookupByEncryptedName(encName)
	if !ok {
		return "", nil, false
	}
	return entry.Filename, entry, true
}

// mergeFolder applies the server properties of a folder. Its etag is only
// taken once the children are stored.
func mergeFolder(local *models.FileRecord, self *models.RemoteSnapshot, now time.Time) {
	local.RemoteID = self.RemoteID
	local.FileID = self.FileID
	local.EtagOnServer = self.Etag
	local.Size = self.Size
	local.ModificationTime = self.ModificationTime
	local.Permissions = self.Permissions
	local.MountType = self.MountType
	local.Encrypted = local.Encrypted || self.Encrypted
	local.MimeType = models.MimeTypeDirectory
	local.LastSyncDateForProperties = now
	applyShareTypes(local, self.ShareTypes)
}

// mergeRemote combines a listing entry with the cached record. Content
// state (etag, size and mtime of files, storage path) and local flags stay
// as cached; transfers update them. Folders keep their etag so that their
// own synchronization detects changes.
func mergeRemote(prev *models.FileRecord, snap *models.RemoteSnapshot, decrypted string, encrypted bool, now time.Time) *models.FileRecord {
	var rec *models.FileRecord
	if prev != nil {
		rec = prev.Clone()
		if !snap.IsFolder() && isImage(snap, prev) && !prev.ModificationTime.Equal(snap.ModificationTime) {
			rec.UpdateThumbnailNeeded = true
		}
	} else {
		rec = &models.FileRecord{
			Favorite:         snap.Favorite,
			Size:             snap.Size,
			ModificationTime: snap.ModificationTime,
		}
	}

	rec.RemotePath = snap.Path
	rec.DecryptedPath = decrypted
	rec.RemoteID = snap.RemoteID
	rec.FileID = snap.FileID
	rec.EtagOnServer = snap.Etag
	rec.Permissions = snap.Permissions
	rec.MountType = snap.MountType
	rec.Encrypted = encrypted || snap.Encrypted
	rec.LastSyncDateForProperties = now

	switch {
	case snap.IsFolder():
		rec.MimeType = models.MimeTypeDirectory
		rec.Size = snap.Size
		rec.ModificationTime = snap.ModificationTime
	case rec.MimeType == "" || !encrypted:
		if snap.MimeType != "" {
			rec.MimeType = snap.MimeType
		}
	}
	applyShareTypes(rec, snap.ShareTypes)
	return rec
}

func isImage(snap *models.RemoteSnapshot, prev *models.FileRecord) bool {
	return strings.HasPrefix(snap.MimeType, "image/") || prev.IsImage()
}

func applyShareTypes(rec *models.FileRecord, types []int) {
	rec.SharedViaLink, rec.SharedWithSharee = false, false
	for _, t := range types {
		if t == shareTypeLink {
			rec.SharedViaLink = true
		} else if t >= shareTypeUser {
			rec.SharedWithSharee = true
		}
	}
}

// snapshotOf rebuilds the last known server state of a cached file.
func snapshotOf(rec *models.FileRecord) *models.RemoteSnapshot {
	etag := rec.EtagOnServer
	if etag == "" {
		etag = rec.Etag
	}
	return &models.RemoteSnapshot{
		Path:             rec.RemotePath,
		Etag:             etag,
		Size:             rec.Size,
		ModificationTime: rec.ModificationTime,
		Permissions:      rec.Permissions,
		RemoteID:         rec.RemoteID,
		FileID:           rec.FileID,
		MimeType:         rec.MimeType,
		Encrypted:        rec.Encrypted,
		Favorite:         rec.Favorite,
		MountType:        rec.MountType,
	}
}
