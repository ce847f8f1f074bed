package sync

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/TheMichaelB/davsync/internal/config"
	"github.com/TheMichaelB/davsync/internal/e2e"
	"github.com/TheMichaelB/davsync/internal/events"
	"github.com/TheMichaelB/davsync/internal/models"
	"github.com/TheMichaelB/davsync/internal/services/upload"
	"github.com/TheMichaelB/davsync/internal/state"
	"github.com/TheMichaelB/davsync/internal/storage"
)

// Client is everything the service needs from the WebDAV client.
type Client interface {
	DAV
	upload.Client
}

// SyncOptions configures a sync operation.
type SyncOptions struct {
	Path         string // folder to start from, "/" when empty
	Force        bool   // list folders even when their etag is unchanged
	MetadataOnly bool
	FullAccount  bool
	PushLocal    bool // upload local edits inside unchanged folders
}

// UploadResult describes a file uploaded from outside the cache.
type UploadResult struct {
	RemotePath string
	Etag       string
	Size       int64
}

// Status lists the pending work recorded in the local cache.
type Status struct {
	Conflicts []ConflictStatus
	Uploads   []*models.UploadSession
}

// ConflictStatus is an unresolved conflict and the local copy it keeps.
type ConflictStatus struct {
	*models.ConflictRecord
	LocalPath string `json:"local_path,omitempty"`
}

// Service provides account level sync operations.
type Service struct {
	dav         Client
	store       state.Store
	e2e         *e2e.Manager
	fs          afero.Fs
	uploader    *upload.Uploader
	transfer    *Transfer
	coordinator *Coordinator
	engine      *Engine
	cfg         *config.SyncConfig
	account     string
	logger      *events.Logger
}

// NewService wires the sync stack. manager may be nil when end-to-end
// encryption is disabled.
func NewService(
	dav Client,
	store state.Store,
	blobs storage.BlobStore,
	manager *e2e.Manager,
	cfg *config.SyncConfig,
	logger *events.Logger,
) *Service {
	uploader := upload.NewUploader(dav, store, cfg, logger)
	transfer := NewTransfer(dav, uploader, blobs, manager, logger)
	coordinator := NewCoordinator(dav, store, transfer, manager, NewAccountRefresher(manager, logger), logger)

	return &Service{
		dav:         dav,
		store:       store,
		e2e:         manager,
		fs:          afero.NewOsFs(),
		uploader:    uploader,
		transfer:    transfer,
		coordinator: coordinator,
		engine:      NewEngine(coordinator, store, cfg.MaxConcurrent, logger),
		cfg:         cfg,
		logger:      logger.WithField("service", "sync"),
	}
}

// SetAccount names the account (user@host) that every operation logs.
func (s *Service) SetAccount(account string) {
	s.account = account
}

// scope gives ctx the service logger tagged with the account, unless the
// caller already provided a logger.
func (s *Service) scope(ctx context.Context) context.Context {
	ctx = events.WithLogger(ctx, events.FromContext(ctx, s.logger))
	if s.account == "" || events.GetAccount(ctx) != "" {
		return ctx
	}
	return events.WithAccount(ctx, s.account)
}

// Sync walks the tree below opts.Path.
func (s *Service) Sync(ctx context.Context, opts SyncOptions) (*Summary, error) {
	root := opts.Path
	if root == "" {
		root = s.cfg.RootPath
	}
	return s.engine.Run(s.scope(ctx), root, Options{
		IgnoreETag:   opts.Force,
		MetadataOnly: opts.MetadataOnly || s.cfg.MetadataOnly,
		FullAccount:  opts.FullAccount,
		PushLocal:    opts.PushLocal || s.cfg.PushLocal,
	})
}

// SyncFile reconciles one cached file, named by its remote or display
// path.
func (s *Service) SyncFile(ctx context.Context, remotePath string, metadataOnly bool) (FileResult, error) {
	remotePath = models.CleanPath(remotePath)
	if rec, err := s.cached(remotePath); err == nil {
		remotePath = rec.RemotePath
	}
	unlock, err := s.store.Lock(models.ParentPath(remotePath))
	if err != nil {
		return FileResult{Path: remotePath}, err
	}
	defer unlock()

	return s.coordinator.SynchronizeFile(s.scope(ctx), remotePath, Options{
		MetadataOnly: metadataOnly || s.cfg.MetadataOnly,
	})
}

// Upload sends a local file to remotePath. Large files go through a
// resumable chunked session; running the same upload again after an
// interruption continues where it stopped.
func (s *Service) Upload(ctx context.Context, localPath, remotePath string) (*UploadResult, error) {
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return nil, err
	}
	info, err := s.fs.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("upload %s: %w", localPath, models.ErrLocalFileNotFound)
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("upload %s: is a directory", localPath)
	}

	remotePath = models.CleanPath(remotePath)
	parent, err := s.folder(ctx, models.ParentPath(remotePath))
	if err != nil {
		return nil, err
	}

	ctx = s.scope(ctx)
	result := &UploadResult{RemotePath: remotePath, Size: info.Size()}
	logger := events.FromContext(ctx, s.logger).WithFields(map[string]interface{}{
		"local":  abs,
		"remote": remotePath,
		"size":   info.Size(),
	})
	logger.Info("Uploading file")

	if parent.Encrypted {
		data, err := afero.ReadFile(s.fs, abs)
		if err != nil {
			return nil, err
		}
		name := models.BaseName(remotePath)
		mimeType, _, _ := strings.Cut(mime.TypeByExtension(filepath.Ext(name)), ";")
		result.RemotePath, result.Etag, err = s.transfer.PutEncrypted(ctx, parent, name, mimeType, data, info.ModTime())
		if err != nil {
			return nil, err
		}
		return result, nil
	}

	result.Etag, err = s.transfer.PutFile(ctx, upload.Request{
		LocalPath:  abs,
		RemotePath: remotePath,
		Size:       info.Size(),
		ModTime:    info.ModTime(),
		Source:     upload.FileSource{Fs: s.fs},
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Unlock releases a folder lock left behind by an interrupted client.
func (s *Service) Unlock(ctx context.Context, folderPath, token string) error {
	if s.e2e == nil {
		return fmt.Errorf("unlock %s: %w", folderPath, ErrNoKeys)
	}
	folderPath = models.FolderPath(folderPath)
	snap, err := s.dav.Stat(ctx, folderPath)
	if err != nil {
		return fmt.Errorf("unlock %s: %w", folderPath, err)
	}
	if !snap.Encrypted {
		return fmt.Errorf("unlock %s: %w", folderPath, models.ErrNotEncrypted)
	}
	return s.e2e.UnlockFolder(ctx, e2e.Folder{Path: folderPath, FileID: snap.FileID}, token)
}

// Status reports unresolved conflicts and interrupted uploads.
func (s *Service) Status() (*Status, error) {
	conflicts, err := s.store.Conflicts()
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	uploads, err := s.store.ListUploadSessions()
	if err != nil {
		return nil, fmt.Errorf("list upload sessions: %w", err)
	}

	status := &Status{Uploads: uploads}
	for _, c := range conflicts {
		cs := ConflictStatus{ConflictRecord: c}
		if rec, err := s.store.GetByPath(c.Path); err == nil {
			if cs.LocalPath, err = s.transfer.LocalPath(rec); err != nil {
				s.logger.WithError(err).WithField("path", c.Path).Warn("Cannot locate local copy")
			}
		}
		status.Conflicts = append(status.Conflicts, cs)
	}
	return status, nil
}

// Mkdir creates a folder below parentPath and caches it.
func (s *Service) Mkdir(ctx context.Context, parentPath, name string) (*models.FileRecord, error) {
	parent, err := s.folder(ctx, parentPath)
	if err != nil {
		return nil, err
	}
	rec, err := s.transfer.CreateFolder(ctx, parent, name)
	if err != nil {
		return nil, err
	}
	if parent.ID == 0 {
		if err := s.store.Save(parent); err != nil {
			return nil, err
		}
	}
	if err := s.store.Save(rec); err != nil {
		return nil, fmt.Errorf("cache %s: %w", rec.DisplayPath(), err)
	}
	return rec, nil
}

// Remove deletes a cached file or folder on the server and locally.
// Entries of encrypted folders may be named by their display path.
func (s *Service) Remove(ctx context.Context, remotePath string) error {
	rec, err := s.cached(models.CleanPath(remotePath), models.FolderPath(remotePath))
	if err != nil {
		return fmt.Errorf("remove %s: %w", remotePath, err)
	}
	parent, err := s.folder(ctx, models.ParentPath(rec.RemotePath))
	if err != nil {
		return err
	}

	if parent.Encrypted {
		err = s.transfer.DeleteEncrypted(ctx, parent, models.BaseName(rec.RemotePath))
	} else {
		err = s.dav.Delete(ctx, rec.RemotePath, "")
		if models.IsNotFound(err) {
			err = nil
		}
	}
	if err != nil {
		return err
	}

	if err := s.transfer.PurgeLocal(rec); err != nil && !errors.Is(err, models.ErrLocalFileNotFound) {
		s.logger.WithError(err).WithField("path", rec.DisplayPath()).Warn("Failed to remove local copy")
	}
	if rec.IsFolder() {
		return s.store.RemoveFolder(rec.RemotePath)
	}
	return s.store.RemoveFile(rec.RemotePath)
}

// cached looks paths up by remote path first, then by the display path of
// encrypted entries.
func (s *Service) cached(paths ...string) (*models.FileRecord, error) {
	for _, get := range []func(string) (*models.FileRecord, error){s.store.GetByPath, s.store.GetByDecryptedPath} {
		for _, p := range paths {
			rec, err := get(p)
			if err == nil {
				return rec, nil
			}
			if !errors.Is(err, state.ErrRecordNotFound) {
				return nil, err
			}
		}
	}
	return nil, state.ErrRecordNotFound
}

// folder returns the cached folder record, asking the server when the
// folder was never synchronized.
func (s *Service) folder(ctx context.Context, folderPath string) (*models.FileRecord, error) {
	folderPath = models.FolderPath(folderPath)
	rec, err := s.cached(folderPath)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, state.ErrRecordNotFound) {
		return nil, err
	}

	snap, err := s.dav.Stat(ctx, folderPath)
	if err != nil {
		return nil, fmt.Errorf("folder %s: %w", folderPath, err)
	}
	if !snap.IsFolder() {
		return nil, fmt.Errorf("folder %s: not a folder", folderPath)
	}
	rec = mergeRemote(nil, snap, "", snap.Encrypted, time.Now())
	return rec, nil
}

// AddUploadListener registers a chunked upload progress listener.
func (s *Service) AddUploadListener(l upload.Listener) func() {
	return s.uploader.AddListener(l)
}

// GetProgress returns sync progress.
func (s *Service) GetProgress() *Progress {
	return s.engine.GetProgress()
}

// Events returns the event channel.
func (s *Service) Events() <-chan Event {
	return s.engine.Events()
}

// Cancel stops an ongoing sync.
func (s *Service) Cancel() {
	s.engine.Cancel()
}
