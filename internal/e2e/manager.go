package e2e

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/TheMichaelB/davsync/internal/crypto"
	"github.com/TheMichaelB/davsync/internal/events"
	"github.com/TheMichaelB/davsync/internal/models"
	"github.com/TheMichaelB/davsync/internal/transport"
)

// API is the subset of the OCS client the manager needs.
type API interface {
	Capabilities(ctx context.Context) (*transport.Capabilities, error)
	Lock(ctx context.Context, v models.E2EVersion, path string, fileID, counter int64) (string, error)
	Unlock(ctx context.Context, v models.E2EVersion, path string, fileID int64, token string) error
	GetMetadata(ctx context.Context, v models.E2EVersion, fileID int64) (string, error)
	StoreMetadata(ctx context.Context, v models.E2EVersion, fileID int64, token, metadata string) error
	UpdateMetadata(ctx context.Context, v models.E2EVersion, fileID int64, token, metadata string) error
	MarkEncrypted(ctx context.Context, fileID int64) error
}

// Folder identifies an encrypted folder on the server.
type Folder struct {
	Path   string
	FileID int64
}

// FolderOf returns the folder identity of a cached record.
func FolderOf(rec *models.FileRecord) Folder {
	return Folder{Path: rec.RemotePath, FileID: rec.FileID}
}

// Manager retrieves, locks and publishes encrypted folder metadata.
type Manager struct {
	api    API
	keys   *crypto.KeyPair
	logger *events.Logger

	group   singleflight.Group
	mu      sync.RWMutex
	version models.E2EVersion
}

// NewManager creates a metadata manager for the key pair owner.
func NewManager(api API, keys *crypto.KeyPair, logger *events.Logger) *Manager {
	return &Manager{
		api:    api,
		keys:   keys,
		logger: logger.WithField("component", "e2e_manager"),
	}
}

// Keys returns the account key pair.
func (m *Manager) Keys() *crypto.KeyPair {
	return m.keys
}

// Version returns the metadata schema version the server advertises.
// Concurrent callers share one capability request.
func (m *Manager) Version(ctx context.Context) (models.E2EVersion, error) {
	m.mu.RLock()
	v := m.version
	m.mu.RUnlock()
	if v != models.E2EVersionUnknown {
		return v, nil
	}

	res, err, _ := m.group.Do("capabilities", func() (interface{}, error) {
		caps, err := m.api.Capabilities(ctx)
		if err != nil {
			return nil, err
		}
		if !caps.E2EEnabled {
			return nil, fmt.Errorf("server capabilities: %w", models.ErrNotEncrypted)
		}

		m.mu.Lock()
		m.version = caps.E2EVersion
		m.mu.Unlock()

		m.logger.WithField("version", string(caps.E2EVersion)).Debug("End-to-end encryption version detected")
		return caps.E2EVersion, nil
	})
	if err != nil {
		return models.E2EVersionUnknown, err
	}
	return res.(models.E2EVersion), nil
}

// RefreshCapabilities drops the cached version and fetches it again.
func (m *Manager) RefreshCapabilities(ctx context.Context) error {
	m.mu.Lock()
	m.version = models.E2EVersionUnknown
	m.mu.Unlock()

	_, err := m.Version(ctx)
	return err
}

// RetrieveMetadata downloads and decrypts the metadata of a folder. A
// folder without metadata yields a fresh empty object and existed=false.
func (m *Manager) RetrieveMetadata(ctx context.Context, folder Folder) (bool, Metadata, error) {
	v, err := m.Version(ctx)
	if err != nil {
		return false, nil, err
	}

	raw, err := m.api.GetMetadata(ctx, v, folder.FileID)
	if err != nil {
		if models.IsNotFound(err) {
			md, err := NewMetadata(v, m.keys)
			if err != nil {
				return false, nil, err
			}
			return false, md, nil
		}
		return false, nil, fmt.Errorf("retrieve metadata %s: %w", folder.Path, err)
	}

	md, err := Decode(raw, m.keys)
	if err != nil {
		var de *models.DecryptError
		if errors.As(err, &de) && de.Path == "" {
			de.Path = folder.Path
		}
		return true, nil, fmt.Errorf("retrieve metadata %s: %w", folder.Path, err)
	}
	return true, md, nil
}

// LockFolder acquires the folder lock. For v2 the counter must be the last
// known counter plus one.
func (m *Manager) LockFolder(ctx context.Context, folder Folder, counter int64) (string, error) {
	v, err := m.Version(ctx)
	if err != nil {
		return "", err
	}

	token, err := m.api.Lock(ctx, v, folder.Path, folder.FileID, counter)
	if err != nil {
		return "", err
	}

	m.logger.WithFields(map[string]interface{}{
		"path":    folder.Path,
		"counter": counter,
	}).Debug("Folder locked")
	return token, nil
}

// UnlockFolder releases a lock. It runs even when ctx is already done so a
// failed operation never leaves the lock behind.
func (m *Manager) UnlockFolder(ctx context.Context, folder Folder, token string) error {
	v, err := m.Version(ctx)
	if err != nil {
		return err
	}

	if err := m.api.Unlock(context.WithoutCancel(ctx), v, folder.Path, folder.FileID, token); err != nil {
		m.logger.WithError(err).WithField("path", folder.Path).Error("Failed to unlock folder")
		return err
	}

	m.logger.WithField("path", folder.Path).Debug("Folder unlocked")
	return nil
}

// SerializeAndUpload encrypts md and publishes it, creating the document
// when it did not exist yet.
func (m *Manager) SerializeAndUpload(ctx context.Context, folder Folder, md Metadata, token string, existed bool) error {
	raw, err := Encode(md)
	if err != nil {
		return fmt.Errorf("serialize metadata %s: %w", folder.Path, err)
	}

	v := md.Version()
	if existed {
		err = m.api.UpdateMetadata(ctx, v, folder.FileID, token, raw)
	} else {
		err = m.api.StoreMetadata(ctx, v, folder.FileID, token, raw)
	}
	if err != nil {
		return fmt.Errorf("publish metadata %s: %w", folder.Path, err)
	}
	return nil
}

// WithFolderLock runs fn while holding the folder lock. Every successful
// lock is followed by exactly one unlock, whatever fn returns. An unlock
// failure is joined to the result.
func (m *Manager) WithFolderLock(ctx context.Context, folder Folder, counter int64, fn func(token string) error) (err error) {
	token, err := m.LockFolder(ctx, folder, counter)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			_ = m.UnlockFolder(ctx, folder, token)
			panic(r)
		}
		if unlockErr := m.UnlockFolder(ctx, folder, token); unlockErr != nil {
			err = errors.Join(err, unlockErr)
		}
	}()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrCancelled, err)
	}
	return fn(token)
}

// Update runs the full mutation cycle on a folder: retrieve, lock with the
// next counter, mutate, publish and unlock. A counter mismatch means another
// client won the race; the metadata is fetched again and the cycle retried
// once.
func (m *Manager) Update(ctx context.Context, folder Folder, fn func(md Metadata, token string) error) error {
	for attempt := 0; ; attempt++ {
		existed, md, err := m.RetrieveMetadata(ctx, folder)
		if err != nil {
			return err
		}

		counter := md.Counter() + 1
		err = m.WithFolderLock(ctx, folder, counter, func(token string) error {
			if err := fn(md, token); err != nil {
				return err
			}
			md.SetCounter(counter)
			return m.SerializeAndUpload(ctx, folder, md, token, existed)
		})
		if err != nil && attempt == 0 && errors.Is(err, models.ErrCounterMismatch) {
			m.logger.WithField("path", folder.Path).Warn("Metadata counter mismatch, retrying")
			continue
		}
		return err
	}
}

// InitializeFolder marks a freshly created empty folder as encrypted and
// stores its first metadata document.
func (m *Manager) InitializeFolder(ctx context.Context, folder Folder) (Metadata, error) {
	v, err := m.Version(ctx)
	if err != nil {
		return nil, err
	}
	if err := m.api.MarkEncrypted(ctx, folder.FileID); err != nil {
		return nil, fmt.Errorf("initialize %s: %w", folder.Path, err)
	}

	md, err := NewMetadata(v, m.keys)
	if err != nil {
		return nil, err
	}

	err = m.WithFolderLock(ctx, folder, 1, func(token string) error {
		md.SetCounter(1)
		return m.SerializeAndUpload(ctx, folder, md, token, false)
	})
	if err != nil {
		return nil, err
	}
	return md, nil
}
