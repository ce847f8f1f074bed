package state

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/TheMichaelB/davsync/internal/models"
)

// Store is the local cache of file records, conflicts and upload sessions
// for one account.
type Store interface {
	// GetByPath returns the record for a remote path. Folder paths end
	// with a separator.
	GetByPath(remotePath string) (*models.FileRecord, error)

	// GetByDecryptedPath returns the record of an encrypted file or folder
	// by its display path.
	GetByDecryptedPath(decryptedPath string) (*models.FileRecord, error)

	// GetByID returns the record with the given local id.
	GetByID(id int64) (*models.FileRecord, error)

	// Save inserts or updates a record keyed by remote path and sets its
	// local id and parent id.
	Save(record *models.FileRecord) error

	// RemoveFile deletes a single file record.
	RemoveFile(remotePath string) error

	// RemoveFolder deletes a folder record and its whole subtree.
	RemoveFolder(remotePath string) error

	// SaveFolder atomically stores the folder, its updated children and
	// drops the removed ones.
	SaveFolder(folder *models.FileRecord, updated, removed []*models.FileRecord) error

	// FolderContent lists the direct children of a folder.
	FolderContent(folderPath string) ([]*models.FileRecord, error)

	SaveConflict(conflict *models.ConflictRecord) error
	ClearConflict(remotePath string) error
	Conflicts() ([]*models.ConflictRecord, error)

	SaveUploadSession(session *models.UploadSession) error
	GetUploadSession(id string) (*models.UploadSession, error)
	ListUploadSessions() ([]*models.UploadSession, error)
	RemoveUploadSession(id string) error

	// Lock serializes work on one key, typically a folder path.
	Lock(key string) (UnlockFunc, error)

	// Close releases resources.
	Close() error
}

// UnlockFunc releases a lock taken with Store.Lock.
type UnlockFunc func()

// Errors
var (
	ErrRecordNotFound = errors.New("record not found")
	ErrStateLocked    = errors.New("state is locked")
	ErrInvalidRecord  = errors.New("invalid record")
)

// CurrentSchemaVersion for migrations.
const CurrentSchemaVersion = 2

// lockTimeout bounds how long Lock waits for a busy key.
const lockTimeout = 5 * time.Second

func validateRecord(r *models.FileRecord) error {
	if r == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidRecord)
	}
	if r.RemotePath == "" || r.RemotePath[0] != '/' {
		return fmt.Errorf("%w: remote path %q", ErrInvalidRecord, r.RemotePath)
	}
	return nil
}

// keyedLocks hands out one mutex per key.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedLocks) lock(key string) (UnlockFunc, error) {
	k.mu.Lock()
	lock, exists := k.locks[key]
	if !exists {
		lock = &sync.Mutex{}
		k.locks[key] = lock
	}
	k.mu.Unlock()

	// Try to acquire lock with timeout
	done := make(chan struct{})
	go func() {
		lock.Lock()
		close(done)
	}()

	select {
	case <-done:
		return func() { lock.Unlock() }, nil
	case <-time.After(lockTimeout):
		// Release the mutex once the pending acquisition completes.
		go func() {
			<-done
			lock.Unlock()
		}()
		return nil, ErrStateLocked
	}
}
