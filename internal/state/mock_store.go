package state

import (
	"sort"
	"strings"
	"sync"

	"github.com/TheMichaelB/davsync/internal/models"
)

// MockStore provides an in-memory implementation for testing.
type MockStore struct {
	mu        sync.RWMutex
	nextID    int64
	byPath    map[string]*models.FileRecord
	conflicts map[string]*models.ConflictRecord
	sessions  map[string]*models.UploadSession
	locks     *keyedLocks
}

// NewMockStore creates a mock state store.
func NewMockStore() *MockStore {
	return &MockStore{
		byPath:    make(map[string]*models.FileRecord),
		conflicts: make(map[string]*models.ConflictRecord),
		sessions:  make(map[string]*models.UploadSession),
		locks:     newKeyedLocks(),
	}
}

// GetByPath returns a copy of the record for a remote path.
func (m *MockStore) GetByPath(remotePath string) (*models.FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if r, ok := m.byPath[remotePath]; ok {
		return r.Clone(), nil
	}
	return nil, ErrRecordNotFound
}

// GetByDecryptedPath returns a copy of the record with a display path.
func (m *MockStore) GetByDecryptedPath(decryptedPath string) (*models.FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if decryptedPath == "" {
		return nil, ErrRecordNotFound
	}
	for _, r := range m.byPath {
		if r.DecryptedPath == decryptedPath {
			return r.Clone(), nil
		}
	}
	return nil, ErrRecordNotFound
}

// GetByID returns a copy of the record with a local id.
func (m *MockStore) GetByID(id int64) (*models.FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.byPath {
		if r.ID == id {
			return r.Clone(), nil
		}
	}
	return nil, ErrRecordNotFound
}

func (m *MockStore) put(r *models.FileRecord) {
	if existing, ok := m.byPath[r.RemotePath]; ok {
		r.ID = existing.ID
	} else {
		m.nextID++
		r.ID = m.nextID
	}
	if r.ParentID == 0 && r.RemotePath != models.PathSeparator {
		if parent, ok := m.byPath[models.ParentPath(r.RemotePath)]; ok {
			r.ParentID = parent.ID
		}
	}
	m.byPath[r.RemotePath] = r.Clone()
}

// Save stores a copy of the record.
func (m *MockStore) Save(record *models.FileRecord) error {
	if err := validateRecord(record); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(record)
	return nil
}

// RemoveFile deletes a file record.
func (m *MockStore) RemoveFile(remotePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.byPath, remotePath)
	delete(m.conflicts, remotePath)
	return nil
}

func (m *MockStore) removeSubtree(folderPath string) {
	folderPath = models.FolderPath(folderPath)
	for p := range m.byPath {
		if strings.HasPrefix(p, folderPath) {
			delete(m.byPath, p)
		}
	}
	for p := range m.conflicts {
		if strings.HasPrefix(p, folderPath) {
			delete(m.conflicts, p)
		}
	}
}

// RemoveFolder deletes a folder and its subtree.
func (m *MockStore) RemoveFolder(remotePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeSubtree(remotePath)
	return nil
}

// SaveFolder validates every record before applying any of them.
func (m *MockStore) SaveFolder(folder *models.FileRecord, updated, removed []*models.FileRecord) error {
	if err := validateRecord(folder); err != nil {
		return err
	}
	for _, child := range updated {
		if err := validateRecord(child); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.put(folder)
	for _, child := range updated {
		child.ParentID = folder.ID
		m.put(child)
	}
	for _, child := range removed {
		if child.IsFolder() {
			m.removeSubtree(child.RemotePath)
			continue
		}
		delete(m.byPath, child.RemotePath)
		delete(m.conflicts, child.RemotePath)
	}
	return nil
}

// FolderContent lists the direct children of a folder ordered by path.
func (m *MockStore) FolderContent(folderPath string) ([]*models.FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	folder, ok := m.byPath[models.FolderPath(folderPath)]
	if !ok {
		return nil, ErrRecordNotFound
	}

	var children []*models.FileRecord
	for _, r := range m.byPath {
		if r.ParentID == folder.ID && r.ID != folder.ID {
			children = append(children, r.Clone())
		}
	}
	sort.Slice(children, func(i, j int) bool { return children[i].RemotePath < children[j].RemotePath })
	return children, nil
}

// SaveConflict records a conflict.
func (m *MockStore) SaveConflict(c *models.ConflictRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *c
	m.conflicts[c.Path] = &cp
	return nil
}

// ClearConflict drops a conflict.
func (m *MockStore) ClearConflict(remotePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conflicts, remotePath)
	return nil
}

// Conflicts lists pending conflicts ordered by path.
func (m *MockStore) Conflicts() ([]*models.ConflictRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.ConflictRecord
	for _, c := range m.conflicts {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// SaveUploadSession stores a copy of a session.
func (m *MockStore) SaveUploadSession(u *models.UploadSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *u
	m.sessions[u.ID] = &cp
	return nil
}

// GetUploadSession returns a copy of a session.
func (m *MockStore) GetUploadSession(id string) (*models.UploadSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if u, ok := m.sessions[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, ErrRecordNotFound
}

// ListUploadSessions returns all sessions, most recently updated first.
func (m *MockStore) ListUploadSessions() ([]*models.UploadSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.UploadSession
	for _, u := range m.sessions {
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// RemoveUploadSession deletes a session.
func (m *MockStore) RemoveUploadSession(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

// Lock acquires a lock for a key.
func (m *MockStore) Lock(key string) (UnlockFunc, error) {
	return m.locks.lock(key)
}

// Close closes the store (no-op for mock).
func (m *MockStore) Close() error {
	return nil
}

// Helper methods for testing

// Records returns every stored remote path, sorted.
func (m *MockStore) Records() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	paths := make([]string, 0, len(m.byPath))
	for p := range m.byPath {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Clear removes all state.
func (m *MockStore) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byPath = make(map[string]*models.FileRecord)
	m.conflicts = make(map[string]*models.ConflictRecord)
	m.sessions = make(map[string]*models.UploadSession)
}
