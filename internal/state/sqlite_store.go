package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/TheMichaelB/davsync/internal/events"
	"github.com/TheMichaelB/davsync/internal/models"
)

// SQLiteStore implements SQLite-based state storage.
type SQLiteStore struct {
	db     *sql.DB
	logger *events.Logger
	locks  *keyedLocks
}

// NewSQLiteStore creates a SQLite state store.
func NewSQLiteStore(dbPath string, logger *events.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps transactions and plain statements ordered.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{
		db:     db,
		logger: logger.WithField("component", "sqlite_state_store"),
		locks:  newKeyedLocks(),
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	return store, nil
}

// initialize creates tables and indexes.
func (s *SQLiteStore) initialize() error {
	schema := `
    CREATE TABLE IF NOT EXISTS files (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        parent_id INTEGER NOT NULL DEFAULT 0,
        remote_path TEXT NOT NULL UNIQUE CHECK (substr(remote_path, 1, 1) = '/'),
        decrypted_path TEXT NOT NULL DEFAULT '',
        remote_id TEXT NOT NULL DEFAULT '',
        file_id INTEGER NOT NULL DEFAULT 0,
        etag TEXT NOT NULL DEFAULT '',
        etag_on_server TEXT NOT NULL DEFAULT '',
        etag_in_conflict TEXT NOT NULL DEFAULT '',
        size INTEGER NOT NULL DEFAULT 0,
        mime_type TEXT NOT NULL DEFAULT '',
        modified_at INTEGER NOT NULL DEFAULT 0,
        local_modified_at INTEGER NOT NULL DEFAULT 0,
        last_sync_properties INTEGER NOT NULL DEFAULT 0,
        last_sync_data INTEGER NOT NULL DEFAULT 0,
        encrypted INTEGER NOT NULL DEFAULT 0,
        e2e_counter INTEGER NOT NULL DEFAULT 0,
        storage_path TEXT NOT NULL DEFAULT '',
        permissions TEXT NOT NULL DEFAULT '',
        mount_type TEXT NOT NULL DEFAULT '',
        favorite INTEGER NOT NULL DEFAULT 0,
        hidden INTEGER NOT NULL DEFAULT 0,
        shared_via_link INTEGER NOT NULL DEFAULT 0,
        shared_with_sharee INTEGER NOT NULL DEFAULT 0,
        update_thumbnail INTEGER NOT NULL DEFAULT 0
    );

    CREATE INDEX IF NOT EXISTS idx_files_parent ON files(parent_id);
    CREATE INDEX IF NOT EXISTS idx_files_decrypted ON files(decrypted_path) WHERE decrypted_path != '';

    CREATE TABLE IF NOT EXISTS conflicts (
        path TEXT PRIMARY KEY,
        file_id INTEGER NOT NULL,
        conflict_etag TEXT NOT NULL,
        detected_at INTEGER NOT NULL
    );

    CREATE TABLE IF NOT EXISTS upload_sessions (
        id TEXT PRIMARY KEY,
        local_path TEXT NOT NULL,
        remote_path TEXT NOT NULL,
        size INTEGER NOT NULL,
        mod_time INTEGER NOT NULL,
        chunk_size INTEGER NOT NULL,
        total_chunks INTEGER NOT NULL,
        last_chunk INTEGER NOT NULL,
        status TEXT NOT NULL,
        updated_at INTEGER NOT NULL
    );

    CREATE TABLE IF NOT EXISTS schema_info (
        version INTEGER PRIMARY KEY
    );

    INSERT OR IGNORE INTO schema_info (version) VALUES (?);
    `

	if _, err := s.db.Exec(schema, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	return nil
}

const recordColumns = `id, parent_id, remote_path, decrypted_path, remote_id, file_id,
    etag, etag_on_server, etag_in_conflict, size, mime_type,
    modified_at, local_modified_at, last_sync_properties, last_sync_data,
    encrypted, e2e_counter, storage_path, permissions, mount_type,
    favorite, hidden, shared_via_link, shared_with_sharee, update_thumbnail`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*models.FileRecord, error) {
	var r models.FileRecord
	var modified, localModified, syncProps, syncData int64

	err := row.Scan(&r.ID, &r.ParentID, &r.RemotePath, &r.DecryptedPath, &r.RemoteID, &r.FileID,
		&r.Etag, &r.EtagOnServer, &r.EtagInConflict, &r.Size, &r.MimeType,
		&modified, &localModified, &syncProps, &syncData,
		&r.Encrypted, &r.E2ECounter, &r.StoragePath, &r.Permissions, &r.MountType,
		&r.Favorite, &r.Hidden, &r.SharedViaLink, &r.SharedWithSharee, &r.UpdateThumbnailNeeded)
	if err != nil {
		return nil, err
	}

	r.ModificationTime = fromNanos(modified)
	r.LocalModificationTime = fromNanos(localModified)
	r.LastSyncDateForProperties = fromNanos(syncProps)
	r.LastSyncDateForData = fromNanos(syncData)
	return &r, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRow(query string, args ...interface{}) *sql.Row
	Query(query string, args ...interface{}) (*sql.Rows, error)
	Exec(query string, args ...interface{}) (sql.Result, error)
}

func getByPath(q querier, remotePath string) (*models.FileRecord, error) {
	r, err := scanRecord(q.QueryRow("SELECT "+recordColumns+" FROM files WHERE remote_path = ?", remotePath))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query record %s: %w", remotePath, err)
	}
	return r, nil
}

// GetByPath returns the record for a remote path.
func (s *SQLiteStore) GetByPath(remotePath string) (*models.FileRecord, error) {
	return getByPath(s.db, remotePath)
}

// GetByDecryptedPath returns the record of an encrypted entry by its
// display path.
func (s *SQLiteStore) GetByDecryptedPath(decryptedPath string) (*models.FileRecord, error) {
	if decryptedPath == "" {
		return nil, ErrRecordNotFound
	}
	r, err := scanRecord(s.db.QueryRow("SELECT "+recordColumns+" FROM files WHERE decrypted_path = ?", decryptedPath))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query record %s: %w", decryptedPath, err)
	}
	return r, nil
}

// GetByID returns the record with a local id.
func (s *SQLiteStore) GetByID(id int64) (*models.FileRecord, error) {
	r, err := scanRecord(s.db.QueryRow("SELECT "+recordColumns+" FROM files WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query record %d: %w", id, err)
	}
	return r, nil
}

// upsert writes r and sets its id. The parent id is resolved from the
// parent path when unset.
func upsert(q querier, r *models.FileRecord) error {
	if err := validateRecord(r); err != nil {
		return err
	}

	if r.ParentID == 0 && r.RemotePath != models.PathSeparator {
		var parentID int64
		err := q.QueryRow("SELECT id FROM files WHERE remote_path = ?", models.ParentPath(r.RemotePath)).Scan(&parentID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("resolve parent of %s: %w", r.RemotePath, err)
		}
		r.ParentID = parentID
	}

	err := q.QueryRow(`
        INSERT INTO files (parent_id, remote_path, decrypted_path, remote_id, file_id,
            etag, etag_on_server, etag_in_conflict, size, mime_type,
            modified_at, local_modified_at, last_sync_properties, last_sync_data,
            encrypted, e2e_counter, storage_path, permissions, mount_type,
            favorite, hidden, shared_via_link, shared_with_sharee, update_thumbnail)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(remote_path) DO UPDATE SET
            parent_id = excluded.parent_id,
            decrypted_path = excluded.decrypted_path,
            remote_id = excluded.remote_id,
            file_id = excluded.file_id,
            etag = excluded.etag,
            etag_on_server = excluded.etag_on_server,
            etag_in_conflict = excluded.etag_in_conflict,
            size = excluded.size,
            mime_type = excluded.mime_type,
            modified_at = excluded.modified_at,
            local_modified_at = excluded.local_modified_at,
            last_sync_properties = excluded.last_sync_properties,
            last_sync_data = excluded.last_sync_data,
            encrypted = excluded.encrypted,
            e2e_counter = excluded.e2e_counter,
            storage_path = excluded.storage_path,
            permissions = excluded.permissions,
            mount_type = excluded.mount_type,
            favorite = excluded.favorite,
            hidden = excluded.hidden,
            shared_via_link = excluded.shared_via_link,
            shared_with_sharee = excluded.shared_with_sharee,
            update_thumbnail = excluded.update_thumbnail
        RETURNING id
    `, r.ParentID, r.RemotePath, r.DecryptedPath, r.RemoteID, r.FileID,
		r.Etag, r.EtagOnServer, r.EtagInConflict, r.Size, r.MimeType,
		toNanos(r.ModificationTime), toNanos(r.LocalModificationTime),
		toNanos(r.LastSyncDateForProperties), toNanos(r.LastSyncDateForData),
		r.Encrypted, r.E2ECounter, r.StoragePath, r.Permissions, r.MountType,
		r.Favorite, r.Hidden, r.SharedViaLink, r.SharedWithSharee, r.UpdateThumbnailNeeded,
	).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", r.RemotePath, err)
	}
	return nil
}

// Save persists a single record.
func (s *SQLiteStore) Save(record *models.FileRecord) error {
	return upsert(s.db, record)
}

// RemoveFile deletes a file record and its conflict marker.
func (s *SQLiteStore) RemoveFile(remotePath string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec("DELETE FROM files WHERE remote_path = ?", remotePath); err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM conflicts WHERE path = ?", remotePath); err != nil {
		return fmt.Errorf("delete conflict: %w", err)
	}
	return tx.Commit()
}

func removeSubtree(q querier, folderPath string) error {
	folderPath = models.FolderPath(folderPath)
	if _, err := q.Exec(`DELETE FROM files WHERE substr(remote_path, 1, length(?)) = ?`, folderPath, folderPath); err != nil {
		return fmt.Errorf("delete folder %s: %w", folderPath, err)
	}
	if _, err := q.Exec(`DELETE FROM conflicts WHERE substr(path, 1, length(?)) = ?`, folderPath, folderPath); err != nil {
		return fmt.Errorf("delete conflicts under %s: %w", folderPath, err)
	}
	return nil
}

// RemoveFolder deletes a folder and everything below it.
func (s *SQLiteStore) RemoveFolder(remotePath string) error {
	s.logger.WithField("path", remotePath).Debug("Removing folder subtree")

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := removeSubtree(tx, remotePath); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveFolder applies a merged folder listing in one transaction.
func (s *SQLiteStore) SaveFolder(folder *models.FileRecord, updated, removed []*models.FileRecord) error {
	s.logger.WithFields(map[string]interface{}{
		"path":    folder.RemotePath,
		"updated": len(updated),
		"removed": len(removed),
	}).Debug("Saving folder content")

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsert(tx, folder); err != nil {
		return err
	}

	for _, child := range updated {
		child.ParentID = folder.ID
		if err := upsert(tx, child); err != nil {
			return err
		}
	}

	for _, child := range removed {
		if child.IsFolder() {
			err = removeSubtree(tx, child.RemotePath)
		} else {
			_, err = tx.Exec("DELETE FROM files WHERE remote_path = ?", child.RemotePath)
			if err == nil {
				_, err = tx.Exec("DELETE FROM conflicts WHERE path = ?", child.RemotePath)
			}
		}
		if err != nil {
			return fmt.Errorf("remove %s: %w", child.RemotePath, err)
		}
	}

	return tx.Commit()
}

// FolderContent lists the direct children of a folder ordered by path.
func (s *SQLiteStore) FolderContent(folderPath string) ([]*models.FileRecord, error) {
	folder, err := getByPath(s.db, models.FolderPath(folderPath))
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query("SELECT "+recordColumns+" FROM files WHERE parent_id = ? AND id != ? ORDER BY remote_path", folder.ID, folder.ID)
	if err != nil {
		return nil, fmt.Errorf("query children: %w", err)
	}
	defer rows.Close()

	var children []*models.FileRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		children = append(children, r)
	}
	return children, rows.Err()
}

// SaveConflict records or replaces the conflict of a file.
func (s *SQLiteStore) SaveConflict(c *models.ConflictRecord) error {
	_, err := s.db.Exec(`
        INSERT INTO conflicts (path, file_id, conflict_etag, detected_at)
        VALUES (?, ?, ?, ?)
        ON CONFLICT(path) DO UPDATE SET
            file_id = excluded.file_id,
            conflict_etag = excluded.conflict_etag,
            detected_at = excluded.detected_at
    `, c.Path, c.FileID, c.ConflictEtag, toNanos(c.DetectedAt))
	if err != nil {
		return fmt.Errorf("save conflict: %w", err)
	}
	return nil
}

// ClearConflict drops the conflict of a file, if any.
func (s *SQLiteStore) ClearConflict(remotePath string) error {
	if _, err := s.db.Exec("DELETE FROM conflicts WHERE path = ?", remotePath); err != nil {
		return fmt.Errorf("clear conflict: %w", err)
	}
	return nil
}

// Conflicts lists pending conflicts ordered by path.
func (s *SQLiteStore) Conflicts() ([]*models.ConflictRecord, error) {
	rows, err := s.db.Query("SELECT path, file_id, conflict_etag, detected_at FROM conflicts ORDER BY path")
	if err != nil {
		return nil, fmt.Errorf("query conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*models.ConflictRecord
	for rows.Next() {
		var c models.ConflictRecord
		var detected int64
		if err := rows.Scan(&c.Path, &c.FileID, &c.ConflictEtag, &detected); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		c.DetectedAt = fromNanos(detected)
		conflicts = append(conflicts, &c)
	}
	return conflicts, rows.Err()
}

// SaveUploadSession inserts or updates an upload session.
func (s *SQLiteStore) SaveUploadSession(u *models.UploadSession) error {
	_, err := s.db.Exec(`
        INSERT INTO upload_sessions (id, local_path, remote_path, size, mod_time, chunk_size,
            total_chunks, last_chunk, status, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            local_path = excluded.local_path,
            remote_path = excluded.remote_path,
            size = excluded.size,
            mod_time = excluded.mod_time,
            chunk_size = excluded.chunk_size,
            total_chunks = excluded.total_chunks,
            last_chunk = excluded.last_chunk,
            status = excluded.status,
            updated_at = excluded.updated_at
    `, u.ID, u.LocalPath, u.RemotePath, u.Size, toNanos(u.ModTime), u.ChunkSize,
		u.TotalChunks, u.LastChunk, string(u.Status), toNanos(u.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save upload session: %w", err)
	}
	return nil
}

const sessionColumns = "id, local_path, remote_path, size, mod_time, chunk_size, total_chunks, last_chunk, status, updated_at"

func scanSession(row rowScanner) (*models.UploadSession, error) {
	var u models.UploadSession
	var modTime, updated int64
	var status string
	if err := row.Scan(&u.ID, &u.LocalPath, &u.RemotePath, &u.Size, &modTime, &u.ChunkSize,
		&u.TotalChunks, &u.LastChunk, &status, &updated); err != nil {
		return nil, err
	}
	u.ModTime = fromNanos(modTime)
	u.UpdatedAt = fromNanos(updated)
	u.Status = models.UploadStatus(status)
	return &u, nil
}

// GetUploadSession returns a session by id.
func (s *SQLiteStore) GetUploadSession(id string) (*models.UploadSession, error) {
	u, err := scanSession(s.db.QueryRow("SELECT "+sessionColumns+" FROM upload_sessions WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query upload session: %w", err)
	}
	return u, nil
}

// ListUploadSessions returns all sessions, most recently updated first.
func (s *SQLiteStore) ListUploadSessions() ([]*models.UploadSession, error) {
	rows, err := s.db.Query("SELECT " + sessionColumns + " FROM upload_sessions ORDER BY updated_at DESC, id")
	if err != nil {
		return nil, fmt.Errorf("query upload sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.UploadSession
	for rows.Next() {
		u, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan upload session: %w", err)
		}
		sessions = append(sessions, u)
	}
	return sessions, rows.Err()
}

// RemoveUploadSession deletes a session.
func (s *SQLiteStore) RemoveUploadSession(id string) error {
	if _, err := s.db.Exec("DELETE FROM upload_sessions WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete upload session: %w", err)
	}
	return nil
}

// Lock acquires a lock for a key.
func (s *SQLiteStore) Lock(key string) (UnlockFunc, error) {
	return s.locks.lock(key)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
