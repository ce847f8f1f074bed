package models

import (
	"path"
	"strings"
	"time"
)

// PathSeparator separates remote path segments. Folder paths end with it.
const PathSeparator = "/"

// MimeTypeDirectory is the mime type the server reports for collections.
const MimeTypeDirectory = "httpd/unix-directory"

// FileRecord is the local cache entry for one remote file or folder.
type FileRecord struct {
	ID       int64 `json:"id"`
	ParentID int64 `json:"parent_id"`

	// RemotePath is the path on the server, in encrypted form inside
	// encrypted folders. DecryptedPath is what the user sees.
	RemotePath    string `json:"remote_path"`
	DecryptedPath string `json:"decrypted_path"`

	RemoteID string `json:"remote_id"`
	FileID   int64  `json:"file_id"`

	Etag           string `json:"etag"`
	EtagOnServer   string `json:"etag_on_server"`
	EtagInConflict string `json:"etag_in_conflict,omitempty"`

	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`

	ModificationTime          time.Time `json:"modification_time"`
	LocalModificationTime     time.Time `json:"local_modification_time"`
	LastSyncDateForProperties time.Time `json:"last_sync_date_for_properties"`
	LastSyncDateForData       time.Time `json:"last_sync_date_for_data"`

	Encrypted   bool   `json:"encrypted"`
	E2ECounter  int64  `json:"e2e_counter"`
	StoragePath string `json:"storage_path,omitempty"`
	Permissions string `json:"permissions"`
	MountType   string `json:"mount_type"`

	Favorite              bool `json:"favorite"`
	Hidden                bool `json:"hidden"`
	SharedViaLink         bool `json:"shared_via_link"`
	SharedWithSharee      bool `json:"shared_with_sharee"`
	UpdateThumbnailNeeded bool `json:"update_thumbnail_needed"`
}

// IsFolder reports whether the record is a collection.
func (f *FileRecord) IsFolder() bool {
	return strings.HasSuffix(f.RemotePath, PathSeparator)
}

// IsDown reports whether the file content is present locally.
func (f *FileRecord) IsDown() bool {
	return !f.IsFolder() && f.StoragePath != ""
}

// HasConflict reports whether a conflict is pending on this record.
func (f *FileRecord) HasConflict() bool {
	return f.EtagInConflict != ""
}

// IsImage reports whether the record holds an image.
func (f *FileRecord) IsImage() bool {
	return strings.HasPrefix(f.MimeType, "image/")
}

// Name returns the last decrypted path segment.
func (f *FileRecord) Name() string {
	return BaseName(f.DisplayPath())
}

// DisplayPath returns the decrypted path, falling back to the remote one.
func (f *FileRecord) DisplayPath() string {
	if f.DecryptedPath != "" {
		return f.DecryptedPath
	}
	return f.RemotePath
}

// Clone returns a copy safe to mutate.
func (f *FileRecord) Clone() *FileRecord {
	c := *f
	return &c
}

// RemoteSnapshot is one entry of a server listing. It is never persisted as
// is; the coordinator merges it into a FileRecord.
type RemoteSnapshot struct {
	Path             string    `json:"path"`
	Etag             string    `json:"etag"`
	Size             int64     `json:"size"`
	ModificationTime time.Time `json:"modification_time"`
	Permissions      string    `json:"permissions"`
	RemoteID         string    `json:"remote_id"`
	FileID           int64     `json:"file_id"`
	MimeType         string    `json:"mime_type"`
	Encrypted        bool      `json:"encrypted"`
	Favorite         bool      `json:"favorite"`
	MountType        string    `json:"mount_type"`
	ShareTypes       []int     `json:"share_types,omitempty"`
}

// IsFolder reports whether the snapshot describes a collection.
func (s *RemoteSnapshot) IsFolder() bool {
	return strings.HasSuffix(s.Path, PathSeparator)
}

// Name returns the last path segment.
func (s *RemoteSnapshot) Name() string {
	return BaseName(s.Path)
}

// ConflictRecord marks a file whose local and remote content both changed.
type ConflictRecord struct {
	FileID       int64     `json:"file_id"`
	Path         string    `json:"path"`
	ConflictEtag string    `json:"conflict_etag"`
	DetectedAt   time.Time `json:"detected_at"`
}

// FolderPath returns p with exactly one trailing separator.
func FolderPath(p string) string {
	p = CleanPath(p)
	if p == PathSeparator {
		return p
	}
	return p + PathSeparator
}

// CleanPath normalizes a remote path to an absolute, slash separated form
// without trailing separator (except for the root).
func CleanPath(p string) string {
	if p == "" {
		return PathSeparator
	}
	return path.Clean(PathSeparator + strings.TrimPrefix(p, PathSeparator))
}

// ParentPath returns the folder path containing p.
func ParentPath(p string) string {
	clean := CleanPath(p)
	if clean == PathSeparator {
		return PathSeparator
	}
	return FolderPath(path.Dir(clean))
}

// BaseName returns the last segment of p, ignoring a trailing separator.
func BaseName(p string) string {
	clean := CleanPath(p)
	if clean == PathSeparator {
		return ""
	}
	return path.Base(clean)
}

// JoinPath joins a folder path and a child name. A folder child keeps its
// trailing separator.
func JoinPath(folder, name string, isFolder bool) string {
	p := CleanPath(FolderPath(folder) + name)
	if isFolder {
		return FolderPath(p)
	}
	return p
}

// IsAncestor reports whether folder contains p at any depth.
func IsAncestor(folder, p string) bool {
	f := FolderPath(folder)
	return f != p && strings.HasPrefix(p, f)
}
