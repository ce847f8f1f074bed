package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/TheMichaelB/davsync/internal/events"
	"github.com/TheMichaelB/davsync/internal/models"
)

// ErrInvalidPath is returned for paths that cannot be mapped into the store.
var ErrInvalidPath = errors.New("invalid local path")

const (
	defaultMaxPath     = 1024
	defaultMaxFileSize = 10 << 30
	partSuffix         = ".part"
)

// Names Windows refuses regardless of extension.
var windowsReserved = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// LocalStore mirrors the decrypted remote tree below a root directory.
// Every write lands in a ".part" file next to its target and is renamed
// into place once complete, so a cancelled download never leaves a
// truncated file behind.
type LocalStore struct {
	fs     afero.Fs
	root   string
	logger *events.Logger

	followSymlinks bool
	maxPath        int
	maxFileSize    int64

	minFree   int64
	freeSpace func(dir string) (int64, error)
}

// NewLocalStore creates a store rooted at baseDir on the OS filesystem.
func NewLocalStore(baseDir string, logger *events.Logger) (*LocalStore, error) {
	root, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve sync directory: %w", err)
	}
	s := newStore(afero.NewOsFs(), root, logger.WithField("component", "local_store"))
	s.freeSpace = diskFree
	if err := s.fs.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create sync directory: %w", err)
	}
	return s, nil
}

// NewMemStore creates a store backed by memory. Its capacity is unlimited
// until SetCapacity is called.
func NewMemStore(logger *events.Logger) *LocalStore {
	s := newStore(afero.NewMemMapFs(), string(filepath.Separator)+"mem", logger.WithField("component", "mem_store"))
	s.freeSpace = func(string) (int64, error) { return -1, nil }
	_ = s.fs.MkdirAll(s.root, 0755)
	return s
}

func newStore(fs afero.Fs, root string, logger *events.Logger) *LocalStore {
	return &LocalStore{
		fs:          fs,
		root:        root,
		logger:      logger,
		maxPath:     defaultMaxPath,
		maxFileSize: defaultMaxFileSize,
	}
}

// SetMaxFileSize sets the largest file the store accepts.
func (s *LocalStore) SetMaxFileSize(size int64) {
	s.maxFileSize = size
}

// SetMinFreeSpace sets how many bytes must stay free after a download.
func (s *LocalStore) SetMinFreeSpace(bytes int64) {
	s.minFree = bytes
}

// SetCapacity limits the total size of stored files. Used with NewMemStore.
func (s *LocalStore) SetCapacity(capacity int64) {
	s.freeSpace = func(string) (int64, error) {
		used, err := s.usage()
		if err != nil {
			return 0, err
		}
		return capacity - used, nil
	}
}

// BaseDir returns the store root.
func (s *LocalStore) BaseDir() string {
	return s.root
}

// Write stores data at p, replacing any previous copy.
func (s *LocalStore) Write(p string, data []byte, mode os.FileMode) error {
	if int64(len(data)) > s.maxFileSize {
		return fmt.Errorf("write %s: file too large: %d bytes (max %d)", p, len(data), s.maxFileSize)
	}
	return s.commit(p, mode, func(f afero.File) (int64, error) {
		n, err := f.Write(data)
		return int64(n), err
	})
}

// WriteStream stores everything read from r at p. The previous copy stays
// untouched when r fails or exceeds the size limit.
func (s *LocalStore) WriteStream(p string, r io.Reader, mode os.FileMode) error {
	return s.commit(p, mode, func(f afero.File) (int64, error) {
		limited := &io.LimitedReader{R: r, N: s.maxFileSize + 1}
		n, err := io.Copy(f, limited)
		if err != nil {
			return n, err
		}
		if limited.N <= 0 {
			return n, fmt.Errorf("file too large: exceeds %d bytes", s.maxFileSize)
		}
		return n, nil
	})
}

// commit writes through fill into a part file and renames it over p.
func (s *LocalStore) commit(p string, mode os.FileMode, fill func(afero.File) (int64, error)) error {
	target, err := s.resolve(p)
	if err != nil {
		return err
	}
	if info, err := s.fs.Stat(target); err == nil && info.IsDir() {
		return fmt.Errorf("write %s: a folder has the same name", p)
	}
	dir := filepath.Dir(target)
	if err := s.fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("write %s: create parent: %w", p, err)
	}

	part, err := afero.TempFile(s.fs, dir, "."+filepath.Base(target)+".*"+partSuffix)
	if err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	partName := part.Name()

	n, err := fill(part)
	if err == nil {
		err = part.Sync()
	}
	if cerr := part.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = s.fs.Chmod(partName, mode)
	}
	if err == nil {
		err = s.fs.Rename(partName, target)
	}
	if err != nil {
		_ = s.fs.Remove(partName)
		return fmt.Errorf("write %s: %w", p, err)
	}

	s.logger.WithFields(map[string]interface{}{"path": p, "size": n}).Debug("Stored file")
	return nil
}

// Read returns the whole local copy of p.
func (s *LocalStore) Read(p string) ([]byte, error) {
	full, err := s.regular(p)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, full)
	if err != nil {
		return nil, s.notFound("read", p, err)
	}
	return data, nil
}

// ReadChunk reads a byte range. The last chunk may be shorter than length.
func (s *LocalStore) ReadChunk(p string, offset, length int64) ([]byte, error) {
	full, err := s.regular(p)
	if err != nil {
		return nil, err
	}
	f, err := s.fs.Open(full)
	if err != nil {
		return nil, s.notFound("read", p, err)
	}
	defer f.Close()

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read %s at %d: %w", p, offset, err)
	}
	return buf[:n], nil
}

// regular resolves p and refuses symlinks unless they are followed.
func (s *LocalStore) regular(p string) (string, error) {
	full, err := s.resolve(p)
	if err != nil || s.followSymlinks {
		return full, err
	}
	if info, ok := s.lstat(full); ok && info.Mode()&os.ModeSymlink != 0 {
		return "", fmt.Errorf("read %s: symlinks are not followed", p)
	}
	return full, nil
}

func (s *LocalStore) lstat(full string) (os.FileInfo, bool) {
	lst, ok := s.fs.(afero.Lstater)
	if !ok {
		return nil, false
	}
	info, _, err := lst.LstatIfPossible(full)
	return info, err == nil
}

func (s *LocalStore) notFound(op, p string, err error) error {
	if os.IsNotExist(err) {
		return fmt.Errorf("%s %s: %w", op, p, models.ErrLocalFileNotFound)
	}
	return fmt.Errorf("%s %s: %w", op, p, err)
}

// Delete removes a file and any folders it leaves empty. A missing file is
// not an error.
func (s *LocalStore) Delete(p string) error {
	full, err := s.resolve(p)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	s.logger.WithField("path", p).Debug("Deleted file")
	s.pruneEmptyParents(filepath.Dir(full))
	return nil
}

// DeleteAll removes a folder tree. The store root itself is never removed.
func (s *LocalStore) DeleteAll(p string) error {
	full, err := s.resolve(p)
	if err != nil {
		return err
	}
	if full == s.root {
		return fmt.Errorf("delete %q: refusing to remove the sync directory", p)
	}
	s.logger.WithField("path", p).Debug("Deleted folder")
	return s.fs.RemoveAll(full)
}

// Stat describes p without following a final symlink.
func (s *LocalStore) Stat(p string) (FileInfo, error) {
	full, err := s.resolve(p)
	if err != nil {
		return FileInfo{}, err
	}
	info, ok := s.lstat(full)
	if !ok {
		if info, err = s.fs.Stat(full); err != nil {
			return FileInfo{}, s.notFound("stat", p, err)
		}
	}

	fi := toFileInfo(p, info)
	if fi.IsSymlink {
		if lr, ok := s.fs.(afero.LinkReader); ok {
			fi.LinkTarget, _ = lr.ReadlinkIfPossible(full)
		}
	}
	return fi, nil
}

func toFileInfo(p string, info os.FileInfo) FileInfo {
	return FileInfo{
		Path:      p,
		Size:      info.Size(),
		Mode:      info.Mode(),
		ModTime:   info.ModTime(),
		IsDir:     info.IsDir(),
		IsSymlink: info.Mode()&os.ModeSymlink != 0,
	}
}

// SetModTime sets the modification time of p, used to mirror the server's
// last modified date.
func (s *LocalStore) SetModTime(p string, modTime time.Time) error {
	full, err := s.resolve(p)
	if err != nil {
		return err
	}
	return s.fs.Chtimes(full, time.Now(), modTime)
}

// CheckSpace verifies that need bytes fit while keeping the configured
// minimum free. Unknown free space passes.
func (s *LocalStore) CheckSpace(need int64) error {
	free, err := s.freeSpace(s.root)
	if err != nil {
		return fmt.Errorf("query free space: %w", err)
	}
	if free < 0 {
		return nil
	}
	if free-need < s.minFree {
		return fmt.Errorf("need %d bytes, %d free: %w", need, free, models.ErrLocalStorageFull)
	}
	return nil
}

// FullPath returns the location of p inside the store.
func (s *LocalStore) FullPath(p string) (string, error) {
	return s.resolve(p)
}

func (s *LocalStore) usage() (int64, error) {
	var total int64
	err := afero.Walk(s.fs, s.root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

// resolve maps a slash separated store path onto the filesystem. Leading
// slashes are ignored so remote paths can be passed as they are.
func (s *LocalStore) resolve(p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w %q: contains a NUL byte", ErrInvalidPath, p)
	}

	var parts []string
	for _, seg := range strings.Split(filepath.ToSlash(p), "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			return "", fmt.Errorf("%w %q: parent references are not allowed", ErrInvalidPath, p)
		}
		if err := checkSegment(seg); err != nil {
			return "", fmt.Errorf("%w %q: %v", ErrInvalidPath, p, err)
		}
		parts = append(parts, seg)
	}

	full := filepath.Join(append([]string{s.root}, parts...)...)
	if len(full) > s.maxPath {
		return "", fmt.Errorf("%w: %d characters exceeds %d", ErrInvalidPath, len(full), s.maxPath)
	}
	return full, nil
}

func checkSegment(seg string) error {
	if runtime.GOOS != "windows" {
		return nil
	}
	stem := strings.ToUpper(strings.TrimSuffix(seg, filepath.Ext(seg)))
	if windowsReserved[stem] {
		return fmt.Errorf("reserved name %s", seg)
	}
	if i := strings.IndexAny(seg, `<>:"|?*\`); i >= 0 {
		return fmt.Errorf("character %q", seg[i])
	}
	return nil
}

// pruneEmptyParents removes folders left empty by a delete, stopping at the
// store root.
func (s *LocalStore) pruneEmptyParents(dir string) {
	for dir != s.root && strings.HasPrefix(dir, s.root+string(filepath.Separator)) {
		entries, err := afero.ReadDir(s.fs, dir)
		if err != nil || len(entries) > 0 || s.fs.Remove(dir) != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}
