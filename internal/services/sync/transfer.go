package sync

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/TheMichaelB/davsync/internal/crypto"
	"github.com/TheMichaelB/davsync/internal/e2e"
	"github.com/TheMichaelB/davsync/internal/events"
	"github.com/TheMichaelB/davsync/internal/models"
	"github.com/TheMichaelB/davsync/internal/services/upload"
	"github.com/TheMichaelB/davsync/internal/storage"
	"github.com/TheMichaelB/davsync/internal/transport"
)

// ErrNoKeys is returned for encrypted content when no key pair is loaded.
var ErrNoKeys = errors.New("end-to-end encryption keys not loaded")

// DAV is the WebDAV surface used for content transfers.
type DAV interface {
	Remote
	Download(ctx context.Context, remotePath string, w io.Writer) (int64, error)
	Put(ctx context.Context, remotePath string, data []byte, opts transport.PutOptions) (*transport.PutResult, error)
	Mkcol(ctx context.Context, remotePath, token string) error
	Delete(ctx context.Context, remotePath, token string) error
}

// Transfer moves file content between the server and the blob store.
type Transfer struct {
	dav      DAV
	uploader *upload.Uploader
	blobs    storage.BlobStore
	e2e      *e2e.Manager
	logger   *events.Logger
	now      func() time.Time
}

// NewTransfer creates a transfer executor. manager may be nil when
// encrypted folders are not synchronized.
func NewTransfer(dav DAV, uploader *upload.Uploader, blobs storage.BlobStore, manager *e2e.Manager, logger *events.Logger) *Transfer {
	return &Transfer{
		dav:      dav,
		uploader: uploader,
		blobs:    blobs,
		e2e:      manager,
		logger:   logger.WithField("component", "transfer"),
		now:      time.Now,
	}
}

// StoragePath maps a record to its location in the blob store, which
// mirrors the decrypted tree.
func StoragePath(rec *models.FileRecord) string {
	return strings.TrimPrefix(models.CleanPath(rec.DisplayPath()), models.PathSeparator)
}

// Download fetches the content of rec into the blob store and records the
// synchronized state on rec. md is required for encrypted files.
func (t *Transfer) Download(ctx context.Context, rec *models.FileRecord, remote *models.RemoteSnapshot, md e2e.Metadata) error {
	if err := t.blobs.CheckSpace(remote.Size); err != nil {
		return fmt.Errorf("download %s: %w", rec.DisplayPath(), err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrCancelled, err)
	}

	localPath := StoragePath(rec)
	var size int64
	if rec.Encrypted {
		n, err := t.downloadEncrypted(ctx, rec, md, localPath)
		if err != nil {
			return err
		}
		size = n
	} else {
		n, err := t.stream(ctx, rec.RemotePath, localPath)
		if err != nil {
			return fmt.Errorf("download %s: %w", rec.DisplayPath(), err)
		}
		size = n
	}

	if !remote.ModificationTime.IsZero() {
		if err := t.blobs.SetModTime(localPath, remote.ModificationTime); err != nil {
			t.logger.WithError(err).WithField("path", localPath).Warn("Failed to set modification time")
		}
	}
	info, err := t.blobs.Stat(localPath)
	if err != nil {
		return err
	}

	rec.StoragePath = localPath
	rec.Etag = remote.Etag
	rec.EtagOnServer = remote.Etag
	rec.Size = size
	rec.ModificationTime = remote.ModificationTime
	t.markSynced(rec, info.ModTime)

	t.logger.WithFields(map[string]interface{}{
		"path": rec.DisplayPath(),
		"size": size,
	}).Debug("Downloaded file")
	return nil
}

// stream copies a plain remote file into the blob store as it arrives.
// The previous local copy stays in place until the download completes.
func (t *Transfer) stream(ctx context.Context, remotePath, localPath string) (int64, error) {
	pr, pw := io.Pipe()
	var n int64

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		n, err = t.dav.Download(gctx, remotePath, pw)
		pw.CloseWithError(err)
		return err
	})
	g.Go(func() error {
		err := t.blobs.WriteStream(localPath, pr, 0644)
		// Unblocks the download when the store gave up early.
		pr.CloseWithError(err)
		return err
	})
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return n, nil
}

// downloadEncrypted fetches and decrypts an encrypted file. The content is
// authenticated as a whole, so it is buffered before anything is stored.
func (t *Transfer) downloadEncrypted(ctx context.Context, rec *models.FileRecord, md e2e.Metadata, localPath string) (int64, error) {
	if md == nil {
		return 0, fmt.Errorf("download %s: %w", rec.DisplayPath(), ErrNoKeys)
	}
	entry, ok := md.LookupByEncryptedName(models.BaseName(rec.RemotePath))
	if !ok {
		return 0, &models.DecryptError{Path: rec.RemotePath, Reason: "no metadata entry", Err: models.ErrMetadataInconsistent}
	}

	var buf bytes.Buffer
	if _, err := t.dav.Download(ctx, rec.RemotePath, &buf); err != nil {
		return 0, fmt.Errorf("download %s: %w", rec.DisplayPath(), err)
	}
	plain, err := e2e.DecryptContent(buf.Bytes(), entry)
	if err != nil {
		return 0, err
	}
	if entry.MimeType != "" {
		rec.MimeType = entry.MimeType
	}
	if err := t.blobs.Write(localPath, plain, 0644); err != nil {
		return 0, fmt.Errorf("store %s: %w", localPath, err)
	}
	return int64(len(plain)), nil
}

// Upload sends the local copy of rec to the server. folder is the cached
// parent, which decides whether the content is encrypted.
func (t *Transfer) Upload(ctx context.Context, folder, rec *models.FileRecord) error {
	info, err := t.blobs.Stat(rec.StoragePath)
	if err != nil {
		return fmt.Errorf("upload %s: %w", rec.DisplayPath(), err)
	}

	var etag string
	if folder.Encrypted {
		data, err := t.blobs.Read(rec.StoragePath)
		if err != nil {
			return err
		}
		remotePath, tag, err := t.PutEncrypted(ctx, folder, rec.Name(), rec.MimeType, data, info.ModTime)
		if err != nil {
			return err
		}
		rec.RemotePath, etag = remotePath, tag
	} else {
		etag, err = t.put(ctx, upload.Request{
			LocalPath:  rec.StoragePath,
			RemotePath: rec.RemotePath,
			Size:       info.Size,
			ModTime:    info.ModTime,
			Source:     t.blobs,
		})
		if err != nil {
			return err
		}
	}

	rec.Etag = etag
	rec.EtagOnServer = etag
	rec.Size = info.Size
	rec.ModificationTime = info.ModTime.Truncate(time.Second)
	t.markSynced(rec, info.ModTime)

	t.logger.WithFields(map[string]interface{}{
		"path": rec.DisplayPath(),
		"size": info.Size,
		"etag": etag,
	}).Debug("Uploaded file")
	return nil
}

// PutFile uploads an arbitrary source to a plain folder, in one request
// or chunked depending on size.
func (t *Transfer) PutFile(ctx context.Context, req upload.Request) (string, error) {
	return t.put(ctx, req)
}

func (t *Transfer) put(ctx context.Context, req upload.Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrCancelled, err)
	}

	if req.Size > t.uploader.ChunkSize() {
		res, err := t.uploader.Upload(ctx, req)
		if err != nil {
			return "", err
		}
		return res.Etag, nil
	}

	data, err := req.Source.ReadChunk(req.LocalPath, 0, req.Size)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", req.LocalPath, err)
	}
	res, err := t.dav.Put(ctx, req.RemotePath, data, transport.PutOptions{ModTime: req.ModTime, Token: req.Token})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", req.RemotePath, err)
	}
	return res.Etag, nil
}

// PutEncrypted stores data as name inside the encrypted folder. A file of
// the same name keeps its encrypted name and gets a fresh key.
func (t *Transfer) PutEncrypted(ctx context.Context, folder *models.FileRecord, name, mimeType string, data []byte, modTime time.Time) (remotePath, etag string, err error) {
	if t.e2e == nil {
		return "", "", fmt.Errorf("upload %s: %w", name, ErrNoKeys)
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	err = t.e2e.Update(ctx, e2e.FolderOf(folder), func(md e2e.Metadata, token string) error {
		encName, exists := md.LookupByName(name)
		if exists {
			if _, isFile := md.LookupByEncryptedName(encName); !isFile {
				return fmt.Errorf("upload %s: %w", name, e2e.ErrDuplicateName)
			}
		} else {
			encName = crypto.GenerateEncryptedName()
		}

		blob, entry, err := e2e.EncryptContent(data, name, mimeType, md.NonceSize())
		if err != nil {
			return err
		}

		target := models.JoinPath(folder.RemotePath, encName, false)
		tag, err := t.put(ctx, upload.Request{
			// Every encryption yields new bytes, so the session must not
			// resume chunks of an earlier attempt.
			LocalPath:  "e2e:" + target + ":" + hex.EncodeToString(entry.Nonce),
			RemotePath: target,
			Size:       int64(len(blob)),
			ModTime:    modTime,
			Source:     upload.BytesSource(blob),
			Token:      token,
		})
		if err != nil {
			return err
		}

		md.RemoveFile(encName)
		if err := md.AddFile(encName, entry); err != nil {
			return err
		}
		remotePath, etag = target, tag
		return nil
	})
	if err != nil {
		return "", "", err
	}
	return remotePath, etag, nil
}

// DeleteEncrypted removes a file or folder from an encrypted folder and
// drops it from the metadata.
func (t *Transfer) DeleteEncrypted(ctx context.Context, folder *models.FileRecord, encName string) error {
	if t.e2e == nil {
		return fmt.Errorf("delete %s: %w", encName, ErrNoKeys)
	}

	return t.e2e.Update(ctx, e2e.FolderOf(folder), func(md e2e.Metadata, token string) error {
		_, isFolder := md.FolderName(encName)
		target := models.JoinPath(folder.RemotePath, encName, isFolder)
		if err := t.dav.Delete(ctx, target, token); err != nil && !models.IsNotFound(err) {
			return err
		}
		if isFolder {
			md.RemoveFolder(encName)
		} else {
			md.RemoveFile(encName)
		}
		return nil
	})
}

// CreateFolder creates name below parent. Inside an encrypted folder the
// new folder gets an opaque name and its own metadata.
func (t *Transfer) CreateFolder(ctx context.Context, parent *models.FileRecord, name string) (*models.FileRecord, error) {
	name = crypto.NormalizeName(name)
	decrypted := models.JoinPath(parent.DisplayPath(), name, true)

	if !parent.Encrypted {
		target := models.JoinPath(parent.RemotePath, name, true)
		if err := t.dav.Mkcol(ctx, target, ""); err != nil {
			return nil, err
		}
		snap, err := t.dav.Stat(ctx, target)
		if err != nil {
			return nil, err
		}
		return mergeRemote(nil, snap, "", false, t.now()), nil
	}

	if t.e2e == nil {
		return nil, fmt.Errorf("create %s: %w", name, ErrNoKeys)
	}

	var target string
	err := t.e2e.Update(ctx, e2e.FolderOf(parent), func(md e2e.Metadata, token string) error {
		if _, exists := md.LookupByName(name); exists {
			return fmt.Errorf("create %s: %w", name, e2e.ErrDuplicateName)
		}
		encName := crypto.GenerateEncryptedName()
		target = models.JoinPath(parent.RemotePath, encName, true)
		if err := t.dav.Mkcol(ctx, target, token); err != nil {
			return err
		}
		return md.AddFolder(encName, name)
	})
	if err != nil {
		return nil, err
	}

	snap, err := t.dav.Stat(ctx, target)
	if err != nil {
		return nil, err
	}
	md, err := t.e2e.InitializeFolder(ctx, e2e.Folder{Path: target, FileID: snap.FileID})
	if err != nil {
		return nil, err
	}

	snap.Encrypted = true
	rec := mergeRemote(nil, snap, decrypted, true, t.now())
	rec.E2ECounter = md.Counter()
	return rec, nil
}

// PurgeLocal removes the local copy of a record.
func (t *Transfer) PurgeLocal(rec *models.FileRecord) error {
	if rec.IsFolder() {
		p := StoragePath(rec)
		if p == "" {
			return nil
		}
		return t.blobs.DeleteAll(p)
	}
	if rec.StoragePath == "" {
		return nil
	}
	return t.blobs.Delete(rec.StoragePath)
}

// LocalPath returns where the local copy of rec lives on disk, or "" when
// it has none.
func (t *Transfer) LocalPath(rec *models.FileRecord) (string, error) {
	if !rec.IsDown() {
		return "", nil
	}
	return t.blobs.FullPath(rec.StoragePath)
}

// RefreshLocal updates the local modification time of a downloaded record
// from the blob store. A vanished copy clears the storage path.
func (t *Transfer) RefreshLocal(rec *models.FileRecord) error {
	if !rec.IsDown() {
		return nil
	}
	info, err := t.blobs.Stat(rec.StoragePath)
	if err != nil {
		if errors.Is(err, models.ErrLocalFileNotFound) {
			rec.StoragePath = ""
			return nil
		}
		return err
	}
	rec.LocalModificationTime = info.ModTime
	return nil
}

func (t *Transfer) markSynced(rec *models.FileRecord, localMod time.Time) {
	synced := t.now()
	if localMod.After(synced) {
		synced = localMod
	}
	rec.LocalModificationTime = localMod
	rec.LastSyncDateForData = synced
}
