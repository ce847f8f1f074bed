package upload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/afero"

	"github.com/TheMichaelB/davsync/internal/config"
	"github.com/TheMichaelB/davsync/internal/events"
	"github.com/TheMichaelB/davsync/internal/models"
	"github.com/TheMichaelB/davsync/internal/state"
	"github.com/TheMichaelB/davsync/internal/transport"
)

// Client is the chunked upload surface of the WebDAV client.
type Client interface {
	CreateUploadSession(ctx context.Context, sessionID, destination string, total int64) (bool, error)
	UploadMemberExists(ctx context.Context, sessionID string, member ...string) (bool, error)
	PutChunk(ctx context.Context, sessionID string, index int, data []byte, destination string, total int64) error
	AssembleUpload(ctx context.Context, sessionID, destination string, total int64, modTime time.Time, token string) (*transport.PutResult, error)
	DeleteUploadSession(ctx context.Context, sessionID string) error
}

// Source reads the bytes being uploaded.
type Source interface {
	ReadChunk(path string, offset, length int64) ([]byte, error)
}

// BytesSource serves an in-memory payload, e.g. encrypted content.
type BytesSource []byte

func (b BytesSource) ReadChunk(_ string, offset, length int64) ([]byte, error) {
	if offset < 0 || offset > int64(len(b)) {
		return nil, fmt.Errorf("read chunk: offset %d out of range", offset)
	}
	end := offset + length
	if end > int64(len(b)) {
		end = int64(len(b))
	}
	return bytes.Clone(b[offset:end]), nil
}

// FileSource reads chunks of files by absolute path.
type FileSource struct {
	Fs afero.Fs
}

func (s FileSource) ReadChunk(path string, offset, length int64) ([]byte, error) {
	f, err := s.Fs.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("read %s: %w", path, models.ErrLocalFileNotFound)
		}
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read chunk at %d: %w", offset, err)
	}
	return buf[:n], nil
}

// Request describes one file to upload.
type Request struct {
	// LocalPath identifies the source for Source.ReadChunk and, together
	// with Size and ModTime, the session.
	LocalPath  string
	RemotePath string
	Size       int64
	ModTime    time.Time
	Source     Source

	// Token is the folder lock token when the destination is encrypted.
	Token string
}

// Result summarizes a finished upload.
type Result struct {
	SessionID string
	Resumed   int // chunks already on the server
	Uploaded  int // chunks sent by this run
	Etag      string
	FileID    string
}

// Uploader runs resumable chunked uploads.
type Uploader struct {
	client Client
	store  state.Store
	logger *events.Logger

	chunkSize int64
	interval  time.Duration
	now       func() time.Time

	listeners listenerSet
}

// NewUploader creates an uploader. store may be nil when sessions need not
// be tracked locally.
func NewUploader(client Client, store state.Store, cfg *config.SyncConfig, logger *events.Logger) *Uploader {
	return &Uploader{
		client:    client,
		store:     store,
		logger:    logger.WithField("component", "uploader"),
		chunkSize: cfg.ChunkSize,
		interval:  cfg.ProgressInterval,
		now:       time.Now,
	}
}

// ChunkSize returns the fixed chunk size.
func (u *Uploader) ChunkSize() int64 {
	return u.chunkSize
}

// AddListener registers l and returns a function removing it. Safe to call
// during a transfer.
func (u *Uploader) AddListener(l Listener) func() {
	return u.listeners.add(l)
}

// SessionID derives the session id from the canonical local path, size and
// modification time. An unchanged file always maps to the same id.
func SessionID(localPath string, size int64, modTime time.Time) string {
	canonical := filepath.ToSlash(filepath.Clean(localPath))

	h := sha256.New()
	h.Write([]byte(canonical))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(size, 10)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(modTime.UnixNano(), 10)))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// ResumePoint queries an existing session and counts the consecutive chunks
// present from chunk 1. Chunks after the first gap are ignored because
// assembly needs a contiguous run.
func (u *Uploader) ResumePoint(ctx context.Context, sessionID string, total int) (exists bool, found int, err error) {
	exists, err = u.client.UploadMemberExists(ctx, sessionID)
	if err != nil || !exists {
		return exists, 0, err
	}

	for i := 1; i <= total; i++ {
		if err := ctx.Err(); err != nil {
			return true, found, fmt.Errorf("%w: %v", models.ErrCancelled, err)
		}
		ok, err := u.client.UploadMemberExists(ctx, sessionID, transport.ChunkName(i))
		if err != nil {
			return true, found, err
		}
		if !ok {
			break
		}
		found = i
	}
	return true, found, nil
}

// Upload sends req in chunks, resuming a previous attempt when its session
// is still on the server. Failed or cancelled uploads keep their chunks.
func (u *Uploader) Upload(ctx context.Context, req Request) (*Result, error) {
	if req.Source == nil {
		return nil, fmt.Errorf("upload %s: no source", req.RemotePath)
	}

	sess := &models.UploadSession{
		ID:          SessionID(req.LocalPath, req.Size, req.ModTime),
		LocalPath:   req.LocalPath,
		RemotePath:  req.RemotePath,
		Size:        req.Size,
		ModTime:     req.ModTime,
		ChunkSize:   u.chunkSize,
		TotalChunks: models.ChunkCount(req.Size, u.chunkSize),
		Status:      models.UploadNotStarted,
	}
	if sess.TotalChunks == 0 {
		return nil, fmt.Errorf("upload %s: invalid chunk size %d", req.RemotePath, u.chunkSize)
	}

	logger := u.logger.WithFields(map[string]interface{}{
		"session": sess.ID,
		"path":    req.RemotePath,
		"chunks":  sess.TotalChunks,
	})

	if err := ctx.Err(); err != nil {
		return nil, u.fail(sess, models.UploadCancelled, fmt.Errorf("%w: %v", models.ErrCancelled, err))
	}

	exists, found, err := u.ResumePoint(ctx, sess.ID, sess.TotalChunks)
	if err != nil {
		return nil, u.fail(sess, statusFor(err), fmt.Errorf("query upload session: %w", err))
	}

	if exists {
		logger.WithField("found", found).Info("Resuming upload session")
	} else {
		if _, err := u.client.CreateUploadSession(ctx, sess.ID, req.RemotePath, req.Size); err != nil {
			return nil, u.fail(sess, statusFor(err), err)
		}
		logger.Debug("Upload session created")
	}
	sess.LastChunk = found
	u.transition(sess, models.UploadSessionCreated)

	result := &Result{SessionID: sess.ID, Resumed: found}
	progress := throttle{interval: u.interval, now: u.now}

	for i := found + 1; i <= sess.TotalChunks; i++ {
		if err := ctx.Err(); err != nil {
			return nil, u.fail(sess, models.UploadCancelled, fmt.Errorf("%w: %v", models.ErrCancelled, err))
		}

		offset, length := models.ChunkBounds(i, req.Size, u.chunkSize)
		data, err := req.Source.ReadChunk(req.LocalPath, offset, length)
		if err != nil {
			return nil, u.fail(sess, models.UploadFailed, fmt.Errorf("read chunk %d: %w", i, err))
		}
		if int64(len(data)) != length {
			return nil, u.fail(sess, models.UploadFailed, fmt.Errorf("read chunk %d: got %d bytes, want %d", i, len(data), length))
		}

		u.transition(sess, models.UploadChunkUploading)
		if err := u.client.PutChunk(ctx, sess.ID, i, data, req.RemotePath, req.Size); err != nil {
			return nil, u.fail(sess, statusFor(err), err)
		}
		sess.LastChunk = i
		result.Uploaded++
		u.save(sess)

		if progress.allow(i == sess.TotalChunks) {
			u.listeners.notify(Progress{
				SessionID:   sess.ID,
				RemotePath:  req.RemotePath,
				Chunk:       i,
				TotalChunks: sess.TotalChunks,
				BytesSent:   offset + length,
				TotalBytes:  req.Size,
			})
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, u.fail(sess, models.UploadCancelled, fmt.Errorf("%w: %v", models.ErrCancelled, err))
	}

	u.transition(sess, models.UploadAssembling)
	put, err := u.client.AssembleUpload(ctx, sess.ID, req.RemotePath, req.Size, req.ModTime, req.Token)
	if err != nil {
		return nil, u.fail(sess, statusFor(err), err)
	}

	sess.Status = models.UploadDone
	if u.store != nil {
		if err := u.store.RemoveUploadSession(sess.ID); err != nil {
			logger.WithError(err).Warn("Failed to drop finished upload session")
		}
	}

	result.Etag = put.Etag
	result.FileID = put.FileID
	logger.WithFields(map[string]interface{}{
		"resumed":  result.Resumed,
		"uploaded": result.Uploaded,
	}).Info("Upload complete")
	return result, nil
}

// Discard abandons a session on the server and locally.
func (u *Uploader) Discard(ctx context.Context, sessionID string) error {
	if err := u.client.DeleteUploadSession(ctx, sessionID); err != nil {
		return err
	}
	if u.store != nil {
		if err := u.store.RemoveUploadSession(sessionID); err != nil && !errors.Is(err, state.ErrRecordNotFound) {
			return err
		}
	}
	return nil
}

func (u *Uploader) transition(sess *models.UploadSession, status models.UploadStatus) {
	if sess.Status == status {
		return
	}
	sess.Status = status
	u.save(sess)
}

func (u *Uploader) save(sess *models.UploadSession) {
	if u.store == nil {
		return
	}
	sess.UpdatedAt = u.now()
	if err := u.store.SaveUploadSession(sess); err != nil {
		u.logger.WithError(err).WithField("session", sess.ID).Warn("Failed to persist upload session")
	}
}

func (u *Uploader) fail(sess *models.UploadSession, status models.UploadStatus, err error) error {
	sess.Status = status
	u.save(sess)

	u.logger.WithError(err).WithFields(map[string]interface{}{
		"session":    sess.ID,
		"status":     string(status),
		"last_chunk": sess.LastChunk,
	}).Warn("Upload stopped")
	return fmt.Errorf("upload %s: %w", sess.RemotePath, err)
}

func statusFor(err error) models.UploadStatus {
	if models.IsCancelled(err) {
		return models.UploadCancelled
	}
	return models.UploadFailed
}
