package transport

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/TheMichaelB/davsync/internal/models"
)

// ChunkName returns the zero padded member name of a 1-based chunk index.
// The fixed width keeps lexicographic and numeric order identical.
func ChunkName(index int) string {
	return fmt.Sprintf("%05d", index)
}

// AssemblyName is the virtual member standing for the whole file.
const AssemblyName = ".file"

// CreateUploadSession issues MKCOL on the session directory. It reports
// false when the session already existed.
func (d *DAVClient) CreateUploadSession(ctx context.Context, sessionID, destination string, total int64) (bool, error) {
	req := NewRequest(MethodMkcol, d.UploadsURL(sessionID), nil)
	req.Header.Set("Destination", d.FilesURL(destination))
	req.Header.Set("OC-Total-Length", strconv.FormatInt(total, 10))

	resp, err := d.t.Do(ctx, req)
	if err != nil {
		return false, fmt.Errorf("create upload session: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK:
		return true, nil
	case http.StatusMethodNotAllowed:
		return false, nil
	}
	return false, remoteError(MethodMkcol, sessionID, resp)
}

// UploadMemberExists checks the session directory, or a member of it, with
// a depth 0 PROPFIND.
func (d *DAVClient) UploadMemberExists(ctx context.Context, sessionID string, member ...string) (bool, error) {
	_, err := d.propfind(ctx, d.UploadsURL(sessionID, member...), uploadsPrefix, 0)
	if err == nil {
		return true, nil
	}
	if models.StatusOf(err) == http.StatusNotFound {
		return false, nil
	}
	return false, err
}

// PutChunk uploads one chunk. Re-uploading the same index overwrites it.
func (d *DAVClient) PutChunk(ctx context.Context, sessionID string, index int, data []byte, destination string, total int64) error {
	req := NewRequest(http.MethodPut, d.UploadsURL(sessionID, ChunkName(index)), data)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Length", strconv.Itoa(len(data)))
	req.Header.Set("Destination", d.FilesURL(destination))
	req.Header.Set("OC-Total-Length", strconv.FormatInt(total, 10))

	resp, err := d.t.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("put chunk %d: %w", index, err)
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	}
	return remoteError(http.MethodPut, sessionID+"/"+ChunkName(index), resp)
}

// AssembleUpload moves the session's virtual whole-file resource onto the
// destination.
func (d *DAVClient) AssembleUpload(ctx context.Context, sessionID, destination string, total int64, modTime time.Time, token string) (*PutResult, error) {
	req := NewRequest(MethodMove, d.UploadsURL(sessionID, AssemblyName), nil)
	req.Header.Set("Destination", d.FilesURL(destination))
	req.Header.Set("OC-Total-Length", strconv.FormatInt(total, 10))
	req.Header.Set("Overwrite", "T")
	if !modTime.IsZero() {
		req.Header.Set("X-OC-Mtime", strconv.FormatInt(modTime.Unix(), 10))
	}
	if token != "" {
		req.Header.Set("e2e-token", token)
	}

	resp, err := d.t.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("assemble upload: %w", err)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		return nil, remoteError(MethodMove, sessionID+"/"+AssemblyName, resp)
	}
	return putResult(resp), nil
}

// DeleteUploadSession discards a session and its chunks.
func (d *DAVClient) DeleteUploadSession(ctx context.Context, sessionID string) error {
	resp, err := d.t.Do(ctx, NewRequest(http.MethodDelete, d.UploadsURL(sessionID), nil))
	if err != nil {
		return fmt.Errorf("delete upload session: %w", err)
	}
	if !isSuccess(resp.StatusCode) && resp.StatusCode != http.StatusNotFound {
		return remoteError(http.MethodDelete, sessionID, resp)
	}
	return nil
}
