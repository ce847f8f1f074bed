package models

import "time"

// UploadStatus is the lifecycle state of a chunked upload session.
type UploadStatus string

const (
	UploadNotStarted     UploadStatus = "not_started"
	UploadSessionCreated UploadStatus = "session_created"
	UploadChunkUploading UploadStatus = "chunk_uploading"
	UploadAssembling     UploadStatus = "assembling"
	UploadDone           UploadStatus = "done"
	UploadCancelled      UploadStatus = "cancelled"
	UploadFailed         UploadStatus = "failed"
)

// IsTerminal reports whether no further transition is expected.
func (s UploadStatus) IsTerminal() bool {
	return s == UploadDone || s == UploadCancelled
}

// UploadSession describes a resumable chunked upload.
type UploadSession struct {
	ID          string       `json:"id"`
	LocalPath   string       `json:"local_path"`
	RemotePath  string       `json:"remote_path"`
	Size        int64        `json:"size"`
	ModTime     time.Time    `json:"mod_time"`
	ChunkSize   int64        `json:"chunk_size"`
	TotalChunks int          `json:"total_chunks"`
	LastChunk   int          `json:"last_chunk"` // last verified chunk, 1-based, 0 = none
	Status      UploadStatus `json:"status"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// ChunkCount returns ceil(size / chunkSize). An empty file still needs one chunk.
func ChunkCount(size, chunkSize int64) int {
	if chunkSize <= 0 {
		return 0
	}
	if size == 0 {
		return 1
	}
	return int((size + chunkSize - 1) / chunkSize)
}

// ChunkBounds returns the byte range [offset, offset+length) of chunk index
// (1-based).
func ChunkBounds(index int, size, chunkSize int64) (offset, length int64) {
	offset = int64(index-1) * chunkSize
	length = chunkSize
	if offset+length > size {
		length = size - offset
	}
	if length < 0 {
		length = 0
	}
	return offset, length
}
