package models

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Error codes for structured error handling.
const (
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeConflict     = "CONFLICT"
	ErrCodeLock         = "LOCK_ERROR"
	ErrCodeMetadata     = "METADATA_ERROR"
	ErrCodeDecryption   = "DECRYPTION_ERROR"
	ErrCodeNetwork      = "NETWORK_ERROR"
	ErrCodeStorage      = "STORAGE_ERROR"
	ErrCodeState        = "STATE_ERROR"
	ErrCodeConfig       = "CONFIG_ERROR"
	ErrCodeCancelled    = "CANCELLED"
	ErrCodeServerError  = "SERVER_ERROR"
	ErrCodeLocalStorage = "LOCAL_STORAGE_ERROR"
)

// Sentinel errors
var (
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict: local and remote both changed")
	ErrLockFailed           = errors.New("folder lock failed")
	ErrCounterMismatch      = errors.New("metadata counter mismatch")
	ErrMetadataInconsistent = errors.New("encrypted metadata inconsistent")
	ErrCancelled            = errors.New("operation cancelled")
	ErrLocalStorageFull     = errors.New("local storage full")
	ErrLocalFileNotFound    = errors.New("local file not found")
	ErrSyncInProgress       = errors.New("sync already in progress")
	ErrInvalidConfig        = errors.New("invalid configuration")
	ErrNotEncrypted         = errors.New("folder is not encrypted")
	ErrDecryptionFailed     = errors.New("decryption failed")
)

// RemoteError is a non-success response from the server.
type RemoteError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Path, e.StatusCode)
}

// Is makes a 404 match ErrNotFound.
func (e *RemoteError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// LockError reports a failed lock or unlock call on an encrypted folder.
type LockError struct {
	Op   string // "lock" or "unlock"
	Path string
	Err  error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("%s folder %s: %v", e.Op, e.Path, e.Err)
}

func (e *LockError) Unwrap() []error {
	return []error{ErrLockFailed, e.Err}
}

// SyncError provides detailed sync failure information.
type SyncError struct {
	Code  string
	Phase string
	Path  string
	Err   error
}

func (e *SyncError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("sync %s [%s]: %s: %v", e.Phase, e.Code, e.Path, e.Err)
	}
	return fmt.Sprintf("sync %s [%s]: %v", e.Phase, e.Code, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// DecryptError represents a decryption failure.
type DecryptError struct {
	Path   string
	Reason string
	Err    error
}

func (e *DecryptError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("decrypt %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("decrypt: %s: %v", e.Reason, e.Err)
}

func (e *DecryptError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is a remote 404 or ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsCancelled reports whether err stems from cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// StatusOf extracts the HTTP status from a RemoteError chain, or 0.
func StatusOf(err error) int {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.StatusCode
	}
	return 0
}

// ErrorCode classifies err for reporting.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case IsCancelled(err):
		return ErrCodeCancelled
	case IsNotFound(err):
		return ErrCodeNotFound
	case errors.Is(err, ErrConflict):
		return ErrCodeConflict
	case errors.Is(err, ErrLockFailed), errors.Is(err, ErrCounterMismatch):
		return ErrCodeLock
	case errors.Is(err, ErrMetadataInconsistent):
		return ErrCodeMetadata
	case errors.Is(err, ErrDecryptionFailed):
		return ErrCodeDecryption
	case errors.Is(err, ErrLocalStorageFull), errors.Is(err, ErrLocalFileNotFound):
		return ErrCodeLocalStorage
	}
	if status := StatusOf(err); status >= 500 {
		return ErrCodeServerError
	}
	return ErrCodeNetwork
}
