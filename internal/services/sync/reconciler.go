package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/TheMichaelB/davsync/internal/events"
	"github.com/TheMichaelB/davsync/internal/models"
	"github.com/TheMichaelB/davsync/internal/state"
)

// Remote is the read side of the WebDAV client.
type Remote interface {
	Stat(ctx context.Context, remotePath string) (*models.RemoteSnapshot, error)
	ReadFolder(ctx context.Context, folderPath string) (*models.RemoteSnapshot, []models.RemoteSnapshot, error)
}

// ServerChanged reports whether the remote content differs from what was
// last synchronized. Records written before etags were tracked fall back
// to the modification time.
func ServerChanged(local *models.FileRecord, remote *models.RemoteSnapshot) bool {
	if local.Etag == "" {
		return !local.ModificationTime.Equal(remote.ModificationTime)
	}
	return remote.Etag != local.Etag
}

// LocalChanged reports whether the local copy was modified after the last
// content sync.
func LocalChanged(local *models.FileRecord) bool {
	return local.LocalModificationTime.After(local.LastSyncDateForData)
}

// Decide maps the change flags of a downloaded file to a decision. Both
// sides changed is always a conflict.
func Decide(localChanged, serverChanged, syncContent bool) models.Decision {
	switch {
	case localChanged && serverChanged:
		return models.DecisionConflict
	case localChanged:
		if syncContent {
			return models.DecisionUpload
		}
		return models.DecisionNoOp
	case serverChanged:
		if syncContent {
			return models.DecisionDownload
		}
		return models.DecisionNoOp
	default:
		return models.DecisionNoOp
	}
}

// Reconciler compares the local and remote state of single files.
type Reconciler struct {
	remote Remote
	store  state.Store
	logger *events.Logger
	now    func() time.Time
}

// NewReconciler creates a reconciler.
func NewReconciler(remote Remote, store state.Store, logger *events.Logger) *Reconciler {
	return &Reconciler{
		remote: remote,
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Reconcile decides what to do with one file and returns the remote state
// the decision is based on. A nil remote is fetched by path. local is updated
// in place with conflict markers and, when content sync is off, merged
// server properties; persisting it is up to the caller. Conflict records and
// ancestor markers are written to the store directly.
func (r *Reconciler) Reconcile(ctx context.Context, local *models.FileRecord, remote *models.RemoteSnapshot, syncContent bool) (models.Decision, *models.RemoteSnapshot, error) {
	if local == nil || !local.IsDown() {
		return models.DecisionDownload, remote, nil
	}

	if remote == nil {
		if err := ctx.Err(); err != nil {
			return models.DecisionNoOp, nil, fmt.Errorf("%w: %v", models.ErrCancelled, err)
		}
		snap, err := r.remote.Stat(ctx, local.RemotePath)
		if err != nil {
			if models.IsNotFound(err) {
				return models.DecisionDeleted, nil, nil
			}
			return models.DecisionNoOp, nil, fmt.Errorf("stat %s: %w", local.RemotePath, err)
		}
		remote = snap
	}

	serverChanged := ServerChanged(local, remote)
	localChanged := LocalChanged(local)
	decision := Decide(localChanged, serverChanged, syncContent)

	logger := events.FromContext(ctx, r.logger).WithFields(map[string]interface{}{
		"component":      "reconciler",
		"path":           local.RemotePath,
		"local_changed":  localChanged,
		"server_changed": serverChanged,
		"decision":       decision.String(),
	})

	switch {
	case decision == models.DecisionConflict:
		logger.WithField("etag", remote.Etag).Warn("Conflict detected")
		if err := r.markConflict(local, remote.Etag); err != nil {
			return decision, remote, err
		}
	case decision == models.DecisionNoOp && serverChanged:
		mergeProperties(local, remote)
		logger.Debug("Merged server properties")
	case decision == models.DecisionNoOp && !localChanged:
		if err := r.clearConflict(local); err != nil {
			return decision, remote, err
		}
	default:
		logger.Debug("File reconciled")
	}
	return decision, remote, nil
}

// mergeProperties takes the server view of a file without touching its
// content state. Local-only flags are kept.
func mergeProperties(local *models.FileRecord, remote *models.RemoteSnapshot) {
	local.EtagOnServer = remote.Etag
	local.Permissions = remote.Permissions
	local.RemoteID = remote.RemoteID
	local.MountType = remote.MountType
	if local.Encrypted {
		// Size and type of encrypted content come from the metadata.
		return
	}
	local.Size = remote.Size
	if remote.MimeType != "" {
		local.MimeType = remote.MimeType
	}
}

func (r *Reconciler) markConflict(local *models.FileRecord, etag string) error {
	local.EtagInConflict = etag
	err := r.store.SaveConflict(&models.ConflictRecord{
		FileID:       local.FileID,
		Path:         local.RemotePath,
		ConflictEtag: etag,
		DetectedAt:   r.now(),
	})
	if err != nil {
		return fmt.Errorf("save conflict %s: %w", local.RemotePath, err)
	}

	for _, ancestor := range ancestors(local.RemotePath) {
		rec, err := r.store.GetByPath(ancestor)
		if err != nil {
			if errors.Is(err, state.ErrRecordNotFound) {
				continue
			}
			return err
		}
		if rec.EtagInConflict == etag {
			continue
		}
		rec.EtagInConflict = etag
		if err := r.store.Save(rec); err != nil {
			return fmt.Errorf("mark conflict on %s: %w", ancestor, err)
		}
	}
	return nil
}

// clearConflict drops the marker of a file. Ancestors are cleared only
// when nothing beneath them is still in conflict.
func (r *Reconciler) clearConflict(local *models.FileRecord) error {
	local.EtagInConflict = ""
	if err := r.store.ClearConflict(local.RemotePath); err != nil {
		return fmt.Errorf("clear conflict %s: %w", local.RemotePath, err)
	}

	remaining, err := r.store.Conflicts()
	if err != nil {
		return err
	}

	for _, ancestor := range ancestors(local.RemotePath) {
		if hasConflictBelow(remaining, ancestor) {
			// Everything further up contains this folder.
			return nil
		}
		rec, err := r.store.GetByPath(ancestor)
		if err != nil {
			if errors.Is(err, state.ErrRecordNotFound) {
				continue
			}
			return err
		}
		if !rec.HasConflict() {
			continue
		}
		rec.EtagInConflict = ""
		if err := r.store.Save(rec); err != nil {
			return fmt.Errorf("clear conflict on %s: %w", ancestor, err)
		}
	}
	return nil
}

// ancestors lists the folders containing p, nearest first, root last.
func ancestors(p string) []string {
	var out []string
	for cur := models.ParentPath(p); ; cur = models.ParentPath(cur) {
		out = append(out, cur)
		if cur == models.PathSeparator {
			return out
		}
	}
}

func hasConflictBelow(conflicts []*models.ConflictRecord, folder string) bool {
	for _, c := range conflicts {
		if strings.HasPrefix(c.Path, folder) {
			return true
		}
	}
	return false
}
