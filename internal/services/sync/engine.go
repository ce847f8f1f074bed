package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/TheMichaelB/davsync/internal/events"
	"github.com/TheMichaelB/davsync/internal/models"
	"github.com/TheMichaelB/davsync/internal/state"
)

// Engine walks a folder tree with a bounded pool of folder workers.
type Engine struct {
	coordinator *Coordinator
	store       state.Store
	root        *events.Logger
	logger      *events.Logger

	maxConcurrent int

	// Progress tracking
	progress atomic.Value // *Progress
	events   chan Event

	// Sync state
	mu           sync.Mutex
	syncing      bool
	cancelFn     context.CancelFunc
	eventsClosed bool
}

// Progress tracks a running walk.
type Progress struct {
	Phase            string
	QueuedFolders    int
	ProcessedFolders int
	CurrentFolder    string
	StartTime        time.Time
	Errors           []error
}

// Event represents a sync event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Path      string
	Decision  models.Decision
	Error     error
	Progress  *Progress
}

// EventType defines sync event types.
type EventType string

const (
	EventStarted      EventType = "started"
	EventFolder       EventType = "folder"
	EventFileComplete EventType = "file_complete"
	EventConflict     EventType = "conflict"
	EventFileError    EventType = "file_error"
	EventRemoved      EventType = "removed"
	EventCompleted    EventType = "completed"
	EventFailed       EventType = "failed"
)

// Summary aggregates the folder results of one walk.
type Summary struct {
	Folders   int
	Changed   int
	Removed   int
	Downloads int
	Uploads   int
	Conflicts int
	Failures  int
	Duration  time.Duration
}

func (s *Summary) add(res *Result) {
	s.Folders++
	if res.Changed {
		s.Changed++
	}
	s.Conflicts += res.Conflicts
	s.Failures += res.Failures
	for _, f := range res.Files {
		if f.Err != nil {
			continue
		}
		switch f.Decision {
		case models.DecisionDownload:
			s.Downloads++
		case models.DecisionUpload:
			s.Uploads++
		}
	}
}

// NewEngine creates a sync engine running up to maxConcurrent folders at
// once.
func NewEngine(coordinator *Coordinator, store state.Store, maxConcurrent int, logger *events.Logger) *Engine {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Engine{
		coordinator:   coordinator,
		store:         store,
		root:          logger,
		logger:        logger.WithField("component", "sync_engine"),
		maxConcurrent: maxConcurrent,
		events:        make(chan Event, 100),
	}
}

// Events returns the event channel of the current or last walk. It is
// closed when the walk ends.
func (e *Engine) Events() <-chan Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.events
}

// GetProgress returns current progress.
func (e *Engine) GetProgress() *Progress {
	if p := e.progress.Load(); p != nil {
		return p.(*Progress)
	}
	return nil
}

// Run synchronizes root and every folder below it. Subfolders found by one
// worker are queued for the pool; no folder is synchronized recursively.
func (e *Engine) Run(ctx context.Context, root string, opts Options) (*Summary, error) {
	e.mu.Lock()
	if e.syncing {
		e.mu.Unlock()
		return nil, models.ErrSyncInProgress
	}
	e.syncing = true

	// Create new events channel if previous was closed
	if e.eventsClosed {
		e.events = make(chan Event, 100)
		e.eventsClosed = false
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancelFn = cancel
	e.mu.Unlock()

	defer func() {
		cancel()
		e.mu.Lock()
		e.syncing = false
		e.cancelFn = nil
		if !e.eventsClosed {
			close(e.events)
			e.eventsClosed = true
		}
		e.mu.Unlock()
	}()

	root = models.FolderPath(root)
	start := time.Now()
	e.progress.Store(&Progress{Phase: "syncing", StartTime: start})

	logger := e.log(ctx)
	logger.WithFields(map[string]interface{}{
		"root":          root,
		"ignore_etag":   opts.IgnoreETag,
		"metadata_only": opts.MetadataOnly,
		"workers":       e.maxConcurrent,
	}).Info("Starting sync")
	e.emitEvent(Event{Type: EventStarted, Timestamp: time.Now(), Path: root, Progress: e.GetProgress()})

	summary := &Summary{}
	var summaryMu sync.Mutex

	queue := newFolderQueue()
	g, gctx := errgroup.WithContext(ctx)
	stop := queue.closeOn(gctx)
	defer stop()

	queue.push(root)
	e.updateProgress(func(p *Progress) { p.QueuedFolders++ })

	for i := 0; i < e.maxConcurrent; i++ {
		g.Go(func() error {
			for {
				folder, ok := queue.pop()
				if !ok {
					return nil
				}
				res, err := e.syncFolder(gctx, folder, opts)
				if res != nil {
					summaryMu.Lock()
					if res.Removed {
						summary.Removed++
					} else if err == nil {
						summary.add(res)
					}
					summaryMu.Unlock()

					for _, sub := range res.Subfolders {
						if queue.push(sub) {
							e.updateProgress(func(p *Progress) { p.QueuedFolders++ })
						}
					}
				}
				queue.done()
				if err != nil {
					return err
				}
			}
		})
	}

	err := g.Wait()
	if err == nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %v", models.ErrCancelled, ctxErr)
		}
	}
	summary.Duration = time.Since(start)
	if err != nil {
		return summary, e.handleError(err)
	}

	e.updateProgress(func(p *Progress) {
		p.Phase = "completed"
		p.CurrentFolder = ""
	})
	e.emitEvent(Event{Type: EventCompleted, Timestamp: time.Now(), Path: root, Progress: e.GetProgress()})

	logger.WithFields(map[string]interface{}{
		"duration":  summary.Duration,
		"folders":   summary.Folders,
		"changed":   summary.Changed,
		"downloads": summary.Downloads,
		"uploads":   summary.Uploads,
		"conflicts": summary.Conflicts,
		"failures":  summary.Failures,
	}).Info("Sync completed")
	return summary, nil
}

// syncFolder runs one folder under its store lock. Only fatal errors are
// returned; anything else is logged and reported as an event.
func (e *Engine) syncFolder(ctx context.Context, folder string, opts Options) (*Result, error) {
	e.updateProgress(func(p *Progress) { p.CurrentFolder = folder })

	unlock, err := e.store.Lock(folder)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", folder, err)
	}
	defer unlock()

	res, err := e.coordinator.Synchronize(ctx, folder, opts)
	e.updateProgress(func(p *Progress) { p.ProcessedFolders++ })

	switch {
	case err == nil:
	case res != nil && res.Removed:
		e.emitEvent(Event{Type: EventRemoved, Timestamp: time.Now(), Path: folder})
		return res, nil
	case e.isFatalError(err):
		return res, err
	default:
		e.log(ctx).WithError(err).WithField("folder", folder).Warn("Folder synchronization failed")
		e.updateProgress(func(p *Progress) { p.Errors = append(p.Errors, err) })
		e.emitEvent(Event{Type: EventFileError, Timestamp: time.Now(), Path: folder, Error: err})
		return nil, nil
	}

	e.emitEvent(Event{Type: EventFolder, Timestamp: time.Now(), Path: folder})
	for _, f := range res.Files {
		ev := Event{Timestamp: time.Now(), Path: f.Path, Decision: f.Decision, Error: f.Err}
		switch {
		case f.Err != nil:
			ev.Type = EventFileError
		case f.Decision == models.DecisionConflict:
			ev.Type = EventConflict
		case f.Decision == models.DecisionNoOp:
			continue
		default:
			ev.Type = EventFileComplete
		}
		e.emitEvent(ev)
	}
	return res, nil
}

// log returns the logger of the current run. Callers tag it through the
// context, with the account for instance.
func (e *Engine) log(ctx context.Context) *events.Logger {
	return events.FromContext(ctx, e.root).WithField("component", "sync_engine")
}

// Cancel stops an ongoing sync.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancelFn != nil {
		e.logger.Info("Cancelling sync")
		e.cancelFn()
	}
}

func (e *Engine) updateProgress(fn func(p *Progress)) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.GetProgress()
	if cur == nil {
		return
	}
	next := *cur
	next.Errors = append([]error(nil), cur.Errors...)
	fn(&next)
	e.progress.Store(&next)
}

func (e *Engine) emitEvent(event Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.eventsClosed {
		return
	}

	select {
	case e.events <- event:
	default:
		// Channel full, drop event
		e.logger.Debug("Event channel full, dropping event")
	}
}

func (e *Engine) handleError(err error) error {
	e.updateProgress(func(p *Progress) { p.Phase = "failed" })
	e.emitEvent(Event{
		Type:      EventFailed,
		Timestamp: time.Now(),
		Error:     err,
	})
	return err
}

// isFatalError reports errors that stop the whole walk.
func (e *Engine) isFatalError(err error) bool {
	switch {
	case models.IsCancelled(err):
		return true
	case errors.Is(err, models.ErrLocalStorageFull):
		return true
	case errors.Is(err, state.ErrStateLocked):
		return true
	case models.StatusOf(err) == http.StatusUnauthorized:
		return true
	default:
		return false
	}
}
