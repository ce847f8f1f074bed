package sync

import (
	"context"
	"sync"
)

// folderQueue holds folders waiting to be synchronized. Subfolders are
// pushed here instead of being synchronized recursively.
type folderQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []string
	seen    map[string]bool
	pending int // queued plus in flight
	closed  bool
}

func newFolderQueue() *folderQueue {
	q := &folderQueue{seen: make(map[string]bool)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push adds a folder unless it was queued before during this run.
func (q *folderQueue) push(folder string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.seen[folder] {
		return false
	}
	q.seen[folder] = true
	q.items = append(q.items, folder)
	q.pending++
	q.cond.Signal()
	return true
}

// pop blocks until a folder is available. It returns false once the queue
// is drained or closed.
func (q *folderQueue) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && q.pending > 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed || len(q.items) == 0 {
		return "", false
	}
	folder := q.items[0]
	q.items = q.items[1:]
	return folder, true
}

// done marks a popped folder as finished.
func (q *folderQueue) done() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending--
	if q.pending <= 0 {
		q.cond.Broadcast()
	}
}

func (q *folderQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}

// closeOn closes the queue when ctx ends and returns a function that
// detaches the hook.
func (q *folderQueue) closeOn(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, q.close)
}
