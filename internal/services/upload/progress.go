package upload

import (
	"sync"
	"time"
)

// Progress is reported after whole chunks only.
type Progress struct {
	SessionID   string
	RemotePath  string
	Chunk       int
	TotalChunks int
	BytesSent   int64
	TotalBytes  int64
}

// Percent returns the completed share in [0, 100].
func (p Progress) Percent() float64 {
	if p.TotalBytes <= 0 {
		return 100
	}
	return float64(p.BytesSent) * 100 / float64(p.TotalBytes)
}

// Listener receives upload progress.
type Listener interface {
	OnProgress(p Progress)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(p Progress)

func (f ListenerFunc) OnProgress(p Progress) { f(p) }

// listenerSet may be changed while a transfer notifies; notification
// iterates a snapshot.
type listenerSet struct {
	mu        sync.Mutex
	next      uint64
	listeners map[uint64]Listener
}

func (s *listenerSet) add(l Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listeners == nil {
		s.listeners = make(map[uint64]Listener)
	}
	s.next++
	id := s.next
	s.listeners[id] = l

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *listenerSet) snapshot() []Listener {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l)
	}
	return out
}

func (s *listenerSet) notify(p Progress) {
	for _, l := range s.snapshot() {
		l.OnProgress(p)
	}
}

// throttle lets one event through per interval. The final chunk always
// passes.
type throttle struct {
	interval time.Duration
	now      func() time.Time
	last     time.Time
}

func (t *throttle) allow(final bool) bool {
	now := t.now()
	if final || t.last.IsZero() || now.Sub(t.last) >= t.interval {
		t.last = now
		return true
	}
	return false
}
