// Package sessions is the process-wide table of live calls keyed by
// connection id. Only registration and removal take the lock; per-call
// traffic never touches it.
package sessions

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Summary describes one call for diagnostics.
type Summary struct {
	ConnectionID string        `json:"connection_id"`
	CallID       string        `json:"call_id,omitempty"`
	StreamSID    string        `json:"stream_sid,omitempty"`
	Topic        string        `json:"topic,omitempty"`
	State        string        `json:"state"`
	StartedAt    time.Time     `json:"started_at"`
	ActiveAt     time.Time     `json:"active_at,omitempty"`
	EndedAt      time.Time     `json:"ended_at,omitempty"`
	EndReason    string        `json:"end_reason,omitempty"`
	Turns        int           `json:"turns"`
	HistoryLen   int           `json:"history_len"`
	ActiveTokens int           `json:"active_tokens"`
	WrapUp       bool          `json:"wrap_up"`
	FinishNow    bool          `json:"finish_now"`
	Duration     time.Duration `json:"duration_ns"`
}

// Handle is what a live call exposes to the registry.
type Handle struct {
	// Close asks the call to shut down. It must not block on the call
	// finishing.
	Close    func(reason string)
	Snapshot func() Summary
}

type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry
	// live counts registrations not yet unregistered. idle is closed while
	// live is zero and replaced when it leaves zero, so Wait and Register
	// may run concurrently.
	live   int
	idle   chan struct{}
	recent *expirable.LRU[string, Summary]
}

type entry struct {
	handle Handle
	once   sync.Once
}

// NewRegistry creates a registry that remembers up to recentSize closed calls
// for recentTTL. recentSize <= 0 disables the history.
func NewRegistry(recentSize int, recentTTL time.Duration) *Registry {
	r := &Registry{sessions: make(map[string]*entry)}
	if recentSize > 0 {
		r.recent = expirable.NewLRU[string, Summary](recentSize, nil, recentTTL)
	}
	return r
}

// Register adds a call. The returned func removes it exactly once, however
// many times it is called, and records its final summary.
func (r *Registry) Register(id string, h Handle) (unregister func()) {
	if r == nil {
		return func() {}
	}
	e := &entry{handle: h}

	r.mu.Lock()
	if r.sessions == nil {
		r.sessions = make(map[string]*entry)
	}
	old := r.sessions[id]
	r.sessions[id] = e
	if r.live == 0 {
		r.idle = make(chan struct{})
	}
	r.live++
	r.mu.Unlock()

	if old != nil {
		r.unregister(id, old)
	}
	return func() { r.unregister(id, e) }
}

func (r *Registry) unregister(id string, e *entry) {
	e.once.Do(func() {
		r.mu.Lock()
		if r.sessions[id] == e {
			delete(r.sessions, id)
		}
		r.mu.Unlock()

		if r.recent != nil && e.handle.Snapshot != nil {
			s := e.handle.Snapshot()
			if s.EndedAt.IsZero() {
				s.EndedAt = time.Now()
			}
			r.recent.Add(id, s)
		}

		r.mu.Lock()
		r.live--
		if r.live == 0 {
			close(r.idle)
		}
		r.mu.Unlock()
	})
}

// Get returns the handle registered under id.
func (r *Registry) Get(id string) (Handle, bool) {
	if r == nil {
		return Handle{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return Handle{}, false
	}
	return e.handle, true
}

func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot returns summaries of all live calls, oldest first.
func (r *Registry) Snapshot() []Summary {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	snaps := make([]func() Summary, 0, len(r.sessions))
	ids := make([]string, 0, len(r.sessions))
	for id, e := range r.sessions {
		snaps = append(snaps, e.handle.Snapshot)
		ids = append(ids, id)
	}
	r.mu.Unlock()

	out := make([]Summary, 0, len(snaps))
	for i, snap := range snaps {
		if snap == nil {
			out = append(out, Summary{ConnectionID: ids[i]})
			continue
		}
		out = append(out, snap())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Recent returns summaries of recently closed calls, newest first.
func (r *Registry) Recent() []Summary {
	if r == nil || r.recent == nil {
		return nil
	}
	vals := r.recent.Values()
	sort.Slice(vals, func(i, j int) bool { return vals[i].EndedAt.After(vals[j].EndedAt) })
	return vals
}

// CloseAll asks every live call to shut down and returns how many were asked.
func (r *Registry) CloseAll(reason string) int {
	if r == nil {
		return 0
	}
	var closers []func(string)
	r.mu.Lock()
	for _, e := range r.sessions {
		if e.handle.Close != nil {
			closers = append(closers, e.handle.Close)
		}
	}
	r.mu.Unlock()

	for _, c := range closers {
		c(reason)
	}
	return len(closers)
}

// Wait blocks until every registered call has unregistered or ctx ends. It
// reports whether the registry drained.
func (r *Registry) Wait(ctx context.Context) bool {
	if r == nil {
		return true
	}
	r.mu.Lock()
	idle := r.idle
	if r.live == 0 {
		idle = nil
	}
	r.mu.Unlock()
	if idle == nil {
		return true
	}
	select {
	case <-idle:
		return true
	case <-ctx.Done():
		return false
	}
}
