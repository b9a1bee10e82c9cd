// Package jobs runs transcription jobs and tracks their status.
package jobs

import (
	"strings"
	"sync"
	"time"
)

type State string

const (
	// StateUnknown means the registry has no entry; callers fall back to the
	// session record.
	StateUnknown State = "unknown"
	StatePending State = "pending"
	StateDone    State = "done"
	StateError   State = "error"
)

// Entry is the last known status of a session's transcription.
type Entry struct {
	SessionID string    `json:"session_id"`
	State     State     `json:"state"`
	Code      string    `json:"code,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Retryable bool      `json:"retryable,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Registry is an in-memory status table keyed by session id. It is not
// durable: after a restart every session reads as StateUnknown.
type Registry struct {
	mu          sync.Mutex
	entries     map[string]Entry
	subscribers map[string]map[int]chan Entry
	nextSubID   int
	now         func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		entries:     make(map[string]Entry),
		subscribers: make(map[string]map[int]chan Entry),
		now:         time.Now,
	}
}

func (r *Registry) Get(sessionID string) Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[sessionID]; ok {
		return e
	}
	return Entry{SessionID: sessionID, State: StateUnknown}
}

// Set records e for sessionID. Setting StateUnknown forgets the entry.
func (r *Registry) Set(sessionID string, e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setLocked(sessionID, e)
}

// Begin moves sessionID to StatePending unless it is already pending. It
// returns the entry it replaced so a caller can roll back.
func (r *Registry) Begin(sessionID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.entries[sessionID]
	if !ok {
		prev = Entry{SessionID: sessionID, State: StateUnknown}
	}
	if prev.State == StatePending {
		return prev, false
	}
	r.setLocked(sessionID, Entry{State: StatePending})
	return prev, true
}

// Forget drops the entry for a deleted session.
func (r *Registry) Forget(sessionID string) {
	r.Set(sessionID, Entry{State: StateUnknown})
}

// Subscribe streams every status change of sessionID until the returned
// cancel func is called. Slow subscribers miss updates rather than block.
func (r *Registry) Subscribe(sessionID string) (<-chan Entry, func()) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		ch := make(chan Entry)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan Entry, 16)
	r.mu.Lock()
	r.nextSubID++
	id := r.nextSubID
	if _, ok := r.subscribers[sessionID]; !ok {
		r.subscribers[sessionID] = make(map[int]chan Entry)
	}
	r.subscribers[sessionID][id] = ch
	r.mu.Unlock()

	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		subs := r.subscribers[sessionID]
		if subs == nil {
			return
		}
		if c, ok := subs[id]; ok {
			delete(subs, id)
			close(c)
		}
		if len(subs) == 0 {
			delete(r.subscribers, sessionID)
		}
	}
}

func (r *Registry) setLocked(sessionID string, e Entry) {
	e.SessionID = sessionID
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = r.now().UTC()
	}
	if e.State == "" || e.State == StateUnknown {
		e.State = StateUnknown
		delete(r.entries, sessionID)
	} else {
		r.entries[sessionID] = e
	}

	for _, ch := range r.subscribers[sessionID] {
		select {
		case ch <- e:
		default:
		}
	}
}
