package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/scribe/internal/apperr"
)

// InMemoryStore is an in-process session store for local/dev use.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]*Session)}
}

func (s *InMemoryStore) Create(_ context.Context, title string) (Session, error) {
	sess := &Session{
		ID:        uuid.NewString(),
		Title:     normalizeTitle(title),
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return clone(sess), nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("session %s: %w", id, apperr.ErrNotFound)
	}
	return clone(sess), nil
}

func (s *InMemoryStore) List(_ context.Context, limit int) ([]Session, error) {
	s.mu.RLock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, clone(sess))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) UpdateTitle(_ context.Context, id, title string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("session %s: %w", id, apperr.ErrNotFound)
	}
	sess.Title = normalizeTitle(title)
	return clone(sess), nil
}

func (s *InMemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("session %s: %w", id, apperr.ErrNotFound)
	}
	delete(s.sessions, id)
	return nil
}

func (s *InMemoryStore) AttachAudio(_ context.Context, id, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, apperr.ErrNotFound)
	}
	if sess.AudioFilePath != "" || sess.TranscriptionText != "" {
		return attachConflict(*sess)
	}
	sess.AudioFilePath = path
	return nil
}

func (s *InMemoryStore) DetachAudio(_ context.Context, id, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, apperr.ErrNotFound)
	}
	if sess.AudioFilePath == path {
		sess.AudioFilePath = ""
	}
	return nil
}

func (s *InMemoryStore) CompleteTranscription(_ context.Context, id string, c Completion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, apperr.ErrNotFound)
	}
	expires := c.ExpiresAt.UTC()
	sess.TranscriptionText = c.Text
	sess.TranscriptionExpiresAt = &expires
	sess.AudioFilePath = ""
	if title := strings.TrimSpace(c.Title); title != "" && !sess.HasUserTitle() {
		sess.Title = title
	}
	return nil
}

func (s *InMemoryStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, sess := range s.sessions {
		if sess.TranscriptionText == "" || sess.TranscriptionExpiresAt == nil {
			continue
		}
		if sess.TranscriptionExpiresAt.After(now) {
			continue
		}
		sess.TranscriptionText = ""
		sess.TranscriptionExpiresAt = nil
		n++
	}
	return n, nil
}

func (s *InMemoryStore) Close() error { return nil }
