package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/scribe/internal/apperr"
)

// DefaultTitle is the placeholder a session carries until a user or the
// title generator names it.
const DefaultTitle = "Untitled session"

// Session is one recording unit. AudioFilePath and TranscriptionText are
// never both set: the artifact is released when the transcript lands.
type Session struct {
	ID                     string     `json:"session_id"`
	Title                  string     `json:"session_title"`
	AudioFilePath          string     `json:"audio_file_path,omitempty"`
	TranscriptionText      string     `json:"transcription_text,omitempty"`
	TranscriptionExpiresAt *time.Time `json:"transcription_expires_at,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
}

// HasUserTitle reports whether the session was named by someone other than
// the placeholder default.
func (s Session) HasUserTitle() bool {
	t := strings.TrimSpace(s.Title)
	return t != "" && t != DefaultTitle
}

// Completion is the single atomic update applied when a transcript lands.
type Completion struct {
	Text      string
	ExpiresAt time.Time
	// Title is applied only while the session still has no user title.
	Title string
}

// Store persists session records. Implementations must apply
// CompleteTranscription and PurgeExpired atomically per row.
type Store interface {
	Create(ctx context.Context, title string) (Session, error)
	Get(ctx context.Context, id string) (Session, error)
	List(ctx context.Context, limit int) ([]Session, error)
	UpdateTitle(ctx context.Context, id, title string) (Session, error)
	Delete(ctx context.Context, id string) error
	// AttachAudio records the merged artifact; fails with
	// apperr.ErrArtifactExists when one is already attached and with
	// apperr.ErrTranscriptExists while a transcript is still retained.
	AttachAudio(ctx context.Context, id, path string) error
	// DetachAudio clears path if it is still the attached artifact.
	DetachAudio(ctx context.Context, id, path string) error
	CompleteTranscription(ctx context.Context, id string, c Completion) error
	// PurgeExpired clears text and expiry together for every session whose
	// expiry is at or before now, committing once. Returns rows cleared.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
	Close() error
}

func normalizeTitle(title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		return DefaultTitle
	}
	return title
}

func clone(s *Session) Session {
	c := *s
	if s.TranscriptionExpiresAt != nil {
		t := *s.TranscriptionExpiresAt
		c.TranscriptionExpiresAt = &t
	}
	return c
}

// attachConflict explains why a conditional attach matched no row.
func attachConflict(sess Session) error {
	if sess.AudioFilePath != "" {
		return fmt.Errorf("session %s: %w", sess.ID, apperr.ErrArtifactExists)
	}
	if sess.TranscriptionText != "" {
		return fmt.Errorf("session %s: %w", sess.ID, apperr.ErrTranscriptExists)
	}
	return fmt.Errorf("session %s: attach audio: %w", sess.ID, apperr.ErrStorage)
}
