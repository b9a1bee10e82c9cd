package transcribe

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/ent0n29/scribe/internal/apperr"
)

// Mock returns canned output. With no Text it echoes the artifact name.
type Mock struct {
	Text  string
	Err   error
	Delay time.Duration

	calls atomic.Int64
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) Calls() int64 { return m.calls.Load() }

func (m *Mock) Transcribe(ctx context.Context, audioPath string) (string, error) {
	m.calls.Add(1)
	if m.Delay > 0 {
		timer := time.NewTimer(m.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", AsTranscriptionError(m.Name(), ctx.Err())
		case <-timer.C:
		}
	}
	if m.Err != nil {
		return "", AsTranscriptionError(m.Name(), m.Err)
	}
	if err := ctx.Err(); err != nil {
		return "", &apperr.TranscriptionError{Provider: m.Name(), Err: err}
	}
	if m.Text != "" {
		return m.Text, nil
	}
	return fmt.Sprintf("mock transcript of %s", filepath.Base(audioPath)), nil
}
