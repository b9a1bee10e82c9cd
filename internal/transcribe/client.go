// Package transcribe wraps the external speech-to-text engines and the
// title generator used after a transcript lands.
package transcribe

import (
	"context"
	"errors"
	"fmt"

	"github.com/ent0n29/scribe/internal/apperr"
	"github.com/ent0n29/scribe/internal/reliability"
)

var errEmptyTranscript = errors.New("engine returned an empty transcript")

// Client turns a merged audio file into text.
type Client interface {
	Name() string
	Transcribe(ctx context.Context, audioPath string) (string, error)
}

// AsTranscriptionError normalizes any failure from a Client into a
// *apperr.TranscriptionError carrying a retry hint.
func AsTranscriptionError(provider string, err error) error {
	if err == nil {
		return nil
	}
	var te *apperr.TranscriptionError
	if errors.As(err, &te) {
		return err
	}
	return &apperr.TranscriptionError{
		Provider:  provider,
		Retryable: reliability.IsRetryableError(err),
		Err:       err,
	}
}

func httpStatusError(provider string, status int, detail string) error {
	return &apperr.TranscriptionError{
		Provider:  provider,
		Retryable: reliability.IsRetryableHTTPStatus(status),
		Err:       fmt.Errorf("status %d: %s", status, detail),
	}
}
