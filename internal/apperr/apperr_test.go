package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestCodeUnwrapsWrappedKinds(t *testing.T) {
	cases := []struct {
		err    error
		code   string
		status int
	}{
		{fmt.Errorf("finalize s1: %w", ErrNoChunks), "no_chunks", http.StatusConflict},
		{fmt.Errorf("get session: %w", ErrNotFound), "not_found", http.StatusNotFound},
		{fmt.Errorf("%w: heterogeneous formats", ErrMerge), "merge_failed", http.StatusUnprocessableEntity},
		{&TranscriptionError{Provider: "mock", Err: ErrNotFound}, "transcription_failed", http.StatusBadGateway},
		{fmt.Errorf("finalize s1: %w", ErrTranscriptExists), "transcript_exists", http.StatusConflict},
		{fmt.Errorf("list chunks: %w", ErrUploadInProgress), "upload_in_progress", http.StatusConflict},
		{errors.New("boom"), "internal_error", http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := Code(tc.err); got != tc.code {
			t.Fatalf("Code(%v) = %q, want %q", tc.err, got, tc.code)
		}
		if got := HTTPStatus(tc.err); got != tc.status {
			t.Fatalf("HTTPStatus(%v) = %d, want %d", tc.err, got, tc.status)
		}
	}
	if Code(nil) != "" {
		t.Fatalf("Code(nil) should be empty")
	}
}

func TestTranscriptionErrorRetryable(t *testing.T) {
	err := fmt.Errorf("run: %w", &TranscriptionError{Provider: "openai", Retryable: true, Err: errors.New("503")})
	if !errors.Is(err, ErrTranscription) {
		t.Fatalf("errors.Is(err, ErrTranscription) = false")
	}
	if !Retryable(err) {
		t.Fatalf("Retryable() = false, want true")
	}
	if Retryable(ErrMerge) {
		t.Fatalf("Retryable(ErrMerge) = true, want false")
	}
}
