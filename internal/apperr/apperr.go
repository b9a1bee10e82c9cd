// Package apperr defines the failure kinds shared by the ingestion,
// merge and transcription pipeline, and maps them to stable reason codes.
package apperr

import (
	"errors"
	"net/http"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrNoChunks         = errors.New("no chunks to merge")
	ErrConversion       = errors.New("audio conversion failed")
	ErrMerge            = errors.New("audio merge failed")
	ErrTranscription    = errors.New("transcription failed")
	ErrTitleGeneration  = errors.New("title generation failed")
	ErrMissingAudio     = errors.New("session has no merged audio")
	ErrJobInProgress    = errors.New("transcription already in progress")
	ErrArtifactExists   = errors.New("session already owns an audio artifact")
	ErrTranscriptExists = errors.New("session still holds a transcript")
	ErrQueueFull        = errors.New("transcription queue is full")
	ErrUploadInProgress = errors.New("chunk upload still in progress")
	ErrInvalidInput     = errors.New("invalid input")
	ErrStorage          = errors.New("storage failure")
)

// TranscriptionError is returned when the external engine fails or returns
// unusable output. Retryable is a hint for the caller; nothing retries
// automatically.
type TranscriptionError struct {
	Provider  string
	Retryable bool
	Err       error
}

func (e *TranscriptionError) Error() string {
	if e.Err == nil {
		return ErrTranscription.Error()
	}
	if e.Provider == "" {
		return ErrTranscription.Error() + ": " + e.Err.Error()
	}
	return ErrTranscription.Error() + " (" + e.Provider + "): " + e.Err.Error()
}

func (e *TranscriptionError) Unwrap() []error {
	return []error{ErrTranscription, e.Err}
}

type kind struct {
	err    error
	code   string
	status int
}

// Ordered most specific first; TranscriptionError wraps both the sentinel
// and its cause, so the cause never shadows the kind.
var kinds = []kind{
	{ErrTranscription, "transcription_failed", http.StatusBadGateway},
	{ErrNotFound, "not_found", http.StatusNotFound},
	{ErrNoChunks, "no_chunks", http.StatusConflict},
	{ErrConversion, "conversion_failed", http.StatusUnprocessableEntity},
	{ErrMerge, "merge_failed", http.StatusUnprocessableEntity},
	{ErrMissingAudio, "missing_audio", http.StatusConflict},
	{ErrJobInProgress, "transcription_in_progress", http.StatusConflict},
	{ErrArtifactExists, "artifact_exists", http.StatusConflict},
	{ErrTranscriptExists, "transcript_exists", http.StatusConflict},
	{ErrQueueFull, "queue_full", http.StatusServiceUnavailable},
	{ErrUploadInProgress, "upload_in_progress", http.StatusConflict},
	{ErrInvalidInput, "invalid_request", http.StatusBadRequest},
	{ErrStorage, "storage_failed", http.StatusInternalServerError},
	{ErrTitleGeneration, "title_generation_failed", http.StatusInternalServerError},
}

// Code returns the stable reason code for err, or "internal_error".
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.code
		}
	}
	return "internal_error"
}

// HTTPStatus maps err to the status the API layer responds with.
func HTTPStatus(err error) int {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.status
		}
	}
	return http.StatusInternalServerError
}

// Retryable reports whether err carries a retry hint from upstream.
func Retryable(err error) bool {
	var te *TranscriptionError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return errors.Is(err, ErrQueueFull) || errors.Is(err, ErrUploadInProgress)
}
