package httpapi

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/scribe/internal/apperr"
	"github.com/ent0n29/scribe/internal/pipeline"
	"github.com/ent0n29/scribe/internal/session"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	// multipartOverhead covers boundaries and part headers around the file.
	multipartOverhead = 1 << 20
)

type titleRequest struct {
	Title string `json:"session_title"`
}

type sessionResponse struct {
	session.Session
	Transcription pipeline.Status `json:"transcription"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req titleRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	sess, err := s.pipeline.CreateSession(r.Context(), req.Title)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}
	list, err := s.pipeline.ListSessions(r.Context(), limit)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	if list == nil {
		list = []session.Session{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": list})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.pipeline.GetSession(r.Context(), id)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	st, err := s.pipeline.Status(r.Context(), id)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sessionResponse{Session: sess, Transcription: st})
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	var req titleRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "body must be JSON with session_title")
		return
	}
	sess, err := s.pipeline.RenameSession(r.Context(), chi.URLParam(r, "id"), req.Title)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.DeleteSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.respondAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	part, err := s.filePart(w, r)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	defer part.Close()

	c, err := s.pipeline.UploadChunk(r.Context(), id, part, part.FileName())
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, c)
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	res, err := s.pipeline.Finalize(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleUploadAudio(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	part, err := s.filePart(w, r)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	defer part.Close()

	res, err := s.pipeline.UploadAudio(r.Context(), id, part, part.FileName())
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.pipeline.Transcribe(r.Context(), id); err != nil {
		s.respondAppError(w, r, err)
		return
	}
	st, err := s.pipeline.Status(r.Context(), id)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, st)
}

func (s *Server) handleTranscriptionStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.pipeline.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// filePart streams the multipart field "file" without buffering the upload.
func (s *Server) filePart(w http.ResponseWriter, r *http.Request) (*multipart.Part, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxChunkBytes+multipartOverhead)
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("%w: expected multipart/form-data: %w", apperr.ErrInvalidInput, err)
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, fmt.Errorf("%w: missing form field \"file\"", apperr.ErrInvalidInput)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: read multipart: %w", apperr.ErrInvalidInput, err)
		}
		if part.FormName() == "file" {
			return part, nil
		}
		part.Close()
	}
}
