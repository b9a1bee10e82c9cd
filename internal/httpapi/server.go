package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/scribe/internal/apperr"
	"github.com/ent0n29/scribe/internal/config"
	"github.com/ent0n29/scribe/internal/observability"
	"github.com/ent0n29/scribe/internal/pipeline"
)

type Server struct {
	cfg       config.Config
	pipeline  *pipeline.Pipeline
	metrics   *observability.Metrics
	logger    zerolog.Logger
	storeMode string
	provider  string
	upgrader  websocket.Upgrader
}

func New(cfg config.Config, p *pipeline.Pipeline, metrics *observability.Metrics, logger zerolog.Logger, storeMode, provider string) *Server {
	return &Server{
		cfg:       cfg,
		pipeline:  p,
		metrics:   metrics,
		logger:    logger.With().Str("component", "httpapi").Logger(),
		storeMode: storeMode,
		provider:  provider,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may watch a session unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Get("/", s.handleListSessions)
		r.Get("/{id}", s.handleGetSession)
		r.Put("/{id}", s.handleRenameSession)
		r.Delete("/{id}", s.handleDeleteSession)
		r.Post("/{id}/chunks", s.handleUploadChunk)
		r.Post("/{id}/finalize", s.handleFinalize)
		r.Post("/{id}/audio", s.handleUploadAudio)
		r.Post("/{id}/transcribe", s.handleTranscribe)
		r.Get("/{id}/transcription/status", s.handleTranscriptionStatus)
		r.Get("/{id}/transcription/ws", s.handleTranscriptionWS)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"store_mode": s.storeMode,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":                 "ready",
		"store_mode":             s.storeMode,
		"transcription_provider": s.provider,
		"merge_backend":          s.cfg.MergeBackend,
	})
}

// requestLogger tags every request with a correlation id and logs it once
// it completes.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if reqID == "" {
			reqID = observability.NewCorrelationID()
		}
		w.Header().Set("X-Request-ID", reqID)
		log := s.logger.With().Str("request_id", reqID).Logger()
		ctx := log.WithContext(r.Context())

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		ev := log.Debug()
		if status >= http.StatusInternalServerError {
			ev = log.Warn()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable,omitempty"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondAppError maps a pipeline error to its status and reason code.
func (s *Server) respondAppError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	code := apperr.Code(err)
	s.metrics.ObserveAPIError(code)
	if status >= http.StatusInternalServerError {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("code", code).Msg("request failed")
	}
	respondJSON(w, status, errorResponse{
		Error:     err.Error(),
		Code:      code,
		Retryable: apperr.Retryable(err),
	})
}
