package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/ent0n29/scribe/internal/apperr"
	"github.com/ent0n29/scribe/internal/observability"
	"github.com/ent0n29/scribe/internal/session"
	"github.com/ent0n29/scribe/internal/transcribe"
)

type RunnerConfig struct {
	Retention     time.Duration
	Timeout       time.Duration
	TitleMaxChars int
}

// Runner executes a single transcription job: call the engine, then land the
// transcript, expiry and optional title in one store update.
type Runner struct {
	store    session.Store
	client   transcribe.Client
	titler   transcribe.TitleGenerator
	registry *Registry
	cfg      RunnerConfig
	logger   zerolog.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

func NewRunner(cfg RunnerConfig, store session.Store, client transcribe.Client, titler transcribe.TitleGenerator, registry *Registry, logger zerolog.Logger, metrics *observability.Metrics) *Runner {
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.TitleMaxChars <= 0 {
		cfg.TitleMaxChars = 22
	}
	return &Runner{
		store:    store,
		client:   client,
		titler:   titler,
		registry: registry,
		cfg:      cfg,
		logger:   logger.With().Str("component", "transcription").Str("provider", client.Name()).Logger(),
		metrics:  metrics,
		now:      time.Now,
	}
}

// Run transcribes sessionID synchronously.
func (r *Runner) Run(ctx context.Context, sessionID string) (session.Session, error) {
	sess, err := r.prepare(ctx, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	if _, ok := r.registry.Begin(sessionID); !ok {
		return session.Session{}, fmt.Errorf("run %s: %w", sessionID, apperr.ErrJobInProgress)
	}
	return r.execute(ctx, sessionID, sess.AudioFilePath)
}

// prepare checks a job can start without touching the registry.
func (r *Runner) prepare(ctx context.Context, sessionID string) (session.Session, error) {
	sess, err := r.store.Get(ctx, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	if strings.TrimSpace(sess.AudioFilePath) == "" {
		return session.Session{}, fmt.Errorf("run %s: %w", sessionID, apperr.ErrMissingAudio)
	}
	return sess, nil
}

// execute assumes the registry already reads pending for sessionID.
// audioPath is the artifact known at submit time.
func (r *Runner) execute(ctx context.Context, sessionID, audioPath string) (session.Session, error) {
	log := r.logger.With().Str("session_id", sessionID).Logger()
	r.metrics.JobsInFlightAdd(1)
	defer r.metrics.JobsInFlightAdd(-1)

	sess, err := r.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			r.discard(sessionID, audioPath, log)
			return session.Session{}, err
		}
		r.fail(sessionID, err)
		return session.Session{}, err
	}
	if sess.AudioFilePath == "" {
		err := fmt.Errorf("run %s: %w", sessionID, apperr.ErrMissingAudio)
		r.fail(sessionID, err)
		return session.Session{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	start := time.Now()
	text, err := r.client.Transcribe(callCtx, sess.AudioFilePath)
	cancel()
	if err == nil && strings.TrimSpace(text) == "" {
		err = errors.New("engine returned an empty transcript")
	}
	if err != nil {
		terr := transcribe.AsTranscriptionError(r.client.Name(), err)
		r.metrics.ObserveTranscription(r.client.Name(), time.Since(start), apperr.Code(terr))
		if r.sessionGone(ctx, sessionID) {
			r.discard(sessionID, sess.AudioFilePath, log)
			return session.Session{}, terr
		}
		r.fail(sessionID, terr)
		log.Warn().Err(terr).Bool("retryable", apperr.Retryable(terr)).Dur("elapsed", time.Since(start)).Msg("transcription failed; artifact kept")
		return session.Session{}, terr
	}
	r.metrics.ObserveTranscription(r.client.Name(), time.Since(start), "")
	text = strings.TrimSpace(text)

	completion := session.Completion{
		Text:      text,
		ExpiresAt: r.now().Add(r.cfg.Retention).UTC(),
		Title:     r.generateTitle(ctx, sess, text, log),
	}
	if err := r.store.CompleteTranscription(ctx, sessionID, completion); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			r.discard(sessionID, sess.AudioFilePath, log)
			return session.Session{}, err
		}
		r.fail(sessionID, err)
		log.Error().Err(err).Msg("persist transcript failed; artifact kept")
		return session.Session{}, err
	}

	if err := os.Remove(sess.AudioFilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("artifact", sess.AudioFilePath).Msg("artifact cleanup failed")
	}
	r.registry.Set(sessionID, Entry{State: StateDone})
	log.Info().
		Int("chars", utf8.RuneCountInString(text)).
		Time("expires_at", completion.ExpiresAt).
		Dur("elapsed", time.Since(start)).
		Msg("transcription stored")

	updated, err := r.store.Get(ctx, sessionID)
	if err != nil {
		sess.TranscriptionText = completion.Text
		sess.TranscriptionExpiresAt = &completion.ExpiresAt
		sess.AudioFilePath = ""
		return sess, nil
	}
	return updated, nil
}

// generateTitle is best effort: any failure leaves the title untouched.
func (r *Runner) generateTitle(ctx context.Context, sess session.Session, text string, log zerolog.Logger) string {
	if r.titler == nil || sess.HasUserTitle() {
		r.metrics.ObserveTitle("skipped")
		return ""
	}
	titleCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	title, err := r.titler.SummarizeToTitle(titleCtx, text, r.cfg.TitleMaxChars)
	if err != nil {
		r.metrics.ObserveTitle("error")
		log.Warn().Err(err).Msg("title generation failed")
		return ""
	}
	title = transcribe.TruncateRunes(title, r.cfg.TitleMaxChars)
	if title == "" || title == session.DefaultTitle {
		r.metrics.ObserveTitle("fallback")
		return ""
	}
	r.metrics.ObserveTitle("generated")
	return title
}

func (r *Runner) fail(sessionID string, err error) {
	r.registry.Set(sessionID, Entry{
		State:     StateError,
		Code:      apperr.Code(err),
		Detail:    err.Error(),
		Retryable: apperr.Retryable(err),
	})
}

func (r *Runner) sessionGone(ctx context.Context, sessionID string) bool {
	_, err := r.store.Get(context.WithoutCancel(ctx), sessionID)
	return errors.Is(err, apperr.ErrNotFound)
}

// discard cleans up after a job whose session was deleted mid-flight.
func (r *Runner) discard(sessionID, audioPath string, log zerolog.Logger) {
	if audioPath != "" {
		if err := os.Remove(audioPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("artifact", audioPath).Msg("orphaned artifact cleanup failed")
		}
	}
	r.registry.Forget(sessionID)
	log.Info().Msg("session deleted during transcription; result discarded")
}
