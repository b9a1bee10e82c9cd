// Package pipeline ties the session store, chunk store, merger and
// transcription pool into the operations the API exposes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/ent0n29/scribe/internal/apperr"
	"github.com/ent0n29/scribe/internal/chunks"
	"github.com/ent0n29/scribe/internal/jobs"
	"github.com/ent0n29/scribe/internal/merge"
	"github.com/ent0n29/scribe/internal/observability"
	"github.com/ent0n29/scribe/internal/session"
)

const maxTitleRunes = 255

// DeletePolicy decides what happens to a transcription still queued or
// running when its session is deleted.
type DeletePolicy string

const (
	DeleteCancel   DeletePolicy = "cancel"
	DeleteComplete DeletePolicy = "complete"
)

type Pipeline struct {
	store    session.Store
	chunks   *chunks.Store
	merger   *merge.Merger
	pool     *jobs.Pool
	registry *jobs.Registry
	policy   DeletePolicy
	logger   zerolog.Logger
	metrics  *observability.Metrics
}

func New(store session.Store, chunkStore *chunks.Store, merger *merge.Merger, pool *jobs.Pool, registry *jobs.Registry, policy DeletePolicy, logger zerolog.Logger, metrics *observability.Metrics) *Pipeline {
	if policy != DeleteComplete {
		policy = DeleteCancel
	}
	return &Pipeline{
		store:    store,
		chunks:   chunkStore,
		merger:   merger,
		pool:     pool,
		registry: registry,
		policy:   policy,
		logger:   logger.With().Str("component", "pipeline").Logger(),
		metrics:  metrics,
	}
}

// Status is the transcription state of a session as seen by clients.
type Status struct {
	jobs.Entry
	HasAudio      bool `json:"has_audio"`
	HasTranscript bool `json:"has_transcript"`
}

// FinalizeResult reports the merged artifact and whether a job was queued.
type FinalizeResult struct {
	Artifact   merge.Artifact `json:"artifact"`
	Queued     bool           `json:"queued"`
	QueueError string         `json:"queue_error,omitempty"`
}

func (p *Pipeline) CreateSession(ctx context.Context, title string) (session.Session, error) {
	if err := validateTitle(title); err != nil {
		return session.Session{}, err
	}
	return p.store.Create(ctx, title)
}

func (p *Pipeline) GetSession(ctx context.Context, id string) (session.Session, error) {
	return p.store.Get(ctx, id)
}

func (p *Pipeline) ListSessions(ctx context.Context, limit int) ([]session.Session, error) {
	return p.store.List(ctx, limit)
}

func (p *Pipeline) RenameSession(ctx context.Context, id, title string) (session.Session, error) {
	if err := validateTitle(title); err != nil {
		return session.Session{}, err
	}
	return p.store.UpdateTitle(ctx, id, title)
}

// UploadChunk stores one fragment for an existing session.
func (p *Pipeline) UploadChunk(ctx context.Context, id string, r io.Reader, originalName string) (chunks.Chunk, error) {
	if _, err := p.store.Get(ctx, id); err != nil {
		return chunks.Chunk{}, err
	}
	c, err := p.chunks.Put(ctx, id, r, originalName)
	p.metrics.ObserveChunk(string(c.Format), c.Size, err)
	if err != nil {
		return chunks.Chunk{}, fmt.Errorf("upload chunk for %s: %w", id, err)
	}
	p.logger.Debug().Str("session_id", id).Uint64("seq", c.Seq).Int64("bytes", c.Size).Msg("chunk stored")
	return c, nil
}

// Finalize merges the session's chunks, records the artifact and queues a
// transcription. A rejected submission does not undo the merge; the caller
// can retry with Transcribe.
func (p *Pipeline) Finalize(ctx context.Context, id string) (FinalizeResult, error) {
	sess, err := p.store.Get(ctx, id)
	if err != nil {
		return FinalizeResult{}, err
	}
	if sess.AudioFilePath != "" {
		return FinalizeResult{}, fmt.Errorf("finalize %s: %w", id, apperr.ErrArtifactExists)
	}
	// Audio and text never coexist; a new recording waits for the reaper.
	if sess.TranscriptionText != "" {
		return FinalizeResult{}, fmt.Errorf("finalize %s: %w", id, apperr.ErrTranscriptExists)
	}

	art, err := p.merger.Finalize(ctx, id, func(a merge.Artifact) error {
		return p.store.AttachAudio(ctx, id, a.Path)
	})
	if err != nil {
		return FinalizeResult{}, err
	}

	res := FinalizeResult{Artifact: art}
	if err := p.pool.Submit(ctx, id); err != nil {
		res.QueueError = apperr.Code(err)
		p.logger.Warn().Err(err).Str("session_id", id).Msg("merged audio not queued for transcription")
		return res, nil
	}
	res.Queued = true
	return res, nil
}

// UploadAudio accepts a complete recording in one request and finalizes it.
func (p *Pipeline) UploadAudio(ctx context.Context, id string, r io.Reader, originalName string) (FinalizeResult, error) {
	if _, err := p.UploadChunk(ctx, id, r, originalName); err != nil {
		return FinalizeResult{}, err
	}
	return p.Finalize(ctx, id)
}

// Transcribe queues a new job for an existing artifact, e.g. after an error.
func (p *Pipeline) Transcribe(ctx context.Context, id string) error {
	return p.pool.Submit(ctx, id)
}

// Status resolves the registry entry, falling back to the session record
// when the registry has none (after a restart, or before the first job).
func (p *Pipeline) Status(ctx context.Context, id string) (Status, error) {
	sess, err := p.store.Get(ctx, id)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Entry:         p.registry.Get(id),
		HasAudio:      sess.AudioFilePath != "",
		HasTranscript: sess.TranscriptionText != "",
	}
	if st.State == jobs.StateUnknown && st.HasTranscript {
		st.State = jobs.StateDone
	}
	return st, nil
}

// Subscribe streams registry updates for id.
func (p *Pipeline) Subscribe(id string) (<-chan jobs.Entry, func()) {
	return p.registry.Subscribe(id)
}

// DeleteSession removes the record, its chunks and its artifact. A queued or
// running transcription is handled per the configured DeletePolicy.
func (p *Pipeline) DeleteSession(ctx context.Context, id string) error {
	sess, err := p.store.Get(ctx, id)
	if err != nil {
		return err
	}
	pending := p.registry.Get(id).State == jobs.StatePending

	if p.policy == DeleteCancel && pending {
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		p.pool.Cancel(cctx, id)
		cancel()
	}
	if err := p.store.Delete(ctx, id); err != nil {
		return err
	}

	log := p.logger.With().Str("session_id", id).Str("policy", string(p.policy)).Logger()
	if err := p.chunks.Purge(ctx, id); err != nil {
		log.Warn().Err(err).Msg("chunk cleanup failed on delete")
	}
	// Under "complete" the running job owns the artifact and cleans it up.
	if p.policy == DeleteCancel || !pending {
		if sess.AudioFilePath != "" {
			if err := os.Remove(sess.AudioFilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
				log.Warn().Err(err).Msg("artifact cleanup failed on delete")
			}
		}
		p.registry.Forget(id)
	}
	log.Info().Bool("job_pending", pending).Msg("session deleted")
	return nil
}

func validateTitle(title string) error {
	if utf8.RuneCountInString(title) > maxTitleRunes {
		return fmt.Errorf("%w: title longer than %d characters", apperr.ErrInvalidInput, maxTitleRunes)
	}
	return nil
}
