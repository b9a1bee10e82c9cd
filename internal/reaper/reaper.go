// Package reaper clears expired transcripts on a fixed interval.
package reaper

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/scribe/internal/observability"
)

// Purger is the store operation a sweep runs.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

type Reaper struct {
	store    Purger
	interval time.Duration
	logger   zerolog.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(store Purger, interval time.Duration, logger zerolog.Logger, metrics *observability.Metrics) *Reaper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Reaper{
		store:    store,
		interval: interval,
		logger:   logger.With().Str("component", "reaper").Logger(),
		metrics:  metrics,
		now:      time.Now,
	}
}

// Start sweeps once immediately, then every interval until Stop or ctx ends.
// Calling Start on a running reaper is a no-op.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		_, _ = r.Sweep(runCtx)
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				_, _ = r.Sweep(runCtx)
			}
		}
	}(r.done)
	r.logger.Info().Dur("interval", r.interval).Msg("expiry reaper started")
}

// Stop ends the loop and waits for an in-progress sweep to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Sweep clears every transcript whose expiry is at or before now.
func (r *Reaper) Sweep(ctx context.Context) (int64, error) {
	now := r.now().UTC()
	n, err := r.store.PurgeExpired(ctx, now)
	r.metrics.ObserveSweep(n, err)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error().Err(err).Msg("expiry sweep failed")
		}
		return 0, err
	}
	if n > 0 {
		r.logger.Info().Int64("purged", n).Time("cutoff", now).Msg("expired transcripts cleared")
	} else {
		r.logger.Debug().Time("cutoff", now).Msg("expiry sweep found nothing")
	}
	return n, nil
}
