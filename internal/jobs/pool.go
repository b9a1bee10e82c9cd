package jobs

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ent0n29/scribe/internal/apperr"
	"github.com/ent0n29/scribe/internal/observability"
)

type job struct {
	sessionID string
	audioPath string
}

type running struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Pool runs transcription jobs on a fixed number of workers fed by a bounded
// queue. A full queue rejects new work instead of blocking the caller.
type Pool struct {
	runner  *Runner
	workers int
	queue   chan job
	logger  zerolog.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	queued   map[string]bool
	dropped  map[string]bool
	inFlight map[string]*running
	closed   bool

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

func NewPool(runner *Runner, workers, queueSize int, logger zerolog.Logger, metrics *observability.Metrics) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Pool{
		runner:   runner,
		workers:  workers,
		queue:    make(chan job, queueSize),
		logger:   logger.With().Str("component", "worker_pool").Logger(),
		metrics:  metrics,
		queued:   make(map[string]bool),
		dropped:  make(map[string]bool),
		inFlight: make(map[string]*running),
	}
}

// Start launches the workers. Jobs run under ctx; cancelling it or calling
// Stop aborts them.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.baseCtx != nil {
		return
	}
	p.baseCtx, p.stop = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
	p.logger.Info().Int("workers", p.workers).Int("queue", cap(p.queue)).Msg("transcription workers started")
}

// Stop cancels running jobs and waits for the workers to exit. Queued jobs
// are abandoned; their artifacts stay so they can be resubmitted.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.closed = true
	stop := p.stop
	p.mu.Unlock()
	if stop != nil {
		stop()
	}
	p.wg.Wait()
}

// Submit validates and enqueues a job for sessionID. The registry reads
// pending once Submit returns nil.
func (p *Pool) Submit(ctx context.Context, sessionID string) error {
	sess, err := p.runner.prepare(ctx, sessionID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("submit %s: %w", sessionID, apperr.ErrQueueFull)
	}
	prev, ok := p.runner.registry.Begin(sessionID)
	if !ok {
		return fmt.Errorf("submit %s: %w", sessionID, apperr.ErrJobInProgress)
	}
	select {
	case p.queue <- job{sessionID: sessionID, audioPath: sess.AudioFilePath}:
		p.queued[sessionID] = true
		delete(p.dropped, sessionID)
		p.metrics.QueueDepthAdd(1)
		return nil
	default:
		p.runner.registry.Set(sessionID, prev)
		return fmt.Errorf("submit %s: %w", sessionID, apperr.ErrQueueFull)
	}
}

// Cancel aborts the job for sessionID. A queued job is skipped when dequeued;
// a running one has its context cancelled and Cancel waits for it to return
// (or for ctx). Reports whether there was a job to cancel.
func (p *Pool) Cancel(ctx context.Context, sessionID string) bool {
	p.mu.Lock()
	if r, ok := p.inFlight[sessionID]; ok {
		p.mu.Unlock()
		r.cancel()
		select {
		case <-r.done:
		case <-ctx.Done():
		}
		return true
	}
	if p.queued[sessionID] {
		p.dropped[sessionID] = true
		p.mu.Unlock()
		return true
	}
	p.mu.Unlock()
	return false
}

func (p *Pool) work() {
	defer p.wg.Done()
	for {
		select {
		case <-p.baseCtx.Done():
			return
		case j := <-p.queue:
			p.metrics.QueueDepthAdd(-1)
			p.runOne(j)
		}
	}
}

func (p *Pool) runOne(j job) {
	p.mu.Lock()
	delete(p.queued, j.sessionID)
	if p.dropped[j.sessionID] {
		delete(p.dropped, j.sessionID)
		p.mu.Unlock()
		p.runner.registry.Forget(j.sessionID)
		p.logger.Info().Str("session_id", j.sessionID).Msg("queued transcription cancelled")
		return
	}
	jobCtx, cancel := context.WithCancel(p.baseCtx)
	r := &running{cancel: cancel, done: make(chan struct{})}
	p.inFlight[j.sessionID] = r
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.inFlight, j.sessionID)
		p.mu.Unlock()
		cancel()
		close(r.done)
	}()

	if _, err := p.runner.execute(jobCtx, j.sessionID, j.audioPath); err != nil {
		p.logger.Debug().Err(err).Str("session_id", j.sessionID).Str("code", apperr.Code(err)).Msg("job finished with error")
	}
}
