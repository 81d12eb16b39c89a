// Package worker implements the Worker Pool (§4.H): a single polling loop
// that leases jobs from the Queue Service and fans each one out onto its own
// goroutine, bounded to workerConcurrency concurrent job executions.
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/justbecauselabs/pokecode/internal/common/logger"
	"github.com/justbecauselabs/pokecode/internal/message"
	"github.com/justbecauselabs/pokecode/internal/models"
	"github.com/justbecauselabs/pokecode/internal/queue"
	"github.com/justbecauselabs/pokecode/internal/runner"
	"github.com/justbecauselabs/pokecode/internal/session"
	"github.com/justbecauselabs/pokecode/internal/tracing"
)

const cancellationCheckInterval = 2 * time.Second

// Config holds the Worker Pool's tunables, sourced from §6.4.
type Config struct {
	Concurrency     int
	PollingInterval time.Duration
	JobRetention    time.Duration
	GracefulShutdown time.Duration
}

// Pool drives job execution end-to-end: lease, run, persist, publish.
type Pool struct {
	queue    *queue.Service
	messages *message.Service
	sessions *session.Service
	runners  runner.Factory
	log      *logger.Logger
	cfg      Config

	sem *semaphore.Weighted

	mu             sync.Mutex
	activeSessions map[string]*activeJob
	running        bool
	cancel         context.CancelFunc
	wg             sync.WaitGroup
}

type activeJob struct {
	runner     runner.Runner
	cancelFunc context.CancelFunc
}

// New constructs a Pool. cfg.Concurrency and cfg.PollingInterval must be
// positive (the composition root clamps them from the validated Config).
func New(q *queue.Service, msgs *message.Service, sessions *session.Service, runners runner.Factory, log *logger.Logger, cfg Config) *Pool {
	return &Pool{
		queue:          q,
		messages:       msgs,
		sessions:       sessions,
		runners:        runners,
		log:            log.WithFields(zap.String("component", "worker-pool")),
		cfg:            cfg,
		sem:            semaphore.NewWeighted(int64(cfg.Concurrency)),
		activeSessions: make(map[string]*activeJob),
	}
}

// Start launches the polling loop and the retention-pruning ticker. Safe to
// call once; a second call is a no-op.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.running = true
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(2)
	go p.pollLoop(loopCtx)
	go p.pruneLoop(loopCtx)

	p.log.Info("worker pool started",
		zap.Int("concurrency", p.cfg.Concurrency),
		zap.Duration("polling_interval", p.cfg.PollingInterval))
}

// Shutdown flips running false, aborts every active runner, and waits for
// in-flight jobs to unwind before returning (§4.H shutdown).
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cancel := p.cancel
	var runners []runner.Runner
	for _, job := range p.activeSessions {
		runners = append(runners, job.runner)
	}
	p.mu.Unlock()

	for _, r := range runners {
		_, span := tracing.TraceRunnerAbort(ctx, string(r.Provider()))
		err := r.Abort()
		tracing.EndRunnerAbort(span, err)
		if err != nil {
			p.log.Warn("failed to abort runner during shutdown", zap.Error(err))
		}
	}
	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.cfg.GracefulShutdown):
		return nil
	}
}

func (p *Pool) pollLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.PollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

// pollOnce leases and dispatches as many jobs as the semaphore currently has
// capacity for, without blocking past what is already queued.
func (p *Pool) pollOnce(ctx context.Context) {
	for {
		if !p.sem.TryAcquire(1) {
			return
		}
		job, err := p.queue.GetNextJob(ctx)
		if err != nil {
			p.log.Warn("failed to lease next job", zap.Error(err))
			p.sem.Release(1)
			return
		}
		if job == nil {
			p.sem.Release(1)
			return
		}

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.sem.Release(1)
			p.runJob(ctx, job)
		}()
	}
}

// runJob executes one leased job end-to-end (§4.H steps 3-9).
func (p *Pool) runJob(ctx context.Context, job *models.Job) {
	log := p.log.WithFields(zap.String("session_id", job.SessionID), zap.String("job_id", job.ID), zap.String("prompt_id", job.PromptID))

	data, err := queue.UnmarshalJobData(job.Data)
	if err != nil {
		p.failJob(ctx, job, log, err)
		return
	}

	agentRunner, err := p.runners(job.Provider)
	if err != nil {
		p.failJob(ctx, job, log, err)
		return
	}

	jobCtx, jobCancel := context.WithCancel(ctx)
	defer jobCancel()

	p.register(job.PromptID, agentRunner, jobCancel)
	defer p.unregister(job.PromptID)

	checkerDone := make(chan struct{})
	go p.cancellationChecker(jobCtx, job, agentRunner, checkerDone)
	defer func() { jobCancel(); <-checkerDone }()

	var sess *models.Session
	if sess, err = p.lookupSession(ctx, job.SessionID); err != nil {
		p.failJob(ctx, job, log, err)
		return
	}

	items := make(chan runner.Item, 16)
	execErr := make(chan error, 1)
	go func() {
		spanCtx, span := tracing.TraceRunnerExecute(jobCtx, job.SessionID, string(job.Provider))
		err := agentRunner.Execute(spanCtx, runner.Request{
			SessionID:         job.SessionID,
			ProjectPath:       data.ProjectPath,
			Prompt:            data.Prompt,
			Model:             data.Model,
			AllowedTools:      data.AllowedTools,
			ProviderSessionID: sess.ProviderSessionID,
		}, items)
		tracing.EndRunnerExecute(span, err)
		execErr <- err
		close(items)
	}()

	for item := range items {
		if _, err := p.messages.SaveSDKMessage(ctx, job.SessionID, item.Raw, item.ProviderSessionID); err != nil {
			log.Warn("failed to save streamed message", zap.Error(err))
		}
	}

	runErr := <-execErr

	active, activeErr := p.sessions.HasActiveJob(ctx, job.SessionID)
	if activeErr == nil && !active {
		// The job was cancelled mid-flight: cancelSessionJobs already moved
		// it to cancelled, so there is nothing left to mark here beyond the
		// operator-visible notice and the terminal session-done (§4.H step 7,
		// §7, §8 property 6).
		if _, err := p.messages.SaveSystemNotice(ctx, job.SessionID, "Operation was cancelled by user"); err != nil {
			log.Warn("failed to save cancellation notice", zap.Error(err))
		}
		if err := p.queue.PublishEvent(ctx, job.SessionID, job.PromptID, "session-done", map[string]any{"status": "cancelled"}); err != nil {
			log.Warn("failed to publish session-done", zap.Error(err))
		}
		return
	}

	if runErr != nil {
		p.failJob(ctx, job, log, runErr)
		return
	}

	if err := p.queue.MarkJobCompleted(ctx, job.ID); err != nil {
		log.Warn("failed to mark job completed", zap.Error(err))
	}
	if err := p.queue.PublishEvent(ctx, job.SessionID, job.PromptID, "session-done", map[string]any{"status": "completed"}); err != nil {
		log.Warn("failed to publish session-done", zap.Error(err))
	}
}

func (p *Pool) failJob(ctx context.Context, job *models.Job, log *logger.Logger, cause error) {
	log.Error("job failed", zap.Error(cause))
	if err := p.queue.MarkJobFailed(ctx, job.ID, cause); err != nil {
		log.Warn("failed to mark job failed", zap.Error(err))
	}
	if err := p.queue.PublishEvent(ctx, job.SessionID, job.PromptID, "error", map[string]any{"message": cause.Error()}); err != nil {
		log.Warn("failed to publish error event", zap.Error(err))
	}
	if err := p.queue.PublishEvent(ctx, job.SessionID, job.PromptID, "session-done", map[string]any{"status": "failed"}); err != nil {
		log.Warn("failed to publish session-done", zap.Error(err))
	}
}

func (p *Pool) lookupSession(ctx context.Context, sessionID string) (*models.Session, error) {
	return p.sessions.GetSession(ctx, sessionID)
}

// cancellationChecker polls has_active_jobs every 2s; once the session no
// longer has an active job, it aborts the runner so Execute unwinds promptly
// instead of running to natural completion (§4.H step 5).
func (p *Pool) cancellationChecker(ctx context.Context, job *models.Job, r runner.Runner, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(cancellationCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			active, err := p.sessions.HasActiveJob(ctx, job.SessionID)
			if err != nil {
				continue
			}
			if !active {
				_, span := tracing.TraceRunnerAbort(ctx, string(r.Provider()))
				err := r.Abort()
				tracing.EndRunnerAbort(span, err)
				if err != nil {
					p.log.Warn("failed to abort cancelled runner",
						zap.String("session_id", job.SessionID), zap.Error(err))
				}
				return
			}
		}
	}
}

func (p *Pool) register(promptID string, r runner.Runner, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeSessions[promptID] = &activeJob{runner: r, cancelFunc: cancel}
}

func (p *Pool) unregister(promptID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeSessions, promptID)
}

func (p *Pool) pruneLoop(ctx context.Context) {
	defer p.wg.Done()

	if p.cfg.JobRetention <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := p.queue.PruneTerminalOlderThan(ctx, p.cfg.JobRetention)
			if err != nil {
				p.log.Warn("job retention prune failed", zap.Error(err))
				continue
			}
			if count > 0 {
				p.log.Info("pruned terminal jobs", zap.Int("count", count))
			}
		}
	}
}
