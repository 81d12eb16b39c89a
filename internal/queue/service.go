// Package queue implements the Queue Service (§4.F): a durable job
// enqueue/lease/complete/fail/cancel state machine sitting on top of Store.
package queue

import (
	"context"
	"time"

	"github.com/justbecauselabs/pokecode/internal/eventbus"
	"github.com/justbecauselabs/pokecode/internal/models"
	"github.com/justbecauselabs/pokecode/internal/session"
	"github.com/justbecauselabs/pokecode/internal/store"
)

// defaultMaxBackoff bounds the exponential retry backoff regardless of
// attempts so a pathological maxAttempts can't stall a session indefinitely.
const defaultMaxBackoff = 15 * time.Minute

// Service is the Queue Service surface the HTTP adapter and Worker Pool
// depend on. It drives every job-status transition and, for each one that
// changes whether the owning session is working, asks the Session Service
// to record it — Store's job methods never touch the sessions table
// themselves (§4.D sole-writer rule).
type Service struct {
	store      *store.Store
	bus        eventbus.Bus
	sessions   *session.Service
	leaseTTL   time.Duration
	maxBackoff time.Duration
}

// New constructs a Service. leaseTTL is the processing lease duration
// (§6.4 leaseTTL); the same value feeds the fixed backoff formula.
func New(st *store.Store, bus eventbus.Bus, sessions *session.Service, leaseTTL time.Duration) *Service {
	return &Service{store: st, bus: bus, sessions: sessions, leaseTTL: leaseTTL, maxBackoff: defaultMaxBackoff}
}

// Enqueue inserts a pending job for sessionID, rejecting with ConflictError
// if the session already has an active job (§4.F, one-active-job invariant).
func (s *Service) Enqueue(ctx context.Context, sessionID, promptID string, provider models.Provider, data models.JobData, maxAttempts int) (*models.Job, error) {
	rawData, err := marshalJobData(data)
	if err != nil {
		return nil, err
	}
	job := &models.Job{
		SessionID:   sessionID,
		PromptID:    promptID,
		Provider:    provider,
		MaxAttempts: maxAttempts,
		Data:        rawData,
	}
	return s.store.EnqueueJob(ctx, job)
}

// GetNextJob leases the oldest pending job, or a processing job whose lease
// has expired (a crashed worker's orphan), marking it processing with a
// fresh lease and, through the Session Service, the owning session working
// (§4.F getNextJob). Returns nil, nil if nothing is available.
func (s *Service) GetNextJob(ctx context.Context) (*models.Job, error) {
	job, err := s.store.LeaseNextJob(ctx, s.leaseTTL)
	if err != nil || job == nil {
		return job, err
	}
	if err := s.sessions.MarkWorking(ctx, job.SessionID, job.ID); err != nil {
		return nil, err
	}
	return job, nil
}

// MarkJobProcessing extends a processing job's lease by leaseTTL; idempotent
// and a no-op for jobs not currently processing (§4.F markJobProcessing).
func (s *Service) MarkJobProcessing(ctx context.Context, jobID string) error {
	return s.store.ExtendLease(ctx, jobID, s.leaseTTL)
}

// MarkJobCompleted marks a job completed and, through the Session Service,
// clears the owning session's working state.
func (s *Service) MarkJobCompleted(ctx context.Context, jobID string) error {
	sessionID, err := s.store.CompleteJob(ctx, jobID)
	if err != nil {
		return err
	}
	return s.sessions.MarkIdle(ctx, sessionID, string(models.JobStatusCompleted))
}

// MarkJobFailed records a failure. Retries with exponential backoff until
// maxAttempts, then terminally fails (§4.F markJobFailed). A retried job
// keeps the session working, since it is still active
// (models.Job.IsActive); only a terminal failure clears working state.
func (s *Service) MarkJobFailed(ctx context.Context, jobID string, failErr error) error {
	msg := ""
	if failErr != nil {
		msg = failErr.Error()
	}
	terminal, sessionID, err := s.store.FailJob(ctx, jobID, msg, s.leaseTTL, s.maxBackoff)
	if err != nil {
		return err
	}
	if !terminal {
		return nil
	}
	return s.sessions.MarkIdle(ctx, sessionID, string(models.JobStatusFailed))
}

// CancelSessionJobs transitions every pending/processing job for sessionID to
// cancelled and, through the Session Service, clears the session's working
// state. A job that was processing is already cancelled in job_queue by the
// time this returns; the Worker's cancellation checker observes that through
// HasActiveJob and aborts the runner, and the Worker publishes session-done
// itself once it unwinds (§4.H step 5/7). When only pending jobs were
// cancelled, no Worker goroutine is driving them, so this publishes
// session-done(cancelled) directly so §8 property 6 and §7's "session-done
// event with status: cancelled" hold either way.
func (s *Service) CancelSessionJobs(ctx context.Context, sessionID string) error {
	count, hadProcessing, err := s.store.CancelSessionJobs(ctx, sessionID)
	if err != nil {
		return err
	}
	if count == 0 {
		return nil
	}
	if err := s.sessions.MarkIdle(ctx, sessionID, string(models.JobStatusCancelled)); err != nil {
		return err
	}
	if !hadProcessing {
		if err := s.PublishEvent(ctx, sessionID, "", "session-done", map[string]any{"status": "cancelled"}); err != nil {
			return err
		}
	}
	return nil
}

// PublishEvent forwards event to the Event Bus under the session's topic
// (§4.F publishEvent).
func (s *Service) PublishEvent(ctx context.Context, sessionID, promptID string, eventType string, data map[string]any) error {
	if s.bus == nil {
		return nil
	}
	if data == nil {
		data = map[string]any{}
	}
	data["promptId"] = promptID
	return s.bus.Publish(ctx, sessionID, eventbus.NewEvent(eventType, "queue-service", data))
}

// PruneTerminalOlderThan deletes completed/failed/cancelled jobs older than
// retention, returning the count removed (§4.F pruneTerminalOlderThan).
func (s *Service) PruneTerminalOlderThan(ctx context.Context, retention time.Duration) (int, error) {
	return s.store.PruneTerminalOlderThan(ctx, time.Now().UTC().Add(-retention))
}
