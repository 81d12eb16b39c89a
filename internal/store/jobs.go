package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/justbecauselabs/pokecode/internal/apperr"
	"github.com/justbecauselabs/pokecode/internal/models"
)

const jobColumns = `
	id, session_id, prompt_id, provider, status, attempts, max_attempts,
	lease_until, data, error, created_at, updated_at, completed_at
`

// EnqueueJob inserts a pending job for sessionID. Rejects with
// ConflictError if the session already has a pending or processing job,
// enforcing the one-active-job-per-session invariant (§3, §4.F) under the
// single-writer transaction.
func (s *Store) EnqueueJob(ctx context.Context, job *models.Job) (*models.Job, error) {
	var created *models.Job
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		var active int
		if err := tx.QueryRowContext(ctx, tx.Rebind(`
			SELECT COUNT(1) FROM job_queue WHERE session_id = ? AND status IN ('pending', 'processing')
		`), job.SessionID).Scan(&active); err != nil {
			return err
		}
		if active > 0 {
			return apperr.NewConflict("session %s already has an active job", job.SessionID)
		}

		if job.ID == "" {
			job.ID = uuid.NewString()
		}
		now := time.Now().UTC()
		job.Status = models.JobStatusPending
		job.Attempts = 0
		job.CreatedAt = now
		job.UpdatedAt = now

		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO job_queue (`+jobColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`), job.ID, job.SessionID, job.PromptID, job.Provider, job.Status, job.Attempts, job.MaxAttempts,
			job.LeaseUntil, job.Data, job.Error, job.CreatedAt, job.UpdatedAt, job.CompletedAt)
		if err != nil {
			return err
		}
		created = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// GetJob reads a single job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.reader.QueryRowContext(ctx, s.reader.Rebind(`SELECT `+jobColumns+` FROM job_queue WHERE id = ?`), id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NewNotFound("job %s not found", id)
	}
	return job, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	err := row.Scan(
		&job.ID, &job.SessionID, &job.PromptID, &job.Provider, &job.Status, &job.Attempts, &job.MaxAttempts,
		&job.LeaseUntil, &job.Data, &job.Error, &job.CreatedAt, &job.UpdatedAt, &job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// LeaseNextJob atomically claims the oldest pending job (or a processing
// job whose lease has expired, i.e. an orphaned job from a crashed worker)
// and marks it processing with a fresh lease, all under the single writer
// so concurrent worker pool goroutines never double-claim (§4.F getNextJob).
// It does not touch the owning session's working-state fields; that is the
// Session Service's job, invoked by the Queue Service after the lease
// commits (§4.D sole-writer rule).
func (s *Store) LeaseNextJob(ctx context.Context, leaseTTL time.Duration) (*models.Job, error) {
	var job *models.Job
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		now := time.Now().UTC()
		row := tx.QueryRowContext(ctx, tx.Rebind(`
			SELECT `+jobColumns+` FROM job_queue
			WHERE (status = 'pending' AND (lease_until IS NULL OR lease_until <= ?))
			   OR (status = 'processing' AND lease_until IS NOT NULL AND lease_until < ?)
			ORDER BY created_at ASC
			LIMIT 1
		`), now, now)
		claimed, err := scanJob(row)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}

		lease := now.Add(leaseTTL)
		claimed.Status = models.JobStatusProcessing
		claimed.Attempts++
		claimed.LeaseUntil = &lease
		claimed.UpdatedAt = now

		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE job_queue SET status = ?, attempts = ?, lease_until = ?, updated_at = ?
			WHERE id = ?
		`), claimed.Status, claimed.Attempts, claimed.LeaseUntil, claimed.UpdatedAt, claimed.ID)
		if err != nil {
			return err
		}

		job = claimed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ExtendLease pushes a processing job's lease_until forward by ttl from now;
// a no-op if the job is not currently processing.
func (s *Store) ExtendLease(ctx context.Context, jobID string, ttl time.Duration) error {
	lease := time.Now().UTC().Add(ttl)
	_, err := s.writer.ExecContext(ctx, s.writer.Rebind(`
		UPDATE job_queue SET lease_until = ?, updated_at = ? WHERE id = ? AND status = 'processing'
	`), lease, time.Now().UTC(), jobID)
	return err
}

// CompleteJob marks a job completed, returning its sessionID so the caller
// (the Queue Service) can ask the Session Service to clear working state.
func (s *Store) CompleteJob(ctx context.Context, jobID string) (string, error) {
	var sessionID string
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		job, err := s.txGetJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.IsTerminal() {
			return apperr.NewConflict("job %s is already %s", jobID, job.Status)
		}
		now := time.Now().UTC()
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE job_queue SET status = 'completed', lease_until = NULL, updated_at = ?, completed_at = ?
			WHERE id = ?
		`), now, now, jobID)
		if err != nil {
			return err
		}
		sessionID = job.SessionID
		return nil
	})
	return sessionID, err
}

// FailJob records a failure. If attempts have not exhausted maxAttempts, the
// job goes back to pending with an exponential backoff lease (§4.F fixed
// backoff: min(leaseTTL * 2^(attempts-1), maxBackoff)) and the session stays
// working, since a pending-retry job is still active (models.Job.IsActive).
// Once attempts exhaust, the job is marked failed terminally and terminal
// reports true so the caller clears the session's working state.
func (s *Store) FailJob(ctx context.Context, jobID string, failErr string, leaseTTL, maxBackoff time.Duration) (terminal bool, sessionID string, err error) {
	err = s.WithTx(ctx, func(tx *sqlx.Tx) error {
		job, txErr := s.txGetJob(ctx, tx, jobID)
		if txErr != nil {
			return txErr
		}
		sessionID = job.SessionID
		now := time.Now().UTC()

		if job.Attempts < job.MaxAttempts {
			backoff := leaseTTL * time.Duration(1<<uint(job.Attempts-1))
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			retryAt := now.Add(backoff)
			_, txErr = tx.ExecContext(ctx, tx.Rebind(`
				UPDATE job_queue SET status = 'pending', lease_until = ?, error = ?, updated_at = ?
				WHERE id = ?
			`), retryAt, failErr, now, jobID)
			return txErr
		}

		terminal = true
		_, txErr = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE job_queue SET status = 'failed', lease_until = NULL, error = ?, updated_at = ?, completed_at = ?
			WHERE id = ?
		`), failErr, now, now, jobID)
		return txErr
	})
	return terminal, sessionID, err
}

// CancelSessionJobs marks every pending/processing job for sessionID as
// cancelled, returning how many were cancelled and whether any of them was
// currently processing. Used by cancelSession (§4.E) and deleteSession's
// precheck callers. Does not touch the session's working state; the Queue
// Service clears that through the Session Service when count > 0.
//
// hadProcessing matters to the caller: a cancelled processing job has a
// Worker Pool goroutine already driving it, which will observe the
// cancellation through its own HasActiveJob poll and publish session-done
// itself once the runner unwinds. A cancelled pending-only job has no such
// goroutine, so the caller must publish session-done on its own behalf.
func (s *Store) CancelSessionJobs(ctx context.Context, sessionID string) (count int, hadProcessing bool, err error) {
	err = s.WithTx(ctx, func(tx *sqlx.Tx) error {
		var processing int
		if err := tx.QueryRowContext(ctx, tx.Rebind(`
			SELECT COUNT(1) FROM job_queue WHERE session_id = ? AND status = 'processing'
		`), sessionID).Scan(&processing); err != nil {
			return err
		}
		hadProcessing = processing > 0

		now := time.Now().UTC()
		result, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE job_queue SET status = 'cancelled', lease_until = NULL, updated_at = ?, completed_at = ?
			WHERE session_id = ? AND status IN ('pending', 'processing')
		`), now, now, sessionID)
		if err != nil {
			return err
		}
		affected, _ := result.RowsAffected()
		count = int(affected)
		return nil
	})
	return count, hadProcessing, err
}

// PruneTerminalOlderThan deletes completed/failed/cancelled jobs whose
// completedAt predates the retention cutoff (§4.F pruneTerminalOlderThan),
// returning the number of rows removed.
func (s *Store) PruneTerminalOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.writer.ExecContext(ctx, s.writer.Rebind(`
		DELETE FROM job_queue
		WHERE status IN ('completed', 'failed', 'cancelled') AND completed_at < ?
	`), cutoff)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	return int(affected), err
}

func (s *Store) txGetJob(ctx context.Context, tx *sqlx.Tx, id string) (*models.Job, error) {
	row := tx.QueryRowContext(ctx, tx.Rebind(`SELECT `+jobColumns+` FROM job_queue WHERE id = ?`), id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NewNotFound("job %s not found", id)
	}
	return job, err
}
