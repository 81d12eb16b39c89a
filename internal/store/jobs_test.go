package store

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/justbecauselabs/pokecode/internal/apperr"
	"github.com/justbecauselabs/pokecode/internal/models"
)

func newTestJob(sessionID string, maxAttempts int) *models.Job {
	return &models.Job{
		SessionID:   sessionID,
		PromptID:    uuid.NewString(),
		Provider:    models.ProviderClaudeCode,
		MaxAttempts: maxAttempts,
		Data:        `{"projectPath":"/tmp/project","prompt":"hi"}`,
	}
}

func TestStore_EnqueueJob_RejectsSecondActiveJob(t *testing.T) {
	st := newTestStore(t)
	sess := newTestSession(models.ProviderClaudeCode)
	if err := st.CreateSession(t.Context(), sess); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	if _, err := st.EnqueueJob(t.Context(), newTestJob(sess.ID, 1)); err != nil {
		t.Fatalf("first EnqueueJob() error = %v", err)
	}
	_, err := st.EnqueueJob(t.Context(), newTestJob(sess.ID, 1))
	if _, ok := err.(*apperr.ConflictError); !ok {
		t.Fatalf("second EnqueueJob() error = %v, want *apperr.ConflictError", err)
	}
}

func TestStore_LeaseNextJob_ClaimsOldestPending(t *testing.T) {
	st := newTestStore(t)
	sess := newTestSession(models.ProviderClaudeCode)
	if err := st.CreateSession(t.Context(), sess); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	job, err := st.EnqueueJob(t.Context(), newTestJob(sess.ID, 1))
	if err != nil {
		t.Fatalf("EnqueueJob() error = %v", err)
	}

	leased, err := st.LeaseNextJob(t.Context(), time.Minute)
	if err != nil {
		t.Fatalf("LeaseNextJob() error = %v", err)
	}
	if leased == nil || leased.ID != job.ID {
		t.Fatalf("LeaseNextJob() = %+v, want job %s", leased, job.ID)
	}
	if leased.Status != models.JobStatusProcessing || leased.Attempts != 1 {
		t.Errorf("LeaseNextJob() status/attempts = %s/%d, want processing/1", leased.Status, leased.Attempts)
	}

	// The store lease leaves the session's working-state fields alone; the
	// Queue Service marks the session working through the Session Service.
	sessAfter, err := st.GetSession(t.Context(), sess.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if sessAfter.IsWorking || sessAfter.CurrentJobID != nil {
		t.Errorf("session working state = %+v, want untouched by the store lease of job %s", sessAfter, job.ID)
	}

	none, err := st.LeaseNextJob(t.Context(), time.Minute)
	if err != nil {
		t.Fatalf("LeaseNextJob() second call error = %v", err)
	}
	if none != nil {
		t.Errorf("LeaseNextJob() second call = %+v, want nil (no pending jobs left)", none)
	}
}

func TestStore_LeaseNextJob_ReclaimsExpiredLease(t *testing.T) {
	st := newTestStore(t)
	sess := newTestSession(models.ProviderClaudeCode)
	if err := st.CreateSession(t.Context(), sess); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	job, err := st.EnqueueJob(t.Context(), newTestJob(sess.ID, 1))
	if err != nil {
		t.Fatalf("EnqueueJob() error = %v", err)
	}
	if _, err := st.LeaseNextJob(t.Context(), -time.Second); err != nil {
		t.Fatalf("initial LeaseNextJob() error = %v", err)
	}

	reclaimed, err := st.LeaseNextJob(t.Context(), time.Minute)
	if err != nil {
		t.Fatalf("LeaseNextJob() reclaim error = %v", err)
	}
	if reclaimed == nil || reclaimed.ID != job.ID {
		t.Fatalf("LeaseNextJob() reclaim = %+v, want job %s", reclaimed, job.ID)
	}
	if reclaimed.Attempts != 2 {
		t.Errorf("reclaimed Attempts = %d, want 2", reclaimed.Attempts)
	}
}

func TestStore_CompleteJob_ReturnsSessionIDAndLeavesSessionState(t *testing.T) {
	st := newTestStore(t)
	sess := newTestSession(models.ProviderClaudeCode)
	if err := st.CreateSession(t.Context(), sess); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	job, err := st.EnqueueJob(t.Context(), newTestJob(sess.ID, 1))
	if err != nil {
		t.Fatalf("EnqueueJob() error = %v", err)
	}
	if _, err := st.LeaseNextJob(t.Context(), time.Minute); err != nil {
		t.Fatalf("LeaseNextJob() error = %v", err)
	}

	sessionID, err := st.CompleteJob(t.Context(), job.ID)
	if err != nil {
		t.Fatalf("CompleteJob() error = %v", err)
	}
	if sessionID != sess.ID {
		t.Errorf("CompleteJob() sessionID = %q, want %q", sessionID, sess.ID)
	}

	got, err := st.GetJob(t.Context(), job.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.Status != models.JobStatusCompleted {
		t.Errorf("Status = %s, want completed", got.Status)
	}

	// Clearing working state and recording lastJobStatus is the Session
	// Service's job, driven by the Queue Service with the returned sessionID.
	sessAfter, err := st.GetSession(t.Context(), sess.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if sessAfter.IsWorking || sessAfter.CurrentJobID != nil {
		t.Errorf("session working state = %+v, want untouched (never marked working)", sessAfter)
	}
	if sessAfter.LastJobStatus != nil {
		t.Errorf("LastJobStatus = %v, want nil (left to the Session Service)", *sessAfter.LastJobStatus)
	}

	// Terminal states are absorbing (§4.F): a second complete must reject.
	if _, err := st.CompleteJob(t.Context(), job.ID); err == nil {
		t.Fatalf("CompleteJob() on an already-completed job = nil error, want a conflict")
	} else if _, ok := err.(*apperr.ConflictError); !ok {
		t.Errorf("CompleteJob() on an already-completed job error = %v (%T), want *apperr.ConflictError", err, err)
	}
}

func TestStore_FailJob_RetriesUntilMaxAttempts(t *testing.T) {
	st := newTestStore(t)
	sess := newTestSession(models.ProviderClaudeCode)
	if err := st.CreateSession(t.Context(), sess); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	job, err := st.EnqueueJob(t.Context(), newTestJob(sess.ID, 2))
	if err != nil {
		t.Fatalf("EnqueueJob() error = %v", err)
	}

	if _, err := st.LeaseNextJob(t.Context(), time.Minute); err != nil {
		t.Fatalf("LeaseNextJob() error = %v", err)
	}
	backoff := 20 * time.Millisecond
	if _, _, err := st.FailJob(t.Context(), job.ID, "boom", backoff, time.Hour); err != nil {
		t.Fatalf("FailJob() first attempt error = %v", err)
	}

	afterFirst, err := st.GetJob(t.Context(), job.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if afterFirst.Status != models.JobStatusPending {
		t.Fatalf("Status after first failure = %s, want pending (attempts %d < max %d)", afterFirst.Status, afterFirst.Attempts, afterFirst.MaxAttempts)
	}

	// The retry backoff must actually be honored: a lease attempt before it
	// elapses finds nothing, even though the job is pending.
	tooSoon, err := st.LeaseNextJob(t.Context(), time.Minute)
	if err != nil {
		t.Fatalf("LeaseNextJob() before backoff elapsed error = %v", err)
	}
	if tooSoon != nil {
		t.Fatalf("LeaseNextJob() before backoff elapsed = %+v, want nil", tooSoon)
	}

	time.Sleep(backoff + 10*time.Millisecond)

	if _, err := st.LeaseNextJob(t.Context(), time.Minute); err != nil {
		t.Fatalf("LeaseNextJob() second lease error = %v", err)
	}
	if _, _, err := st.FailJob(t.Context(), job.ID, "boom again", backoff, time.Hour); err != nil {
		t.Fatalf("FailJob() second attempt error = %v", err)
	}

	afterSecond, err := st.GetJob(t.Context(), job.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if afterSecond.Status != models.JobStatusFailed {
		t.Errorf("Status after exhausting attempts = %s, want failed", afterSecond.Status)
	}
	if afterSecond.Error == nil || *afterSecond.Error != "boom again" {
		t.Errorf("Error = %v, want %q", afterSecond.Error, "boom again")
	}
}

func TestStore_CancelSessionJobs(t *testing.T) {
	st := newTestStore(t)
	sess := newTestSession(models.ProviderClaudeCode)
	if err := st.CreateSession(t.Context(), sess); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	job, err := st.EnqueueJob(t.Context(), newTestJob(sess.ID, 1))
	if err != nil {
		t.Fatalf("EnqueueJob() error = %v", err)
	}

	count, hadProcessing, err := st.CancelSessionJobs(t.Context(), sess.ID)
	if err != nil {
		t.Fatalf("CancelSessionJobs() error = %v", err)
	}
	if count != 1 {
		t.Errorf("CancelSessionJobs() count = %d, want 1", count)
	}
	if hadProcessing {
		t.Errorf("CancelSessionJobs() hadProcessing = true, want false for a pending-only job")
	}

	got, err := st.GetJob(t.Context(), job.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.Status != models.JobStatusCancelled {
		t.Errorf("Status = %s, want cancelled", got.Status)
	}
}

func TestStore_PruneTerminalOlderThan(t *testing.T) {
	st := newTestStore(t)
	sess := newTestSession(models.ProviderClaudeCode)
	if err := st.CreateSession(t.Context(), sess); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	job, err := st.EnqueueJob(t.Context(), newTestJob(sess.ID, 1))
	if err != nil {
		t.Fatalf("EnqueueJob() error = %v", err)
	}
	if _, err := st.LeaseNextJob(t.Context(), time.Minute); err != nil {
		t.Fatalf("LeaseNextJob() error = %v", err)
	}
	if _, err := st.CompleteJob(t.Context(), job.ID); err != nil {
		t.Fatalf("CompleteJob() error = %v", err)
	}

	removed, err := st.PruneTerminalOlderThan(t.Context(), time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("PruneTerminalOlderThan() error = %v", err)
	}
	if removed != 0 {
		t.Fatalf("PruneTerminalOlderThan() with future cutoff removed %d, want 0", removed)
	}

	removed, err = st.PruneTerminalOlderThan(t.Context(), time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("PruneTerminalOlderThan() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("PruneTerminalOlderThan() removed = %d, want 1", removed)
	}
}
