package queue

import (
	"context"
	"testing"
	"time"

	"github.com/justbecauselabs/pokecode/internal/apperr"
	"github.com/justbecauselabs/pokecode/internal/common/logger"
	"github.com/justbecauselabs/pokecode/internal/eventbus"
	"github.com/justbecauselabs/pokecode/internal/models"
	"github.com/justbecauselabs/pokecode/internal/session"
	"github.com/justbecauselabs/pokecode/internal/store"
)

func newTestFixture(t *testing.T) (*Service, *store.Store, *models.Session) {
	t.Helper()
	st, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("store.OpenMemory() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	bus := eventbus.NewMemoryBus(logger.Default(), 16)
	t.Cleanup(bus.Close)

	sessions := session.New(st, logger.Default())
	svc := New(st, bus, sessions, time.Minute)

	sess := &models.Session{
		ID: "sess-1", Provider: models.ProviderClaudeCode, ProjectPath: "/tmp", Name: "tmp",
		State: models.SessionStateActive, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
		LastAccessedAt: time.Now().UTC(), Metadata: "{}",
	}
	if err := st.CreateSession(t.Context(), sess); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	return svc, st, sess
}

func TestService_Enqueue_RejectsSecondActiveJob(t *testing.T) {
	svc, _, sess := newTestFixture(t)
	data := models.JobData{ProjectPath: "/tmp", Prompt: "hi"}

	if _, err := svc.Enqueue(t.Context(), sess.ID, "p1", models.ProviderClaudeCode, data, 1); err != nil {
		t.Fatalf("first Enqueue() error = %v", err)
	}
	_, err := svc.Enqueue(t.Context(), sess.ID, "p2", models.ProviderClaudeCode, data, 1)
	if _, ok := err.(*apperr.ConflictError); !ok {
		t.Fatalf("second Enqueue() error = %v, want *apperr.ConflictError", err)
	}
}

func TestService_GetNextJob_LeasesOldestPending(t *testing.T) {
	svc, _, sess := newTestFixture(t)
	data := models.JobData{ProjectPath: "/tmp", Prompt: "hi"}

	job, err := svc.Enqueue(t.Context(), sess.ID, "p1", models.ProviderClaudeCode, data, 1)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	leased, err := svc.GetNextJob(t.Context())
	if err != nil {
		t.Fatalf("GetNextJob() error = %v", err)
	}
	if leased == nil || leased.ID != job.ID {
		t.Fatalf("GetNextJob() = %+v, want job %s", leased, job.ID)
	}

	none, err := svc.GetNextJob(t.Context())
	if err != nil {
		t.Fatalf("GetNextJob() second call error = %v", err)
	}
	if none != nil {
		t.Errorf("GetNextJob() second call = %+v, want nil", none)
	}
}

func TestService_MarkJobCompleted(t *testing.T) {
	svc, st, sess := newTestFixture(t)
	data := models.JobData{ProjectPath: "/tmp", Prompt: "hi"}
	job, err := svc.Enqueue(t.Context(), sess.ID, "p1", models.ProviderClaudeCode, data, 1)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, err := svc.GetNextJob(t.Context()); err != nil {
		t.Fatalf("GetNextJob() error = %v", err)
	}

	if err := svc.MarkJobCompleted(t.Context(), job.ID); err != nil {
		t.Fatalf("MarkJobCompleted() error = %v", err)
	}

	got, err := st.GetJob(t.Context(), job.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.Status != models.JobStatusCompleted {
		t.Errorf("Status = %s, want completed", got.Status)
	}
}

func TestService_MarkJobFailed_FailsWhenAttemptsExhausted(t *testing.T) {
	svc, st, sess := newTestFixture(t)
	data := models.JobData{ProjectPath: "/tmp", Prompt: "hi"}
	job, err := svc.Enqueue(t.Context(), sess.ID, "p1", models.ProviderClaudeCode, data, 1)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, err := svc.GetNextJob(t.Context()); err != nil {
		t.Fatalf("GetNextJob() error = %v", err)
	}

	if err := svc.MarkJobFailed(t.Context(), job.ID, context.DeadlineExceeded); err != nil {
		t.Fatalf("MarkJobFailed() error = %v", err)
	}

	got, err := st.GetJob(t.Context(), job.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.Status != models.JobStatusFailed {
		t.Fatalf("Status = %s, want failed (maxAttempts=1 exhausted)", got.Status)
	}
	if got.Error == nil || *got.Error != context.DeadlineExceeded.Error() {
		t.Errorf("Error = %v, want %q", got.Error, context.DeadlineExceeded.Error())
	}
}

func TestService_CancelSessionJobs_PublishesSessionDoneForPendingOnlyJob(t *testing.T) {
	svc, _, sess := newTestFixture(t)
	data := models.JobData{ProjectPath: "/tmp", Prompt: "hi"}
	if _, err := svc.Enqueue(t.Context(), sess.ID, "p1", models.ProviderClaudeCode, data, 1); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	received := make(chan *eventbus.Event, 1)
	sub, err := svc.bus.Subscribe(sess.ID, func(_ context.Context, event *eventbus.Event) error {
		if event.Type == "session-done" {
			received <- event
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	// A job that never reached processing has no Worker Pool goroutine
	// driving it, so CancelSessionJobs must publish session-done itself
	// rather than leaving it to a Worker that will never run.
	if err := svc.CancelSessionJobs(t.Context(), sess.ID); err != nil {
		t.Fatalf("CancelSessionJobs() error = %v", err)
	}

	select {
	case event := <-received:
		if status, _ := event.Data["status"].(string); status != "cancelled" {
			t.Errorf("session-done status = %v, want cancelled", event.Data["status"])
		}
	case <-time.After(time.Second):
		t.Fatal("did not receive session-done after cancelling a pending-only job")
	}

	has, err := svc.store.HasActiveJob(t.Context(), sess.ID)
	if err != nil {
		t.Fatalf("HasActiveJob() error = %v", err)
	}
	if has {
		t.Errorf("HasActiveJob() = true after cancelling all jobs")
	}
}

func TestService_CancelSessionJobs_LeavesSessionDoneToWorkerWhenProcessing(t *testing.T) {
	svc, st, sess := newTestFixture(t)
	data := models.JobData{ProjectPath: "/tmp", Prompt: "hi"}
	if _, err := svc.Enqueue(t.Context(), sess.ID, "p1", models.ProviderClaudeCode, data, 1); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, err := st.LeaseNextJob(t.Context(), time.Minute); err != nil {
		t.Fatalf("LeaseNextJob() error = %v", err)
	}

	received := make(chan *eventbus.Event, 1)
	sub, err := svc.bus.Subscribe(sess.ID, func(_ context.Context, event *eventbus.Event) error {
		if event.Type == "session-done" {
			received <- event
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	if err := svc.CancelSessionJobs(t.Context(), sess.ID); err != nil {
		t.Fatalf("CancelSessionJobs() error = %v", err)
	}

	select {
	case event := <-received:
		t.Fatalf("unexpected session-done published for a processing job cancel: %+v", event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestService_PublishEvent_NoopWithoutBus(t *testing.T) {
	st, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("store.OpenMemory() error = %v", err)
	}
	defer func() { _ = st.Close() }()

	svc := New(st, nil, session.New(st, logger.Default()), time.Minute)
	if err := svc.PublishEvent(t.Context(), "sess-1", "p1", "job-started", nil); err != nil {
		t.Errorf("PublishEvent() with nil bus error = %v, want nil", err)
	}
}

func TestService_PruneTerminalOlderThan(t *testing.T) {
	svc, st, sess := newTestFixture(t)
	data := models.JobData{ProjectPath: "/tmp", Prompt: "hi"}
	job, err := svc.Enqueue(t.Context(), sess.ID, "p1", models.ProviderClaudeCode, data, 1)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, err := svc.GetNextJob(t.Context()); err != nil {
		t.Fatalf("GetNextJob() error = %v", err)
	}
	if err := svc.MarkJobCompleted(t.Context(), job.ID); err != nil {
		t.Fatalf("MarkJobCompleted() error = %v", err)
	}

	removed, err := svc.PruneTerminalOlderThan(t.Context(), -time.Hour)
	if err != nil {
		t.Fatalf("PruneTerminalOlderThan() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("PruneTerminalOlderThan() removed = %d, want 1", removed)
	}
	if _, err := st.GetJob(t.Context(), job.ID); err == nil {
		t.Errorf("GetJob() after prune = nil error, want not-found")
	}
}
