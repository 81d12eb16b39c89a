package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/justbecauselabs/pokecode/internal/common/logger"
	"github.com/justbecauselabs/pokecode/internal/eventbus"
	"github.com/justbecauselabs/pokecode/internal/message"
	"github.com/justbecauselabs/pokecode/internal/models"
	"github.com/justbecauselabs/pokecode/internal/queue"
	"github.com/justbecauselabs/pokecode/internal/runner"
	"github.com/justbecauselabs/pokecode/internal/session"
	"github.com/justbecauselabs/pokecode/internal/store"
)

// fakeRunner is a scriptable runner.Runner: Execute replays a fixed item
// sequence and returns execErr, optionally blocking until released so tests
// can exercise the cancellation checker and Abort.
type fakeRunner struct {
	provider models.Provider
	items    []runner.Item
	execErr  error
	block    chan struct{}

	mu        sync.Mutex
	aborted   bool
	abortErr  error
}

func (f *fakeRunner) Execute(ctx context.Context, _ runner.Request, items chan<- runner.Item) error {
	for _, item := range f.items {
		items <- item
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
		}
	}
	return f.execErr
}

func (f *fakeRunner) Abort() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = true
	if f.block != nil {
		close(f.block)
		f.block = nil
	}
	return f.abortErr
}

func (f *fakeRunner) Provider() models.Provider { return f.provider }

func (f *fakeRunner) wasAborted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aborted
}

type testFixture struct {
	store    *store.Store
	sessions *session.Service
	messages *message.Service
	queue    *queue.Service
	bus      eventbus.Bus
}

func newPoolFixture(t *testing.T) *testFixture {
	t.Helper()
	st, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("store.OpenMemory() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	bus := eventbus.NewMemoryBus(logger.Default(), 16)
	t.Cleanup(bus.Close)

	sessions := session.New(st, logger.Default())
	q := queue.New(st, bus, sessions, time.Minute)
	return &testFixture{
		store:    st,
		sessions: sessions,
		messages: message.New(st, bus, q, logger.Default(), true),
		queue:    q,
		bus:      bus,
	}
}

func (f *testFixture) createSession(t *testing.T, dir string) *models.Session {
	t.Helper()
	sess, err := f.sessions.CreateSession(t.Context(), dir, models.ProviderClaudeCode)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	return sess
}

func TestPool_RunJob_CompletesSuccessfully(t *testing.T) {
	fx := newPoolFixture(t)
	dir := t.TempDir()
	sess := fx.createSession(t, dir)

	data := models.JobData{ProjectPath: dir, Prompt: "hi"}
	job, err := fx.queue.Enqueue(t.Context(), sess.ID, "p1", models.ProviderClaudeCode, data, 1)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	leased, err := fx.queue.GetNextJob(t.Context())
	if err != nil || leased == nil {
		t.Fatalf("GetNextJob() = %v, %v", leased, err)
	}

	fr := &fakeRunner{provider: models.ProviderClaudeCode, items: []runner.Item{
		{Raw: json.RawMessage(`{"type":"system"}`)},
	}}
	factory := func(models.Provider) (runner.Runner, error) { return fr, nil }

	pool := New(fx.queue, fx.messages, fx.sessions, factory, logger.Default(), Config{
		Concurrency: 1, PollingInterval: time.Hour, GracefulShutdown: time.Second,
	})

	pool.runJob(t.Context(), leased)

	got, err := fx.store.GetJob(t.Context(), job.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.Status != models.JobStatusCompleted {
		t.Errorf("Status = %s, want completed", got.Status)
	}

	raw, err := fx.messages.GetRawMessages(t.Context(), sess.ID)
	if err != nil {
		t.Fatalf("GetRawMessages() error = %v", err)
	}
	if len(raw) != 1 {
		t.Errorf("GetRawMessages() = %d messages, want 1 streamed item persisted", len(raw))
	}
}

func TestPool_RunJob_MarksFailedOnRunnerError(t *testing.T) {
	fx := newPoolFixture(t)
	dir := t.TempDir()
	sess := fx.createSession(t, dir)

	data := models.JobData{ProjectPath: dir, Prompt: "hi"}
	job, err := fx.queue.Enqueue(t.Context(), sess.ID, "p1", models.ProviderClaudeCode, data, 1)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	leased, err := fx.queue.GetNextJob(t.Context())
	if err != nil || leased == nil {
		t.Fatalf("GetNextJob() = %v, %v", leased, err)
	}

	fr := &fakeRunner{provider: models.ProviderClaudeCode, execErr: context.DeadlineExceeded}
	factory := func(models.Provider) (runner.Runner, error) { return fr, nil }

	pool := New(fx.queue, fx.messages, fx.sessions, factory, logger.Default(), Config{
		Concurrency: 1, PollingInterval: time.Hour, GracefulShutdown: time.Second,
	})

	pool.runJob(t.Context(), leased)

	got, err := fx.store.GetJob(t.Context(), job.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.Status != models.JobStatusFailed {
		t.Errorf("Status = %s, want failed", got.Status)
	}
}

func TestPool_RunJob_CancellationAbortsRunner(t *testing.T) {
	fx := newPoolFixture(t)
	dir := t.TempDir()
	sess := fx.createSession(t, dir)

	data := models.JobData{ProjectPath: dir, Prompt: "hi"}
	if _, err := fx.queue.Enqueue(t.Context(), sess.ID, "p1", models.ProviderClaudeCode, data, 1); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	leased, err := fx.queue.GetNextJob(t.Context())
	if err != nil || leased == nil {
		t.Fatalf("GetNextJob() = %v, %v", leased, err)
	}

	fr := &fakeRunner{provider: models.ProviderClaudeCode, block: make(chan struct{})}
	factory := func(models.Provider) (runner.Runner, error) { return fr, nil }

	pool := New(fx.queue, fx.messages, fx.sessions, factory, logger.Default(), Config{
		Concurrency: 1, PollingInterval: time.Hour, GracefulShutdown: time.Second,
	})

	sessionDone := make(chan *eventbus.Event, 1)
	sub, err := fx.bus.Subscribe(sess.ID, func(_ context.Context, event *eventbus.Event) error {
		if event.Type == "session-done" {
			sessionDone <- event
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	runDone := make(chan struct{})
	go func() {
		pool.runJob(t.Context(), leased)
		close(runDone)
	}()

	// Give runJob time to register the runner and start the cancellation
	// checker before cancelling the session's job.
	time.Sleep(50 * time.Millisecond)
	if err := fx.queue.CancelSessionJobs(t.Context(), sess.ID); err != nil {
		t.Fatalf("CancelSessionJobs() error = %v", err)
	}

	select {
	case <-runDone:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for runJob to unwind after cancellation")
	}

	if !fr.wasAborted() {
		t.Errorf("fakeRunner.Abort() was not called after session cancellation")
	}

	// §8 property 6 / §7: a cancelled-mid-flight job must still publish a
	// terminal session-done so the SSE Bridge closes the stream.
	select {
	case event := <-sessionDone:
		if status, _ := event.Data["status"].(string); status != "cancelled" {
			t.Errorf("session-done status = %v, want cancelled", event.Data["status"])
		}
	case <-time.After(time.Second):
		t.Fatal("did not receive session-done after runJob unwound from cancellation")
	}
}
