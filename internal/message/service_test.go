package message

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/justbecauselabs/pokecode/internal/common/logger"
	"github.com/justbecauselabs/pokecode/internal/eventbus"
	"github.com/justbecauselabs/pokecode/internal/models"
	"github.com/justbecauselabs/pokecode/internal/queue"
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
	q := queue.New(st, bus, sessions, time.Minute)
	svc := New(st, bus, q, logger.Default(), true)

	sess := &models.Session{
		ID:             "sess-1",
		Provider:       models.ProviderClaudeCode,
		ProjectPath:    "/tmp/project",
		Name:           "project",
		State:          models.SessionStateActive,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
		LastAccessedAt: time.Now().UTC(),
		Metadata:       "{}",
	}
	if err := st.CreateSession(t.Context(), sess); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	return svc, st, sess
}

func TestService_SaveUserMessage(t *testing.T) {
	svc, _, sess := newTestFixture(t)

	msg, err := svc.SaveUserMessage(t.Context(), sess.ID, json.RawMessage(`"hello"`))
	if err != nil {
		t.Fatalf("SaveUserMessage() error = %v", err)
	}
	if msg.Type != models.MessageTypeUser {
		t.Errorf("Type = %s, want user", msg.Type)
	}
	if msg.Ordinal != 0 {
		t.Errorf("Ordinal = %d, want 0 for first message", msg.Ordinal)
	}
}

func TestService_SaveSDKMessage_AssignsSequentialOrdinals(t *testing.T) {
	svc, _, sess := newTestFixture(t)

	first, err := svc.SaveSDKMessage(t.Context(), sess.ID, json.RawMessage(`{"type":"system"}`), nil)
	if err != nil {
		t.Fatalf("SaveSDKMessage() first error = %v", err)
	}
	second, err := svc.SaveSDKMessage(t.Context(), sess.ID, json.RawMessage(`{"type":"system"}`), nil)
	if err != nil {
		t.Fatalf("SaveSDKMessage() second error = %v", err)
	}

	if first.Ordinal != 0 || second.Ordinal != 1 {
		t.Errorf("Ordinals = %d, %d, want 0, 1", first.Ordinal, second.Ordinal)
	}
}

func TestService_SaveSDKMessage_BackfillsProviderSessionIDOnce(t *testing.T) {
	svc, st, sess := newTestFixture(t)

	providerID := "provider-abc"
	if _, err := svc.SaveSDKMessage(t.Context(), sess.ID, json.RawMessage(`{"type":"system"}`), &providerID); err != nil {
		t.Fatalf("SaveSDKMessage() error = %v", err)
	}

	other := "provider-xyz"
	if _, err := svc.SaveSDKMessage(t.Context(), sess.ID, json.RawMessage(`{"type":"system"}`), &other); err != nil {
		t.Fatalf("SaveSDKMessage() second error = %v", err)
	}

	got, err := st.GetSession(t.Context(), sess.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.ProviderSessionID == nil || *got.ProviderSessionID != providerID {
		t.Errorf("ProviderSessionID = %v, want first-write-wins %q", got.ProviderSessionID, providerID)
	}
}

func TestService_SaveSystemNotice_PublishesMessageAppendedEvent(t *testing.T) {
	st, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("store.OpenMemory() error = %v", err)
	}
	defer func() { _ = st.Close() }()

	bus := eventbus.NewMemoryBus(logger.Default(), 16)
	defer bus.Close()

	var mu sync.Mutex
	var received *eventbus.Event
	done := make(chan struct{}, 1)
	_, err = bus.Subscribe("sess-2", func(_ context.Context, ev *eventbus.Event) error {
		mu.Lock()
		received = ev
		mu.Unlock()
		done <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	sessions := session.New(st, logger.Default())
	q := queue.New(st, bus, sessions, time.Minute)
	svc := New(st, bus, q, logger.Default(), true)

	sess := &models.Session{
		ID: "sess-2", Provider: models.ProviderClaudeCode, ProjectPath: "/tmp", Name: "tmp",
		State: models.SessionStateActive, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
		LastAccessedAt: time.Now().UTC(), Metadata: "{}",
	}
	if err := st.CreateSession(t.Context(), sess); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	if _, err := svc.SaveSystemNotice(t.Context(), sess.ID, "cancelled"); err != nil {
		t.Fatalf("SaveSystemNotice() error = %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message-appended event")
	}

	mu.Lock()
	defer mu.Unlock()
	if received == nil || received.Type != MessageAppendedEvent {
		t.Fatalf("received event = %+v, want type %q", received, MessageAppendedEvent)
	}
	// The canonical message must ride along so a live subscriber never has
	// to re-fetch (§4.C payload = canonical Message).
	content, ok := received.Data["contentData"].(map[string]any)
	if !ok {
		t.Fatalf("received event Data[contentData] = %v (%T), want a decoded envelope object", received.Data["contentData"], received.Data["contentData"])
	}
	if content["type"] != "assistant" {
		t.Errorf("contentData[type] = %v, want %q", content["type"], "assistant")
	}
}

func TestService_GetMessages_CursorAndClamping(t *testing.T) {
	svc, _, sess := newTestFixture(t)

	var ids []string
	for i := 0; i < 3; i++ {
		msg, err := svc.SaveSDKMessage(t.Context(), sess.ID, json.RawMessage(`{"type":"system"}`), nil)
		if err != nil {
			t.Fatalf("SaveSDKMessage() iteration %d error = %v", i, err)
		}
		ids = append(ids, msg.ID)
	}

	page, err := svc.GetMessages(t.Context(), sess.ID, GetOptions{Limit: -1})
	if err != nil {
		t.Fatalf("GetMessages() error = %v", err)
	}
	if len(page.Messages) != 3 {
		t.Fatalf("GetMessages() returned %d messages, want 3", len(page.Messages))
	}
	if page.Session == nil || page.Session.ID != sess.ID {
		t.Errorf("Page.Session = %+v, want session %s", page.Session, sess.ID)
	}

	after := ids[0]
	next, err := svc.GetMessages(t.Context(), sess.ID, GetOptions{After: &after})
	if err != nil {
		t.Fatalf("GetMessages() with cursor error = %v", err)
	}
	if len(next.Messages) != 2 {
		t.Fatalf("GetMessages() after cursor returned %d messages, want 2", len(next.Messages))
	}
}

func TestService_GetRawMessages(t *testing.T) {
	svc, _, sess := newTestFixture(t)
	if _, err := svc.SaveSDKMessage(t.Context(), sess.ID, json.RawMessage(`{"type":"system","x":1}`), nil); err != nil {
		t.Fatalf("SaveSDKMessage() error = %v", err)
	}

	raw, err := svc.GetRawMessages(t.Context(), sess.ID)
	if err != nil {
		t.Fatalf("GetRawMessages() error = %v", err)
	}
	if len(raw) != 1 {
		t.Fatalf("GetRawMessages() returned %d envelopes, want 1", len(raw))
	}
}

func TestService_CancelSession_DelegatesToQueue(t *testing.T) {
	svc, st, sess := newTestFixture(t)

	job := &models.Job{SessionID: sess.ID, PromptID: "p1", Provider: models.ProviderClaudeCode, MaxAttempts: 1, Data: "{}"}
	if _, err := st.EnqueueJob(t.Context(), job); err != nil {
		t.Fatalf("EnqueueJob() error = %v", err)
	}

	if err := svc.CancelSession(t.Context(), sess.ID); err != nil {
		t.Fatalf("CancelSession() error = %v", err)
	}

	got, err := st.GetJob(t.Context(), job.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.Status != models.JobStatusCancelled {
		t.Errorf("Status = %s, want cancelled", got.Status)
	}
}
