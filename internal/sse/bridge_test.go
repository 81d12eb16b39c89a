package sse

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/justbecauselabs/pokecode/internal/common/logger"
	"github.com/justbecauselabs/pokecode/internal/eventbus"
	"github.com/justbecauselabs/pokecode/internal/message"
	"github.com/justbecauselabs/pokecode/internal/models"
	"github.com/justbecauselabs/pokecode/internal/queue"
	"github.com/justbecauselabs/pokecode/internal/session"
	"github.com/justbecauselabs/pokecode/internal/store"
)

func newBridgeFixture(t *testing.T) (*Bridge, eventbus.Bus, *message.Service, *models.Session) {
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
	messages := message.New(st, bus, q, logger.Default(), true)
	bridge := New(bus, sessions, messages, logger.Default(), 16)

	sess, err := sessions.CreateSession(t.Context(), t.TempDir(), models.ProviderClaudeCode)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	return bridge, bus, messages, sess
}

func TestBridge_Stream_EmitsHelloAndCatchup(t *testing.T) {
	bridge, _, messages, sess := newBridgeFixture(t)

	if _, err := messages.SaveSDKMessage(t.Context(), sess.ID, json.RawMessage(`{"type":"system"}`), nil); err != nil {
		t.Fatalf("SaveSDKMessage() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()

	rec := httptest.NewRecorder()
	err := bridge.Stream(ctx, rec, sess.ID)
	if err != context.DeadlineExceeded {
		t.Fatalf("Stream() error = %v, want context.DeadlineExceeded", err)
	}

	body := rec.Body.String()
	if !strings.Contains(body, "event: hello") {
		t.Errorf("body missing hello event: %s", body)
	}
	if !strings.Contains(body, "event: message") {
		t.Errorf("body missing catchup message event: %s", body)
	}
}

func TestBridge_Stream_UnknownSessionErrors(t *testing.T) {
	bridge, _, _, _ := newBridgeFixture(t)

	rec := httptest.NewRecorder()
	err := bridge.Stream(t.Context(), rec, "missing-session")
	if err == nil {
		t.Fatal("Stream() error = nil, want not-found")
	}
}

func TestBridge_Stream_TerminatesOnSessionDone(t *testing.T) {
	bridge, bus, _, sess := newBridgeFixture(t)

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	rec := httptest.NewRecorder()
	go func() {
		done <- bridge.Stream(ctx, rec, sess.ID)
	}()

	// Give Stream time to subscribe before publishing session-done.
	time.Sleep(50 * time.Millisecond)
	if err := bus.Publish(t.Context(), sess.ID, eventbus.NewEvent("session-done", "test", map[string]any{"status": "completed"})); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Stream() error = %v, want nil after session-done", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Stream to return")
	}

	if !strings.Contains(rec.Body.String(), "event: done") {
		t.Errorf("body missing terminal done event: %s", rec.Body.String())
	}
}
