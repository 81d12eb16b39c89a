package session

import (
	"testing"
	"time"

	"github.com/justbecauselabs/pokecode/internal/apperr"
	"github.com/justbecauselabs/pokecode/internal/common/logger"
	"github.com/justbecauselabs/pokecode/internal/models"
	"github.com/justbecauselabs/pokecode/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	st, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("store.OpenMemory() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(st, logger.Default())
}

func TestService_CreateSession_RejectsRelativePath(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.CreateSession(t.Context(), "relative/path", models.ProviderClaudeCode)
	if _, ok := err.(*apperr.ValidationError); !ok {
		t.Fatalf("CreateSession() error = %v, want *apperr.ValidationError", err)
	}
}

func TestService_CreateSession_RejectsMissingDirectory(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.CreateSession(t.Context(), "/definitely/does/not/exist/xyz", models.ProviderClaudeCode)
	if _, ok := err.(*apperr.ValidationError); !ok {
		t.Fatalf("CreateSession() error = %v, want *apperr.ValidationError", err)
	}
}

func TestService_CreateSession_Success(t *testing.T) {
	svc := newTestService(t)
	dir := t.TempDir()

	sess, err := svc.CreateSession(t.Context(), dir, models.ProviderClaudeCode)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if sess.State != models.SessionStateActive {
		t.Errorf("State = %s, want active", sess.State)
	}
	if sess.Metadata != "{}" {
		t.Errorf("Metadata = %q, want %q", sess.Metadata, "{}")
	}
	if sess.MessageCount != 0 || sess.TokenCount != 0 {
		t.Errorf("counters = %d/%d, want zeroed", sess.MessageCount, sess.TokenCount)
	}

	got, err := svc.GetSession(t.Context(), sess.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.ID != sess.ID {
		t.Errorf("GetSession() = %+v, want id %s", got, sess.ID)
	}
}

func TestService_ListSessions_ClampsLimit(t *testing.T) {
	svc := newTestService(t)

	result, err := svc.ListSessions(t.Context(), ListOptions{Limit: 0})
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if result.Limit != 20 {
		t.Errorf("Limit = %d, want default 20", result.Limit)
	}

	result, err = svc.ListSessions(t.Context(), ListOptions{Limit: 1000})
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if result.Limit != 100 {
		t.Errorf("Limit = %d, want clamped to 100", result.Limit)
	}

	result, err = svc.ListSessions(t.Context(), ListOptions{Offset: -5})
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if result.Offset != 0 {
		t.Errorf("Offset = %d, want floored to 0", result.Offset)
	}
}

func TestService_DeleteSession_SucceedsWithoutActiveJob(t *testing.T) {
	svc := newTestService(t)
	dir := t.TempDir()
	sess, err := svc.CreateSession(t.Context(), dir, models.ProviderClaudeCode)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	active, err := svc.HasActiveJob(t.Context(), sess.ID)
	if err != nil {
		t.Fatalf("HasActiveJob() error = %v", err)
	}
	if active {
		t.Fatalf("HasActiveJob() = true for a freshly created session")
	}

	if err := svc.DeleteSession(t.Context(), sess.ID); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	if _, err := svc.GetSession(t.Context(), sess.ID); err == nil {
		t.Errorf("GetSession() after delete = nil error, want not-found")
	}
}

func TestService_CheckDerivedState_TransitionsToInactiveAfterIdle(t *testing.T) {
	svc := newTestService(t)
	dir := t.TempDir()
	sess, err := svc.CreateSession(t.Context(), dir, models.ProviderClaudeCode)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	sess.LastAccessedAt = time.Now().UTC().Add(-time.Hour)

	if err := svc.CheckDerivedState(t.Context(), sess, 60); err != nil {
		t.Fatalf("CheckDerivedState() error = %v", err)
	}

	got, err := svc.GetSession(t.Context(), sess.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.State != models.SessionStateInactive {
		t.Errorf("State = %s, want inactive", got.State)
	}
}

func TestService_SelfCheck_RepairsMessageCountDiscrepancy(t *testing.T) {
	svc := newTestService(t)
	dir := t.TempDir()
	sess, err := svc.CreateSession(t.Context(), dir, models.ProviderClaudeCode)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	// Corrupt the counter directly, bypassing the Message Service's
	// same-transaction increment, to simulate the drift the self-check
	// exists to repair.
	if _, err := svc.store.Writer().Exec(`UPDATE sessions SET message_count = 42 WHERE id = ?`, sess.ID); err != nil {
		t.Fatalf("corrupt message_count: %v", err)
	}

	svc.SelfCheck(t.Context(), 3600)

	got, err := svc.GetSession(t.Context(), sess.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.MessageCount != 0 {
		t.Errorf("MessageCount = %d after SelfCheck, want 0 (repaired to actual row count)", got.MessageCount)
	}
}

func TestService_CheckDerivedState_StaysActiveWhileRecent(t *testing.T) {
	svc := newTestService(t)
	dir := t.TempDir()
	sess, err := svc.CreateSession(t.Context(), dir, models.ProviderClaudeCode)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	if err := svc.CheckDerivedState(t.Context(), sess, 3600); err != nil {
		t.Fatalf("CheckDerivedState() error = %v", err)
	}

	got, err := svc.GetSession(t.Context(), sess.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.State != models.SessionStateActive {
		t.Errorf("State = %s, want still active", got.State)
	}
}
