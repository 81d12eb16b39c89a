// Package session implements the Session Service (§4.D): lifecycle and
// derived working-state of sessions, and the sole writer of a session's
// working-state fields.
package session

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/justbecauselabs/pokecode/internal/apperr"
	"github.com/justbecauselabs/pokecode/internal/common/logger"
	"github.com/justbecauselabs/pokecode/internal/models"
	"github.com/justbecauselabs/pokecode/internal/store"
)

// Service is the Session Service surface the HTTP adapter and Queue Service
// depend on.
type Service struct {
	store *store.Store
	log   *logger.Logger
}

// New constructs a Service over store.
func New(st *store.Store, log *logger.Logger) *Service {
	return &Service{store: st, log: log.WithFields(zap.String("component", "session-service"))}
}

// CreateSession validates projectPath and inserts a fresh active session
// with zeroed counters (§4.D createSession).
func (s *Service) CreateSession(ctx context.Context, projectPath string, provider models.Provider) (*models.Session, error) {
	if !filepath.IsAbs(projectPath) {
		return nil, apperr.NewValidation("projectPath must be an absolute path, got %q", projectPath)
	}
	info, err := os.Stat(projectPath)
	if err != nil || !info.IsDir() {
		return nil, apperr.NewValidation("projectPath %q does not exist", projectPath)
	}

	now := time.Now().UTC()
	sess := &models.Session{
		ID:             uuid.NewString(),
		Provider:       provider,
		ProjectPath:    projectPath,
		Name:           filepath.Base(filepath.Clean(projectPath)),
		State:          models.SessionStateActive,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastAccessedAt: now,
		Context:        "",
		Metadata:       "{}",
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// GetSession returns a session by id.
func (s *Service) GetSession(ctx context.Context, id string) (*models.Session, error) {
	return s.store.GetSession(ctx, id)
}

// ListOptions mirrors listSessions's filter/pagination parameters.
type ListOptions struct {
	State  *models.SessionState
	Limit  int
	Offset int
}

// ListResult is the paginated envelope listSessions returns.
type ListResult struct {
	Sessions []*models.Session
	Total    int
	Limit    int
	Offset   int
}

// ListSessions returns sessions ordered by lastMessageSentAt desc (nulls
// last), updatedAt desc, clamping limit to [1,100] and defaulting to 20.
func (s *Service) ListSessions(ctx context.Context, opts ListOptions) (*ListResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	sessions, total, err := s.store.ListSessions(ctx, store.ListSessionsOptions{
		State:  opts.State,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return nil, err
	}
	return &ListResult{Sessions: sessions, Total: total, Limit: limit, Offset: offset}, nil
}

// Patch is the allowed field set for updateSession: context and metadata.
type Patch struct {
	Context  *string
	Metadata *string
}

// UpdateSession applies patch, touching updatedAt.
func (s *Service) UpdateSession(ctx context.Context, id string, patch Patch) error {
	return s.store.UpdateSession(ctx, id, store.SessionPatch{Context: patch.Context, Metadata: patch.Metadata})
}

// HasActiveJob reports whether sessionID has a pending or processing job,
// the predicate the Worker Pool's cancellation checker polls (§4.H step 5).
func (s *Service) HasActiveJob(ctx context.Context, sessionID string) (bool, error) {
	return s.store.HasActiveJob(ctx, sessionID)
}

// MarkWorking records that sessionID is now working on jobID. The Session
// Service is the sole writer of a session's working-state fields; callers
// (the Queue Service, on the Worker Pool's behalf) never touch the Store
// directly for this (§4.D).
func (s *Service) MarkWorking(ctx context.Context, sessionID, jobID string) error {
	return s.store.MarkWorking(ctx, sessionID, jobID)
}

// MarkIdle clears sessionID's working state and records lastJobStatus as the
// terminal (or retry-pending) status that triggered the clear.
func (s *Service) MarkIdle(ctx context.Context, sessionID, lastJobStatus string) error {
	return s.store.MarkIdle(ctx, sessionID, lastJobStatus)
}

// DeleteSession rejects with ConflictError if the session has an active job,
// otherwise cascades to messages and jobs.
func (s *Service) DeleteSession(ctx context.Context, id string) error {
	return s.store.DeleteSession(ctx, id)
}

// SelfCheck runs one pass of the background derived-state self-check over
// every session (§4.D: "asserted in a background self-check task every N
// seconds and at startup"). For each session it repairs isWorking,
// currentJobId, and messageCount against job_queue/session_messages
// (logging a warning when a discrepancy was found and fixed), then applies
// the active→inactive recency transition.
func (s *Service) SelfCheck(ctx context.Context, inactiveAfterSeconds int64) {
	ids, err := s.store.ListAllSessionIDs(ctx)
	if err != nil {
		s.log.Warn("self-check: failed to list sessions", zap.Error(err))
		return
	}
	for _, id := range ids {
		before, err := s.store.GetSession(ctx, id)
		if err != nil {
			s.log.Warn("self-check: failed to load session", zap.String("session_id", id), zap.Error(err))
			continue
		}
		if err := s.store.ReconcileSession(ctx, id); err != nil {
			s.log.Warn("self-check: failed to reconcile session", zap.String("session_id", id), zap.Error(err))
			continue
		}
		after, err := s.store.GetSession(ctx, id)
		if err != nil {
			s.log.Warn("self-check: failed to reload session", zap.String("session_id", id), zap.Error(err))
			continue
		}
		if before.IsWorking != after.IsWorking || before.MessageCount != after.MessageCount {
			s.log.Warn("self-check: repaired derived-state discrepancy",
				zap.String("session_id", id),
				zap.Bool("is_working_before", before.IsWorking), zap.Bool("is_working_after", after.IsWorking),
				zap.Int("message_count_before", before.MessageCount), zap.Int("message_count_after", after.MessageCount))
		}

		if err := s.CheckDerivedState(ctx, after, inactiveAfterSeconds); err != nil {
			s.log.Warn("self-check: failed active/inactive transition", zap.String("session_id", id), zap.Error(err))
		}
	}
}

// RunSelfCheckLoop runs SelfCheck immediately and then on every tick of
// interval, until ctx is cancelled (§4.D "at startup" + periodic pass).
func (s *Service) RunSelfCheckLoop(ctx context.Context, interval time.Duration, inactiveAfterSeconds int64) {
	s.SelfCheck(ctx, inactiveAfterSeconds)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SelfCheck(ctx, inactiveAfterSeconds)
		}
	}
}

// CheckDerivedState transitions a session between active/inactive based on
// recency, per the Session Service's background self-check (§9 redesign:
// replacing the original's client-push model with a periodic server-side
// reconciliation pass). A session with no activity for inactiveAfter becomes
// inactive; any subsequent activity (a new message) flips it back via the
// normal AppendMessage/touch path, so this function only ever moves a
// session toward inactive.
func (s *Service) CheckDerivedState(ctx context.Context, sess *models.Session, inactiveAfterSeconds int64) error {
	if sess.State != models.SessionStateActive {
		return nil
	}
	idleSeconds := time.Since(sess.LastAccessedAt).Seconds()
	if int64(idleSeconds) < inactiveAfterSeconds {
		return nil
	}
	working, err := s.store.HasActiveJob(ctx, sess.ID)
	if err != nil {
		return err
	}
	if working {
		return nil
	}
	return s.store.SetSessionState(ctx, sess.ID, models.SessionStateInactive)
}
