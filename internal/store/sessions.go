package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/justbecauselabs/pokecode/internal/apperr"
	"github.com/justbecauselabs/pokecode/internal/models"
)

const sessionColumns = `
	id, provider, project_path, name, claude_directory_path, state,
	created_at, updated_at, last_accessed_at, last_message_sent_at,
	is_working, current_job_id, last_job_status,
	message_count, token_count, provider_session_id, context, metadata
`

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, sess *models.Session) error {
	_, err := s.writer.ExecContext(ctx, s.writer.Rebind(`
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		sess.ID, sess.Provider, sess.ProjectPath, sess.Name, sess.ClaudeDirectoryPath, sess.State,
		sess.CreatedAt, sess.UpdatedAt, sess.LastAccessedAt, sess.LastMessageSentAt,
		boolToInt(sess.IsWorking), sess.CurrentJobID, sess.LastJobStatus,
		sess.MessageCount, sess.TokenCount, sess.ProviderSessionID, sess.Context, sess.Metadata,
	)
	if isUniqueConstraint(err) {
		return apperr.NewConflict("session %s already exists", sess.ID)
	}
	return err
}

// GetSession reads a session by id from the reader pool.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	return s.getSession(ctx, s.reader, id)
}

// GetSessionForUpdate reads a session using the writer connection, for use
// inside a transaction that is about to mutate it.
func (s *Store) GetSessionForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (*models.Session, error) {
	return s.getSession(ctx, tx, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	Rebind(query string) string
}

func (s *Store) getSession(ctx context.Context, q queryer, id string) (*models.Session, error) {
	var sess models.Session
	var isWorking int
	row := q.QueryRowContext(ctx, q.Rebind(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), id)
	err := row.Scan(
		&sess.ID, &sess.Provider, &sess.ProjectPath, &sess.Name, &sess.ClaudeDirectoryPath, &sess.State,
		&sess.CreatedAt, &sess.UpdatedAt, &sess.LastAccessedAt, &sess.LastMessageSentAt,
		&isWorking, &sess.CurrentJobID, &sess.LastJobStatus,
		&sess.MessageCount, &sess.TokenCount, &sess.ProviderSessionID, &sess.Context, &sess.Metadata,
	)
	if err == sql.ErrNoRows {
		return nil, apperr.NewNotFound("session %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	sess.IsWorking = isWorking != 0
	return &sess, nil
}

// ListSessionsOptions filters and paginates listSessions (§4.D).
type ListSessionsOptions struct {
	State  *models.SessionState
	Limit  int
	Offset int
}

// ListSessions returns sessions ordered by lastMessageSentAt DESC NULLS
// LAST, updatedAt DESC, plus a total count for the filter.
func (s *Store) ListSessions(ctx context.Context, opts ListSessionsOptions) ([]*models.Session, int, error) {
	where := ""
	args := []any{}
	if opts.State != nil {
		where = "WHERE state = ?"
		args = append(args, *opts.State)
	}

	var total int
	countQuery := s.reader.Rebind(`SELECT COUNT(1) FROM sessions ` + where)
	if err := s.reader.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	listArgs := append(append([]any{}, args...), opts.Limit, opts.Offset)
	query := s.reader.Rebind(`
		SELECT ` + sessionColumns + ` FROM sessions ` + where + `
		ORDER BY (last_message_sent_at IS NULL) ASC, last_message_sent_at DESC, updated_at DESC
		LIMIT ? OFFSET ?
	`)
	rows, err := s.reader.QueryContext(ctx, query, listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Session
	for rows.Next() {
		var sess models.Session
		var isWorking int
		if err := rows.Scan(
			&sess.ID, &sess.Provider, &sess.ProjectPath, &sess.Name, &sess.ClaudeDirectoryPath, &sess.State,
			&sess.CreatedAt, &sess.UpdatedAt, &sess.LastAccessedAt, &sess.LastMessageSentAt,
			&isWorking, &sess.CurrentJobID, &sess.LastJobStatus,
			&sess.MessageCount, &sess.TokenCount, &sess.ProviderSessionID, &sess.Context, &sess.Metadata,
		); err != nil {
			return nil, 0, err
		}
		sess.IsWorking = isWorking != 0
		result = append(result, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return result, total, nil
}

// SessionPatch holds the updatable fields of updateSession (§4.D): context
// and metadata only.
type SessionPatch struct {
	Context  *string
	Metadata *string
}

// UpdateSession applies patch and touches updatedAt.
func (s *Store) UpdateSession(ctx context.Context, id string, patch SessionPatch) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		sess, err := s.getSession(ctx, tx, id)
		if err != nil {
			return err
		}
		if patch.Context != nil {
			sess.Context = *patch.Context
		}
		if patch.Metadata != nil {
			sess.Metadata = *patch.Metadata
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE sessions SET context = ?, metadata = ?, updated_at = ? WHERE id = ?
		`), sess.Context, sess.Metadata, time.Now().UTC(), id)
		return err
	})
}

// SetSessionState transitions a session's coarse active/inactive state,
// used by the Session Service's background derived-state self-check.
func (s *Store) SetSessionState(ctx context.Context, id string, state models.SessionState) error {
	_, err := s.writer.ExecContext(ctx, s.writer.Rebind(`
		UPDATE sessions SET state = ?, updated_at = ? WHERE id = ?
	`), state, time.Now().UTC(), id)
	return err
}

// MarkWorking sets isWorking=true/currentJobId=jobID and stamps
// updatedAt/lastAccessedAt. Called only through the Session Service, which
// is the sole writer of a session's working-state fields (§4.D).
func (s *Store) MarkWorking(ctx context.Context, sessionID, jobID string) error {
	now := time.Now().UTC()
	_, err := s.writer.ExecContext(ctx, s.writer.Rebind(`
		UPDATE sessions SET is_working = 1, current_job_id = ?, updated_at = ?, last_accessed_at = ?
		WHERE id = ?
	`), jobID, now, now, sessionID)
	return err
}

// MarkIdle clears working state and records the terminal job status.
func (s *Store) MarkIdle(ctx context.Context, sessionID, lastStatus string) error {
	now := time.Now().UTC()
	_, err := s.writer.ExecContext(ctx, s.writer.Rebind(`
		UPDATE sessions SET is_working = 0, current_job_id = NULL, last_job_status = ?, updated_at = ?, last_accessed_at = ?
		WHERE id = ?
	`), lastStatus, now, now, sessionID)
	return err
}

// DeleteSession removes a session and cascades to its messages and jobs.
// Rejects with ConflictError if the session has an active job.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		var activeJobs int
		err := tx.QueryRowContext(ctx, tx.Rebind(`
			SELECT COUNT(1) FROM job_queue WHERE session_id = ? AND status IN ('pending', 'processing')
		`), id).Scan(&activeJobs)
		if err != nil {
			return err
		}
		if activeJobs > 0 {
			return apperr.NewConflict("session %s has an active job", id)
		}

		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM session_messages WHERE session_id = ?`), id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM job_queue WHERE session_id = ?`), id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM session_ordinal_counters WHERE session_id = ?`), id); err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM sessions WHERE id = ?`), id)
		if err != nil {
			return err
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return apperr.NewNotFound("session %s not found", id)
		}
		return nil
	})
}

// BackfillProviderSessionID sets the session's providerSessionId only if it
// is not already set (immutable once discovered per §9). It reports
// mismatch=true when the session already carries a different
// providerSessionId than the one passed in, so the caller can log a
// warning; applied reports whether this call is the one that set it.
func (s *Store) BackfillProviderSessionID(ctx context.Context, tx *sqlx.Tx, sessionID, providerSessionID string) (applied, mismatch bool, err error) {
	result, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE sessions SET provider_session_id = ?
		WHERE id = ? AND provider_session_id IS NULL
	`), providerSessionID, sessionID)
	if err != nil {
		return false, false, err
	}
	affected, _ := result.RowsAffected()
	if affected > 0 {
		return true, false, nil
	}

	var existing *string
	if err := tx.QueryRowContext(ctx, tx.Rebind(`SELECT provider_session_id FROM sessions WHERE id = ?`), sessionID).Scan(&existing); err != nil {
		return false, false, err
	}
	mismatch = existing != nil && *existing != providerSessionID
	return false, mismatch, nil
}

// ListAllSessionIDs returns every session id, unpaginated, for the Session
// Service's background derived-state self-check (§4.D) — distinct from
// ListSessions, which pages with the limit the Session Service has clamped
// to the client-facing [1,100] range.
func (s *Store) ListAllSessionIDs(ctx context.Context) ([]string, error) {
	rows, err := s.reader.QueryContext(ctx, `SELECT id FROM sessions`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// HasActiveJob reports whether sessionID currently has a pending or
// processing job; used by both the Session Service's derived-state
// self-check and the Worker's cancellation checker.
func (s *Store) HasActiveJob(ctx context.Context, sessionID string) (bool, error) {
	var count int
	err := s.reader.QueryRowContext(ctx, s.reader.Rebind(`
		SELECT COUNT(1) FROM job_queue WHERE session_id = ? AND status IN ('pending', 'processing')
	`), sessionID).Scan(&count)
	return count > 0, err
}

// ReconcileSession repairs isWorking/currentJobId/messageCount against the
// job_queue/session_messages tables, for the Session Service's background
// self-check (§4.D "Discrepancies are repaired and logged (warn)").
func (s *Store) ReconcileSession(ctx context.Context, sessionID string) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		var activeJobID sql.NullString
		row := tx.QueryRowContext(ctx, tx.Rebind(`
			SELECT id FROM job_queue WHERE session_id = ? AND status IN ('pending', 'processing')
			ORDER BY created_at ASC LIMIT 1
		`), sessionID)
		if err := row.Scan(&activeJobID); err != nil && err != sql.ErrNoRows {
			return err
		}

		var messageCount int
		if err := tx.QueryRowContext(ctx, tx.Rebind(`
			SELECT COUNT(1) FROM session_messages WHERE session_id = ?
		`), sessionID).Scan(&messageCount); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE sessions SET is_working = ?, current_job_id = ?, message_count = ?, updated_at = ?
			WHERE id = ?
		`), boolToInt(activeJobID.Valid), nullableString(activeJobID), messageCount, time.Now().UTC(), sessionID)
		return err
	})
}

func nullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraint(err error) bool {
	sqliteErr, ok := err.(sqlite3.Error)
	return ok && sqliteErr.Code == sqlite3.ErrConstraint
}
