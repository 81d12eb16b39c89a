package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/justbecauselabs/pokecode/internal/apperr"
	"github.com/justbecauselabs/pokecode/internal/models"
)

// NextOrdinal returns the next strictly-monotonic ordinal for sessionID and
// advances the counter, all inside the caller's transaction. The row is
// locked implicitly by SQLite's single-writer connection: no two callers can
// interleave between the SELECT and UPDATE.
func (s *Store) NextOrdinal(ctx context.Context, tx *sqlx.Tx, sessionID string) (int64, error) {
	var next int64
	err := tx.QueryRowContext(ctx, tx.Rebind(`
		INSERT INTO session_ordinal_counters (session_id, next_ordinal) VALUES (?, 1)
		ON CONFLICT(session_id) DO UPDATE SET next_ordinal = next_ordinal + 1
		RETURNING next_ordinal - 1
	`), sessionID).Scan(&next)
	if err != nil {
		return 0, err
	}
	return next, nil
}

// AppendMessage inserts a session_message row and bumps the parent
// session's messageCount/tokenCount in the same transaction, per the
// Message Service's saveUserMessage/saveSDKMessage contract (§4.E).
// touchLastMessageSentAt stamps lastMessageSentAt too; only
// SaveUserMessage's path sets it, since the field orders listSessions by
// most recent user interaction, not by agent chatter.
func (s *Store) AppendMessage(ctx context.Context, tx *sqlx.Tx, msg *models.SessionMessage, tokenDelta int64, touchLastMessageSentAt bool) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	_, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO session_messages (id, session_id, ordinal, type, parent_tool_use_id, content_data, provider_session_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), msg.ID, msg.SessionID, msg.Ordinal, msg.Type, msg.ParentToolUseID, msg.ContentData, msg.ProviderSessionID, msg.CreatedAt)
	if isUniqueConstraint(err) {
		return apperr.NewConflict("ordinal %d already recorded for session %s", msg.Ordinal, msg.SessionID)
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if touchLastMessageSentAt {
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE sessions
			SET message_count = message_count + 1,
			    token_count = token_count + ?,
			    last_message_sent_at = ?,
			    state = 'active',
			    updated_at = ?,
			    last_accessed_at = ?
			WHERE id = ?
		`), tokenDelta, now, now, now, msg.SessionID)
		return err
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(`
		UPDATE sessions
		SET message_count = message_count + 1,
		    token_count = token_count + ?,
		    state = 'active',
		    updated_at = ?,
		    last_accessed_at = ?
		WHERE id = ?
	`), tokenDelta, now, now, msg.SessionID)
	return err
}

// MessageCursor identifies the resume point for getMessages: the ordinal of
// the last message the caller has already seen. A nil cursor starts from
// the beginning.
type MessageCursor struct {
	AfterOrdinal *int64
	Limit        int
}

// MessagePage is one page of getMessages results plus the cursor to
// request the next page, nil once exhausted.
type MessagePage struct {
	Messages   []*models.SessionMessage
	NextCursor *int64
	HasMore    bool
}

// ListMessages returns session_messages in ordinal order starting strictly
// after cursor.AfterOrdinal, over-fetching by one row to detect hasMore
// without a second query (mirrors the teacher's cursor-pagination idiom,
// simplified from a (created_at,id) tuple to the single monotonic ordinal
// column pokecode's Message Service relies on).
func (s *Store) ListMessages(ctx context.Context, sessionID string, cursor MessageCursor) (*MessagePage, error) {
	limit := cursor.Limit
	if limit <= 0 {
		limit = 100
	}

	after := int64(-1)
	if cursor.AfterOrdinal != nil {
		after = *cursor.AfterOrdinal
	}

	rows, err := s.reader.QueryContext(ctx, s.reader.Rebind(`
		SELECT id, session_id, ordinal, type, parent_tool_use_id, content_data, provider_session_id, created_at
		FROM session_messages
		WHERE session_id = ? AND ordinal > ?
		ORDER BY ordinal ASC
		LIMIT ?
	`), sessionID, after, limit+1)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var messages []*models.SessionMessage
	for rows.Next() {
		var m models.SessionMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Ordinal, &m.Type, &m.ParentToolUseID, &m.ContentData, &m.ProviderSessionID, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	page := &MessagePage{Messages: messages}
	if len(messages) > limit {
		page.Messages = messages[:limit]
		page.HasMore = true
		last := page.Messages[len(page.Messages)-1].Ordinal
		page.NextCursor = &last
	}
	return page, nil
}

// ListRawMessages returns the verbatim content_data JSON for every message
// in a session, in ordinal order, for getRawMessages (§4.E) which exports
// the full SDK transcript without any envelope reshaping.
func (s *Store) ListRawMessages(ctx context.Context, sessionID string) ([]json.RawMessage, error) {
	rows, err := s.reader.QueryContext(ctx, s.reader.Rebind(`
		SELECT content_data FROM session_messages WHERE session_id = ? ORDER BY ordinal ASC
	`), sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []json.RawMessage
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		out = append(out, json.RawMessage(raw))
	}
	return out, rows.Err()
}

// GetMessageOrdinal resolves a message id to its ordinal, for getMessages's
// `after` cursor (§4.E).
func (s *Store) GetMessageOrdinal(ctx context.Context, sessionID, messageID string) (int64, error) {
	var ordinal int64
	err := s.reader.QueryRowContext(ctx, s.reader.Rebind(`
		SELECT ordinal FROM session_messages WHERE session_id = ? AND id = ?
	`), sessionID, messageID).Scan(&ordinal)
	if err == sql.ErrNoRows {
		return 0, apperr.NewNotFound("message %s not found in session %s", messageID, sessionID)
	}
	return ordinal, err
}

// LastAssistantOrdinal returns the ordinal of the most recent assistant
// message in sessionID, used by the cancel-session flow to decide whether a
// partial assistant turn needs a synthetic cancellation marker appended.
func (s *Store) LastAssistantOrdinal(ctx context.Context, sessionID string) (*int64, error) {
	var ordinal int64
	err := s.reader.QueryRowContext(ctx, s.reader.Rebind(`
		SELECT ordinal FROM session_messages
		WHERE session_id = ? AND type = 'assistant'
		ORDER BY ordinal DESC LIMIT 1
	`), sessionID).Scan(&ordinal)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ordinal, nil
}
