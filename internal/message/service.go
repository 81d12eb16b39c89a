// Package message implements the Message Service (§4.E): the sole writer of
// session_messages, using the Message Parser to normalize raw agent SDK
// envelopes before persisting and publishing them.
package message

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/justbecauselabs/pokecode/internal/common/logger"
	"github.com/justbecauselabs/pokecode/internal/eventbus"
	"github.com/justbecauselabs/pokecode/internal/models"
	"github.com/justbecauselabs/pokecode/internal/parser"
	"github.com/justbecauselabs/pokecode/internal/queue"
	"github.com/justbecauselabs/pokecode/internal/store"
)

// MessageAppendedEvent is the bus event type emitted after every commit.
const MessageAppendedEvent = "message-appended"

// Service is the Message Service surface.
type Service struct {
	store                 *store.Store
	bus                   eventbus.Bus
	queue                 *queue.Service
	log                   *logger.Logger
	persistSystemMessages bool
}

// New constructs a Service over st, publishing to bus and forwarding
// cancellation requests to q. persistSystemMessages resolves §9's open
// question: when false, system-typed envelopes (the agent's init
// notification) are dropped instead of persisted and counted toward
// messageCount.
func New(st *store.Store, bus eventbus.Bus, q *queue.Service, log *logger.Logger, persistSystemMessages bool) *Service {
	return &Service{store: st, bus: bus, queue: q, log: log.WithFields(zap.String("component", "message-service")), persistSystemMessages: persistSystemMessages}
}

// SaveUserMessage persists a user-authored prompt as the next ordinal in
// sessionID and publishes message-appended.
func (s *Service) SaveUserMessage(ctx context.Context, sessionID string, content json.RawMessage) (*models.SessionMessage, error) {
	envelope, _ := json.Marshal(map[string]any{
		"type":       "user",
		"session_id": sessionID,
		"user":       map[string]any{"role": "user", "content": content},
	})
	return s.appendParsed(ctx, sessionID, parser.Parse(envelope), nil, true)
}

// SaveSDKMessage runs raw through the Message Parser, appends the canonical
// message in one transaction with counter updates, and back-fills the
// session's providerSessionId if this is the first time it has been seen
// (§4.E saveSDKMessage, §9 immutability decision).
func (s *Service) SaveSDKMessage(ctx context.Context, sessionID string, raw json.RawMessage, providerSessionID *string) (*models.SessionMessage, error) {
	parsed := parser.Parse(raw)
	if parsed.Type == models.MessageTypeSystem && !s.persistSystemMessages {
		return nil, nil
	}
	// Prefer the Runner-supplied id (out-of-band provider metadata some
	// SDKs only surface once), falling back to the envelope's own
	// session_id the Parser extracted (§4.B).
	if providerSessionID == nil {
		providerSessionID = parsed.ProviderSessionID
	}
	return s.appendParsed(ctx, sessionID, parsed, providerSessionID, false)
}

// SaveSystemNotice persists a synthetic assistant-authored text message, used
// by the Worker Pool to record operator-visible events that did not come
// from the provider's own stream (e.g. "Operation was cancelled by user").
func (s *Service) SaveSystemNotice(ctx context.Context, sessionID, text string) (*models.SessionMessage, error) {
	envelope, _ := json.Marshal(map[string]any{
		"type":       "assistant",
		"session_id": sessionID,
		"content":    []map[string]any{{"type": "text", "text": text}},
	})
	return s.appendParsed(ctx, sessionID, parser.Parse(envelope), nil, false)
}

func (s *Service) appendParsed(ctx context.Context, sessionID string, parsed *parser.Parsed, providerSessionID *string, touchLastMessageSentAt bool) (*models.SessionMessage, error) {
	msg := &models.SessionMessage{
		SessionID:         sessionID,
		Type:              parsed.Type,
		ParentToolUseID:   parsed.ParentToolUseID,
		ContentData:       string(parsed.Raw),
		ProviderSessionID: providerSessionID,
	}

	err := s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		ordinal, err := s.store.NextOrdinal(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		msg.Ordinal = ordinal
		msg.CreatedAt = time.Now().UTC()

		if err := s.store.AppendMessage(ctx, tx, msg, parsed.TokenCount, touchLastMessageSentAt); err != nil {
			return err
		}
		if providerSessionID != nil {
			_, mismatch, err := s.store.BackfillProviderSessionID(ctx, tx, sessionID, *providerSessionID)
			if err != nil {
				return err
			}
			if mismatch {
				s.log.Warn("providerSessionId mismatch, keeping first-seen value",
					zap.String("session_id", sessionID), zap.String("new_provider_session_id", *providerSessionID))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.bus != nil {
		data := map[string]any{
			"sessionId": sessionID,
			"messageId": msg.ID,
			"ordinal":   msg.Ordinal,
			"type":      string(msg.Type),
			"createdAt": msg.CreatedAt,
		}
		if msg.ParentToolUseID != nil {
			data["parentToolUseId"] = *msg.ParentToolUseID
		}
		// The canonical Message payload (§4.C) so a live subscriber never
		// has to re-fetch: contentData is stored as a string so it can
		// round-trip through json.RawMessage instead of being double-escaped.
		var content any
		if err := json.Unmarshal([]byte(msg.ContentData), &content); err == nil {
			data["contentData"] = content
		}
		_ = s.bus.Publish(ctx, sessionID, eventbus.NewEvent(MessageAppendedEvent, "message-service", data))
	}
	return msg, nil
}

// GetOptions are getMessages's cursor/limit parameters.
type GetOptions struct {
	After *string // message id
	Limit int
}

// Page is getMessages's paginated result.
type Page struct {
	Messages    []*models.SessionMessage
	Session     *models.Session
	HasNextPage bool
	NextCursor  *string
}

// GetMessages resolves the after cursor's ordinal (if given) and returns
// messages with strictly greater ordinal, ascending, limit clamped to
// [1,1000] (§4.E getMessages).
func (s *Service) GetMessages(ctx context.Context, sessionID string, opts GetOptions) (*Page, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	var after *int64
	if opts.After != nil {
		ordinal, err := s.store.GetMessageOrdinal(ctx, sessionID, *opts.After)
		if err != nil {
			return nil, err
		}
		after = &ordinal
	}

	pageResult, err := s.store.ListMessages(ctx, sessionID, store.MessageCursor{AfterOrdinal: after, Limit: limit})
	if err != nil {
		return nil, err
	}

	page := &Page{Messages: pageResult.Messages, Session: sess, HasNextPage: pageResult.HasMore}
	if len(page.Messages) > 0 {
		lastID := page.Messages[len(page.Messages)-1].ID
		page.NextCursor = &lastID
	}
	return page, nil
}

// GetRawMessages returns every content_data envelope in ordinal order, for
// export/debug (§4.E getRawMessages).
func (s *Service) GetRawMessages(ctx context.Context, sessionID string) ([]json.RawMessage, error) {
	return s.store.ListRawMessages(ctx, sessionID)
}

// CancelSession asks the Queue Service to cancel any pending/processing
// jobs for sessionID (§4.E cancelSession).
func (s *Service) CancelSession(ctx context.Context, sessionID string) error {
	return s.queue.CancelSessionJobs(ctx, sessionID)
}
