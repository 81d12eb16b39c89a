// Package sse implements the SSE Bridge (§4.I): converts a per-session Event
// Bus subscription into a client-facing text/event-stream, subscribing
// before the catch-up query to avoid a gap between "now" and the snapshot.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/justbecauselabs/pokecode/internal/common/logger"
	"github.com/justbecauselabs/pokecode/internal/eventbus"
	"github.com/justbecauselabs/pokecode/internal/message"
	"github.com/justbecauselabs/pokecode/internal/session"
)

const heartbeatInterval = 25 * time.Second

// Bridge streams one session's message/event history plus live updates as
// Server-Sent Events.
type Bridge struct {
	bus          eventbus.Bus
	sessions     *session.Service
	messages     *message.Service
	log          *logger.Logger
	bufferEvents int
}

// New constructs a Bridge. bufferEvents is the per-subscriber backpressure
// limit (§6.4 sseBufferEvents).
func New(bus eventbus.Bus, sessions *session.Service, messages *message.Service, log *logger.Logger, bufferEvents int) *Bridge {
	if bufferEvents <= 0 {
		bufferEvents = 256
	}
	return &Bridge{bus: bus, sessions: sessions, messages: messages, log: log.WithFields(zap.String("component", "sse-bridge")), bufferEvents: bufferEvents}
}

// Stream writes the SSE protocol for sessionID to w until the client
// disconnects, the session finishes (`session-done`), or ctx is cancelled.
func (b *Bridge) Stream(ctx context.Context, w http.ResponseWriter, sessionID string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support flushing")
	}

	sess, err := b.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	eventCh := make(chan *eventbus.Event, b.bufferEvents)
	var terminateOnce sync.Once
	terminated := make(chan struct{})
	terminate := func() { terminateOnce.Do(func() { close(terminated) }) }

	sub, err := b.bus.Subscribe(sessionID, func(_ context.Context, event *eventbus.Event) error {
		select {
		case eventCh <- event:
			return nil
		default:
		}
		b.log.Warn("sse subscriber buffer full, terminating", zap.String("session_id", sessionID))
		terminate()
		return nil
	})
	if err != nil {
		return err
	}
	defer func() { _ = sub.Unsubscribe() }()

	writeEvent(w, "hello", sess.ID, sess)
	flusher.Flush()

	sent := make(map[string]bool)
	if err := b.writeCatchup(ctx, w, flusher, sessionID, sent); err != nil {
		return err
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-terminated:
			writeEvent(w, "error", "", map[string]string{"error": "slow-consumer"})
			flusher.Flush()
			return nil
		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, ":keep-alive\n\n")
			flusher.Flush()
		case event, ok := <-eventCh:
			if !ok {
				return nil
			}
			if event.Type == message.MessageAppendedEvent {
				if id, _ := event.Data["messageId"].(string); id != "" {
					if sent[id] {
						continue
					}
					sent[id] = true
				}
			}
			ordinalID := ""
			if ordinal, ok := event.Data["ordinal"]; ok {
				ordinalID = fmt.Sprintf("%v", ordinal)
			}
			writeEvent(w, event.Type, ordinalID, event.Data)
			flusher.Flush()
			if event.Type == "session-done" {
				writeEvent(w, "done", "", map[string]string{"sessionId": sessionID})
				flusher.Flush()
				return nil
			}
		}
	}
}

// writeCatchup emits every persisted message in ordinal order, recording
// each id in sent so a live event for the same message (delivered during the
// brief subscribe-then-query overlap) is not emitted twice.
func (b *Bridge) writeCatchup(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, sessionID string, sent map[string]bool) error {
	var after *string
	for {
		page, err := b.messages.GetMessages(ctx, sessionID, message.GetOptions{After: after, Limit: 1000})
		if err != nil {
			return err
		}
		for _, msg := range page.Messages {
			sent[msg.ID] = true
			writeEvent(w, "message", fmt.Sprintf("%d", msg.Ordinal), msg)
		}
		flusher.Flush()
		if !page.HasNextPage {
			return nil
		}
		after = page.NextCursor
	}
}

func writeEvent(w http.ResponseWriter, kind, id string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if kind != "" {
		_, _ = fmt.Fprintf(w, "event: %s\n", kind)
	}
	if id != "" {
		_, _ = fmt.Fprintf(w, "id: %s\n", id)
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
}
