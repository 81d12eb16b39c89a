package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/justbecauselabs/pokecode/internal/common/logger"
)

// NATSBus is a Bus backed by a NATS connection, selected when the daemon is
// configured with a NatsURL (§6.4). It lets multiple pokecode processes on
// the same host (or a small fleet) share one event fabric; standalone single
// node deployments use MemoryBus instead.
type NATSBus struct {
	conn *nats.Conn
	log  *logger.Logger
}

// NewNATSBus dials url with reconnection handling matching the rest of the
// daemon's "log and keep going" posture toward transient infrastructure.
func NewNATSBus(url string, log *logger.Logger) (*NATSBus, error) {
	opts := []nats.Option{
		nats.Name("pokecode"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(5 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Warn("nats error", zap.String("subject", subject), zap.Error(err))
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return &NATSBus{conn: conn, log: log}, nil
}

func (b *NATSBus) Publish(ctx context.Context, subject string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject, b.msgHandler(handler))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return &natsSubscription{sub: sub}, nil
}

func (b *NATSBus) QueueSubscribe(subject, queue string, handler Handler) (Subscription, error) {
	sub, err := b.conn.QueueSubscribe(subject, queue, b.msgHandler(handler))
	if err != nil {
		return nil, fmt.Errorf("failed to queue-subscribe to %s: %w", subject, err)
	}
	return &natsSubscription{sub: sub}, nil
}

func (b *NATSBus) msgHandler(handler Handler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.log.Warn("failed to unmarshal event", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		if err := handler(context.Background(), &event); err != nil {
			b.log.Warn("event handler returned error",
				zap.String("subject", msg.Subject), zap.String("event_id", event.ID), zap.Error(err))
		}
	}
}

func (b *NATSBus) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

func (b *NATSBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error { return s.sub.Unsubscribe() }
func (s *natsSubscription) IsValid() bool      { return s.sub.IsValid() }
