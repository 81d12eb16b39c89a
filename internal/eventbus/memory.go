package eventbus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/justbecauselabs/pokecode/internal/common/logger"
)

// defaultSubscriberBuffer bounds the per-subscriber delivery queue. A
// subscriber that falls behind by more than this many events is considered
// slow and is dropped rather than let an unbounded goroutine pile grow
// without limit.
const defaultSubscriberBuffer = 256

// MemoryBus is the default in-process Bus implementation: every subscriber
// gets its own buffered channel and a dedicated goroutine draining it, so one
// slow handler can never block Publish or starve other subscribers.
type MemoryBus struct {
	mu            sync.RWMutex
	subscriptions map[string][]*memorySubscription
	queues        map[string]*queueGroup
	log           *logger.Logger
	closed        bool
	bufferSize    int
}

type memorySubscription struct {
	bus     *MemoryBus
	subject string
	pattern *regexp.Regexp
	handler Handler
	queue   string
	ch      chan *Event
	done    chan struct{}

	mu     sync.Mutex
	active bool
}

type queueGroup struct {
	mu          sync.Mutex
	subscribers []*memorySubscription
	nextIndex   int
}

// NewMemoryBus constructs a MemoryBus. bufferSize <= 0 falls back to
// defaultSubscriberBuffer.
func NewMemoryBus(log *logger.Logger, bufferSize int) *MemoryBus {
	if bufferSize <= 0 {
		bufferSize = defaultSubscriberBuffer
	}
	return &MemoryBus{
		subscriptions: make(map[string][]*memorySubscription),
		queues:        make(map[string]*queueGroup),
		log:           log,
		bufferSize:    bufferSize,
	}
}

func (b *MemoryBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	deliveredQueues := make(map[string]bool)

	for pattern, subs := range b.subscriptions {
		for _, sub := range subs {
			if !sub.IsValid() {
				continue
			}
			if !matches(subject, pattern, sub.pattern) {
				continue
			}

			if sub.queue != "" {
				key := sub.queue + ":" + pattern
				if deliveredQueues[key] {
					continue
				}
				deliveredQueues[key] = true
				b.publishToQueue(key, subject, event)
				continue
			}

			b.deliver(sub, subject, event)
		}
	}

	return nil
}

// deliver attempts a non-blocking send into the subscriber's buffer. On
// overflow the subscriber is dropped: its final delivered event is a
// synthetic "bus.slow_consumer" event (best-effort, also non-blocking),
// then the subscription is torn down so it stops accumulating backlog
// against Publish (§4.C: "subscriber is dropped with a slow-consumer error
// delivered as its final event").
func (b *MemoryBus) deliver(sub *memorySubscription, subject string, event *Event) {
	select {
	case sub.ch <- event:
		return
	default:
	}

	b.log.Warn("slow consumer dropped, unsubscribing",
		zap.String("subject", subject),
		zap.String("event_id", event.ID))

	final := NewEvent("bus.slow_consumer", "eventbus", map[string]any{"subject": subject})
	select {
	case sub.ch <- final:
	default:
	}
	go func() { _ = sub.Unsubscribe() }()
}

func (b *MemoryBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	return b.subscribe(subject, "", handler)
}

func (b *MemoryBus) QueueSubscribe(subject, queue string, handler Handler) (Subscription, error) {
	return b.subscribe(subject, queue, handler)
}

func (b *MemoryBus) subscribe(subject, queue string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		queue:   queue,
		ch:      make(chan *Event, b.bufferSize),
		done:    make(chan struct{}),
		active:  true,
	}
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)

	if queue != "" {
		key := queue + ":" + subject
		qg, ok := b.queues[key]
		if !ok {
			qg = &queueGroup{}
			b.queues[key] = qg
		}
		qg.mu.Lock()
		qg.subscribers = append(qg.subscribers, sub)
		qg.mu.Unlock()
	}

	go sub.drain(b.log)

	return sub, nil
}

func (sub *memorySubscription) drain(log *logger.Logger) {
	for {
		select {
		case event, ok := <-sub.ch:
			if !ok {
				return
			}
			if err := sub.handler(context.Background(), event); err != nil {
				log.Warn("event handler returned error",
					zap.String("subject", sub.subject),
					zap.Error(err))
			}
		case <-sub.done:
			return
		}
	}
}

func (sub *memorySubscription) Unsubscribe() error {
	sub.mu.Lock()
	if !sub.active {
		sub.mu.Unlock()
		return nil
	}
	sub.active = false
	sub.mu.Unlock()
	close(sub.done)

	b := sub.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.subscriptions[sub.subject]; ok {
		b.subscriptions[sub.subject] = removeSub(subs, sub)
	}
	if sub.queue != "" {
		key := sub.queue + ":" + sub.subject
		if qg, ok := b.queues[key]; ok {
			qg.mu.Lock()
			qg.subscribers = removeSub(qg.subscribers, sub)
			qg.mu.Unlock()
		}
	}
	return nil
}

func (sub *memorySubscription) IsValid() bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.active
}

func removeSub(subs []*memorySubscription, target *memorySubscription) []*memorySubscription {
	out := subs[:0]
	for _, s := range subs {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

func (b *MemoryBus) publishToQueue(key, subject string, event *Event) {
	b.mu.RLock()
	qg, ok := b.queues[key]
	b.mu.RUnlock()
	if !ok {
		return
	}

	qg.mu.Lock()
	defer qg.mu.Unlock()

	n := len(qg.subscribers)
	if n == 0 {
		return
	}
	for i := 0; i < n; i++ {
		idx := (qg.nextIndex + i) % n
		sub := qg.subscribers[idx]
		if sub.IsValid() {
			qg.nextIndex = (idx + 1) % n
			b.deliver(sub, subject, event)
			return
		}
	}
}

func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.mu.Lock()
			if sub.active {
				sub.active = false
				close(sub.done)
			}
			sub.mu.Unlock()
		}
	}
	b.subscriptions = make(map[string][]*memorySubscription)
	b.queues = make(map[string]*queueGroup)
}

func (b *MemoryBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// matches implements NATS-style wildcard matching: "*" for a single token,
// ">" for the remainder of the subject.
func matches(subject, pattern string, regex *regexp.Regexp) bool {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return subject == pattern
	}
	if regex != nil {
		return regex.MatchString(subject)
	}
	return false
}

func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `\>`, `.+`)
	regex, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	return regex
}
