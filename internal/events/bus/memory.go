package bus

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/logger"
)

// MemoryEventBus implements EventBus using in-process dispatch. Used in
// tests and in single-node deployments without NATS.
type MemoryEventBus struct {
	subscriptions []*memorySubscription
	mu            sync.RWMutex
	logger        *logger.Logger
	closed        bool
}

// NewMemoryEventBus creates an in-memory event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		logger: log.WithFields(zap.String("component", "memory-bus")),
	}
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp
	handler EventHandler
	active  bool
	mu      sync.Mutex
}

func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	for i, sub := range s.bus.subscriptions {
		if sub == s {
			s.bus.subscriptions = append(s.bus.subscriptions[:i], s.bus.subscriptions[i+1:]...)
			break
		}
	}
	return nil
}

func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// compilePattern converts a NATS-style subject pattern ("*" single token,
// ">" trailing wildcard) into a regexp.
func compilePattern(subject string) *regexp.Regexp {
	parts := strings.Split(subject, ".")
	for i, p := range parts {
		switch p {
		case "*":
			parts[i] = `[^.]+`
		case ">":
			parts[i] = `.+`
		default:
			parts[i] = regexp.QuoteMeta(p)
		}
	}
	return regexp.MustCompile("^" + strings.Join(parts, `\.`) + "$")
}

// Publish delivers the event synchronously to all matching subscribers.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	var matched []*memorySubscription
	for _, sub := range b.subscriptions {
		if sub.IsValid() && sub.pattern.MatchString(subject) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		if err := sub.handler(ctx, event); err != nil {
			b.logger.Error("event handler failed",
				zap.String("subject", subject),
				zap.String("event_type", event.Type),
				zap.Error(err))
		}
	}
	return nil
}

// Subscribe registers a handler for a subject pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		active:  true,
	}
	b.mu.Lock()
	b.subscriptions = append(b.subscriptions, sub)
	b.mu.Unlock()
	return sub, nil
}

// Close marks the bus closed and drops all subscriptions.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subscriptions = nil
}

// IsConnected reports whether the bus accepts publishes.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}
