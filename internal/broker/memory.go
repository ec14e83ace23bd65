package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// MemoryBroker delivers synchronously inside Publish and keeps every
// published message for inspection. Messages whose handler fails stay
// pending until Redeliver.
type MemoryBroker struct {
	mu        sync.Mutex
	connected bool
	seq       int
	handlers  map[string][]Handler
	published map[string][][]byte
	pending   []Delivery
	logger    *slog.Logger
}

var _ Broker = (*MemoryBroker)(nil)

func NewMemoryBroker(logger *slog.Logger) *MemoryBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBroker{
		handlers:  make(map[string][]Handler),
		published: make(map[string][][]byte),
		logger:    logger,
	}
}

func (b *MemoryBroker) Connect(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
	return nil
}

func (b *MemoryBroker) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return ErrNotConnected
	}
	return nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	b.handlers = make(map[string][]Handler)
	return nil
}

func (b *MemoryBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return ErrNotConnected
	}
	b.seq++
	d := Delivery{ID: fmt.Sprintf("%d-0", b.seq), Topic: topic, Payload: append([]byte(nil), payload...)}
	b.published[topic] = append(b.published[topic], d.Payload)
	handlers := append([]Handler(nil), b.handlers[topic]...)
	b.mu.Unlock()

	b.deliver(ctx, d, handlers)
	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context, topic string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return ErrNotConnected
	}
	b.handlers[topic] = append(b.handlers[topic], h)
	return nil
}

// Redeliver hands every pending message to its topic's handlers again.
func (b *MemoryBroker) Redeliver(ctx context.Context) {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()

	for _, d := range pending {
		d.Redelivered = true
		b.mu.Lock()
		handlers := append([]Handler(nil), b.handlers[d.Topic]...)
		b.mu.Unlock()
		b.deliver(ctx, d, handlers)
	}
}

// Published returns the payloads published on topic, oldest first.
func (b *MemoryBroker) Published(topic string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.published[topic]...)
}

// Pending returns how many messages await redelivery.
func (b *MemoryBroker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *MemoryBroker) deliver(ctx context.Context, d Delivery, handlers []Handler) {
	for _, h := range handlers {
		if err := h(ctx, d); err != nil {
			b.logger.Warn("handler failed, message left pending",
				"topic", d.Topic,
				"id", d.ID,
				"error", err.Error(),
			)
			b.mu.Lock()
			b.pending = append(b.pending, d)
			b.mu.Unlock()
			return
		}
	}
}
