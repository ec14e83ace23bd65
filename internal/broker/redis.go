package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kiranshivaraju/podcleaner/internal/config"
	"github.com/redis/go-redis/v9"
)

const payloadField = "payload"

// RedisBroker maps each topic to a Redis stream and consumes through a
// consumer group. Entries are XACKed only after the handler succeeds;
// entries left pending longer than ClaimIdle are reclaimed with
// XAUTOCLAIM, which covers crashed consumers and failed handlers alike.
type RedisBroker struct {
	cfg    config.BrokerConfig
	logger *slog.Logger

	mu      sync.Mutex
	client  *redis.Client
	cancels []context.CancelFunc
	wg      sync.WaitGroup
}

var _ Broker = (*RedisBroker)(nil)

// NewRedisBroker builds a broker from cfg, filling defaults for unset
// batching and claim settings. Connect must be called before use.
func NewRedisBroker(cfg config.BrokerConfig, logger *slog.Logger) *RedisBroker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = time.Minute
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "coordinator"
	}
	return &RedisBroker{cfg: cfg, logger: logger.With("component", "broker")}
}

// Connect dials Redis and verifies the connection.
func (b *RedisBroker) Connect(ctx context.Context) error {
	opts, err := redis.ParseURL(b.cfg.URL)
	if err != nil {
		return fmt.Errorf("parse broker URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("broker ping: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.client = client
	return nil
}

func (b *RedisBroker) conn() (*redis.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil, ErrNotConnected
	}
	return b.client, nil
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	client, err := b.conn()
	if err != nil {
		return err
	}
	return client.Ping(ctx).Err()
}

func (b *RedisBroker) streamKey(topic string) string {
	return b.cfg.StreamPrefix + ":" + topic
}

func (b *RedisBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	client, err := b.conn()
	if err != nil {
		return err
	}
	err = client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.streamKey(topic),
		Values: map[string]any{payloadField: payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe creates the consumer group if needed and starts the read
// and reclaim loops for topic. They stop on ctx cancellation or Close.
func (b *RedisBroker) Subscribe(ctx context.Context, topic string, h Handler) error {
	client, err := b.conn()
	if err != nil {
		return err
	}
	stream := b.streamKey(topic)
	if err := client.XGroupCreateMkStream(ctx, stream, b.cfg.Group, "0").Err(); err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create consumer group for %s: %w", topic, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancels = append(b.cancels, cancel)
	b.mu.Unlock()

	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		b.readLoop(subCtx, client, topic, stream, h)
	}()
	go func() {
		defer b.wg.Done()
		b.reclaimLoop(subCtx, client, topic, stream, h)
	}()

	b.logger.Info("subscribed", "topic", topic, "group", b.cfg.Group, "consumer", b.cfg.Consumer)
	return nil
}

func (b *RedisBroker) readLoop(ctx context.Context, client *redis.Client, topic, stream string, h Handler) {
	for ctx.Err() == nil {
		streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.cfg.Group,
			Consumer: b.cfg.Consumer,
			Streams:  []string{stream, ">"},
			Count:    int64(b.cfg.BatchSize),
			Block:    b.cfg.Block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			b.logger.Warn("read failed", "topic", topic, "error", err.Error())
			sleep(ctx, time.Second)
			continue
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				b.handle(ctx, client, topic, stream, msg, false, h)
			}
		}
	}
}

func (b *RedisBroker) reclaimLoop(ctx context.Context, client *redis.Client, topic, stream string, h Handler) {
	ticker := time.NewTicker(b.cfg.ClaimIdle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		start := "0-0"
		for {
			msgs, next, err := client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   stream,
				Group:    b.cfg.Group,
				Consumer: b.cfg.Consumer,
				MinIdle:  b.cfg.ClaimIdle,
				Start:    start,
				Count:    int64(b.cfg.BatchSize),
			}).Result()
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, redis.ErrClosed) {
					b.logger.Warn("reclaim failed", "topic", topic, "error", err.Error())
				}
				break
			}
			for _, msg := range msgs {
				b.handle(ctx, client, topic, stream, msg, true, h)
			}
			if next == "0-0" || len(msgs) == 0 {
				break
			}
			start = next
		}
	}
}

func (b *RedisBroker) handle(ctx context.Context, client *redis.Client, topic, stream string, msg redis.XMessage, redelivered bool, h Handler) {
	payload, ok := msg.Values[payloadField].(string)
	if !ok {
		b.logger.Warn("dropping entry without payload", "topic", topic, "id", msg.ID)
		b.ack(ctx, client, stream, msg.ID)
		return
	}

	err := h(ctx, Delivery{ID: msg.ID, Topic: topic, Payload: []byte(payload), Redelivered: redelivered})
	if err != nil {
		b.logger.Warn("handler failed, leaving message pending",
			"topic", topic,
			"id", msg.ID,
			"error", err.Error(),
		)
		return
	}
	b.ack(ctx, client, stream, msg.ID)
}

func (b *RedisBroker) ack(ctx context.Context, client *redis.Client, stream, id string) {
	if err := client.XAck(ctx, stream, b.cfg.Group, id).Err(); err != nil {
		b.logger.Warn("ack failed", "stream", stream, "id", id, "error", err.Error())
	}
}

// Close stops all subscriptions, waits for in-flight handlers and
// closes the connection.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	cancels := b.cancels
	b.cancels = nil
	b.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil
	}
	err := b.client.Close()
	b.client = nil
	return err
}

func isBusyGroup(err error) bool {
	return strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
