// Package events implements the job update bus on Redis pub/sub.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/szuru-ingest/internal/adapter/observability"
	"github.com/fairyhunter13/szuru-ingest/internal/domain"
)

// Bus publishes and subscribes job update events over a single Redis
// channel. The bus is stateless: late subscribers miss prior events and
// re-fetch authoritative state from the job store.
type Bus struct {
	rdb *redis.Client
}

// New constructs a Bus from a Redis URL.
func New(redisURL string) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=events.New: %w", err)
	}
	return &Bus{rdb: redis.NewClient(opts)}, nil
}

// NewWithClient wraps an existing client; used by tests.
func NewWithClient(rdb *redis.Client) *Bus { return &Bus{rdb: rdb} }

// Ping checks broker liveness for readiness probes.
func (b *Bus) Ping(ctx domain.Context) error { return b.rdb.Ping(ctx).Err() }

// Close releases the underlying client.
func (b *Bus) Close() error { return b.rdb.Close() }

// PublishJobUpdate fans one event out to all current subscribers.
func (b *Bus) PublishJobUpdate(ctx domain.Context, ev domain.Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("op=events.publish job_id=%s: %w", ev.JobID, err)
	}
	if err := b.rdb.Publish(ctx, domain.JobUpdatesTopic, payload).Err(); err != nil {
		return fmt.Errorf("op=events.publish job_id=%s: %w", ev.JobID, err)
	}
	observability.EventsPublishedTotal.Inc()
	return nil
}

// SubscribeJobUpdates opens a per-subscriber stream. The returned cancel
// func must be called on disconnect; it closes the subscription and the
// channel.
func (b *Bus) SubscribeJobUpdates(ctx domain.Context) (<-chan domain.Event, func(), error) {
	sub := b.rdb.Subscribe(ctx, domain.JobUpdatesTopic)
	// Force the subscription handshake so a dead broker fails fast.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("op=events.subscribe: %w", err)
	}
	out := make(chan domain.Event, 16)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var ev domain.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				slog.Warn("dropping malformed job event", slog.Any("error", err))
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	cancel := func() { _ = sub.Close() }
	return out, cancel, nil
}
