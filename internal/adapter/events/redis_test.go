package events_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/szuru-ingest/internal/adapter/events"
	"github.com/fairyhunter13/szuru-ingest/internal/domain"
)

func newTestBus(t *testing.T) *events.Bus {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return events.NewWithClient(rdb)
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, unsub, err := bus.SubscribeJobUpdates(ctx)
	require.NoError(t, err)
	defer unsub()

	progress := 25
	require.NoError(t, bus.PublishJobUpdate(ctx, domain.Event{
		JobID:    "job-1",
		Status:   domain.JobDownloading,
		Progress: &progress,
	}))

	select {
	case ev := <-ch:
		assert.Equal(t, "job-1", ev.JobID)
		assert.Equal(t, domain.JobDownloading, ev.Status)
		require.NotNil(t, ev.Progress)
		assert.Equal(t, 25, *ev.Progress)
		assert.False(t, ev.Timestamp.IsZero())
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscribeCancelClosesStream(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	ch, unsub, err := bus.SubscribeJobUpdates(ctx)
	require.NoError(t, err)
	unsub()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after unsubscribe")
		}
	}
}

func TestPingAfterBrokerGone(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	bus := events.NewWithClient(rdb)

	require.NoError(t, bus.Ping(context.Background()))
	mr.Close()
	assert.Error(t, bus.Ping(context.Background()))
}
