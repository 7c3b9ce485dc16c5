package feed

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"relaychat/internal/config"
	"relaychat/internal/redis"
)

func TestPredicates(t *testing.T) {
	require.False(t, TextReady(""))
	require.False(t, TextReady("  \n"))
	require.True(t, TextReady("hi"))

	for _, v := range []string{"", " ", "pending", "PENDING", "generating", " Processing ", "queued"} {
		require.False(t, AssetReady(v), v)
	}
	require.True(t, AssetReady("https://cdn.example.com/a.png"))
}

func collect(t *testing.T, obs *Observer, id string, requested []string) (*Subscription, <-chan Event) {
	t.Helper()
	events := make(chan Event, 16)
	sub, err := obs.Observe(context.Background(), id, requested, func(ev Event) {
		events <- ev
	})
	require.NoError(t, err)
	return sub, events
}

func next(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
		return Event{}
	}
}

func TestObservePartialThenComplete(t *testing.T) {
	ctx := context.Background()
	src := NewMemorySource()
	obs := NewObserver(src)
	sub, events := collect(t, obs, "r1", []string{FieldText, FieldAsset})

	require.NoError(t, src.SetField(ctx, "r1", FieldAsset, "pending"))
	ev := next(t, events)
	require.Equal(t, EventUpdate, ev.Kind)

	require.NoError(t, src.SetField(ctx, "r1", FieldText, "a cat"))
	ev = next(t, events)
	require.Equal(t, EventPartialReady, ev.Kind)
	require.Equal(t, Record{FieldText: "a cat"}, ev.ReadyFields())

	require.NoError(t, src.SetField(ctx, "r1", FieldAsset, "generating"))
	ev = next(t, events)
	require.Equal(t, EventUpdate, ev.Kind)

	require.NoError(t, src.SetField(ctx, "r1", FieldAsset, "https://cdn/cat.png"))
	ev = next(t, events)
	require.Equal(t, EventComplete, ev.Kind)
	require.Equal(t, "https://cdn/cat.png", ev.ReadyFields()[FieldAsset])

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not end after complete")
	}
	_, ok := src.Get("r1")
	require.False(t, ok, "completed record should be removed")
}

func TestUnrequestedFieldsAreVacuouslyReady(t *testing.T) {
	ctx := context.Background()
	src := NewMemorySource()
	obs := NewObserver(src)
	_, events := collect(t, obs, "r2", []string{FieldText})

	require.NoError(t, src.SetField(ctx, "r2", FieldText, "done"))
	ev := next(t, events)
	require.Equal(t, EventComplete, ev.Kind)
	require.True(t, ev.Ready[FieldAsset])
	require.Equal(t, Record{FieldText: "done"}, ev.ReadyFields())
}

func TestObserveDeliversExistingSnapshot(t *testing.T) {
	ctx := context.Background()
	src := NewMemorySource()
	require.NoError(t, src.SetField(ctx, "r3", FieldText, "early"))

	_, events := collect(t, NewObserver(src), "r3", []string{FieldText, FieldAsset})
	ev := next(t, events)
	require.Equal(t, EventPartialReady, ev.Kind)
	require.Equal(t, "early", ev.Record[FieldText])
}

func TestErrorFieldFailsObservation(t *testing.T) {
	ctx := context.Background()
	src := NewMemorySource()
	sub, events := collect(t, NewObserver(src), "r6", []string{FieldText, FieldAsset})

	require.NoError(t, src.SetField(ctx, "r6", FieldAsset, "pending"))
	require.Equal(t, EventUpdate, next(t, events).Kind)
	require.NoError(t, src.SetField(ctx, "r6", FieldError, "quota exceeded"))
	ev := next(t, events)
	require.Equal(t, EventFailed, ev.Kind)
	require.Equal(t, "quota exceeded", ev.Err)

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not end after failure")
	}
	_, ok := src.Get("r6")
	require.False(t, ok)
}

func TestCancelledObservationKeepsRecord(t *testing.T) {
	ctx := context.Background()
	src := NewMemorySource()
	require.NoError(t, src.SetField(ctx, "r5", FieldAsset, "pending"))
	sub, events := collect(t, NewObserver(src), "r5", []string{FieldText, FieldAsset})
	require.Equal(t, EventUpdate, next(t, events).Kind)

	sub.Cancel()
	<-sub.Done()
	_, ok := src.Get("r5")
	require.True(t, ok)
}

func TestCancelStopsDelivery(t *testing.T) {
	ctx := context.Background()
	src := NewMemorySource()
	sub, events := collect(t, NewObserver(src), "r4", []string{FieldText})

	sub.Cancel()
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not stop")
	}
	require.NoError(t, src.SetField(ctx, "r4", FieldText, "late"))

	select {
	case ev := <-events:
		t.Fatalf("unexpected event after cancel: %v", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestObserveRequiresRecordID(t *testing.T) {
	_, err := NewObserver(NewMemorySource()).Observe(context.Background(), "", nil, func(Event) {})
	require.Error(t, err)
}

func TestRedisSourceObserve(t *testing.T) {
	client := newRedisClient(t)
	src := NewRedisSource(client)
	ctx := context.Background()
	id := uuid.NewString()
	t.Cleanup(func() { _ = client.Del(context.Background(), RecordKey(id)) })

	require.NoError(t, src.SetField(ctx, id, FieldAsset, "queued"))
	_, events := collect(t, NewObserver(src), id, []string{FieldText, FieldAsset})
	require.Equal(t, EventUpdate, next(t, events).Kind)

	require.NoError(t, src.SetField(ctx, id, FieldText, "hello"))
	require.Equal(t, EventPartialReady, next(t, events).Kind)

	require.NoError(t, src.SetField(ctx, id, FieldAsset, "https://cdn/x.png"))
	ev := next(t, events)
	require.Equal(t, EventComplete, ev.Kind)
	require.Equal(t, "hello", ev.Record[FieldText])

	require.Eventually(t, func() bool {
		rec, err := client.HGetAll(ctx, RecordKey(id))
		return err == nil && len(rec) == 0
	}, 2*time.Second, 10*time.Millisecond, "completed record should be deleted")
}

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed feed tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	client, err := redis.NewRedisClient(&config.Config{
		Redis: config.RedisConfig{Host: host, Port: port},
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}
