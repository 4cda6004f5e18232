package feed

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-appointment-core/internal/appointment"
	redisclient "github.com/hackgods/clinic-appointment-core/internal/redis"
)

type fakeOutbox struct {
	mu      sync.Mutex
	events  []appointment.Event
	relayed map[int64]bool
}

func newFakeOutbox(events ...appointment.Event) *fakeOutbox {
	return &fakeOutbox{events: events, relayed: make(map[int64]bool)}
}

func (f *fakeOutbox) FetchUnrelayed(_ context.Context, limit int) ([]appointment.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []appointment.Event
	for _, ev := range f.events {
		if !f.relayed[ev.Sequence] {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeOutbox) MarkRelayed(_ context.Context, seqs []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range seqs {
		f.relayed[s] = true
	}
	return nil
}

type flakySink struct {
	mu       sync.Mutex
	failOn   int64
	received []int64
}

func (s *flakySink) Publish(_ context.Context, ev appointment.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.Sequence == s.failOn {
		s.failOn = 0
		return errors.New("sink unavailable")
	}
	s.received = append(s.received, ev.Sequence)
	return nil
}

func TestRelay_DrainsInSequenceOrder(t *testing.T) {
	id := uuid.New()
	outbox := newFakeOutbox(
		event(id, 3, appointment.StatusCompleted),
		event(id, 1, appointment.StatusPending),
		event(id, 2, appointment.StatusConfirmed),
	)
	sink := &flakySink{}
	relay := NewRelay(outbox, sink, redisclient.NewLocalLocker(0), RelayConfig{BatchSize: 2}, nil, nil)

	n, err := relay.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int64{1, 2, 3}, sink.received)

	n, err = relay.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRelay_StopsAtFailureAndRedelivers(t *testing.T) {
	id := uuid.New()
	outbox := newFakeOutbox(
		event(id, 1, appointment.StatusPending),
		event(id, 2, appointment.StatusConfirmed),
		event(id, 3, appointment.StatusCompleted),
	)
	sink := &flakySink{failOn: 2}
	relay := NewRelay(outbox, sink, redisclient.NewLocalLocker(0), RelayConfig{BatchSize: 10}, nil, nil)

	_, err := relay.Drain(context.Background())
	require.Error(t, err)
	assert.Equal(t, []int64{1}, sink.received, "nothing after the failed event is published")

	_, err = relay.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, sink.received)
}

func TestRelay_SkipsWhenLeaseHeldElsewhere(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, mr.Set("lock:"+RelayLockKey, "other-instance"))

	outbox := newFakeOutbox(event(uuid.New(), 1, appointment.StatusPending))
	sink := &flakySink{}
	relay := NewRelay(outbox, sink, redisclient.NewRedisLocker(client, time.Second, 0), RelayConfig{}, nil, nil)

	_, err := relay.Drain(context.Background())
	assert.ErrorIs(t, err, redisclient.ErrLockNotAcquired)
	assert.Empty(t, sink.received)
}

func TestRelay_RunWakesOnSignal(t *testing.T) {
	outbox := newFakeOutbox()
	hub := NewHub(4, nil, nil)
	sub, err := hub.Subscribe()
	require.NoError(t, err)

	relay := NewRelay(outbox, hub, redisclient.NewLocalLocker(0), RelayConfig{Interval: time.Hour}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wake := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		relay.Run(ctx, wake)
		close(done)
	}()

	outbox.mu.Lock()
	outbox.events = append(outbox.events, event(uuid.New(), 1, appointment.StatusPending))
	outbox.mu.Unlock()
	wake <- struct{}{}

	assert.Equal(t, int64(1), receive(t, sub).Sequence)
	cancel()
	<-done
}

func TestRedisBridge_DeliversToHub(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	hub := NewHub(4, nil, nil)
	sub, err := hub.Subscribe()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	subscriber := NewRedisSubscriber(client, "appointments:feed", hub, nil)
	go func() { _ = subscriber.Run(ctx) }()

	require.Eventually(t, func() bool {
		return mr.PubSubNumSub("appointments:feed")["appointments:feed"] > 0
	}, time.Second, 10*time.Millisecond)

	id := uuid.New()
	publisher := NewRedisPublisher(client, "appointments:feed")
	require.NoError(t, publisher.Publish(ctx, event(id, 9, appointment.StatusConfirmed)))

	got := receive(t, sub)
	assert.Equal(t, int64(9), got.Sequence)
	assert.Equal(t, id, got.Snapshot.ID)
	assert.Equal(t, appointment.StatusConfirmed, got.Snapshot.Status)
}

func TestFanout_StopsAtFirstFailure(t *testing.T) {
	id := uuid.New()
	upstream := &flakySink{failOn: 1}
	after := &flakySink{}
	fan := Fanout{upstream, nil, after}

	require.Error(t, fan.Publish(context.Background(), event(id, 1, appointment.StatusPending)))
	assert.Empty(t, after.received, "later sinks wait for a successful retry")

	require.NoError(t, fan.Publish(context.Background(), event(id, 1, appointment.StatusPending)))
	assert.Equal(t, []int64{1}, upstream.received)
	assert.Equal(t, []int64{1}, after.received)
}
