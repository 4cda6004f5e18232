package feed

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-appointment-core/internal/appointment"
)

func event(id uuid.UUID, seq int64, status appointment.AppointmentStatus) appointment.Event {
	return appointment.Event{
		Sequence:   seq,
		Kind:       appointment.EventUpdated,
		OccurredAt: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC),
		Snapshot: appointment.AppointmentView{
			Appointment: appointment.Appointment{ID: id, Status: status, Slot: 600},
		},
	}
}

func receive(t *testing.T, sub *Subscription) appointment.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
	return appointment.Event{}
}

func TestHub_FansOutToEveryObserver(t *testing.T) {
	hub := NewHub(8, nil, nil)
	a, err := hub.Subscribe()
	require.NoError(t, err)
	b, err := hub.Subscribe()
	require.NoError(t, err)

	id := uuid.New()
	require.NoError(t, hub.Publish(context.Background(), event(id, 1, appointment.StatusPending)))
	require.NoError(t, hub.Publish(context.Background(), event(id, 2, appointment.StatusConfirmed)))

	for _, sub := range []*Subscription{a, b} {
		assert.Equal(t, int64(1), receive(t, sub).Sequence)
		assert.Equal(t, appointment.StatusConfirmed, receive(t, sub).Snapshot.Status)
	}
}

func TestHub_DropsDuplicatesAndStaleEvents(t *testing.T) {
	hub := NewHub(8, nil, nil)
	sub, err := hub.Subscribe()
	require.NoError(t, err)

	id := uuid.New()
	other := uuid.New()
	ctx := context.Background()
	require.NoError(t, hub.Publish(ctx, event(id, 5, appointment.StatusPending)))
	require.NoError(t, hub.Publish(ctx, event(id, 5, appointment.StatusPending)))
	require.NoError(t, hub.Publish(ctx, event(id, 4, appointment.StatusPending)))
	require.NoError(t, hub.Publish(ctx, event(other, 3, appointment.StatusPending)))
	require.NoError(t, hub.Publish(ctx, event(id, 6, appointment.StatusConfirmed)))

	assert.Equal(t, int64(5), receive(t, sub).Sequence)
	assert.Equal(t, int64(3), receive(t, sub).Sequence, "other appointments have their own ordering")
	assert.Equal(t, int64(6), receive(t, sub).Sequence)
	assert.Empty(t, sub.Events())
}

func TestHub_SlowObserverIsDroppedOthersUnaffected(t *testing.T) {
	hub := NewHub(2, nil, nil)
	slow, err := hub.Subscribe()
	require.NoError(t, err)
	fast, err := hub.Subscribe()
	require.NoError(t, err)

	ctx := context.Background()
	id := uuid.New()
	for seq := int64(1); seq <= 3; seq++ {
		require.NoError(t, hub.Publish(ctx, event(id, seq, appointment.StatusPending)))
		assert.Equal(t, seq, receive(t, fast).Sequence)
	}

	// The slow observer got its buffer's worth, then was cut off.
	assert.Equal(t, int64(1), receive(t, slow).Sequence)
	assert.Equal(t, int64(2), receive(t, slow).Sequence)
	_, open := <-slow.Events()
	assert.False(t, open)
	assert.Equal(t, 1, hub.Observers())
}

func TestHub_UnsubscribeAndClose(t *testing.T) {
	hub := NewHub(4, nil, nil)
	sub, err := hub.Subscribe()
	require.NoError(t, err)

	sub.Close()
	sub.Close()
	_, open := <-sub.Events()
	assert.False(t, open)
	assert.Equal(t, 0, hub.Observers())

	require.NoError(t, hub.Publish(context.Background(), event(uuid.New(), 1, appointment.StatusPending)))

	other, err := hub.Subscribe()
	require.NoError(t, err)
	hub.Close()
	_, open = <-other.Events()
	assert.False(t, open)

	_, err = hub.Subscribe()
	assert.ErrorIs(t, err, ErrHubClosed)
	assert.ErrorIs(t, hub.Publish(context.Background(), event(uuid.New(), 2, appointment.StatusPending)), ErrHubClosed)
}

func TestHub_DropAll(t *testing.T) {
	hub := NewHub(4, nil, nil)
	a, _ := hub.Subscribe()
	b, _ := hub.Subscribe()

	hub.DropAll("upstream interrupted")

	_, openA := <-a.Events()
	_, openB := <-b.Events()
	assert.False(t, openA)
	assert.False(t, openB)

	c, err := hub.Subscribe()
	require.NoError(t, err, "the hub keeps accepting observers")
	c.Close()
}

func TestHub_SweepForgetsQuietAppointments(t *testing.T) {
	hub := NewHub(4, nil, nil)
	hub.retained = -time.Minute
	id := uuid.New()
	require.NoError(t, hub.Publish(context.Background(), event(id, 1, appointment.StatusCancelled)))

	hub.mu.Lock()
	hub.sweepLocked()
	_, kept := hub.seen[id]
	hub.mu.Unlock()
	assert.False(t, kept)
}
