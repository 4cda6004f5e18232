package booking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-appointment-core/internal/appointment"
	"github.com/hackgods/clinic-appointment-core/internal/calendar"
	"github.com/hackgods/clinic-appointment-core/internal/feed"
	"github.com/hackgods/clinic-appointment-core/internal/notify"
	redisclient "github.com/hackgods/clinic-appointment-core/internal/redis"
)

var (
	tuesday  = time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC)
	saturday = time.Date(2026, 10, 24, 0, 0, 0, 0, time.UTC)
	ten      = calendar.Clock(10 * 60)
)

type captureQueue struct {
	mu  sync.Mutex
	got []notify.Notification
	err error
}

func (c *captureQueue) Enqueue(n notify.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.got = append(c.got, n)
	return nil
}

func (c *captureQueue) templates() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, n := range c.got {
		out = append(out, string(n.Channel)+":"+n.Template)
	}
	return out
}

type fixture struct {
	repo        *appointment.MemoryRepository
	hub         *feed.Hub
	coordinator *Coordinator
	queue       *captureQueue
}

func newFixture(t *testing.T, locker redisclient.Locker) *fixture {
	t.Helper()
	hub := feed.NewHub(16, nil, nil)
	t.Cleanup(hub.Close)
	repo := appointment.NewMemoryRepository(hub, nil)
	t.Cleanup(repo.Close)
	queue := &captureQueue{}
	if locker == nil {
		locker = redisclient.NewLocalLocker(time.Second)
	}
	c := NewCoordinator(calendar.DefaultSchedule(), repo, locker, queue, Config{
		ClinicName:      "Canuck Dentist",
		RegistrationURL: "https://example.com/register",
	}, nil, nil)
	return &fixture{repo: repo, hub: hub, coordinator: c, queue: queue}
}

func ada() appointment.PatientIdentity {
	return appointment.PatientIdentity{FullName: "Ada Tremblay", Phone: "416-555-0101", Email: "ada@example.com"}
}

func nextEvent(t *testing.T, sub *feed.Subscription) appointment.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok)
		return ev
	case <-time.After(time.Second):
		t.Fatal("expected a feed event")
	}
	return appointment.Event{}
}

func TestBook_TuesdayTenToConfirmed(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	sub, err := f.hub.Subscribe()
	require.NoError(t, err)

	appt, err := f.coordinator.Book(ctx, Request{Date: tuesday, Slot: ten, Patient: ada(), ServiceCode: "checkup"})
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusPending, appt.Status)
	assert.Equal(t, "10:00", appt.Slot.String())

	created := nextEvent(t, sub)
	assert.Equal(t, appointment.EventCreated, created.Kind)
	assert.Equal(t, "Ada Tremblay", created.Snapshot.Patient.FullName)

	assert.ElementsMatch(t, []string{
		"sms:booking_received",
		"email:booking_received",
		"email:registration_link",
	}, f.queue.templates())

	svc := appointment.NewService(f.repo, nil, nil)
	confirmed, err := svc.ApplyTransition(ctx, appt.ID, appointment.StatusConfirmed)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusConfirmed, confirmed.Status)

	updated := nextEvent(t, sub)
	assert.Equal(t, appointment.EventUpdated, updated.Kind)
	assert.Equal(t, appointment.StatusConfirmed, updated.Snapshot.Status)
	assert.Empty(t, sub.Events(), "exactly one event per committed change")

	views, err := f.repo.ListByDate(ctx, tuesday)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, appointment.StatusConfirmed, views[0].Status)
}

func TestBook_RejectsClosedDayAndOffGridTimes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.coordinator.Book(ctx, Request{Date: saturday, Slot: ten, Patient: ada()})
	assert.ErrorIs(t, err, ErrClosedDay)

	_, err = f.coordinator.Book(ctx, Request{Date: tuesday, Slot: 10*60 + 30, Patient: ada()})
	assert.ErrorIs(t, err, ErrInvalidSlot)

	_, err = f.coordinator.Book(ctx, Request{Date: tuesday, Slot: 17 * 60, Patient: ada()})
	assert.ErrorIs(t, err, ErrInvalidSlot, "closing time is not a slot")

	_, err = f.coordinator.Book(ctx, Request{Date: tuesday, Slot: ten, Patient: appointment.PatientIdentity{FullName: "No Contact"}})
	assert.ErrorIs(t, err, appointment.ErrInvalidIdentity)

	views, err := f.repo.ListByDate(ctx, tuesday)
	require.NoError(t, err)
	assert.Empty(t, views)
	assert.Empty(t, f.queue.templates())
}

func runContention(t *testing.T, f *fixture, n int) (won int, taken int) {
	t.Helper()
	var wg sync.WaitGroup
	var mu sync.Mutex
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.coordinator.Book(context.Background(), Request{
				Date:    tuesday,
				Slot:    ten,
				Patient: appointment.PatientIdentity{FullName: fmt.Sprintf("Patient %d", i), Phone: fmt.Sprintf("905-555-%04d", i)},
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case errors.Is(err, appointment.ErrSlotTaken):
				taken++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	return won, taken
}

func TestBook_ConcurrentBookingsExactlyOneWins(t *testing.T) {
	f := newFixture(t, nil)
	won, taken := runContention(t, f, 20)
	assert.Equal(t, 1, won)
	assert.Equal(t, 19, taken)
}

func TestBook_ConcurrentBookingsWithRedisLock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := newFixture(t, redisclient.NewRedisLocker(client, 5*time.Second, 5*time.Second))
	won, taken := runContention(t, f, 10)
	assert.Equal(t, 1, won)
	assert.Equal(t, 9, taken)
	assert.False(t, mr.Exists("lock:"+SlotLockKey(tuesday, ten)))
}

func TestBook_NotificationFailureDoesNotFailBooking(t *testing.T) {
	f := newFixture(t, nil)
	f.queue.err = notify.ErrQueueFull

	appt, err := f.coordinator.Book(context.Background(), Request{Date: tuesday, Slot: ten, Patient: ada()})
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusPending, appt.Status)
}

func TestBook_ActivePatientGetsNoRegistrationLink(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	p, err := f.repo.UpsertPatient(ctx, ada())
	require.NoError(t, err)
	_, err = f.repo.AdvanceRegistration(ctx, p.ID, appointment.RegistrationActive)
	require.NoError(t, err)

	_, err = f.coordinator.Book(ctx, Request{Date: tuesday, Slot: ten, Patient: ada()})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"sms:booking_received", "email:booking_received"}, f.queue.templates())
}

func TestBook_RetryBySamePatientReturnsSameAppointment(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.coordinator.Book(ctx, Request{Date: tuesday, Slot: ten, Patient: ada()})
	require.NoError(t, err)
	second, err := f.coordinator.Book(ctx, Request{Date: tuesday, Slot: ten, Patient: ada()})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestAvailableSlots(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	free, err := f.coordinator.AvailableSlots(ctx, tuesday)
	require.NoError(t, err)
	assert.Len(t, free, 8)

	appt, err := f.coordinator.Book(ctx, Request{Date: tuesday, Slot: ten, Patient: ada()})
	require.NoError(t, err)

	free, err = f.coordinator.AvailableSlots(ctx, tuesday)
	require.NoError(t, err)
	assert.Len(t, free, 7)
	for _, s := range free {
		assert.NotEqual(t, ten, s.Start)
	}

	svc := appointment.NewService(f.repo, nil, nil)
	_, err = svc.ApplyTransition(ctx, appt.ID, appointment.StatusCancelled)
	require.NoError(t, err)

	free, err = f.coordinator.AvailableSlots(ctx, tuesday)
	require.NoError(t, err)
	assert.Len(t, free, 8, "cancelled appointments release their slot")

	closed, err := f.coordinator.AvailableSlots(ctx, saturday)
	require.NoError(t, err)
	assert.Empty(t, closed)
}

func TestSlotLockKey(t *testing.T) {
	assert.Equal(t, "slot:2026-10-20:10:00", SlotLockKey(tuesday, ten))
}

// slowRepository holds every claim long enough for lock waiters to give up.
type slowRepository struct {
	*appointment.MemoryRepository
	delay time.Duration
}

func (r *slowRepository) ClaimSlot(ctx context.Context, req appointment.ClaimRequest) (*appointment.Appointment, error) {
	time.Sleep(r.delay)
	return r.MemoryRepository.ClaimSlot(ctx, req)
}

type brokenLocker struct{}

func (brokenLocker) WithLock(context.Context, string, func(context.Context) error) error {
	return errors.New("dial tcp 127.0.0.1:6379: connection refused")
}

func TestBook_LockWaitExpiryStillReportsSlotTaken(t *testing.T) {
	f := newFixture(t, nil)
	slow := &slowRepository{MemoryRepository: f.repo, delay: 30 * time.Millisecond}
	f.coordinator = NewCoordinator(calendar.DefaultSchedule(), slow, redisclient.NewLocalLocker(50*time.Millisecond), f.queue,
		Config{ClinicName: "Canuck Dentist"}, nil, nil)

	won, taken := runContention(t, f, 60)
	assert.Equal(t, 1, won)
	assert.Equal(t, 59, taken)

	views, err := f.repo.ListByDate(context.Background(), tuesday)
	require.NoError(t, err)
	assert.Len(t, views, 1)
}

func TestBook_LockBackendDownFallsBackToStore(t *testing.T) {
	f := newFixture(t, brokenLocker{})
	ctx := context.Background()

	appt, err := f.coordinator.Book(ctx, Request{Date: tuesday, Slot: ten, Patient: ada()})
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusPending, appt.Status)

	_, err = f.coordinator.Book(ctx, Request{
		Date:    tuesday,
		Slot:    ten,
		Patient: appointment.PatientIdentity{FullName: "Ben Roy", Phone: "416-555-0202"},
	})
	assert.ErrorIs(t, err, appointment.ErrSlotTaken)
}
