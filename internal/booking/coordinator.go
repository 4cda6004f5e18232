package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hackgods/clinic-appointment-core/internal/appointment"
	"github.com/hackgods/clinic-appointment-core/internal/calendar"
	"github.com/hackgods/clinic-appointment-core/internal/notify"
	"github.com/hackgods/clinic-appointment-core/internal/observability/metrics"
	redisclient "github.com/hackgods/clinic-appointment-core/internal/redis"
	"github.com/hackgods/clinic-appointment-core/pkg/logging"
)

var (
	ErrClosedDay   = errors.New("clinic is closed on that date")
	ErrInvalidSlot = errors.New("time is not one of the day's slots")
)

// Request is one patient's booking intent.
type Request struct {
	Date        time.Time
	Slot        calendar.Clock
	Patient     appointment.PatientIdentity
	ServiceCode string
}

type Config struct {
	ClinicName      string
	RegistrationURL string
}

// Coordinator turns a booking request into a pending appointment. Only the
// claim itself is serialized, per (date, slot). Every caller that loses a
// slot gets ErrSlotTaken, however the lock behaves.
type Coordinator struct {
	schedule calendar.ClinicSchedule
	repo     appointment.Repository
	locker   redisclient.Locker
	notices  notify.Enqueuer
	cfg      Config
	logger   *logging.Logger
	metrics  *metrics.SchedulingMetrics
}

func NewCoordinator(
	schedule calendar.ClinicSchedule,
	repo appointment.Repository,
	locker redisclient.Locker,
	notices notify.Enqueuer,
	cfg Config,
	logger *logging.Logger,
	m *metrics.SchedulingMetrics,
) *Coordinator {
	if logger == nil {
		logger = logging.Default()
	}
	return &Coordinator{
		schedule: schedule,
		repo:     repo,
		locker:   locker,
		notices:  notices,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
	}
}

// SlotLockKey names the lock guarding one (date, slot).
func SlotLockKey(date time.Time, slot calendar.Clock) string {
	return fmt.Sprintf("slot:%s:%s", calendar.FormatDate(date), slot)
}

// Book validates req against the schedule, upserts the patient and claims
// the slot. Notification failures never fail a booking.
func (c *Coordinator) Book(ctx context.Context, req Request) (*appointment.Appointment, error) {
	date := calendar.DateOf(req.Date)

	if !c.schedule.IsOpen(date) {
		c.metrics.ObserveBooking("closed_day")
		return nil, ErrClosedDay
	}
	if !c.schedule.Contains(date, req.Slot) {
		c.metrics.ObserveBooking("invalid_slot")
		return nil, fmt.Errorf("%w: %s", ErrInvalidSlot, req.Slot)
	}

	patient, err := c.repo.UpsertPatient(ctx, req.Patient)
	if err != nil {
		c.metrics.ObserveBooking("error")
		if errors.Is(err, appointment.ErrInvalidIdentity) {
			return nil, err
		}
		return nil, fmt.Errorf("upsert patient: %w", err)
	}

	claim := appointment.ClaimRequest{
		Date:        date,
		Slot:        req.Slot,
		PatientID:   patient.ID,
		ServiceCode: req.ServiceCode,
	}

	var (
		created  *appointment.Appointment
		claimErr error
		claimed  bool
	)
	lockErr := c.locker.WithLock(ctx, SlotLockKey(date, req.Slot), func(lockCtx context.Context) error {
		claimed = true
		created, claimErr = c.repo.ClaimSlot(lockCtx, claim)
		return claimErr
	})
	if !claimed && ctx.Err() != nil {
		c.metrics.ObserveBooking("error")
		return nil, fmt.Errorf("claim slot: %w", ctx.Err())
	}
	if !claimed {
		// The store decides exclusivity on its own; the lock only keeps
		// contenders from piling onto it. Past the wait, or with the lock
		// backend down, claim directly.
		if !errors.Is(lockErr, redisclient.ErrLockNotAcquired) {
			c.logger.Warn("slot lock unavailable, claiming without it",
				"date", calendar.FormatDate(date), "slot", req.Slot.String(), "error", lockErr)
		}
		created, claimErr = c.repo.ClaimSlot(ctx, claim)
	}
	if claimErr != nil {
		if errors.Is(claimErr, appointment.ErrSlotTaken) {
			c.metrics.ObserveBooking("slot_taken")
			return nil, claimErr
		}
		c.metrics.ObserveBooking("error")
		return nil, fmt.Errorf("claim slot: %w", claimErr)
	}

	c.metrics.ObserveBooking("booked")
	c.logger.Info("appointment booked",
		"appointment_id", created.ID,
		"patient_id", patient.ID,
		"date", calendar.FormatDate(date),
		"slot", req.Slot.String(),
	)

	c.announce(patient, created)
	return created, nil
}

func (c *Coordinator) announce(p *appointment.Patient, appt *appointment.Appointment) {
	if c.notices == nil {
		return
	}

	details := notify.Details{
		ClinicName:      c.cfg.ClinicName,
		PatientName:     p.FullName,
		Date:            calendar.FormatDate(appt.Date),
		Time:            appt.Slot.String(),
		ServiceCode:     appt.ServiceCode,
		RegistrationURL: c.cfg.RegistrationURL,
	}

	batch := notify.Compose(notify.TemplateBookingReceived, p.Phone, p.Email, p.FullName, details)
	if p.RegistrationStatus != appointment.RegistrationActive && p.Email != "" && c.cfg.RegistrationURL != "" {
		batch = append(batch, notify.Compose(notify.TemplateRegistrationLink, "", p.Email, p.FullName, details)...)
	}

	for _, n := range batch {
		if err := c.notices.Enqueue(n); err != nil {
			c.logger.Warn("booking notification not queued",
				"appointment_id", appt.ID, "template", n.Template, "channel", n.Channel, "error", err)
		}
	}
}

// AvailableSlots is the day's schedule minus slots held by an active
// appointment. Closed days yield an empty list.
func (c *Coordinator) AvailableSlots(ctx context.Context, date time.Time) ([]calendar.TimeSlot, error) {
	slots := c.schedule.SlotsFor(date)
	if len(slots) == 0 {
		return slots, nil
	}

	views, err := c.repo.ListByDate(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	held := make(map[calendar.Clock]bool, len(views))
	for _, v := range views {
		if v.Active() {
			held[v.Slot] = true
		}
	}

	free := make([]calendar.TimeSlot, 0, len(slots))
	for _, s := range slots {
		if !held[s.Start] {
			free = append(free, s)
		}
	}
	return free, nil
}

// Schedule exposes the clinic calendar the coordinator validates against.
func (c *Coordinator) Schedule() calendar.ClinicSchedule {
	return c.schedule
}
