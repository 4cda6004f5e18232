package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"

	"github.com/hackgods/clinic-appointment-core/internal/appointment"
	"github.com/hackgods/clinic-appointment-core/internal/booking"
	"github.com/hackgods/clinic-appointment-core/internal/calendar"
	"github.com/hackgods/clinic-appointment-core/internal/config"
	"github.com/hackgods/clinic-appointment-core/internal/db"
	redisclient "github.com/hackgods/clinic-appointment-core/internal/redis"
	"github.com/hackgods/clinic-appointment-core/pkg/logging"
)

var services = []string{"checkup", "cleaning", "filling", "whitening", "consult"}

// seed books fake patients into the next open clinic days through the
// booking coordinator, so every row goes through the same invariants and
// outbox as live traffic. No notifications are sent.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel).With("service", "seed")

	if cfg.StoreDriver != config.StorePostgres {
		logger.Error("seed requires STORE_DRIVER=postgres")
		os.Exit(1)
	}

	patients := envInt("SEED_PATIENTS", 60)
	days := envInt("SEED_DAYS", 5)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{MaxConns: 4, AppName: "seed"})
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	repo := appointment.NewPgRepository(pool)
	svc := appointment.NewService(repo, logger, nil)
	coord := booking.NewCoordinator(cfg.Clinic, repo, redisclient.NewLocalLocker(cfg.LockWait), nil, booking.Config{
		ClinicName: cfg.ClinicName,
	}, logger, nil)

	dates := openDays(cfg.Clinic, time.Now(), days)
	if len(dates) == 0 {
		logger.Error("clinic schedule has no open days")
		os.Exit(1)
	}
	logger.Info("seeding", "patients", patients, "days", len(dates))

	booked, taken := 0, 0
	for i := 0; i < patients; i++ {
		date := dates[gofakeit.Number(0, len(dates)-1)]
		slots := cfg.Clinic.SlotsFor(date)
		slot := slots[gofakeit.Number(0, len(slots)-1)]

		appt, err := coord.Book(ctx, booking.Request{
			Date: date,
			Slot: slot.Start,
			Patient: appointment.PatientIdentity{
				FullName: gofakeit.Name(),
				Phone:    gofakeit.Phone(),
				Email:    gofakeit.Email(),
			},
			ServiceCode: services[gofakeit.Number(0, len(services)-1)],
		})
		if errors.Is(err, appointment.ErrSlotTaken) {
			taken++
			continue
		}
		if err != nil {
			logger.Error("seed booking failed", "error", err)
			os.Exit(1)
		}
		booked++

		if err := advance(ctx, svc, appt.ID); err != nil {
			logger.Error("seed transition failed", "appointment_id", appt.ID, "error", err)
			os.Exit(1)
		}
	}

	logger.Info("seed complete", "booked", booked, "slot_taken", taken)
}

// advance walks a fresh appointment along a random legal path so the
// dashboard has a mix of statuses.
func advance(ctx context.Context, svc *appointment.Service, id uuid.UUID) error {
	var path []appointment.AppointmentStatus
	switch gofakeit.Number(0, 9) {
	case 0, 1, 2, 3:
		// stays pending
	case 4, 5, 6:
		path = []appointment.AppointmentStatus{appointment.StatusConfirmed}
	case 7:
		path = []appointment.AppointmentStatus{appointment.StatusConfirmed, appointment.StatusCompleted}
	case 8:
		path = []appointment.AppointmentStatus{appointment.StatusConfirmed, appointment.StatusNoShow}
	default:
		path = []appointment.AppointmentStatus{appointment.StatusCancelled}
	}
	for _, status := range path {
		if _, err := svc.ApplyTransition(ctx, id, status); err != nil {
			return err
		}
	}
	return nil
}

func openDays(schedule calendar.ClinicSchedule, from time.Time, n int) []time.Time {
	var out []time.Time
	day := schedule.Today(from)
	for i := 0; len(out) < n && i < 366; i++ {
		if schedule.IsOpen(day) {
			out = append(out, day)
		}
		day = day.AddDate(0, 0, 1)
	}
	return out
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
