package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-appointment-core/internal/observability/metrics"
	"github.com/hackgods/clinic-appointment-core/pkg/logging"
)

// Service drives appointments through their status lifecycle. It is the only
// caller of Repository.Save.
type Service struct {
	repo    Repository
	logger  *logging.Logger
	metrics *metrics.SchedulingMetrics
}

func NewService(repo Repository, logger *logging.Logger, m *metrics.SchedulingMetrics) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		repo:    repo,
		logger:  logger,
		metrics: m,
	}
}

// ApplyTransition moves an appointment to target. The write is conditional on
// the status and version that were read, so two racing transitions on the same
// appointment cannot both succeed; the loser gets ErrConcurrentModification.
func (s *Service) ApplyTransition(ctx context.Context, id uuid.UUID, target AppointmentStatus) (*Appointment, error) {
	if !target.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStatus, target)
	}

	current, err := s.repo.GetAppointment(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load appointment: %w", err)
	}

	from := current.Status
	if !CanTransition(from, target) {
		s.metrics.ObserveTransition(string(from), string(target), "illegal")
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, target)
	}

	next := *current
	next.Status = target

	saved, err := s.repo.Save(ctx, &next)
	if err != nil {
		switch {
		case errors.Is(err, ErrConcurrentModification):
			s.metrics.ObserveTransition(string(from), string(target), "conflict")
			s.logger.Warn("status transition lost a race",
				"appointment_id", id, "from", from, "to", target)
			return nil, err
		case errors.Is(err, ErrNotFound):
			return nil, err
		}
		s.metrics.ObserveTransition(string(from), string(target), "error")
		return nil, fmt.Errorf("save appointment: %w", err)
	}

	s.metrics.ObserveTransition(string(from), string(target), "ok")
	s.logger.Info("appointment status changed",
		"appointment_id", id, "from", from, "to", target)
	return saved, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.repo.GetAppointment(ctx, id)
}

func (s *Service) ListByDate(ctx context.Context, date time.Time) ([]AppointmentView, error) {
	views, err := s.repo.ListByDate(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return views, nil
}

// AdvanceRegistration records progress on the patient's registration form.
func (s *Service) AdvanceRegistration(ctx context.Context, patientID uuid.UUID, to RegistrationStatus) (*Patient, error) {
	p, err := s.repo.AdvanceRegistration(ctx, patientID, to)
	if err != nil {
		return nil, err
	}
	s.logger.Info("patient registration advanced", "patient_id", patientID, "status", to)
	return p, nil
}
