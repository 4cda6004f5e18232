package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrAppointmentNotFound    = fmt.Errorf("appointment %w", ErrNotFound)
	ErrPatientNotFound        = fmt.Errorf("patient %w", ErrNotFound)
	ErrSlotTaken              = errors.New("slot already has an active appointment")
	ErrIllegalTransition      = errors.New("illegal status transition")
	ErrConcurrentModification = errors.New("appointment was modified concurrently")
	ErrUnknownStatus          = errors.New("unknown status")
	ErrInvalidIdentity        = errors.New("patient needs a name and a phone number or email")
)

// Repository is the only write path for appointments and patients.
type Repository interface {
	// UpsertPatient finds the patient by identity key or creates one in
	// registration status pending. Repeated calls return the same patient.
	UpsertPatient(ctx context.Context, identity PatientIdentity) (*Patient, error)
	GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error)
	AdvanceRegistration(ctx context.Context, id uuid.UUID, to RegistrationStatus) (*Patient, error)

	// ClaimSlot atomically inserts a pending appointment, or fails with
	// ErrSlotTaken when an active appointment holds (date, slot). A pending
	// claim by the same patient for the same slot is returned as is.
	ClaimSlot(ctx context.Context, req ClaimRequest) (*Appointment, error)

	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)

	// ListByDate returns the day's appointments ordered by slot.
	ListByDate(ctx context.Context, date time.Time) ([]AppointmentView, error)

	// Save writes appt.Status. appt.UpdatedAt must be the value that was read;
	// if the stored record has moved on, Save fails with
	// ErrConcurrentModification.
	Save(ctx context.Context, appt *Appointment) (*Appointment, error)
}

// EventSink receives committed change events.
type EventSink interface {
	Publish(ctx context.Context, ev Event) error
}
