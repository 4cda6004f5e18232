package appointment

import (
	"net/mail"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-appointment-core/internal/calendar"
)

type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "pending"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCompleted AppointmentStatus = "completed"
	StatusNoShow    AppointmentStatus = "no-show"
	StatusCancelled AppointmentStatus = "cancelled"
)

type RegistrationStatus string

const (
	RegistrationUnregistered RegistrationStatus = "unregistered"
	RegistrationPending      RegistrationStatus = "pending"
	RegistrationActive       RegistrationStatus = "active"
)

type Patient struct {
	ID                 uuid.UUID          `json:"id"`
	FullName           string             `json:"full_name"`
	Phone              string             `json:"phone,omitempty"`
	Email              string             `json:"email,omitempty"`
	RegistrationStatus RegistrationStatus `json:"registration_status"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// PatientIdentity is what a booking client knows about the patient.
type PatientIdentity struct {
	FullName string
	Phone    string
	Email    string
}

// Key is the stable lookup key for the patient: the phone number digits when
// a phone is given, otherwise the lower-cased email. Empty when neither is
// usable.
func (p PatientIdentity) Key() string {
	if digits := phoneDigits(p.Phone); len(digits) >= 7 {
		return "phone:" + digits
	}
	email := strings.ToLower(strings.TrimSpace(p.Email))
	if email == "" {
		return ""
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return ""
	}
	return "email:" + email
}

func phoneDigits(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

type Appointment struct {
	ID          uuid.UUID         `json:"id"`
	PatientID   uuid.UUID         `json:"patient_id"`
	Date        time.Time         `json:"date"`
	Slot        calendar.Clock    `json:"time_slot"`
	ServiceCode string            `json:"service_code"`
	Status      AppointmentStatus `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Active reports whether the appointment still occupies its slot.
func (a Appointment) Active() bool {
	return a.Status != StatusCancelled
}

// PatientSummary is the patient projection joined onto appointment reads.
type PatientSummary struct {
	FullName string `json:"full_name"`
	Phone    string `json:"phone,omitempty"`
	Email    string `json:"email,omitempty"`
}

// AppointmentView is an appointment with its patient projection.
type AppointmentView struct {
	Appointment
	Patient PatientSummary `json:"patient"`
}

// ClaimRequest asks the store to occupy one slot.
type ClaimRequest struct {
	Date        time.Time
	Slot        calendar.Clock
	PatientID   uuid.UUID
	ServiceCode string
}

type EventKind string

const (
	EventCreated EventKind = "created"
	EventUpdated EventKind = "updated"
)

// Event is one committed mutation. Sequence grows with commit order for any
// single appointment, so observers can order and de-duplicate per record.
type Event struct {
	Sequence   int64           `json:"sequence"`
	Kind       EventKind       `json:"kind"`
	OccurredAt time.Time       `json:"occurred_at"`
	Snapshot   AppointmentView `json:"snapshot"`
}
