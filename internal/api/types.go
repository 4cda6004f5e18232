package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-appointment-core/internal/appointment"
	"github.com/hackgods/clinic-appointment-core/internal/calendar"
	"github.com/hackgods/clinic-appointment-core/internal/dashboard"
)

type CreateAppointmentRequest struct {
	Date        string `json:"date" validate:"required,datetime=2006-01-02"`
	Time        string `json:"time" validate:"required,datetime=15:04"`
	FullName    string `json:"full_name" validate:"required,max=200"`
	Phone       string `json:"phone" validate:"required_without=Email,omitempty,max=32"`
	Email       string `json:"email" validate:"required_without=Phone,omitempty,email,max=254"`
	ServiceCode string `json:"service_code" validate:"omitempty,max=64"`
}

type UpdateStatusRequest struct {
	Status string `json:"status" validate:"required"`
}

type UpdateRegistrationRequest struct {
	Status string `json:"status" validate:"required"`
}

type AppointmentResponse struct {
	ID          uuid.UUID                   `json:"id"`
	PatientID   uuid.UUID                   `json:"patient_id"`
	Date        string                      `json:"date"`
	Time        string                      `json:"time"`
	ServiceCode string                      `json:"service_code,omitempty"`
	Status      string                      `json:"status"`
	Patient     *appointment.PatientSummary `json:"patient,omitempty"`
	CreatedAt   time.Time                   `json:"created_at"`
	UpdatedAt   time.Time                   `json:"updated_at"`
}

type PatientResponse struct {
	ID                 uuid.UUID `json:"id"`
	FullName           string    `json:"full_name"`
	RegistrationStatus string    `json:"registration_status"`
	UpdatedAt          time.Time `json:"updated_at"`
}

type SlotsResponse struct {
	Date  string              `json:"date"`
	Open  bool                `json:"open"`
	Slots []calendar.TimeSlot `json:"slots"`
}

type AppointmentListResponse struct {
	Date         string                `json:"date"`
	Appointments []AppointmentResponse `json:"appointments"`
}

// FeedMessage is one frame on the dashboard websocket. A snapshot frame
// carries the whole day; an event frame carries one changed appointment.
type FeedMessage struct {
	Type         string                `json:"type"`
	Stats        dashboard.Stats       `json:"stats"`
	Appointments []AppointmentResponse `json:"appointments,omitempty"`
	Event        *FeedEvent            `json:"event,omitempty"`
}

type FeedEvent struct {
	Sequence    int64               `json:"sequence"`
	Kind        string              `json:"kind"`
	OccurredAt  time.Time           `json:"occurred_at"`
	Appointment AppointmentResponse `json:"appointment"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toAppointmentResponse(a appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:          a.ID,
		PatientID:   a.PatientID,
		Date:        calendar.FormatDate(a.Date),
		Time:        a.Slot.String(),
		ServiceCode: a.ServiceCode,
		Status:      string(a.Status),
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
	}
}

func toViewResponse(v appointment.AppointmentView) AppointmentResponse {
	resp := toAppointmentResponse(v.Appointment)
	patient := v.Patient
	resp.Patient = &patient
	return resp
}

func toViewResponses(views []appointment.AppointmentView) []AppointmentResponse {
	out := make([]AppointmentResponse, 0, len(views))
	for _, v := range views {
		out = append(out, toViewResponse(v))
	}
	return out
}
