package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/clinic-appointment-core/internal/appointment"
	"github.com/hackgods/clinic-appointment-core/internal/booking"
	"github.com/hackgods/clinic-appointment-core/internal/calendar"
	"github.com/hackgods/clinic-appointment-core/internal/dashboard"
)

// dateParam reads ?date=YYYY-MM-DD, defaulting to the clinic's today.
func dateParam(w http.ResponseWriter, r *http.Request, schedule calendar.ClinicSchedule, now func() time.Time) (time.Time, bool) {
	raw := r.URL.Query().Get("date")
	if raw == "" {
		return schedule.Today(now()), true
	}
	date, err := calendar.ParseDate(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
		return time.Time{}, false
	}
	return date, true
}

func idParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+name+"_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func availableSlotsHandler(coord *booking.Coordinator, now func() time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		schedule := coord.Schedule()
		date, ok := dateParam(w, r, schedule, now)
		if !ok {
			return
		}

		free, err := coord.AvailableSlots(r.Context(), date)
		if err != nil {
			handleDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, SlotsResponse{
			Date:  calendar.FormatDate(date),
			Open:  schedule.IsOpen(date),
			Slots: free,
		})
	}
}

func createAppointmentHandler(coord *booking.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateAppointmentRequest
		if !decodeBody(w, r, &req) {
			return
		}

		date, err := calendar.ParseDate(req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}
		slot, err := calendar.ParseClock(req.Time)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_time", "time must be HH:MM")
			return
		}

		appt, err := coord.Book(r.Context(), booking.Request{
			Date: date,
			Slot: slot,
			Patient: appointment.PatientIdentity{
				FullName: req.FullName,
				Phone:    req.Phone,
				Email:    req.Email,
			},
			ServiceCode: req.ServiceCode,
		})
		if err != nil {
			handleDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointmentResponse(*appt))
	}
}

func listAppointmentsHandler(svc *appointment.Service, schedule calendar.ClinicSchedule, now func() time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		date, ok := dateParam(w, r, schedule, now)
		if !ok {
			return
		}

		views, err := svc.ListByDate(r.Context(), date)
		if err != nil {
			handleDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, AppointmentListResponse{
			Date:         calendar.FormatDate(date),
			Appointments: toViewResponses(views),
		})
	}
}

func getAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r, "appointment")
		if !ok {
			return
		}

		appt, err := svc.Get(r.Context(), id)
		if err != nil {
			handleDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(*appt))
	}
}

func updateStatusHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r, "appointment")
		if !ok {
			return
		}

		var req UpdateStatusRequest
		if !decodeBody(w, r, &req) {
			return
		}
		target, err := appointment.ParseStatus(req.Status)
		if err != nil {
			handleDomainError(w, err)
			return
		}

		transition(w, r, svc, id, target)
	}
}

func confirmAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r, "appointment")
		if !ok {
			return
		}
		transition(w, r, svc, id, appointment.StatusConfirmed)
	}
}

func transition(w http.ResponseWriter, r *http.Request, svc *appointment.Service, id uuid.UUID, target appointment.AppointmentStatus) {
	appt, err := svc.ApplyTransition(r.Context(), id, target)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(*appt))
}

func updateRegistrationHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r, "patient")
		if !ok {
			return
		}

		var req UpdateRegistrationRequest
		if !decodeBody(w, r, &req) {
			return
		}
		to, err := appointment.ParseRegistrationStatus(req.Status)
		if err != nil {
			handleDomainError(w, err)
			return
		}

		p, err := svc.AdvanceRegistration(r.Context(), id, to)
		if err != nil {
			handleDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, PatientResponse{
			ID:                 p.ID,
			FullName:           p.FullName,
			RegistrationStatus: string(p.RegistrationStatus),
			UpdatedAt:          p.UpdatedAt,
		})
	}
}

func dashboardHandler(svc *appointment.Service, schedule calendar.ClinicSchedule, now func() time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		date, ok := dateParam(w, r, schedule, now)
		if !ok {
			return
		}

		views, err := svc.ListByDate(r.Context(), date)
		if err != nil {
			handleDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, dashboard.Compute(date, views))
	}
}
