package notify

import (
	"context"

	"github.com/hackgods/clinic-appointment-core/internal/appointment"
	"github.com/hackgods/clinic-appointment-core/internal/calendar"
)

// Enqueuer is the non-blocking side of Queue.
type Enqueuer interface {
	Enqueue(n Notification) error
}

// Details are the fields every patient-facing template can draw on.
type Details struct {
	ClinicName      string
	PatientName     string
	Date            string
	Time            string
	ServiceCode     string
	RegistrationURL string
}

func (d Details) context() map[string]string {
	return map[string]string{
		"ClinicName":      d.ClinicName,
		"PatientName":     d.PatientName,
		"Date":            d.Date,
		"Time":            d.Time,
		"ServiceCode":     d.ServiceCode,
		"RegistrationURL": d.RegistrationURL,
	}
}

// Compose builds one notification per reachable channel of the recipient.
func Compose(template string, phone, email, name string, d Details) []Notification {
	var out []Notification
	if phone != "" {
		out = append(out, Notification{Channel: ChannelSMS, Recipient: phone, RecipientName: name, Template: template, Context: d.context()})
	}
	if email != "" {
		out = append(out, Notification{Channel: ChannelEmail, Recipient: email, RecipientName: name, Template: template, Context: d.context()})
	}
	return out
}

// StatusNotices tells patients when their appointment is confirmed or
// cancelled. It is an appointment.EventSink and only ever enqueues.
type StatusNotices struct {
	queue      Enqueuer
	clinicName string
}

func NewStatusNotices(queue Enqueuer, clinicName string) *StatusNotices {
	return &StatusNotices{queue: queue, clinicName: clinicName}
}

func (s *StatusNotices) Publish(_ context.Context, ev appointment.Event) error {
	if ev.Kind != appointment.EventUpdated {
		return nil
	}

	var template string
	switch ev.Snapshot.Status {
	case appointment.StatusConfirmed:
		template = TemplateAppointmentConfirmed
	case appointment.StatusCancelled:
		template = TemplateAppointmentCancelled
	default:
		return nil
	}

	p := ev.Snapshot.Patient
	details := Details{
		ClinicName:  s.clinicName,
		PatientName: p.FullName,
		Date:        calendar.FormatDate(ev.Snapshot.Date),
		Time:        ev.Snapshot.Slot.String(),
		ServiceCode: ev.Snapshot.ServiceCode,
	}
	for _, n := range Compose(template, p.Phone, p.Email, p.FullName, details) {
		// Queue logs and counts its own rejections.
		_ = s.queue.Enqueue(n)
	}
	return nil
}
