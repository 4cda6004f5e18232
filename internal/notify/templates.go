package notify

import (
	"bytes"
	"fmt"
	"text/template"
)

const (
	TemplateBookingReceived      = "booking_received"
	TemplateRegistrationLink     = "registration_link"
	TemplateAppointmentConfirmed = "appointment_confirmed"
	TemplateAppointmentCancelled = "appointment_cancelled"
)

// Message is a rendered notification. Subject is empty for SMS.
type Message struct {
	Subject string
	Body    string
}

type messageTemplate struct {
	subject string
	body    string
}

var builtinTemplates = map[string]messageTemplate{
	TemplateBookingReceived: {
		subject: "We received your {{.ClinicName}} appointment request",
		body:    "Hi {{.PatientName}}, your {{.ClinicName}} appointment request for {{.Date}} at {{.Time}} is in. We will confirm it shortly.",
	},
	TemplateRegistrationLink: {
		subject: "Complete your {{.ClinicName}} registration",
		body:    "Hi {{.PatientName}}, please complete your patient registration before your visit: {{.RegistrationURL}}",
	},
	TemplateAppointmentConfirmed: {
		subject: "Your {{.ClinicName}} appointment is confirmed",
		body:    "Your appt at {{.ClinicName}} is confirmed for {{.Date}} at {{.Time}}.",
	},
	TemplateAppointmentCancelled: {
		subject: "Your {{.ClinicName}} appointment was cancelled",
		body:    "Your {{.ClinicName}} appointment on {{.Date}} at {{.Time}} has been cancelled. Reply or call us to rebook.",
	},
}

// Renderer renders the built-in templates with strict missing-key semantics.
type Renderer struct{}

func (Renderer) Render(name string, data map[string]string) (Message, error) {
	tmpl, ok := builtinTemplates[name]
	if !ok {
		return Message{}, fmt.Errorf("templates: unknown template %q", name)
	}
	subject, err := execute(name+".subject", tmpl.subject, data)
	if err != nil {
		return Message{}, err
	}
	body, err := execute(name+".body", tmpl.body, data)
	if err != nil {
		return Message{}, err
	}
	return Message{Subject: subject, Body: body}, nil
}

func execute(name, text string, data map[string]string) (string, error) {
	t, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("templates: parse: %w", err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("templates: execute: %w", err)
	}
	return buf.String(), nil
}
