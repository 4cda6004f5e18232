package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-appointment-core/internal/appointment"
	"github.com/hackgods/clinic-appointment-core/internal/observability/metrics"
)

func sampleDetails() Details {
	return Details{
		ClinicName:      "Canuck Dentist",
		PatientName:     "Ada Tremblay",
		Date:            "2026-10-20",
		Time:            "10:00",
		ServiceCode:     "checkup",
		RegistrationURL: "https://example.com/register",
	}
}

func TestRenderer_Render(t *testing.T) {
	msg, err := Renderer{}.Render(TemplateAppointmentConfirmed, sampleDetails().context())
	require.NoError(t, err)
	assert.Equal(t, "Your appt at Canuck Dentist is confirmed for 2026-10-20 at 10:00.", msg.Body)
	assert.Equal(t, "Your Canuck Dentist appointment is confirmed", msg.Subject)

	_, err = Renderer{}.Render(TemplateRegistrationLink, map[string]string{"ClinicName": "Canuck Dentist"})
	assert.Error(t, err, "missing keys are errors")

	_, err = Renderer{}.Render("nope", nil)
	assert.Error(t, err)
}

func TestWebhookDispatcher_PostsPayload(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewWebhookDispatcher(WebhookConfig{URL: srv.URL, Source: "Canuck Dentist"}, nil)
	d.now = func() time.Time { return time.Date(2026, 10, 19, 15, 4, 5, 0, time.UTC) }

	n := Compose(TemplateBookingReceived, "416-555-0101", "", "Ada Tremblay", sampleDetails())[0]
	require.NoError(t, d.Dispatch(context.Background(), n))

	assert.Equal(t, "sms", got["channel"])
	assert.Equal(t, "416-555-0101", got["recipient"])
	assert.Equal(t, "booking_received", got["template"])
	assert.Equal(t, "Canuck Dentist", got["source"])
	assert.Equal(t, "2026-10-19T15:04:05Z", got["sent_at"])
	assert.Contains(t, got["message"], "2026-10-20 at 10:00")
}

func TestWebhookDispatcher_FailuresTripBreaker(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "automation offline", http.StatusBadGateway)
	}))
	defer srv.Close()

	d := NewWebhookDispatcher(WebhookConfig{URL: srv.URL, Source: "Canuck Dentist"}, nil)
	n := Compose(TemplateBookingReceived, "416-555-0101", "", "Ada Tremblay", sampleDetails())[0]

	for i := 0; i < 7; i++ {
		err := d.Dispatch(context.Background(), n)
		require.ErrorIs(t, err, ErrDispatchFailure)
	}
	assert.Equal(t, int32(5), atomic.LoadInt32(&hits), "open breaker short-circuits")
}

type fakeEmailSender struct {
	mu   sync.Mutex
	sent []EmailMessage
	err  error
}

func (f *fakeEmailSender) Send(_ context.Context, msg EmailMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func TestEmailDispatcher(t *testing.T) {
	sender := &fakeEmailSender{}
	d := NewEmailDispatcher(sender)

	n := Compose(TemplateRegistrationLink, "", "ada@example.com", "Ada Tremblay", sampleDetails())[0]
	require.NoError(t, d.Dispatch(context.Background(), n))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "ada@example.com", sender.sent[0].To)
	assert.Equal(t, "Complete your Canuck Dentist registration", sender.sent[0].Subject)
	assert.Contains(t, sender.sent[0].Body, "https://example.com/register")

	sender.err = errors.New("smtp down")
	assert.ErrorIs(t, d.Dispatch(context.Background(), n), ErrDispatchFailure)
}

func TestSendGridSender(t *testing.T) {
	assert.Nil(t, NewSendGridSender(SendGridConfig{}, nil))

	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer SG.test", r.Header.Get("Authorization"))
		raw, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(raw, &body))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewSendGridSender(SendGridConfig{APIKey: "SG.test", FromEmail: "desk@example.com", FromName: "Canuck Dentist"}, nil)
	s.client.BaseURL = srv.URL + "/v3/mail/send"

	err := s.Send(context.Background(), EmailMessage{To: "ada@example.com", ToName: "Ada", Subject: "Hello", Body: "Body"})
	require.NoError(t, err)
	assert.Equal(t, "Hello", body["subject"])
}

func TestRouter(t *testing.T) {
	sender := &fakeEmailSender{}
	r := NewRouter(map[Channel]Dispatcher{ChannelEmail: NewEmailDispatcher(sender), ChannelSMS: nil})

	emailN := Compose(TemplateBookingReceived, "", "ada@example.com", "Ada", sampleDetails())[0]
	require.NoError(t, r.Dispatch(context.Background(), emailN))

	smsN := Compose(TemplateBookingReceived, "416-555-0101", "", "Ada", sampleDetails())[0]
	assert.ErrorIs(t, r.Dispatch(context.Background(), smsN), ErrDispatchFailure)
}

type recordingDispatcher struct {
	mu   sync.Mutex
	got  []Notification
	fail bool
}

func (r *recordingDispatcher) Dispatch(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	if r.fail {
		return ErrDispatchFailure
	}
	return nil
}

func TestQueue_DeliversAndDrainsOnClose(t *testing.T) {
	rec := &recordingDispatcher{}
	m := metrics.NewSchedulingMetrics(prometheus.NewRegistry())
	q := NewQueue(rec, QueueConfig{Workers: 3, Size: 16}, nil, m)
	q.Start()

	for _, n := range Compose(TemplateBookingReceived, "416-555-0101", "ada@example.com", "Ada", sampleDetails()) {
		require.NoError(t, q.Enqueue(n))
	}
	require.NoError(t, q.Close(context.Background()))
	assert.Len(t, rec.got, 2)

	assert.ErrorIs(t, q.Enqueue(Notification{Channel: ChannelSMS}), ErrQueueClosed)
	require.NoError(t, q.Close(context.Background()), "close is idempotent")
}

func TestQueue_FullQueueRejectsWithoutBlocking(t *testing.T) {
	rec := &recordingDispatcher{fail: true}
	q := NewQueue(rec, QueueConfig{Workers: 1, Size: 1}, nil, nil)

	require.NoError(t, q.Enqueue(Notification{Channel: ChannelSMS, Template: TemplateBookingReceived}))
	assert.ErrorIs(t, q.Enqueue(Notification{Channel: ChannelSMS, Template: TemplateBookingReceived}), ErrQueueFull)

	q.Start()
	require.NoError(t, q.Close(context.Background()))
	assert.Len(t, rec.got, 1, "failed dispatches are not retried")
}

type captureQueue struct {
	got []Notification
}

func (c *captureQueue) Enqueue(n Notification) error {
	c.got = append(c.got, n)
	return nil
}

func TestStatusNotices(t *testing.T) {
	q := &captureQueue{}
	notices := NewStatusNotices(q, "Canuck Dentist")

	view := appointment.AppointmentView{
		Appointment: appointment.Appointment{
			ID:     uuid.New(),
			Date:   time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC),
			Slot:   600,
			Status: appointment.StatusConfirmed,
		},
		Patient: appointment.PatientSummary{FullName: "Ada Tremblay", Phone: "416-555-0101"},
	}
	ctx := context.Background()

	require.NoError(t, notices.Publish(ctx, appointment.Event{Kind: appointment.EventCreated, Snapshot: view}))
	assert.Empty(t, q.got, "creation is announced by the booking flow")

	require.NoError(t, notices.Publish(ctx, appointment.Event{Kind: appointment.EventUpdated, Snapshot: view}))
	require.Len(t, q.got, 1)
	assert.Equal(t, ChannelSMS, q.got[0].Channel)
	assert.Equal(t, TemplateAppointmentConfirmed, q.got[0].Template)
	assert.Equal(t, "10:00", q.got[0].Context["Time"])

	view.Status = appointment.StatusNoShow
	require.NoError(t, notices.Publish(ctx, appointment.Event{Kind: appointment.EventUpdated, Snapshot: view}))
	assert.Len(t, q.got, 1)

	view.Status = appointment.StatusCancelled
	view.Patient.Email = "ada@example.com"
	require.NoError(t, notices.Publish(ctx, appointment.Event{Kind: appointment.EventUpdated, Snapshot: view}))
	require.Len(t, q.got, 3)
	assert.Equal(t, TemplateAppointmentCancelled, q.got[2].Template)
	assert.Equal(t, ChannelEmail, q.got[2].Channel)
}

func TestNewChannelRouter(t *testing.T) {
	none := NewChannelRouter(ChannelConfig{}, nil)
	assert.Empty(t, none.Channels())

	webhookOnly := NewChannelRouter(ChannelConfig{Webhook: WebhookConfig{URL: "http://automation.local/hook"}}, nil)
	assert.Equal(t, []Channel{ChannelSMS, ChannelEmail}, webhookOnly.Channels())
	_, viaWebhook := webhookOnly.routes[ChannelEmail].(*WebhookDispatcher)
	assert.True(t, viaWebhook)

	both := NewChannelRouter(ChannelConfig{
		Webhook:  WebhookConfig{URL: "http://automation.local/hook"},
		SendGrid: SendGridConfig{APIKey: "SG.test", FromEmail: "desk@example.com"},
	}, nil)
	_, viaSendGrid := both.routes[ChannelEmail].(*EmailDispatcher)
	assert.True(t, viaSendGrid)
	_, smsViaWebhook := both.routes[ChannelSMS].(*WebhookDispatcher)
	assert.True(t, smsViaWebhook)
}
