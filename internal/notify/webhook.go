package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/hackgods/clinic-appointment-core/pkg/logging"
)

// WebhookConfig points at the external automation that sends SMS and email.
type WebhookConfig struct {
	URL     string
	Source  string
	Timeout time.Duration
}

// WebhookDispatcher posts rendered notifications as JSON to the automation
// webhook. A circuit breaker stops hammering the endpoint while it is down.
type WebhookDispatcher struct {
	url      string
	source   string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	renderer Renderer
	logger   *logging.Logger
	now      func() time.Time
}

type webhookPayload struct {
	Channel       Channel           `json:"channel"`
	Recipient     string            `json:"recipient"`
	RecipientName string            `json:"recipient_name,omitempty"`
	Template      string            `json:"template"`
	Subject       string            `json:"subject,omitempty"`
	Message       string            `json:"message"`
	Context       map[string]string `json:"context,omitempty"`
	Source        string            `json:"source"`
	SentAt        time.Time         `json:"sent_at"`
}

func NewWebhookDispatcher(cfg WebhookConfig, logger *logging.Logger) *WebhookDispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "notify-webhook",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &WebhookDispatcher{
		url:     cfg.URL,
		source:  cfg.Source,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		logger:  logger,
		now:     time.Now,
	}
}

func (d *WebhookDispatcher) Dispatch(ctx context.Context, n Notification) error {
	msg, err := d.renderer.Render(n.Template, n.Context)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDispatchFailure, err)
	}

	body, err := json.Marshal(webhookPayload{
		Channel:       n.Channel,
		Recipient:     n.Recipient,
		RecipientName: n.RecipientName,
		Template:      n.Template,
		Subject:       msg.Subject,
		Message:       msg.Body,
		Context:       n.Context,
		Source:        d.source,
		SentAt:        d.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("%w: marshal payload: %v", ErrDispatchFailure, err)
	}

	_, err = d.breaker.Execute(func() (interface{}, error) {
		return nil, d.post(ctx, body)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDispatchFailure, err)
	}

	d.logger.Debug("notification posted to webhook", "channel", n.Channel, "template", n.Template)
	return nil
}

func (d *WebhookDispatcher) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
