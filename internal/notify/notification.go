package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/hackgods/clinic-appointment-core/pkg/logging"
)

// ErrDispatchFailure marks a notification that could not be delivered.
// Dispatch failures are logged and counted; they never undo a booking.
var ErrDispatchFailure = errors.New("notification dispatch failed")

type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

// Notification is one message for one recipient. Context fills the template.
type Notification struct {
	Channel       Channel           `json:"channel"`
	Recipient     string            `json:"recipient"`
	RecipientName string            `json:"recipient_name,omitempty"`
	Template      string            `json:"template"`
	Context       map[string]string `json:"context"`
}

// Dispatcher delivers a notification synchronously.
type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification) error
}

// Router picks a dispatcher by channel.
type Router struct {
	routes map[Channel]Dispatcher
}

func NewRouter(routes map[Channel]Dispatcher) *Router {
	r := &Router{routes: make(map[Channel]Dispatcher, len(routes))}
	for ch, d := range routes {
		if d != nil {
			r.routes[ch] = d
		}
	}
	return r
}

func (r *Router) Dispatch(ctx context.Context, n Notification) error {
	d, ok := r.routes[n.Channel]
	if !ok {
		return fmt.Errorf("%w: no route for channel %q", ErrDispatchFailure, n.Channel)
	}
	return d.Dispatch(ctx, n)
}

// ChannelConfig selects a backend per channel. A webhook without a URL or
// SendGrid without a key is left out.
type ChannelConfig struct {
	Webhook  WebhookConfig
	SendGrid SendGridConfig
}

// NewChannelRouter sends SMS through the automation webhook. Email goes
// through SendGrid when it is configured, otherwise through the webhook too.
func NewChannelRouter(cfg ChannelConfig, logger *logging.Logger) *Router {
	routes := make(map[Channel]Dispatcher)
	if cfg.Webhook.URL != "" {
		webhook := NewWebhookDispatcher(cfg.Webhook, logger)
		routes[ChannelSMS] = webhook
		routes[ChannelEmail] = webhook
	}
	if sender := NewSendGridSender(cfg.SendGrid, logger); sender != nil {
		routes[ChannelEmail] = NewEmailDispatcher(sender)
	}
	return NewRouter(routes)
}

// Channels lists the channels r can deliver on.
func (r *Router) Channels() []Channel {
	out := make([]Channel, 0, len(r.routes))
	for _, ch := range []Channel{ChannelSMS, ChannelEmail} {
		if _, ok := r.routes[ch]; ok {
			out = append(out, ch)
		}
	}
	return out
}
