package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	alerts "wattboard-cloud/internal/alerts/domain"
	"wattboard-cloud/internal/observability/metrics"
)

// Message is the transient notification payload handed to delivery channels.
// It is never persisted; the authoritative firing record is the AlertEvent.
type Message struct {
	AlertID   int64          `json:"alert_id"`
	AlertName string         `json:"alert_name"`
	SiteID    int64          `json:"site_id"`
	FiredAt   time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// EmailSender delivers a rendered message to a list of addresses.
type EmailSender interface {
	Send(ctx context.Context, addresses []string, subject, body string) error
}

// WebhookSender posts a JSON payload to a webhook URL.
type WebhookSender interface {
	Send(ctx context.Context, url string, msg Message) error
}

// DeliveryError records one failed delivery attempt. Failures are reported
// for observability but never interrupt the evaluation batch.
type DeliveryError struct {
	Channel string
	Target  string
	Err     error
}

func (e DeliveryError) Error() string {
	return fmt.Sprintf("notify %s %s: %v", e.Channel, e.Target, e.Err)
}

// Dispatcher fans a fired alert out to its configured targets. Every
// delivery is bounded by the per-target timeout so a slow endpoint cannot
// stall the evaluation of subsequent rules.
type Dispatcher struct {
	email    EmailSender
	webhook  WebhookSender
	template *Template
	timeout  time.Duration
	logger   *log.Logger
}

// DispatcherOption configures the dispatcher.
type DispatcherOption func(*Dispatcher)

// WithEmailSender assigns the email channel.
func WithEmailSender(sender EmailSender) DispatcherOption {
	return func(d *Dispatcher) {
		d.email = sender
	}
}

// WithWebhookSender assigns the webhook channel.
func WithWebhookSender(sender WebhookSender) DispatcherOption {
	return func(d *Dispatcher) {
		d.webhook = sender
	}
}

// WithTargetTimeout overrides the per-target delivery timeout.
func WithTargetTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithTemplate overrides the email body template.
func WithTemplate(template *Template) DispatcherOption {
	return func(d *Dispatcher) {
		if template != nil {
			d.template = template
		}
	}
}

// NewDispatcher constructs a dispatcher.
func NewDispatcher(logger *log.Logger, opts ...DispatcherOption) (*Dispatcher, error) {
	if logger == nil {
		logger = log.Default()
	}
	template, err := NewTemplate("")
	if err != nil {
		return nil, err
	}
	d := &Dispatcher{
		template: template,
		timeout:  10 * time.Second,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Dispatch delivers the message to every configured target, best-effort.
// Failed deliveries are logged, counted and returned; they do not affect
// alert state.
func (d *Dispatcher) Dispatch(ctx context.Context, actions alerts.Actions, msg Message) []DeliveryError {
	if d == nil {
		return nil
	}
	var failures []DeliveryError

	if len(actions.Email) > 0 {
		err := d.sendEmail(ctx, actions.Email, msg)
		d.record("email", fmt.Sprintf("%d addresses", len(actions.Email)), err, &failures)
	}
	for _, url := range actions.Webhook {
		if url == "" {
			continue
		}
		err := d.sendWebhook(ctx, url, msg)
		d.record("webhook", url, err, &failures)
	}
	return failures
}

func (d *Dispatcher) sendEmail(ctx context.Context, addresses []string, msg Message) error {
	if d.email == nil {
		return errors.New("email channel not configured")
	}
	body, err := d.template.Render(msg)
	if err != nil {
		return err
	}
	subject := fmt.Sprintf("Wattboard Alert: %s", msg.AlertName)
	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.email.Send(sendCtx, addresses, subject, body)
}

func (d *Dispatcher) sendWebhook(ctx context.Context, url string, msg Message) error {
	if d.webhook == nil {
		return errors.New("webhook channel not configured")
	}
	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.webhook.Send(sendCtx, url, msg)
}

func (d *Dispatcher) record(channel, target string, err error, failures *[]DeliveryError) {
	if err != nil {
		metrics.IncNotification(channel, metrics.ResultError)
		d.logger.Printf("notify: %s delivery failed target=%s err=%v", channel, target, err)
		*failures = append(*failures, DeliveryError{Channel: channel, Target: target, Err: err})
		return
	}
	metrics.IncNotification(channel, metrics.ResultSuccess)
}
