package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	alerts "wattboard-cloud/internal/alerts/domain"
)

type recordingEmail struct {
	addresses []string
	subject   string
	body      string
	err       error
}

func (r *recordingEmail) Send(_ context.Context, addresses []string, subject, body string) error {
	r.addresses = addresses
	r.subject = subject
	r.body = body
	return r.err
}

type recordingWebhook struct {
	urls []string
	err  error
}

func (r *recordingWebhook) Send(_ context.Context, url string, _ Message) error {
	r.urls = append(r.urls, url)
	return r.err
}

func testMessage() Message {
	return Message{
		AlertID:   7,
		AlertName: "High Draw",
		SiteID:    1,
		FiredAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Payload: map[string]any{
			"type":          "threshold",
			"trigger_value": 1250.0,
		},
	}
}

func TestDispatchDeliversToAllTargets(t *testing.T) {
	email := &recordingEmail{}
	webhook := &recordingWebhook{}
	dispatcher, err := NewDispatcher(log.Default(),
		WithEmailSender(email),
		WithWebhookSender(webhook),
	)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	actions := alerts.Actions{
		Email:   []string{"ops@example.com", "oncall@example.com"},
		Webhook: []string{"http://hook-a", "", "http://hook-b"},
	}
	failures := dispatcher.Dispatch(context.Background(), actions, testMessage())
	if len(failures) != 0 {
		t.Fatalf("expected no failures, got %v", failures)
	}
	if len(email.addresses) != 2 {
		t.Fatalf("expected 2 email recipients, got %v", email.addresses)
	}
	if !strings.Contains(email.subject, "High Draw") {
		t.Fatalf("subject missing alert name: %q", email.subject)
	}
	if !strings.Contains(email.body, "High Draw") || !strings.Contains(email.body, "trigger_value") {
		t.Fatalf("rendered body missing alert details: %q", email.body)
	}
	if len(webhook.urls) != 2 {
		t.Fatalf("expected 2 webhook deliveries (empty url skipped), got %v", webhook.urls)
	}
}

func TestDispatchCollectsFailuresWithoutAborting(t *testing.T) {
	email := &recordingEmail{err: errors.New("smtp refused")}
	webhook := &recordingWebhook{}
	dispatcher, err := NewDispatcher(log.New(io.Discard, "", 0),
		WithEmailSender(email),
		WithWebhookSender(webhook),
	)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	actions := alerts.Actions{
		Email:   []string{"ops@example.com"},
		Webhook: []string{"http://hook"},
	}
	failures := dispatcher.Dispatch(context.Background(), actions, testMessage())
	if len(failures) != 1 {
		t.Fatalf("expected 1 failure, got %v", failures)
	}
	if failures[0].Channel != "email" {
		t.Fatalf("expected email failure, got %+v", failures[0])
	}
	if len(webhook.urls) != 1 {
		t.Fatal("expected webhook delivery to proceed after email failure")
	}
}

func TestDispatchUnconfiguredChannelIsAFailure(t *testing.T) {
	dispatcher, err := NewDispatcher(log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	actions := alerts.Actions{Webhook: []string{"http://hook"}}
	failures := dispatcher.Dispatch(context.Background(), actions, testMessage())
	if len(failures) != 1 || failures[0].Channel != "webhook" {
		t.Fatalf("expected webhook-unconfigured failure, got %v", failures)
	}
}

func TestWebhookChannelPostsJSON(t *testing.T) {
	var got Message
	var contentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	channel := NewWebhookChannel()
	msg := testMessage()
	if err := channel.Send(context.Background(), server.URL, msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	if contentType != "application/json" {
		t.Fatalf("expected json content type, got %q", contentType)
	}
	if got.AlertID != msg.AlertID || got.AlertName != msg.AlertName {
		t.Fatalf("payload mismatch: %+v", got)
	}
	if got.Payload["trigger_value"] != 1250.0 {
		t.Fatalf("expected payload passed through, got %v", got.Payload)
	}
}

func TestWebhookChannelNon2xxIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	channel := NewWebhookChannel()
	err := channel.Send(context.Background(), server.URL, testMessage())
	if err == nil {
		t.Fatal("expected error on 502 response")
	}
	if !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected status code in error, got %v", err)
	}
}

func TestTemplateRenderIncludesDetails(t *testing.T) {
	template, err := NewTemplate("")
	if err != nil {
		t.Fatalf("new template: %v", err)
	}
	body, err := template.Render(testMessage())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, want := range []string{"High Draw", "threshold", "2026-03-01"} {
		if !strings.Contains(body, want) {
			t.Fatalf("rendered body missing %q: %s", want, body)
		}
	}
}
