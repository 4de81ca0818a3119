package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/marcus-qen/watchtower/internal/alert"
)

func sampleAlert() alert.Alert {
	return alert.Alert{
		ID:       "eth-mainnet:gas-high:breach",
		ProbeID:  "eth-mainnet",
		RuleID:   "gas-high",
		Severity: alert.SeverityWarning,
		Title:    "Threshold Breached",
		Message:  "Value 120 crossed threshold 100",
		Entities: map[string]string{"Value": "120"},
		Links:    []alert.Link{{Label: "Dashboard", URL: "https://grafana.example.com"}},
	}
}

func TestRenderText(t *testing.T) {
	got := renderText(sampleAlert())
	for _, want := range []string{"[WARNING]", "Threshold Breached", "Value 120 crossed threshold 100", "Value: 120", "Dashboard: https://grafana.example.com"} {
		if !strings.Contains(got, want) {
			t.Errorf("rendered text missing %q:\n%s", want, got)
		}
	}
}

func TestSlackChannelSend(t *testing.T) {
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := NewSlackChannel(srv.URL)
	if err := ch.Send(context.Background(), sampleAlert()); err != nil {
		t.Fatalf("send: %v", err)
	}
	text, _ := payload["text"].(string)
	if !strings.Contains(text, "Threshold Breached") {
		t.Fatalf("slack payload = %v", payload)
	}
}

func TestWebhookChannelSend(t *testing.T) {
	var got alert.Alert
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("X-Token")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL, map[string]string{"X-Token": "secret"})
	if err := ch.Send(context.Background(), sampleAlert()); err != nil {
		t.Fatalf("send: %v", err)
	}
	if auth != "secret" {
		t.Fatalf("header = %q", auth)
	}
	if got.ID != "eth-mainnet:gas-high:breach" || got.Severity != alert.SeverityWarning {
		t.Fatalf("webhook payload = %+v", got)
	}
}

func TestWebhookChannelNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL, nil)
	err := ch.Send(context.Background(), sampleAlert())
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected 502 error, got %v", err)
	}
}

type countingChannel struct {
	name string
	err  error

	mu    sync.Mutex
	calls int
}

func (c *countingChannel) Name() string { return c.name }

func (c *countingChannel) Send(context.Context, alert.Alert) error {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.err
}

func (c *countingChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestSetFansOutAndIsolatesFailures(t *testing.T) {
	ok := &countingChannel{name: "ok"}
	bad := &countingChannel{name: "bad", err: errors.New("boom")}
	also := &countingChannel{name: "also"}

	s := NewSet(nil, ok, bad, also)
	s.Send(context.Background(), sampleAlert())

	if ok.count() != 1 || bad.count() != 1 || also.count() != 1 {
		t.Fatalf("fan-out reached %d/%d/%d channels", ok.count(), bad.count(), also.count())
	}
	if got := s.Names(); len(got) != 3 || got[0] != "ok" {
		t.Fatalf("names = %v", got)
	}
}
