// Package notify implements alert delivery to external channels. The alert
// pipeline fans one alert out to every registered channel concurrently;
// channel failures are logged and isolated, never aborting the fan-out.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/watchtower/internal/alert"
)

// Channel is a delivery backend. Send must return an error on
// transport-level failure; the pipeline logs and continues.
type Channel interface {
	Name() string
	Send(ctx context.Context, a alert.Alert) error
}

// Set holds the registered channels in order and invokes them in parallel.
type Set struct {
	channels []Channel
	logger   *zap.Logger
}

// NewSet creates a channel set.
func NewSet(logger *zap.Logger, channels ...Channel) *Set {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Set{channels: channels, logger: logger}
}

// Add appends a channel.
func (s *Set) Add(ch Channel) {
	s.channels = append(s.channels, ch)
}

// Len returns the number of registered channels.
func (s *Set) Len() int { return len(s.channels) }

// Names lists channel names in registration order.
func (s *Set) Names() []string {
	out := make([]string, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, ch.Name())
	}
	return out
}

// Send fans one alert out to every channel concurrently and waits for all
// to settle. Outcomes are reported only through logs.
func (s *Set) Send(ctx context.Context, a alert.Alert) {
	done := make(chan struct{}, len(s.channels))
	for _, ch := range s.channels {
		go func(ch Channel) {
			defer func() { done <- struct{}{} }()
			if err := ch.Send(ctx, a); err != nil {
				s.logger.Error("channel send failed",
					zap.String("channel", ch.Name()),
					zap.String("alert_id", a.ID),
					zap.Error(err),
				)
				return
			}
			s.logger.Info("alert delivered",
				zap.String("channel", ch.Name()),
				zap.String("alert_id", a.ID),
				zap.String("severity", string(a.Severity)),
			)
		}(ch)
	}
	for range s.channels {
		<-done
	}
}

func severityEmoji(s alert.Severity) string {
	switch s {
	case alert.SeverityCritical:
		return "🔴"
	case alert.SeverityWarning:
		return "🟡"
	case alert.SeverityInfo:
		return "🔵"
	default:
		return "⚪"
	}
}

// renderText builds the plain-text body shared by the chat channels.
func renderText(a alert.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] %s\n%s", severityEmoji(a.Severity), strings.ToUpper(string(a.Severity)), a.Title, a.Message)
	for label, value := range a.Entities {
		fmt.Fprintf(&b, "\n%s: %s", label, value)
	}
	for _, l := range a.Links {
		fmt.Fprintf(&b, "\n%s: %s", l.Label, l.URL)
	}
	return b.String()
}

// --- Telegram ---

// TelegramChannel delivers via the Telegram Bot API.
type TelegramChannel struct {
	BotToken string
	ChatID   string
	client   *http.Client
}

// NewTelegramChannel creates a Telegram channel.
func NewTelegramChannel(botToken, chatID string) *TelegramChannel {
	return &TelegramChannel{
		BotToken: botToken,
		ChatID:   chatID,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramChannel) Name() string { return "telegram" }

func (t *TelegramChannel) Send(ctx context.Context, a alert.Alert) error {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.BotToken)
	payload := map[string]any{
		"chat_id": t.ChatID,
		"text":    renderText(a),
	}
	return postJSON(ctx, t.client, "telegram", url, nil, payload)
}

// --- Slack ---

// SlackChannel delivers via a Slack incoming webhook.
type SlackChannel struct {
	WebhookURL string
	client     *http.Client
}

// NewSlackChannel creates a Slack channel.
func NewSlackChannel(webhookURL string) *SlackChannel {
	return &SlackChannel{
		WebhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackChannel) Name() string { return "slack" }

func (s *SlackChannel) Send(ctx context.Context, a alert.Alert) error {
	payload := map[string]any{"text": renderText(a)}
	return postJSON(ctx, s.client, "slack", s.WebhookURL, nil, payload)
}

// --- Webhook ---

// WebhookChannel posts the alert as JSON to any HTTP endpoint.
type WebhookChannel struct {
	URL     string
	Headers map[string]string
	client  *http.Client
}

// NewWebhookChannel creates a generic webhook channel.
func NewWebhookChannel(url string, headers map[string]string) *WebhookChannel {
	return &WebhookChannel{
		URL:     url,
		Headers: headers,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookChannel) Name() string { return "webhook" }

func (w *WebhookChannel) Send(ctx context.Context, a alert.Alert) error {
	return postJSON(ctx, w.client, "webhook", w.URL, w.Headers, a)
}

func postJSON(ctx context.Context, client *http.Client, name, url string, headers map[string]string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s marshal: %w", name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s request: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s send: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s returned %d: %s", name, resp.StatusCode, string(respBody))
	}
	return nil
}
