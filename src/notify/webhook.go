package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"homelab-autopilot/src/plugins"
)

// WebhookChannel posts alerts as JSON to a configured URL. The payload uses
// a "text" field so plain Slack/Discord-compatible webhooks render it
// without further mapping.
type WebhookChannel struct {
	name    string
	url     string
	enabled bool
	client  *http.Client
}

func NewWebhookChannel(name, url string, enabled bool) *WebhookChannel {
	return &WebhookChannel{
		name:    name,
		url:     url,
		enabled: enabled,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (w *WebhookChannel) Name() string  { return w.name }
func (w *WebhookChannel) Enabled() bool { return w.enabled && w.url != "" }

func (w *WebhookChannel) Send(ctx context.Context, msg plugins.Message) error {
	payload := map[string]string{
		"text":       fmt.Sprintf("[%s] %s: %s", msg.Severity, msg.Subject, msg.Body),
		"alert_type": msg.AlertType,
		"service":    msg.Service,
		"severity":   msg.Severity,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned status %d", w.name, resp.StatusCode)
	}
	return nil
}

// LogChannel writes alerts to the process log. Useful as a last-resort
// channel and in development.
type LogChannel struct {
	name    string
	enabled bool
	logger  *slog.Logger
}

func NewLogChannel(name string, enabled bool, logger *slog.Logger) *LogChannel {
	return &LogChannel{name: name, enabled: enabled, logger: logger}
}

func (l *LogChannel) Name() string  { return l.name }
func (l *LogChannel) Enabled() bool { return l.enabled }

func (l *LogChannel) Send(_ context.Context, msg plugins.Message) error {
	if msg.Severity == plugins.SeverityInfo {
		l.logger.Info(msg.Subject, "alert_type", msg.AlertType, "service", msg.Service, "detail", msg.Body)
	} else {
		l.logger.Warn(msg.Subject, "alert_type", msg.AlertType, "service", msg.Service, "severity", msg.Severity, "detail", msg.Body)
	}
	return nil
}
