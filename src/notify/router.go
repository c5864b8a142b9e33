// Package notify formats and routes alerts to the configured channels,
// applying a cooldown policy backed by the state store.
package notify

import (
	"context"
	"log/slog"
	"time"

	"homelab-autopilot/src/config"
	"homelab-autopilot/src/plugins"
	"homelab-autopilot/src/state"
)

// Router dispatches alerts to zero or more channels. A single channel's
// failure is logged, never propagated, so one broken channel cannot block
// the others.
type Router struct {
	cfg      config.NotificationConfig
	store    *state.Store
	channels []plugins.NotificationPlugin
	logger   *slog.Logger

	// Now is swappable for tests.
	Now func() time.Time
}

func NewRouter(cfg config.NotificationConfig, store *state.Store, channels []plugins.NotificationPlugin, logger *slog.Logger) *Router {
	return &Router{
		cfg:      cfg,
		store:    store,
		channels: channels,
		logger:   logger,
		Now:      time.Now,
	}
}

// Notify sends msg unless the (alert type, service) pair is inside its
// cooldown window. Severities configured as always-send bypass the window.
// Returns true when at least one channel accepted the message.
//
// The cooldown timestamp is only written after a successful send: a total
// channel outage must not start a window that would suppress the retry.
func (r *Router) Notify(ctx context.Context, msg plugins.Message) (bool, error) {
	if !r.cfg.Enabled {
		return false, nil
	}

	now := r.Now()
	if !r.cfg.AlwaysSendSeverity(msg.Severity) {
		last, ok, err := r.store.LastNotified(msg.AlertType, msg.Service)
		if err != nil {
			return false, err
		}
		if ok {
			window := r.cfg.CooldownFor(msg.AlertType)
			if elapsed := now.Sub(last); elapsed < window {
				r.logger.Debug("notification suppressed by cooldown",
					"alert_type", msg.AlertType,
					"service", msg.Service,
					"elapsed", elapsed,
					"window", window)
				return false, nil
			}
		}
	}

	sent := 0
	for _, ch := range r.channels {
		if !ch.Enabled() {
			continue
		}
		if err := ch.Send(ctx, msg); err != nil {
			r.logger.Error("notification channel failed",
				"channel", ch.Name(),
				"alert_type", msg.AlertType,
				"error", err)
			continue
		}
		sent++
	}
	if sent == 0 {
		return false, nil
	}

	if err := r.store.MarkNotified(msg.AlertType, msg.Service, now); err != nil {
		return true, err
	}
	return true, nil
}
