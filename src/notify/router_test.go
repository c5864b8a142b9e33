package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homelab-autopilot/src/config"
	"homelab-autopilot/src/plugins"
	"homelab-autopilot/src/state"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRouter(t *testing.T, cfg config.NotificationConfig, channels ...plugins.NotificationPlugin) (*Router, *state.Store) {
	t.Helper()
	store, err := state.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewRouter(cfg, store, channels, discard()), store
}

func msg(severity string) plugins.Message {
	return plugins.Message{
		AlertType: "backup_failed",
		Service:   "plex",
		Severity:  severity,
		Subject:   "backup failed: plex",
	}
}

func TestCooldownSuppressesWithinWindow(t *testing.T) {
	ch := &plugins.FakeChannel{ChannelName: "fake"}
	r, _ := newTestRouter(t, config.NotificationConfig{Enabled: true, DefaultCooldown: time.Hour}, ch)

	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	r.Now = func() time.Time { return base }
	sent, err := r.Notify(context.Background(), msg(plugins.SeverityWarning))
	require.NoError(t, err)
	assert.True(t, sent)

	// 30 minutes later: still inside the window.
	r.Now = func() time.Time { return base.Add(30 * time.Minute) }
	sent, err = r.Notify(context.Background(), msg(plugins.SeverityWarning))
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Equal(t, 1, ch.SentCount())

	// Just past the window: sends again.
	r.Now = func() time.Time { return base.Add(61 * time.Minute) }
	sent, err = r.Notify(context.Background(), msg(plugins.SeverityWarning))
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Equal(t, 2, ch.SentCount())
}

func TestAlwaysSendBypassesCooldown(t *testing.T) {
	ch := &plugins.FakeChannel{ChannelName: "fake"}
	cfg := config.NotificationConfig{
		Enabled:         true,
		DefaultCooldown: time.Hour,
		AlwaysSend:      []string{plugins.SeverityCritical},
	}
	r, _ := newTestRouter(t, cfg, ch)
	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	r.Now = func() time.Time { return base }

	for i := 0; i < 3; i++ {
		sent, err := r.Notify(context.Background(), msg(plugins.SeverityCritical))
		require.NoError(t, err)
		assert.True(t, sent)
	}
	assert.Equal(t, 3, ch.SentCount())
}

func TestChannelFailureIsolated(t *testing.T) {
	broken := &plugins.FakeChannel{ChannelName: "broken", SendErr: errors.New("http 500")}
	healthy := &plugins.FakeChannel{ChannelName: "healthy"}
	r, _ := newTestRouter(t, config.NotificationConfig{Enabled: true, DefaultCooldown: time.Hour}, broken, healthy)

	sent, err := r.Notify(context.Background(), msg(plugins.SeverityWarning))
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Equal(t, 1, healthy.SentCount())
}

func TestTotalFailureDoesNotStartCooldown(t *testing.T) {
	broken := &plugins.FakeChannel{ChannelName: "broken", SendErr: errors.New("http 500")}
	r, store := newTestRouter(t, config.NotificationConfig{Enabled: true, DefaultCooldown: time.Hour}, broken)

	sent, err := r.Notify(context.Background(), msg(plugins.SeverityWarning))
	require.NoError(t, err)
	assert.False(t, sent)

	_, marked, err := store.LastNotified("backup_failed", "plex")
	require.NoError(t, err)
	assert.False(t, marked, "a failed send must not suppress the retry")

	// The channel recovers; the retry goes straight through.
	broken.SendErr = nil
	sent, err = r.Notify(context.Background(), msg(plugins.SeverityWarning))
	require.NoError(t, err)
	assert.True(t, sent)
}

func TestDisabledRouterAndChannels(t *testing.T) {
	ch := &plugins.FakeChannel{ChannelName: "fake"}
	r, _ := newTestRouter(t, config.NotificationConfig{Enabled: false}, ch)
	sent, err := r.Notify(context.Background(), msg(plugins.SeverityCritical))
	require.NoError(t, err)
	assert.False(t, sent)

	off := &plugins.FakeChannel{ChannelName: "off", Disabled: true}
	r2, _ := newTestRouter(t, config.NotificationConfig{Enabled: true, DefaultCooldown: time.Hour}, off)
	sent, err = r2.Notify(context.Background(), msg(plugins.SeverityCritical))
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Equal(t, 0, off.SentCount())
}

func TestCooldownKeyedPerService(t *testing.T) {
	ch := &plugins.FakeChannel{ChannelName: "fake"}
	r, _ := newTestRouter(t, config.NotificationConfig{Enabled: true, DefaultCooldown: time.Hour}, ch)

	m1 := msg(plugins.SeverityWarning)
	m2 := msg(plugins.SeverityWarning)
	m2.Service = "grafana"

	sent, err := r.Notify(context.Background(), m1)
	require.NoError(t, err)
	assert.True(t, sent)
	sent, err = r.Notify(context.Background(), m2)
	require.NoError(t, err)
	assert.True(t, sent, "different service has its own window")
}
