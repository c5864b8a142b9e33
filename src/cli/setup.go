package cli

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"homelab-autopilot/src/config"
	"homelab-autopilot/src/notify"
	"homelab-autopilot/src/orchestrator"
	"homelab-autopilot/src/plugins"
	"homelab-autopilot/src/plugins/generic"
	"homelab-autopilot/src/plugins/incus"
	"homelab-autopilot/src/plugins/proxmox"
	"homelab-autopilot/src/safety"
	"homelab-autopilot/src/state"
)

// app is the per-invocation wiring: config, state store, logger, and the
// lazily built plugin registry. Callers must Close it.
type app struct {
	cfg    *config.Config
	store  *state.Store
	logger *slog.Logger
	stderr io.Writer
}

func newApp(cmd *cobra.Command, stderr io.Writer) (*app, error) {
	flags := cmd.Root().PersistentFlags()
	cfgPath, _ := flags.GetString("config")
	stateDir, _ := flags.GetString("state-dir")
	level, _ := flags.GetString("log-level")

	logger := newLogger(stderr, level)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", cfgPath, err)
	}
	store, err := state.Open(stateDir, logger)
	if err != nil {
		return nil, fmt.Errorf("opening state store at %s: %w", stateDir, err)
	}
	return &app{cfg: cfg, store: store, logger: logger, stderr: stderr}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("closing state store", "error", err)
	}
}

// registry builds the plugin registry from the configured hypervisor. The
// generic plugin registers last so hypervisor plugins win for the kinds
// they manage.
func (a *app) registry() (*plugins.Registry, error) {
	minSize := a.cfg.Global.Backup.MinSizeBytes
	reg := plugins.NewRegistry()

	hv := a.cfg.Global.Hypervisor
	switch hv.Type {
	case "proxmox":
		reg.RegisterHypervisor(proxmox.New(proxmox.Connect(hv), hv, minSize, a.logger))
	case "incus":
		client, err := incus.ConnectLocal()
		if err != nil {
			return nil, fmt.Errorf("connecting to incus: %w", err)
		}
		reg.RegisterHypervisor(incus.New(client, hv, minSize, a.logger))
	case "":
		// No hypervisor configured; only generic kinds are usable.
	default:
		return nil, fmt.Errorf("unknown hypervisor type: %s", hv.Type)
	}

	reg.RegisterService(generic.New(minSize, a.logger))

	for _, ch := range a.cfg.Global.Notification.Channels {
		switch ch.Type {
		case "webhook":
			reg.RegisterNotification(notify.NewWebhookChannel(ch.Name, ch.URL, ch.Enabled))
		case "log":
			reg.RegisterNotification(notify.NewLogChannel(ch.Name, ch.Enabled, a.logger))
		default:
			return nil, fmt.Errorf("unknown notification channel type: %s", ch.Type)
		}
	}
	return reg, nil
}

// orchestrator assembles the full operation pipeline on top of the registry.
func (a *app) orchestrator() (*orchestrator.Orchestrator, error) {
	reg, err := a.registry()
	if err != nil {
		return nil, err
	}
	protocol := safety.NewProtocol(a.store, a.logger)
	router := notify.NewRouter(a.cfg.Global.Notification, a.store, reg.Notifications(), a.logger)
	return orchestrator.New(a.cfg, a.store, reg, protocol, router, a.logger), nil
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l}))
}
