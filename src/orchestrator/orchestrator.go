// Package orchestrator sequences backup, retention, verification, and update
// operations over the plugin registry. It owns the destination fallback
// policy and the per-operation history records; all real I/O happens in the
// plugins.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"homelab-autopilot/src/config"
	"homelab-autopilot/src/notify"
	"homelab-autopilot/src/plugins"
	"homelab-autopilot/src/safety"
	"homelab-autopilot/src/state"
)

type Orchestrator struct {
	cfg      *config.Config
	store    *state.Store
	registry *plugins.Registry
	protocol *safety.Protocol
	router   *notify.Router
	logger   *slog.Logger

	// Swappable for tests.
	Now   func() time.Time
	NewID func() string
}

func New(cfg *config.Config, store *state.Store, registry *plugins.Registry, protocol *safety.Protocol, router *notify.Router, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		registry: registry,
		protocol: protocol,
		router:   router,
		logger:   logger,
		Now:      time.Now,
		NewID:    uuid.NewString,
	}
}

// pluginCtx bounds a single plugin call so a hung hypervisor API cannot
// stall the whole run.
func (o *Orchestrator) pluginCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := o.cfg.Global.Backup.PluginTimeout
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// artifactName is unique per operation and safe as a file or volume name.
func (o *Orchestrator) artifactName(desc config.ServiceDescriptor, started time.Time) string {
	id := o.NewID()
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s_%s_%s_%s.tar.gz",
		desc.Name, started.UTC().Format("20060102-150405"), desc.Kind, id)
}

// BackupService backs up one service by name and persists the operation
// record regardless of outcome.
func (o *Orchestrator) BackupService(ctx context.Context, name string) (state.OperationRecord, error) {
	desc, ok := o.cfg.Service(name)
	if !ok {
		return state.OperationRecord{}, fmt.Errorf("unknown service: %s", name)
	}
	if !desc.Enabled || !desc.Backup {
		return state.OperationRecord{}, fmt.Errorf("service %s is not enabled for backup", name)
	}
	rec, err := o.backupOne(ctx, desc)
	if err != nil {
		o.alert(ctx, plugins.Message{
			AlertType: "backup_failed",
			Service:   desc.Name,
			Severity:  plugins.SeverityCritical,
			Subject:   fmt.Sprintf("backup failed: %s", desc.Name),
			Body:      err.Error(),
		})
	}
	return rec, err
}

// backupOne resolves the handling plugin and walks the destination list in
// configured order. A destination counts only when it is reachable, the
// plugin supports it, AND the written artifact passes verification; any of
// those failing marks the destination failed for this run and the next one
// is tried. Exhausting the list means the backup fails closed.
func (o *Orchestrator) backupOne(ctx context.Context, desc config.ServiceDescriptor) (state.OperationRecord, error) {
	started := o.Now().UTC()
	rec := state.OperationRecord{
		Service: desc.Name,
		Kind:    state.OpBackup,
		Started: started,
	}

	plugin, resolveErr := o.registry.Resolve(desc)
	if resolveErr != nil {
		return o.finishRecord(rec, plugins.ArtifactRef{}, "", resolveErr)
	}

	artifact := o.artifactName(desc, started)
	var ref plugins.ArtifactRef
	var destName string
	var lastErr error

	dests := o.cfg.EnabledDestinations()
	tried := make([]string, 0, len(dests))
	for _, dest := range dests {
		cctx, cancel := o.pluginCtx(ctx)
		err := plugin.CheckDestination(cctx, dest)
		cancel()
		if err != nil {
			o.logger.Warn("destination not usable, trying next",
				"service", desc.Name, "destination", dest.Name, "error", err)
			tried = append(tried, dest.Name)
			lastErr = err
			continue
		}

		bctx, cancel := o.pluginCtx(ctx)
		candidate, err := plugin.Backup(bctx, desc, dest, artifact)
		cancel()
		if errors.Is(err, plugins.ErrUnsupported) || errors.Is(err, plugins.ErrUnreachable) {
			o.logger.Warn("destination rejected backup, trying next",
				"service", desc.Name, "destination", dest.Name, "error", err)
			tried = append(tried, dest.Name)
			lastErr = err
			continue
		}
		if err != nil {
			// The export itself failed. Another destination will not fix a
			// broken source, so stop here.
			return o.finishRecord(rec, candidate, dest.Name, err)
		}

		vctx, cancel := o.pluginCtx(ctx)
		err = plugin.Verify(vctx, candidate)
		cancel()
		if err != nil {
			o.logger.Warn("artifact failed verification, destination failed for this run",
				"service", desc.Name, "destination", dest.Name, "error", err)
			rctx, rcancel := o.pluginCtx(ctx)
			if rerr := plugin.RemoveArtifact(rctx, candidate); rerr != nil && !errors.Is(rerr, plugins.ErrUnsupported) {
				o.logger.Warn("could not remove unverified artifact",
					"service", desc.Name, "artifact", candidate.ID, "error", rerr)
			}
			rcancel()
			tried = append(tried, dest.Name)
			lastErr = err
			continue
		}

		ref = candidate
		destName = dest.Name
		break
	}

	var opErr error
	if destName == "" {
		opErr = fmt.Errorf("no usable destination for %s (tried: %s)",
			desc.Name, strings.Join(tried, ", "))
		if lastErr != nil {
			opErr = fmt.Errorf("no usable destination for %s (tried: %s): %w",
				desc.Name, strings.Join(tried, ", "), lastErr)
		}
	}

	return o.finishRecord(rec, ref, destName, opErr)
}

// finishRecord stamps the terminal fields on rec, persists it, and returns
// it together with the operation error.
func (o *Orchestrator) finishRecord(rec state.OperationRecord, ref plugins.ArtifactRef, dest string, opErr error) (state.OperationRecord, error) {
	rec.Finished = o.Now().UTC()
	rec.Duration = rec.Finished.Sub(rec.Started)
	rec.Destination = dest
	rec.ArtifactRef = ref.Path
	rec.ArtifactID = ref.ID
	rec.SizeBytes = ref.SizeBytes
	if opErr == nil {
		rec.Outcome = state.OutcomeSuccess
	} else {
		rec.Outcome = state.OutcomeFailure
		rec.Error = opErr.Error()
	}
	if err := o.store.PutRecord(rec); err != nil {
		// Losing the record is worse than the operation's own outcome: the
		// batch must not keep running without durable state.
		o.logger.Error("could not persist operation record",
			"service", rec.Service, "error", err)
		if opErr == nil {
			opErr = err
		} else {
			opErr = errors.Join(opErr, err)
		}
	}
	return rec, opErr
}

// alert routes a message through the notification router, logging rather
// than propagating router errors: a notification problem must never change
// an operation's outcome.
func (o *Orchestrator) alert(ctx context.Context, msg plugins.Message) {
	if o.router == nil {
		return
	}
	if _, err := o.router.Notify(ctx, msg); err != nil {
		o.logger.Error("notification failed", "alert_type", msg.AlertType, "error", err)
	}
}
