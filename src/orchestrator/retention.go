package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"homelab-autopilot/src/plugins"
	"homelab-autopilot/src/state"
)

// RetentionResult reports what a retention pass removed.
type RetentionResult struct {
	Service string
	Removed []state.OperationRecord
	Errors  []error
}

// ApplyRetention prunes old backups for one service. The newest `keep`
// successful backups survive; anything older is removed, as is any
// successful backup older than the age window when one is configured. The
// newest successful backup is never removed regardless of age. Running the
// pass twice in a row is a no-op the second time.
//
// Failure records beyond the keep count are pruned too; they have no
// artifact, only history.
func (o *Orchestrator) ApplyRetention(ctx context.Context, name string, keep int) (RetentionResult, error) {
	res := RetentionResult{Service: name}
	desc, ok := o.cfg.Service(name)
	if !ok {
		return res, fmt.Errorf("unknown service: %s", name)
	}
	if keep < 1 {
		return res, fmt.Errorf("keep must be at least 1, got %d", keep)
	}

	plugin, err := o.registry.Resolve(desc)
	if err != nil {
		return res, err
	}
	recs, err := o.store.History(name)
	if err != nil {
		return res, err
	}

	var cutoff time.Time
	if days := o.cfg.Global.Backup.RetentionDays; days > 0 {
		cutoff = o.Now().UTC().AddDate(0, 0, -days)
	}

	// History is newest first.
	successSeen := 0
	failSeen := 0
	for _, rec := range recs {
		if rec.Kind != state.OpBackup {
			continue
		}
		if rec.Outcome != state.OutcomeSuccess {
			failSeen++
			if failSeen > keep {
				if err := o.store.DeleteRecord(rec); err != nil {
					res.Errors = append(res.Errors, err)
				} else {
					res.Removed = append(res.Removed, rec)
				}
			}
			continue
		}

		successSeen++
		expired := !cutoff.IsZero() && rec.Started.Before(cutoff)
		if successSeen == 1 || (successSeen <= keep && !expired) {
			continue
		}

		ref := plugins.ArtifactRef{
			ID:          rec.ArtifactID,
			Destination: rec.Destination,
			Path:        rec.ArtifactRef,
			SizeBytes:   rec.SizeBytes,
		}
		rctx, cancel := o.pluginCtx(ctx)
		err := plugin.RemoveArtifact(rctx, ref)
		cancel()
		if err != nil && !errors.Is(err, plugins.ErrUnsupported) {
			// Keep the record so the artifact is not orphaned silently.
			res.Errors = append(res.Errors, fmt.Errorf("remove %s: %w", rec.ArtifactID, err))
			continue
		}
		if err := o.store.DeleteRecord(rec); err != nil {
			res.Errors = append(res.Errors, err)
			continue
		}
		res.Removed = append(res.Removed, rec)
		o.logger.Info("pruned backup",
			"service", name, "artifact", rec.ArtifactID, "destination", rec.Destination)
	}

	if len(res.Errors) > 0 {
		return res, fmt.Errorf("retention for %s finished with %d errors", name, len(res.Errors))
	}
	return res, nil
}

// ApplyRetentionAll runs the configured retention policy for every enabled
// service with the backup flag set.
func (o *Orchestrator) ApplyRetentionAll(ctx context.Context) ([]RetentionResult, error) {
	keep := o.cfg.Global.Backup.RetentionKeep
	var out []RetentionResult
	var firstErr error
	for _, desc := range o.cfg.Services {
		if !desc.Enabled || !desc.Backup {
			continue
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res, err := o.ApplyRetention(ctx, desc.Name, keep)
		out = append(out, res)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return out, firstErr
}
