package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"homelab-autopilot/src/plugins"
	"homelab-autopilot/src/safety"
	"homelab-autopilot/src/state"
)

// UpdateService applies pending updates to one service. Hypervisor-managed
// services run under snapshot protection: snapshot, update, validate, then
// commit or roll back. Other kinds update in place; their plugins validate
// afterwards but there is nothing to roll back to.
//
// A rollback failure returns a safety.RollbackError, which callers must
// treat as fatal.
func (o *Orchestrator) UpdateService(ctx context.Context, name string) (state.OperationRecord, error) {
	desc, ok := o.cfg.Service(name)
	if !ok {
		return state.OperationRecord{}, fmt.Errorf("unknown service: %s", name)
	}
	if !desc.Enabled || !desc.Update {
		return state.OperationRecord{}, fmt.Errorf("service %s is not enabled for update", name)
	}

	started := o.Now().UTC()
	rec := state.OperationRecord{
		Service: name,
		Kind:    state.OpUpdate,
		Started: started,
	}

	plugin, err := o.registry.Resolve(desc)
	if err != nil {
		return o.finishRecord(rec, plugins.ArtifactRef{}, "", err)
	}

	attempt := func(ctx context.Context) error {
		uctx, cancel := o.pluginCtx(ctx)
		defer cancel()
		return plugin.Update(uctx, desc)
	}
	validate := func(ctx context.Context) error {
		vctx, cancel := o.pluginCtx(ctx)
		defer cancel()
		return plugin.Validate(vctx, desc)
	}

	var opErr error
	outcome := state.OutcomeSuccess

	if hv, protected := plugin.(plugins.HypervisorPlugin); protected && desc.Kind.HypervisorManaged() {
		phase, err := o.protocol.Run(ctx, hv, desc, attempt, validate)
		opErr = err
		switch phase {
		case safety.PhaseCommitted:
			outcome = state.OutcomeSuccess
		case safety.PhaseRolledBack:
			outcome = state.OutcomeRolledBack
		default:
			outcome = state.OutcomeFailure
		}
	} else {
		opErr = attempt(ctx)
		if opErr == nil {
			opErr = validate(ctx)
		}
		if opErr != nil {
			outcome = state.OutcomeFailure
		}
	}

	rec.Finished = o.Now().UTC()
	rec.Duration = rec.Finished.Sub(rec.Started)
	rec.Outcome = outcome
	if opErr != nil {
		rec.Error = opErr.Error()
	}
	if err := o.store.PutRecord(rec); err != nil {
		o.logger.Error("could not persist operation record", "service", name, "error", err)
		if opErr == nil {
			opErr = err
		}
	}

	o.notifyUpdateOutcome(ctx, name, opErr, outcome)
	return rec, opErr
}

func (o *Orchestrator) notifyUpdateOutcome(ctx context.Context, name string, opErr error, outcome state.Outcome) {
	if opErr == nil {
		return
	}
	var rb *safety.RollbackError
	switch {
	case errors.As(opErr, &rb):
		o.alert(ctx, plugins.Message{
			AlertType: "rollback_failed",
			Service:   name,
			Severity:  plugins.SeverityCritical,
			Subject:   fmt.Sprintf("ROLLBACK FAILED: %s", name),
			Body:      opErr.Error(),
		})
	case outcome == state.OutcomeRolledBack:
		o.alert(ctx, plugins.Message{
			AlertType: "update_rolled_back",
			Service:   name,
			Severity:  plugins.SeverityWarning,
			Subject:   fmt.Sprintf("update rolled back: %s", name),
			Body:      opErr.Error(),
		})
	default:
		o.alert(ctx, plugins.Message{
			AlertType: "update_failed",
			Service:   name,
			Severity:  plugins.SeverityCritical,
			Subject:   fmt.Sprintf("update failed: %s", name),
			Body:      opErr.Error(),
		})
	}
}
