package orchestrator

import (
	"context"
	"fmt"

	"homelab-autopilot/src/plugins"
	"homelab-autopilot/src/state"
)

// VerifyBackup re-checks the newest successful backup of a service and
// records the result as a restore-test operation.
func (o *Orchestrator) VerifyBackup(ctx context.Context, name string) (state.OperationRecord, error) {
	desc, ok := o.cfg.Service(name)
	if !ok {
		return state.OperationRecord{}, fmt.Errorf("unknown service: %s", name)
	}

	started := o.Now().UTC()
	rec := state.OperationRecord{
		Service: name,
		Kind:    state.OpRestoreTest,
		Started: started,
	}

	plugin, err := o.registry.Resolve(desc)
	if err != nil {
		return o.finishRecord(rec, plugins.ArtifactRef{}, "", err)
	}

	last, found, err := o.lastSuccessfulBackup(name)
	if err != nil {
		return o.finishRecord(rec, plugins.ArtifactRef{}, "", err)
	}
	if !found {
		return o.finishRecord(rec, plugins.ArtifactRef{}, "",
			fmt.Errorf("no successful backup on record for %s", name))
	}

	ref := plugins.ArtifactRef{
		ID:          last.ArtifactID,
		Destination: last.Destination,
		Path:        last.ArtifactRef,
		SizeBytes:   last.SizeBytes,
	}
	vctx, cancel := o.pluginCtx(ctx)
	verifyErr := plugin.Verify(vctx, ref)
	cancel()

	rec, err = o.finishRecord(rec, ref, last.Destination, verifyErr)
	if err != nil {
		o.alert(ctx, plugins.Message{
			AlertType: "verify_failed",
			Service:   name,
			Severity:  plugins.SeverityWarning,
			Subject:   fmt.Sprintf("backup verification failed: %s", name),
			Body:      err.Error(),
		})
	}
	return rec, err
}

func (o *Orchestrator) lastSuccessfulBackup(name string) (state.OperationRecord, bool, error) {
	recs, err := o.store.History(name)
	if err != nil {
		return state.OperationRecord{}, false, err
	}
	for _, rec := range recs {
		if rec.Kind == state.OpBackup && rec.Outcome == state.OutcomeSuccess {
			return rec, true, nil
		}
	}
	return state.OperationRecord{}, false, nil
}
