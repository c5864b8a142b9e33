package safety

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"homelab-autopilot/src/config"
	"homelab-autopilot/src/plugins"
	"homelab-autopilot/src/state"
)

// Phase is one state of the snapshot/rollback machine.
type Phase string

const (
	PhaseIdle              Phase = "idle"
	PhaseSnapshotTaken     Phase = "snapshot-taken"
	PhaseAttemptInProgress Phase = "attempt-in-progress"
	PhaseValidated         Phase = "validated"
	PhaseFailed            Phase = "failed"
	PhaseCommitted         Phase = "committed"
	PhaseRolledBack        Phase = "rolled-back"
)

// SnapshotError means the pre-snapshot could not be taken; the risky step
// never ran.
type SnapshotError struct {
	Service string
	Err     error
}

func (e *SnapshotError) Error() string {
	return fmt.Sprintf("snapshot failed for %s: %v", e.Service, e.Err)
}

func (e *SnapshotError) Unwrap() error { return e.Err }

// RollbackError means rollback itself failed. This is always fatal and must
// reach the operator: the service may be in a broken state AND the snapshot
// is still held.
type RollbackError struct {
	Service    string
	SnapshotID string
	Err        error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("ROLLBACK FAILED for %s (snapshot %s): %v; operator intervention required", e.Service, e.SnapshotID, e.Err)
}

func (e *RollbackError) Unwrap() error { return e.Err }

// Protocol wraps any mutating operation with pre-snapshot, attempt,
// validate, and commit-or-rollback phases. The snapshot handle is written to
// the state store before the risky step begins and cleared only after a
// confirmed discard or rollback, so a crash mid-operation leaves a
// discoverable snapshot_pending marker instead of a silently leaked
// snapshot.
type Protocol struct {
	store  *state.Store
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewProtocol(store *state.Store, logger *slog.Logger) *Protocol {
	return &Protocol{
		store:  store,
		logger: logger,
		locks:  map[string]*sync.Mutex{},
	}
}

// serviceLock returns the per-service mutex; the critical section must never
// run concurrently for the same service.
func (p *Protocol) serviceLock(service string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[service]
	if !ok {
		l = &sync.Mutex{}
		p.locks[service] = l
	}
	return l
}

// Run executes attempt under snapshot protection and returns the terminal
// phase. Cancellation is checked between phases, never mid-plugin-call:
// interrupting an in-flight snapshot or rollback is unsafe.
func (p *Protocol) Run(
	ctx context.Context,
	hv plugins.HypervisorPlugin,
	desc config.ServiceDescriptor,
	attempt func(context.Context) error,
	validate func(context.Context) error,
) (Phase, error) {
	lock := p.serviceLock(desc.Name)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return PhaseIdle, err
	}

	handle, err := hv.SnapshotCreate(ctx, desc)
	if err != nil {
		return PhaseIdle, &SnapshotError{Service: desc.Name, Err: err}
	}
	p.logger.Info("snapshot taken", "service", desc.Name, "snapshot", handle.ID)

	// Crash-safety marker. Persist before anything risky runs; if the
	// process dies past this point the handle stays discoverable.
	pending := state.PendingSnapshot{
		Service:    desc.Name,
		SnapshotID: handle.ID,
		InstanceID: handle.InstanceID,
		Node:       handle.Node,
		CreatedAt:  handle.CreatedAt,
	}
	if err := p.store.SetPendingSnapshot(pending); err != nil {
		// Without the marker the snapshot would be untracked; discard it
		// and refuse to proceed.
		if derr := hv.SnapshotDiscard(ctx, handle); derr != nil {
			p.logger.Error("failed to discard untracked snapshot",
				"service", desc.Name, "snapshot", handle.ID, "error", derr)
		}
		return PhaseIdle, err
	}

	if err := ctx.Err(); err != nil {
		// Cancelled between snapshot and attempt: nothing mutated yet,
		// discard and clear.
		return p.commit(ctx, hv, desc.Name, handle, PhaseIdle, err)
	}

	attemptErr := attempt(ctx)
	if attemptErr == nil {
		attemptErr = validate(ctx)
		if attemptErr != nil {
			p.logger.Warn("validation failed after attempt",
				"service", desc.Name, "error", attemptErr)
		}
	}

	if attemptErr == nil {
		return p.commit(ctx, hv, desc.Name, handle, PhaseCommitted, nil)
	}

	p.logger.Warn("rolling back", "service", desc.Name, "snapshot", handle.ID, "cause", attemptErr)
	// The caller's context may already be cancelled or past its deadline;
	// an in-flight rollback must still run to completion.
	if err := hv.SnapshotRollback(context.WithoutCancel(ctx), handle); err != nil {
		// The pending marker is deliberately left in place.
		rbErr := &RollbackError{Service: desc.Name, SnapshotID: handle.ID, Err: err}
		p.logger.Error(rbErr.Error())
		return PhaseFailed, rbErr
	}
	if err := p.store.ClearPendingSnapshot(desc.Name); err != nil {
		return PhaseRolledBack, err
	}
	p.logger.Info("rolled back", "service", desc.Name, "snapshot", handle.ID, "cause", attemptErr)
	return PhaseRolledBack, attemptErr
}

// commit discards the snapshot and clears the pending marker, returning the
// given terminal phase and error.
func (p *Protocol) commit(ctx context.Context, hv plugins.HypervisorPlugin, service string, handle plugins.SnapshotHandle, phase Phase, cause error) (Phase, error) {
	// Same rule as rollback: a cancelled caller must not abort the cleanup
	// of a snapshot that is already tracked.
	if err := hv.SnapshotDiscard(context.WithoutCancel(ctx), handle); err != nil {
		// A leaked-but-tracked snapshot: keep the marker so operators can
		// clean it up, but the operation itself succeeded or was cancelled.
		p.logger.Error("snapshot discard failed; pending marker retained",
			"service", service, "snapshot", handle.ID, "error", err)
		return phase, cause
	}
	if err := p.store.ClearPendingSnapshot(service); err != nil {
		return phase, err
	}
	return phase, cause
}
