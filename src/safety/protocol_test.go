package safety

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homelab-autopilot/src/config"
	"homelab-autopilot/src/plugins"
	"homelab-autopilot/src/state"
)

func newProtocol(t *testing.T) (*Protocol, *state.Store) {
	t.Helper()
	store, err := state.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewProtocol(store, logger), store
}

func vmDesc() config.ServiceDescriptor {
	return config.ServiceDescriptor{
		Name: "vm-dns", Kind: config.KindVM, InstanceID: 101, Node: "pve1",
		Enabled: true, Update: true,
	}
}

func noop(context.Context) error { return nil }

func TestRunCommitsOnSuccess(t *testing.T) {
	p, store := newProtocol(t)
	fake := plugins.NewFakePlugin("fake")
	fake.State = "v1"

	phase, err := p.Run(context.Background(), fake, vmDesc(),
		func(ctx context.Context) error { return fake.Update(ctx, vmDesc()) },
		noop)
	require.NoError(t, err)
	assert.Equal(t, PhaseCommitted, phase)
	assert.Equal(t, "v1+updated", fake.State)

	pending, err := store.PendingSnapshots()
	require.NoError(t, err)
	assert.Empty(t, pending, "marker cleared after commit")

	log := fake.CallLog()
	assert.Contains(t, log, "snapshot-create:vm-dns")
	assert.Contains(t, log, "snapshot-discard:snap-1")
}

func TestRunRollsBackRestoresState(t *testing.T) {
	p, store := newProtocol(t)
	fake := plugins.NewFakePlugin("fake")
	fake.State = "v1"
	attemptErr := errors.New("upgrade broke the service")

	phase, err := p.Run(context.Background(), fake, vmDesc(),
		func(ctx context.Context) error {
			require.NoError(t, fake.Update(ctx, vmDesc()))
			return attemptErr
		},
		noop)
	assert.Equal(t, PhaseRolledBack, phase)
	assert.ErrorIs(t, err, attemptErr)
	assert.Equal(t, "v1", fake.State, "rollback restores the captured state")

	pending, err := store.PendingSnapshots()
	require.NoError(t, err)
	assert.Empty(t, pending, "marker cleared after confirmed rollback")
}

func TestRunRollsBackOnValidationFailure(t *testing.T) {
	p, _ := newProtocol(t)
	fake := plugins.NewFakePlugin("fake")
	fake.State = "v1"
	fake.ValidateErr = errors.New("service not healthy")

	phase, err := p.Run(context.Background(), fake, vmDesc(),
		func(ctx context.Context) error { return fake.Update(ctx, vmDesc()) },
		func(ctx context.Context) error { return fake.Validate(ctx, vmDesc()) })
	assert.Equal(t, PhaseRolledBack, phase)
	require.Error(t, err)
	assert.Equal(t, "v1", fake.State)
}

func TestRunRollbackFailureIsFatalAndKeepsMarker(t *testing.T) {
	p, store := newProtocol(t)
	fake := plugins.NewFakePlugin("fake")
	fake.RollbackErr = errors.New("snapshot gone")

	phase, err := p.Run(context.Background(), fake, vmDesc(),
		func(context.Context) error { return errors.New("attempt failed") },
		noop)
	assert.Equal(t, PhaseFailed, phase)

	var rb *RollbackError
	require.True(t, errors.As(err, &rb))
	assert.Equal(t, "vm-dns", rb.Service)
	assert.Contains(t, err.Error(), "operator intervention required")

	pending, err := store.PendingSnapshots()
	require.NoError(t, err)
	require.Len(t, pending, 1, "marker retained so the snapshot stays discoverable")
	assert.Equal(t, rb.SnapshotID, pending[0].SnapshotID)
}

func TestRunSnapshotFailureStopsEverything(t *testing.T) {
	p, store := newProtocol(t)
	fake := plugins.NewFakePlugin("fake")
	fake.SnapshotErr = errors.New("no space on pool")
	attempted := false

	phase, err := p.Run(context.Background(), fake, vmDesc(),
		func(context.Context) error { attempted = true; return nil },
		noop)
	assert.Equal(t, PhaseIdle, phase)
	var se *SnapshotError
	require.True(t, errors.As(err, &se))
	assert.False(t, attempted, "the risky step must never run without a snapshot")

	pending, err := store.PendingSnapshots()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRunMarkerVisibleDuringAttempt(t *testing.T) {
	p, store := newProtocol(t)
	fake := plugins.NewFakePlugin("fake")

	phase, err := p.Run(context.Background(), fake, vmDesc(),
		func(context.Context) error {
			pending, err := store.PendingSnapshots()
			require.NoError(t, err)
			require.Len(t, pending, 1, "marker persisted before the attempt starts")
			assert.Equal(t, "vm-dns", pending[0].Service)
			return nil
		},
		noop)
	require.NoError(t, err)
	assert.Equal(t, PhaseCommitted, phase)
}

func TestRunCancelledBeforeSnapshot(t *testing.T) {
	p, _ := newProtocol(t)
	fake := plugins.NewFakePlugin("fake")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	phase, err := p.Run(ctx, fake, vmDesc(),
		func(context.Context) error { t.Fatal("attempt must not run"); return nil },
		noop)
	assert.Equal(t, PhaseIdle, phase)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, fake.CallLog())
}

// ctxHonoringHypervisor fails snapshot cleanup calls as a real API client
// would when handed an already-cancelled context. afterSnapshot, when set,
// runs right after the snapshot is taken.
type ctxHonoringHypervisor struct {
	*plugins.FakePlugin
	afterSnapshot func()
}

func (c *ctxHonoringHypervisor) SnapshotCreate(ctx context.Context, desc config.ServiceDescriptor) (plugins.SnapshotHandle, error) {
	h, err := c.FakePlugin.SnapshotCreate(ctx, desc)
	if err == nil && c.afterSnapshot != nil {
		c.afterSnapshot()
	}
	return h, err
}

func (c *ctxHonoringHypervisor) SnapshotRollback(ctx context.Context, h plugins.SnapshotHandle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.FakePlugin.SnapshotRollback(ctx, h)
}

func (c *ctxHonoringHypervisor) SnapshotDiscard(ctx context.Context, h plugins.SnapshotHandle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.FakePlugin.SnapshotDiscard(ctx, h)
}

func TestRunRollsBackWhenContextCancelledMidAttempt(t *testing.T) {
	p, store := newProtocol(t)
	fake := plugins.NewFakePlugin("fake")
	fake.State = "v1"
	hv := &ctxHonoringHypervisor{FakePlugin: fake}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	phase, err := p.Run(ctx, hv, vmDesc(),
		func(ctx context.Context) error {
			require.NoError(t, fake.Update(context.Background(), vmDesc()))
			cancel()
			return ctx.Err()
		},
		noop)
	assert.Equal(t, PhaseRolledBack, phase)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "v1", fake.State, "cancellation must not strand the mutated state")

	pending, perr := store.PendingSnapshots()
	require.NoError(t, perr)
	assert.Empty(t, pending)
}

func TestRunDiscardsSnapshotWhenCancelledBeforeAttempt(t *testing.T) {
	p, store := newProtocol(t)
	fake := plugins.NewFakePlugin("fake")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Cancel between snapshot and attempt; the discard that backs out of
	// the operation still has to go through.
	hv := &ctxHonoringHypervisor{FakePlugin: fake, afterSnapshot: cancel}

	phase, err := p.Run(ctx, hv, vmDesc(),
		func(context.Context) error { t.Fatal("attempt must not run"); return nil },
		noop)
	assert.Equal(t, PhaseIdle, phase)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Contains(t, fake.CallLog(), "snapshot-discard:snap-1")
	pending, perr := store.PendingSnapshots()
	require.NoError(t, perr)
	assert.Empty(t, pending)
}

func TestRunDiscardFailureKeepsMarkerButCommits(t *testing.T) {
	p, store := newProtocol(t)
	fake := plugins.NewFakePlugin("fake")
	fake.DiscardErr = errors.New("api timeout")

	phase, err := p.Run(context.Background(), fake, vmDesc(),
		func(ctx context.Context) error { return fake.Update(ctx, vmDesc()) },
		noop)
	require.NoError(t, err, "the operation itself succeeded")
	assert.Equal(t, PhaseCommitted, phase)

	pending, err := store.PendingSnapshots()
	require.NoError(t, err)
	assert.Len(t, pending, 1, "undiscarded snapshot stays tracked")
}
