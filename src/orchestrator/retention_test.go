package orchestrator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homelab-autopilot/src/plugins"
	"homelab-autopilot/src/state"
)

// seedBackups writes n successful backup records, oldest first, one hour
// apart ending at end.
func seedBackups(t *testing.T, f *fixture, service string, n int, end time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		started := end.Add(-time.Duration(n-1-i) * time.Hour)
		rec := state.OperationRecord{
			Service:     service,
			Kind:        state.OpBackup,
			Started:     started,
			Finished:    started.Add(time.Minute),
			Outcome:     state.OutcomeSuccess,
			Destination: "nas",
			ArtifactID:  fmt.Sprintf("%s-art-%d", service, i),
			SizeBytes:   4096,
		}
		require.NoError(t, f.store.PutRecord(rec))
	}
}

func TestApplyRetentionKeepsNewestN(t *testing.T) {
	hv := plugins.NewFakePlugin("hv")
	f := newFixture(t, hv, plugins.NewFakePlugin("svc"))
	end := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	seedBackups(t, f, "vm-dns", 5, end)

	res, err := f.orch.ApplyRetention(context.Background(), "vm-dns", 2)
	require.NoError(t, err)
	assert.Len(t, res.Removed, 3)
	assert.ElementsMatch(t, []string{"vm-dns-art-0", "vm-dns-art-1", "vm-dns-art-2"}, hv.Removed)

	recs, err := f.store.History("vm-dns")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "vm-dns-art-4", recs[0].ArtifactID, "newest survives")
	assert.Equal(t, "vm-dns-art-3", recs[1].ArtifactID)
}

func TestApplyRetentionIsIdempotent(t *testing.T) {
	hv := plugins.NewFakePlugin("hv")
	f := newFixture(t, hv, plugins.NewFakePlugin("svc"))
	seedBackups(t, f, "vm-dns", 5, time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC))

	_, err := f.orch.ApplyRetention(context.Background(), "vm-dns", 2)
	require.NoError(t, err)
	res, err := f.orch.ApplyRetention(context.Background(), "vm-dns", 2)
	require.NoError(t, err)
	assert.Empty(t, res.Removed, "second pass removes nothing")
}

func TestApplyRetentionAgeWindowSparesNewest(t *testing.T) {
	hv := plugins.NewFakePlugin("hv")
	f := newFixture(t, hv, plugins.NewFakePlugin("svc"))
	f.cfg.Global.Backup.RetentionDays = 7
	// All records ancient relative to the orchestrator clock.
	seedBackups(t, f, "vm-dns", 3, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	res, err := f.orch.ApplyRetention(context.Background(), "vm-dns", 5)
	require.NoError(t, err)
	assert.Len(t, res.Removed, 2, "expired backups pruned despite keep count")

	recs, err := f.store.History("vm-dns")
	require.NoError(t, err)
	require.Len(t, recs, 1, "the newest backup always survives")
	assert.Equal(t, "vm-dns-art-2", recs[0].ArtifactID)
}

func TestApplyRetentionPrunesFailureRecords(t *testing.T) {
	hv := plugins.NewFakePlugin("hv")
	f := newFixture(t, hv, plugins.NewFakePlugin("svc"))
	base := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		require.NoError(t, f.store.PutRecord(state.OperationRecord{
			Service: "vm-dns", Kind: state.OpBackup,
			Started: base.Add(time.Duration(i) * time.Hour),
			Outcome: state.OutcomeFailure, Error: "boom",
		}))
	}

	res, err := f.orch.ApplyRetention(context.Background(), "vm-dns", 2)
	require.NoError(t, err)
	assert.Len(t, res.Removed, 2)
	assert.Empty(t, hv.Removed, "failure records have no artifact to delete")
}

func TestApplyRetentionKeepsRecordWhenRemoveFails(t *testing.T) {
	hv := plugins.NewFakePlugin("hv")
	hv.RemoveErr = fmt.Errorf("storage busy")
	f := newFixture(t, hv, plugins.NewFakePlugin("svc"))
	seedBackups(t, f, "vm-dns", 3, time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC))

	res, err := f.orch.ApplyRetention(context.Background(), "vm-dns", 1)
	require.Error(t, err)
	assert.Empty(t, res.Removed)

	recs, err := f.store.History("vm-dns")
	require.NoError(t, err)
	assert.Len(t, recs, 3, "records stay until their artifacts are gone")
}

func TestApplyRetentionValidatesArgs(t *testing.T) {
	f := newFixture(t, plugins.NewFakePlugin("hv"), plugins.NewFakePlugin("svc"))
	_, err := f.orch.ApplyRetention(context.Background(), "vm-dns", 0)
	assert.Error(t, err)
	_, err = f.orch.ApplyRetention(context.Background(), "ghost", 2)
	assert.Error(t, err)
}

func TestApplyRetentionAll(t *testing.T) {
	hv := plugins.NewFakePlugin("hv")
	svc := plugins.NewFakePlugin("svc")
	f := newFixture(t, hv, svc)
	end := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	seedBackups(t, f, "vm-dns", 5, end)
	seedBackups(t, f, "pihole", 2, end)

	results, err := f.orch.ApplyRetentionAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Len(t, results[0].Removed, 2, "vm-dns pruned to keep=3")
	assert.Empty(t, results[1].Removed, "pihole already under the limit")
}
