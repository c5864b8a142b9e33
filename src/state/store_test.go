package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSetGetDelete(t *testing.T) {
	s := newTestStore(t)

	_, ok, err := s.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set("k1", "v1"))
	got, ok, err := s.Get("k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", got)

	require.NoError(t, s.Delete("k1"))
	_, ok, err = s.Get("k1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting an absent key is not an error.
	require.NoError(t, s.Delete("k1"))
}

func TestListPrefix(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Set("a.1", "x"))
	require.NoError(t, s.Set("a.2", "y"))
	require.NoError(t, s.Set("b.1", "z"))

	kvs, err := s.ListPrefix("a.")
	require.NoError(t, err)
	require.Len(t, kvs, 2)
	for _, kv := range kvs {
		assert.Contains(t, []string{"a.1", "a.2"}, kv.Key)
	}
}

func TestTimeRoundTrip(t *testing.T) {
	s := newTestStore(t)
	at := time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)
	require.NoError(t, s.SetTime("t", at))
	got, ok, err := s.GetTime("t")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Equal(at))
}

func TestPutRecordRefreshesLastBackup(t *testing.T) {
	s := newTestStore(t)
	finished := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := OperationRecord{
		Service:  "plex",
		Kind:     OpBackup,
		Started:  finished.Add(-time.Minute),
		Finished: finished,
		Outcome:  OutcomeSuccess,
	}
	require.NoError(t, s.PutRecord(rec))

	got, ok, err := s.LastBackup("plex")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Equal(finished))
}

func TestPutRecordFailureDoesNotTouchLastBackup(t *testing.T) {
	s := newTestStore(t)
	rec := OperationRecord{
		Service:  "plex",
		Kind:     OpBackup,
		Started:  time.Now().UTC(),
		Finished: time.Now().UTC(),
		Outcome:  OutcomeFailure,
		Error:    "no reachable destination",
	}
	require.NoError(t, s.PutRecord(rec))

	_, ok, err := s.LastBackup("plex")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHistoryNewestFirst(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		rec := OperationRecord{
			Service: "grafana",
			Kind:    OpBackup,
			Started: base.Add(time.Duration(i) * time.Hour),
			Outcome: OutcomeSuccess,
		}
		require.NoError(t, s.PutRecord(rec))
	}

	recs, err := s.History("grafana")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.True(t, recs[0].Started.After(recs[1].Started))
	assert.True(t, recs[1].Started.After(recs[2].Started))
}

func TestLastRecordFiltersByKind(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.PutRecord(OperationRecord{
		Service: "pihole", Kind: OpBackup, Started: base, Outcome: OutcomeSuccess,
	}))
	require.NoError(t, s.PutRecord(OperationRecord{
		Service: "pihole", Kind: OpUpdate, Started: base.Add(time.Hour), Outcome: OutcomeRolledBack,
	}))

	rec, ok, err := s.LastRecord("pihole", OpBackup)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, OpBackup, rec.Kind)

	_, ok, err = s.LastRecord("pihole", OpRestoreTest)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPendingSnapshotLifecycle(t *testing.T) {
	s := newTestStore(t)
	p := PendingSnapshot{
		Service:    "vm-101",
		SnapshotID: "autopilot-abc123",
		InstanceID: 101,
		Node:       "pve1",
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, s.SetPendingSnapshot(p))

	got, err := s.PendingSnapshots()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "autopilot-abc123", got[0].SnapshotID)
	assert.Equal(t, 101, got[0].InstanceID)

	require.NoError(t, s.ClearPendingSnapshot("vm-101"))
	got, err = s.PendingSnapshots()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestServicesWithHistory(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, name := range []string{"beta", "alpha", "beta"} {
		require.NoError(t, s.PutRecord(OperationRecord{
			Service: name, Kind: OpBackup, Started: base, Outcome: OutcomeSuccess,
		}))
		base = base.Add(time.Minute)
	}

	names, err := s.ServicesWithHistory()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, names)
}
