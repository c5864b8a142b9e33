package state

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// Key layout. The store is a flat key space; these prefixes are the
// persisted-state contract.
const (
	prefixLastBackup      = "last_backup."
	prefixHistory         = "operation_history."
	prefixSnapshotPending = "snapshot_pending."
	prefixNotifyCooldown  = "notify_cooldown."
)

// Outcome is the terminal result of one operation.
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeFailure    Outcome = "failure"
	OutcomeRolledBack Outcome = "rolled-back"
)

// OperationKind names the operation a record belongs to.
type OperationKind string

const (
	OpBackup      OperationKind = "backup"
	OpUpdate      OperationKind = "update"
	OpRestoreTest OperationKind = "restore-test"
)

// OperationRecord is an immutable fact about one completed operation. Records
// are never mutated, only superseded by newer records for the same service
// and operation kind.
type OperationRecord struct {
	Service     string        `json:"service"`
	Kind        OperationKind `json:"kind"`
	Started     time.Time     `json:"started"`
	Finished    time.Time     `json:"finished"`
	Outcome     Outcome       `json:"outcome"`
	Destination string        `json:"destination,omitempty"`
	ArtifactRef string        `json:"artifact_ref,omitempty"`
	ArtifactID  string        `json:"artifact_id,omitempty"`
	SizeBytes   int64         `json:"size_bytes,omitempty"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
}

// historyTimestamp is sortable and filesystem/key safe.
const historyTimestamp = "20060102T150405.000000000Z"

func historyKey(service string, started time.Time) string {
	return prefixHistory + service + "." + started.UTC().Format(historyTimestamp)
}

// PutRecord persists a record under operation_history.<service>.<timestamp>
// and, on backup success, refreshes last_backup.<service>.
func (s *Store) PutRecord(rec OperationRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return &Error{Op: "put-record", Key: rec.Service, Err: err}
	}
	if err := s.Set(historyKey(rec.Service, rec.Started), string(raw)); err != nil {
		return err
	}
	if rec.Kind == OpBackup && rec.Outcome == OutcomeSuccess {
		return s.SetTime(prefixLastBackup+rec.Service, rec.Finished)
	}
	return nil
}

// DeleteRecord removes the history entry backing rec.
func (s *Store) DeleteRecord(rec OperationRecord) error {
	return s.Delete(historyKey(rec.Service, rec.Started))
}

// History returns all records for a service, newest first.
func (s *Store) History(service string) ([]OperationRecord, error) {
	kvs, err := s.ListPrefix(prefixHistory + service + ".")
	if err != nil {
		return nil, err
	}
	out := make([]OperationRecord, 0, len(kvs))
	for _, kv := range kvs {
		var rec OperationRecord
		if err := json.Unmarshal([]byte(kv.Value), &rec); err != nil {
			return nil, &Error{Op: "history", Key: kv.Key, Err: err}
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.After(out[j].Started) })
	return out, nil
}

// LastRecord returns the newest record of the given kind, if any.
func (s *Store) LastRecord(service string, kind OperationKind) (OperationRecord, bool, error) {
	recs, err := s.History(service)
	if err != nil {
		return OperationRecord{}, false, err
	}
	for _, rec := range recs {
		if rec.Kind == kind {
			return rec, true, nil
		}
	}
	return OperationRecord{}, false, nil
}

// LastBackup returns the timestamp of the last successful backup.
func (s *Store) LastBackup(service string) (time.Time, bool, error) {
	return s.GetTime(prefixLastBackup + service)
}

// PendingSnapshot is a snapshot handle persisted before a risky step. A
// handle still present outside a running operation is a leaked snapshot that
// needs operator attention.
type PendingSnapshot struct {
	Service    string    `json:"service"`
	SnapshotID string    `json:"snapshot_id"`
	InstanceID int       `json:"instance_id,omitempty"`
	Node       string    `json:"node,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// SetPendingSnapshot records the handle under snapshot_pending.<service>.
func (s *Store) SetPendingSnapshot(p PendingSnapshot) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return &Error{Op: "set-pending", Key: p.Service, Err: err}
	}
	return s.Set(prefixSnapshotPending+p.Service, string(raw))
}

// ClearPendingSnapshot removes the handle after a confirmed discard or
// rollback.
func (s *Store) ClearPendingSnapshot(service string) error {
	return s.Delete(prefixSnapshotPending + service)
}

// PendingSnapshots lists all persisted handles.
func (s *Store) PendingSnapshots() ([]PendingSnapshot, error) {
	kvs, err := s.ListPrefix(prefixSnapshotPending)
	if err != nil {
		return nil, err
	}
	out := make([]PendingSnapshot, 0, len(kvs))
	for _, kv := range kvs {
		var p PendingSnapshot
		if err := json.Unmarshal([]byte(kv.Value), &p); err != nil {
			return nil, &Error{Op: "pending", Key: kv.Key, Err: err}
		}
		out = append(out, p)
	}
	return out, nil
}

// CooldownKey builds the notify_cooldown key for an alert type and service.
func CooldownKey(alertType, service string) string {
	return prefixNotifyCooldown + alertType + "." + service
}

// LastNotified returns when the alert was last sent, if ever.
func (s *Store) LastNotified(alertType, service string) (time.Time, bool, error) {
	return s.GetTime(CooldownKey(alertType, service))
}

// MarkNotified records a successful send.
func (s *Store) MarkNotified(alertType, service string, at time.Time) error {
	return s.SetTime(CooldownKey(alertType, service), at)
}

// ServicesWithHistory returns the service names that have at least one
// persisted record.
func (s *Store) ServicesWithHistory() ([]string, error) {
	kvs, err := s.ListPrefix(prefixHistory)
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	var names []string
	for _, kv := range kvs {
		rest := strings.TrimPrefix(kv.Key, prefixHistory)
		// operation_history.<service>.<timestamp>; service names cannot
		// contain dots (enforced at config load), so the first dot ends
		// the name.
		i := strings.Index(rest, ".")
		if i <= 0 {
			continue
		}
		name := rest[:i]
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}
