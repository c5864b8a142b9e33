package plugins

import (
	"context"
	"fmt"
	"sync"
	"time"

	"homelab-autopilot/src/config"
)

// FakePlugin is an in-memory hypervisor/service plugin for unit tests. It
// records every call and can be told to fail specific steps or destinations.
type FakePlugin struct {
	PluginName string
	MatchFn    func(config.ServiceDescriptor) bool

	// Failure injection.
	UnreachableDests map[string]bool
	BackupErr        error
	VerifyErr        error
	VerifyErrByDest  map[string]error
	UpdateErr        error
	ValidateErr      error
	SnapshotErr      error
	RollbackErr      error
	DiscardErr       error
	RemoveErr        error

	mu        sync.Mutex
	Calls     []string
	Artifacts map[string]ArtifactRef
	Removed   []string
	// State models the observable service state for round-trip checks:
	// SnapshotCreate captures it, SnapshotRollback restores it.
	State         string
	capturedState map[string]string
	snapSeq       int
}

func NewFakePlugin(name string) *FakePlugin {
	return &FakePlugin{
		PluginName:       name,
		UnreachableDests: map[string]bool{},
		VerifyErrByDest:  map[string]error{},
		Artifacts:        map[string]ArtifactRef{},
		capturedState:    map[string]string{},
	}
}

func (f *FakePlugin) record(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, fmt.Sprintf(format, args...))
}

func (f *FakePlugin) Name() string { return f.PluginName }

func (f *FakePlugin) Matches(desc config.ServiceDescriptor) bool {
	if f.MatchFn != nil {
		return f.MatchFn(desc)
	}
	return true
}

func (f *FakePlugin) CheckDestination(_ context.Context, dest config.Destination) error {
	f.record("check:%s", dest.Name)
	if f.UnreachableDests[dest.Name] {
		return fmt.Errorf("%w: %s", ErrUnreachable, dest.Name)
	}
	return nil
}

func (f *FakePlugin) Backup(_ context.Context, desc config.ServiceDescriptor, dest config.Destination, artifact string) (ArtifactRef, error) {
	f.record("backup:%s:%s", desc.Name, dest.Name)
	if f.UnreachableDests[dest.Name] {
		return ArtifactRef{}, fmt.Errorf("%w: %s", ErrUnreachable, dest.Name)
	}
	if f.BackupErr != nil {
		return ArtifactRef{}, f.BackupErr
	}
	ref := ArtifactRef{
		ID:          artifact,
		Destination: dest.Name,
		Path:        "/fake/" + desc.Name + "/" + artifact,
		SizeBytes:   4096,
	}
	f.mu.Lock()
	f.Artifacts[ref.ID] = ref
	f.mu.Unlock()
	return ref, nil
}

func (f *FakePlugin) Verify(_ context.Context, ref ArtifactRef) error {
	f.record("verify:%s:%s", ref.Destination, ref.ID)
	if f.VerifyErr != nil {
		return f.VerifyErr
	}
	if err := f.VerifyErrByDest[ref.Destination]; err != nil {
		return err
	}
	f.mu.Lock()
	_, ok := f.Artifacts[ref.ID]
	f.mu.Unlock()
	if !ok {
		return &VerificationError{Artifact: ref.ID, Reason: "artifact missing"}
	}
	return nil
}

func (f *FakePlugin) RemoveArtifact(_ context.Context, ref ArtifactRef) error {
	f.record("remove:%s", ref.ID)
	if f.RemoveErr != nil {
		return f.RemoveErr
	}
	f.mu.Lock()
	delete(f.Artifacts, ref.ID)
	f.Removed = append(f.Removed, ref.ID)
	f.mu.Unlock()
	return nil
}

func (f *FakePlugin) Update(_ context.Context, desc config.ServiceDescriptor) error {
	f.record("update:%s", desc.Name)
	if f.UpdateErr != nil {
		return f.UpdateErr
	}
	f.mu.Lock()
	f.State = f.State + "+updated"
	f.mu.Unlock()
	return nil
}

func (f *FakePlugin) Validate(_ context.Context, desc config.ServiceDescriptor) error {
	f.record("validate:%s", desc.Name)
	return f.ValidateErr
}

func (f *FakePlugin) SnapshotCreate(_ context.Context, desc config.ServiceDescriptor) (SnapshotHandle, error) {
	f.record("snapshot-create:%s", desc.Name)
	if f.SnapshotErr != nil {
		return SnapshotHandle{}, f.SnapshotErr
	}
	f.mu.Lock()
	f.snapSeq++
	id := fmt.Sprintf("snap-%d", f.snapSeq)
	f.capturedState[id] = f.State
	f.mu.Unlock()
	return SnapshotHandle{
		ID:         id,
		Service:    desc.Name,
		InstanceID: desc.InstanceID,
		Node:       desc.Node,
		CreatedAt:  time.Now(),
	}, nil
}

func (f *FakePlugin) SnapshotRollback(_ context.Context, handle SnapshotHandle) error {
	f.record("snapshot-rollback:%s", handle.ID)
	if f.RollbackErr != nil {
		return f.RollbackErr
	}
	f.mu.Lock()
	if captured, ok := f.capturedState[handle.ID]; ok {
		f.State = captured
		delete(f.capturedState, handle.ID)
	}
	f.mu.Unlock()
	return nil
}

func (f *FakePlugin) SnapshotDiscard(_ context.Context, handle SnapshotHandle) error {
	f.record("snapshot-discard:%s", handle.ID)
	if f.DiscardErr != nil {
		return f.DiscardErr
	}
	f.mu.Lock()
	delete(f.capturedState, handle.ID)
	f.mu.Unlock()
	return nil
}

// CallLog returns a copy of the recorded calls.
func (f *FakePlugin) CallLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Calls))
	copy(out, f.Calls)
	return out
}

// FakeChannel is an in-memory notification channel for tests.
type FakeChannel struct {
	ChannelName string
	Disabled    bool
	SendErr     error

	mu   sync.Mutex
	Sent []Message
}

func (c *FakeChannel) Name() string  { return c.ChannelName }
func (c *FakeChannel) Enabled() bool { return !c.Disabled }

func (c *FakeChannel) Send(_ context.Context, msg Message) error {
	if c.SendErr != nil {
		return c.SendErr
	}
	c.mu.Lock()
	c.Sent = append(c.Sent, msg)
	c.mu.Unlock()
	return nil
}

// SentCount returns how many messages went out on this channel.
func (c *FakeChannel) SentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Sent)
}
