package incus

import (
	"fmt"
	"io"
	"sync"
)

// FakeClient is an in-memory implementation for unit tests.
type FakeClient struct {
	mu sync.Mutex

	ServerVersionStr string
	InstancesMap     map[string]InstanceInfo
	SnapshotsMap     map[string][]string // instance -> snapshots
	ExportPayload    []byte

	ExportErr   error
	ExecErr     error
	SnapshotErr error
	RollbackErr error

	Calls []string
}

func NewFake() *FakeClient {
	return &FakeClient{
		ServerVersionStr: "6.0",
		InstancesMap:     map[string]InstanceInfo{},
		SnapshotsMap:     map[string][]string{},
		ExportPayload:    []byte("fake-incus-export"),
	}
}

func (f *FakeClient) record(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, fmt.Sprintf(format, args...))
}

func (f *FakeClient) ServerVersion() (string, error) {
	f.record("server")
	return f.ServerVersionStr, nil
}

func (f *FakeClient) Instance(name string) (InstanceInfo, error) {
	f.record("instance:%s", name)
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.InstancesMap[name]
	if !ok {
		return InstanceInfo{}, fmt.Errorf("instance not found: %s", name)
	}
	return info, nil
}

func (f *FakeClient) Export(name string, dst io.WriteSeeker) error {
	f.record("export:%s", name)
	if f.ExportErr != nil {
		return f.ExportErr
	}
	f.mu.Lock()
	payload := f.ExportPayload
	f.mu.Unlock()
	_, err := dst.Write(payload)
	return err
}

func (f *FakeClient) Exec(name string, command []string) error {
	f.record("exec:%s:%v", name, command)
	return f.ExecErr
}

func (f *FakeClient) SnapshotCreate(instance, snapshot string) error {
	f.record("snap-create:%s:%s", instance, snapshot)
	if f.SnapshotErr != nil {
		return f.SnapshotErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SnapshotsMap[instance] = append(f.SnapshotsMap[instance], snapshot)
	return nil
}

func (f *FakeClient) SnapshotRollback(instance, snapshot string) error {
	f.record("snap-rollback:%s:%s", instance, snapshot)
	return f.RollbackErr
}

func (f *FakeClient) SnapshotDelete(instance, snapshot string) error {
	f.record("snap-delete:%s:%s", instance, snapshot)
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.SnapshotsMap[instance][:0]
	for _, s := range f.SnapshotsMap[instance] {
		if s != snapshot {
			kept = append(kept, s)
		}
	}
	f.SnapshotsMap[instance] = kept
	return nil
}
