package proxmox

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// FakeAPI is an in-memory implementation for unit tests.
type FakeAPI struct {
	mu sync.Mutex

	VersionStr  string
	Instances   map[int]InstanceInfo
	Snapshots   map[string][]string       // "<kind>/<vmid>" -> snapshot names
	Storage     map[string][]BackupVolume // storage id -> volumes
	Unreachable map[string]bool           // "host:port" -> probe fails

	VzdumpErr   error
	SnapshotErr error
	RollbackErr error

	Calls   []string
	taskSeq int
}

func NewFake() *FakeAPI {
	return &FakeAPI{
		VersionStr:  "8.2.4",
		Instances:   map[int]InstanceInfo{},
		Snapshots:   map[string][]string{},
		Storage:     map[string][]BackupVolume{},
		Unreachable: map[string]bool{},
	}
}

func (f *FakeAPI) record(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, fmt.Sprintf(format, args...))
}

func (f *FakeAPI) Version(ctx context.Context) (string, error) {
	f.record("version")
	return f.VersionStr, nil
}

func (f *FakeAPI) Instance(ctx context.Context, vmid int) (InstanceInfo, error) {
	f.record("instance:%d", vmid)
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.Instances[vmid]
	if !ok {
		return InstanceInfo{}, fmt.Errorf("vmid %d not found in cluster resources", vmid)
	}
	return info, nil
}

func (f *FakeAPI) Vzdump(ctx context.Context, node string, vmid int, opts VzdumpOptions) (string, error) {
	f.record("vzdump:%s:%d:%s%s", node, vmid, opts.Storage, opts.DumpDir)
	if f.VzdumpErr != nil {
		return "", f.VzdumpErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.taskSeq++
	if opts.Storage != "" {
		volid := fmt.Sprintf("%s:backup/vzdump-%d-%d.vma.zst", opts.Storage, vmid, f.taskSeq)
		f.Storage[opts.Storage] = append(f.Storage[opts.Storage], BackupVolume{Volid: volid, Size: 1 << 20})
	}
	return fmt.Sprintf("UPID:%s:%d", node, f.taskSeq), nil
}

func (f *FakeAPI) WaitTask(ctx context.Context, node, upid string) error {
	f.record("wait:%s", upid)
	return nil
}

func (f *FakeAPI) LatestBackup(ctx context.Context, node, storage string, vmid int) (BackupVolume, error) {
	f.record("latest:%s:%d", storage, vmid)
	f.mu.Lock()
	defer f.mu.Unlock()
	vols := f.Storage[storage]
	if len(vols) == 0 {
		return BackupVolume{}, fmt.Errorf("no backup volume for vmid %d on %s", vmid, storage)
	}
	return vols[len(vols)-1], nil
}

func (f *FakeAPI) HasVolume(ctx context.Context, node, volid string) (bool, error) {
	f.record("has:%s", volid)
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, vols := range f.Storage {
		for _, v := range vols {
			if v.Volid == volid {
				return true, nil
			}
		}
	}
	return false, nil
}

func (f *FakeAPI) DeleteVolume(ctx context.Context, node, volid string) error {
	f.record("delete:%s", volid)
	f.mu.Lock()
	defer f.mu.Unlock()
	for storage, vols := range f.Storage {
		kept := vols[:0]
		for _, v := range vols {
			if v.Volid != volid {
				kept = append(kept, v)
			}
		}
		f.Storage[storage] = kept
	}
	return nil
}

func snapKey(kind string, vmid int) string { return fmt.Sprintf("%s/%d", kind, vmid) }

func (f *FakeAPI) SnapshotCreate(ctx context.Context, node, kind string, vmid int, name string) error {
	f.record("snap-create:%s:%d:%s", kind, vmid, name)
	if f.SnapshotErr != nil {
		return f.SnapshotErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := snapKey(kind, vmid)
	f.Snapshots[key] = append(f.Snapshots[key], name)
	return nil
}

func (f *FakeAPI) SnapshotRollback(ctx context.Context, node, kind string, vmid int, name string) error {
	f.record("snap-rollback:%s:%d:%s", kind, vmid, name)
	if f.RollbackErr != nil {
		return f.RollbackErr
	}
	return nil
}

func (f *FakeAPI) SnapshotDelete(ctx context.Context, node, kind string, vmid int, name string) error {
	f.record("snap-delete:%s:%d:%s", kind, vmid, name)
	f.mu.Lock()
	defer f.mu.Unlock()
	key := snapKey(kind, vmid)
	kept := f.Snapshots[key][:0]
	for _, s := range f.Snapshots[key] {
		if s != name {
			kept = append(kept, s)
		}
	}
	f.Snapshots[key] = kept
	return nil
}

func (f *FakeAPI) ProbeEndpoint(ctx context.Context, host string, port int, verifyTLS bool) error {
	f.record("probe:%s:%d", host, port)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Unreachable[fmt.Sprintf("%s:%d", host, port)] {
		return fmt.Errorf("connection refused: %s:%d", host, port)
	}
	return nil
}

// SnapshotNames returns the current snapshots for an instance, sorted.
func (f *FakeAPI) SnapshotNames(kind string, vmid int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.Snapshots[snapKey(kind, vmid)]...)
	sort.Strings(out)
	return out
}
