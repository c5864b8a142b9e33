package proxmox

import "context"

// InstanceInfo is the cluster's current view of one VM or container.
// Queried fresh at operation time; the configured node is only a hint.
type InstanceInfo struct {
	VMID   int
	Node   string
	Type   string // qemu | lxc
	Status string // running | stopped | ...
}

// VzdumpOptions selects where a vzdump backup lands.
type VzdumpOptions struct {
	// Storage is a PVE storage id (PBS datastore mapping) when backing up
	// to a managed store.
	Storage string
	// DumpDir is a filesystem directory for direct storage backups.
	DumpDir string
	// Mode is the vzdump consistency mode; snapshot unless overridden.
	Mode string
}

// BackupVolume is one backup volume on a managed storage.
type BackupVolume struct {
	Volid string
	Size  int64
}

// API is a narrow interface over the Proxmox VE HTTP API. Kept small and
// focused on what the plugin actually needs so it stays mockable.
type API interface {
	// Version checks the API is reachable and returns the server version.
	Version(ctx context.Context) (string, error)

	// Instance locates a VM/container cluster-wide by numeric id.
	Instance(ctx context.Context, vmid int) (InstanceInfo, error)

	// Vzdump starts a backup task and returns its UPID.
	Vzdump(ctx context.Context, node string, vmid int, opts VzdumpOptions) (string, error)

	// WaitTask blocks until the task finishes, returning an error unless
	// its exit status is OK.
	WaitTask(ctx context.Context, node, upid string) error

	// LatestBackup returns the newest backup volume for a VM on a storage.
	LatestBackup(ctx context.Context, node, storage string, vmid int) (BackupVolume, error)

	// HasVolume reports whether a backup volume still exists.
	HasVolume(ctx context.Context, node, volid string) (bool, error)

	// DeleteVolume removes a backup volume from its storage.
	DeleteVolume(ctx context.Context, node, volid string) error

	// Snapshot operations. kind is qemu or lxc.
	SnapshotCreate(ctx context.Context, node, kind string, vmid int, name string) error
	SnapshotRollback(ctx context.Context, node, kind string, vmid int, name string) error
	SnapshotDelete(ctx context.Context, node, kind string, vmid int, name string) error

	// ProbeEndpoint checks an HTTPS API endpoint (for example a backup
	// server) answers its version call.
	ProbeEndpoint(ctx context.Context, host string, port int, verifyTLS bool) error
}
