package incus

import "io"

// InstanceInfo is the minimal instance state the plugin needs.
type InstanceInfo struct {
	Name   string
	Status string // Running | Stopped | ...
}

// Client is a narrow interface over the Incus API used by the plugin. Keep
// it small and focused on what we actually need so it stays mockable.
type Client interface {
	ServerVersion() (string, error)
	Instance(name string) (InstanceInfo, error)

	// Export streams an instance backup tarball to dst.
	Export(name string, dst io.WriteSeeker) error

	// Exec runs command inside a running instance and fails on non-zero
	// exit.
	Exec(name string, command []string) error

	SnapshotCreate(instance, snapshot string) error
	SnapshotRollback(instance, snapshot string) error
	SnapshotDelete(instance, snapshot string) error
}
