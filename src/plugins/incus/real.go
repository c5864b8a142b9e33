package incus

import (
	"fmt"
	"io"
	"time"

	incuscli "github.com/lxc/incus/client"
	"github.com/lxc/incus/shared/api"
)

// RealClient wraps the official Incus Go client.
type RealClient struct {
	c incuscli.InstanceServer
}

// ConnectLocal connects to the local Incus daemon via the UNIX socket.
func ConnectLocal() (*RealClient, error) {
	c, err := incuscli.ConnectIncusUnix("", nil)
	if err != nil {
		return nil, err
	}
	return &RealClient{c: c}, nil
}

func (r *RealClient) ServerVersion() (string, error) {
	s, _, err := r.c.GetServer()
	if err != nil {
		return "", err
	}
	return s.Environment.ServerVersion, nil
}

func (r *RealClient) Instance(name string) (InstanceInfo, error) {
	st, _, err := r.c.GetInstanceState(name)
	if err != nil {
		return InstanceInfo{}, err
	}
	return InstanceInfo{Name: name, Status: st.Status}, nil
}

// Export creates a server-side backup, downloads it, and deletes the
// server-side copy.
func (r *RealClient) Export(name string, dst io.WriteSeeker) error {
	backupName := fmt.Sprintf("autopilot-%d", time.Now().UnixNano())
	op, err := r.c.CreateInstanceBackup(name, api.InstanceBackupsPost{Name: backupName})
	if err != nil {
		return err
	}
	if err := op.Wait(); err != nil {
		return err
	}
	defer func() {
		if op, err := r.c.DeleteInstanceBackup(name, backupName); err == nil {
			_ = op.Wait()
		}
	}()
	_, err = r.c.GetInstanceBackupFile(name, backupName, &incuscli.BackupFileRequest{BackupFile: dst})
	return err
}

func (r *RealClient) Exec(name string, command []string) error {
	op, err := r.c.ExecInstance(name, api.InstanceExecPost{
		Command:   command,
		WaitForWS: false,
	}, &incuscli.InstanceExecArgs{})
	if err != nil {
		return err
	}
	if err := op.Wait(); err != nil {
		return err
	}
	meta := op.Get().Metadata
	if rc, ok := meta["return"].(float64); ok && rc != 0 {
		return fmt.Errorf("command %v exited %d in %s", command, int(rc), name)
	}
	return nil
}

func (r *RealClient) SnapshotCreate(instance, snapshot string) error {
	op, err := r.c.CreateInstanceSnapshot(instance, api.InstanceSnapshotsPost{Name: snapshot})
	if err != nil {
		return err
	}
	return op.Wait()
}

func (r *RealClient) SnapshotRollback(instance, snapshot string) error {
	op, err := r.c.UpdateInstance(instance, api.InstancePut{Restore: snapshot}, "")
	if err != nil {
		return err
	}
	return op.Wait()
}

func (r *RealClient) SnapshotDelete(instance, snapshot string) error {
	op, err := r.c.DeleteInstanceSnapshot(instance, snapshot)
	if err != nil {
		return err
	}
	return op.Wait()
}
