package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testYAML = `
global:
  hypervisor:
    type: proxmox
    host: pve.local
    username: autopilot@pam
    token_id: backup
    secret: sekrit
  backup:
    root: /var/backups/autopilot
    destinations:
      - name: local
        kind: local
        enabled: true
  notification:
    enabled: false
services:
  - name: vm-dns
    kind: vm
    instance_id: 101
    enabled: true
    backup: true
  - name: archive
    kind: generic-host
    paths: [/srv/archive]
    enabled: false
`

// run executes the command tree against a temp config and state dir.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(testYAML), 0o644))

	var out bytes.Buffer
	root := NewRootCmd(&out, &out)
	root.SetArgs(append([]string{
		"--config", cfgPath,
		"--state-dir", filepath.Join(dir, "state"),
	}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}

func TestBackupDryRunPlansOnly(t *testing.T) {
	out, err := run(t, "backup", "--all", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "would back up vm-dns")
	assert.NotContains(t, out, "archive", "disabled services are not planned")
}

func TestBackupNeedsServiceOrAll(t *testing.T) {
	_, err := run(t, "backup")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one of")

	_, err = run(t, "backup", "vm-dns", "--all")
	require.Error(t, err)
}

func TestStatusShowsServices(t *testing.T) {
	out, err := run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "vm-dns")
	assert.Contains(t, out, "never")
}

func TestSnapshotsPendingEmpty(t *testing.T) {
	out, err := run(t, "snapshots", "pending")
	require.NoError(t, err)
	assert.Contains(t, out, "no pending snapshots")
}

func TestBadConfigSurfaces(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("global: {backup: {root: relative}}\n"), 0o644))

	var out bytes.Buffer
	root := NewRootCmd(&out, &out)
	root.SetArgs([]string{"--config", cfgPath, "--state-dir", filepath.Join(dir, "state"), "status"})
	err := root.Execute()
	require.Error(t, err)
}
