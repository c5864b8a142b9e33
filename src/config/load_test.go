package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
global:
  hypervisor:
    type: proxmox
    host: pve.local
    username: autopilot@pam
    token_id: backup
    secret: sekrit
  backup:
    root: /var/backups/autopilot
    retention_keep: 5
    plugin_timeout: 10m
    destinations:
      - name: pbs
        kind: dedup-store
        enabled: true
        server: pbs.local
        port: 8007
        datastore: main
        username: backup@pbs
      - name: local
        kind: local
        enabled: true
  notification:
    channels:
      - name: ops
        type: webhook
        enabled: true
        url: https://hooks.example.net/T000/B000
    cooldowns:
      backup_failed: 30m
    always_send: [critical]
services:
  - name: vm-dns
    kind: vm
    instance_id: 101
    node: pve1
    enabled: true
    backup: true
  - name: pihole
    kind: application-container
    compose_path: /opt/pihole/compose.yaml
    enabled: true
    backup: true
    update: true
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "proxmox", cfg.Global.Hypervisor.Type)
	assert.Equal(t, 8006, cfg.Global.Hypervisor.Port, "default port")
	assert.Equal(t, 5, cfg.Global.Backup.RetentionKeep)
	assert.Equal(t, 10*time.Minute, cfg.Global.Backup.PluginTimeout)
	assert.Equal(t, int64(1024), cfg.Global.Backup.MinSizeBytes, "default min size")
	assert.Equal(t, time.Hour, cfg.Global.Notification.DefaultCooldown, "default cooldown")
	assert.Equal(t, 30*time.Minute, cfg.Global.Notification.Cooldowns["backup_failed"])

	require.Len(t, cfg.Services, 2)
	vm := cfg.Services[0]
	assert.Equal(t, KindVM, vm.Kind)
	assert.Equal(t, 101, vm.InstanceID)
	assert.Equal(t, "pve1", vm.Node)
	assert.True(t, cfg.Services[1].Update)
}

func TestLoadRejectsInvalid(t *testing.T) {
	bad := `
global:
  backup:
    root: relative-root
    destinations:
      - name: local
        kind: local
        enabled: true
services: []
`
	_, err := Load(writeConfig(t, bad))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "absolute")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
