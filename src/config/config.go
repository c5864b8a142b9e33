package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// ServiceKind is the closed set of managed unit kinds.
type ServiceKind string

const (
	KindVM           ServiceKind = "vm"
	KindContainer    ServiceKind = "container"
	KindAppContainer ServiceKind = "application-container"
	KindGenericHost  ServiceKind = "generic-host"
)

// HypervisorManaged reports whether this kind is backed up and snapshotted
// through the hypervisor rather than a plain service plugin.
func (k ServiceKind) HypervisorManaged() bool {
	return k == KindVM || k == KindContainer
}

func (k ServiceKind) Valid() bool {
	switch k {
	case KindVM, KindContainer, KindAppContainer, KindGenericHost:
		return true
	}
	return false
}

// ServiceDescriptor identifies one managed unit.
//
// Node is a routing hint only; the actual location of a VM or container is
// re-queried through the hypervisor at operation time, never trusted from
// configuration.
type ServiceDescriptor struct {
	Name string      `mapstructure:"name"`
	Kind ServiceKind `mapstructure:"kind"`

	// Hypervisor-managed kinds (vm, container).
	InstanceID int    `mapstructure:"instance_id"`
	Node       string `mapstructure:"node"`

	// application-container kinds.
	ContainerName string `mapstructure:"container_name"`
	ComposePath   string `mapstructure:"compose_path"`

	// generic-host kinds: paths to archive.
	Paths []string `mapstructure:"paths"`

	// UpdateCommand runs inside the service (container exec or host shell)
	// when the update operation has no kind-specific mechanism.
	UpdateCommand string `mapstructure:"update_command"`

	Enabled bool `mapstructure:"enabled"`
	Backup  bool `mapstructure:"backup"`
	Update  bool `mapstructure:"update"`
	Monitor bool `mapstructure:"monitor"`
}

func (s ServiceDescriptor) validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("service name must not be empty")
	}
	// Names become state store key segments and artifact path components.
	if strings.ContainsAny(s.Name, "./ \t") {
		return fmt.Errorf("service name %q must not contain dots, slashes, or whitespace", s.Name)
	}
	if !s.Kind.Valid() {
		return fmt.Errorf("service %q: unknown kind %q", s.Name, s.Kind)
	}
	switch s.Kind {
	case KindVM:
		if s.InstanceID <= 0 {
			return fmt.Errorf("service %q: kind %q requires a positive instance_id", s.Name, s.Kind)
		}
	case KindContainer:
		// Proxmox containers carry a numeric id, Incus containers a name.
		if s.InstanceID <= 0 && s.ContainerName == "" {
			return fmt.Errorf("service %q: kind %q requires instance_id or container_name", s.Name, s.Kind)
		}
	case KindAppContainer:
		if s.ComposePath == "" && s.ContainerName == "" {
			return fmt.Errorf("service %q: kind %q requires compose_path or container_name", s.Name, s.Kind)
		}
	case KindGenericHost:
		if len(s.Paths) == 0 {
			return fmt.Errorf("service %q: kind %q requires at least one path", s.Name, s.Kind)
		}
	}
	return nil
}

// DestinationKind is the kind of backup backend a destination points at.
type DestinationKind string

const (
	// DestDedupStore is a managed deduplicating store reached over the
	// network (a Proxmox Backup Server datastore or similar).
	DestDedupStore DestinationKind = "dedup-store"
	// DestBulk is direct bulk storage: a mounted path, typically NFS/ceph.
	DestBulk DestinationKind = "bulk"
	// DestLocal is the local fallback under global.backup.root.
	DestLocal DestinationKind = "local"
)

// Destination is one entry of the ordered destination policy.
type Destination struct {
	Name    string          `mapstructure:"name"`
	Kind    DestinationKind `mapstructure:"kind"`
	Enabled bool            `mapstructure:"enabled"`

	// dedup-store fields.
	Server    string `mapstructure:"server"`
	Port      int    `mapstructure:"port"`
	Datastore string `mapstructure:"datastore"`
	Username  string `mapstructure:"username"`
	VerifyTLS bool   `mapstructure:"verify_tls"`

	// bulk fields.
	Path string `mapstructure:"path"`
}

func (d Destination) validate() error {
	if d.Name == "" {
		return errors.New("destination name must not be empty")
	}
	switch d.Kind {
	case DestDedupStore:
		var missing []string
		if d.Server == "" {
			missing = append(missing, "server")
		}
		if d.Datastore == "" {
			missing = append(missing, "datastore")
		}
		if d.Username == "" {
			missing = append(missing, "username")
		}
		if len(missing) > 0 {
			return fmt.Errorf("destination %q: dedup-store requires %s", d.Name, strings.Join(missing, ", "))
		}
	case DestBulk:
		if d.Path == "" {
			return fmt.Errorf("destination %q: bulk storage requires a path", d.Name)
		}
		if !filepath.IsAbs(d.Path) {
			return fmt.Errorf("destination %q: bulk storage path must be absolute: %s", d.Name, d.Path)
		}
	case DestLocal:
		// Path comes from global.backup.root.
	default:
		return fmt.Errorf("destination %q: unknown kind %q", d.Name, d.Kind)
	}
	return nil
}

// HypervisorConfig selects and configures the hypervisor the vm/container
// kinds are managed by.
type HypervisorConfig struct {
	Type      string `mapstructure:"type"` // proxmox | incus
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Username  string `mapstructure:"username"`
	TokenID   string `mapstructure:"token_id"`
	Secret    string `mapstructure:"secret"`
	VerifyTLS bool   `mapstructure:"verify_tls"`
}

// BackupConfig is the global.backup section.
type BackupConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Root          string        `mapstructure:"root"`
	RetentionKeep int           `mapstructure:"retention_keep"`
	RetentionDays int           `mapstructure:"retention_days"`
	MinSizeBytes  int64         `mapstructure:"min_size_bytes"`
	PluginTimeout time.Duration `mapstructure:"plugin_timeout"`
	Parallelism   int           `mapstructure:"parallelism"`
	Destinations  []Destination `mapstructure:"destinations"`
}

// ChannelConfig configures one notification channel.
type ChannelConfig struct {
	Name    string `mapstructure:"name"`
	Type    string `mapstructure:"type"` // webhook | log
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// NotificationConfig is the global.notification section. Cooldowns are keyed
// by alert type; DefaultCooldown applies when no per-type window is set.
type NotificationConfig struct {
	Enabled         bool                     `mapstructure:"enabled"`
	Channels        []ChannelConfig          `mapstructure:"channels"`
	DefaultCooldown time.Duration            `mapstructure:"default_cooldown"`
	Cooldowns       map[string]time.Duration `mapstructure:"cooldowns"`
	AlwaysSend      []string                 `mapstructure:"always_send"`
}

// GlobalConfig is the global section of the configuration tree.
type GlobalConfig struct {
	Hypervisor   HypervisorConfig   `mapstructure:"hypervisor"`
	Backup       BackupConfig       `mapstructure:"backup"`
	Notification NotificationConfig `mapstructure:"notification"`
}

// Config is the validated configuration tree the core consumes. The core
// never parses raw configuration text; Load produces this and Validate
// enforces the invariants.
type Config struct {
	Global   GlobalConfig        `mapstructure:"global"`
	Services []ServiceDescriptor `mapstructure:"services"`
}

// Validate enforces the configuration invariants: unique non-empty service
// names, kind-specific identifiers present, an absolute backup root, and at
// least one enabled destination (fail closed rather than silently skip
// backups).
func (c *Config) Validate() error {
	if c.Global.Backup.Enabled {
		if c.Global.Backup.Root == "" {
			return errors.New("global.backup.root is required")
		}
		if !filepath.IsAbs(c.Global.Backup.Root) {
			return fmt.Errorf("global.backup.root must be absolute: %s", c.Global.Backup.Root)
		}
		if c.Global.Backup.RetentionKeep < 0 || c.Global.Backup.RetentionDays < 0 {
			return errors.New("global.backup retention values must not be negative")
		}
		enabled := 0
		for _, d := range c.Global.Backup.Destinations {
			if err := d.validate(); err != nil {
				return err
			}
			if d.Enabled {
				enabled++
			}
		}
		if enabled == 0 {
			return errors.New("global.backup.destinations must contain at least one enabled destination")
		}
	}

	switch c.Global.Hypervisor.Type {
	case "", "proxmox", "incus":
	default:
		return fmt.Errorf("global.hypervisor.type must be proxmox or incus, got %q", c.Global.Hypervisor.Type)
	}

	seen := make(map[string]struct{}, len(c.Services))
	for _, s := range c.Services {
		if err := s.validate(); err != nil {
			return err
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("duplicate service name %q", s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	return nil
}

// Service looks up a descriptor by name.
func (c *Config) Service(name string) (ServiceDescriptor, bool) {
	for _, s := range c.Services {
		if s.Name == name {
			return s, true
		}
	}
	return ServiceDescriptor{}, false
}

// EnabledDestinations returns the destination policy in configured order,
// filtered to enabled entries, with local destinations resolved against the
// backup root.
func (c *Config) EnabledDestinations() []Destination {
	out := make([]Destination, 0, len(c.Global.Backup.Destinations))
	for _, d := range c.Global.Backup.Destinations {
		if !d.Enabled {
			continue
		}
		if d.Kind == DestLocal && d.Path == "" {
			d.Path = c.Global.Backup.Root
		}
		out = append(out, d)
	}
	return out
}

// CooldownFor returns the suppression window for an alert type.
func (n NotificationConfig) CooldownFor(alertType string) time.Duration {
	if w, ok := n.Cooldowns[alertType]; ok {
		return w
	}
	return n.DefaultCooldown
}

// AlwaysSendSeverity reports whether the severity bypasses cooldown.
func (n NotificationConfig) AlwaysSendSeverity(severity string) bool {
	for _, s := range n.AlwaysSend {
		if strings.EqualFold(s, severity) {
			return true
		}
	}
	return false
}
