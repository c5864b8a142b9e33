// Package plugins defines the capability interfaces the orchestrator speaks
// and the registry that matches a service descriptor to exactly one handling
// plugin per capability.
package plugins

import (
	"context"
	"time"

	"homelab-autopilot/src/config"
)

// Capability is a typed plugin class.
type Capability string

const (
	CapabilityHypervisor   Capability = "hypervisor"
	CapabilityService      Capability = "service"
	CapabilityNotification Capability = "notification"
)

// ArtifactRef is the opaque result of a successful backup. Path is set for
// file-based artifacts; ID is a backend-specific identifier for managed
// stores.
type ArtifactRef struct {
	ID          string `json:"id"`
	Destination string `json:"destination"`
	Path        string `json:"path,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
}

// SnapshotHandle is the ownership token for a point-in-time capture. It is
// owned by the protocol instance that created it until discarded or consumed
// by a rollback, and never persisted beyond one operation's lifetime (except
// for the crash-safety marker in the state store).
type SnapshotHandle struct {
	ID         string
	Service    string
	InstanceID int
	Node       string
	CreatedAt  time.Time
}

// Plugin is the base contract shared by all capabilities.
type Plugin interface {
	Name() string
	Matches(desc config.ServiceDescriptor) bool
}

// ServicePlugin performs the actual backup/update I/O for a service.
type ServicePlugin interface {
	Plugin

	// CheckDestination probes reachability of a destination. Called
	// immediately before use; results are never cached across services.
	CheckDestination(ctx context.Context, dest config.Destination) error

	// Backup writes an artifact named artifact to dest. Failures are
	// distinguishable as ErrUnreachable, ErrUnsupported, or any other
	// error (plain failure).
	Backup(ctx context.Context, desc config.ServiceDescriptor, dest config.Destination, artifact string) (ArtifactRef, error)

	// Verify re-checks an artifact independent of the backup call.
	Verify(ctx context.Context, ref ArtifactRef) error

	// RemoveArtifact deletes the backing artifact during retention.
	RemoveArtifact(ctx context.Context, ref ArtifactRef) error

	// Update applies pending updates to the service.
	Update(ctx context.Context, desc config.ServiceDescriptor) error

	// Validate checks service health after a mutating step.
	Validate(ctx context.Context, desc config.ServiceDescriptor) error
}

// HypervisorPlugin adds snapshot operations on top of the service contract.
type HypervisorPlugin interface {
	ServicePlugin

	SnapshotCreate(ctx context.Context, desc config.ServiceDescriptor) (SnapshotHandle, error)
	SnapshotRollback(ctx context.Context, handle SnapshotHandle) error
	SnapshotDiscard(ctx context.Context, handle SnapshotHandle) error
}

// Severity classes for notifications.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Message is one alert routed through the notification channels.
type Message struct {
	AlertType string
	Service   string
	Severity  string
	Subject   string
	Body      string
}

// NotificationPlugin is one outbound alert channel.
type NotificationPlugin interface {
	Name() string
	Enabled() bool
	Send(ctx context.Context, msg Message) error
}
