package plugins

import (
	"errors"
	"fmt"
)

// Sentinel outcomes a Backup or CheckDestination call can report. The
// orchestrator treats both as "try the next destination"; anything else is a
// plain failure for that destination.
var (
	ErrUnreachable = errors.New("destination unreachable")
	ErrUnsupported = errors.New("destination not supported by plugin")
)

// NoPluginError means no registered plugin matched a descriptor. Fatal for
// that service, not for the batch.
type NoPluginError struct {
	Capability Capability
	Service    string
}

func (e *NoPluginError) Error() string {
	return fmt.Sprintf("no %s plugin matches service %q", e.Capability, e.Service)
}

// VerificationError means an artifact failed its integrity check.
type VerificationError struct {
	Artifact string
	Reason   string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification failed for %s: %s", e.Artifact, e.Reason)
}
