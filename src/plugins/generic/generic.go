// Package generic backs up application-container and generic-host services
// by archiving their configured paths to a file-based destination.
package generic

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"homelab-autopilot/src/config"
	"homelab-autopilot/src/plugins"
)

// Runner executes an external command. Swappable for tests.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Plugin handles the application-container and generic-host kinds.
type Plugin struct {
	minSize int64
	logger  *slog.Logger
	run     Runner
	now     func() time.Time
}

func New(minSize int64, logger *slog.Logger) *Plugin {
	return &Plugin{
		minSize: minSize,
		logger:  logger,
		run:     execRunner,
		now:     time.Now,
	}
}

// WithRunner replaces the command runner; tests use this to avoid shelling
// out.
func (p *Plugin) WithRunner(r Runner) *Plugin {
	p.run = r
	return p
}

func (p *Plugin) Name() string { return "generic" }

func (p *Plugin) Matches(desc config.ServiceDescriptor) bool {
	return desc.Kind == config.KindAppContainer || desc.Kind == config.KindGenericHost
}

// sources resolves what gets archived for a descriptor.
func sources(desc config.ServiceDescriptor) ([]string, error) {
	switch desc.Kind {
	case config.KindAppContainer:
		if desc.ComposePath != "" {
			return []string{filepath.Dir(desc.ComposePath)}, nil
		}
		return nil, fmt.Errorf("service %q: no compose_path to archive", desc.Name)
	case config.KindGenericHost:
		if len(desc.Paths) == 0 {
			return nil, fmt.Errorf("service %q: no paths to archive", desc.Name)
		}
		return desc.Paths, nil
	}
	return nil, fmt.Errorf("service %q: kind %q not handled by generic plugin", desc.Name, desc.Kind)
}

func (p *Plugin) CheckDestination(ctx context.Context, dest config.Destination) error {
	switch dest.Kind {
	case config.DestBulk, config.DestLocal:
		info, err := os.Stat(dest.Path)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", plugins.ErrUnreachable, dest.Name, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("%w: %s: not a directory: %s", plugins.ErrUnreachable, dest.Name, dest.Path)
		}
		return nil
	default:
		return fmt.Errorf("%w: generic plugin cannot write to %s destinations", plugins.ErrUnsupported, dest.Kind)
	}
}

func (p *Plugin) Backup(ctx context.Context, desc config.ServiceDescriptor, dest config.Destination, artifact string) (plugins.ArtifactRef, error) {
	if err := p.CheckDestination(ctx, dest); err != nil {
		return plugins.ArtifactRef{}, err
	}
	srcs, err := sources(desc)
	if err != nil {
		return plugins.ArtifactRef{}, err
	}

	dir := filepath.Join(dest.Path, desc.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return plugins.ArtifactRef{}, err
	}
	artifactPath := filepath.Join(dir, artifact)

	p.logger.Info("archiving service", "service", desc.Name, "destination", dest.Name, "sources", strings.Join(srcs, ","))
	size, err := archiveSources(artifactPath, srcs)
	if err != nil {
		return plugins.ArtifactRef{}, err
	}
	if err := writeChecksum(artifactPath); err != nil {
		return plugins.ArtifactRef{}, err
	}
	mf := Manifest{
		Service:   desc.Name,
		Kind:      string(desc.Kind),
		Sources:   srcs,
		CreatedAt: p.now().UTC(),
	}
	if err := writeManifest(artifactPath, mf); err != nil {
		return plugins.ArtifactRef{}, err
	}

	return plugins.ArtifactRef{
		ID:          artifact,
		Destination: dest.Name,
		Path:        artifactPath,
		SizeBytes:   size,
	}, nil
}

// Verify checks existence, minimum size, the recorded checksum, and that the
// archive opens.
func (p *Plugin) Verify(ctx context.Context, ref plugins.ArtifactRef) error {
	info, err := os.Stat(ref.Path)
	if err != nil {
		return &plugins.VerificationError{Artifact: ref.ID, Reason: fmt.Sprintf("stat: %v", err)}
	}
	if info.Size() < p.minSize {
		return &plugins.VerificationError{Artifact: ref.ID, Reason: fmt.Sprintf("size %d below minimum %d", info.Size(), p.minSize)}
	}
	want, err := readChecksum(ref.Path)
	if err != nil {
		return &plugins.VerificationError{Artifact: ref.ID, Reason: fmt.Sprintf("checksum file: %v", err)}
	}
	got, err := sha256File(ref.Path)
	if err != nil {
		return &plugins.VerificationError{Artifact: ref.ID, Reason: fmt.Sprintf("hash: %v", err)}
	}
	if got != want {
		return &plugins.VerificationError{Artifact: ref.ID, Reason: "checksum mismatch"}
	}
	if err := trialExtract(ref.Path); err != nil {
		return &plugins.VerificationError{Artifact: ref.ID, Reason: fmt.Sprintf("trial extract: %v", err)}
	}
	return nil
}

func (p *Plugin) RemoveArtifact(ctx context.Context, ref plugins.ArtifactRef) error {
	if err := os.Remove(ref.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, sidecar := range []string{ref.Path + ".sha256", ref.Path + ".manifest.json"} {
		if err := os.Remove(sidecar); err != nil && !os.IsNotExist(err) {
			p.logger.Warn("could not remove sidecar", "path", sidecar, "error", err)
		}
	}
	return nil
}

// Update pulls and restarts an application container through compose.
// generic-host services have no update story here.
func (p *Plugin) Update(ctx context.Context, desc config.ServiceDescriptor) error {
	if desc.Kind != config.KindAppContainer || desc.ComposePath == "" {
		if desc.UpdateCommand != "" {
			if out, err := p.run(ctx, "sh", "-c", desc.UpdateCommand); err != nil {
				return fmt.Errorf("update command for %s: %w: %s", desc.Name, err, strings.TrimSpace(string(out)))
			}
			return nil
		}
		return fmt.Errorf("%w: update for kind %s", plugins.ErrUnsupported, desc.Kind)
	}
	if out, err := p.run(ctx, "docker", "compose", "-f", desc.ComposePath, "pull"); err != nil {
		return fmt.Errorf("compose pull for %s: %w: %s", desc.Name, err, strings.TrimSpace(string(out)))
	}
	if out, err := p.run(ctx, "docker", "compose", "-f", desc.ComposePath, "up", "-d"); err != nil {
		return fmt.Errorf("compose up for %s: %w: %s", desc.Name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Validate checks the service is healthy: running containers for compose
// services, readable paths for generic hosts.
func (p *Plugin) Validate(ctx context.Context, desc config.ServiceDescriptor) error {
	switch desc.Kind {
	case config.KindAppContainer:
		if desc.ComposePath == "" {
			return nil
		}
		out, err := p.run(ctx, "docker", "compose", "-f", desc.ComposePath, "ps", "-q", "--status", "running")
		if err != nil {
			return fmt.Errorf("compose ps for %s: %w", desc.Name, err)
		}
		if len(strings.TrimSpace(string(out))) == 0 {
			return fmt.Errorf("service %s has no running containers", desc.Name)
		}
		return nil
	case config.KindGenericHost:
		for _, path := range desc.Paths {
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("service %s path %s: %w", desc.Name, path, err)
			}
		}
		return nil
	}
	return nil
}
