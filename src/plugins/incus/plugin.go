// Package incus is the hypervisor plugin for Incus-managed containers and
// VMs. Exports go to file-based destinations; managed dedup stores are not
// an Incus concept and report Unsupported so the destination policy moves
// on.
package incus

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"homelab-autopilot/src/config"
	"homelab-autopilot/src/plugins"
)

type Plugin struct {
	client  Client
	hv      config.HypervisorConfig
	minSize int64
	logger  *slog.Logger
}

func New(client Client, hv config.HypervisorConfig, minSize int64, logger *slog.Logger) *Plugin {
	return &Plugin{client: client, hv: hv, minSize: minSize, logger: logger}
}

func (p *Plugin) Name() string { return "incus" }

func (p *Plugin) Matches(desc config.ServiceDescriptor) bool {
	return p.hv.Type == "incus" && desc.Kind.HypervisorManaged()
}

// instanceName maps a descriptor to the Incus instance name.
func instanceName(desc config.ServiceDescriptor) string {
	if desc.ContainerName != "" {
		return desc.ContainerName
	}
	return desc.Name
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
		return fmt.Errorf("%w: incus plugin cannot write to %s destinations", plugins.ErrUnsupported, dest.Kind)
	}
}

func (p *Plugin) Backup(ctx context.Context, desc config.ServiceDescriptor, dest config.Destination, artifact string) (plugins.ArtifactRef, error) {
	if err := p.CheckDestination(ctx, dest); err != nil {
		return plugins.ArtifactRef{}, err
	}
	name := instanceName(desc)
	if _, err := p.client.Instance(name); err != nil {
		return plugins.ArtifactRef{}, err
	}

	dir := filepath.Join(dest.Path, desc.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return plugins.ArtifactRef{}, err
	}
	artifactPath := filepath.Join(dir, artifact)
	f, err := os.Create(artifactPath)
	if err != nil {
		return plugins.ArtifactRef{}, err
	}
	if err := p.client.Export(name, f); err != nil {
		f.Close()
		os.Remove(artifactPath)
		return plugins.ArtifactRef{}, err
	}
	if err := f.Close(); err != nil {
		os.Remove(artifactPath)
		return plugins.ArtifactRef{}, err
	}
	if err := writeChecksum(artifactPath); err != nil {
		return plugins.ArtifactRef{}, err
	}
	info, err := os.Stat(artifactPath)
	if err != nil {
		return plugins.ArtifactRef{}, err
	}
	return plugins.ArtifactRef{
		ID:          artifact,
		Destination: dest.Name,
		Path:        artifactPath,
		SizeBytes:   info.Size(),
	}, nil
}

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
	return nil
}

func (p *Plugin) RemoveArtifact(ctx context.Context, ref plugins.ArtifactRef) error {
	if err := os.Remove(ref.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(ref.Path + ".sha256"); err != nil && !os.IsNotExist(err) {
		p.logger.Warn("could not remove checksum sidecar", "path", ref.Path+".sha256", "error", err)
	}
	return nil
}

func (p *Plugin) Update(ctx context.Context, desc config.ServiceDescriptor) error {
	if desc.UpdateCommand == "" {
		return fmt.Errorf("%w: no update_command configured for %s", plugins.ErrUnsupported, desc.Name)
	}
	return p.client.Exec(instanceName(desc), []string{"sh", "-c", desc.UpdateCommand})
}

func (p *Plugin) Validate(ctx context.Context, desc config.ServiceDescriptor) error {
	info, err := p.client.Instance(instanceName(desc))
	if err != nil {
		return err
	}
	if !strings.EqualFold(info.Status, "running") {
		return fmt.Errorf("service %s is %s, expected running", desc.Name, info.Status)
	}
	return nil
}

func (p *Plugin) SnapshotCreate(ctx context.Context, desc config.ServiceDescriptor) (plugins.SnapshotHandle, error) {
	name := instanceName(desc)
	snap := "autopilot-" + uuid.NewString()[:8]
	if err := p.client.SnapshotCreate(name, snap); err != nil {
		return plugins.SnapshotHandle{}, err
	}
	return plugins.SnapshotHandle{
		// Incus snapshot notation: <instance>/<snapshot>.
		ID:        name + "/" + snap,
		Service:   desc.Name,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func splitHandle(handle plugins.SnapshotHandle) (instance, snapshot string, err error) {
	instance, snapshot, ok := strings.Cut(handle.ID, "/")
	if !ok {
		return "", "", fmt.Errorf("malformed snapshot handle %q", handle.ID)
	}
	return instance, snapshot, nil
}

func (p *Plugin) SnapshotRollback(ctx context.Context, handle plugins.SnapshotHandle) error {
	instance, snapshot, err := splitHandle(handle)
	if err != nil {
		return err
	}
	return p.client.SnapshotRollback(instance, snapshot)
}

func (p *Plugin) SnapshotDiscard(ctx context.Context, handle plugins.SnapshotHandle) error {
	instance, snapshot, err := splitHandle(handle)
	if err != nil {
		return err
	}
	return p.client.SnapshotDelete(instance, snapshot)
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeChecksum(artifactPath string) error {
	sum, err := sha256File(artifactPath)
	if err != nil {
		return err
	}
	line := fmt.Sprintf("%s  %s\n", sum, filepath.Base(artifactPath))
	return os.WriteFile(artifactPath+".sha256", []byte(line), 0o644)
}

func readChecksum(artifactPath string) (string, error) {
	raw, err := os.ReadFile(artifactPath + ".sha256")
	if err != nil {
		return "", err
	}
	fields := strings.Fields(string(raw))
	if len(fields) < 1 {
		return "", fmt.Errorf("malformed checksum file for %s", artifactPath)
	}
	return fields[0], nil
}
