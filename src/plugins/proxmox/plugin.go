// Package proxmox is the hypervisor plugin for Proxmox VE clusters. It backs
// up VMs and containers with vzdump, routed to a managed deduplicating store
// or direct bulk storage, and provides the snapshot operations the
// snapshot/rollback protocol relies on.
package proxmox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"homelab-autopilot/src/config"
	"homelab-autopilot/src/plugins"
)

// sharedPrefixes are path prefixes that look like shared storage. Direct
// backups outside these are likely invisible to other cluster nodes.
var sharedPrefixes = []string{"/mnt", "/nfs", "/ceph"}

// Plugin implements the hypervisor capability for vm and container kinds.
type Plugin struct {
	api     API
	hv      config.HypervisorConfig
	minSize int64
	logger  *slog.Logger
}

func New(api API, hv config.HypervisorConfig, minSize int64, logger *slog.Logger) *Plugin {
	return &Plugin{api: api, hv: hv, minSize: minSize, logger: logger}
}

func (p *Plugin) Name() string { return "proxmox" }

func (p *Plugin) Matches(desc config.ServiceDescriptor) bool {
	return p.hv.Type == "proxmox" && desc.Kind.HypervisorManaged()
}

// locate re-queries the instance's node. The descriptor's node is a hint
// only; in a cluster the VM may have migrated since the config was written.
func (p *Plugin) locate(ctx context.Context, desc config.ServiceDescriptor) (InstanceInfo, error) {
	info, err := p.api.Instance(ctx, desc.InstanceID)
	if err != nil {
		return InstanceInfo{}, err
	}
	if desc.Node != "" && desc.Node != info.Node {
		p.logger.Info("instance moved since configuration",
			"service", desc.Name, "configured_node", desc.Node, "actual_node", info.Node)
	}
	return info, nil
}

func (p *Plugin) CheckDestination(ctx context.Context, dest config.Destination) error {
	switch dest.Kind {
	case config.DestDedupStore:
		if err := p.api.ProbeEndpoint(ctx, dest.Server, dest.Port, dest.VerifyTLS); err != nil {
			return fmt.Errorf("%w: %s: %v", plugins.ErrUnreachable, dest.Name, err)
		}
		return nil
	case config.DestBulk, config.DestLocal:
		info, err := os.Stat(dest.Path)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", plugins.ErrUnreachable, dest.Name, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("%w: %s: not a directory: %s", plugins.ErrUnreachable, dest.Name, dest.Path)
		}
		if dest.Kind == config.DestBulk && !hasSharedPrefix(dest.Path) {
			p.logger.Warn("bulk storage path does not look shared; other cluster nodes may not see these backups",
				"destination", dest.Name, "path", dest.Path)
		}
		return nil
	}
	return fmt.Errorf("%w: destination kind %s", plugins.ErrUnsupported, dest.Kind)
}

func hasSharedPrefix(path string) bool {
	for _, prefix := range sharedPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (p *Plugin) Backup(ctx context.Context, desc config.ServiceDescriptor, dest config.Destination, artifact string) (plugins.ArtifactRef, error) {
	if err := p.CheckDestination(ctx, dest); err != nil {
		return plugins.ArtifactRef{}, err
	}
	info, err := p.locate(ctx, desc)
	if err != nil {
		return plugins.ArtifactRef{}, err
	}

	switch dest.Kind {
	case config.DestDedupStore:
		upid, err := p.api.Vzdump(ctx, info.Node, desc.InstanceID, VzdumpOptions{Storage: dest.Datastore})
		if err != nil {
			return plugins.ArtifactRef{}, err
		}
		if err := p.api.WaitTask(ctx, info.Node, upid); err != nil {
			return plugins.ArtifactRef{}, err
		}
		vol, err := p.api.LatestBackup(ctx, info.Node, dest.Datastore, desc.InstanceID)
		if err != nil {
			return plugins.ArtifactRef{}, err
		}
		return plugins.ArtifactRef{
			ID:          info.Node + "/" + vol.Volid,
			Destination: dest.Name,
			SizeBytes:   vol.Size,
		}, nil

	case config.DestBulk, config.DestLocal:
		dir := filepath.Join(dest.Path, desc.Name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return plugins.ArtifactRef{}, err
		}
		upid, err := p.api.Vzdump(ctx, info.Node, desc.InstanceID, VzdumpOptions{DumpDir: dir})
		if err != nil {
			return plugins.ArtifactRef{}, err
		}
		if err := p.api.WaitTask(ctx, info.Node, upid); err != nil {
			return plugins.ArtifactRef{}, err
		}
		path, size, err := newestDumpFile(dir)
		if err != nil {
			return plugins.ArtifactRef{}, err
		}
		return plugins.ArtifactRef{
			ID:          filepath.Base(path),
			Destination: dest.Name,
			Path:        path,
			SizeBytes:   size,
		}, nil
	}
	return plugins.ArtifactRef{}, fmt.Errorf("%w: destination kind %s", plugins.ErrUnsupported, dest.Kind)
}

// newestDumpFile finds the most recent vzdump output in dir. vzdump names
// its own files, so the orchestrator's artifact name is not used here.
func newestDumpFile(dir string) (string, int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", 0, err
	}
	type candidate struct {
		path string
		size int64
		mod  time.Time
	}
	var cands []candidate
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "vzdump-") {
			continue
		}
		if strings.HasSuffix(e.Name(), ".log") || strings.HasSuffix(e.Name(), ".notes") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		cands = append(cands, candidate{path: filepath.Join(dir, e.Name()), size: info.Size(), mod: info.ModTime()})
	}
	if len(cands) == 0 {
		return "", 0, fmt.Errorf("vzdump produced no archive in %s", dir)
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].mod.After(cands[j].mod) })
	return cands[0].path, cands[0].size, nil
}

func (p *Plugin) Verify(ctx context.Context, ref plugins.ArtifactRef) error {
	if ref.Path != "" {
		info, err := os.Stat(ref.Path)
		if err != nil {
			return &plugins.VerificationError{Artifact: ref.ID, Reason: fmt.Sprintf("stat: %v", err)}
		}
		if info.Size() < p.minSize {
			return &plugins.VerificationError{Artifact: ref.ID, Reason: fmt.Sprintf("size %d below minimum %d", info.Size(), p.minSize)}
		}
		return nil
	}
	node, volid, ok := strings.Cut(ref.ID, "/")
	if !ok {
		return &plugins.VerificationError{Artifact: ref.ID, Reason: "malformed artifact id"}
	}
	exists, err := p.api.HasVolume(ctx, node, volid)
	if err != nil {
		return err
	}
	if !exists {
		return &plugins.VerificationError{Artifact: ref.ID, Reason: "volume missing from storage"}
	}
	return nil
}

func (p *Plugin) RemoveArtifact(ctx context.Context, ref plugins.ArtifactRef) error {
	if ref.Path != "" {
		if err := os.Remove(ref.Path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	node, volid, ok := strings.Cut(ref.ID, "/")
	if !ok {
		return fmt.Errorf("malformed artifact id %q", ref.ID)
	}
	return p.api.DeleteVolume(ctx, node, volid)
}

// Update is not supported at the hypervisor level: guest updates happen
// inside the VM or container.
func (p *Plugin) Update(ctx context.Context, desc config.ServiceDescriptor) error {
	return fmt.Errorf("%w: hypervisor-level update for %s", plugins.ErrUnsupported, desc.Name)
}

// Validate confirms the instance is running.
func (p *Plugin) Validate(ctx context.Context, desc config.ServiceDescriptor) error {
	info, err := p.locate(ctx, desc)
	if err != nil {
		return err
	}
	if info.Status != "running" {
		return fmt.Errorf("service %s (vmid %d) is %s, expected running", desc.Name, desc.InstanceID, info.Status)
	}
	return nil
}

func (p *Plugin) SnapshotCreate(ctx context.Context, desc config.ServiceDescriptor) (plugins.SnapshotHandle, error) {
	info, err := p.locate(ctx, desc)
	if err != nil {
		return plugins.SnapshotHandle{}, err
	}
	name := "autopilot-" + uuid.NewString()[:8]
	if err := p.api.SnapshotCreate(ctx, info.Node, info.Type, desc.InstanceID, name); err != nil {
		return plugins.SnapshotHandle{}, err
	}
	return plugins.SnapshotHandle{
		ID:         name,
		Service:    desc.Name,
		InstanceID: desc.InstanceID,
		Node:       info.Node,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

func (p *Plugin) SnapshotRollback(ctx context.Context, handle plugins.SnapshotHandle) error {
	info, err := p.api.Instance(ctx, handle.InstanceID)
	if err != nil {
		return err
	}
	return p.api.SnapshotRollback(ctx, info.Node, info.Type, handle.InstanceID, handle.ID)
}

func (p *Plugin) SnapshotDiscard(ctx context.Context, handle plugins.SnapshotHandle) error {
	info, err := p.api.Instance(ctx, handle.InstanceID)
	if err != nil {
		return err
	}
	return p.api.SnapshotDelete(ctx, info.Node, info.Type, handle.InstanceID, handle.ID)
}
