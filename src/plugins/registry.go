package plugins

import (
	"homelab-autopilot/src/config"
)

// Registry holds capability-typed plugins. It is constructed once at startup
// from an explicit manifest and never mutated afterwards; tests build
// isolated registries per case.
//
// Resolution is first-match-wins in registration order. That makes
// registration order part of the observable contract, which is deliberate:
// deterministic dispatch beats cleverness here.
type Registry struct {
	hypervisors   []HypervisorPlugin
	services      []ServicePlugin
	notifications []NotificationPlugin
}

func NewRegistry() *Registry {
	return &Registry{}
}

// RegisterHypervisor appends a hypervisor-capability plugin.
func (r *Registry) RegisterHypervisor(p HypervisorPlugin) {
	r.hypervisors = append(r.hypervisors, p)
}

// RegisterService appends a service-capability plugin.
func (r *Registry) RegisterService(p ServicePlugin) {
	r.services = append(r.services, p)
}

// RegisterNotification appends an alert channel.
func (r *Registry) RegisterNotification(p NotificationPlugin) {
	r.notifications = append(r.notifications, p)
}

// ResolveHypervisor returns the first registered hypervisor plugin matching
// the descriptor.
func (r *Registry) ResolveHypervisor(desc config.ServiceDescriptor) (HypervisorPlugin, error) {
	for _, p := range r.hypervisors {
		if p.Matches(desc) {
			return p, nil
		}
	}
	return nil, &NoPluginError{Capability: CapabilityHypervisor, Service: desc.Name}
}

// ResolveService returns the first registered service plugin matching the
// descriptor. Hypervisor plugins also satisfy the service capability, so for
// hypervisor-managed kinds the caller should resolve the hypervisor
// capability instead.
func (r *Registry) ResolveService(desc config.ServiceDescriptor) (ServicePlugin, error) {
	for _, p := range r.services {
		if p.Matches(desc) {
			return p, nil
		}
	}
	return nil, &NoPluginError{Capability: CapabilityService, Service: desc.Name}
}

// Resolve routes a descriptor to its handling plugin: the hypervisor
// capability for vm/container kinds, the service capability otherwise.
func (r *Registry) Resolve(desc config.ServiceDescriptor) (ServicePlugin, error) {
	if desc.Kind.HypervisorManaged() {
		return r.ResolveHypervisor(desc)
	}
	return r.ResolveService(desc)
}

// Notifications returns all registered alert channels in registration order.
func (r *Registry) Notifications() []NotificationPlugin {
	return r.notifications
}
