package plugins

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homelab-autopilot/src/config"
)

func matchKind(kind config.ServiceKind) func(config.ServiceDescriptor) bool {
	return func(d config.ServiceDescriptor) bool { return d.Kind == kind }
}

func TestResolveFirstMatchWins(t *testing.T) {
	first := NewFakePlugin("first")
	first.MatchFn = matchKind(config.KindVM)
	second := NewFakePlugin("second")
	second.MatchFn = matchKind(config.KindVM)

	reg := NewRegistry()
	reg.RegisterHypervisor(first)
	reg.RegisterHypervisor(second)

	got, err := reg.ResolveHypervisor(config.ServiceDescriptor{Name: "vm-1", Kind: config.KindVM})
	require.NoError(t, err)
	assert.Equal(t, "first", got.Name())
}

func TestResolveRoutesByKind(t *testing.T) {
	hv := NewFakePlugin("hv")
	hv.MatchFn = func(d config.ServiceDescriptor) bool { return d.Kind.HypervisorManaged() }
	svc := NewFakePlugin("svc")
	svc.MatchFn = func(d config.ServiceDescriptor) bool { return !d.Kind.HypervisorManaged() }

	reg := NewRegistry()
	reg.RegisterHypervisor(hv)
	reg.RegisterService(svc)

	got, err := reg.Resolve(config.ServiceDescriptor{Name: "vm-1", Kind: config.KindVM})
	require.NoError(t, err)
	assert.Equal(t, "hv", got.Name())

	got, err = reg.Resolve(config.ServiceDescriptor{Name: "pihole", Kind: config.KindAppContainer})
	require.NoError(t, err)
	assert.Equal(t, "svc", got.Name())
}

func TestResolveNoMatch(t *testing.T) {
	reg := NewRegistry()
	p := NewFakePlugin("only-containers")
	p.MatchFn = matchKind(config.KindContainer)
	reg.RegisterHypervisor(p)

	_, err := reg.ResolveHypervisor(config.ServiceDescriptor{Name: "vm-1", Kind: config.KindVM})
	var npe *NoPluginError
	require.True(t, errors.As(err, &npe))
	assert.Equal(t, CapabilityHypervisor, npe.Capability)
	assert.Equal(t, "vm-1", npe.Service)
}

func TestNotificationsKeepOrder(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterNotification(&FakeChannel{ChannelName: "a"})
	reg.RegisterNotification(&FakeChannel{ChannelName: "b"})

	chs := reg.Notifications()
	require.Len(t, chs, 2)
	assert.Equal(t, "a", chs[0].Name())
	assert.Equal(t, "b", chs[1].Name())
}
