package dohproxy

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// BootstrapState describes whether queries may be forwarded upstream.
type BootstrapState int

const (
	// BootstrapDisabled - no address pinning is performed, either because the
	// forward proxy resolves names itself or because the resolver URL doesn't
	// contain a hostname. Queries are forwarded without an override.
	BootstrapDisabled BootstrapState = iota

	// BootstrapPending - polling is active but no resolution has been received
	// yet. Queries must not be forwarded since the HTTPS client would fall
	// back to the system resolver, which may point back at this proxy and
	// cause a resolution loop.
	BootstrapPending

	// BootstrapReady - at least one resolution has been received and an
	// address override is pinned for the resolver hostname.
	BootstrapReady
)

func (s BootstrapState) String() string {
	switch s {
	case BootstrapDisabled:
		return "disabled"
	case BootstrapPending:
		return "pending"
	case BootstrapReady:
		return "ready"
	}
	return fmt.Sprintf("unknown (%d)", s)
}

// AddressOverride pins the resolver hostname to a resolved IP, bypassing name
// resolution in the HTTPS client for that one hostname. Values are immutable
// and replaced as a whole when the poller delivers a new address.
type AddressOverride struct {
	Hostname string
	Port     int
	IP       net.IP
}

func (o *AddressOverride) String() string {
	return fmt.Sprintf("%s:%d:%s", o.Hostname, o.Port, o.IP)
}

// Bootstrap tracks the pinned address for the resolver hostname. The state
// only ever advances: Pending becomes Ready on the first resolution and never
// reverts. Reads take a snapshot, so an in-flight fetch keeps the override it
// was dispatched with even when a fresher address arrives in the meantime.
type Bootstrap struct {
	hostname string
	enabled  bool
	override atomic.Pointer[AddressOverride]
}

// NewBootstrap returns a bootstrap tracker for the given endpoint and forward
// proxy configuration. Polling is disabled when the proxy resolves names
// itself, or when no hostname could be extracted from the resolver URL.
func NewBootstrap(endpoint ResolverEndpoint, proxy string) *Bootstrap {
	b := &Bootstrap{hostname: endpoint.Hostname}
	switch {
	case ProxySupportsNameResolution(proxy):
		Log.WithField("proxy", proxy).Debug("proxy resolves names itself, bootstrap polling not needed")
	case endpoint.Hostname == "":
		Log.WithField("url", endpoint.URL).Info("resolver URL doesn't appear to contain a hostname, bootstrap polling disabled")
	default:
		b.enabled = true
	}
	return b
}

// Enabled reports whether bootstrap polling is needed for this configuration.
func (b *Bootstrap) Enabled() bool {
	return b.enabled
}

// State returns the current bootstrap state.
func (b *Bootstrap) State() BootstrapState {
	if !b.enabled {
		return BootstrapDisabled
	}
	if b.override.Load() == nil {
		return BootstrapPending
	}
	return BootstrapReady
}

// Override returns the currently pinned address, or nil when none is set.
func (b *Bootstrap) Override() *AddressOverride {
	return b.override.Load()
}

// OnResolved installs a new override for the resolver hostname. It is the
// callback handed to the DNS poller and can be invoked any number of times;
// each call replaces the previous override in a single atomic swap.
func (b *Bootstrap) OnResolved(hostname string, ip net.IP) {
	o := &AddressOverride{Hostname: hostname, Port: 443, IP: ip}
	prev := b.override.Swap(o)
	log := Log.WithFields(logrus.Fields{"hostname": hostname, "ip": ip})
	switch {
	case prev == nil:
		log.Info("bootstrap address resolved")
	case !prev.IP.Equal(ip):
		log.Info("bootstrap address updated")
	default:
		log.Debug("bootstrap address refreshed")
	}
}

func (b *Bootstrap) String() string {
	return fmt.Sprintf("Bootstrap(%s)", b.hostname)
}
