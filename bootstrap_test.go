package dohproxy

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBootstrapDisabledByProxy(t *testing.T) {
	// A proxy that resolves names itself suppresses polling for any resolver URL
	ep := NewResolverEndpoint("https://dns.google/dns-query")
	b := NewBootstrap(ep, "socks5h://proxy:1080")
	require.False(t, b.Enabled())
	require.Equal(t, BootstrapDisabled, b.State())
	require.Nil(t, b.Override())
}

func TestBootstrapDisabledByIPLiteral(t *testing.T) {
	ep := NewResolverEndpoint("https://1.1.1.1/dns-query")
	b := NewBootstrap(ep, "")
	require.False(t, b.Enabled())
	require.Equal(t, BootstrapDisabled, b.State())
}

func TestBootstrapPendingUntilResolved(t *testing.T) {
	ep := NewResolverEndpoint("https://dns.google/dns-query")
	b := NewBootstrap(ep, "")
	require.True(t, b.Enabled())
	require.Equal(t, BootstrapPending, b.State())
	require.Nil(t, b.Override())

	b.OnResolved("dns.google", net.ParseIP("8.8.8.8"))
	require.Equal(t, BootstrapReady, b.State())
	require.Equal(t, "dns.google:443:8.8.8.8", b.Override().String())
}

func TestBootstrapOverrideReplaced(t *testing.T) {
	ep := NewResolverEndpoint("https://dns.google/dns-query")
	b := NewBootstrap(ep, "")
	b.OnResolved("dns.google", net.ParseIP("8.8.8.8"))
	first := b.Override()

	b.OnResolved("dns.google", net.ParseIP("8.8.4.4"))
	require.Equal(t, BootstrapReady, b.State())
	require.Equal(t, "dns.google:443:8.8.4.4", b.Override().String())

	// The old snapshot is untouched, an in-flight fetch dispatched with it
	// still sees the address it was dispatched with
	require.Equal(t, "dns.google:443:8.8.8.8", first.String())
}

func TestBootstrapNonResolvingProxyStillPolls(t *testing.T) {
	ep := NewResolverEndpoint("https://dns.google/dns-query")
	b := NewBootstrap(ep, "socks5://proxy:1080")
	require.True(t, b.Enabled())
}

// Swapping the override is atomic, a reader never observes a half-written value.
func TestBootstrapConcurrentSwap(t *testing.T) {
	ep := NewResolverEndpoint("https://dns.google/dns-query")
	b := NewBootstrap(ep, "")
	b.OnResolved("dns.google", net.ParseIP("8.8.8.8"))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				o := b.Override()
				require.NotNil(t, o)
				require.Equal(t, "dns.google", o.Hostname)
				require.Equal(t, 443, o.Port)
				require.NotNil(t, o.IP)
			}
		}()
	}
	for i := 0; i < 1000; i++ {
		ip := net.IPv4(8, 8, byte(i%2*4+4), byte(i%256))
		b.OnResolved("dns.google", ip)
	}
	close(stop)
	wg.Wait()
	require.Equal(t, BootstrapReady, b.State())
}
