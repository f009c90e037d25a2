package dohproxy

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

// Starts a plain DNS server on a random local port for tests to resolve against.
func startTestDNSServer(t *testing.T, handler dns.HandlerFunc) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &dns.Server{PacketConn: pc, Handler: handler}
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })
	return pc.LocalAddr().String()
}

func aRecordHandler(t *testing.T, name, ip string) dns.HandlerFunc {
	return func(w dns.ResponseWriter, q *dns.Msg) {
		a := new(dns.Msg)
		a.SetReply(q)
		if q.Question[0].Qtype == dns.TypeA {
			rr, err := dns.NewRR(name + " 300 IN A " + ip)
			require.NoError(t, err)
			a.Answer = append(a.Answer, rr)
		}
		_ = w.WriteMsg(a)
	}
}

func TestDNSPollerResolve(t *testing.T) {
	server := startTestDNSServer(t, aRecordHandler(t, "dns.google.", "8.8.8.8"))

	resolved := make(chan net.IP, 1)
	p := NewDNSPoller("dns.google", server, func(hostname string, ip net.IP) {
		require.Equal(t, "dns.google", hostname)
		select {
		case resolved <- ip:
		default:
		}
	}, DNSPollerOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Start(ctx)

	select {
	case ip := <-resolved:
		require.Equal(t, "8.8.8.8", ip.String())
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for resolution")
	}
}

func TestDNSPollerAAAAFallback(t *testing.T) {
	server := startTestDNSServer(t, func(w dns.ResponseWriter, q *dns.Msg) {
		a := new(dns.Msg)
		a.SetReply(q)
		if q.Question[0].Qtype == dns.TypeAAAA {
			rr, err := dns.NewRR("dns.google. 300 IN AAAA 2001:4860:4860::8888")
			require.NoError(t, err)
			a.Answer = append(a.Answer, rr)
		}
		_ = w.WriteMsg(a)
	})

	p := NewDNSPoller("dns.google", server, nil, DNSPollerOptions{})
	ip, err := p.resolve(context.Background())
	require.NoError(t, err)
	require.Equal(t, "2001:4860:4860::8888", ip.String())
}

func TestDNSPollerIPv4Only(t *testing.T) {
	server := startTestDNSServer(t, func(w dns.ResponseWriter, q *dns.Msg) {
		a := new(dns.Msg)
		a.SetReply(q)
		_ = w.WriteMsg(a)
	})

	p := NewDNSPoller("dns.google", server, nil, DNSPollerOptions{IPv4Only: true})
	_, err := p.resolve(context.Background())
	require.Error(t, err)
}

func TestDNSPollerServfail(t *testing.T) {
	server := startTestDNSServer(t, func(w dns.ResponseWriter, q *dns.Msg) {
		a := new(dns.Msg)
		a.SetRcode(q, dns.RcodeServerFailure)
		_ = w.WriteMsg(a)
	})

	p := NewDNSPoller("dns.google", server, nil, DNSPollerOptions{IPv4Only: true})
	_, err := p.resolve(context.Background())
	require.Error(t, err)
}

func TestDNSPollerDefaultPort(t *testing.T) {
	p := NewDNSPoller("dns.google", "8.8.8.8", nil, DNSPollerOptions{})
	require.Equal(t, "8.8.8.8:53", p.server)
}
