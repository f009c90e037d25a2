package dohproxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// Polling is aggressive until the first address is obtained, since no queries
// can be forwarded before that, then backs off to a slower refresh rate.
const (
	pollRetryInterval = 5 * time.Second
	pollInterval      = 2 * time.Minute
)

// DNSPoller periodically resolves one hostname against a fixed bootstrap DNS
// server and reports every obtained address through a callback. It is used to
// learn and refresh the IP of the DoH resolver itself, which can't be looked
// up through the resolver it belongs to.
type DNSPoller struct {
	hostname   string
	server     string
	client     *dns.Client
	ipv4Only   bool
	onResolved func(hostname string, ip net.IP)
}

// DNSPollerOptions contains options used by the DNS poller.
type DNSPollerOptions struct {
	// Only resolve IPv4 addresses.
	IPv4Only bool

	// Timeout for individual resolution attempts, defaults to 5s.
	Timeout time.Duration
}

// NewDNSPoller returns a poller that resolves hostname against the given
// bootstrap DNS server (host:port, port 53 assumed if absent) and calls
// onResolved for every address obtained. The callback may fire repeatedly
// with the same address; consumers are expected to treat it as at-least-once.
func NewDNSPoller(hostname, server string, onResolved func(hostname string, ip net.IP), opt DNSPollerOptions) *DNSPoller {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	timeout := opt.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &DNSPoller{
		hostname: hostname,
		server:   server,
		client: &dns.Client{
			Net:     "udp",
			Timeout: timeout,
		},
		ipv4Only:   opt.IPv4Only,
		onResolved: onResolved,
	}
}

// Start polls until the context is canceled. The first resolution attempt is
// made immediately.
func (p *DNSPoller) Start(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		interval := pollInterval
		ip, err := p.resolve(ctx)
		if err != nil {
			Log.WithError(err).WithFields(logrus.Fields{
				"hostname": p.hostname,
				"server":   p.server,
			}).Warn("bootstrap resolution failed")
			interval = pollRetryInterval
		} else {
			p.onResolved(p.hostname, ip)
		}
		timer.Reset(interval)
	}
}

// Resolve the hostname once. IPv4 is preferred, with a fallback to IPv6
// unless the poller is restricted to IPv4.
func (p *DNSPoller) resolve(ctx context.Context) (net.IP, error) {
	ip, err := p.lookup(ctx, dns.TypeA)
	if err == nil || p.ipv4Only {
		return ip, err
	}
	return p.lookup(ctx, dns.TypeAAAA)
}

func (p *DNSPoller) lookup(ctx context.Context, qtype uint16) (net.IP, error) {
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(p.hostname), qtype)
	a, _, err := p.client.ExchangeContext(ctx, q, p.server)
	if err != nil {
		return nil, err
	}
	if a.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("bootstrap server responded with %s", dns.RcodeToString[a.Rcode])
	}
	for _, rr := range a.Answer {
		switch r := rr.(type) {
		case *dns.A:
			return r.A, nil
		case *dns.AAAA:
			return r.AAAA, nil
		}
	}
	return nil, errors.New("no address record in response")
}

func (p *DNSPoller) String() string {
	return fmt.Sprintf("DNSPoller(%s@%s)", p.hostname, p.server)
}
