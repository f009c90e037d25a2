package dohproxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

// answerFetcher parses the query and completes with a packed A-record reply.
type answerFetcher struct{}

func (answerFetcher) Fetch(ctx context.Context, msg []byte, override *AddressOverride, done func(resp []byte)) {
	q := new(dns.Msg)
	if err := q.Unpack(msg); err != nil {
		done(nil)
		return
	}
	a := new(dns.Msg)
	a.SetReply(q)
	rr, err := dns.NewRR(q.Question[0].Name + " 300 IN A 1.2.3.4")
	if err != nil {
		done(nil)
		return
	}
	a.Answer = append(a.Answer, rr)
	b, err := a.Pack()
	if err != nil {
		done(nil)
		return
	}
	done(b)
}

func startTestListener(t *testing.T, fetcher Fetcher, bootstrap *Bootstrap) string {
	t.Helper()
	listener := NewDNSListener("test-udp", "127.0.0.1:0")
	require.NoError(t, listener.Listen())
	proxy := NewProxy(listener, fetcher, bootstrap)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = listener.Start(ctx, proxy) }()
	t.Cleanup(cancel)
	return listener.LocalAddr().String()
}

func TestListenerRoundTrip(t *testing.T) {
	bootstrap := NewBootstrap(NewResolverEndpoint("https://1.1.1.1/dns-query"), "")
	addr := startTestListener(t, answerFetcher{}, bootstrap)

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	a, err := dns.Exchange(q, addr)
	require.NoError(t, err)
	require.Equal(t, q.Id, a.Id)
	require.NotEmpty(t, a.Answer)
}

func TestListenerDropsQueriesWhileBootstrapping(t *testing.T) {
	// Bootstrap stays pending, so nothing must reach the fetcher and no
	// reply may be sent
	bootstrap := NewBootstrap(NewResolverEndpoint("https://dns.google/dns-query"), "")
	fetcher := &testFetcher{response: []byte("must not be sent")}
	addr := startTestListener(t, fetcher, bootstrap)

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	q.Id = 0x1234
	c := &dns.Client{Timeout: time.Second}
	_, _, err := c.Exchange(q, addr)
	require.Error(t, err, "expected the query to time out without a reply")
	require.Equal(t, 0, fetcher.count())
}

func TestListenerIgnoresShortDatagrams(t *testing.T) {
	bootstrap := NewBootstrap(NewResolverEndpoint("https://1.1.1.1/dns-query"), "")
	fetcher := &testFetcher{response: []byte("reply")}
	addr := startTestListener(t, fetcher, bootstrap)

	conn, err := net.Dial("udp", addr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("short"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	buf := make([]byte, 64)
	_, err = conn.Read(buf)
	require.Error(t, err, "no reply expected for a truncated datagram")
	require.Equal(t, 0, fetcher.count())
}

// Full stack: UDP listener -> proxy -> HTTPS client -> local DoH upstream.
func TestProxyEndToEnd(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		q := new(dns.Msg)
		require.NoError(t, q.Unpack(body))
		a := new(dns.Msg)
		a.SetReply(q)
		rr, err := dns.NewRR(q.Question[0].Name + " 300 IN A 9.9.9.9")
		require.NoError(t, err)
		a.Answer = append(a.Answer, rr)
		b, err := a.Pack()
		require.NoError(t, err)
		w.Header().Set("content-type", "application/dns-message")
		_, _ = w.Write(b)
	}))
	defer upstream.Close()

	endpoint := NewResolverEndpoint(upstream.URL)
	client, err := NewHTTPSClient(endpoint, HTTPSClientOptions{TLSConfig: insecureTLS()})
	require.NoError(t, err)

	// The upstream URL contains an IP literal, no bootstrapping needed
	bootstrap := NewBootstrap(endpoint, "")
	require.Equal(t, BootstrapDisabled, bootstrap.State())
	addr := startTestListener(t, client, bootstrap)

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	q.Id = 0x5678
	a, err := dns.Exchange(q, addr)
	require.NoError(t, err)
	require.Equal(t, uint16(0x5678), a.Id)
	require.Len(t, a.Answer, 1)
	require.Equal(t, "9.9.9.9", a.Answer[0].(*dns.A).A.String())
}
