package dohproxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"github.com/jtacoma/uritemplates"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	xproxy "golang.org/x/net/proxy"
)

// HTTPSClientOptions contains options used by the DoH upstream client.
type HTTPSClientOptions struct {
	// Query method, either GET or POST. If empty, POST is used.
	Method string

	// Transport protocol to run HTTPS over. "quic" or "tcp", defaults to "tcp".
	Transport string

	// Forward proxy URL. "http" and "https" proxies are handled by the HTTP
	// transport, "socks5" and "socks5h" through a SOCKS dialer. Not supported
	// with the "quic" transport.
	Proxy string

	// Timeout covering one complete fetch. Defaults to 10s.
	Timeout time.Duration

	TLSConfig *tls.Config
}

// HTTPSClient sends raw DNS messages to a DoH resolver as HTTPS request
// bodies and delivers the raw response bytes asynchronously. An address
// override can be supplied per fetch to pin the resolver hostname to an IP
// learned out-of-band, bypassing name resolution on the dial path.
type HTTPSClient struct {
	endpoint ResolverEndpoint
	template *uritemplates.UriTemplate
	client   *http.Client
	opt      HTTPSClientOptions
	metrics  *ListenerMetrics
}

var _ Fetcher = &HTTPSClient{}

// NewHTTPSClient returns a client for the given DoH endpoint.
func NewHTTPSClient(endpoint ResolverEndpoint, opt HTTPSClientOptions) (*HTTPSClient, error) {
	// The URL can be a template, used with the "dns" variable for GET queries
	template, err := uritemplates.Parse(endpoint.URL)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse DoH URL '%s'", endpoint.URL)
	}

	var tr http.RoundTripper
	switch opt.Transport {
	case "tcp", "":
		tr, err = dohTcpTransport(opt)
	case "quic":
		if opt.Proxy != "" {
			err = errors.New("transport 'quic' can't be combined with a proxy")
			break
		}
		tr, err = dohQuicTransport(endpoint, opt)
	default:
		err = fmt.Errorf("unknown protocol: '%s'", opt.Transport)
	}
	if err != nil {
		return nil, err
	}

	if opt.Method == "" {
		opt.Method = "POST"
	}
	if opt.Method != "POST" && opt.Method != "GET" {
		return nil, fmt.Errorf("unsupported method '%s'", opt.Method)
	}
	if opt.Timeout == 0 {
		opt.Timeout = 10 * time.Second
	}

	return &HTTPSClient{
		endpoint: endpoint,
		template: template,
		client:   &http.Client{Transport: tr},
		opt:      opt,
		metrics:  NewListenerMetrics("client", "doh"),
	}, nil
}

// Fetch sends one raw DNS message upstream and invokes done exactly once from
// a separate goroutine. done receives the raw response bytes, or nil when the
// fetch failed for any reason (timeout, connection error, bad HTTP status).
// Fetch itself never blocks.
func (c *HTTPSClient) Fetch(ctx context.Context, msg []byte, override *AddressOverride, done func(resp []byte)) {
	c.metrics.query.Add(1)
	go func() {
		resp, err := c.roundTrip(ctx, msg, override)
		if err != nil {
			Log.WithError(err).WithFields(logrus.Fields{
				"resolver": c.endpoint.URL,
				"method":   c.opt.Method,
			}).Debug("upstream fetch failed")
			done(nil)
			return
		}
		c.metrics.response.Add("ok", 1)
		done(resp)
	}()
}

func (c *HTTPSClient) roundTrip(ctx context.Context, msg []byte, override *AddressOverride) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opt.Timeout)
	defer cancel()
	if override != nil {
		ctx = withOverride(ctx, override)
	}
	switch c.opt.Method {
	case "POST":
		return c.fetchPOST(ctx, msg)
	case "GET":
		return c.fetchGET(ctx, msg)
	}
	return nil, errors.New("unsupported method")
}

// fetchPOST carries the DNS message in the request body.
func (c *HTTPSClient) fetchPOST(ctx context.Context, msg []byte) ([]byte, error) {
	// Process the template without values since POST doesn't use variables in the URL.
	u, err := c.template.Expand(map[string]interface{}{})
	if err != nil {
		c.metrics.err.Add("template", 1)
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", u, bytes.NewReader(msg))
	if err != nil {
		c.metrics.err.Add("http", 1)
		return nil, err
	}
	req.Header.Add("accept", "application/dns-message")
	req.Header.Add("content-type", "application/dns-message")
	resp, err := c.client.Do(req)
	if err != nil {
		c.metrics.err.Add("post", 1)
		return nil, err
	}
	defer resp.Body.Close()
	return c.responseFromHTTP(resp)
}

// fetchGET carries the DNS message base64url-encoded in the "dns" URL variable.
func (c *HTTPSClient) fetchGET(ctx context.Context, msg []byte) ([]byte, error) {
	b64 := base64.RawURLEncoding.EncodeToString(msg)
	u, err := c.template.Expand(map[string]interface{}{"dns": b64})
	if err != nil {
		c.metrics.err.Add("template", 1)
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		c.metrics.err.Add("http", 1)
		return nil, err
	}
	req.Header.Add("accept", "application/dns-message")
	resp, err := c.client.Do(req)
	if err != nil {
		c.metrics.err.Add("get", 1)
		return nil, err
	}
	defer resp.Body.Close()
	return c.responseFromHTTP(resp)
}

// Check the HTTP response status code and read out the raw response message.
// The body is not parsed as DNS; it's relayed to the client byte-for-byte.
func (c *HTTPSClient) responseFromHTTP(resp *http.Response) ([]byte, error) {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.metrics.err.Add(fmt.Sprintf("http%d", resp.StatusCode), 1)
		return nil, fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}
	rb, err := io.ReadAll(resp.Body)
	if err != nil {
		c.metrics.err.Add("read", 1)
		return nil, err
	}
	return rb, nil
}

func (c *HTTPSClient) String() string {
	return fmt.Sprintf("HTTPSClient(%s)", c.endpoint.URL)
}

// Context key carrying the per-fetch address override down to the dialer.
type overrideKey struct{}

func withOverride(ctx context.Context, o *AddressOverride) context.Context {
	return context.WithValue(ctx, overrideKey{}, o)
}

func overrideFromContext(ctx context.Context) *AddressOverride {
	o, _ := ctx.Value(overrideKey{}).(*AddressOverride)
	return o
}

func dohTcpTransport(opt HTTPSClientOptions) (http.RoundTripper, error) {
	tr := &http.Transport{
		TLSClientConfig:       opt.TLSConfig,
		DisableCompression:    true,
		ResponseHeaderTimeout: 10 * time.Second,
		IdleConnTimeout:       30 * time.Second,
	}
	// If we're using a custom tls.Config, HTTP2 isn't enabled by default in
	// the HTTP library. Turn it on for this transport.
	if tr.TLSClientConfig != nil {
		if err := http2.ConfigureTransport(tr); err != nil {
			return nil, err
		}
	}

	dial := (&net.Dialer{}).DialContext
	if opt.Proxy != "" {
		u, err := url.Parse(opt.Proxy)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse proxy URL '%s'", opt.Proxy)
		}
		switch strings.ToLower(u.Scheme) {
		case "http", "https":
			tr.Proxy = http.ProxyURL(u)
		case "socks5", "socks5h":
			d, err := xproxy.FromURL(u, xproxy.Direct)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to build SOCKS dialer for '%s'", opt.Proxy)
			}
			if cd, ok := d.(xproxy.ContextDialer); ok {
				dial = cd.DialContext
			} else {
				dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
					return d.Dial(network, addr)
				}
			}
		default:
			return nil, fmt.Errorf("unsupported proxy scheme '%s'", u.Scheme)
		}
	}

	// Replace the resolver hostname with the pinned address when a fetch
	// carries an override. With an HTTP(S) proxy this dials the proxy address
	// instead and no override is ever set, since such a proxy resolves the
	// hostname itself and bootstrapping is disabled.
	tr.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		if o := overrideFromContext(ctx); o != nil {
			_, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			addr = net.JoinHostPort(o.IP.String(), port)
		}
		return dial(ctx, network, addr)
	}
	return tr, nil
}

func dohQuicTransport(endpoint ResolverEndpoint, opt HTTPSClientOptions) (http.RoundTripper, error) {
	var tlsConfig *tls.Config
	if opt.TLSConfig == nil {
		tlsConfig = new(tls.Config)
	} else {
		tlsConfig = opt.TLSConfig.Clone()
	}
	u, err := url.Parse(endpoint.URL)
	if err != nil {
		return nil, err
	}
	tlsConfig.ServerName = u.Hostname()

	// When using a custom dialer, we have to track/close connections ourselves
	pool := new(udpConnPool)
	dialer := func(ctx context.Context, addr string, tlsConfig *tls.Config, config *quic.Config) (quic.EarlyConnection, error) {
		if o := overrideFromContext(ctx); o != nil {
			_, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			addr = net.JoinHostPort(o.IP.String(), port)
		}
		return quicDial(ctx, addr, tlsConfig, config, pool)
	}

	tr := &http3.RoundTripper{
		TLSClientConfig: tlsConfig,
		QuicConfig: &quic.Config{
			TokenStore: quic.NewLRUTokenStore(10, 10),
		},
		Dial: dialer,
	}
	return &http3ReliableRoundTripper{tr, pool}, nil
}

func quicDial(ctx context.Context, rAddr string, tlsConfig *tls.Config, config *quic.Config, pool *udpConnPool) (quic.EarlyConnection, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", rAddr)
	if err != nil {
		return nil, err
	}
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, err
	}
	pool.add(udpConn)
	return quic.DialEarly(ctx, udpConn, udpAddr, tlsConfig, config)
}

// Wrapper for http3.RoundTripper due to https://github.com/quic-go/quic-go/issues/765
// This wrapper will transparently re-open expired connections. Should be removed once
// the issue has been fixed upstream.
type http3ReliableRoundTripper struct {
	*http3.RoundTripper
	pool *udpConnPool
}

func (r *http3ReliableRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := r.RoundTripper.RoundTrip(req)
	if netErr, ok := err.(net.Error); ok && (netErr.Timeout() || netErr.Temporary()) {
		r.pool.closeAll()
		r.RoundTripper.Close()
		resp, err = r.RoundTripper.RoundTrip(req)
	}
	return resp, err
}

// UDP connection pool. Also a workaround for the http3.RoundTripper. When using a
// custom dialer that opens its own UDP connections, http3.RoundTripper doesn't close
// them when the remote terminates a connection, or when calling Close(). So we have
// to keep track of the connections and close them all before calling Close() on the
// http3.RoundTripper.
type udpConnPool struct {
	conns []*net.UDPConn
	mu    sync.Mutex
}

func (p *udpConnPool) add(conn *net.UDPConn) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns = append(p.conns, conn)
}

func (p *udpConnPool) closeAll() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, conn := range p.conns {
		conn.Close()
	}
	p.conns = nil
}
