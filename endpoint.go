package dohproxy

import (
	"strings"
)

// Hostnames in DNS are limited to 253 characters in presentation format.
const maxHostnameLen = 253

// ResolverEndpoint is the static configuration of the upstream DoH resolver:
// the URL queries are sent to and, when extractable, the bare hostname used
// for bootstrap polling. Immutable after startup.
type ResolverEndpoint struct {
	URL      string
	Hostname string
}

// NewResolverEndpoint builds a ResolverEndpoint from the configured resolver
// URL. Hostname is left empty when the URL doesn't contain one, in which case
// no bootstrap polling is possible or needed.
func NewResolverEndpoint(url string) ResolverEndpoint {
	ep := ResolverEndpoint{URL: url}
	if hostname, ok := HostnameFromURL(url); ok {
		ep.Hostname = hostname
	}
	return ep
}

func (ep ResolverEndpoint) String() string {
	return ep.URL
}

// HostnameFromURL extracts the hostname from a resolver URL. Very basic
// parsing: the URL must start with "https://", and the authority runs up to
// the next '/'. The authority must end in a letter; anything else is assumed
// to be an IP address literal (e.g. "1.2.3.4"), which needs no bootstrap
// resolution. Hostnames whose last label ends in a digit are misclassified by
// this check. That is a known limitation of the heuristic and kept as-is.
func HostnameFromURL(url string) (string, bool) {
	const prefix = "https://"
	if !strings.HasPrefix(url, prefix) {
		return "", false
	}
	authority := url[len(prefix):]
	if i := strings.IndexByte(authority, '/'); i >= 0 {
		authority = authority[:i]
	}
	if authority == "" || len(authority) > maxHostnameLen {
		return "", false
	}
	last := authority[len(authority)-1]
	if !('a' <= last && last <= 'z' || 'A' <= last && last <= 'Z') {
		return "", false
	}
	return authority, true
}

// Proxy schemes that resolve hostnames on the proxy side. With one of these
// there is no local name resolution that could loop back through this proxy,
// so bootstrap polling is unnecessary.
var resolvingProxySchemes = []string{"http:", "https:", "socks4a:", "socks5h:"}

// ProxySupportsNameResolution reports whether the given forward-proxy URL uses
// a scheme that performs name resolution on the proxy rather than locally.
// An empty proxy URL returns false.
func ProxySupportsNameResolution(proxy string) bool {
	if proxy == "" {
		return false
	}
	for _, scheme := range resolvingProxySchemes {
		if len(proxy) >= len(scheme) && strings.EqualFold(proxy[:len(scheme)], scheme) {
			return true
		}
	}
	return false
}
