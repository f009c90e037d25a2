/*
Package dohproxy bridges legacy UDP DNS clients to a DNS-over-HTTPS upstream
resolver. Applications that only speak classic DNS get an encrypted, proxyable
upstream transport without modification. There are 4 fundamental types of
objects available in this library.

Listener

The DNSListener receives plain DNS queries over UDP and hands them on as raw
wire-format bytes. Responses are relayed back byte-for-byte; the library never
parses or rewrites DNS messages on the relay path.

Proxy

The Proxy is the core correlating each inbound query with exactly one upstream
fetch and routing the asynchronous result back to the right client. Queries
arriving before the resolver address is bootstrapped are dropped.

HTTPS client

The HTTPSClient sends DNS messages as HTTPS request bodies to the configured
DoH resolver, over HTTP/2 or HTTP/3, optionally through a forward proxy, and
optionally pinned to an address learned through bootstrap polling.

Bootstrap

Bootstrap and DNSPoller solve the chicken-and-egg problem of resolving the
resolver's own hostname: a plain DNS server is polled in the background and
the obtained address is pinned onto the HTTPS client's dial path.
*/
package dohproxy
