package dohproxy

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
)

// Responder sends a raw DNS reply back to a client address.
type Responder interface {
	Respond(addr *net.UDPAddr, msg []byte) error
}

// Fetcher dispatches one asynchronous upstream fetch per call. done is
// invoked exactly once with the raw response bytes, or nil on any failure.
type Fetcher interface {
	Fetch(ctx context.Context, msg []byte, override *AddressOverride, done func(resp []byte))
}

// PendingRequest correlates one in-flight upstream fetch with the client that
// sent the query. It is created when a query is admitted and finished exactly
// once when the fetch completes, whatever the outcome.
type PendingRequest struct {
	TxID  uint16
	Addr  *net.UDPAddr
	Query []byte
}

// Proxy ties listener, bootstrap state and HTTPS client together. Every
// admitted query turns into exactly one upstream fetch whose response, if
// any, is relayed back unmodified. Queries arriving before the bootstrap
// address is known are dropped. There is no cap on the number of in-flight
// fetches; a flood of queries allocates a fetch each, a limitation inherited
// from the original design.
type Proxy struct {
	responder Responder
	fetcher   Fetcher
	bootstrap *Bootstrap

	inflight atomic.Int64
	metrics  *ListenerMetrics
}

var _ QueryHandler = &Proxy{}

// NewProxy returns a proxy core forwarding queries through fetcher and
// sending replies through responder, gated by the given bootstrap state.
func NewProxy(responder Responder, fetcher Fetcher, bootstrap *Bootstrap) *Proxy {
	return &Proxy{
		responder: responder,
		fetcher:   fetcher,
		bootstrap: bootstrap,
		metrics:   NewListenerMetrics("proxy", "core"),
	}
}

// HandleQuery admits or drops one inbound query. Admission is judged by the
// bootstrap state at arrival time; a later state change doesn't affect a
// fetch already dispatched, which keeps the override it was dispatched with.
// Never blocks.
func (p *Proxy) HandleQuery(ctx context.Context, addr *net.UDPAddr, txID uint16, msg []byte) {
	log := logger(txID, addr).WithField("len", len(msg))
	log.Debug("received query")
	p.metrics.query.Add(1)

	// Don't answer until bootstrapped. Resolving the resolver hostname with
	// the system resolver could loop back through this proxy when it's the
	// nameserver listed in resolv.conf.
	if p.bootstrap.State() == BootstrapPending {
		p.metrics.drop.Add(1)
		log.Warn("query received before bootstrapping completed, discarding")
		return
	}

	req := &PendingRequest{TxID: txID, Addr: addr, Query: msg}
	p.inflight.Add(1)
	p.fetcher.Fetch(ctx, req.Query, p.bootstrap.Override(), func(resp []byte) {
		p.complete(req, resp)
	})
}

// complete finishes a pending request. It is the only termination point and
// runs exactly once per request, on the fetch completion path.
func (p *Proxy) complete(req *PendingRequest, resp []byte) {
	defer p.inflight.Add(-1)
	log := logger(req.TxID, req.Addr)
	if resp == nil {
		// Upstream timeout, connection error or bad status. No reply is sent;
		// the client's own retry handling takes over.
		p.metrics.err.Add("upstream", 1)
		log.Debug("no upstream response, suppressing reply")
		return
	}
	if err := p.responder.Respond(req.Addr, resp); err != nil {
		p.metrics.err.Add("respond", 1)
		log.WithError(err).Error("failed to send reply")
		return
	}
	p.metrics.response.Add("ok", 1)
	log.WithField("len", len(resp)).Debug("sent reply")
}

// Inflight returns the number of requests currently awaiting completion.
func (p *Proxy) Inflight() int64 {
	return p.inflight.Load()
}

func (p *Proxy) String() string {
	return "Proxy"
}

func txIDString(id uint16) string {
	return fmt.Sprintf("%04x", id)
}
