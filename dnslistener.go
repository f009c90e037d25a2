package dohproxy

import (
	"context"
	"encoding/binary"
	"net"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// Size of the fixed DNS message header. Anything shorter can't be a query.
const dnsHeaderLen = 12

// QueryHandler receives every inbound query with its raw wire-format bytes.
// Ownership of msg transfers to the handler; the listener never touches the
// buffer again after the call.
type QueryHandler interface {
	HandleQuery(ctx context.Context, addr *net.UDPAddr, txID uint16, msg []byte)
}

// DNSListener is a plain-DNS UDP listener. Queries are handed to a
// QueryHandler as raw bytes together with the client address and transaction
// id; replies are written back with Respond. Messages pass through unparsed
// so the client receives upstream responses byte-for-byte.
type DNSListener struct {
	id   string
	addr string
	conn *net.UDPConn

	metrics *ListenerMetrics
}

var _ Responder = &DNSListener{}

// NewDNSListener returns a UDP DNS listener for the given address.
func NewDNSListener(id, addr string) *DNSListener {
	return &DNSListener{
		id:      id,
		addr:    addr,
		metrics: NewListenerMetrics("listener", id),
	}
}

// Listen binds the UDP socket. Separate from Start so the caller can drop
// privileges after binding to a low port but before serving queries.
func (s *DNSListener) Listen() error {
	udpAddr, err := net.ResolveUDPAddr("udp", s.addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	s.conn = conn
	return nil
}

// Start reads queries and passes them to the handler until the context is
// canceled. Listen must have been called first. Returns nil on a clean stop.
func (s *DNSListener) Start(ctx context.Context, h QueryHandler) error {
	Log.WithFields(logrus.Fields{
		"id":       s.id,
		"protocol": "udp",
		"addr":     s.conn.LocalAddr(),
	}).Info("starting listener")

	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	buf := make([]byte, dns.MaxMsgSize)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if n < dnsHeaderLen {
			s.metrics.err.Add("short", 1)
			Log.WithFields(logrus.Fields{"id": s.id, "client": addr.IP, "len": n}).Debug("dropping short datagram")
			continue
		}
		s.metrics.query.Add(1)
		msg := make([]byte, n)
		copy(msg, buf[:n])
		h.HandleQuery(ctx, addr, binary.BigEndian.Uint16(msg[:2]), msg)
	}
}

// Respond sends a raw DNS reply back to a client address.
func (s *DNSListener) Respond(addr *net.UDPAddr, msg []byte) error {
	s.metrics.response.Add("ok", 1)
	_, err := s.conn.WriteToUDP(msg, addr)
	return err
}

// LocalAddr returns the bound address, useful when listening on port 0.
func (s *DNSListener) LocalAddr() *net.UDPAddr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr().(*net.UDPAddr)
}

func (s *DNSListener) String() string {
	return s.id
}
