// Package raw implements IPPROTO_RAW/SOCK_RAW sockets: every socket bound
// to a given protocol number gets its own copy of every IP
// datagram of that protocol (including the IP header), bounded receive
// queues, and "send a raw datagram, no transport header" output. Grounded
// on spec.md §4.9 and the original course's raw.c/raw.h.
package raw

import (
	"github.com/m-lab/netstack/ipaddr"
	"github.com/m-lab/netstack/ipv4"
	"github.com/m-lab/netstack/nerr"
	"github.com/m-lab/netstack/pktbuf"
	"github.com/m-lab/netstack/sock"
)

type record struct {
	srcIP ipaddr.Addr
	buf   *pktbuf.Buf
}

// Sock is a raw socket: sock.Sock plus its bounded inbound datagram list.
type Sock struct {
	sock.Sock
	recv []record
}

// Table owns every open raw socket and is the single ipv4.ProtocolHandler
// registered via Stack.RegisterRaw.
type Table struct {
	pb      *pktbuf.Manager
	ip      *ipv4.Stack
	maxNr   int
	maxRecv int
	socks   []*Sock
}

// NewTable creates a raw-socket table and registers it with ip's raw
// fan-out.
func NewTable(pb *pktbuf.Manager, ip *ipv4.Stack, maxNr, maxRecv int) *Table {
	t := &Table{pb: pb, ip: ip, maxNr: maxNr, maxRecv: maxRecv}
	ip.RegisterRaw(t)
	return t
}

// Open allocates a new raw socket bound to protocol.
func (t *Table) Open(protocol uint8) (*Sock, error) {
	if len(t.socks) >= t.maxNr {
		return nil, nerr.ErrMem
	}
	s := &Sock{}
	sock.Init(&s.Sock, sock.AFInet, sock.TypeRaw, protocol, t)
	t.socks = append(t.socks, s)
	return s, nil
}

// In implements ipv4.ProtocolHandler: buf still carries its IP header.
// Every socket whose protocol matches (and whose LocalIP, if bound,
// equals dst) gets its own duplicate; the table's own reference is always
// freed at the end.
func (t *Table) In(src, dst ipaddr.Addr, buf *pktbuf.Buf) error {
	hdr := make([]byte, 10)
	t.pb.ResetAcc(buf)
	if err := t.pb.Read(buf, hdr, len(hdr)); err != nil {
		t.pb.Free(buf)
		return err
	}
	t.pb.ResetAcc(buf)
	protocol := hdr[9]

	for _, s := range t.socks {
		if s.Protocol != protocol {
			continue
		}
		if !s.LocalIP.IsAny() && s.LocalIP != dst {
			continue
		}
		dup, err := t.pb.Dup(buf, 0)
		if err != nil {
			continue
		}
		s.deliver(t, src, dup)
	}
	t.pb.Free(buf)
	return nil
}

func (s *Sock) deliver(t *Table, src ipaddr.Addr, buf *pktbuf.Buf) {
	if len(s.recv) >= t.maxRecv {
		t.pb.Free(s.recv[0].buf)
		s.recv = s.recv[1:]
	}
	s.recv = append(s.recv, record{srcIP: src, buf: buf})
	s.RcvWait.Leave(nerr.OK)
}

// Bind implements sock.Ops: restricts delivery to datagrams addressed to
// ip (ipaddr.Any means "any").
func (t *Table) Bind(base *sock.Sock, ip ipaddr.Addr, port uint16) error {
	base.LocalIP = ip
	return nil
}

func (t *Table) Listen(*sock.Sock, int) error                    { return nerr.ErrNotSupport }
func (t *Table) Accept(*sock.Sock) (*sock.Sock, error)            { return nil, nerr.ErrNotSupport }
func (t *Table) Connect(base *sock.Sock, ip ipaddr.Addr, port uint16) error {
	base.RemoteIP = ip
	return nil
}

// SendTo builds a bare IP datagram (no transport header) and calls
// ipv4.Stack.Out directly.
func (t *Table) SendTo(base *sock.Sock, ip ipaddr.Addr, port uint16, data []byte) (int, error) {
	dst := ip
	if !base.RemoteIP.IsAny() {
		if !ip.IsAny() && ip != base.RemoteIP {
			return 0, nerr.ErrConnected
		}
		dst = base.RemoteIP
	}
	buf, err := t.pb.Alloc(len(data), 0)
	if err != nil {
		return 0, err
	}
	t.pb.ResetAcc(buf)
	if err := t.pb.Write(buf, data, len(data)); err != nil {
		t.pb.Free(buf)
		return 0, err
	}
	if err := t.ip.Out(base.LocalIP, dst, base.Protocol, buf); err != nil {
		return 0, err
	}
	return len(data), nil
}

// RecvFrom implements sock.Ops. Per spec.md §4.10, an empty receive list
// installs RcvWait (already done unconditionally at Init) and reports
// NeedWait; the socket API layer blocks on it and calls RecvFrom again.
func (t *Table) RecvFrom(base *sock.Sock, data []byte) (int, ipaddr.Addr, uint16, error) {
	s := findSock(t, base)
	if len(s.recv) == 0 {
		return 0, ipaddr.Any, 0, nerr.NeedWait
	}
	rec := s.recv[0]
	s.recv = s.recv[1:]
	n := rec.buf.TotalSize()
	if n > len(data) {
		n = len(data)
	}
	t.pb.ResetAcc(rec.buf)
	t.pb.Read(rec.buf, data[:n], n)
	t.pb.Free(rec.buf)
	return n, rec.srcIP, 0, nil
}

func (t *Table) Close(base *sock.Sock) error {
	t.Destroy(base)
	return nil
}

func (t *Table) Destroy(base *sock.Sock) {
	for i, s := range t.socks {
		if &s.Sock == base {
			for _, r := range s.recv {
				t.pb.Free(r.buf)
			}
			t.socks = append(t.socks[:i], t.socks[i+1:]...)
			return
		}
	}
}

func findSock(t *Table, base *sock.Sock) *Sock {
	for _, s := range t.socks {
		if &s.Sock == base {
			return s
		}
	}
	return nil
}
