// Package udp implements RFC 768 datagram sockets: input validation with
// an optional IPv4-pseudo-header checksum, port matching with a wildcard
// local IP, bounded per-socket receive queues, and output with ephemeral
// port auto-binding. Grounded on spec.md §4.7 and the original course's
// udp.c/udp.h.
package udp

import (
	"encoding/binary"
	"fmt"

	"github.com/m-lab/netstack/internal/metrics"
	"github.com/m-lab/netstack/ipaddr"
	"github.com/m-lab/netstack/ipv4"
	"github.com/m-lab/netstack/nerr"
	"github.com/m-lab/netstack/pktbuf"
	"github.com/m-lab/netstack/sock"
)

// HeaderSize is the fixed UDP header length.
const HeaderSize = 8

const ephemeralBase, ephemeralTop = 1024, 65535

type record struct {
	srcIP   ipaddr.Addr
	srcPort uint16
	buf     *pktbuf.Buf
}

// Sock is a UDP socket: sock.Sock plus its bounded inbound datagram list.
type Sock struct {
	sock.Sock
	recv []record
}

// Table owns every open UDP socket and is the ipv4.ProtocolHandler
// registered for IPPROTO_UDP.
type Table struct {
	pb      *pktbuf.Manager
	ip      *ipv4.Stack
	unreach ipv4.Unreachable
	maxNr   int
	maxRecv int
	socks   []*Sock
	nextPort uint16
}

// NewTable creates a UDP socket table and registers it with ip. unreach
// (normally an *icmpv4.Handler) is used to report port-unreachable.
func NewTable(pb *pktbuf.Manager, ip *ipv4.Stack, unreach ipv4.Unreachable, maxNr, maxRecv int) *Table {
	t := &Table{pb: pb, ip: ip, unreach: unreach, maxNr: maxNr, maxRecv: maxRecv, nextPort: ephemeralBase}
	ip.RegisterHandler(ipv4.ProtoUDP, t)
	return t
}

// Open allocates a new, unbound UDP socket.
func (t *Table) Open() (*Sock, error) {
	if len(t.socks) >= t.maxNr {
		return nil, nerr.ErrMem
	}
	s := &Sock{}
	sock.Init(&s.Sock, sock.AFInet, sock.TypeDgram, ipv4.ProtoUDP, t)
	t.socks = append(t.socks, s)
	return s, nil
}

func pseudoHeaderSum(srcIP, dstIP ipaddr.Addr, length uint16) uint32 {
	var sum uint32
	sum += uint32(binary.BigEndian.Uint16(srcIP[0:2]))
	sum += uint32(binary.BigEndian.Uint16(srcIP[2:4]))
	sum += uint32(binary.BigEndian.Uint16(dstIP[0:2]))
	sum += uint32(binary.BigEndian.Uint16(dstIP[2:4]))
	sum += uint32(ipv4.ProtoUDP)
	sum += uint32(length)
	return sum
}

// In implements ipv4.ProtocolHandler. buf has already had its IP header
// stripped by the IP layer.
func (t *Table) In(srcIP, dstIP ipaddr.Addr, buf *pktbuf.Buf) error {
	if err := t.pb.SetCont(buf, HeaderSize, 0); err != nil {
		t.pb.Free(buf)
		return fmt.Errorf("udp: short datagram: %w", nerr.ErrBroken)
	}
	hdr := make([]byte, HeaderSize)
	t.pb.ResetAcc(buf)
	if err := t.pb.Read(buf, hdr, HeaderSize); err != nil {
		t.pb.Free(buf)
		return err
	}
	srcPort := binary.BigEndian.Uint16(hdr[0:2])
	dstPort := binary.BigEndian.Uint16(hdr[2:4])
	length := binary.BigEndian.Uint16(hdr[4:6])
	checksum := binary.BigEndian.Uint16(hdr[6:8])

	if int(length) < HeaderSize || int(length) > buf.TotalSize() {
		t.pb.Free(buf)
		return fmt.Errorf("udp: malformed length: %w", nerr.ErrBroken)
	}
	if checksum != 0 {
		t.pb.ResetAcc(buf)
		sum, err := t.pb.Checksum16(buf, int(length), pseudoHeaderSum(srcIP, dstIP, length), true)
		if err != nil || sum != 0 {
			metrics.UDPChecksumErrors.Inc()
			t.pb.Free(buf)
			return fmt.Errorf("udp: bad checksum: %w", nerr.ErrChksum)
		}
	}

	s := t.find(dstIP, dstPort)
	if s == nil {
		metrics.UDPPortUnreachable.Inc()
		if t.unreach != nil {
			return t.sendPortUnreach(srcIP, dstIP, srcPort, dstPort, length, buf)
		}
		t.pb.Free(buf)
		return nil
	}

	t.pb.ResetAcc(buf)
	if err := t.pb.RemoveHeader(buf, HeaderSize); err != nil {
		t.pb.Free(buf)
		return err
	}
	s.deliver(t, srcIP, srcPort, buf)
	return nil
}

// sendPortUnreach re-attaches a synthetic IP header so SendUnreach has
// something to echo back. The original header was already freed by the
// IP layer's dispatch by the time a registered protocol handler runs, so
// this reconstructs only the fields the destination-unreachable message
// actually needs (addressing and protocol); TOS/TTL/identification are
// not recoverable here and are left zeroed.
func (t *Table) sendPortUnreach(srcIP, dstIP ipaddr.Addr, srcPort, dstPort, length uint16, buf *pktbuf.Buf) error {
	if err := t.pb.AddHeader(buf, ipv4.HeaderSize, true, 0); err != nil {
		t.pb.Free(buf)
		return err
	}
	hdr := make([]byte, ipv4.HeaderSize)
	hdr[0] = 4<<4 | 5
	binary.BigEndian.PutUint16(hdr[2:4], uint16(ipv4.HeaderSize)+length)
	hdr[9] = ipv4.ProtoUDP
	copy(hdr[12:16], srcIP[:])
	copy(hdr[16:20], dstIP[:])
	t.pb.ResetAcc(buf)
	t.pb.Write(buf, hdr, ipv4.HeaderSize)
	t.pb.ResetAcc(buf)
	return t.unreach.SendUnreach(srcIP, dstIP, ipv4.CodePortUnreach, buf)
}

func (t *Table) find(dstIP ipaddr.Addr, port uint16) *Sock {
	for _, s := range t.socks {
		if s.LocalPort != port {
			continue
		}
		if s.LocalIP.IsAny() || s.LocalIP == dstIP {
			return s
		}
	}
	return nil
}

func (t *Table) portInUse(port uint16) bool {
	for _, s := range t.socks {
		if s.LocalPort == port {
			return true
		}
	}
	return false
}

func (s *Sock) deliver(t *Table, srcIP ipaddr.Addr, srcPort uint16, buf *pktbuf.Buf) {
	if len(s.recv) >= t.maxRecv {
		t.pb.Free(s.recv[0].buf)
		s.recv = s.recv[1:]
	}
	s.recv = append(s.recv, record{srcIP: srcIP, srcPort: srcPort, buf: buf})
	s.RcvWait.Leave(nerr.OK)
}

// Bind implements sock.Ops.
func (t *Table) Bind(base *sock.Sock, ip ipaddr.Addr, port uint16) error {
	if port != 0 && t.portInUse(port) {
		return nerr.ErrExist
	}
	if port == 0 {
		var err error
		port, err = t.allocEphemeral()
		if err != nil {
			return err
		}
	}
	base.LocalIP = ip
	base.LocalPort = port
	return nil
}

func (t *Table) allocEphemeral() (uint16, error) {
	for i := 0; i < ephemeralTop-ephemeralBase; i++ {
		port := t.nextPort
		t.nextPort++
		if t.nextPort > ephemeralTop {
			t.nextPort = ephemeralBase
		}
		if !t.portInUse(port) {
			return port, nil
		}
	}
	return 0, nerr.ErrMem
}

func (t *Table) Listen(*sock.Sock, int) error                 { return nerr.ErrNotSupport }
func (t *Table) Accept(*sock.Sock) (*sock.Sock, error)         { return nil, nerr.ErrNotSupport }
func (t *Table) Connect(base *sock.Sock, ip ipaddr.Addr, port uint16) error {
	base.RemoteIP = ip
	base.RemotePort = port
	return nil
}

// SendTo auto-binds an ephemeral port if none is bound, prepends the UDP
// header with a pseudo-header checksum, and calls ipv4.Stack.Out.
func (t *Table) SendTo(base *sock.Sock, ip ipaddr.Addr, port uint16, data []byte) (int, error) {
	dstIP, dstPort := ip, port
	if !base.RemoteIP.IsAny() || base.RemotePort != 0 {
		if (!ip.IsAny() && ip != base.RemoteIP) || (port != 0 && port != base.RemotePort) {
			return 0, nerr.ErrConnected
		}
		dstIP, dstPort = base.RemoteIP, base.RemotePort
	}
	if base.LocalPort == 0 {
		if err := t.Bind(base, base.LocalIP, 0); err != nil {
			return 0, err
		}
	}

	length := uint16(HeaderSize + len(data))
	buf, err := t.pb.Alloc(int(length), 0)
	if err != nil {
		return 0, err
	}
	hdr := make([]byte, HeaderSize)
	binary.BigEndian.PutUint16(hdr[0:2], base.LocalPort)
	binary.BigEndian.PutUint16(hdr[2:4], dstPort)
	binary.BigEndian.PutUint16(hdr[4:6], length)
	t.pb.ResetAcc(buf)
	t.pb.Write(buf, hdr, HeaderSize)
	t.pb.Write(buf, data, len(data))

	srcIP := base.LocalIP
	route, err := t.ip.FindRoute(dstIP)
	if err == nil && srcIP.IsAny() {
		srcIP = route.Iface.IPAddr
	}
	t.pb.ResetAcc(buf)
	sum, err := t.pb.Checksum16(buf, int(length), pseudoHeaderSum(srcIP, dstIP, length), true)
	if err != nil {
		t.pb.Free(buf)
		return 0, err
	}
	if sum == 0 {
		sum = 0xffff // per RFC 768, a computed zero checksum is sent as all-ones
	}
	t.pb.Seek(buf, 6)
	t.pb.Write(buf, []byte{byte(sum >> 8), byte(sum)}, 2)

	if err := t.ip.Out(base.LocalIP, dstIP, ipv4.ProtoUDP, buf); err != nil {
		return 0, err
	}
	return len(data), nil
}

// RecvFrom implements sock.Ops, reporting NeedWait on an empty queue per
// spec.md §4.10.
func (t *Table) RecvFrom(base *sock.Sock, data []byte) (int, ipaddr.Addr, uint16, error) {
	s := t.findBase(base)
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
	return n, rec.srcIP, rec.srcPort, nil
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

func (t *Table) findBase(base *sock.Sock) *Sock {
	for _, s := range t.socks {
		if &s.Sock == base {
			return s
		}
	}
	return nil
}

// Info is one row of a Table.Snapshot, the per-socket summary
// cmd/netstatcsv dumps.
type Info struct {
	LocalIP    ipaddr.Addr
	LocalPort  uint16
	RemoteIP   ipaddr.Addr
	RemotePort uint16
	RecvQueued int
}

// Snapshot returns one Info per open socket, in allocation order.
func (t *Table) Snapshot() []Info {
	out := make([]Info, 0, len(t.socks))
	for _, s := range t.socks {
		out = append(out, Info{
			LocalIP:    s.LocalIP,
			LocalPort:  s.LocalPort,
			RemoteIP:   s.RemoteIP,
			RemotePort: s.RemotePort,
			RecvQueued: len(s.recv),
		})
	}
	return out
}
