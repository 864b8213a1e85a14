// Package ipv4 implements RFC 791 input validation, fragmentation and
// reassembly, a longest-prefix route table, and output with next-hop
// resolution. Grounded on the original course's ipv4.c/ipv4.h and
// spec.md §4.5.
package ipv4

import (
	"encoding/binary"
	"fmt"
	"log"
	"sync/atomic"

	"github.com/m-lab/netstack/internal/dbg"
	"github.com/m-lab/netstack/internal/metrics"
	"github.com/m-lab/netstack/ipaddr"
	"github.com/m-lab/netstack/nerr"
	"github.com/m-lab/netstack/netif"
	"github.com/m-lab/netstack/pktbuf"
)

// HeaderSize is the fixed (no-options) IPv4 header length.
const HeaderSize = 20

const (
	flagMF    = 0x2000
	offsetMask = 0x1fff
)

// Protocol numbers used by this stack.
const (
	ProtoICMP uint8 = 1
	ProtoTCP  uint8 = 6
	ProtoUDP  uint8 = 17
)

const DefaultTTL = 64

// CodeProtoUnreach and CodePortUnreach are the ICMP codes passed to
// Unreachable.SendUnreach: "no handler registered for this datagram's
// protocol" and "no socket bound to this UDP port", respectively.
const (
	CodeProtoUnreach uint8 = 2
	CodePortUnreach  uint8 = 3
)

// Header is the decoded, host-order form of an IPv4 header.
type Header struct {
	Version    uint8
	IHL        uint8
	TOS        uint8
	TotalLen   uint16
	ID         uint16
	Flags      uint8
	FragOffset uint16 // in 8-byte units
	TTL        uint8
	Protocol   uint8
	Checksum   uint16
	SrcIP      ipaddr.Addr
	DstIP      ipaddr.Addr
}

func (h Header) moreFragments() bool { return h.Flags&0x1 != 0 }

func decodeHeader(raw []byte) Header {
	var h Header
	h.Version = raw[0] >> 4
	h.IHL = raw[0] & 0x0f
	h.TOS = raw[1]
	h.TotalLen = binary.BigEndian.Uint16(raw[2:4])
	h.ID = binary.BigEndian.Uint16(raw[4:6])
	flagsFrag := binary.BigEndian.Uint16(raw[6:8])
	h.Flags = uint8(flagsFrag >> 13)
	h.FragOffset = flagsFrag & offsetMask
	h.TTL = raw[8]
	h.Protocol = raw[9]
	h.Checksum = binary.BigEndian.Uint16(raw[10:12])
	copy(h.SrcIP[:], raw[12:16])
	copy(h.DstIP[:], raw[16:20])
	return h
}

func encodeHeader(h Header, raw []byte) {
	raw[0] = h.Version<<4 | h.IHL
	raw[1] = h.TOS
	binary.BigEndian.PutUint16(raw[2:4], h.TotalLen)
	binary.BigEndian.PutUint16(raw[4:6], h.ID)
	flagsFrag := uint16(h.Flags)<<13 | h.FragOffset
	binary.BigEndian.PutUint16(raw[6:8], flagsFrag)
	raw[8] = h.TTL
	raw[9] = h.Protocol
	binary.BigEndian.PutUint16(raw[10:12], 0)
	copy(raw[12:16], h.SrcIP[:])
	copy(raw[16:20], h.DstIP[:])
}

// ProtocolHandler is implemented by each upper-layer protocol (icmpv4,
// udp, tcp) and registered with a Stack.
type ProtocolHandler interface {
	In(srcIP, dstIP ipaddr.Addr, buf *pktbuf.Buf) error
}

// Unreachable is implemented by icmpv4 to let the IP layer report
// port/protocol-unreachable without ipv4 importing icmpv4 directly.
type Unreachable interface {
	SendUnreach(dstIP, srcIP ipaddr.Addr, code uint8, offending *pktbuf.Buf) error
}

// Route is one entry in the route table.
type Route struct {
	Net     ipaddr.Addr
	Mask    ipaddr.Addr
	NextHop ipaddr.Addr
	Iface   *netif.Interface
}

// Stack ties the route table, reassembly table, and registered protocol
// handlers together. One Stack is owned exclusively by the worker.
type Stack struct {
	pb      *pktbuf.Manager
	netifMgr *netif.Manager

	routes []Route

	handlers map[uint8]ProtocolHandler
	raw      ProtocolHandler
	unreach  Unreachable

	reassembly *reassemblyTable

	nextID uint32
}

// NewStack creates an empty Stack.
func NewStack(pb *pktbuf.Manager, netifMgr *netif.Manager, cfg ReassemblyConfig) *Stack {
	return &Stack{
		pb:         pb,
		netifMgr:   netifMgr,
		handlers:   make(map[uint8]ProtocolHandler),
		reassembly: newReassemblyTable(cfg),
	}
}

// RegisterHandler installs the upper-layer handler for protocol.
func (s *Stack) RegisterHandler(protocol uint8, h ProtocolHandler) { s.handlers[protocol] = h }

// RegisterRaw installs the handler that receives its own copy
// (pktbuf.Manager.Dup) of every validated IP datagram, regardless of protocol.
func (s *Stack) RegisterRaw(h ProtocolHandler) { s.raw = h }

// RegisterUnreachable installs icmpv4 as the destination-unreachable
// sender used when no protocol handler matches.
func (s *Stack) RegisterUnreachable(u Unreachable) { s.unreach = u }

// AddRoute implements netif.RouteInstaller.
func (s *Stack) AddRoute(net, mask, nextHop ipaddr.Addr, iface *netif.Interface) error {
	s.routes = append(s.routes, Route{Net: net, Mask: mask, NextHop: nextHop, Iface: iface})
	return nil
}

// RemoveRoutesFor implements netif.RouteInstaller.
func (s *Stack) RemoveRoutesFor(iface *netif.Interface) {
	kept := s.routes[:0]
	for _, r := range s.routes {
		if r.Iface != iface {
			kept = append(kept, r)
		}
	}
	s.routes = kept
}

// FindRoute returns the longest-prefix match for dst, or an error if none
// (including no default route) matches.
func (s *Stack) FindRoute(dst ipaddr.Addr) (Route, error) {
	best := -1
	bestLen := -1
	for i, r := range s.routes {
		if dst.SameSubnet(r.Net, r.Mask) {
			l := r.Mask.PrefixLen()
			if l > bestLen {
				bestLen = l
				best = i
			}
		}
	}
	if best < 0 {
		return Route{}, fmt.Errorf("ipv4: no route to %s: %w", dst, nerr.ErrUnreach)
	}
	return s.routes[best], nil
}

// In validates an inbound IPv4 datagram (already stripped of its
// Ethernet header) and dispatches it by protocol, reassembling first if
// it is a fragment.
func (s *Stack) In(iface *netif.Interface, buf *pktbuf.Buf) error {
	if err := s.pb.SetCont(buf, HeaderSize, 0); err != nil {
		return fmt.Errorf("ipv4: short packet: %w", nerr.ErrBroken)
	}
	raw := make([]byte, HeaderSize)
	s.pb.ResetAcc(buf)
	if err := s.pb.Read(buf, raw, HeaderSize); err != nil {
		return err
	}
	h := decodeHeader(raw)

	if h.Version != 4 || h.IHL < 5 {
		s.pb.Free(buf)
		return fmt.Errorf("ipv4: malformed header: %w", nerr.ErrBroken)
	}
	if int(h.TotalLen) < int(h.IHL)*4 || int(h.TotalLen) > buf.TotalSize() {
		s.pb.Free(buf)
		return fmt.Errorf("ipv4: malformed length: %w", nerr.ErrBroken)
	}
	if h.Checksum != 0 {
		s.pb.ResetAcc(buf)
		sum, err := s.pb.Checksum16(buf, int(h.IHL)*4, 0, true)
		if err != nil || sum != 0 {
			metrics.IPFragmentsDropped.WithLabelValues("checksum").Inc()
			s.pb.Free(buf)
			return fmt.Errorf("ipv4: bad checksum: %w", nerr.ErrChksum)
		}
	}
	if err := s.pb.Resize(buf, int(h.TotalLen), 0); err != nil {
		s.pb.Free(buf)
		return err
	}

	if h.moreFragments() || h.FragOffset != 0 {
		return s.reassemble(h, buf)
	}
	return s.dispatch(h, raw[:int(h.IHL)*4], buf)
}

// dispatch delivers a full (non-fragmented, or just-reassembled) datagram
// to the raw fan-out and the registered protocol handler. headerRaw is the
// exact on-wire header, kept around so a destination-unreachable reply can
// echo it back even though RemoveHeader discards buf's own copy.
func (s *Stack) dispatch(h Header, headerRaw []byte, buf *pktbuf.Buf) error {
	if s.raw != nil {
		if dup, err := s.pb.Dup(buf, 0); err != nil {
			log.Printf("ipv4: raw fan-out: %v", err)
		} else if err := s.raw.In(h.SrcIP, h.DstIP, dup); err != nil {
			log.Printf("ipv4: raw handler: %v", err)
		}
	}
	if err := s.pb.RemoveHeader(buf, int(h.IHL)*4); err != nil {
		s.pb.Free(buf)
		return err
	}
	if handler, ok := s.handlers[h.Protocol]; ok {
		return handler.In(h.SrcIP, h.DstIP, buf)
	}
	if dbg.On("ipv4") {
		log.Printf("ipv4: no handler for protocol %d, sending unreachable", h.Protocol)
	}
	if s.unreach != nil {
		if err := s.pb.AddHeader(buf, len(headerRaw), true, 0); err == nil {
			s.pb.ResetAcc(buf)
			s.pb.Write(buf, headerRaw, len(headerRaw))
			s.pb.ResetAcc(buf)
			s.unreach.SendUnreach(h.SrcIP, h.DstIP, CodeProtoUnreach, buf)
			return nil
		}
	}
	s.pb.Free(buf)
	return nil
}

// Out builds and transmits a datagram. srcIP may be ipaddr.Any, in which
// case the outgoing route's interface address is used.
func (s *Stack) Out(srcIP, dstIP ipaddr.Addr, protocol uint8, buf *pktbuf.Buf) error {
	route, err := s.FindRoute(dstIP)
	if err != nil {
		s.pb.Free(buf)
		return err
	}
	if srcIP.IsAny() {
		srcIP = route.Iface.IPAddr
	}

	mtu := route.Iface.MTU
	maxPayload := mtu - HeaderSize
	id := uint16(atomic.AddUint32(&s.nextID, 1))

	if buf.TotalSize() <= maxPayload {
		return s.sendOne(Header{
			Version: 4, IHL: 5, TotalLen: uint16(HeaderSize + buf.TotalSize()),
			ID: id, TTL: DefaultTTL, Protocol: protocol, SrcIP: srcIP, DstIP: dstIP,
		}, buf, route)
	}

	fragUnit := maxPayload &^ 0x7 // fragment payloads must be multiples of 8 bytes, except the last
	total := buf.TotalSize()
	offset := 0
	for offset < total {
		chunkSize := fragUnit
		if offset+chunkSize > total {
			chunkSize = total - offset
		}
		s.pb.ResetAcc(buf)
		if err := s.pb.Seek(buf, offset); err != nil {
			s.pb.Free(buf)
			return err
		}
		frag, err := s.pb.Alloc(chunkSize, 0)
		if err != nil {
			s.pb.Free(buf)
			return err
		}
		s.pb.ResetAcc(frag)
		if err := s.pb.Copy(frag, buf, chunkSize); err != nil {
			s.pb.Free(frag)
			s.pb.Free(buf)
			return err
		}
		flags := uint8(0)
		if offset+chunkSize < total {
			flags = 0x1
		}
		h := Header{
			Version: 4, IHL: 5, TotalLen: uint16(HeaderSize + chunkSize),
			ID: id, Flags: flags, FragOffset: uint16(offset / 8),
			TTL: DefaultTTL, Protocol: protocol, SrcIP: srcIP, DstIP: dstIP,
		}
		if err := s.sendOne(h, frag, route); err != nil {
			s.pb.Free(buf)
			return err
		}
		offset += chunkSize
	}
	s.pb.Free(buf)
	return nil
}

func (s *Stack) sendOne(h Header, buf *pktbuf.Buf, route Route) error {
	if err := s.pb.AddHeader(buf, HeaderSize, true, 0); err != nil {
		s.pb.Free(buf)
		return err
	}
	raw := make([]byte, HeaderSize)
	encodeHeader(h, raw)
	s.pb.ResetAcc(buf)
	if err := s.pb.Write(buf, raw, HeaderSize); err != nil {
		s.pb.Free(buf)
		return err
	}
	s.pb.ResetAcc(buf)
	checksum, err := s.pb.Checksum16(buf, HeaderSize, 0, true)
	if err != nil {
		s.pb.Free(buf)
		return err
	}
	checksumBytes := []byte{byte(checksum >> 8), byte(checksum)}
	if err := s.pb.Seek(buf, 10); err != nil {
		s.pb.Free(buf)
		return err
	}
	if err := s.pb.Write(buf, checksumBytes, 2); err != nil {
		s.pb.Free(buf)
		return err
	}

	nextHop := h.DstIP
	if !route.NextHop.IsAny() {
		nextHop = route.NextHop
	}
	return s.netifMgr.Out(route.Iface, nextHop, buf)
}

// OnTimer advances the reassembly table's aging clock.
func (s *Stack) OnTimer(elapsedMs int64) {
	s.reassembly.onTimer(s, elapsedMs)
}
