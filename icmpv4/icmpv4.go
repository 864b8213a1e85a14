// Package icmpv4 implements RFC 792 echo reply and destination-unreachable
// generation, handing every other ICMP type off to raw sockets. Grounded
// on the original course's icmpv4.c/icmpv4.h and spec.md §4.6.
package icmpv4

import (
	"fmt"
	"log"

	"github.com/m-lab/netstack/internal/dbg"
	"github.com/m-lab/netstack/ipaddr"
	"github.com/m-lab/netstack/ipv4"
	"github.com/m-lab/netstack/nerr"
	"github.com/m-lab/netstack/pktbuf"
)

// HeaderSize is the fixed ICMP header length (type, code, checksum, plus
// a 4-byte type-specific field).
const HeaderSize = 8

const (
	TypeEchoReply   uint8 = 0
	TypeUnreach     uint8 = 3
	TypeEchoRequest uint8 = 8
)

// CodeProtoUnreach and CodePortUnreach are the two destination-unreachable
// codes this stack generates.
const (
	CodeProtoUnreach uint8 = 2
	CodePortUnreach  uint8 = 3
)

// maxUnreachPayload is the amount of the offending datagram's payload
// echoed back in a destination-unreachable message, per spec.md.
const maxUnreachPayload = 576

// RawHandler receives every non-echo-request ICMP message for delivery to
// raw sockets bound to IPPROTO_ICMP.
type RawHandler interface {
	In(src, dst ipaddr.Addr, buf *pktbuf.Buf) error
}

// Handler implements ipv4.ProtocolHandler and ipv4.Unreachable.
type Handler struct {
	pb   *pktbuf.Manager
	ip   *ipv4.Stack
	raw  RawHandler
}

// New creates an ICMPv4 handler bound to ip for sending replies.
func New(pb *pktbuf.Manager, ip *ipv4.Stack) *Handler {
	return &Handler{pb: pb, ip: ip}
}

// SetRaw wires the raw-socket delivery target.
func (h *Handler) SetRaw(raw RawHandler) { h.raw = raw }

// In handles an inbound ICMP message, dstIP being this host's address and
// srcIP the original sender, to reply to.
func (h *Handler) In(srcIP, dstIP ipaddr.Addr, buf *pktbuf.Buf) error {
	if err := h.pb.SetCont(buf, HeaderSize, 0); err != nil {
		h.pb.Free(buf)
		return fmt.Errorf("icmpv4: short packet: %w", nerr.ErrBroken)
	}
	hdr := make([]byte, HeaderSize)
	h.pb.ResetAcc(buf)
	if err := h.pb.Read(buf, hdr, HeaderSize); err != nil {
		h.pb.Free(buf)
		return err
	}
	h.pb.ResetAcc(buf)
	sum, err := h.pb.Checksum16(buf, buf.TotalSize(), 0, true)
	if err != nil || sum != 0 {
		h.pb.Free(buf)
		return fmt.Errorf("icmpv4: bad checksum: %w", nerr.ErrChksum)
	}

	typ := hdr[0]
	if typ == TypeEchoRequest {
		return h.echoReply(srcIP, dstIP, buf)
	}
	if dbg.On("icmpv4") {
		log.Printf("icmpv4: type %d from %s handed to raw", typ, srcIP)
	}
	if h.raw != nil {
		return h.raw.In(srcIP, dstIP, buf)
	}
	h.pb.Free(buf)
	return nil
}

// echoReply rewrites buf in place into an echo reply and sends it back to
// the original requester with source/destination swapped.
func (h *Handler) echoReply(srcIP, dstIP ipaddr.Addr, buf *pktbuf.Buf) error {
	if err := h.pb.Seek(buf, 0); err != nil {
		h.pb.Free(buf)
		return err
	}
	if err := h.pb.Write(buf, []byte{TypeEchoReply}, 1); err != nil {
		h.pb.Free(buf)
		return err
	}
	if err := h.pb.Seek(buf, 2); err != nil {
		h.pb.Free(buf)
		return err
	}
	if err := h.pb.Write(buf, []byte{0, 0}, 2); err != nil {
		h.pb.Free(buf)
		return err
	}
	h.pb.ResetAcc(buf)
	sum, err := h.pb.Checksum16(buf, buf.TotalSize(), 0, true)
	if err != nil {
		h.pb.Free(buf)
		return err
	}
	if err := h.pb.Seek(buf, 2); err != nil {
		h.pb.Free(buf)
		return err
	}
	if err := h.pb.Write(buf, []byte{byte(sum >> 8), byte(sum)}, 2); err != nil {
		h.pb.Free(buf)
		return err
	}
	return h.ip.Out(dstIP, srcIP, ipv4.ProtoICMP, buf)
}

// SendUnreach implements ipv4.Unreachable: builds a destination-
// unreachable message carrying the offending IP header plus up to
// maxUnreachPayload bytes of its payload.
func (h *Handler) SendUnreach(dstIP, srcIP ipaddr.Addr, code uint8, offending *pktbuf.Buf) error {
	echoLen := offending.TotalSize()
	if limit := ipv4.HeaderSize + maxUnreachPayload; echoLen > limit {
		echoLen = limit
	}
	raw := make([]byte, HeaderSize+echoLen)
	raw[0] = TypeUnreach
	raw[1] = code
	h.pb.ResetAcc(offending)
	if err := h.pb.Read(offending, raw[HeaderSize:], echoLen); err != nil {
		h.pb.Free(offending)
		return err
	}
	h.pb.Free(offending)

	buf, err := h.pb.Alloc(len(raw), 0)
	if err != nil {
		return err
	}
	h.pb.ResetAcc(buf)
	if err := h.pb.Write(buf, raw, len(raw)); err != nil {
		h.pb.Free(buf)
		return err
	}
	h.pb.ResetAcc(buf)
	sum, err := h.pb.Checksum16(buf, buf.TotalSize(), 0, true)
	if err != nil {
		h.pb.Free(buf)
		return err
	}
	if err := h.pb.Seek(buf, 2); err != nil {
		h.pb.Free(buf)
		return err
	}
	sumBytes := []byte{byte(sum >> 8), byte(sum)}
	if err := h.pb.Write(buf, sumBytes, 2); err != nil {
		h.pb.Free(buf)
		return err
	}
	return h.ip.Out(srcIP, dstIP, ipv4.ProtoICMP, buf)
}
