// Package ether is the Ethernet II link layer: frame (de)composition and
// dispatch by EtherType to ARP or IPv4. Grounded on the original course's
// ether.c/ether.h and netif_ether's link_ops binding.
package ether

import (
	"encoding/binary"
	"fmt"
	"log"

	"github.com/m-lab/netstack/internal/dbg"
	"github.com/m-lab/netstack/ipaddr"
	"github.com/m-lab/netstack/nerr"
	"github.com/m-lab/netstack/netif"
	"github.com/m-lab/netstack/pktbuf"
)

// HeaderSize is the fixed Ethernet II header length: dst(6) + src(6) + type(2).
const HeaderSize = 14

const (
	TypeIPv4 uint16 = 0x0800
	TypeARP  uint16 = 0x0806
)

// MinPayloadSize is the minimum Ethernet II payload per RFC 894. Link
// hands shorter payloads to the driver as they are, without padding.
const MinPayloadSize = 46

// Resolver resolves destIP to a hardware address for a buf pending
// output, or queues buf internally and sends an ARP request; arp.Cache
// implements this.
type Resolver interface {
	Resolve(mgr *netif.Manager, iface *netif.Interface, targetIP ipaddr.Addr, buf *pktbuf.Buf) error
	OnInput(mgr *netif.Manager, iface *netif.Interface, buf *pktbuf.Buf) error
	MakeGratuitous(mgr *netif.Manager, iface *netif.Interface) error
	Clear(iface *netif.Interface)
}

// IPv4Input is implemented by the IPv4 stack so ether can dispatch
// inbound frames without importing ipv4 (which, via netif.Out, ends up
// calling back into ether.Out — keeping the dependency one-directional
// avoids an import cycle).
type IPv4Input interface {
	In(iface *netif.Interface, buf *pktbuf.Buf) error
}

// Link implements netif.LinkOps for Ethernet-attached interfaces.
type Link struct {
	Mgr  *netif.Manager
	PB   *pktbuf.Manager
	ARP  Resolver
	IPv4 IPv4Input
}

func putHeader(buf []byte, dst, src netif.HWAddr, etherType uint16) {
	copy(buf[0:6], dst[:])
	copy(buf[6:12], src[:])
	binary.BigEndian.PutUint16(buf[12:14], etherType)
}

// In parses the Ethernet header and dispatches the payload by EtherType.
func (l *Link) In(iface *netif.Interface, buf *pktbuf.Buf) error {
	pm := l.PB
	if err := pm.SetCont(buf, HeaderSize, 0); err != nil {
		return fmt.Errorf("ether: short frame: %w", nerr.ErrSize)
	}
	hdr := make([]byte, HeaderSize)
	pm.ResetAcc(buf)
	if err := pm.Read(buf, hdr, HeaderSize); err != nil {
		return err
	}
	etherType := binary.BigEndian.Uint16(hdr[12:14])
	if err := pm.RemoveHeader(buf, HeaderSize); err != nil {
		return err
	}

	switch etherType {
	case TypeIPv4:
		if dbg.On("ether") {
			log.Printf("ether: %s: IPv4 frame, %d bytes", iface.Name, buf.TotalSize())
		}
		return l.IPv4.In(iface, buf)
	case TypeARP:
		if dbg.On("ether") {
			log.Printf("ether: %s: ARP frame, %d bytes", iface.Name, buf.TotalSize())
		}
		return l.ARP.OnInput(l.Mgr, iface, buf)
	default:
		// Unknown EtherTypes are silently dropped, per the malformed/
		// unsupported inbound traffic policy.
		return nil
	}
}

// Out prepends the Ethernet header and queues buf for transmission,
// resolving destIP to a hardware address via ARP unless it is a
// broadcast address.
func (l *Link) Out(iface *netif.Interface, destIP ipaddr.Addr, buf *pktbuf.Buf) error {
	netAddr := iface.IPAddr.Mask(iface.Netmask)
	if destIP.IsBroadcast() || destIP.IsDirectedBroadcast(netAddr, iface.Netmask) {
		return l.frameAndSend(iface, netif.Broadcast, buf)
	}
	return l.ARP.Resolve(l.Mgr, iface, destIP, buf)
}

// frameAndSend prepends the Ethernet header for a known destination
// hardware address and drains it onto the wire. Used directly by ARP
// once it has resolved (or decided to broadcast) a destination.
func (l *Link) frameAndSend(iface *netif.Interface, dst netif.HWAddr, buf *pktbuf.Buf) error {
	pm := l.PB
	if err := pm.AddHeader(buf, HeaderSize, true, 0); err != nil {
		return err
	}
	hdr := make([]byte, HeaderSize)
	putHeader(hdr, dst, iface.HWAddr, TypeIPv4)
	pm.ResetAcc(buf)
	if err := pm.Write(buf, hdr, HeaderSize); err != nil {
		return err
	}
	if err := l.Mgr.PutOut(iface, buf, 0); err != nil {
		return err
	}
	return iface.Driver.Xmit(iface)
}

// FrameAndSendRaw is used by the ARP layer to send frames whose EtherType
// is ARP rather than IPv4 (requests/replies), which otherwise share the
// same framing and transmit path as IP traffic.
func FrameAndSendRaw(mgr *netif.Manager, pm *pktbuf.Manager, iface *netif.Interface, dst netif.HWAddr, etherType uint16, buf *pktbuf.Buf) error {
	if err := pm.AddHeader(buf, HeaderSize, true, 0); err != nil {
		return err
	}
	hdr := make([]byte, HeaderSize)
	putHeader(hdr, dst, iface.HWAddr, etherType)
	pm.ResetAcc(buf)
	if err := pm.Write(buf, hdr, HeaderSize); err != nil {
		return err
	}
	if err := mgr.PutOut(iface, buf, 0); err != nil {
		return err
	}
	return iface.Driver.Xmit(iface)
}

// FrameAndSend exposes frameAndSend to the ARP resolver, which calls back
// into it once a destination hardware address has been resolved.
func (l *Link) FrameAndSend(iface *netif.Interface, dst netif.HWAddr, buf *pktbuf.Buf) error {
	return l.frameAndSend(iface, dst, buf)
}

func (l *Link) MakeGratuitousARP(iface *netif.Interface) error {
	return l.ARP.MakeGratuitous(l.Mgr, iface)
}

func (l *Link) Clear(iface *netif.Interface) { l.ARP.Clear(iface) }
