// Package arp is the ARP cache and wire format (RFC 826): entry
// states, LRU eviction, pending-packet queues flushed on resolution, and
// periodic aging/retry driven by OnTimer. Grounded on the
// original course's arp.c/arp.h plus spec.md §4.4.
package arp

import (
	"encoding/binary"
	"fmt"
	"log"

	"github.com/m-lab/netstack/internal/dbg"
	"github.com/m-lab/netstack/internal/metrics"
	"github.com/m-lab/netstack/internal/uuid"
	"github.com/m-lab/netstack/ipaddr"
	"github.com/m-lab/netstack/link/ether"
	"github.com/m-lab/netstack/nerr"
	"github.com/m-lab/netstack/netif"
	"github.com/m-lab/netstack/pktbuf"
)

// HeaderSize is the fixed size of an Ethernet/IPv4 ARP packet.
const HeaderSize = 28

const (
	hwTypeEther  uint16 = 1
	protoTypeIP4 uint16 = 0x0800
	hwLenEther   uint8  = 6
	protoLenIP4  uint8  = 4

	OpRequest uint16 = 1
	OpReply   uint16 = 2
)

// State is an Entry's lifecycle stage.
type State int

const (
	Free State = iota
	Resolved
	Waiting
)

// Sender abstracts the Ethernet framing an ARP cache uses to emit the
// packets it held pending resolution, implemented by link/ether.Link.
// When the sender is an *ether.Link, requests/replies go out through
// ether.FrameAndSendRaw with the ARP EtherType instead.
type Sender interface {
	FrameAndSend(iface *netif.Interface, dst netif.HWAddr, buf *pktbuf.Buf) error
}

// Entry is one ARP cache record.
type Entry struct {
	PAddr   ipaddr.Addr
	HAddr   netif.HWAddr
	State   State
	TmoMs   int64
	Retry   int
	Netif   *netif.Interface
	Pending []*pktbuf.Buf
	cookie  string
}

// Config bundles the cache's tunables, taken from config.Config.
type Config struct {
	CacheSize      int
	MaxPktWait     int
	EntryStableMs  int64
	EntryPendingMs int64
	EntryRetryCnt  int
}

// Cache is the process-wide ARP table plus its LRU ordering (index 0 is
// most-recently-used).
type Cache struct {
	cfg     Config
	pb      *pktbuf.Manager
	link    Sender
	entries []*Entry
}

// NewCache creates an empty ARP cache.
func NewCache(cfg Config, pb *pktbuf.Manager, link Sender) *Cache {
	return &Cache{cfg: cfg, pb: pb, link: link}
}

// SetSender wires the Ethernet sender after construction, breaking the
// Cache/Link initialization cycle (each needs a reference to the other).
func (c *Cache) SetSender(link Sender) { c.link = link }

func (c *Cache) find(paddr ipaddr.Addr) (*Entry, int) {
	for i, e := range c.entries {
		if e.PAddr == paddr {
			return e, i
		}
	}
	return nil, -1
}

func (c *Cache) touch(idx int) {
	if idx <= 0 {
		return
	}
	e := c.entries[idx]
	copy(c.entries[1:idx+1], c.entries[0:idx])
	c.entries[0] = e
}

func (c *Cache) evictOrAllocate() *Entry {
	if len(c.entries) < c.cfg.CacheSize {
		e := &Entry{State: Free, cookie: uuid.New()}
		c.entries = append([]*Entry{e}, c.entries...)
		return e
	}
	// LRU eviction: the tail is least-recently-used.
	e := c.entries[len(c.entries)-1]
	c.entries = c.entries[:len(c.entries)-1]
	c.entries = append([]*Entry{e}, c.entries...)
	e.Pending = nil
	e.cookie = uuid.New()
	return e
}

// Resolve is the Ethernet layer's hook for sending buf to targetIP: if a
// resolved entry exists it frames and sends immediately; otherwise it
// queues buf and, if needed, starts ARP resolution.
func (c *Cache) Resolve(mgr *netif.Manager, iface *netif.Interface, targetIP ipaddr.Addr, buf *pktbuf.Buf) error {
	e, idx := c.find(targetIP)
	if e != nil && e.State == Resolved {
		c.touch(idx)
		return c.link.FrameAndSend(iface, e.HAddr, buf)
	}
	if e != nil && e.State == Waiting {
		c.touch(idx)
		c.enqueuePending(e, buf)
		return nil
	}

	e = c.evictOrAllocate()
	e.PAddr = targetIP
	e.Netif = iface
	e.State = Waiting
	e.TmoMs = c.cfg.EntryPendingMs
	e.Retry = c.cfg.EntryRetryCnt
	e.Pending = nil
	c.enqueuePending(e, buf)
	metrics.ArpCacheSize.Set(float64(len(c.entries)))
	return c.sendRequest(mgr, iface, targetIP)
}

func (c *Cache) enqueuePending(e *Entry, buf *pktbuf.Buf) {
	if len(e.Pending) >= c.cfg.MaxPktWait {
		dropped := e.Pending[0]
		c.pb.Free(dropped)
		e.Pending = e.Pending[1:]
	}
	e.Pending = append(e.Pending, buf)
}

func (c *Cache) flushPending(e *Entry, mgr *netif.Manager) {
	for _, buf := range e.Pending {
		if err := c.link.FrameAndSend(e.Netif, e.HAddr, buf); err != nil {
			log.Printf("arp: flush to %s failed: %v", e.PAddr, err)
		}
	}
	e.Pending = nil
}

// OnInput validates and processes an inbound ARP packet.
func (c *Cache) OnInput(mgr *netif.Manager, iface *netif.Interface, buf *pktbuf.Buf) error {
	if err := c.pb.SetCont(buf, HeaderSize, 0); err != nil {
		return fmt.Errorf("arp: short packet: %w", nerr.ErrBroken)
	}
	raw := make([]byte, HeaderSize)
	c.pb.ResetAcc(buf)
	if err := c.pb.Read(buf, raw, HeaderSize); err != nil {
		return err
	}
	defer c.pb.Free(buf)

	hwType := binary.BigEndian.Uint16(raw[0:2])
	protoType := binary.BigEndian.Uint16(raw[2:4])
	hwLen := raw[4]
	protoLen := raw[5]
	op := binary.BigEndian.Uint16(raw[6:8])
	if hwType != hwTypeEther || protoType != protoTypeIP4 || hwLen != hwLenEther || protoLen != protoLenIP4 {
		return fmt.Errorf("arp: unsupported format: %w", nerr.ErrNotSupport)
	}
	if op != OpRequest && op != OpReply {
		return fmt.Errorf("arp: unknown opcode %d: %w", op, nerr.ErrNotSupport)
	}

	var senderH netif.HWAddr
	copy(senderH[:], raw[8:14])
	senderP := ipaddr.Addr{raw[14], raw[15], raw[16], raw[17]}
	var targetP ipaddr.Addr
	copy(targetP[:], raw[24:28])

	_, existingIdx := c.find(senderP)
	if senderP.SameSubnet(iface.IPAddr, iface.Netmask) || existingIdx >= 0 {
		c.update(mgr, iface, senderP, senderH)
	}

	if op == OpRequest && targetP == iface.IPAddr {
		if dbg.On("arp") {
			log.Printf("arp: %s: request for us from %s, replying", iface.Name, senderP)
		}
		return c.sendReply(mgr, iface, senderP, senderH)
	}

	if op == OpReply {
		if e, idx := c.find(senderP); e != nil && e.State == Waiting {
			c.touch(idx)
			e.HAddr = senderH
			e.State = Resolved
			e.TmoMs = c.cfg.EntryStableMs
			c.flushPending(e, mgr)
		}
	}
	return nil
}

func (c *Cache) update(mgr *netif.Manager, iface *netif.Interface, paddr ipaddr.Addr, haddr netif.HWAddr) {
	e, idx := c.find(paddr)
	if e == nil {
		e = c.evictOrAllocate()
		e.PAddr = paddr
		idx = 0
	} else {
		c.touch(idx)
		idx = 0
	}
	e.HAddr = haddr
	e.Netif = iface
	wasWaiting := e.State == Waiting
	e.State = Resolved
	e.TmoMs = c.cfg.EntryStableMs
	e.Retry = c.cfg.EntryRetryCnt
	if dbg.On("arp") {
		log.Printf("arp: [%s] %s -> resolved (%s)", e.cookie, paddr, haddr)
	}
	if wasWaiting {
		c.flushPending(e, mgr)
	}
}

func buildPacket(op uint16, senderH netif.HWAddr, senderP ipaddr.Addr, targetH netif.HWAddr, targetP ipaddr.Addr) []byte {
	raw := make([]byte, HeaderSize)
	binary.BigEndian.PutUint16(raw[0:2], hwTypeEther)
	binary.BigEndian.PutUint16(raw[2:4], protoTypeIP4)
	raw[4] = hwLenEther
	raw[5] = protoLenIP4
	binary.BigEndian.PutUint16(raw[6:8], op)
	copy(raw[8:14], senderH[:])
	copy(raw[14:18], senderP[:])
	copy(raw[18:24], targetH[:])
	copy(raw[24:28], targetP[:])
	return raw
}

func (c *Cache) send(mgr *netif.Manager, iface *netif.Interface, dst netif.HWAddr, op uint16, targetH netif.HWAddr, targetP ipaddr.Addr) error {
	buf, err := c.pb.Alloc(HeaderSize, 0)
	if err != nil {
		return err
	}
	raw := buildPacket(op, iface.HWAddr, iface.IPAddr, targetH, targetP)
	c.pb.ResetAcc(buf)
	if err := c.pb.Write(buf, raw, HeaderSize); err != nil {
		c.pb.Free(buf)
		return err
	}
	if l, ok := c.link.(*ether.Link); ok {
		return ether.FrameAndSendRaw(l.Mgr, l.PB, iface, dst, ether.TypeARP, buf)
	}
	return c.link.FrameAndSend(iface, dst, buf)
}

func (c *Cache) sendRequest(mgr *netif.Manager, iface *netif.Interface, targetIP ipaddr.Addr) error {
	metrics.ArpRequestsSent.Inc()
	return c.send(mgr, iface, netif.Broadcast, OpRequest, netif.HWAddr{}, targetIP)
}

func (c *Cache) sendReply(mgr *netif.Manager, iface *netif.Interface, targetIP ipaddr.Addr, targetH netif.HWAddr) error {
	metrics.ArpRepliesSent.Inc()
	return c.send(mgr, iface, targetH, OpReply, targetH, targetIP)
}

// MakeGratuitous sends an ARP request whose sender and target protocol
// addresses both equal iface's own IP, populating peers' caches.
func (c *Cache) MakeGratuitous(mgr *netif.Manager, iface *netif.Interface) error {
	return c.sendRequest(mgr, iface, iface.IPAddr)
}

// Clear drops every entry owned by iface, e.g. when it is closed.
func (c *Cache) Clear(iface *netif.Interface) {
	kept := c.entries[:0]
	for _, e := range c.entries {
		if e.Netif == iface {
			for _, buf := range e.Pending {
				c.pb.Free(buf)
			}
			continue
		}
		kept = append(kept, e)
	}
	c.entries = kept
}

// OnTimer advances every entry's aging timer by elapsedMs, per spec.md's
// 1-second ARP aging tick: resolved entries that go stale are moved back
// to waiting and re-probed; a waiting entry gets EntryRetryCnt requests
// in all (the first one plus EntryRetryCnt-1 retries) before being
// dropped along with its pending packets.
func (c *Cache) OnTimer(mgr *netif.Manager, elapsedMs int64) {
	for i := 0; i < len(c.entries); i++ {
		e := c.entries[i]
		e.TmoMs -= elapsedMs
		if e.TmoMs > 0 {
			continue
		}
		switch e.State {
		case Resolved:
			e.State = Waiting
			e.Retry = c.cfg.EntryRetryCnt
			e.TmoMs = c.cfg.EntryPendingMs
			if err := c.sendRequest(mgr, e.Netif, e.PAddr); err != nil {
				log.Printf("arp: re-probe %s failed: %v", e.PAddr, err)
			}
		case Waiting:
			e.Retry--
			if e.Retry > 0 {
				e.TmoMs = c.cfg.EntryPendingMs
				if err := c.sendRequest(mgr, e.Netif, e.PAddr); err != nil {
					log.Printf("arp: retry %s failed: %v", e.PAddr, err)
				}
				continue
			}
			for _, buf := range e.Pending {
				c.pb.Free(buf)
			}
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			i--
			metrics.ArpCacheSize.Set(float64(len(c.entries)))
		}
	}
}
