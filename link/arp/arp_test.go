package arp_test

import (
	"testing"

	"github.com/m-lab/netstack/ipaddr"
	"github.com/m-lab/netstack/link/arp"
	"github.com/m-lab/netstack/netif"
	"github.com/m-lab/netstack/pktbuf"
)

type fakeSender struct {
	sent []netif.HWAddr
	pb   *pktbuf.Manager
}

func (s *fakeSender) FrameAndSend(iface *netif.Interface, dst netif.HWAddr, buf *pktbuf.Buf) error {
	s.sent = append(s.sent, dst)
	s.pb.Free(buf)
	return nil
}

func testCfg() arp.Config {
	return arp.Config{CacheSize: 4, MaxPktWait: 2, EntryStableMs: 60000, EntryPendingMs: 1000, EntryRetryCnt: 2}
}

func newIface(t *testing.T) *netif.Interface {
	t.Helper()
	return &netif.Interface{
		Name:    "eth0",
		HWAddr:  netif.HWAddr{1, 2, 3, 4, 5, 6},
		IPAddr:  ipaddr.MustParse("192.168.1.1"),
		Netmask: ipaddr.MustParse("255.255.255.0"),
	}
}

func TestResolveQueuesAndFlushesOnReply(t *testing.T) {
	pm, err := pktbuf.NewManager(64, 16, 16)
	if err != nil {
		t.Fatalf("pktbuf.NewManager: %v", err)
	}
	sender := &fakeSender{pb: pm}
	cache := arp.NewCache(testCfg(), pm, sender)
	iface := newIface(t)

	target := ipaddr.MustParse("192.168.1.50")
	buf, err := pm.Alloc(10, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := cache.Resolve(nil, iface, target, buf); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	// First Resolve call sends the ARP request itself (broadcast).
	if len(sender.sent) != 1 || sender.sent[0] != netif.Broadcast {
		t.Fatalf("expected one broadcast ARP request, got %v", sender.sent)
	}

	// Simulate the reply arriving.
	replyHW := netif.HWAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	replyBuf := buildReplyPacket(t, pm, replyHW, target, iface.IPAddr, iface.HWAddr)
	if err := cache.OnInput(nil, iface, replyBuf); err != nil {
		t.Fatalf("OnInput: %v", err)
	}
	// The queued packet should now have been flushed to replyHW.
	if len(sender.sent) != 2 || sender.sent[1] != replyHW {
		t.Fatalf("expected the pending packet flushed to %v, got %v", replyHW, sender.sent)
	}
}

func buildReplyPacket(t *testing.T, pm *pktbuf.Manager, senderH netif.HWAddr, senderP, targetP ipaddr.Addr, targetH netif.HWAddr) *pktbuf.Buf {
	t.Helper()
	buf, err := pm.Alloc(arp.HeaderSize, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	raw := make([]byte, arp.HeaderSize)
	raw[0], raw[1] = 0, 1 // hwtype = ether
	raw[2], raw[3] = 0x08, 0x00
	raw[4] = 6
	raw[5] = 4
	raw[6], raw[7] = 0, byte(arp.OpReply)
	copy(raw[8:14], senderH[:])
	copy(raw[14:18], senderP[:])
	copy(raw[18:24], targetH[:])
	copy(raw[24:28], targetP[:])
	pm.ResetAcc(buf)
	if err := pm.Write(buf, raw, arp.HeaderSize); err != nil {
		t.Fatalf("Write: %v", err)
	}
	pm.ResetAcc(buf)
	return buf
}

func TestOnTimerRetriesThenDrops(t *testing.T) {
	pm, err := pktbuf.NewManager(64, 16, 16)
	if err != nil {
		t.Fatalf("pktbuf.NewManager: %v", err)
	}
	sender := &fakeSender{pb: pm}
	cfg := testCfg() // EntryRetryCnt: 2
	cache := arp.NewCache(cfg, pm, sender)
	iface := newIface(t)
	target := ipaddr.MustParse("192.168.1.77")

	buf, _ := pm.Alloc(10, 0)
	if err := cache.Resolve(nil, iface, target, buf); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	sentBefore := len(sender.sent)

	cache.OnTimer(nil, 1000) // one retry
	if len(sender.sent) != sentBefore+1 {
		t.Fatalf("expected one retry request sent, got %d new", len(sender.sent)-sentBefore)
	}
	cache.OnTimer(nil, 1000) // retries exhausted, entry dropped
	if len(sender.sent) != sentBefore+1 {
		t.Fatalf("expected no further request after retries exhausted, got %d new", len(sender.sent)-sentBefore)
	}
}
