package raw_test

import (
	"testing"

	"github.com/m-lab/netstack/driver/loopdriver"
	"github.com/m-lab/netstack/ipaddr"
	"github.com/m-lab/netstack/ipv4"
	"github.com/m-lab/netstack/netif"
	"github.com/m-lab/netstack/pktbuf"
	"github.com/m-lab/netstack/transport/raw"
)

func setup(t *testing.T) (*pktbuf.Manager, *ipv4.Stack, *netif.Interface) {
	t.Helper()
	pm, err := pktbuf.NewManager(256, 32, 32)
	if err != nil {
		t.Fatalf("pktbuf.NewManager: %v", err)
	}
	netifMgr := netif.NewManager(2, 8, 8, nil, nil)
	stack := ipv4.NewStack(pm, netifMgr, ipv4.ReassemblyConfig{MaxRecords: 4, MaxBufsEach: 8, TmoMs: 30000})
	netifMgr.SetRoutes(stack)
	drv := loopdriver.New(netifMgr)
	iface, err := netifMgr.Open("lo", netif.TypeLoop, netif.HWAddr{}, 1500, drv, nil, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	netifMgr.SetAddr(iface, ipaddr.MustParse("127.0.0.1"), ipaddr.MustParse("255.0.0.0"), ipaddr.Any)
	stack.AddRoute(ipaddr.MustParse("127.0.0.0"), ipaddr.MustParse("255.0.0.0"), ipaddr.Any, iface)
	return pm, stack, iface
}

func TestRawSocketReceivesDuplicate(t *testing.T) {
	pm, stack, iface := setup(t)
	table := raw.NewTable(pm, stack, 8, 4)
	s, err := table.Open(ipv4.ProtoUDP)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	payload := []byte("hello")
	buf, err := pm.Alloc(len(payload), 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	pm.ResetAcc(buf)
	pm.Write(buf, payload, len(payload))

	if err := stack.Out(ipaddr.Any, iface.IPAddr, ipv4.ProtoUDP, buf); err != nil {
		t.Fatalf("Out: %v", err)
	}
	got, err := iface.InQ.Recv(0)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if err := stack.In(iface, got.(*pktbuf.Buf)); err != nil {
		t.Fatalf("In: %v", err)
	}

	out := make([]byte, 64)
	n, src, _, err := table.RecvFrom(&s.Sock, out)
	if err != nil {
		t.Fatalf("RecvFrom: %v", err)
	}
	// The raw delivery includes the 20-byte IP header.
	if n != 20+len(payload) {
		t.Fatalf("got %d bytes, want %d", n, 20+len(payload))
	}
	if src != iface.IPAddr {
		t.Errorf("src = %s, want %s", src, iface.IPAddr)
	}
	if string(out[20:n]) != string(payload) {
		t.Errorf("payload = %q, want %q", out[20:n], payload)
	}
}

func TestRawRecvFromEmptyReportsNeedWait(t *testing.T) {
	pm, stack, _ := setup(t)
	table := raw.NewTable(pm, stack, 8, 4)
	s, err := table.Open(ipv4.ProtoICMP)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, _, _, err = table.RecvFrom(&s.Sock, make([]byte, 16))
	if err == nil {
		t.Fatal("expected NeedWait on an empty receive queue")
	}
}
