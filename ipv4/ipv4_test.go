package ipv4_test

import (
	"testing"

	"github.com/m-lab/netstack/driver/loopdriver"
	"github.com/m-lab/netstack/ipaddr"
	"github.com/m-lab/netstack/ipv4"
	"github.com/m-lab/netstack/netif"
	"github.com/m-lab/netstack/pktbuf"
)

type recordingHandler struct {
	calls []struct {
		src, dst ipaddr.Addr
		data     []byte
	}
	pb *pktbuf.Manager
}

func (h *recordingHandler) In(src, dst ipaddr.Addr, buf *pktbuf.Buf) error {
	out := make([]byte, buf.TotalSize())
	h.pb.ResetAcc(buf)
	h.pb.Read(buf, out, buf.TotalSize())
	h.calls = append(h.calls, struct {
		src, dst ipaddr.Addr
		data     []byte
	}{src, dst, out})
	h.pb.Free(buf)
	return nil
}

func setupLoopStack(t *testing.T) (*ipv4.Stack, *netif.Manager, *netif.Interface, *pktbuf.Manager) {
	t.Helper()
	pm, err := pktbuf.NewManager(512, 64, 64)
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
	if err := stack.AddRoute(ipaddr.MustParse("127.0.0.0"), ipaddr.MustParse("255.0.0.0"), ipaddr.Any, iface); err != nil {
		t.Fatalf("AddRoute: %v", err)
	}
	return stack, netifMgr, iface, pm
}

func TestFindRouteLongestPrefix(t *testing.T) {
	pm, _ := pktbuf.NewManager(128, 8, 8)
	netifMgr := netif.NewManager(1, 4, 4, nil, nil)
	stack := ipv4.NewStack(pm, netifMgr, ipv4.ReassemblyConfig{MaxRecords: 1, MaxBufsEach: 1, TmoMs: 1000})
	iface := &netif.Interface{Name: "eth0"}
	iface2 := &netif.Interface{Name: "eth1"}

	stack.AddRoute(ipaddr.Any, ipaddr.Any, ipaddr.MustParse("10.0.0.1"), iface)
	stack.AddRoute(ipaddr.MustParse("192.168.1.0"), ipaddr.MustParse("255.255.255.0"), ipaddr.Any, iface2)

	r, err := stack.FindRoute(ipaddr.MustParse("192.168.1.50"))
	if err != nil {
		t.Fatalf("FindRoute: %v", err)
	}
	if r.Iface != iface2 {
		t.Error("expected the more specific route to win")
	}

	r2, err := stack.FindRoute(ipaddr.MustParse("8.8.8.8"))
	if err != nil {
		t.Fatalf("FindRoute: %v", err)
	}
	if r2.Iface != iface {
		t.Error("expected the default route for an unmatched destination")
	}
}

func TestOutInRoundTripOverLoop(t *testing.T) {
	stack, _, iface, pm := setupLoopStack(t)
	handler := &recordingHandler{pb: pm}
	stack.RegisterHandler(17, handler) // UDP

	payload := []byte("hello over loopback")
	buf, err := pm.Alloc(len(payload), 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	pm.ResetAcc(buf)
	if err := pm.Write(buf, payload, len(payload)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := stack.Out(ipaddr.Any, iface.IPAddr, 17, buf); err != nil {
		t.Fatalf("Out: %v", err)
	}

	got, err := iface.InQ.Recv(0)
	if err != nil {
		t.Fatalf("expected a frame on the loop interface's input queue: %v", err)
	}
	if err := stack.In(iface, got.(*pktbuf.Buf)); err != nil {
		t.Fatalf("In: %v", err)
	}
	if len(handler.calls) != 1 {
		t.Fatalf("expected exactly one UDP handler call, got %d", len(handler.calls))
	}
	if string(handler.calls[0].data) != string(payload) {
		t.Errorf("got payload %q, want %q", handler.calls[0].data, payload)
	}
}

func TestOutFragmentsOversizedPayload(t *testing.T) {
	pm, err := pktbuf.NewManager(64, 64, 64)
	if err != nil {
		t.Fatalf("pktbuf.NewManager: %v", err)
	}
	netifMgr := netif.NewManager(1, 8, 8, nil, nil)
	stack := ipv4.NewStack(pm, netifMgr, ipv4.ReassemblyConfig{MaxRecords: 4, MaxBufsEach: 8, TmoMs: 30000})
	drv := loopdriver.New(netifMgr)
	iface, err := netifMgr.Open("lo", netif.TypeLoop, netif.HWAddr{}, 40, drv, nil, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	netifMgr.SetAddr(iface, ipaddr.MustParse("127.0.0.1"), ipaddr.MustParse("255.0.0.0"), ipaddr.Any)
	stack.AddRoute(ipaddr.MustParse("127.0.0.0"), ipaddr.MustParse("255.0.0.0"), ipaddr.Any, iface)

	handler := &recordingHandler{pb: pm}
	stack.RegisterHandler(17, handler)

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	buf, err := pm.Alloc(len(payload), 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	pm.ResetAcc(buf)
	pm.Write(buf, payload, len(payload))

	if err := stack.Out(ipaddr.Any, iface.IPAddr, 17, buf); err != nil {
		t.Fatalf("Out: %v", err)
	}

	// Drain every fragment through In() until the reassembled datagram
	// reaches the handler.
	for len(handler.calls) == 0 {
		v, err := iface.InQ.Recv(0)
		if err != nil {
			t.Fatalf("expected more fragments, handler never fired: %v", err)
		}
		if err := stack.In(iface, v.(*pktbuf.Buf)); err != nil {
			t.Fatalf("In: %v", err)
		}
	}
	if string(handler.calls[0].data) != string(payload) {
		t.Errorf("reassembled payload mismatch: got %d bytes, want %d", len(handler.calls[0].data), len(payload))
	}
}
