package tcp_test

import (
	"testing"

	"github.com/m-lab/netstack/driver/loopdriver"
	"github.com/m-lab/netstack/internal/timer"
	"github.com/m-lab/netstack/ipaddr"
	"github.com/m-lab/netstack/ipv4"
	"github.com/m-lab/netstack/netif"
	"github.com/m-lab/netstack/pktbuf"
	"github.com/m-lab/netstack/transport/tcp"
)

func setup(t *testing.T) (*pktbuf.Manager, *ipv4.Stack, *netif.Interface, *tcp.Table) {
	t.Helper()
	pm, err := pktbuf.NewManager(256, 64, 64)
	if err != nil {
		t.Fatalf("pktbuf.NewManager: %v", err)
	}
	netifMgr := netif.NewManager(2, 16, 16, nil, nil)
	stack := ipv4.NewStack(pm, netifMgr, ipv4.ReassemblyConfig{MaxRecords: 4, MaxBufsEach: 8, TmoMs: 30000})
	netifMgr.SetRoutes(stack)
	drv := loopdriver.New(netifMgr)
	iface, err := netifMgr.Open("lo", netif.TypeLoop, netif.HWAddr{}, 1500, drv, nil, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	netifMgr.SetAddr(iface, ipaddr.MustParse("127.0.0.1"), ipaddr.MustParse("255.0.0.0"), ipaddr.Any)
	stack.AddRoute(ipaddr.MustParse("127.0.0.0"), ipaddr.MustParse("255.0.0.0"), ipaddr.Any, iface)

	timers := timer.New()
	table := tcp.NewTable(pm, stack, timers, 16, 2048, 2048)
	return pm, stack, iface, table
}

func drainTo(t *testing.T, stack *ipv4.Stack, iface *netif.Interface) {
	t.Helper()
	got, err := iface.InQ.Recv(0)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if err := stack.In(iface, got.(*pktbuf.Buf)); err != nil {
		t.Fatalf("In: %v", err)
	}
}

// handshake drives a full three-way handshake between a freshly opened
// client TCB and a listener already bound and listening on port.
func handshake(t *testing.T, stack *ipv4.Stack, iface *netif.Interface, table *tcp.Table, port uint16) *tcp.TCB {
	t.Helper()
	client, err := table.Open()
	if err != nil {
		t.Fatalf("Open (client): %v", err)
	}
	if err := table.Connect(&client.Sock, iface.IPAddr, port); err == nil {
		t.Fatal("Connect: expected NeedWait")
	}
	drainTo(t, stack, iface) // server sees SYN, sends SYN+ACK
	drainTo(t, stack, iface) // client sees SYN+ACK, sends ACK
	drainTo(t, stack, iface) // server sees ACK, completes the handshake

	return client
}

func listener(t *testing.T, table *tcp.Table, iface *netif.Interface, port uint16) *tcp.TCB {
	t.Helper()
	l, err := table.Open()
	if err != nil {
		t.Fatalf("Open (listener): %v", err)
	}
	if err := table.Bind(&l.Sock, iface.IPAddr, port); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := table.Listen(&l.Sock, 4); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	return l
}

func TestConnectAcceptAndDataTransfer(t *testing.T) {
	_, stack, iface, table := setup(t)
	l := listener(t, table, iface, 9000)

	client := handshake(t, stack, iface, table, 9000)

	acceptedBase, err := table.Accept(&l.Sock)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	payload := []byte("hello, tcp")
	n, err := table.SendTo(&client.Sock, ipaddr.Any, 0, payload)
	if err != nil {
		t.Fatalf("SendTo: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("SendTo returned %d, want %d", n, len(payload))
	}

	drainTo(t, stack, iface) // server sees the data segment, ACKs it
	drainTo(t, stack, iface) // client sees the ACK

	out := make([]byte, 64)
	got, srcIP, srcPort, err := table.RecvFrom(acceptedBase, out)
	if err != nil {
		t.Fatalf("RecvFrom: %v", err)
	}
	if string(out[:got]) != string(payload) {
		t.Errorf("got payload %q, want %q", out[:got], payload)
	}
	if srcIP != client.LocalIP || srcPort != client.LocalPort {
		t.Errorf("got src %s:%d, want %s:%d", srcIP, srcPort, client.LocalIP, client.LocalPort)
	}
}

func TestAcceptOnEmptyQueueReportsNeedWait(t *testing.T) {
	_, _, iface, table := setup(t)
	l := listener(t, table, iface, 9001)
	if _, err := table.Accept(&l.Sock); err == nil {
		t.Fatal("expected NeedWait on an empty accept queue")
	}
}

func TestActiveCloseDrivesFinWait(t *testing.T) {
	_, stack, iface, table := setup(t)
	_ = listener(t, table, iface, 9002)
	client := handshake(t, stack, iface, table, 9002)

	if err := table.Close(&client.Sock); err != nil {
		t.Fatalf("Close: %v", err)
	}
	drainTo(t, stack, iface) // server sees the FIN, ACKs it and moves to close_wait
	drainTo(t, stack, iface) // client sees the ACK
}

func TestRecvFromEmptyEstablishedReportsNeedWait(t *testing.T) {
	_, stack, iface, table := setup(t)
	l := listener(t, table, iface, 9003)
	_ = handshake(t, stack, iface, table, 9003)
	accepted, err := table.Accept(&l.Sock)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if _, _, _, err := table.RecvFrom(accepted, make([]byte, 16)); err == nil {
		t.Fatal("expected NeedWait on an empty receive ring")
	}
}
