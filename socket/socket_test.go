package socket_test

import (
	"context"
	"testing"
	"time"

	"github.com/m-lab/netstack/driver/loopdriver"
	"github.com/m-lab/netstack/exmsg"
	"github.com/m-lab/netstack/icmpv4"
	"github.com/m-lab/netstack/internal/timer"
	"github.com/m-lab/netstack/ipaddr"
	"github.com/m-lab/netstack/ipv4"
	"github.com/m-lab/netstack/netif"
	"github.com/m-lab/netstack/pktbuf"
	"github.com/m-lab/netstack/sock"
	"github.com/m-lab/netstack/socket"
	"github.com/m-lab/netstack/transport/raw"
	"github.com/m-lab/netstack/transport/tcp"
	"github.com/m-lab/netstack/transport/udp"
)

func setup(t *testing.T) (*netif.Interface, *socket.Table, func()) {
	t.Helper()
	pm, err := pktbuf.NewManager(512, 64, 64)
	if err != nil {
		t.Fatalf("pktbuf.NewManager: %v", err)
	}
	netifMgr := netif.NewManager(2, 32, 32, nil, nil)
	stack := ipv4.NewStack(pm, netifMgr, ipv4.ReassemblyConfig{MaxRecords: 4, MaxBufsEach: 8, TmoMs: 30000})
	netifMgr.SetRoutes(stack)

	timers := timer.New()
	w := exmsg.New(128, netifMgr, stack, timers, 20)
	netifMgr.SetNotifier(w)

	drv := loopdriver.New(netifMgr)
	iface, err := netifMgr.Open("lo", netif.TypeLoop, netif.HWAddr{}, 1500, drv, nil, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	netifMgr.SetAddr(iface, ipaddr.MustParse("127.0.0.1"), ipaddr.MustParse("255.0.0.0"), ipaddr.Any)
	stack.AddRoute(ipaddr.MustParse("127.0.0.0"), ipaddr.MustParse("255.0.0.0"), ipaddr.Any, iface)

	icmp := icmpv4.New(pm, stack)
	stack.RegisterHandler(ipv4.ProtoICMP, icmp)
	stack.RegisterUnreachable(icmp)

	rawTable := raw.NewTable(pm, stack, 8, 8)
	udpTable := udp.NewTable(pm, stack, icmp, 32, 32)
	tcpTable := tcp.NewTable(pm, stack, timers, 32, 4096, 4096)
	stack.RegisterHandler(ipv4.ProtoUDP, udpTable)
	stack.RegisterHandler(ipv4.ProtoTCP, tcpTable)

	socks := socket.NewTable(w, rawTable, udpTable, tcpTable)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	return iface, socks, cancel
}

// TestTCPConnectAndEcho drives spec.md §8 scenario 4 end to end through
// the public socket API: a listener accepts, a client connects, and a
// payload round-trips byte-identical in both directions.
func TestTCPConnectAndEcho(t *testing.T) {
	iface, socks, cancel := setup(t)
	defer cancel()

	listener, err := socks.Socket(sock.AFInet, sock.TypeStream, 0)
	if err != nil {
		t.Fatalf("Socket: %v", err)
	}
	if err := listener.Bind(iface.IPAddr, 7000); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := listener.Listen(4); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	type acceptResult struct {
		sk  *socket.Socket
		err error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		sk, err := listener.Accept()
		acceptCh <- acceptResult{sk, err}
	}()

	client, err := socks.Socket(sock.AFInet, sock.TypeStream, 0)
	if err != nil {
		t.Fatalf("Socket: %v", err)
	}
	if err := client.Connect(iface.IPAddr, 7000); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var accepted *socket.Socket
	select {
	case res := <-acceptCh:
		if res.err != nil {
			t.Fatalf("Accept: %v", res.err)
		}
		accepted = res.sk
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Accept")
	}

	_, clientPort := client.LocalAddr()
	_, peerPort := accepted.RemoteAddr()
	if peerPort != clientPort {
		t.Errorf("accepted peer port = %d, want %d", peerPort, clientPort)
	}

	if _, err := client.Write([]byte("abcd")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 16)
	n, err := accepted.Read(buf)
	if err != nil {
		t.Fatalf("Read (server): %v", err)
	}
	if string(buf[:n]) != "abcd" {
		t.Fatalf("server got %q, want %q", buf[:n], "abcd")
	}

	if _, err := accepted.Write(buf[:n]); err != nil {
		t.Fatalf("Write (server): %v", err)
	}
	n, err = client.Read(buf)
	if err != nil {
		t.Fatalf("Read (client): %v", err)
	}
	if string(buf[:n]) != "abcd" {
		t.Fatalf("client got %q, want %q", buf[:n], "abcd")
	}
}

// TestUDPSendToAndRecvFrom exercises the datagram path through the same
// public API, including ephemeral port auto-binding on first send.
func TestUDPSendToAndRecvFrom(t *testing.T) {
	iface, socks, cancel := setup(t)
	defer cancel()

	receiver, err := socks.Socket(sock.AFInet, sock.TypeDgram, socket.IPPROTOUDP)
	if err != nil {
		t.Fatalf("Socket: %v", err)
	}
	if err := receiver.Bind(iface.IPAddr, 9500); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	sender, err := socks.Socket(sock.AFInet, sock.TypeDgram, socket.IPPROTOUDP)
	if err != nil {
		t.Fatalf("Socket: %v", err)
	}
	payload := []byte("hello")
	n, err := sender.SendTo(iface.IPAddr, 9500, payload)
	if err != nil {
		t.Fatalf("SendTo: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("SendTo returned %d, want %d", n, len(payload))
	}

	out := make([]byte, 64)
	got, srcIP, srcPort, err := receiver.RecvFrom(out)
	if err != nil {
		t.Fatalf("RecvFrom: %v", err)
	}
	if string(out[:got]) != string(payload) {
		t.Errorf("got payload %q, want %q", out[:got], payload)
	}
	senderIP, senderPort := sender.LocalAddr()
	if srcIP != senderIP || srcPort != senderPort {
		t.Errorf("got src %s:%d, want %s:%d", srcIP, srcPort, senderIP, senderPort)
	}
}

// TestSetSockOptRejectsUnknownOption exercises the common setsockopt
// surface through a raw socket, the simplest Ops implementation.
func TestSetSockOptRejectsUnknownOption(t *testing.T) {
	_, socks, cancel := setup(t)
	defer cancel()

	s, err := socks.Socket(sock.AFInet, sock.TypeRaw, socket.IPPROTOICMP)
	if err != nil {
		t.Fatalf("Socket: %v", err)
	}
	if err := s.SetSockOpt(sock.SolSocket, sock.SoRcvTimeo, 250); err != nil {
		t.Fatalf("SetSockOpt: %v", err)
	}
	if err := s.SetSockOpt(99, 1, 1); err == nil {
		t.Fatal("expected an error for an unknown level/option")
	}
}
