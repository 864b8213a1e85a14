package icmpv4_test

import (
	"testing"

	"github.com/m-lab/netstack/driver/loopdriver"
	"github.com/m-lab/netstack/icmpv4"
	"github.com/m-lab/netstack/ipaddr"
	"github.com/m-lab/netstack/ipv4"
	"github.com/m-lab/netstack/netif"
	"github.com/m-lab/netstack/pktbuf"
)

func setup(t *testing.T) (*pktbuf.Manager, *ipv4.Stack, *netif.Manager, *netif.Interface) {
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
	if err := stack.AddRoute(ipaddr.MustParse("127.0.0.0"), ipaddr.MustParse("255.0.0.0"), ipaddr.Any, iface); err != nil {
		t.Fatalf("AddRoute: %v", err)
	}
	return pm, stack, netifMgr, iface
}

func buildEchoRequest(t *testing.T, pm *pktbuf.Manager, id, seq uint16, payload []byte) *pktbuf.Buf {
	t.Helper()
	raw := make([]byte, icmpv4.HeaderSize+len(payload))
	raw[0] = icmpv4.TypeEchoRequest
	raw[1] = 0
	raw[4] = byte(id >> 8)
	raw[5] = byte(id)
	raw[6] = byte(seq >> 8)
	raw[7] = byte(seq)
	copy(raw[icmpv4.HeaderSize:], payload)

	buf, err := pm.Alloc(len(raw), 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	pm.ResetAcc(buf)
	pm.Write(buf, raw, len(raw))
	pm.ResetAcc(buf)
	sum, err := pm.Checksum16(buf, buf.TotalSize(), 0, true)
	if err != nil {
		t.Fatalf("Checksum16: %v", err)
	}
	pm.Seek(buf, 2)
	pm.Write(buf, []byte{byte(sum >> 8), byte(sum)}, 2)
	pm.ResetAcc(buf)
	return buf
}

func TestEchoRequestGetsReply(t *testing.T) {
	pm, stack, _, iface := setup(t)
	h := icmpv4.New(pm, stack)
	stack.RegisterHandler(ipv4.ProtoICMP, h)

	payload := []byte("ping")
	buf := buildEchoRequest(t, pm, 7, 1, payload)

	if err := stack.Out(ipaddr.Any, iface.IPAddr, ipv4.ProtoICMP, buf); err != nil {
		t.Fatalf("Out: %v", err)
	}
	got, err := iface.InQ.Recv(0)
	if err != nil {
		t.Fatalf("expected echo request frame: %v", err)
	}
	if err := stack.In(iface, got.(*pktbuf.Buf)); err != nil {
		t.Fatalf("In (request): %v", err)
	}

	reply, err := iface.InQ.Recv(0)
	if err != nil {
		t.Fatalf("expected an echo reply queued back via loopback: %v", err)
	}
	replyBuf := reply.(*pktbuf.Buf)
	out := make([]byte, replyBuf.TotalSize())
	pm.ResetAcc(replyBuf)
	pm.Read(replyBuf, out, len(out))

	// Skip the 20-byte IP header; verify ICMP type/code/payload.
	icmpPart := out[20:]
	if icmpPart[0] != icmpv4.TypeEchoReply {
		t.Fatalf("got ICMP type %d, want echo reply", icmpPart[0])
	}
	if icmpPart[1] != 0 {
		t.Fatalf("got code %d, want 0", icmpPart[1])
	}
	if string(icmpPart[icmpv4.HeaderSize:]) != string(payload) {
		t.Errorf("echoed payload %q, want %q", icmpPart[icmpv4.HeaderSize:], payload)
	}
	pm.Free(replyBuf)
}

type recordingRaw struct {
	calls int
	pb    *pktbuf.Manager
}

func (r *recordingRaw) In(src, dst ipaddr.Addr, buf *pktbuf.Buf) error {
	r.calls++
	r.pb.Free(buf)
	return nil
}

func TestNonEchoTypeGoesToRaw(t *testing.T) {
	pm, stack, _, iface := setup(t)
	h := icmpv4.New(pm, stack)
	raw := &recordingRaw{pb: pm}
	h.SetRaw(raw)
	stack.RegisterHandler(ipv4.ProtoICMP, h)

	// A type-0 (echo reply) message delivered directly, as if this host
	// were replying to a ping it itself issued.
	msg := make([]byte, icmpv4.HeaderSize)
	msg[0] = icmpv4.TypeEchoReply
	buf, err := pm.Alloc(len(msg), 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	pm.ResetAcc(buf)
	pm.Write(buf, msg, len(msg))
	pm.ResetAcc(buf)
	sum, _ := pm.Checksum16(buf, buf.TotalSize(), 0, true)
	pm.Seek(buf, 2)
	pm.Write(buf, []byte{byte(sum >> 8), byte(sum)}, 2)
	pm.ResetAcc(buf)

	if err := stack.Out(ipaddr.Any, iface.IPAddr, ipv4.ProtoICMP, buf); err != nil {
		t.Fatalf("Out: %v", err)
	}
	got, err := iface.InQ.Recv(0)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if err := stack.In(iface, got.(*pktbuf.Buf)); err != nil {
		t.Fatalf("In: %v", err)
	}
	if raw.calls != 1 {
		t.Fatalf("expected the raw handler to receive the echo reply once, got %d calls", raw.calls)
	}
}

func TestSendUnreachOnUnregisteredProtocol(t *testing.T) {
	pm, stack, _, iface := setup(t)
	h := icmpv4.New(pm, stack)
	stack.RegisterHandler(ipv4.ProtoICMP, h)
	stack.RegisterUnreachable(h)
	// Deliberately do not register a UDP handler, so an inbound UDP
	// datagram should provoke a destination-unreachable reply.

	udpPayload := []byte{0, 53, 0, 80, 0, 8, 0, 0} // src port 53, dst port 80, len 8, zero checksum
	buf, err := pm.Alloc(len(udpPayload), 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	pm.ResetAcc(buf)
	pm.Write(buf, udpPayload, len(udpPayload))

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

	reply, err := iface.InQ.Recv(0)
	if err != nil {
		t.Fatalf("expected a destination-unreachable reply: %v", err)
	}
	replyBuf := reply.(*pktbuf.Buf)
	out := make([]byte, replyBuf.TotalSize())
	pm.ResetAcc(replyBuf)
	pm.Read(replyBuf, out, len(out))
	icmpPart := out[20:]
	if icmpPart[0] != icmpv4.TypeUnreach || icmpPart[1] != icmpv4.CodeProtoUnreach {
		t.Fatalf("got type=%d code=%d, want unreach/proto-unreach", icmpPart[0], icmpPart[1])
	}
	pm.Free(replyBuf)
}
