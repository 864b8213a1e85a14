// Package stackboot builds one fully-wired instance of the stack — every
// layer from pktbuf through socket.Table, bound to one interface — so
// that cmd/netstackd and cmd/netstatcsv share a single construction
// path instead of each hand-wiring it. Grounded on spec.md §6's
// layering and the original course's single static wiring in main().
package stackboot

import (
	"fmt"

	"github.com/m-lab/netstack/config"
	"github.com/m-lab/netstack/driver/afpacketdriver"
	"github.com/m-lab/netstack/driver/loopdriver"
	"github.com/m-lab/netstack/driver/pcapdriver"
	"github.com/m-lab/netstack/exmsg"
	"github.com/m-lab/netstack/icmpv4"
	"github.com/m-lab/netstack/internal/timer"
	"github.com/m-lab/netstack/ipaddr"
	"github.com/m-lab/netstack/ipv4"
	"github.com/m-lab/netstack/link/arp"
	"github.com/m-lab/netstack/link/ether"
	"github.com/m-lab/netstack/netif"
	"github.com/m-lab/netstack/pktbuf"
	"github.com/m-lab/netstack/socket"
	"github.com/m-lab/netstack/transport/raw"
	"github.com/m-lab/netstack/transport/tcp"
	"github.com/m-lab/netstack/transport/udp"
)

// IfaceParams names the single interface a Stack binds to.
type IfaceParams struct {
	Driver     string // "loop", "pcap", or "afpacket"
	Name       string
	IP         string
	Netmask    string
	Gateway    string
	MTU        int
	PcapDevice string
	AfIfIndex  int
}

// Stack is every layer of one wired instance, handed back so callers can
// run the worker and, eventually, close the interface.
type Stack struct {
	Netif  *netif.Manager
	IPv4   *ipv4.Stack
	Iface  *netif.Interface
	Worker *exmsg.Worker
	Socket *socket.Table
}

// Build wires pktbuf, netif, IPv4, ARP/Ethernet (if applicable), ICMP,
// raw/UDP/TCP, the exmsg worker, and the socket table, then opens and
// activates the one interface named by p. It does not start Worker.Run —
// callers do that once they're ready to process traffic.
func Build(cfg config.Config, p IfaceParams) (*Stack, error) {
	pb, err := pktbuf.NewManager(cfg.PktbufBlockSize, cfg.PktbufBlockCnt, cfg.PktbufBufCnt)
	if err != nil {
		return nil, fmt.Errorf("stackboot: pktbuf.NewManager: %w", err)
	}

	netifMgr := netif.NewManager(cfg.NetifMaxCnt, cfg.NetifInQSize, cfg.NetifOutQSize, nil, nil)
	stack := ipv4.NewStack(pb, netifMgr, ipv4.ReassemblyConfig{
		MaxRecords:  cfg.IPFragsMaxNr,
		MaxBufsEach: cfg.IPFragMaxBufNr,
		TmoMs:       cfg.IPFragTMO.Milliseconds(),
	})
	netifMgr.SetRoutes(stack)

	timers := timer.New()
	worker := exmsg.New(cfg.ExmsgQueueDepth, netifMgr, stack, timers, cfg.TimerScanPeriod.Milliseconds())
	netifMgr.SetNotifier(worker)

	icmp := icmpv4.New(pb, stack)
	stack.RegisterHandler(ipv4.ProtoICMP, icmp)
	stack.RegisterUnreachable(icmp)

	rawTable := raw.NewTable(pb, stack, cfg.RawMaxNr, cfg.RawMaxRecv)
	udpTable := udp.NewTable(pb, stack, icmp, cfg.UDPMaxNr, cfg.UDPMaxRecv)
	tcpTable := tcp.NewTable(pb, stack, timers, cfg.TCPMaxNr, cfg.TCPSndBufSize, cfg.TCPRcvBufSize)
	stack.RegisterHandler(ipv4.ProtoUDP, udpTable)
	stack.RegisterHandler(ipv4.ProtoTCP, tcpTable)

	iface, err := openInterface(pb, netifMgr, stack, cfg, p)
	if err != nil {
		return nil, err
	}

	ip, err := ipaddr.Parse(p.IP)
	if err != nil {
		return nil, fmt.Errorf("stackboot: bad -ip %q: %w", p.IP, err)
	}
	mask, err := ipaddr.Parse(p.Netmask)
	if err != nil {
		return nil, fmt.Errorf("stackboot: bad -netmask %q: %w", p.Netmask, err)
	}
	gw, err := ipaddr.Parse(p.Gateway)
	if err != nil {
		return nil, fmt.Errorf("stackboot: bad -gateway %q: %w", p.Gateway, err)
	}
	netifMgr.SetAddr(iface, ip, mask, gw)
	if err := netifMgr.SetActive(iface); err != nil {
		return nil, fmt.Errorf("stackboot: SetActive(%s): %w", p.Name, err)
	}
	if !gw.IsAny() {
		if err := netifMgr.SetDefault(iface); err != nil {
			return nil, fmt.Errorf("stackboot: SetDefault(%s): %w", p.Name, err)
		}
	}
	worker.AddTick(stack.OnTimer)
	if l, ok := iface.Link.(*ether.Link); ok {
		if c, ok := l.ARP.(*arp.Cache); ok {
			worker.AddTick(func(elapsedMs int64) { c.OnTimer(netifMgr, elapsedMs) })
		}
	}

	return &Stack{
		Netif:  netifMgr,
		IPv4:   stack,
		Iface:  iface,
		Worker: worker,
		Socket: socket.NewTable(worker, rawTable, udpTable, tcpTable),
	}, nil
}

func openInterface(pb *pktbuf.Manager, netifMgr *netif.Manager, stack *ipv4.Stack, cfg config.Config, p IfaceParams) (*netif.Interface, error) {
	switch p.Driver {
	case "loop", "":
		drv := loopdriver.New(netifMgr)
		return netifMgr.Open(p.Name, netif.TypeLoop, netif.HWAddr{}, p.MTU, drv, nil, nil)

	case "pcap":
		if p.PcapDevice == "" {
			return nil, fmt.Errorf("stackboot: -pcap-device is required when -driver=pcap")
		}
		drv := pcapdriver.New(pb, netifMgr)
		link, arpCache := newEtherLink(pb, netifMgr, stack, cfg)
		iface, err := netifMgr.Open(p.Name, netif.TypeEther, netif.HWAddr{}, p.MTU, drv, link, pcapdriver.Config{Device: p.PcapDevice})
		if err != nil {
			return nil, err
		}
		arpCache.SetSender(link)
		return iface, nil

	case "afpacket":
		if p.AfIfIndex == 0 {
			return nil, fmt.Errorf("stackboot: -af-ifindex is required when -driver=afpacket")
		}
		drv := afpacketdriver.New(pb, netifMgr)
		link, arpCache := newEtherLink(pb, netifMgr, stack, cfg)
		iface, err := netifMgr.Open(p.Name, netif.TypeEther, netif.HWAddr{}, p.MTU, drv, link, afpacketdriver.Config{IfIndex: p.AfIfIndex})
		if err != nil {
			return nil, err
		}
		arpCache.SetSender(link)
		return iface, nil

	default:
		return nil, fmt.Errorf("stackboot: unknown driver %q (want loop, pcap, or afpacket)", p.Driver)
	}
}

func newEtherLink(pb *pktbuf.Manager, netifMgr *netif.Manager, stack *ipv4.Stack, cfg config.Config) (*ether.Link, *arp.Cache) {
	arpCache := arp.NewCache(arp.Config{
		CacheSize:      cfg.ArpCacheSize,
		MaxPktWait:     cfg.ArpMaxPktWait,
		EntryStableMs:  cfg.ArpEntryStableTMO.Milliseconds(),
		EntryPendingMs: cfg.ArpEntryPendingTMO.Milliseconds(),
		EntryRetryCnt:  cfg.ArpEntryRetryCnt,
	}, pb, nil)
	link := &ether.Link{Mgr: netifMgr, PB: pb, ARP: arpCache, IPv4: stack}
	return link, arpCache
}
