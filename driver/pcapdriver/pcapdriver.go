// Package pcapdriver is a netif.Driver NIC plugin backed by a live libpcap
// capture: Open starts a background read loop that calls netif.Manager.PutIn
// for every captured frame, and Xmit drains the interface's out queue onto
// the wire with WritePacketData. Grounded on the DataDog-datadog-agent
// example's use of google/gopacket/pcap for live interface capture, wiring
// the domain dependency spec.md's driver-facing interface (§6) names as a
// real NIC plugin rather than the loopback-only `driver/loopdriver`.
package pcapdriver

import (
	"fmt"
	"log"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"

	"github.com/m-lab/netstack/netif"
	"github.com/m-lab/netstack/pktbuf"
)

// Config is the Open-time argument a pcapdriver.Driver expects as its
// netif.Manager.Open "data" parameter.
type Config struct {
	Device  string
	SnapLen int32
	Promisc bool
}

// Driver implements netif.Driver over a live pcap.Handle.
type Driver struct {
	pb     *pktbuf.Manager
	mgr    *netif.Manager
	handle *pcap.Handle
	done   chan struct{}
}

// New creates a pcap-backed driver that allocates received frames out of
// pb and feeds them to mgr.
func New(pb *pktbuf.Manager, mgr *netif.Manager) *Driver {
	return &Driver{pb: pb, mgr: mgr}
}

// Open starts live capture on the device named by data.(Config).Device and
// launches the background goroutine that converts captured frames into
// pktbufs and calls netif.Manager.PutIn.
func (d *Driver) Open(iface *netif.Interface, data interface{}) error {
	cfg, ok := data.(Config)
	if !ok {
		return fmt.Errorf("pcapdriver: %s: Open requires a pcapdriver.Config", iface.Name)
	}
	if cfg.SnapLen == 0 {
		// MTU plus room for an Ethernet header; pcap rounds up internally
		// anyway, this just avoids truncating a full-size frame.
		cfg.SnapLen = int32(iface.MTU) + 18
	}
	handle, err := pcap.OpenLive(cfg.Device, cfg.SnapLen, cfg.Promisc, pcap.BlockForever)
	if err != nil {
		return fmt.Errorf("pcapdriver: %s: OpenLive(%s): %w", iface.Name, cfg.Device, err)
	}
	d.handle = handle
	d.done = make(chan struct{})
	go d.readLoop(iface)
	return nil
}

func (d *Driver) readLoop(iface *netif.Interface) {
	src := gopacket.NewPacketSource(d.handle, d.handle.LinkType())
	packets := src.Packets()
	for {
		select {
		case <-d.done:
			return
		case pkt, ok := <-packets:
			if !ok {
				return
			}
			raw := pkt.Data()
			buf, err := d.pb.Alloc(len(raw), 0)
			if err != nil {
				log.Printf("pcapdriver: %s: Alloc: %v", iface.Name, err)
				continue
			}
			d.pb.ResetAcc(buf)
			if err := d.pb.Write(buf, raw, len(raw)); err != nil {
				log.Printf("pcapdriver: %s: Write: %v", iface.Name, err)
				d.pb.Free(buf)
				continue
			}
			d.pb.ResetAcc(buf)
			if err := d.mgr.PutIn(iface, buf, 0); err != nil {
				log.Printf("pcapdriver: %s: PutIn: %v", iface.Name, err)
				d.pb.Free(buf)
			}
		}
	}
}

// Close stops the capture.
func (d *Driver) Close(iface *netif.Interface) error {
	if d.done != nil {
		close(d.done)
	}
	if d.handle != nil {
		d.handle.Close()
	}
	return nil
}

// Xmit drains iface's out queue and writes each frame to the wire.
func (d *Driver) Xmit(iface *netif.Interface) error {
	for {
		buf, err := d.mgr.GetOut(iface, 0)
		if err != nil {
			return nil
		}
		n := buf.TotalSize()
		raw := make([]byte, n)
		d.pb.ResetAcc(buf)
		if err := d.pb.Read(buf, raw, n); err != nil {
			d.pb.Free(buf)
			return err
		}
		werr := d.handle.WritePacketData(raw)
		d.pb.Free(buf)
		if werr != nil {
			return fmt.Errorf("pcapdriver: %s: WritePacketData: %w", iface.Name, werr)
		}
	}
}
