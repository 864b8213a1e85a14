// Package afpacketdriver is a netif.Driver NIC plugin backed by a Linux
// AF_PACKET raw socket: an alternative to driver/pcapdriver that needs no
// libpcap, trading its capture-filter convenience for a direct socket(7)
// binding to one interface. Grounded on golang.org/x/sys/unix, used the
// same way across the example pack for raw syscall-level socket work, and
// on spec.md §6's driver-facing interface.
package afpacketdriver

import (
	"encoding/binary"
	"fmt"
	"log"

	"golang.org/x/sys/unix"

	"github.com/m-lab/netstack/netif"
	"github.com/m-lab/netstack/pktbuf"
)

// Config names the kernel interface index an afpacketdriver.Driver binds
// its raw socket to.
type Config struct {
	IfIndex int
}

// Driver implements netif.Driver over an AF_PACKET SOCK_RAW socket bound
// to one interface.
type Driver struct {
	pb   *pktbuf.Manager
	mgr  *netif.Manager
	fd   int
	done chan struct{}
}

// New creates an AF_PACKET-backed driver that allocates received frames
// out of pb and feeds them to mgr.
func New(pb *pktbuf.Manager, mgr *netif.Manager) *Driver {
	return &Driver{pb: pb, mgr: mgr}
}

// htons converts a uint16 to network byte order, matching the kernel's
// expectation for sll_protocol/ETH_P_ALL in struct sockaddr_ll.
func htons(v uint16) uint16 {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return binary.LittleEndian.Uint16(b)
}

// Open creates the raw socket, binds it to data.(Config).IfIndex, and
// starts the background read loop.
func (d *Driver) Open(iface *netif.Interface, data interface{}) error {
	cfg, ok := data.(Config)
	if !ok {
		return fmt.Errorf("afpacketdriver: %s: Open requires an afpacketdriver.Config", iface.Name)
	}
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return fmt.Errorf("afpacketdriver: %s: socket: %w", iface.Name, err)
	}
	addr := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  cfg.IfIndex,
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return fmt.Errorf("afpacketdriver: %s: bind: %w", iface.Name, err)
	}
	d.fd = fd
	d.done = make(chan struct{})
	go d.readLoop(iface)
	return nil
}

func (d *Driver) readLoop(iface *netif.Interface) {
	raw := make([]byte, iface.MTU+18)
	for {
		select {
		case <-d.done:
			return
		default:
		}
		n, _, err := unix.Recvfrom(d.fd, raw, 0)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			log.Printf("afpacketdriver: %s: Recvfrom: %v", iface.Name, err)
			return
		}
		buf, err := d.pb.Alloc(n, 0)
		if err != nil {
			log.Printf("afpacketdriver: %s: Alloc: %v", iface.Name, err)
			continue
		}
		d.pb.ResetAcc(buf)
		if err := d.pb.Write(buf, raw[:n], n); err != nil {
			log.Printf("afpacketdriver: %s: Write: %v", iface.Name, err)
			d.pb.Free(buf)
			continue
		}
		d.pb.ResetAcc(buf)
		if err := d.mgr.PutIn(iface, buf, 0); err != nil {
			log.Printf("afpacketdriver: %s: PutIn: %v", iface.Name, err)
			d.pb.Free(buf)
		}
	}
}

// Close tears down the read loop and the raw socket.
func (d *Driver) Close(iface *netif.Interface) error {
	if d.done != nil {
		close(d.done)
	}
	return unix.Close(d.fd)
}

// Xmit drains iface's out queue and writes each frame to the raw socket.
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
		werr := unix.Send(d.fd, raw, 0)
		d.pb.Free(buf)
		if werr != nil {
			return fmt.Errorf("afpacketdriver: %s: Send: %w", iface.Name, werr)
		}
	}
}
