// Package netif is the per-interface record and process-wide interface
// table: hardware/IP addressing, the opened/active lifecycle, and the
// in/out fixq queues a driver and the worker exchange packets through.
// Grounded on the original course's netif.c/netif.h.
package netif

import (
	"fmt"
	"log"

	"github.com/m-lab/netstack/internal/fixq"
	"github.com/m-lab/netstack/ipaddr"
	"github.com/m-lab/netstack/nerr"
	"github.com/m-lab/netstack/pktbuf"
)

// Type distinguishes the link-layer handling an Interface needs.
type Type int

const (
	TypeNone Type = iota
	TypeEther
	TypeLoop
)

// State is an Interface's lifecycle stage.
type State int

const (
	Closed State = iota
	Opened
	Active
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Opened:
		return "opened"
	case Active:
		return "active"
	default:
		return "unknown"
	}
}

// HWAddr is a 6-byte hardware (MAC) address.
type HWAddr [6]byte

// Broadcast is the Ethernet broadcast address.
var Broadcast = HWAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

func (h HWAddr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", h[0], h[1], h[2], h[3], h[4], h[5])
}

// Driver is the NIC-plugin contract: open/close bracket the interface's
// lifecycle, and Xmit is invoked to drain the out queue onto the wire.
type Driver interface {
	Open(iface *Interface, data interface{}) error
	Close(iface *Interface) error
	Xmit(iface *Interface) error
}

// LinkOps is the link-layer binding for an interface (Ethernet+ARP, or a
// trivial loopback echo).
type LinkOps interface {
	In(iface *Interface, buf *pktbuf.Buf) error
	Out(iface *Interface, destIP ipaddr.Addr, buf *pktbuf.Buf) error
	MakeGratuitousARP(iface *Interface) error
	Clear(iface *Interface)
}

// Interface is one entry in the process-wide netif table.
type Interface struct {
	Name    string
	HWAddr  HWAddr
	IPAddr  ipaddr.Addr
	Netmask ipaddr.Addr
	Gateway ipaddr.Addr
	MTU     int
	State   State
	Type    Type

	Driver     Driver
	Link       LinkOps
	driverData interface{}

	InQ  *fixq.Queue
	OutQ *fixq.Queue
}

// RouteInstaller lets Manager push routes on SetDefault/SetActive without
// netif importing the ipv4 package (which itself references netif).
type RouteInstaller interface {
	AddRoute(net, mask, nextHop ipaddr.Addr, iface *Interface) error
	RemoveRoutesFor(iface *Interface)
}

// Notifier is called whenever PutIn succeeds, so the worker can be told a
// NETIF_IN event is ready without netif depending on exmsg.
type Notifier interface {
	NotifyNetifIn(iface *Interface) error
}

// Manager is the process-wide interface table.
type Manager struct {
	maxCnt  int
	ifaces  []*Interface
	def     *Interface
	routes  RouteInstaller
	notify  Notifier
	inQSize int
	outQSize int
}

// NewManager creates a Manager with room for maxCnt interfaces, each
// given in/out queues of the given depth. routes and notify may be nil
// and wired later with SetRoutes/SetNotifier, since the ipv4 Stack and
// the netif Manager each need a reference to the other.
func NewManager(maxCnt, inQSize, outQSize int, routes RouteInstaller, notify Notifier) *Manager {
	return &Manager{maxCnt: maxCnt, routes: routes, notify: notify, inQSize: inQSize, outQSize: outQSize}
}

// SetRoutes wires the route installer after construction.
func (m *Manager) SetRoutes(routes RouteInstaller) { m.routes = routes }

// SetNotifier wires the NETIF_IN notifier after construction.
func (m *Manager) SetNotifier(notify Notifier) { m.notify = notify }

// Open allocates a free slot, installs the driver, calls driver.Open, and
// transitions the interface to Opened.
func (m *Manager) Open(name string, typ Type, hwaddr HWAddr, mtu int, drv Driver, link LinkOps, data interface{}) (*Interface, error) {
	if len(m.ifaces) >= m.maxCnt {
		return nil, fmt.Errorf("netif: table full: %w", nerr.ErrMem)
	}
	iface := &Interface{
		Name:       name,
		Type:       typ,
		HWAddr:     hwaddr,
		MTU:        mtu,
		Driver:     drv,
		Link:       link,
		driverData: data,
		InQ:        fixq.New(m.inQSize),
		OutQ:       fixq.New(m.outQSize),
		State:      Closed,
	}
	if err := drv.Open(iface, data); err != nil {
		return nil, err
	}
	iface.State = Opened
	m.ifaces = append(m.ifaces, iface)
	return iface, nil
}

// Close drains both queues, calls driver.Close, and frees the slot.
func (m *Manager) Close(iface *Interface) error {
	for iface.InQ.Len() > 0 {
		iface.InQ.Recv(0)
	}
	for iface.OutQ.Len() > 0 {
		iface.OutQ.Recv(0)
	}
	if iface.Link != nil {
		iface.Link.Clear(iface)
	}
	if m.routes != nil {
		m.routes.RemoveRoutesFor(iface)
	}
	if err := iface.Driver.Close(iface); err != nil {
		return err
	}
	iface.State = Closed
	for i, f := range m.ifaces {
		if f == iface {
			m.ifaces = append(m.ifaces[:i], m.ifaces[i+1:]...)
			break
		}
	}
	if m.def == iface {
		m.def = nil
	}
	return nil
}

// SetAddr installs the interface's IPv4 address, netmask, and gateway.
func (m *Manager) SetAddr(iface *Interface, ip, mask, gateway ipaddr.Addr) {
	iface.IPAddr = ip
	iface.Netmask = mask
	iface.Gateway = gateway
}

// SetHWAddr installs the interface's hardware address.
func (m *Manager) SetHWAddr(iface *Interface, hw HWAddr) { iface.HWAddr = hw }

// SetDefault marks iface as the default route: 0.0.0.0/0 via its gateway.
func (m *Manager) SetDefault(iface *Interface) error {
	m.def = iface
	if m.routes != nil {
		return m.routes.AddRoute(ipaddr.Any, ipaddr.Any, iface.Gateway, iface)
	}
	return nil
}

// Default returns the current default-route interface, or nil.
func (m *Manager) Default() *Interface { return m.def }

// SetActive transitions iface to Active, issuing a gratuitous ARP and
// installing the connected route for its subnet.
func (m *Manager) SetActive(iface *Interface) error {
	iface.State = Active
	if m.routes != nil {
		netAddr := iface.IPAddr.Mask(iface.Netmask)
		if err := m.routes.AddRoute(netAddr, iface.Netmask, ipaddr.Any, iface); err != nil {
			return err
		}
	}
	if iface.Link != nil {
		if err := iface.Link.MakeGratuitousARP(iface); err != nil {
			log.Printf("netif: %s: gratuitous ARP failed: %v", iface.Name, err)
		}
	}
	return nil
}

// SetDeactive withdraws the routes SetActive installed and returns the
// interface to Opened.
func (m *Manager) SetDeactive(iface *Interface) {
	iface.State = Opened
	if m.routes != nil {
		m.routes.RemoveRoutesFor(iface)
	}
}

// PutIn enqueues a received buf on iface's input queue and, on success,
// notifies the worker that a NETIF_IN event is ready.
func (m *Manager) PutIn(iface *Interface, buf *pktbuf.Buf, tmoMs int) error {
	if err := iface.InQ.Send(buf, tmoMs); err != nil {
		return err
	}
	if m.notify != nil {
		return m.notify.NotifyNetifIn(iface)
	}
	return nil
}

// GetIn dequeues one buf from iface's input queue.
func (m *Manager) GetIn(iface *Interface, tmoMs int) (*pktbuf.Buf, error) {
	v, err := iface.InQ.Recv(tmoMs)
	if err != nil {
		return nil, err
	}
	return v.(*pktbuf.Buf), nil
}

// PutOut enqueues buf on iface's output queue for the driver to drain.
func (m *Manager) PutOut(iface *Interface, buf *pktbuf.Buf, tmoMs int) error {
	return iface.OutQ.Send(buf, tmoMs)
}

// GetOut dequeues one buf from iface's output queue; called by the driver
// from Xmit.
func (m *Manager) GetOut(iface *Interface, tmoMs int) (*pktbuf.Buf, error) {
	v, err := iface.OutQ.Recv(tmoMs)
	if err != nil {
		return nil, err
	}
	return v.(*pktbuf.Buf), nil
}

// Out is the uniform send entry point. A loop interface feeds straight
// back into its own input queue; an ether interface hands off to the
// link layer, which resolves destIP via ARP as needed.
func (m *Manager) Out(iface *Interface, destIP ipaddr.Addr, buf *pktbuf.Buf) error {
	switch iface.Type {
	case TypeLoop:
		return m.PutIn(iface, buf, 0)
	case TypeEther:
		return iface.Link.Out(iface, destIP, buf)
	default:
		return fmt.Errorf("netif: %s: unsupported type for Out: %w", iface.Name, nerr.ErrNotSupport)
	}
}

// All returns every currently open interface.
func (m *Manager) All() []*Interface { return m.ifaces }

// ByName finds an interface by name.
func (m *Manager) ByName(name string) *Interface {
	for _, f := range m.ifaces {
		if f.Name == name {
			return f
		}
	}
	return nil
}
