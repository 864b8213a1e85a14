// Package loopdriver is the trivial loopback NIC plugin: Xmit just moves
// whatever sits on the out queue back onto the in queue, the way the
// original course's netif_loop.c binds a "loop" type interface without
// any real hardware underneath it.
package loopdriver

import "github.com/m-lab/netstack/netif"

// Driver implements netif.Driver for a loopback interface.
type Driver struct {
	mgr *netif.Manager
}

// New creates a loopback driver bound to mgr, which it uses to move
// frames from the out queue back onto the in queue on Xmit.
func New(mgr *netif.Manager) *Driver {
	return &Driver{mgr: mgr}
}

func (d *Driver) Open(iface *netif.Interface, data interface{}) error { return nil }

func (d *Driver) Close(iface *netif.Interface) error { return nil }

// Xmit drains every pending frame on iface's out queue and feeds it back
// into the in queue, as if it had been received off the wire.
func (d *Driver) Xmit(iface *netif.Interface) error {
	for {
		buf, err := d.mgr.GetOut(iface, 0)
		if err != nil {
			return nil
		}
		if err := d.mgr.PutIn(iface, buf, 0); err != nil {
			return err
		}
	}
}
