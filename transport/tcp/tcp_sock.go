package tcp

import (
	"github.com/m-lab/netstack/ipaddr"
	"github.com/m-lab/netstack/nerr"
	"github.com/m-lab/netstack/sock"
)

// Bind implements sock.Ops.
func (t *Table) Bind(base *sock.Sock, ip ipaddr.Addr, port uint16) error {
	if t.findBase(base) == nil {
		return nerr.ErrState
	}
	if port != 0 && t.portInUse(port) {
		return nerr.ErrExist
	}
	if port == 0 {
		var err error
		port, err = t.allocEphemeral()
		if err != nil {
			return err
		}
	}
	base.LocalIP = ip
	base.LocalPort = port
	return nil
}

// Listen implements sock.Ops: a bound, closed TCB becomes a listener with
// the given backlog.
func (t *Table) Listen(base *sock.Sock, backlog int) error {
	c := t.findBase(base)
	if c == nil {
		return nerr.ErrState
	}
	if c.state != Closed || base.LocalPort == 0 {
		return nerr.ErrState
	}
	c.backlog = backlog
	c.setState(Listen)
	return nil
}

// Accept implements sock.Ops, reporting NeedWait when the listener's
// accept queue is empty.
func (t *Table) Accept(base *sock.Sock) (*sock.Sock, error) {
	c := t.findBase(base)
	if c == nil || c.state != Listen {
		return nil, nerr.ErrState
	}
	if len(c.acceptQueue) == 0 {
		return nil, nerr.NeedWait
	}
	child := c.acceptQueue[0]
	c.acceptQueue = c.acceptQueue[1:]
	return &child.Sock, nil
}

// Connect implements sock.Ops: initiate an active open. The caller is
// expected to treat the returned NeedWait as "block on ConnWait", whose
// wake-up carries the result (nerr.OK once established, otherwise the
// error that aborted the handshake); calling Connect again on the same
// TCB fails with ErrState.
func (t *Table) Connect(base *sock.Sock, ip ipaddr.Addr, port uint16) error {
	c := t.findBase(base)
	if c == nil || c.state != Closed {
		return nerr.ErrState
	}
	if base.LocalPort == 0 {
		if err := t.Bind(base, base.LocalIP, 0); err != nil {
			return err
		}
	}
	if base.LocalIP.IsAny() {
		if route, err := t.ip.FindRoute(ip); err == nil {
			base.LocalIP = route.Iface.IPAddr
		}
	}
	base.RemoteIP = ip
	base.RemotePort = port

	c.sndISS = t.nextISS()
	c.sndUna = c.sndISS
	c.sndNxt = c.sndISS
	c.sndWnd = 1
	c.flagSynOut = true
	c.setState(SynSent)
	if err := c.transmit(); err != nil {
		c.setState(Closed)
		return err
	}
	return nerr.NeedWait
}

// SendTo implements sock.Ops for a stream socket: ip and port are ignored
// (TCP only ever talks to the address it Connected to); data is queued
// in the send ring and transmit is kicked to push what now fits in the
// window.
func (t *Table) SendTo(base *sock.Sock, _ ipaddr.Addr, _ uint16, data []byte) (int, error) {
	c := t.findBase(base)
	if c == nil {
		return 0, nerr.ErrState
	}
	switch c.state {
	case Established, CloseWait:
	default:
		return 0, nerr.ErrState
	}
	n := c.sndBuf.Write(data)
	if n == 0 && len(data) > 0 {
		return 0, nerr.NeedWait
	}
	if err := c.transmit(); err != nil {
		return n, err
	}
	return n, nil
}

// RecvFrom implements sock.Ops. Once the peer's FIN has been seen and the
// ring has drained, it reports a clean end-of-stream as a zero-length
// read rather than NeedWait.
func (t *Table) RecvFrom(base *sock.Sock, data []byte) (int, ipaddr.Addr, uint16, error) {
	c := t.findBase(base)
	if c == nil {
		return 0, ipaddr.Any, 0, nerr.ErrState
	}
	if c.rcvBuf.Len() == 0 {
		switch c.state {
		case CloseWait, Closing, TimeWait, LastAck:
			return 0, c.RemoteIP, c.RemotePort, nil
		case Closed:
			return 0, ipaddr.Any, 0, nerr.ErrState
		default:
			return 0, ipaddr.Any, 0, nerr.NeedWait
		}
	}
	n := c.rcvBuf.Read(data)
	return n, c.RemoteIP, c.RemotePort, nil
}

// closeActive implements the active-close half of spec.md §4.8's state
// table: established/syn_recvd send a FIN and move to fin_wait_1,
// close_wait (passive side already saw the peer's FIN) sends its own FIN
// and moves straight to last_ack.
func (c *TCB) closeActive() error {
	switch c.state {
	case Closed, Listen, SynSent:
		c.closeAndReclaim()
		return nil
	case Established, SynRecvd:
		c.flagFinOut = true
		c.setState(FinWait1)
	case CloseWait:
		c.flagFinOut = true
		c.setState(LastAck)
	default:
		return nerr.ErrState
	}
	return c.transmit()
}
