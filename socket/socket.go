// Package socket is the BSD-style application-facing API of spec.md
// §4.10: socket/bind/listen/accept/connect/send/recv/sendto/recvfrom/
// setsockopt/close, sitting on top of sock.Ops (implemented by
// transport/raw, transport/udp, and transport/tcp) and serialized
// through an exmsg.Worker. Every call packages its arguments into a
// closure, hands it to the worker via Exec, and — if the worker reports
// nerr.NeedWait — blocks the calling goroutine on the socket's relevant
// sock.Wait before retrying (Connect does not retry: the wake-up carries
// the handshake's result), exactly as spec.md describes the original's
// sock_req/completion-semaphore/sock_wait dance. Grounded on the
// original course's socket.c/socket.h.
package socket

import (
	"errors"

	"github.com/m-lab/netstack/exmsg"
	"github.com/m-lab/netstack/ipaddr"
	"github.com/m-lab/netstack/nerr"
	"github.com/m-lab/netstack/sock"
	"github.com/m-lab/netstack/transport/raw"
	"github.com/m-lab/netstack/transport/tcp"
	"github.com/m-lab/netstack/transport/udp"
)

// IPPROTO_* values an application names at Socket time, per spec.md §6.
const (
	IPPROTOICMP uint8 = 1
	IPPROTOTCP  uint8 = 6
	IPPROTOUDP  uint8 = 17
)

// Table is the process-wide socket descriptor table: the single entry
// point application code holds, dispatching socket() calls across the
// three transport tables and serializing everything through w.
type Table struct {
	w   *exmsg.Worker
	raw *raw.Table
	udp *udp.Table
	tcp *tcp.Table
}

// NewTable wires a socket.Table to the worker that will serialize every
// call and the three already-constructed transport tables it dispatches
// onto by (family, type).
func NewTable(w *exmsg.Worker, rawTable *raw.Table, udpTable *udp.Table, tcpTable *tcp.Table) *Table {
	return &Table{w: w, raw: rawTable, udp: udpTable, tcp: tcpTable}
}

// Socket is the application-held handle returned by socket()/accept(),
// the Go analogue of a file descriptor: a protocol-layer sock.Sock plus
// the Ops implementation (one of the three transport tables) that
// understands it.
type Socket struct {
	t    *Table
	ops  sock.Ops
	base *sock.Sock
}

// LocalAddr reports the socket's currently bound local address and port.
func (sk *Socket) LocalAddr() (ipaddr.Addr, uint16) { return sk.base.LocalIP, sk.base.LocalPort }

// RemoteAddr reports the socket's connected/last-used peer address.
func (sk *Socket) RemoteAddr() (ipaddr.Addr, uint16) { return sk.base.RemoteIP, sk.base.RemotePort }

// exec runs fn on the worker and returns its result unchanged; used for
// calls that either succeed or fail outright (Bind, Listen, setsockopt,
// Close) and never report NeedWait.
func (t *Table) exec(fn func() error) error {
	return t.w.Exec(fn)
}

// execWait runs fn on the worker; if it reports nerr.NeedWait, the
// calling goroutine blocks on wait (honoring tmoMs, 0 meaning forever)
// and retries fn once woken, per spec.md §4.10's blocking convention.
func (t *Table) execWait(wait *sock.Wait, tmoMs int, fn func() error) error {
	for {
		err := t.w.Exec(fn)
		if err == nil || !errors.Is(err, nerr.NeedWait) {
			return err
		}
		if werr := wait.Enter(tmoMs); !nerr.Ok(werr) {
			return werr
		}
	}
}

// Socket implements socket(2): allocate a new descriptor of the given
// type/protocol. family is always sock.AFInet — the stack's only
// address family, per spec.md §6.
func (t *Table) Socket(family sock.Family, typ sock.Type, protocol uint8) (*Socket, error) {
	if family != sock.AFInet {
		return nil, nerr.ErrNotSupport
	}
	var base *sock.Sock
	var ops sock.Ops
	err := t.exec(func() error {
		switch typ {
		case sock.TypeRaw:
			s, err := t.raw.Open(protocol)
			if err != nil {
				return err
			}
			base, ops = &s.Sock, t.raw
		case sock.TypeDgram:
			s, err := t.udp.Open()
			if err != nil {
				return err
			}
			base, ops = &s.Sock, t.udp
		case sock.TypeStream:
			c, err := t.tcp.Open()
			if err != nil {
				return err
			}
			base, ops = &c.Sock, t.tcp
		default:
			return nerr.ErrNotSupport
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Socket{t: t, ops: ops, base: base}, nil
}

// Bind implements bind(2).
func (sk *Socket) Bind(ip ipaddr.Addr, port uint16) error {
	return sk.t.exec(func() error { return sk.ops.Bind(sk.base, ip, port) })
}

// Listen implements listen(2).
func (sk *Socket) Listen(backlog int) error {
	return sk.t.exec(func() error { return sk.ops.Listen(sk.base, backlog) })
}

// Accept implements accept(2), blocking on the listener's ConnWait
// (woken once a completed child TCB lands in its accept queue) until
// backlog has something to return.
func (sk *Socket) Accept() (*Socket, error) {
	var child *sock.Sock
	err := sk.t.execWait(sk.base.ConnWait, sk.base.RcvTmoMs, func() error {
		c, err := sk.ops.Accept(sk.base)
		if err != nil {
			return err
		}
		child = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Socket{t: sk.t, ops: sk.ops, base: child}, nil
}

// Connect implements connect(2), blocking on ConnWait until the
// handshake resolves (established, reset, or timed out).
func (sk *Socket) Connect(ip ipaddr.Addr, port uint16) error {
	err := sk.t.w.Exec(func() error { return sk.ops.Connect(sk.base, ip, port) })
	if !errors.Is(err, nerr.NeedWait) {
		return err
	}
	if werr := sk.base.ConnWait.Enter(sk.base.SndTmoMs); !nerr.Ok(werr) {
		return werr
	}
	return nil
}

// SendTo implements sendto(2), blocking on SndWait when the transport
// has no room (e.g. a full TCP send ring) until space frees up.
func (sk *Socket) SendTo(ip ipaddr.Addr, port uint16, data []byte) (int, error) {
	var n int
	err := sk.t.execWait(sk.base.SndWait, sk.base.SndTmoMs, func() error {
		var innerErr error
		n, innerErr = sk.ops.SendTo(sk.base, ip, port, data)
		return innerErr
	})
	return n, err
}

// Send implements send(2): sendto with no destination, valid only once
// connected (raw/tcp sockets already bound their peer; udp requires a
// prior Connect).
func (sk *Socket) Send(data []byte) (int, error) {
	return sk.SendTo(ipaddr.Any, 0, data)
}

// RecvFrom implements recvfrom(2), blocking on RcvWait until data, a
// clean end-of-stream, or an error is available.
func (sk *Socket) RecvFrom(data []byte) (int, ipaddr.Addr, uint16, error) {
	var n int
	var srcIP ipaddr.Addr
	var srcPort uint16
	err := sk.t.execWait(sk.base.RcvWait, sk.base.RcvTmoMs, func() error {
		var innerErr error
		n, srcIP, srcPort, innerErr = sk.ops.RecvFrom(sk.base, data)
		return innerErr
	})
	return n, srcIP, srcPort, err
}

// Recv implements recv(2)/read(2): recvfrom discarding the source address.
func (sk *Socket) Recv(data []byte) (int, error) {
	n, _, _, err := sk.RecvFrom(data)
	return n, err
}

// Write is an alias for Send, completing the read/write file-descriptor
// surface spec.md §6 names alongside send/recv.
func (sk *Socket) Write(data []byte) (int, error) { return sk.Send(data) }

// Read is an alias for Recv.
func (sk *Socket) Read(data []byte) (int, error) { return sk.Recv(data) }

// SetSockOpt implements setsockopt(2), per the table in spec.md §4.10.
func (sk *Socket) SetSockOpt(level, opt, val int) error {
	return sk.t.exec(func() error { return sock.SetOpt(sk.base, level, opt, val) })
}

// Close implements close(2): release the socket and wake any blocked
// caller still waiting on it.
func (sk *Socket) Close() error {
	return sk.t.exec(func() error { return sk.ops.Close(sk.base) })
}

// Snapshot is one row of Table.Snapshot: a protocol-tagged summary of a
// live socket, the unified record cmd/netstatcsv dumps as CSV.
type Snapshot struct {
	Protocol   string
	LocalIP    ipaddr.Addr
	LocalPort  uint16
	RemoteIP   ipaddr.Addr
	RemotePort uint16
	State      string
	RecvQueued int
}

// Snapshot reads every open TCP and UDP socket's state through the
// worker, so the result reflects a single consistent instant rather than
// racing concurrent application goroutines.
func (t *Table) Snapshot() []Snapshot {
	var out []Snapshot
	t.exec(func() error {
		for _, c := range t.tcp.Snapshot() {
			out = append(out, Snapshot{
				Protocol:   "tcp",
				LocalIP:    c.LocalIP,
				LocalPort:  c.LocalPort,
				RemoteIP:   c.RemoteIP,
				RemotePort: c.RemotePort,
				State:      c.State,
				RecvQueued: c.RecvQueued,
			})
		}
		for _, u := range t.udp.Snapshot() {
			out = append(out, Snapshot{
				Protocol:   "udp",
				LocalIP:    u.LocalIP,
				LocalPort:  u.LocalPort,
				RemoteIP:   u.RemoteIP,
				RemotePort: u.RemotePort,
				State:      "",
				RecvQueued: u.RecvQueued,
			})
		}
		return nil
	})
	return out
}
