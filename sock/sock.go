// Package sock is the common base embedded by every socket type (raw,
// udp, tcp): addressing, per-call timeouts, the three wait objects the
// worker installs when an API call needs to block, and the common
// setsockopt handling. Grounded on the original course's sock.c/sock.h.
package sock

import (
	"time"

	"github.com/m-lab/netstack/ipaddr"
	"github.com/m-lab/netstack/nerr"
)

// Family mirrors the one address family this stack supports.
type Family int

const AFInet Family = 2

// Type is the BSD socket type.
type Type int

const (
	TypeRaw Type = iota
	TypeDgram
	TypeStream
)

// Ops is the set of operations a socket subtype supports; a subtype
// implements every method and returns nerr.ErrNotSupport from the ones
// it does not support (raw and udp do so for Listen and Accept).
type Ops interface {
	Bind(s *Sock, ip ipaddr.Addr, port uint16) error
	Listen(s *Sock, backlog int) error
	Accept(s *Sock) (*Sock, error)
	Connect(s *Sock, ip ipaddr.Addr, port uint16) error
	SendTo(s *Sock, ip ipaddr.Addr, port uint16, data []byte) (int, error)
	RecvFrom(s *Sock, data []byte) (int, ipaddr.Addr, uint16, error)
	Close(s *Sock) error
	Destroy(s *Sock)
}

// Wait is a one-shot rendezvous: the worker "installs" a wait by handing
// its pointer to a caller about to block, then later calls Leave exactly
// once to wake it with a result. Enter/Leave may race arbitrarily many
// times over a Wait's life (one Sock reuses the same three Wait objects
// across every blocking call), but never concurrently with themselves.
type Wait struct {
	ch chan error
}

// NewWait creates an idle Wait.
func NewWait() *Wait { return &Wait{ch: make(chan error, 1)} }

// Enter blocks the calling (application) goroutine until Leave is called,
// or tmoMs elapses (tmoMs <= 0 means wait forever).
func (w *Wait) Enter(tmoMs int) error {
	if tmoMs <= 0 {
		return <-w.ch
	}
	select {
	case err := <-w.ch:
		return err
	case <-time.After(time.Duration(tmoMs) * time.Millisecond):
		return nerr.ErrTmo
	}
}

// Leave wakes whoever is (or will be) blocked in Enter with err. Safe to
// call even if nobody is currently waiting yet.
func (w *Wait) Leave(err error) {
	select {
	case w.ch <- err:
	default:
		// A previous wakeup was never consumed (e.g. Enter timed out
		// first); drop it and deliver the new one.
		select {
		case <-w.ch:
		default:
		}
		w.ch <- err
	}
}

// Sock is the base every raw/udp/tcp socket embeds as its first field,
// matching the original's single-inheritance-by-embedding layout.
type Sock struct {
	Family   Family
	Type     Type
	Protocol uint8

	LocalIP  ipaddr.Addr
	LocalPort uint16
	RemoteIP ipaddr.Addr
	RemotePort uint16

	Ops Ops

	RcvTmoMs int
	SndTmoMs int

	LastErr error

	RcvWait  *Wait
	SndWait  *Wait
	ConnWait *Wait

	// KeepEnable and the TCP_KEEP* options live here rather than only in
	// transport/tcp because SOL_SOCKET/SOL_TCP setsockopt dispatches on
	// the base Sock before knowing whether the subtype honors them.
	KeepEnable bool
	KeepIdleS  int
	KeepIntvlS int
	KeepCntMax int
}

// Init fills in a freshly allocated Sock's defaults.
func Init(s *Sock, family Family, typ Type, protocol uint8, ops Ops) {
	s.Family = family
	s.Type = typ
	s.Protocol = protocol
	s.Ops = ops
	s.RcvWait = NewWait()
	s.SndWait = NewWait()
	s.ConnWait = NewWait()
	s.KeepIdleS = 7200
	s.KeepIntvlS = 75
	s.KeepCntMax = 9
}

// setsockopt levels/options, per spec.md §4.10.
const (
	SolSocket = 1
	SolTCP    = 2

	SoRcvTimeo  = 1
	SoSndTimeo  = 2
	SoKeepAlive = 3

	TCPKeepIdle  = 1
	TCPKeepIntvl = 2
	TCPKeepCnt   = 3
)

// SetOpt handles the options common to every socket type. transport/tcp
// reads KeepEnable and the TCP_KEEP* values the next time it processes
// an ACK, which is when it arms its keepalive timer.
func SetOpt(s *Sock, level, opt, val int) error {
	switch {
	case level == SolSocket && opt == SoRcvTimeo:
		s.RcvTmoMs = val
	case level == SolSocket && opt == SoSndTimeo:
		s.SndTmoMs = val
	case level == SolSocket && opt == SoKeepAlive:
		s.KeepEnable = val != 0
	case level == SolTCP && opt == TCPKeepIdle:
		s.KeepIdleS = val
	case level == SolTCP && opt == TCPKeepIntvl:
		s.KeepIntvlS = val
	case level == SolTCP && opt == TCPKeepCnt:
		s.KeepCntMax = val
	default:
		return nerr.ErrNotSupport
	}
	return nil
}
