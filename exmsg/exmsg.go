// Package exmsg is the single-threaded protocol worker from spec.md
// §4.11 and §5: every mutation of ARP, route, reassembly, and socket
// state happens on this one goroutine. Driver threads feed it NETIF_IN
// notifications, application threads feed it FUN work items, and it
// scans its timers periodically off its own clock; the worker never blocks on a
// long wait while running a handler. Grounded on the original course's
// exmsg.c/exmsg.h and netif.Notifier's doc comment.
package exmsg

import (
	"context"
	"errors"
	"log"

	"github.com/m-lab/netstack/internal/clock"
	"github.com/m-lab/netstack/internal/fixq"
	"github.com/m-lab/netstack/internal/timer"
	"github.com/m-lab/netstack/nerr"
	"github.com/m-lab/netstack/netif"
	"github.com/m-lab/netstack/pktbuf"
)

// netifInMsg is spec.md's NETIF_IN: iface has buffered a packet.
type netifInMsg struct {
	iface *netif.Interface
}

// funMsg is spec.md's FUN: a function-call work item with a completion
// channel standing in for the original's completion_semaphore/err_out
// pair. The worker sends every result on done, nerr.NeedWait included;
// on NeedWait the caller then blocks on its own per-sock Wait.
type funMsg struct {
	fn   func() error
	done chan error
}

// IPv4Input is implemented by ipv4.Stack; the worker calls it directly
// for interfaces with no link layer (loopback) and lets ether.Link.In
// handle the rest, keeping exmsg ignorant of Ethernet/ARP specifics.
type IPv4Input interface {
	In(iface *netif.Interface, buf *pktbuf.Buf) error
}

// Tick is a periodic aging hook the worker drives off its own clock,
// e.g. ipv4.Stack.OnTimer or an arp.Cache.OnTimer wrapped in a closure
// (arp's takes a *netif.Manager the worker has no reason to know about).
type Tick func(elapsedMs int64)

// Worker is the process-wide protocol thread.
type Worker struct {
	inbox    *fixq.Queue
	netifMgr *netif.Manager
	ip       IPv4Input
	timers   *timer.List
	ticks    []Tick
	scanMs   int64
	clock    clock.Source

	lastTick int64
}

// New creates a Worker with an inbox of the given depth. timers is the
// single shared software-timer list every protocol timer (ARP retry,
// reassembly aging if it wants one, TCP retransmit/keepalive/time-wait)
// registers into; scanPeriodMs is how often Check is driven off the
// worker's own clock when the inbox sits idle.
func New(inboxDepth int, netifMgr *netif.Manager, ip IPv4Input, timers *timer.List, scanPeriodMs int64) *Worker {
	return &Worker{
		inbox:    fixq.New(inboxDepth),
		netifMgr: netifMgr,
		ip:       ip,
		timers:   timers,
		scanMs:   scanPeriodMs,
		clock:    clock.System,
	}
}

// AddTick registers an additional periodic aging hook, run on every
// timer scan alongside the shared timer list.
func (w *Worker) AddTick(fn Tick) { w.ticks = append(w.ticks, fn) }

// NotifyNetifIn implements netif.Notifier: called by Manager.PutIn right
// after a driver thread enqueues a received packet.
func (w *Worker) NotifyNetifIn(iface *netif.Interface) error {
	return w.inbox.Send(netifInMsg{iface: iface}, 0)
}

// Exec posts fn to the worker and blocks the calling (application)
// thread until the worker either completes it or determines it needs to
// wait — in the latter case the returned error is nerr.NeedWait and the
// caller is expected to block on its own Wait object and call Exec
// again, per spec.md §4.10's retry convention.
func (w *Worker) Exec(fn func() error) error {
	msg := funMsg{fn: fn, done: make(chan error, 1)}
	if err := w.inbox.Send(msg, 0); err != nil {
		return err
	}
	return <-msg.done
}

// Run drives the worker loop until ctx is cancelled. It is the only
// goroutine that ever touches protocol state; NETIF_IN and FUN messages
// are handled as they arrive, and the shared timer list (plus any
// registered Tick hooks) is scanned whenever the inbox sits idle for a
// full scan period.
func (w *Worker) Run(ctx context.Context) {
	w.lastTick = w.clock.NowMs()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		v, err := w.inbox.Recv(int(w.scanMs))
		if err != nil {
			if errors.Is(err, nerr.ErrTmo) || errors.Is(err, nerr.ErrNone) {
				w.scan()
			}
			continue
		}
		switch m := v.(type) {
		case netifInMsg:
			w.handleNetifIn(m.iface)
		case funMsg:
			w.handleFun(m)
		}
		w.scanIfDue()
	}
}

func (w *Worker) scanIfDue() {
	now := w.clock.NowMs()
	if now-w.lastTick < w.scanMs {
		return
	}
	w.scan()
}

func (w *Worker) scan() {
	now := w.clock.NowMs()
	elapsed := now - w.lastTick
	w.lastTick = now
	if elapsed <= 0 {
		return
	}
	if w.timers != nil {
		w.timers.Check(elapsed)
	}
	for _, tick := range w.ticks {
		tick(elapsed)
	}
}

// handleNetifIn implements spec.md's NETIF_IN case: dequeue one pktbuf
// from iface's in queue and hand it to the link layer, or straight to
// IPv4 for interfaces (loopback) with no link layer of their own.
func (w *Worker) handleNetifIn(iface *netif.Interface) {
	buf, err := w.netifMgr.GetIn(iface, 0)
	if err != nil {
		return
	}
	var procErr error
	if iface.Link != nil {
		procErr = iface.Link.In(iface, buf)
	} else {
		procErr = w.ip.In(iface, buf)
	}
	if procErr != nil {
		log.Printf("exmsg: %s: inbound packet dropped: %v", iface.Name, procErr)
	}
}

// handleFun implements spec.md's FUN case.
func (w *Worker) handleFun(m funMsg) {
	err := m.fn()
	m.done <- err
}
