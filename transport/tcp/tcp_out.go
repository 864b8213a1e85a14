package tcp

import (
	"github.com/m-lab/netstack/internal/metrics"
	"github.com/m-lab/netstack/ipv4"
	"github.com/m-lab/netstack/nerr"
)

// sendSegment builds and transmits one TCP segment carrying flags and up
// to len(data) bytes, per spec.md §4.8's tcp_transmit description: current
// snd.nxt/rcv.nxt, window = receive-buffer free space, SYN/MSS option on
// a SYN segment. It does not touch the send ring; callers that are
// sending new data must have already written it there.
func (c *TCB) sendSegment(flags uint8, seq uint32, data []byte) error {
	hdrLen := HeaderSize
	includeMSS := flags&flagSYN != 0
	if includeMSS {
		hdrLen += 4
	}
	buf, err := c.table.pb.Alloc(hdrLen+len(data), 0)
	if err != nil {
		return err
	}
	h := header{
		SrcPort: c.LocalPort, DstPort: c.RemotePort,
		Seq: seq, Ack: c.rcvNxt, Flags: flags,
		Window: uint16(c.rcvBuf.Free()),
	}
	if includeMSS {
		h.MSS = c.mss
	}
	raw := make([]byte, hdrLen)
	encodeHeader(h, hdrLen, raw)
	c.table.pb.ResetAcc(buf)
	c.table.pb.Write(buf, raw, hdrLen)
	if len(data) > 0 {
		c.table.pb.Write(buf, data, len(data))
	}

	total := hdrLen + len(data)
	c.table.pb.ResetAcc(buf)
	sum, err := c.table.pb.Checksum16(buf, total, pseudoHeaderSum(c.LocalIP, c.RemoteIP, uint16(total)), true)
	if err != nil {
		c.table.pb.Free(buf)
		return err
	}
	c.table.pb.Seek(buf, 16)
	c.table.pb.Write(buf, []byte{byte(sum >> 8), byte(sum)}, 2)

	return c.table.ip.Out(c.LocalIP, c.RemoteIP, ipv4.ProtoTCP, buf)
}

// transmit is the general-purpose output path: ACK (except on the SYN
// of an active open, sent from syn_sent) plus as much queued
// send data as fits in min(mss, remote window, ring contents), advancing
// snd.nxt by the data length plus any SYN/FIN bit actually sent, and
// (re)arming the retransmit timer if anything unacknowledged is now
// outstanding.
func (c *TCB) transmit() error {
	var flags uint8
	if c.state != SynSent {
		flags = flagACK
	}
	seq := c.sndNxt
	sendSyn := c.flagSynOut && c.sndNxt == c.sndISS
	if sendSyn {
		flags |= flagSYN
	}

	avail := int(c.sndWnd) - int(c.sndNxt-c.sndUna)
	if avail < 0 {
		avail = 0
	}
	budget := int(c.mss)
	if avail < budget {
		budget = avail
	}
	unsent := c.sndBuf.Len() - int(c.sndNxt-c.sndUna)
	if unsent < 0 {
		unsent = 0
	}
	if budget > unsent {
		budget = unsent
	}
	data := make([]byte, budget)
	if budget > 0 {
		c.sndBuf.Peek(data, int(c.sndNxt-c.sndUna))
	}

	sendFin := c.flagFinOut && budget == unsent && c.sndNxt-c.sndUna == uint32(c.sndBuf.Len())
	if sendFin {
		flags |= flagFIN
	}

	if err := c.sendSegment(flags, seq, data); err != nil {
		return err
	}
	c.sndNxt += uint32(len(data))
	if sendSyn {
		c.sndNxt++
	}
	if sendFin {
		c.sndNxt++
	}
	if c.sndNxt != c.sndUna {
		c.armRetransmit(initialRTOMs)
	}
	return nil
}

func (c *TCB) armRetransmit(periodMs int64) {
	c.rtoMs = periodMs
	if c.retransmitTimer == nil {
		c.retransmitTimer, _ = c.table.timers.Add("tcp-retransmit", periodMs, false, onRetransmit, c)
	} else {
		c.table.timers.Reset(c.retransmitTimer, periodMs)
	}
}

func (c *TCB) stopRetransmit() {
	if c.retransmitTimer != nil {
		c.table.timers.Remove(c.retransmitTimer)
		c.retransmitTimer = nil
	}
	c.retries = 0
}

// onRetransmit fires from the shared timer list, owned by the single
// worker goroutine, so it is free to mutate TCB state directly.
func onRetransmit(arg interface{}) {
	c := arg.(*TCB)
	c.retransmitTimer = nil
	if c.retries >= maxRetransmit {
		c.abort(nerr.ErrTmo)
		return
	}
	c.retries++
	metrics.TCPRetransmits.Inc()

	data := make([]byte, c.sndBuf.Len())
	n := c.sndBuf.Peek(data, 0)
	var flags uint8
	if c.state != SynSent {
		flags = flagACK
	}
	if c.flagSynOut {
		flags |= flagSYN
	}
	if c.flagFinOut {
		flags |= flagFIN
	}
	c.sendSegment(flags, c.sndUna, data[:n])

	next := c.rtoMs * 2
	if next > maxRTOMs {
		next = maxRTOMs
	}
	c.armRetransmit(next)
}

// armKeepalive starts (or restarts) the per-connection keepalive timer
// using the idle period; it only runs while KeepEnable is set.
func (c *TCB) armKeepalive() {
	if !c.KeepEnable {
		return
	}
	periodMs := int64(c.KeepIdleS) * 1000
	if c.keepaliveTimer == nil {
		c.keepProbes = c.KeepCntMax
		c.keepaliveTimer, _ = c.table.timers.Add("tcp-keepalive", periodMs, false, onKeepalive, c)
	} else {
		c.table.timers.Reset(c.keepaliveTimer, periodMs)
	}
}

func (c *TCB) stopKeepalive() {
	if c.keepaliveTimer != nil {
		c.table.timers.Remove(c.keepaliveTimer)
		c.keepaliveTimer = nil
	}
}

// onKeepalive sends a zero-payload segment at snd.nxt-1 to provoke an
// ACK from the peer, per spec.md §4.8.
func onKeepalive(arg interface{}) {
	c := arg.(*TCB)
	c.keepaliveTimer = nil
	if !c.KeepEnable || c.state != Established {
		return
	}
	c.keepProbes--
	if c.keepProbes <= 0 {
		c.abort(nerr.ErrTmo)
		return
	}
	c.sendSegment(flagACK, c.sndNxt-1, nil)
	c.keepaliveTimer, _ = c.table.timers.Add("tcp-keepalive", int64(c.KeepIntvlS)*1000, false, onKeepalive, c)
}
