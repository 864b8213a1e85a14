package tcp

import (
	"fmt"

	"github.com/m-lab/netstack/ipaddr"
	"github.com/m-lab/netstack/ipv4"
	"github.com/m-lab/netstack/nerr"
	"github.com/m-lab/netstack/pktbuf"
)

// seg is the decoded view of one inbound segment, the Go analogue of the
// original's tcp_seg: the header plus how much sequence space it
// consumes (data length, plus one each for SYN/FIN).
type seg struct {
	localIP, remoteIP ipaddr.Addr
	h                 header
	data              []byte
	buf               *pktbuf.Buf
	seqLen            uint32
}

// In implements ipv4.ProtocolHandler: the tcp_in pipeline from spec.md
// §4.8 — verify checksum, sanity-check, look up a TCB by four-tuple
// (replying RST if none), then dispatch to the per-state handler.
func (t *Table) In(srcIP, dstIP ipaddr.Addr, buf *pktbuf.Buf) error {
	if err := t.pb.SetCont(buf, HeaderSize, 0); err != nil {
		t.pb.Free(buf)
		return fmt.Errorf("tcp: short segment: %w", nerr.ErrBroken)
	}
	total := buf.TotalSize()
	raw := make([]byte, total)
	t.pb.ResetAcc(buf)
	if err := t.pb.Read(buf, raw, total); err != nil {
		t.pb.Free(buf)
		return err
	}
	h, _, err := decodeHeader(raw)
	if err != nil {
		t.pb.Free(buf)
		return err
	}
	if h.Flags&(flagSYN|flagFIN|flagRST|flagACK) == 0 {
		t.pb.Free(buf)
		return fmt.Errorf("tcp: no control flag set: %w", nerr.ErrBroken)
	}

	t.pb.ResetAcc(buf)
	sum, err := t.pb.Checksum16(buf, total, pseudoHeaderSum(srcIP, dstIP, uint16(total)), true)
	if err != nil || sum != 0 {
		t.pb.Free(buf)
		return fmt.Errorf("tcp: bad checksum: %w", nerr.ErrChksum)
	}

	hdrLen := int(h.DataOff) * 4
	data := raw[hdrLen:]
	s := seg{localIP: dstIP, remoteIP: srcIP, h: h, data: data, buf: buf}
	s.seqLen = uint32(len(data))
	if h.Flags&flagSYN != 0 {
		s.seqLen++
	}
	if h.Flags&flagFIN != 0 {
		s.seqLen++
	}

	c := t.find(srcIP, dstIP, h.SrcPort, h.DstPort)
	if c == nil {
		t.replyReset(s)
		t.pb.Free(buf)
		return nil
	}
	t.pb.Free(buf) // the handler works from the decoded seg, not the pktbuf
	return c.dispatch(s)
}

// replyReset implements spec.md §4.8's reset rule, built directly from
// the incoming header without a TCB. Never replies to an incoming RST.
func (t *Table) replyReset(s seg) {
	if s.h.Flags&flagRST != 0 {
		return
	}
	var seq, ack uint32
	flags := flagRST
	if s.h.Flags&flagACK != 0 {
		seq = s.h.Ack
	} else {
		ack = s.h.Seq + s.seqLen
		flags |= flagACK
	}
	hdr := header{SrcPort: s.h.DstPort, DstPort: s.h.SrcPort, Seq: seq, Ack: ack, Flags: flags}
	raw := make([]byte, HeaderSize)
	encodeHeader(hdr, HeaderSize, raw)
	buf, err := t.pb.Alloc(HeaderSize, 0)
	if err != nil {
		return
	}
	t.pb.ResetAcc(buf)
	t.pb.Write(buf, raw, HeaderSize)
	t.pb.ResetAcc(buf)
	sum, err := t.pb.Checksum16(buf, HeaderSize, pseudoHeaderSum(s.localIP, s.remoteIP, HeaderSize), true)
	if err != nil {
		t.pb.Free(buf)
		return
	}
	t.pb.Seek(buf, 16)
	t.pb.Write(buf, []byte{byte(sum >> 8), byte(sum)}, 2)
	t.ip.Out(s.localIP, s.remoteIP, ipv4.ProtoTCP, buf)
}

// acceptable implements spec.md §4.8's acceptable-segment check.
func (c *TCB) acceptable(s seg) bool {
	if s.seqLen == 0 {
		return c.rcvBuf != nil && (s.h.Seq == c.rcvNxt || c.rcvBuf.Free() == 0)
	}
	segStart, segEnd := s.h.Seq, s.h.Seq+s.seqLen
	wndStart, wndEnd := c.rcvNxt, c.rcvNxt+uint32(c.rcvBuf.Free())+1
	return segStart < wndEnd && segEnd > wndStart
}

func (c *TCB) dispatch(s seg) error {
	dbgLog("tcp: %s:%d state=%s flags=%#x seq=%d ack=%d len=%d", s.remoteIP, s.h.SrcPort, c.state, s.h.Flags, s.h.Seq, s.h.Ack, len(s.data))
	switch c.state {
	case Listen:
		return c.onListen(s)
	case SynSent:
		return c.onSynSent(s)
	default:
		return c.onGeneral(s)
	}
}

// onListen handles an incoming SYN against a listening TCB: clone a
// child, choose iss, set irs from the SYN, send SYN+ACK, move the child
// to syn_recvd.
func (c *TCB) onListen(s seg) error {
	if s.h.Flags&flagRST != 0 {
		return nil
	}
	if s.h.Flags&flagACK != 0 {
		c.table.replyReset(s)
		return nil
	}
	if s.h.Flags&flagSYN == 0 {
		return nil
	}
	if len(c.acceptQueue)+pendingChildCount(c) >= c.backlog && c.backlog > 0 {
		return nil
	}
	child, err := c.table.alloc()
	if err != nil {
		return nil
	}
	child.LocalIP, child.LocalPort = s.localIP, s.h.DstPort
	child.RemoteIP, child.RemotePort = s.remoteIP, s.h.SrcPort
	child.parent = c
	if s.h.MSS != 0 && s.h.MSS < child.mss {
		child.mss = s.h.MSS
	}
	child.rcvIRS = s.h.Seq
	child.rcvNxt = s.h.Seq + 1
	child.sndISS = c.table.nextISS()
	child.sndUna = child.sndISS
	child.sndNxt = child.sndISS
	child.sndWnd = 1
	child.flagSynOut = true
	child.setState(SynRecvd)
	return child.transmit()
}

func pendingChildCount(parent *TCB) int {
	n := 0
	for _, c := range parent.table.tcbs {
		if c.parent == parent && c.state != Closed && c.state != Established {
			n++
		}
	}
	return n
}

// onSynSent handles the response to an actively-opened connection's SYN.
func (c *TCB) onSynSent(s seg) error {
	ackOK := s.h.Flags&flagACK == 0 || s.h.Ack == c.sndNxt
	if s.h.Flags&flagACK != 0 && !ackOK {
		if s.h.Flags&flagRST == 0 {
			c.table.replyReset(s)
		}
		return nil
	}
	if s.h.Flags&flagRST != 0 {
		if s.h.Flags&flagACK != 0 {
			c.abort(nerr.ErrReset)
		}
		return nil
	}
	if s.h.Flags&flagSYN == 0 {
		return nil
	}
	c.rcvIRS = s.h.Seq
	c.rcvNxt = s.h.Seq + 1
	if s.h.MSS != 0 && s.h.MSS < c.mss {
		c.mss = s.h.MSS
	}
	if s.h.Flags&flagACK != 0 {
		c.sndUna = s.h.Ack
		c.sndWnd = s.h.Window
		c.flagSynOut = false
		c.stopRetransmit()
		c.setState(Established)
		c.ConnWait.Leave(nerr.OK)
		return c.transmit()
	}
	// Simultaneous open: SYN without ACK.
	c.setState(SynRecvd)
	return c.transmit()
}

// onGeneral handles every other state: SynRecvd, Established, the
// close-sequence states, and TimeWait.
func (c *TCB) onGeneral(s seg) error {
	if !c.acceptable(s) {
		if s.h.Flags&flagRST == 0 {
			c.sendSegment(flagACK, c.sndNxt, nil)
		}
		return nil
	}
	if s.h.Flags&flagRST != 0 {
		c.abort(nerr.ErrReset)
		return nil
	}
	if s.h.Flags&flagSYN != 0 {
		c.table.replyReset(s)
		c.abort(nerr.ErrReset)
		return nil
	}
	if s.h.Flags&flagACK == 0 {
		return nil
	}
	c.processAck(s)

	if s.h.Seq == c.rcvNxt && len(s.data) > 0 {
		n := c.rcvBuf.Write(s.data)
		c.rcvNxt += uint32(n)
		c.RcvWait.Leave(nerr.OK)
	}

	advanced := false
	if s.h.Flags&flagFIN != 0 && s.h.Seq+uint32(len(s.data)) == c.rcvNxt {
		c.rcvNxt++
		advanced = true
		switch c.state {
		case Established:
			c.setState(CloseWait)
			c.RcvWait.Leave(nerr.OK)
		case FinWait1:
			if c.sndUna == c.sndNxt {
				c.setState(TimeWait)
				c.armTimeWait()
			} else {
				c.setState(Closing) // simultaneous close: our FIN not yet ACKed
			}
		case FinWait2:
			c.setState(TimeWait)
			c.armTimeWait()
		}
	}

	if c.state == SynRecvd && s.h.Flags&flagACK != 0 {
		c.setState(Established)
		c.stopRetransmit()
		if c.parent != nil {
			c.parent.acceptQueue = append(c.parent.acceptQueue, c)
			c.parent.ConnWait.Leave(nerr.OK)
		}
	}

	if len(s.data) > 0 || advanced || s.h.Flags&flagSYN != 0 {
		return c.transmit()
	}
	return nil
}

// processAck implements spec.md §4.8's ACK-processing rule: advance
// snd.una, drop that much from the send ring, clear syn_out/fin_out as
// covered, and stop or reset the retransmit timer.
func (c *TCB) processAck(s seg) {
	if s.h.Ack == c.sndUna {
		return
	}
	delta := s.h.Ack - c.sndUna
	maxDelta := c.sndNxt - c.sndUna
	if delta > maxDelta {
		return // ACKs data not yet sent; ignore
	}
	covered := delta

	if c.flagSynOut && c.sndUna == c.sndISS {
		c.flagSynOut = false
		covered--
	}
	if covered > 0 {
		n := int(covered)
		// The FIN occupies the final byte of sequence space but was never
		// written into the ring, so its ACK must not be fed to Drop.
		if c.flagFinOut && n > c.sndBuf.Len() {
			c.flagFinOut = false
			n = c.sndBuf.Len()
		}
		c.sndBuf.Drop(n)
	}
	c.sndUna = s.h.Ack
	c.sndWnd = s.h.Window
	c.SndWait.Leave(nerr.OK)

	if c.sndUna == c.sndNxt {
		c.stopRetransmit()
		switch c.state {
		case FinWait1:
			c.setState(FinWait2)
		case Closing:
			c.setState(TimeWait)
			c.armTimeWait()
		case LastAck:
			c.closeAndReclaim()
		}
	} else {
		c.armRetransmit(c.rtoMs)
	}
	c.armKeepalive()
}

func (c *TCB) armTimeWait() {
	c.timeWaitTimer, _ = c.table.timers.Add("tcp-time-wait", timeWaitMs, false, onTimeWait, c)
}

func onTimeWait(arg interface{}) {
	c := arg.(*TCB)
	c.timeWaitTimer = nil
	c.closeAndReclaim()
}

func (c *TCB) closeAndReclaim() {
	c.cancelTimers()
	c.table.Destroy(&c.Sock)
}

// abort implements tcp_abort: send RST, reclaim the TCB, wake every wait
// with err.
func (c *TCB) abort(err error) {
	if c.state != Closed && c.state != TimeWait {
		c.sendSegment(flagRST|flagACK, c.sndNxt, nil)
	}
	c.RcvWait.Leave(err)
	c.SndWait.Leave(err)
	c.ConnWait.Leave(err)
	c.closeAndReclaim()
}
