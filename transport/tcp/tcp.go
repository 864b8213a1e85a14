// Package tcp implements the RFC 793 state machine described in spec.md
// §4.8: eleven connection states, send/receive ring buffers, the
// retransmit and keepalive timers, and listen/accept. Deliberately
// minimal — enough to complete connections, carry data in both
// directions, and shut down cleanly — rather than a full RFC-compliant
// stack (no urgent pointer, no window scaling, no SACK). Grounded on the
// original course's tcp.c/tcp_in.c/tcp_out.c/tcp_state.c.
package tcp

import (
	"encoding/binary"
	"fmt"
	"log"

	"github.com/m-lab/netstack/internal/dbg"
	"github.com/m-lab/netstack/internal/metrics"
	"github.com/m-lab/netstack/internal/timer"
	"github.com/m-lab/netstack/internal/uuid"
	"github.com/m-lab/netstack/ipaddr"
	"github.com/m-lab/netstack/ipv4"
	"github.com/m-lab/netstack/nerr"
	"github.com/m-lab/netstack/pktbuf"
	"github.com/m-lab/netstack/sock"
)

// State is one of the eleven RFC 793 states a non-free TCB can be in.
type State int

const (
	Closed State = iota
	Listen
	SynSent
	SynRecvd
	Established
	FinWait1
	FinWait2
	Closing
	TimeWait
	CloseWait
	LastAck
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Listen:
		return "listen"
	case SynSent:
		return "syn_sent"
	case SynRecvd:
		return "syn_recvd"
	case Established:
		return "established"
	case FinWait1:
		return "fin_wait_1"
	case FinWait2:
		return "fin_wait_2"
	case Closing:
		return "closing"
	case TimeWait:
		return "time_wait"
	case CloseWait:
		return "close_wait"
	case LastAck:
		return "last_ack"
	default:
		return "unknown"
	}
}

// HeaderSize is the fixed (no-options) TCP header length.
const HeaderSize = 20

// Header flag bits.
const (
	flagFIN uint8 = 1 << 0
	flagSYN uint8 = 1 << 1
	flagRST uint8 = 1 << 2
	flagPSH uint8 = 1 << 3
	flagACK uint8 = 1 << 4
)

// Implementation-chosen timing constants; RFC 793 leaves these to the
// implementation (RFC 6298's defaults, and RFC 1122's keepalive
// defaults, which sock.Init also uses for KeepIdleS/KeepIntvlS/KeepCntMax).
const (
	initialRTOMs  = 1000
	maxRTOMs      = 60000
	maxRetransmit = 6
	timeWaitMs    = 30000
	ephemeralBase = 1024
	ephemeralTop  = 65535
)

type header struct {
	SrcPort, DstPort uint16
	Seq, Ack         uint32
	DataOff          uint8
	Flags            uint8
	Window           uint16
	Checksum         uint16
	MSS              uint16 // 0 if the option was absent
}

func decodeHeader(raw []byte) (header, []byte, error) {
	if len(raw) < HeaderSize {
		return header{}, nil, fmt.Errorf("tcp: %w", nerr.ErrBroken)
	}
	var h header
	h.SrcPort = binary.BigEndian.Uint16(raw[0:2])
	h.DstPort = binary.BigEndian.Uint16(raw[2:4])
	h.Seq = binary.BigEndian.Uint32(raw[4:8])
	h.Ack = binary.BigEndian.Uint32(raw[8:12])
	h.DataOff = raw[12] >> 4
	h.Flags = raw[13]
	h.Window = binary.BigEndian.Uint16(raw[14:16])
	h.Checksum = binary.BigEndian.Uint16(raw[16:18])
	hdrLen := int(h.DataOff) * 4
	if hdrLen < HeaderSize || hdrLen > len(raw) {
		return header{}, nil, fmt.Errorf("tcp: bad data offset: %w", nerr.ErrBroken)
	}
	// Parse options looking only for MSS (kind 2, length 4); everything
	// else is parsed-and-ignored per spec.md §6.
	opts := raw[HeaderSize:hdrLen]
	for i := 0; i < len(opts); {
		switch opts[i] {
		case 0:
			i = len(opts)
		case 1:
			i++
		case 2:
			if i+4 <= len(opts) {
				h.MSS = binary.BigEndian.Uint16(opts[i+2 : i+4])
			}
			i += 4
		default:
			if i+1 >= len(opts) {
				i = len(opts)
				break
			}
			l := int(opts[i+1])
			if l < 2 {
				i = len(opts)
				break
			}
			i += l
		}
	}
	return h, raw[hdrLen:], nil
}

func encodeHeader(h header, hdrLen int, raw []byte) {
	binary.BigEndian.PutUint16(raw[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(raw[2:4], h.DstPort)
	binary.BigEndian.PutUint32(raw[4:8], h.Seq)
	binary.BigEndian.PutUint32(raw[8:12], h.Ack)
	raw[12] = byte(hdrLen/4) << 4
	raw[13] = h.Flags
	binary.BigEndian.PutUint16(raw[14:16], h.Window)
	binary.BigEndian.PutUint16(raw[16:18], 0)
	binary.BigEndian.PutUint16(raw[18:20], 0)
	if hdrLen > HeaderSize {
		raw[20] = 2
		raw[21] = 4
		binary.BigEndian.PutUint16(raw[22:24], h.MSS)
	}
}

func pseudoHeaderSum(srcIP, dstIP ipaddr.Addr, length uint16) uint32 {
	var sum uint32
	sum += uint32(binary.BigEndian.Uint16(srcIP[0:2]))
	sum += uint32(binary.BigEndian.Uint16(srcIP[2:4]))
	sum += uint32(binary.BigEndian.Uint16(dstIP[0:2]))
	sum += uint32(binary.BigEndian.Uint16(dstIP[2:4]))
	sum += uint32(ipv4.ProtoTCP)
	sum += uint32(length)
	return sum
}

// TCB is a TCP control block: sock.Sock plus the RFC 793 state, sequence
// variables, ring buffers, and timers.
type TCB struct {
	sock.Sock

	table  *Table
	state  State
	cookie string

	flagSynOut bool
	flagFinOut bool

	mss uint16

	sndISS uint32
	sndUna uint32
	sndNxt uint32
	sndWnd uint16
	sndBuf *ring

	rcvIRS uint32
	rcvNxt uint32
	rcvBuf *ring

	parent       *TCB
	acceptQueue  []*TCB
	backlog      int

	retransmitTimer *timer.Timer
	rtoMs           int64
	retries         int

	keepaliveTimer *timer.Timer
	keepProbes     int

	timeWaitTimer *timer.Timer
}

// Table owns every TCB and is the ipv4.ProtocolHandler registered for
// IPPROTO_TCP.
type Table struct {
	pb      *pktbuf.Manager
	ip      *ipv4.Stack
	timers  *timer.List
	maxNr   int
	sndSize int
	rcvSize int

	tcbs       []*TCB
	nextPort   uint16
	isnCounter uint32
}

// NewTable creates a TCP control block table, registers it for
// IPPROTO_TCP, and shares timers (owned by the worker) for retransmit/
// keepalive/time-wait scheduling.
func NewTable(pb *pktbuf.Manager, ip *ipv4.Stack, timers *timer.List, maxNr, sndSize, rcvSize int) *Table {
	t := &Table{pb: pb, ip: ip, timers: timers, maxNr: maxNr, sndSize: sndSize, rcvSize: rcvSize, nextPort: ephemeralBase}
	ip.RegisterHandler(ipv4.ProtoTCP, t)
	return t
}

func (t *Table) alloc() (*TCB, error) {
	if len(t.tcbs) >= t.maxNr {
		return nil, nerr.ErrMem
	}
	c := &TCB{table: t, cookie: uuid.New(), sndBuf: newRing(t.sndSize), rcvBuf: newRing(t.rcvSize), mss: 536}
	sock.Init(&c.Sock, sock.AFInet, sock.TypeStream, ipv4.ProtoTCP, t)
	t.tcbs = append(t.tcbs, c)
	metrics.TCPConnectionsActive.Set(float64(len(t.tcbs)))
	return c, nil
}

// Open allocates a new TCB in the closed state.
func (t *Table) Open() (*TCB, error) {
	c, err := t.alloc()
	if err != nil {
		return nil, err
	}
	c.setState(Closed)
	return c, nil
}

func (t *Table) find(srcIP, dstIP ipaddr.Addr, srcPort, dstPort uint16) *TCB {
	// Established/half-open connections match the full four-tuple first.
	for _, c := range t.tcbs {
		if c.state == Listen {
			continue
		}
		if c.LocalIP == dstIP && c.LocalPort == dstPort && c.RemoteIP == srcIP && c.RemotePort == srcPort {
			return c
		}
	}
	for _, c := range t.tcbs {
		if c.state == Listen && c.LocalPort == dstPort && (c.LocalIP.IsAny() || c.LocalIP == dstIP) {
			return c
		}
	}
	return nil
}

func (t *Table) findBase(base *sock.Sock) *TCB {
	for _, c := range t.tcbs {
		if &c.Sock == base {
			return c
		}
	}
	return nil
}

func (c *TCB) setState(s State) {
	c.state = s
	metrics.TCPStateTransitions.WithLabelValues(s.String()).Inc()
	dbgLog("tcp: [%s] -> %s", c.cookie, s)
}

func (t *Table) portInUse(port uint16) bool {
	for _, c := range t.tcbs {
		if c.LocalPort == port {
			return true
		}
	}
	return false
}

func (t *Table) allocEphemeral() (uint16, error) {
	for i := 0; i < ephemeralTop-ephemeralBase; i++ {
		port := t.nextPort
		t.nextPort++
		if t.nextPort > ephemeralTop {
			t.nextPort = ephemeralBase
		}
		if !t.portInUse(port) {
			return port, nil
		}
	}
	return 0, nerr.ErrMem
}

// nextISS picks a new initial sequence number. A real clock-driven ISS
// generator would need the monotonic-clock host primitive spec.md §6
// requires; a counter advanced by 64000 per call keeps this deterministic and
// collision-free enough for one process's lifetime without reaching for
// that primitive.
func (t *Table) nextISS() uint32 {
	t.isnCounter += 64000
	return t.isnCounter
}

func (t *Table) Close(base *sock.Sock) error {
	c := t.findBase(base)
	if c == nil {
		return nerr.ErrNone
	}
	return c.closeActive()
}

func (t *Table) Destroy(base *sock.Sock) {
	c := t.findBase(base)
	if c == nil {
		return
	}
	c.cancelTimers()
	for i, cc := range t.tcbs {
		if cc == c {
			t.tcbs = append(t.tcbs[:i], t.tcbs[i+1:]...)
			break
		}
	}
	metrics.TCPConnectionsActive.Set(float64(len(t.tcbs)))
}

func (c *TCB) cancelTimers() {
	if c.retransmitTimer != nil {
		c.table.timers.Remove(c.retransmitTimer)
	}
	if c.keepaliveTimer != nil {
		c.table.timers.Remove(c.keepaliveTimer)
	}
	if c.timeWaitTimer != nil {
		c.table.timers.Remove(c.timeWaitTimer)
	}
}

func dbgLog(format string, args ...interface{}) {
	if dbg.On("tcp") {
		log.Printf(format, args...)
	}
}

// Info is one row of a Table.Snapshot, the per-connection summary
// cmd/netstatcsv dumps.
type Info struct {
	Cookie     string
	LocalIP    ipaddr.Addr
	LocalPort  uint16
	RemoteIP   ipaddr.Addr
	RemotePort uint16
	State      string
	SendQueued int
	RecvQueued int
}

// Snapshot returns one Info per live TCB, in allocation order.
func (t *Table) Snapshot() []Info {
	out := make([]Info, 0, len(t.tcbs))
	for _, c := range t.tcbs {
		out = append(out, Info{
			Cookie:     c.cookie,
			LocalIP:    c.LocalIP,
			LocalPort:  c.LocalPort,
			RemoteIP:   c.RemoteIP,
			RemotePort: c.RemotePort,
			State:      c.state.String(),
			SendQueued: c.sndBuf.Len(),
			RecvQueued: c.rcvBuf.Len(),
		})
	}
	return out
}
