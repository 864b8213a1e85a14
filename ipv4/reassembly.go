package ipv4

import (
	"log"

	"github.com/m-lab/netstack/internal/metrics"
	"github.com/m-lab/netstack/ipaddr"
	"github.com/m-lab/netstack/pktbuf"
)

// ReassemblyConfig bundles the reassembly table's tunables, taken from
// config.Config.
type ReassemblyConfig struct {
	MaxRecords  int
	MaxBufsEach int
	TmoMs       int64
}

type fragment struct {
	offset int // byte offset within the reassembled datagram
	length int
	last   bool // MF == 0
	buf    *pktbuf.Buf
}

type record struct {
	srcIP   ipaddr.Addr
	id      uint16
	frags   []fragment
	ageMs   int64
}

type reassemblyTable struct {
	cfg     ReassemblyConfig
	records []*record
}

func newReassemblyTable(cfg ReassemblyConfig) *reassemblyTable {
	return &reassemblyTable{cfg: cfg}
}

func (t *reassemblyTable) find(srcIP ipaddr.Addr, id uint16) *record {
	for _, r := range t.records {
		if r.srcIP == srcIP && r.id == id {
			return r
		}
	}
	return nil
}

func (t *reassemblyTable) allocate(s *Stack, srcIP ipaddr.Addr, id uint16) *record {
	if len(t.records) >= t.cfg.MaxRecords {
		// Evict the oldest (largest ageMs) record rather than drop the
		// incoming fragment, per the evict-oldest reassembly policy.
		oldestIdx := 0
		for i, r := range t.records {
			if r.ageMs > t.records[oldestIdx].ageMs {
				oldestIdx = i
			}
		}
		t.removeRecord(s, t.records[oldestIdx])
		metrics.IPFragmentsDropped.WithLabelValues("evicted").Inc()
	}
	r := &record{srcIP: srcIP, id: id}
	t.records = append(t.records, r)
	metrics.IPReassemblyRecords.Set(float64(len(t.records)))
	return r
}

func (t *reassemblyTable) removeRecord(s *Stack, r *record) {
	for _, f := range r.frags {
		s.pb.Free(f.buf)
	}
	for i, rr := range t.records {
		if rr == r {
			t.records = append(t.records[:i], t.records[i+1:]...)
			break
		}
	}
	metrics.IPReassemblyRecords.Set(float64(len(t.records)))
}

// reassemble inserts buf (an IP fragment, header still attached) into its
// record in offset order, replacing an earlier fragment at the same
// offset with the newer one (fragments that overlap at a different
// offset are kept as they are, not trimmed or dropped), and once every
// byte of [0, end) is covered splices the datagram back together and
// hands it to dispatch.
func (s *Stack) reassemble(h Header, buf *pktbuf.Buf) error {
	t := s.reassembly
	r := t.find(h.SrcIP, h.ID)
	if r == nil {
		r = t.allocate(s, h.SrcIP, h.ID)
	}
	if len(r.frags) >= t.cfg.MaxBufsEach {
		metrics.IPFragmentsDropped.WithLabelValues("record_full").Inc()
		s.pb.Free(buf)
		return nil
	}

	if err := s.pb.RemoveHeader(buf, int(h.IHL)*4); err != nil {
		s.pb.Free(buf)
		return err
	}
	f := fragment{
		offset: int(h.FragOffset) * 8,
		length: buf.TotalSize(),
		last:   !h.moreFragments(),
		buf:    buf,
	}

	inserted := false
	for i, existing := range r.frags {
		if existing.offset == f.offset {
			// Duplicate/overlap at the same offset: keep the newer one.
			s.pb.Free(existing.buf)
			r.frags[i] = f
			inserted = true
			break
		}
		if existing.offset > f.offset {
			r.frags = append(r.frags, fragment{})
			copy(r.frags[i+1:], r.frags[i:])
			r.frags[i] = f
			inserted = true
			break
		}
	}
	if !inserted {
		r.frags = append(r.frags, f)
	}
	r.ageMs = 0

	if !t.complete(r) {
		return nil
	}

	whole, err := t.splice(s, r)
	for i, rr := range t.records {
		if rr == r {
			t.records = append(t.records[:i], t.records[i+1:]...)
			break
		}
	}
	metrics.IPReassemblyRecords.Set(float64(len(t.records)))
	if err != nil {
		return err
	}

	reassembled := Header{
		Version: 4, IHL: 5, TotalLen: uint16(HeaderSize + whole.TotalSize()),
		ID: h.ID, TTL: h.TTL, Protocol: h.Protocol, SrcIP: h.SrcIP, DstIP: h.DstIP,
	}
	headerRaw := make([]byte, HeaderSize)
	encodeHeader(reassembled, headerRaw)
	return s.dispatch(reassembled, headerRaw, reassembleHeaderFrame(s, reassembled, whole))
}

// reassembleHeaderFrame re-attaches a synthetic IP header in front of the
// spliced payload so dispatch (which always expects to strip IHL*4
// bytes) can run unmodified.
func reassembleHeaderFrame(s *Stack, h Header, payload *pktbuf.Buf) *pktbuf.Buf {
	if err := s.pb.AddHeader(payload, HeaderSize, true, 0); err != nil {
		log.Printf("ipv4: reassembly: re-attach header: %v", err)
		return payload
	}
	raw := make([]byte, HeaderSize)
	encodeHeader(h, raw)
	s.pb.ResetAcc(payload)
	s.pb.Write(payload, raw, HeaderSize)
	s.pb.ResetAcc(payload)
	return payload
}

func (t *reassemblyTable) complete(r *record) bool {
	if len(r.frags) == 0 {
		return false
	}
	if !r.frags[len(r.frags)-1].last {
		return false
	}
	end := 0
	for _, f := range r.frags {
		if f.offset != end {
			return false
		}
		end += f.length
	}
	return true
}

func (t *reassemblyTable) splice(s *Stack, r *record) (*pktbuf.Buf, error) {
	whole := r.frags[0].buf
	for _, f := range r.frags[1:] {
		if err := s.pb.Join(whole, f.buf); err != nil {
			return nil, err
		}
	}
	return whole, nil
}

// onTimer ages every pending record by elapsedMs, dropping (and freeing)
// any that exceed the configured timeout.
func (t *reassemblyTable) onTimer(s *Stack, elapsedMs int64) {
	for i := 0; i < len(t.records); i++ {
		r := t.records[i]
		r.ageMs += elapsedMs
		if r.ageMs >= t.cfg.TmoMs {
			metrics.IPFragmentsDropped.WithLabelValues("aged_out").Inc()
			t.removeRecord(s, r)
			i--
		}
	}
}
