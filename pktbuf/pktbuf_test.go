package pktbuf_test

import (
	"bytes"
	"testing"

	"github.com/m-lab/netstack/pktbuf"
)

func newManager(t *testing.T) *pktbuf.Manager {
	t.Helper()
	m, err := pktbuf.NewManager(128, 64, 64)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestAllocTotalSize(t *testing.T) {
	m := newManager(t)
	buf, err := m.Alloc(300, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if buf.TotalSize() != 300 {
		t.Errorf("TotalSize() = %d, want 300", buf.TotalSize())
	}
	if buf.RefCount() != 1 {
		t.Errorf("RefCount() = %d, want 1", buf.RefCount())
	}
}

func TestAllocZeroIsHeaderOnly(t *testing.T) {
	m := newManager(t)
	buf, err := m.Alloc(0, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if buf.TotalSize() != 0 {
		t.Errorf("TotalSize() = %d, want 0", buf.TotalSize())
	}
	// Should be able to prepend a full block's worth of header without error.
	if err := m.AddHeader(buf, 128, true, 0); err != nil {
		t.Errorf("AddHeader on header-only buf: %v", err)
	}
	if buf.TotalSize() != 128 {
		t.Errorf("TotalSize() = %d, want 128", buf.TotalSize())
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	m := newManager(t)
	buf, err := m.Alloc(300, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i)
	}
	m.ResetAcc(buf)
	if err := m.Write(buf, payload, 300); err != nil {
		t.Fatalf("Write: %v", err)
	}
	m.ResetAcc(buf)
	out := make([]byte, 300)
	if err := m.Read(buf, out, 300); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(payload, out) {
		t.Error("read back data does not match written data across block boundaries")
	}
}

func TestAddHeaderUsesSlackThenNewBlock(t *testing.T) {
	m := newManager(t)
	buf, err := m.Alloc(10, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	// 10 bytes of payload leaves 118 bytes of slack in a 128-byte block.
	if err := m.AddHeader(buf, 20, true, 0); err != nil {
		t.Fatalf("AddHeader (fits in slack): %v", err)
	}
	if buf.TotalSize() != 30 {
		t.Errorf("TotalSize() = %d, want 30", buf.TotalSize())
	}
	// Now exhaust remaining slack and force a new block.
	if err := m.AddHeader(buf, 150, false, 0); err != nil {
		t.Fatalf("AddHeader (forces new block): %v", err)
	}
	if buf.TotalSize() != 180 {
		t.Errorf("TotalSize() = %d, want 180", buf.TotalSize())
	}
}

func TestAddHeaderContOversizeFails(t *testing.T) {
	m := newManager(t)
	buf, err := m.Alloc(0, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := m.AddHeader(buf, 200, true, 0); err == nil {
		t.Error("expected error for contiguous header larger than block size")
	}
}

func TestRemoveHeaderDropsBlocks(t *testing.T) {
	m := newManager(t)
	buf, err := m.Alloc(300, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := m.RemoveHeader(buf, 150); err != nil {
		t.Fatalf("RemoveHeader: %v", err)
	}
	if buf.TotalSize() != 150 {
		t.Errorf("TotalSize() = %d, want 150", buf.TotalSize())
	}
}

func TestResizeGrowAndShrink(t *testing.T) {
	m := newManager(t)
	buf, err := m.Alloc(50, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := m.Resize(buf, 400, 0); err != nil {
		t.Fatalf("Resize grow: %v", err)
	}
	if buf.TotalSize() != 400 {
		t.Errorf("TotalSize() = %d, want 400", buf.TotalSize())
	}
	if err := m.Resize(buf, 10, 0); err != nil {
		t.Fatalf("Resize shrink: %v", err)
	}
	if buf.TotalSize() != 10 {
		t.Errorf("TotalSize() = %d, want 10", buf.TotalSize())
	}
}

func TestJoinConcatenates(t *testing.T) {
	m := newManager(t)
	a, err := m.Alloc(20, 0)
	if err != nil {
		t.Fatalf("Alloc a: %v", err)
	}
	b, err := m.Alloc(30, 0)
	if err != nil {
		t.Fatalf("Alloc b: %v", err)
	}
	if err := m.Join(a, b); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if a.TotalSize() != 50 {
		t.Errorf("TotalSize() = %d, want 50", a.TotalSize())
	}
}

func TestChecksum16KnownValue(t *testing.T) {
	m := newManager(t)
	buf, err := m.Alloc(4, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	m.ResetAcc(buf)
	if err := m.Write(buf, []byte{0x00, 0x01, 0xf2, 0x03}, 4); err != nil {
		t.Fatalf("Write: %v", err)
	}
	m.ResetAcc(buf)
	sum, err := m.Checksum16(buf, 4, 0, false)
	if err != nil {
		t.Fatalf("Checksum16: %v", err)
	}
	want := uint16(0x0001 + 0xf203)
	if sum != want {
		t.Errorf("Checksum16() = %#04x, want %#04x", sum, want)
	}
}

func TestFreeDecrementsRefCountOnly(t *testing.T) {
	m := newManager(t)
	buf, err := m.Alloc(10, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	m.IncRef(buf)
	if buf.RefCount() != 2 {
		t.Fatalf("RefCount() = %d, want 2", buf.RefCount())
	}
	m.Free(buf)
	if buf.RefCount() != 1 {
		t.Errorf("RefCount() = %d, want 1 after single Free", buf.RefCount())
	}
}
