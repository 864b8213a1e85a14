// Package pktbuf is the block-chained, reference-counted byte buffer that
// every layer of the stack passes packets around in. It is the Go port
// of the original course's pktbuf.c: a pktbuf is an ordered list of
// fixed-capacity blocks carved from an mblock pool, with a head block
// that keeps slack in front of its valid bytes so headers can be
// prepended without an allocation, and a monotone cursor used by the
// sequential read/write/copy/checksum operations.
package pktbuf

import (
	"fmt"

	"github.com/m-lab/netstack/internal/mblock"
	"github.com/m-lab/netstack/nerr"
)

// maxBlockStorage is the physical capacity of every block's backing
// array. The configured block size (config.Config.PktbufBlockSize) is
// the usable size within that capacity, the way the original's
// BLOCK_SIZE is a compile-time constant sized for the largest supported
// Ethernet MTU.
const maxBlockStorage = 1536

// Block is one fixed-capacity link in a pktbuf's chain.
type Block struct {
	storage [maxBlockStorage]byte
	data    int // offset of the first valid byte
	size    int // number of valid bytes starting at data
	hdrIdx  int // index into Manager.blockPool, for Free
}

// Buf is a chunked, reference-counted byte buffer with a monotone cursor.
type Buf struct {
	blocks    []*Block
	refCount  int32
	totalSize int

	curBlock int
	curOff   int
	curPos   int

	hdrIdx int // index into Manager.bufPool, for Free
}

// TotalSize returns the buffer's current length in bytes.
func (b *Buf) TotalSize() int { return b.totalSize }

// RefCount returns the buffer's current reference count.
func (b *Buf) RefCount() int32 { return b.refCount }

// Manager owns the fixed-capacity block and header pools every Buf is
// carved from, mirroring the original's global pktbuf block/header
// arrays folded into a single owned instance per Stack.
type Manager struct {
	blockSize int
	blockPool *mblock.Pool[Block]
	bufPool   *mblock.Pool[Buf]
}

// NewManager creates a Manager whose blocks hold up to blockSize usable
// bytes each, with blockCount blocks and bufCount buffer headers
// available in total.
func NewManager(blockSize, blockCount, bufCount int) (*Manager, error) {
	if blockSize <= 0 || blockSize > maxBlockStorage {
		return nil, fmt.Errorf("pktbuf: block size %d exceeds capacity %d: %w", blockSize, maxBlockStorage, nerr.ErrParam)
	}
	return &Manager{
		blockSize: blockSize,
		blockPool: mblock.New[Block](blockCount, mblock.LockMutex),
		bufPool:   mblock.New[Buf](bufCount, mblock.LockMutex),
	}, nil
}

func (m *Manager) allocBlock(tmoMs int) (*Block, error) {
	idx, blk, err := m.blockPool.Alloc(tmoMs)
	if err != nil {
		return nil, err
	}
	blk.hdrIdx = idx
	return blk, nil
}

func (m *Manager) freeBlock(blk *Block) {
	m.blockPool.Free(blk.hdrIdx)
}

// Alloc returns a fresh Buf of exactly size bytes, ref count 1, laid out
// so later AddHeader calls can prepend into the head block's slack
// without allocating. size == 0 produces a single header-only buffer
// with a full block of slack.
func (m *Manager) Alloc(size int, tmoMs int) (*Buf, error) {
	if size < 0 {
		return nil, fmt.Errorf("pktbuf: %w", nerr.ErrSize)
	}
	idx, buf, err := m.bufPool.Alloc(tmoMs)
	if err != nil {
		return nil, err
	}
	buf.hdrIdx = idx
	buf.refCount = 1

	remaining := size
	first := true
	for remaining > 0 || first {
		use := remaining
		if use > m.blockSize {
			use = m.blockSize
		}
		blk, err := m.allocBlock(tmoMs)
		if err != nil {
			m.freeBlocks(buf)
			m.bufPool.Free(buf.hdrIdx)
			return nil, err
		}
		blk.data = m.blockSize - use
		blk.size = use
		buf.blocks = append(buf.blocks, blk)
		remaining -= use
		first = false
	}
	buf.totalSize = size
	return buf, nil
}

func (m *Manager) freeBlocks(buf *Buf) {
	for _, blk := range buf.blocks {
		m.freeBlock(blk)
	}
	buf.blocks = nil
}

// Free decrements buf's reference count, releasing its blocks and header
// once it reaches zero. Freeing a shared buffer never affects other
// holders.
func (m *Manager) Free(buf *Buf) {
	if buf == nil {
		return
	}
	buf.refCount--
	if buf.refCount > 0 {
		return
	}
	m.freeBlocks(buf)
	m.bufPool.Free(buf.hdrIdx)
}

// IncRef bumps buf's reference count, so one more Free is needed before
// its blocks are released. The stack itself does not call it: TCP
// retransmit re-reads from the send ring, and fan-out points use Dup.
func (m *Manager) IncRef(buf *Buf) {
	buf.refCount++
}

// Dup produces an independent copy of buf: its own blocks, header, and
// cursor, positioned at 0. Used at fan-out points (e.g. handing a
// received IPv4 datagram to both a raw socket and its transport
// protocol) where one consumer may prepend/trim/resize its copy without
// that mutation bleeding into the block metadata the other consumer
// still holds — a plain IncRef would alias the same *Block pointers, so
// RemoveHeader on the transport side would corrupt what the raw side
// sees.
func (m *Manager) Dup(buf *Buf, tmoMs int) (*Buf, error) {
	dup, err := m.Alloc(buf.totalSize, tmoMs)
	if err != nil {
		return nil, err
	}
	savedBlock, savedOff, savedPos := buf.curBlock, buf.curOff, buf.curPos
	buf.curBlock, buf.curOff, buf.curPos = 0, 0, 0
	m.ResetAcc(dup)
	if err := m.Copy(dup, buf, buf.totalSize); err != nil {
		m.Free(dup)
		buf.curBlock, buf.curOff, buf.curPos = savedBlock, savedOff, savedPos
		return nil, err
	}
	buf.curBlock, buf.curOff, buf.curPos = savedBlock, savedOff, savedPos
	m.ResetAcc(dup)
	return dup, nil
}

// AddHeader prepends size bytes to buf. If cont requires those bytes to
// land contiguously in a single block and the head block lacks the
// slack, a new block is allocated; with cont and size > block size this
// fails with ErrSize.
func (m *Manager) AddHeader(buf *Buf, size int, cont bool, tmoMs int) error {
	if size < 0 {
		return fmt.Errorf("pktbuf: %w", nerr.ErrSize)
	}
	if size == 0 {
		return nil
	}
	head := buf.blocks[0]

	if cont {
		if size > m.blockSize {
			return fmt.Errorf("pktbuf: header %d exceeds block size %d: %w", size, m.blockSize, nerr.ErrSize)
		}
		if size <= head.data {
			head.data -= size
			head.size += size
			buf.totalSize += size
			return nil
		}
		blk, err := m.allocBlock(tmoMs)
		if err != nil {
			return err
		}
		blk.data = m.blockSize - size
		blk.size = size
		buf.blocks = append([]*Block{blk}, buf.blocks...)
		buf.totalSize += size
		return nil
	}

	take := size
	if take > head.data {
		take = head.data
	}
	head.data -= take
	head.size += take
	remaining := size - take
	buf.totalSize += take

	for remaining > 0 {
		use := remaining
		if use > m.blockSize {
			use = m.blockSize
		}
		blk, err := m.allocBlock(tmoMs)
		if err != nil {
			return err
		}
		blk.data = m.blockSize - use
		blk.size = use
		buf.blocks = append([]*Block{blk}, buf.blocks...)
		buf.totalSize += use
		remaining -= use
	}
	return nil
}

// RemoveHeader strips size bytes from the front, dropping whole head
// blocks as they are exhausted.
func (m *Manager) RemoveHeader(buf *Buf, size int) error {
	if size < 0 || size > buf.totalSize {
		return fmt.Errorf("pktbuf: %w", nerr.ErrSize)
	}
	remaining := size
	for remaining > 0 {
		head := buf.blocks[0]
		if remaining >= head.size {
			remaining -= head.size
			buf.totalSize -= head.size
			m.freeBlock(head)
			buf.blocks = buf.blocks[1:]
		} else {
			head.data += remaining
			head.size -= remaining
			buf.totalSize -= remaining
			remaining = 0
		}
	}
	buf.curBlock, buf.curOff, buf.curPos = 0, 0, 0
	return nil
}

// Resize grows or shrinks buf to exactly newSize bytes.
func (m *Manager) Resize(buf *Buf, newSize int, tmoMs int) error {
	if newSize < 0 {
		return fmt.Errorf("pktbuf: %w", nerr.ErrSize)
	}
	if newSize > buf.totalSize {
		grow := newSize - buf.totalSize
		for grow > 0 {
			use := grow
			if use > m.blockSize {
				use = m.blockSize
			}
			blk, err := m.allocBlock(tmoMs)
			if err != nil {
				return err
			}
			blk.data = 0
			blk.size = use
			buf.blocks = append(buf.blocks, blk)
			buf.totalSize += use
			grow -= use
		}
		return nil
	}
	shrink := buf.totalSize - newSize
	for shrink > 0 {
		tail := buf.blocks[len(buf.blocks)-1]
		if shrink >= tail.size {
			shrink -= tail.size
			buf.totalSize -= tail.size
			m.freeBlock(tail)
			buf.blocks = buf.blocks[:len(buf.blocks)-1]
		} else {
			tail.size -= shrink
			buf.totalSize -= shrink
			shrink = 0
		}
	}
	if buf.curPos > buf.totalSize {
		buf.curBlock, buf.curOff, buf.curPos = 0, 0, 0
	}
	return nil
}

// Join concatenates all of src's blocks onto the end of dest and frees
// src's header. src must not be used again afterward.
func (m *Manager) Join(dest, src *Buf) error {
	if dest == nil || src == nil {
		return fmt.Errorf("pktbuf: %w", nerr.ErrParam)
	}
	dest.blocks = append(dest.blocks, src.blocks...)
	dest.totalSize += src.totalSize
	src.blocks = nil
	m.bufPool.Free(src.hdrIdx)
	return nil
}

// SetCont ensures the first size bytes of buf are physically contiguous
// in a single head block, consolidating blocks if necessary. Used before
// casting the head to a packed header struct.
func (m *Manager) SetCont(buf *Buf, size int, tmoMs int) error {
	if size > buf.totalSize {
		return fmt.Errorf("pktbuf: %w", nerr.ErrSize)
	}
	if size <= buf.blocks[0].size {
		return nil
	}
	if size > m.blockSize {
		return fmt.Errorf("pktbuf: contiguous region %d exceeds block size %d: %w", size, m.blockSize, nerr.ErrSize)
	}
	saved := make([]byte, size)
	savedCurPos := buf.curPos
	buf.curBlock, buf.curOff, buf.curPos = 0, 0, 0
	if err := m.Read(buf, saved, size); err != nil {
		return err
	}
	if err := m.RemoveHeader(buf, size); err != nil {
		return err
	}
	blk, err := m.allocBlock(tmoMs)
	if err != nil {
		return err
	}
	blk.data = m.blockSize - size
	blk.size = size
	copy(blk.storage[blk.data:blk.data+size], saved)
	buf.blocks = append([]*Block{blk}, buf.blocks...)
	buf.totalSize += size

	if savedCurPos <= size {
		buf.curBlock, buf.curOff, buf.curPos = 0, savedCurPos, savedCurPos
	} else {
		buf.curBlock, buf.curOff, buf.curPos = 0, 0, 0
		m.Seek(buf, savedCurPos)
	}
	return nil
}

// Seek repositions buf's cursor to the given absolute offset.
func (m *Manager) Seek(buf *Buf, offset int) error {
	if offset < 0 || offset > buf.totalSize {
		return fmt.Errorf("pktbuf: %w", nerr.ErrParam)
	}
	blockIdx, blockOff, remaining := 0, 0, offset
	for blockIdx < len(buf.blocks) && remaining >= buf.blocks[blockIdx].size {
		remaining -= buf.blocks[blockIdx].size
		blockIdx++
	}
	blockOff = remaining
	buf.curBlock, buf.curOff, buf.curPos = blockIdx, blockOff, offset
	return nil
}

// ResetAcc seeks buf's cursor back to 0.
func (m *Manager) ResetAcc(buf *Buf) { buf.curBlock, buf.curOff, buf.curPos = 0, 0, 0 }

// Write copies n bytes from src into buf at the cursor, advancing it,
// crossing block boundaries transparently.
func (m *Manager) Write(buf *Buf, src []byte, n int) error {
	if n > len(src) || buf.curPos+n > buf.totalSize {
		return fmt.Errorf("pktbuf: %w", nerr.ErrSize)
	}
	written := 0
	for written < n {
		blk := buf.blocks[buf.curBlock]
		avail := blk.size - buf.curOff
		chunk := n - written
		if chunk > avail {
			chunk = avail
		}
		copy(blk.storage[blk.data+buf.curOff:blk.data+buf.curOff+chunk], src[written:written+chunk])
		written += chunk
		buf.curOff += chunk
		buf.curPos += chunk
		if buf.curOff == blk.size && written < n {
			buf.curBlock++
			buf.curOff = 0
		}
	}
	return nil
}

// Read copies n bytes from buf's cursor into dest, advancing the cursor.
func (m *Manager) Read(buf *Buf, dest []byte, n int) error {
	if n > len(dest) || buf.curPos+n > buf.totalSize {
		return fmt.Errorf("pktbuf: %w", nerr.ErrSize)
	}
	read := 0
	for read < n {
		blk := buf.blocks[buf.curBlock]
		avail := blk.size - buf.curOff
		chunk := n - read
		if chunk > avail {
			chunk = avail
		}
		copy(dest[read:read+chunk], blk.storage[blk.data+buf.curOff:blk.data+buf.curOff+chunk])
		read += chunk
		buf.curOff += chunk
		buf.curPos += chunk
		if buf.curOff == blk.size && read < n {
			buf.curBlock++
			buf.curOff = 0
		}
	}
	return nil
}

// Copy transfers n bytes from src's cursor position to dest's cursor
// position, advancing both.
func (m *Manager) Copy(dest, src *Buf, n int) error {
	tmp := make([]byte, n)
	if err := m.Read(src, tmp, n); err != nil {
		return err
	}
	return m.Write(dest, tmp, n)
}

// Fill writes n copies of value starting at buf's cursor, advancing it.
func (m *Manager) Fill(buf *Buf, value byte, n int) error {
	if buf.curPos+n > buf.totalSize {
		return fmt.Errorf("pktbuf: %w", nerr.ErrSize)
	}
	written := 0
	for written < n {
		blk := buf.blocks[buf.curBlock]
		avail := blk.size - buf.curOff
		chunk := n - written
		if chunk > avail {
			chunk = avail
		}
		region := blk.storage[blk.data+buf.curOff : blk.data+buf.curOff+chunk]
		for i := range region {
			region[i] = value
		}
		written += chunk
		buf.curOff += chunk
		buf.curPos += chunk
		if buf.curOff == blk.size && written < n {
			buf.curBlock++
			buf.curOff = 0
		}
	}
	return nil
}

// Checksum16 computes the RFC1071 one's-complement sum of n bytes
// starting at buf's cursor, without moving the cursor, seeded by
// initial and optionally complemented.
func (m *Manager) Checksum16(buf *Buf, n int, initial uint32, complement bool) (uint16, error) {
	if buf.curPos+n > buf.totalSize {
		return 0, fmt.Errorf("pktbuf: %w", nerr.ErrSize)
	}
	curBlock, curOff, remaining := buf.curBlock, buf.curOff, n
	sum := initial
	carryByte := false // true if an odd-length previous block left a dangling high byte
	var pending byte

	for remaining > 0 {
		blk := buf.blocks[curBlock]
		avail := blk.size - curOff
		chunk := remaining
		if chunk > avail {
			chunk = avail
		}
		region := blk.storage[blk.data+curOff : blk.data+curOff+chunk]
		i := 0
		if carryByte {
			sum += uint32(pending)<<8 | uint32(region[0])
			i = 1
			carryByte = false
		}
		for ; i+1 < len(region); i += 2 {
			sum += uint32(region[i])<<8 | uint32(region[i+1])
		}
		if i < len(region) {
			pending = region[i]
			carryByte = true
		}
		remaining -= chunk
		curOff += chunk
		if curOff == blk.size && remaining > 0 {
			curBlock++
			curOff = 0
		}
	}
	if carryByte {
		sum += uint32(pending) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	result := uint16(sum)
	if complement {
		result = ^result
	}
	return result, nil
}
