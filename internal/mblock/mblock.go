// Package mblock is a fixed-capacity object pool, the Go equivalent of the
// original course's mblock.c: it carves a bounded number of same-typed
// slots out up front and hands out/reclaims them by index instead of by
// raw pointer arithmetic, so every other pool in the stack (pktbuf blocks,
// pktbuf headers, ARP entries, TCBs, raw/udp socks) can be built on the
// same allocate/free/block-with-timeout primitive.
package mblock

import (
	"sync"
	"time"

	"github.com/m-lab/netstack/nerr"
)

// LockMode selects how a Pool serializes concurrent access. The original
// offered NLOCKER_NONE/NLOCKER_THREAD/NLOCKER_INT; a Go port only needs
// the first two, since there is no bare-metal ISR path here.
type LockMode int

const (
	// LockNone assumes the caller already serializes access (e.g. a Pool
	// owned outright by the single protocol worker).
	LockNone LockMode = iota
	// LockMutex guards free-list mutation with a sync.Mutex and makes
	// Alloc block-capable via a counting semaphore.
	LockMutex
)

// Pool is a bounded set of T slots, allocated and freed by index.
type Pool[T any] struct {
	mode LockMode
	mu   sync.Mutex
	sem  chan struct{} // one token per free slot; only used under LockMutex

	slots  []T
	free   []int // stack of free slot indices
	inUse  []bool
}

// New creates a Pool with room for capacity values of T.
func New[T any](capacity int, mode LockMode) *Pool[T] {
	p := &Pool[T]{
		mode:  mode,
		slots: make([]T, capacity),
		free:  make([]int, capacity),
		inUse: make([]bool, capacity),
	}
	for i := 0; i < capacity; i++ {
		p.free[i] = capacity - 1 - i
	}
	if mode == LockMutex {
		p.sem = make(chan struct{}, capacity)
		for i := 0; i < capacity; i++ {
			p.sem <- struct{}{}
		}
	}
	return p
}

// Cap returns the pool's total capacity.
func (p *Pool[T]) Cap() int { return len(p.slots) }

// InUse returns the number of slots currently allocated.
func (p *Pool[T]) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots) - len(p.free)
}

// Alloc reserves a slot and returns its index and a pointer to its zero
// value. tmo follows spec.md's convention: tmo > 0 blocks up to that many
// milliseconds for a free slot; tmo <= 0 makes a single non-blocking
// attempt. Returns nerr.ErrTmo on timeout, nerr.ErrMem if the pool is
// exhausted and non-blocking was requested.
func (p *Pool[T]) Alloc(tmoMs int) (int, *T, error) {
	if p.mode == LockMutex {
		if tmoMs > 0 {
			select {
			case <-p.sem:
			case <-time.After(time.Duration(tmoMs) * time.Millisecond):
				return -1, nil, nerr.ErrTmo
			}
		} else {
			select {
			case <-p.sem:
			default:
				return -1, nil, nerr.ErrMem
			}
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return -1, nil, nerr.ErrMem
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.inUse[idx] = true
	p.slots[idx] = *new(T)
	return idx, &p.slots[idx], nil
}

// Get returns the slot at idx without allocating it.
func (p *Pool[T]) Get(idx int) *T {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &p.slots[idx]
}

// Free releases idx back to the pool.
func (p *Pool[T]) Free(idx int) {
	p.mu.Lock()
	if !p.inUse[idx] {
		p.mu.Unlock()
		return
	}
	p.inUse[idx] = false
	p.free = append(p.free, idx)
	p.mu.Unlock()

	if p.mode == LockMutex {
		p.sem <- struct{}{}
	}
}
