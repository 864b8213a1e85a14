// Package fixq is a bounded multi-producer/multi-consumer pointer queue,
// the Go port of the original course's fixq.c. It backs each netif's
// input/output queues and the exmsg worker's inbox.
package fixq

import (
	"sync"
	"time"

	"github.com/m-lab/netstack/nerr"
)

// Queue is a bounded circular buffer of interface{} messages.
type Queue struct {
	mu   sync.Mutex
	buf  []interface{}
	in   int
	out  int
	count int

	sendSem chan struct{} // tokens = free slots
	recvSem chan struct{} // tokens = queued messages
}

// New creates a Queue with room for size messages.
func New(size int) *Queue {
	q := &Queue{
		buf:     make([]interface{}, size),
		sendSem: make(chan struct{}, size),
		recvSem: make(chan struct{}, size),
	}
	for i := 0; i < size; i++ {
		q.sendSem <- struct{}{}
	}
	return q
}

// Len returns the number of currently queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the queue's capacity.
func (q *Queue) Cap() int { return len(q.buf) }

func waitToken(sem chan struct{}, tmoMs int, immediateErr error) error {
	if tmoMs > 0 {
		select {
		case <-sem:
			return nil
		case <-time.After(time.Duration(tmoMs) * time.Millisecond):
			return nerr.ErrTmo
		}
	}
	select {
	case <-sem:
		return nil
	default:
		return immediateErr
	}
}

// Send enqueues msg, blocking per the tmo convention shared with mblock.Alloc.
func (q *Queue) Send(msg interface{}, tmoMs int) error {
	if err := waitToken(q.sendSem, tmoMs, nerr.ErrFull); err != nil {
		return err
	}
	q.mu.Lock()
	q.buf[q.in] = msg
	q.in = (q.in + 1) % len(q.buf)
	q.count++
	q.mu.Unlock()
	q.recvSem <- struct{}{}
	return nil
}

// Recv dequeues the oldest message, blocking per the tmo convention.
func (q *Queue) Recv(tmoMs int) (interface{}, error) {
	if err := waitToken(q.recvSem, tmoMs, nerr.ErrNone); err != nil {
		return nil, err
	}
	q.mu.Lock()
	msg := q.buf[q.out]
	q.buf[q.out] = nil
	q.out = (q.out + 1) % len(q.buf)
	q.count--
	q.mu.Unlock()
	q.sendSem <- struct{}{}
	return msg, nil
}
