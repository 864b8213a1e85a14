// Package timer implements the sorted, delta-encoded software timer list
// described in spec.md's data model: a single list sorted by absolute
// expiry, where each entry stores only the delta from its predecessor, so
// a tick only ever has to decrement the head. It is the Go port of the
// original course's timer.c.
package timer

import "fmt"

// Proc is invoked when a Timer fires. arg is whatever was passed to Add.
type Proc func(arg interface{})

// Timer is one entry in the list.
type Timer struct {
	Name   string
	Reload bool
	Period int64 // reload period in milliseconds; also the initial delay
	Proc   Proc
	Arg    interface{}

	delta int64 // ms until this timer fires, counted from the previous entry
}

// List is the sorted, delta-encoded timer list. It is not safe for
// concurrent use; like every other piece of protocol state, it is owned
// exclusively by the worker goroutine.
type List struct {
	entries []*Timer
}

// New creates an empty timer list.
func New() *List {
	return &List{}
}

// Add inserts a new timer that first fires after periodMs milliseconds,
// reloading every periodMs thereafter if reload is true.
func (l *List) Add(name string, periodMs int64, reload bool, proc Proc, arg interface{}) (*Timer, error) {
	if periodMs <= 0 {
		return nil, fmt.Errorf("timer: period must be positive, got %d", periodMs)
	}
	t := &Timer{Name: name, Reload: reload, Period: periodMs, Proc: proc, Arg: arg}
	l.insert(t, periodMs)
	return t, nil
}

// insert places t into the sorted delta list so that it will fire after
// exactly deltaMs from now, adjusting the delta of the entry that used to
// follow at that point.
func (l *List) insert(t *Timer, deltaMs int64) {
	pos := 0
	remaining := deltaMs
	for pos < len(l.entries) && l.entries[pos].delta <= remaining {
		remaining -= l.entries[pos].delta
		pos++
	}
	t.delta = remaining
	if pos < len(l.entries) {
		l.entries[pos].delta -= remaining
	}
	l.entries = append(l.entries, nil)
	copy(l.entries[pos+1:], l.entries[pos:])
	l.entries[pos] = t
}

// Remove cancels t if it is still pending. It is a no-op if t already
// fired and was not reloaded.
func (l *List) Remove(t *Timer) {
	for i, e := range l.entries {
		if e == t {
			// Fold this entry's delta into the following entry so the
			// remaining absolute expiries are unaffected.
			if i+1 < len(l.entries) {
				l.entries[i+1].delta += e.delta
			}
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return
		}
	}
}

// Reset re-arms t to fire periodMs from now, without changing its
// reload/proc/arg configuration. Useful for TCP retransmit backoff.
func (l *List) Reset(t *Timer, periodMs int64) {
	l.Remove(t)
	t.Period = periodMs
	l.insert(t, periodMs)
}

// Len reports how many timers are pending.
func (l *List) Len() int { return len(l.entries) }

// Check advances the list's notion of "now" by elapsedMs and fires every
// timer (possibly more than once each, for short-period reloading timers)
// whose cumulative delta falls within that window, in expiry order.
func (l *List) Check(elapsedMs int64) {
	remaining := elapsedMs
	for len(l.entries) > 0 && l.entries[0].delta <= remaining {
		t := l.entries[0]
		remaining -= t.delta
		l.entries = l.entries[1:]

		if t.Proc != nil {
			t.Proc(t.Arg)
		}
		if t.Reload {
			l.insert(t, t.Period)
		}
	}
	if len(l.entries) > 0 {
		l.entries[0].delta -= remaining
	}
}
