// Package clock is the platform-facing monotonic millisecond clock
// spec.md section 6 requires as a host primitive. A real port reads a
// monotonic counter off the kernel; Go's time.Now already is monotonic,
// so this is a thin wrapper other packages depend on instead of calling
// time.Now directly.
package clock

import "time"

// Source yields monotonic milliseconds; tests substitute a fake.
type Source interface {
	NowMs() int64
}

type systemClock struct{ start time.Time }

// System is the real monotonic clock, zeroed at process start.
var System Source = systemClock{start: time.Now()}

func (c systemClock) NowMs() int64 { return time.Since(c.start).Milliseconds() }
