// Package nerr defines the error kinds shared across every layer of the
// stack. The original course implementation (see original_source/) returns
// a signed int net_err_t from nearly every function; we keep the same small,
// closed set of kinds but express them as a Code that implements the error
// interface, so callers can use errors.Is against the sentinels below
// instead of comparing magic numbers.
package nerr

import "fmt"

// Code is one of the fixed error kinds produced anywhere in the stack.
type Code int

// Kinds, matching spec.md section 7. NeedWait is not a failure: it tells the
// worker that a wait object has been installed on the calling sock and the
// API layer should block on it rather than treat the call as complete.
const (
	NeedWait Code = 1
	OK       Code = 0

	ErrSys        Code = -1
	ErrMem        Code = -2
	ErrFull       Code = -3
	ErrTmo        Code = -4
	ErrNone       Code = -5
	ErrSize       Code = -6
	ErrParam      Code = -7
	ErrExist      Code = -8
	ErrState      Code = -9
	ErrIO         Code = -10
	ErrNotSupport Code = -11
	ErrUnreach    Code = -14
	ErrChksum     Code = -15
	ErrConnected  Code = -19
	ErrReset      Code = -20
	ErrBroken     Code = -21
)

var names = map[Code]string{
	NeedWait:      "need_wait",
	OK:            "ok",
	ErrSys:        "sys",
	ErrMem:        "mem",
	ErrFull:       "full",
	ErrTmo:        "tmo",
	ErrNone:       "none",
	ErrSize:       "size",
	ErrParam:      "param",
	ErrExist:      "exist",
	ErrState:      "state",
	ErrIO:         "io",
	ErrNotSupport: "not_support",
	ErrUnreach:    "unreach",
	ErrChksum:     "chksum",
	ErrConnected:  "connected",
	ErrReset:      "reset",
	ErrBroken:     "broken",
}

func (c Code) Error() string {
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("net_err(%d)", int(c))
}

// Ok reports whether err is nil or the OK sentinel.
func Ok(err error) bool {
	if err == nil {
		return true
	}
	c, ok := err.(Code)
	return ok && c == OK
}

// Is lets errors.Is(err, nerr.ErrTmo) work even though Code is a plain int
// type rather than a pointer sentinel.
func (c Code) Is(target error) bool {
	t, ok := target.(Code)
	return ok && t == c
}
