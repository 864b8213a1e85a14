// Package uuid mints short, sortable correlation IDs for logging and
// debug output: one per TCB and one per ARP cache entry, so a `dbg.On`
// trace can follow a single connection or resolution across many log
// lines without printing a pointer address. Grounded on the rest of the
// example pack's use of github.com/rs/xid for exactly this purpose
// (compact, k-sortable, allocation-free IDs) rather than a full RFC 4122
// UUID library, which the original tcp-info's uuid package pulled in for
// a different job (host+boot+socket-cookie flow identification this
// stack has no analogue of).
package uuid

import "github.com/rs/xid"

// New mints a new correlation ID.
func New() string {
	return xid.New().String()
}
