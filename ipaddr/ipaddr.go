// Package ipaddr is a minimal fixed-size IPv4 address type, the Go port
// of the original course's ipaddr_t (a plain 4-byte array wrapped with
// to-string/from-string/subnet helpers), used throughout netif, ipv4,
// and the socket layer instead of reaching for net.IP's variable-length
// representation.
package ipaddr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/m-lab/netstack/nerr"
)

// Addr is a 4-byte IPv4 address, network byte order.
type Addr [4]byte

// Any is 0.0.0.0.
var Any = Addr{0, 0, 0, 0}

// Broadcast is 255.255.255.255.
var Broadcast = Addr{255, 255, 255, 255}

// Parse converts a dotted-quad string into an Addr.
func Parse(s string) (Addr, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return Addr{}, fmt.Errorf("ipaddr: %q: %w", s, nerr.ErrParam)
	}
	var a Addr
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 || v > 255 {
			return Addr{}, fmt.Errorf("ipaddr: %q: %w", s, nerr.ErrParam)
		}
		a[i] = byte(v)
	}
	return a, nil
}

// MustParse is Parse but panics on error; useful for static addresses in
// tests and default configs.
func MustParse(s string) Addr {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String renders the address as a dotted quad.
func (a Addr) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", a[0], a[1], a[2], a[3])
}

// IsAny reports whether a is 0.0.0.0.
func (a Addr) IsAny() bool { return a == Any }

// IsBroadcast reports whether a is the limited broadcast address.
func (a Addr) IsBroadcast() bool { return a == Broadcast }

// Uint32 returns the address as a big-endian-ordered uint32.
func (a Addr) Uint32() uint32 {
	return uint32(a[0])<<24 | uint32(a[1])<<16 | uint32(a[2])<<8 | uint32(a[3])
}

// FromUint32 builds an Addr from a big-endian-ordered uint32.
func FromUint32(v uint32) Addr {
	return Addr{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// Mask applies a subnet mask to a, producing its network address.
func (a Addr) Mask(mask Addr) Addr {
	return FromUint32(a.Uint32() & mask.Uint32())
}

// SameSubnet reports whether a and b share the network given by mask.
func (a Addr) SameSubnet(b, mask Addr) bool {
	return a.Mask(mask) == b.Mask(mask)
}

// IsDirectedBroadcast reports whether a is the all-ones host address
// within the subnet described by netAddr/mask.
func (a Addr) IsDirectedBroadcast(netAddr, mask Addr) bool {
	broadcast := FromUint32(netAddr.Uint32() | ^mask.Uint32())
	return a == broadcast
}

// PrefixLen returns the number of leading one-bits in mask (CIDR length).
func (a Addr) PrefixLen() int {
	v := a.Uint32()
	n := 0
	for i := 31; i >= 0; i-- {
		if v&(1<<uint(i)) == 0 {
			break
		}
		n++
	}
	return n
}
