// Package tools holds the small stateless helpers every layer above it
// needs: network/host byte order conversions and the 16-bit one's
// complement checksum used by IPv4, ICMP, UDP and TCP. It is the Go
// equivalent of the original course's tools.c/tools.h.
package tools

import "encoding/binary"

// Htons converts a uint16 from host to network byte order.
func Htons(v uint16) uint16 { return v }

// Ntohs converts a uint16 from network to host byte order. Network byte
// order is always big-endian; since this package always treats values as
// host-native once decoded, Htons/Ntohs are identities that exist purely
// to mark call sites the way the original C macros did and to centralize
// the one place the choice would change on a big-endian host.
func Ntohs(v uint16) uint16 { return v }

// Htonl converts a uint32 from host to network byte order.
func Htonl(v uint32) uint32 { return v }

// Ntohl converts a uint32 from network to host byte order.
func Ntohl(v uint32) uint32 { return v }

// PutUint16 writes v to b in network byte order.
func PutUint16(b []byte, v uint16) { binary.BigEndian.PutUint16(b, v) }

// PutUint32 writes v to b in network byte order.
func PutUint32(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }

// GetUint16 reads a network-byte-order uint16 from b.
func GetUint16(b []byte) uint16 { return binary.BigEndian.Uint16(b) }

// GetUint32 reads a network-byte-order uint32 from b.
func GetUint32(b []byte) uint32 { return binary.BigEndian.Uint32(b) }

// Checksum16 computes the RFC 1071 one's complement sum over buf, seeded
// with initial (itself the result of a previous partial sum, e.g. the
// IPv4 pseudo-header), folding the carry back in. If complement is true
// the final sum is complemented, which is what every on-the-wire checksum
// field wants. pktbuf.Manager.Checksum16 computes the same sum across
// block boundaries with its own loop and does not call this function.
func Checksum16(buf []byte, initial uint32, complement bool) uint16 {
	sum := initial
	n := len(buf)
	i := 0
	for ; n > 1; n -= 2 {
		sum += uint32(buf[i])<<8 | uint32(buf[i+1])
		i += 2
	}
	if n == 1 {
		sum += uint32(buf[i]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	if complement {
		return uint16(^sum)
	}
	return uint16(sum)
}

// PseudoHeaderSum computes the partial one's complement sum of an IPv4
// pseudo-header (source, destination, zero, protocol, length), suitable as
// the initial seed passed to Checksum16 when checksumming a UDP or TCP
// segment.
func PseudoHeaderSum(srcIP, dstIP [4]byte, protocol uint8, length uint16) uint32 {
	var sum uint32
	sum += uint32(srcIP[0])<<8 | uint32(srcIP[1])
	sum += uint32(srcIP[2])<<8 | uint32(srcIP[3])
	sum += uint32(dstIP[0])<<8 | uint32(dstIP[1])
	sum += uint32(dstIP[2])<<8 | uint32(dstIP[3])
	sum += uint32(protocol)
	sum += uint32(length)
	return sum
}
