// Package config collects every compile-time tunable the original course
// exposed through net_cfg.h into a single struct built at process startup,
// so cmd/netstackd can override defaults with flags instead of recompiling.
package config

import "time"

// Config holds every sizing/timeout knob named in spec.md section 6.
type Config struct {
	// pktbuf / mblock
	PktbufBlockSize int
	PktbufBlockCnt  int
	PktbufBufCnt    int

	// netif
	NetifNameSize int
	NetifMaxCnt   int
	NetifInQSize  int
	NetifOutQSize int

	// timer
	TimerScanPeriod time.Duration

	// ARP
	ArpCacheSize       int
	ArpMaxPktWait      int
	ArpEntryStableTMO  time.Duration
	ArpEntryPendingTMO time.Duration
	ArpEntryRetryCnt   int
	ArpTimerPeriod     time.Duration

	// IPv4 reassembly + routing
	IPFragsMaxNr       int
	IPFragMaxBufNr     int
	IPFragScanPeriod   time.Duration
	IPFragTMO          time.Duration
	IPRouteTableSize   int
	IPDefaultTTL       uint8

	// raw / udp / tcp sock limits
	RawMaxNr     int
	RawMaxRecv   int
	UDPMaxNr     int
	UDPMaxRecv   int
	TCPMaxNr     int
	TCPSndBufSize int
	TCPRcvBufSize int

	// worker
	ExmsgQueueDepth int

	// per-module debug switches, by component name (see internal/dbg)
	Debug []string
}

// Default returns the stack's out-of-the-box sizing, matching the values
// the original net_cfg.h shipped (scaled up from its toy ARP_CACHE_SIZE=2
// demo value to something a real stack would use).
func Default() Config {
	return Config{
		PktbufBlockSize: 1516,
		PktbufBlockCnt:  1024,
		PktbufBufCnt:    512,

		NetifNameSize: 16,
		NetifMaxCnt:   4,
		NetifInQSize:  128,
		NetifOutQSize: 128,

		TimerScanPeriod: 500 * time.Millisecond,

		ArpCacheSize:       64,
		ArpMaxPktWait:      5,
		ArpEntryStableTMO:  20 * time.Minute,
		ArpEntryPendingTMO: 3 * time.Second,
		ArpEntryRetryCnt:   5,
		ArpTimerPeriod:     time.Second,

		IPFragsMaxNr:     32,
		IPFragMaxBufNr:   10,
		IPFragScanPeriod: time.Second,
		IPFragTMO:        30 * time.Second,
		IPRouteTableSize: 32,
		IPDefaultTTL:     64,

		RawMaxNr:   8,
		RawMaxRecv: 64,
		UDPMaxNr:   64,
		UDPMaxRecv: 64,

		TCPMaxNr:      256,
		TCPSndBufSize: 8192,
		TCPRcvBufSize: 8192,

		ExmsgQueueDepth: 256,
	}
}
