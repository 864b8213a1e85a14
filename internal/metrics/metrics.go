// Package metrics defines the Prometheus metric types used throughout the
// stack and is deliberately flat, mirroring the teacher's metrics package:
// one file, one var block, no registry indirection, init() log line so it's
// obvious from the logs when metrics got wired up.
package metrics

import (
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PktbufBlocksInUse tracks live pktbuf blocks checked out of the pool.
	PktbufBlocksInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "netstack_pktbuf_blocks_in_use",
		Help: "Number of pktbuf blocks currently checked out of the mblock pool.",
	})

	// PktbufBufsInUse tracks live pktbuf headers checked out of the pool.
	PktbufBufsInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "netstack_pktbuf_bufs_in_use",
		Help: "Number of pktbuf headers currently checked out of the mblock pool.",
	})

	// FixqDepth tracks the current depth of a bounded queue, labeled by name
	// (e.g. "eth0.in", "eth0.out", "worker.inbox").
	FixqDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "netstack_fixq_depth",
		Help: "Current number of queued pointers in a fixq.",
	}, []string{"queue"})

	// ArpCacheSize tracks the number of non-free ARP cache entries.
	ArpCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "netstack_arp_cache_size",
		Help: "Number of resolved or waiting entries in the ARP cache.",
	})

	// ArpRequestsSent counts outbound ARP requests.
	ArpRequestsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netstack_arp_requests_total",
		Help: "Number of ARP requests transmitted.",
	})

	// ArpRepliesSent counts outbound ARP replies.
	ArpRepliesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netstack_arp_replies_total",
		Help: "Number of ARP replies transmitted.",
	})

	// IPReassemblyRecords tracks active IPv4 reassembly records.
	IPReassemblyRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "netstack_ip_reassembly_records",
		Help: "Number of in-progress IPv4 reassembly records.",
	})

	// IPFragmentsDropped counts fragments dropped for any reason (aged out,
	// table full, duplicate/overlap).
	IPFragmentsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netstack_ip_fragments_dropped_total",
		Help: "Number of IPv4 fragments dropped, by reason.",
	}, []string{"reason"})

	// TCPRetransmits counts TCP retransmissions.
	TCPRetransmits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netstack_tcp_retransmits_total",
		Help: "Number of TCP segments retransmitted.",
	})

	// TCPStateTransitions counts transitions into each TCP state.
	TCPStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netstack_tcp_state_transitions_total",
		Help: "Number of times a TCP control block entered a given state.",
	}, []string{"state"})

	// TCPConnectionsActive tracks TCBs not in the free state.
	TCPConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "netstack_tcp_connections_active",
		Help: "Number of TCP control blocks currently in use.",
	})

	// UDPChecksumErrors counts inbound UDP datagrams dropped for a bad
	// pseudo-header checksum.
	UDPChecksumErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netstack_udp_checksum_errors_total",
		Help: "Number of inbound UDP datagrams dropped for a checksum mismatch.",
	})

	// UDPPortUnreachable counts datagrams that found no bound socket.
	UDPPortUnreachable = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netstack_udp_port_unreachable_total",
		Help: "Number of inbound UDP datagrams with no matching socket.",
	})

	// WorkerQueueDepth tracks the exmsg worker inbox depth.
	WorkerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "netstack_worker_queue_depth",
		Help: "Current depth of the protocol worker's inbox.",
	})

	// WorkerDispatchSeconds tracks per-message dispatch latency.
	WorkerDispatchSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "netstack_worker_dispatch_seconds",
		Help:    "Time spent dispatching a single worker message.",
		Buckets: prometheus.ExponentialBuckets(0.00001, 2, 16),
	})
)

func init() {
	log.Println("Prometheus metrics in netstack.metrics are registered.")
}
