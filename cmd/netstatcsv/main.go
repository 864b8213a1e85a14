// netstatcsv boots a stack instance, lets it run for -duration, and
// writes a CSV snapshot of every open socket to stdout — a live,
// in-process analogue of the `ss`/netstat tables the original tcp-info
// tool harvested from the kernel with NETLINK_INET_DIAG, reshaped to
// this stack's own in-memory socket tables. Grounded on
// _examples/m-lab-tcp-info/cmd/csvtool/main.go's use of gocarina/gocsv
// to marshal a slice of records straight to stdout.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/netstack/config"
	"github.com/m-lab/netstack/internal/stackboot"
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	driverName = flag.String("driver", "loop", "NIC plugin to bind the interface to: loop, pcap, afpacket")
	ifName     = flag.String("iface", "eth0", "interface name to register in the netif table")
	ifIP       = flag.String("ip", "10.0.0.2", "interface IPv4 address")
	ifNetmask  = flag.String("netmask", "255.255.255.0", "interface netmask")
	ifGateway  = flag.String("gateway", "0.0.0.0", "default gateway, 0.0.0.0 for none")
	ifMTU      = flag.Int("mtu", 1500, "interface MTU")
	pcapDevice = flag.String("pcap-device", "", "host device name to capture on, when -driver=pcap")
	afIfIndex  = flag.Int("af-ifindex", 0, "kernel interface index to bind to, when -driver=afpacket")
	duration   = flag.Duration("duration", time.Second, "how long to run the stack before snapshotting")
)

// csvRow is the flattened, gocsv-tagged shape of a socket.Snapshot: gocsv
// marshals exported struct fields by their `csv` tag, not arbitrary types,
// so addresses/ports are stringified here rather than in package socket.
type csvRow struct {
	Protocol   string `csv:"protocol"`
	LocalAddr  string `csv:"local_addr"`
	LocalPort  uint16 `csv:"local_port"`
	RemoteAddr string `csv:"remote_addr"`
	RemotePort uint16 `csv:"remote_port"`
	State      string `csv:"state"`
	RecvQueued int    `csv:"recv_queued"`
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not parse flags from environment")

	st, err := stackboot.Build(config.Default(), stackboot.IfaceParams{
		Driver:     *driverName,
		Name:       *ifName,
		IP:         *ifIP,
		Netmask:    *ifNetmask,
		Gateway:    *ifGateway,
		MTU:        *ifMTU,
		PcapDevice: *pcapDevice,
		AfIfIndex:  *afIfIndex,
	})
	rtx.Must(err, "Could not build stack on interface %s", *ifName)

	ctx, cancel := context.WithCancel(context.Background())
	go st.Worker.Run(ctx)
	time.Sleep(*duration)

	snap := st.Socket.Snapshot()
	cancel()
	rtx.Must(st.Netif.Close(st.Iface), "Could not close interface %s cleanly", *ifName)

	rows := make([]*csvRow, 0, len(snap))
	for _, s := range snap {
		rows = append(rows, &csvRow{
			Protocol:   s.Protocol,
			LocalAddr:  s.LocalIP.String(),
			LocalPort:  s.LocalPort,
			RemoteAddr: s.RemoteIP.String(),
			RemotePort: s.RemotePort,
			State:      s.State,
			RecvQueued: s.RecvQueued,
		})
	}
	rtx.Must(gocsv.Marshal(rows, os.Stdout), "Could not write CSV")
}
