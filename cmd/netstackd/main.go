// netstackd is the stack's bootstrap binary: it builds every layer
// (pktbuf/netif/ARP/Ethernet/IPv4/ICMP/raw/UDP/TCP/exmsg/socket), opens
// one interface per the -driver flag, and runs the protocol worker until
// interrupted. Grounded on _examples/m-lab-tcp-info/main.go's flag/rtx/
// prometheusx bootstrap shape, adapted from a netlink-collector pipeline
// to this stack's worker-and-interface lifecycle.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/netstack/config"
	"github.com/m-lab/netstack/internal/dbg"
	"github.com/m-lab/netstack/internal/stackboot"
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	promPort = flag.String("prom", ":9090", "Prometheus metrics export address and port")
	debug    = flag.String("debug", "", "comma-separated list of components to log verbosely (e.g. arp,tcp)")

	driverName = flag.String("driver", "loop", "NIC plugin to bind the interface to: loop, pcap, afpacket")
	ifName     = flag.String("iface", "eth0", "interface name to register in the netif table")
	ifIP       = flag.String("ip", "10.0.0.2", "interface IPv4 address")
	ifNetmask  = flag.String("netmask", "255.255.255.0", "interface netmask")
	ifGateway  = flag.String("gateway", "0.0.0.0", "default gateway, 0.0.0.0 for none")
	ifMTU      = flag.Int("mtu", 1500, "interface MTU")
	pcapDevice = flag.String("pcap-device", "", "host device name to capture on, when -driver=pcap")
	afIfIndex  = flag.Int("af-ifindex", 0, "kernel interface index to bind to, when -driver=afpacket")
)

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not parse flags from environment")

	cfg := config.Default()
	if *debug != "" {
		cfg.Debug = strings.Split(*debug, ",")
	}
	dbg.Set(cfg.Debug)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	promSrv := prometheusx.MustStartPrometheus(*promPort)
	defer promSrv.Shutdown(ctx)

	st, err := stackboot.Build(cfg, stackboot.IfaceParams{
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

	log.Printf("netstackd: %s up on %s/%s via driver %s", *ifName, *ifIP, *ifNetmask, *driverName)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go st.Worker.Run(ctx)

	<-sig
	log.Printf("netstackd: shutting down")
	cancel()
	rtx.Must(st.Netif.Close(st.Iface), "Could not close interface %s cleanly", *ifName)
}
