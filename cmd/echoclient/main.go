// echoclient is echoserver's counterpart: it connects over TCP, writes
// -message, reads the echoed reply, and exits — a minimal round trip
// through package socket exercising Connect/Write/Read/Close end to end.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/netstack/config"
	"github.com/m-lab/netstack/internal/stackboot"
	"github.com/m-lab/netstack/ipaddr"
	"github.com/m-lab/netstack/sock"
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	ifName     = flag.String("iface", "lo", "loopback interface name")
	ifIP       = flag.String("ip", "127.0.0.2", "client interface IPv4 address")
	serverIP   = flag.String("server-ip", "127.0.0.1", "server IPv4 address")
	serverPort = flag.Int("server-port", 7, "server TCP port")
	message    = flag.String("message", "hello, netstack", "message to send and expect echoed back")
)

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not parse flags from environment")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := stackboot.Build(config.Default(), stackboot.IfaceParams{
		Driver:  "loop",
		Name:    *ifName,
		IP:      *ifIP,
		Netmask: "255.0.0.0",
		Gateway: "0.0.0.0",
		MTU:     1500,
	})
	rtx.Must(err, "Could not build stack on interface %s", *ifName)
	go st.Worker.Run(ctx)

	conn, err := st.Socket.Socket(sock.AFInet, sock.TypeStream, 0)
	rtx.Must(err, "Could not create socket")
	rtx.Must(conn.SetSockOpt(sock.SolSocket, sock.SoRcvTimeo, 5000), "Could not set receive timeout")

	dst := ipaddr.MustParse(*serverIP)
	rtx.Must(conn.Connect(dst, uint16(*serverPort)), "Could not connect to %s:%d", dst, *serverPort)
	log.Printf("echoclient: connected to %s:%d", dst, *serverPort)

	_, err = conn.Write([]byte(*message))
	rtx.Must(err, "Could not write message")

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	rtx.Must(err, "Could not read echoed reply")
	reply := string(buf[:n])
	if reply != *message {
		log.Fatalf("echoclient: expected echo %q, got %q", *message, reply)
	}
	fmt.Printf("echoclient: received echo: %q\n", reply)

	rtx.Must(conn.Close(), "Could not close connection")
	time.Sleep(50 * time.Millisecond)
	rtx.Must(st.Netif.Close(st.Iface), "Could not close interface %s cleanly", *ifName)
}
