// echoserver is a smoke-test application for package socket: it boots a
// loopback stack, listens on a TCP port, and echoes back whatever each
// connected client sends until the client closes the connection. It
// exercises the full socket/exmsg/tcp path spec.md §8's scenario 4
// describes, the same way a hand-run client/server pair would during
// development of the original course's socket.c layer.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

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
	ifName = flag.String("iface", "lo", "loopback interface name")
	ifIP   = flag.String("ip", "127.0.0.1", "interface IPv4 address")
	port   = flag.Int("port", 7, "TCP port to listen on")
)

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not parse flags from environment")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	listener, err := st.Socket.Socket(sock.AFInet, sock.TypeStream, 0)
	rtx.Must(err, "Could not create listening socket")
	rtx.Must(listener.Bind(ipaddr.MustParse(*ifIP), uint16(*port)), "Could not bind to port %d", *port)
	rtx.Must(listener.Listen(8), "Could not listen on port %d", *port)
	log.Printf("echoserver: listening on %s:%d", *ifIP, *port)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Printf("echoserver: Accept: %v, exiting", err)
			return
		}
		go serve(conn)
	}
}

func serve(conn interface {
	Read([]byte) (int, error)
	Write([]byte) (int, error)
	Close() error
	RemoteAddr() (ipaddr.Addr, uint16)
}) {
	defer conn.Close()
	ip, p := conn.RemoteAddr()
	log.Printf("echoserver: connection from %s:%d", ip, p)
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			log.Printf("echoserver: %s:%d closed: %v", ip, p, err)
			return
		}
		if _, err := conn.Write(buf[:n]); err != nil {
			log.Printf("echoserver: %s:%d write failed: %v", ip, p, err)
			return
		}
	}
}
