// Command echoserver is a line-oriented echo server built on cwsp,
// adapted from the teacher's example/echoserver.go OnTraffic/Echo idiom:
// every line the client sends is written straight back.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/wilsoncpw/cwspsockets"
)

type echoDelegate struct{}

func (echoDelegate) AsyncConnected(conn *cwsp.Connection) {
	fmt.Println("connected:", conn.Host())
}

func (echoDelegate) AsyncDisconnected(conn *cwsp.Connection) {
	fmt.Println("disconnected:", conn.Host())
}

func (echoDelegate) AsyncHasData(conn *cwsp.Connection) {
	for {
		line, ok := conn.ReadLine()
		if !ok {
			return
		}
		if err := conn.WriteLine(line); err != nil {
			fmt.Fprintln(os.Stderr, "write failed:", err)
			return
		}
	}
}

func (echoDelegate) AsyncStopped() {
	fmt.Println("server stopped")
}

func main() {
	port := flag.Int("port", 9000, "TCP port to listen on")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	opts := cwsp.DefaultSocketOptions()
	opts.ReusePort = true

	server := cwsp.NewAcceptor(*port, cwsp.IPv4, echoDelegate{}, opts, logger)
	if err := server.Start(); err != nil {
		fmt.Fprintln(os.Stderr, "start failed:", err)
		os.Exit(1)
	}
	fmt.Printf("echoing on :%d\n", *port)

	select {}
}
