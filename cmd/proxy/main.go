// Command proxy is a transparent TCP relay built on cwsp, adapted from
// the teacher's example/httpserver.go structure but using
// Connection.CopyAllFrom for a zero-copy splice in each direction instead
// of parsing the traffic.
package main

import (
	"flag"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/wilsoncpw/cwspsockets"
)

// pairing tracks, for each downstream Connection, the upstream Connection
// dialed on its behalf (nil until the dial completes), so AsyncHasData can
// relay client->upstream traffic for the life of the pairing rather than
// just once at setup.
type pairing struct {
	dialer   *cwsp.Dialer
	upstream string
	upPort   int

	mu     sync.Mutex
	paired map[*cwsp.Connection]*cwsp.Connection
}

func (p *pairing) AsyncConnected(down *cwsp.Connection) {
	up := make(chan *cwsp.Connection, 1)
	_ = p.dialer.Connect(p.upstream, p.upPort, cwsp.IPv4, cwsp.TCP, 0, &upstreamDelegate{down: down, ready: up}, nil)

	go func() {
		upConn := <-up
		down.SetContext(upConn.Host())
		p.mu.Lock()
		p.paired[down] = upConn
		p.mu.Unlock()
		// Flush whatever the client already sent while the dial was in
		// flight; every byte after this is relayed by AsyncHasData/HasData.
		relayPump(down, upConn)
		relayPump(upConn, down)
	}()
}

func (p *pairing) AsyncDisconnected(down *cwsp.Connection) {
	p.mu.Lock()
	delete(p.paired, down)
	p.mu.Unlock()
}

// AsyncHasData relays newly arrived client bytes upstream. If the upstream
// dial hasn't completed yet, the bytes stay buffered in down's rx ring and
// are flushed by AsyncConnected's own relayPump once it does.
func (p *pairing) AsyncHasData(down *cwsp.Connection) {
	p.mu.Lock()
	up := p.paired[down]
	p.mu.Unlock()
	if up != nil {
		relayPump(down, up)
	}
}

func (p *pairing) AsyncStopped() {}

// relayPump splices whatever src.rx currently has into dst.tx via
// CopyAllFrom; it runs once per AsyncHasData/HasData callback on either
// side of a pairing, so a full bidirectional relay is just this being
// invoked from both directions as traffic arrives.
func relayPump(src, dst *cwsp.Connection) {
	if _, err := dst.CopyAllFrom(src); err != nil {
		fmt.Fprintln(os.Stderr, "relay failed:", err)
	}
}

type upstreamDelegate struct {
	down  *cwsp.Connection
	ready chan *cwsp.Connection
}

func (d *upstreamDelegate) Connected(up *cwsp.Connection) { d.ready <- up }
func (d *upstreamDelegate) Disconnected(*cwsp.Connection) {}
func (d *upstreamDelegate) HasData(up *cwsp.Connection) {
	relayPump(up, d.down)
}
func (d *upstreamDelegate) ConnectionFailed(host string, port int, _ cwsp.Family, _ cwsp.Proto, err error) {
	fmt.Fprintf(os.Stderr, "upstream %s:%d failed: %v\n", host, port, err)
}

func main() {
	listenPort := flag.Int("listen", 9001, "local TCP port to accept on")
	upstream := flag.String("upstream", "127.0.0.1", "upstream host")
	upstreamPort := flag.Int("upstream-port", 9000, "upstream TCP port")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	opts := cwsp.DefaultSocketOptions()

	dialer, err := cwsp.NewDialer(opts, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dialer setup failed:", err)
		os.Exit(1)
	}

	p := &pairing{dialer: dialer, upstream: *upstream, upPort: *upstreamPort, paired: make(map[*cwsp.Connection]*cwsp.Connection)}
	server := cwsp.NewAcceptor(*listenPort, cwsp.IPv4, p, opts, logger)
	if err := server.Start(); err != nil {
		fmt.Fprintln(os.Stderr, "start failed:", err)
		os.Exit(1)
	}
	fmt.Printf("proxying :%d -> %s:%d\n", *listenPort, *upstream, *upstreamPort)

	select {}
}
