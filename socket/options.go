// Package socket wraps a non-blocking POSIX socket descriptor with the
// operations spec §4.B describes (bind/listen/accept/connect/read/write)
// plus the pair of readiness sources each Connection needs. Address
// resolution, family/protocol enumeration and raw socket-option plumbing
// beyond what's listed here are treated as external collaborators per
// spec §1 and are covered by the standard library's net/unix packages.
package socket

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Family identifies the address family a Socket was created for.
type Family int

const (
	IPv4 Family = iota
	IPv6
)

// Proto identifies the transport protocol a Socket was created for. The
// Dialer rejects anything other than TCP/UDP with PROTOCOL_NOT_SUPPORTED
// (spec §4.E).
type Proto int

const (
	TCP Proto = iota
	UDP
)

func (p Proto) String() string {
	if p == UDP {
		return "udp"
	}
	return "tcp"
}

// TCPNoDelayMode controls Nagle's algorithm on a socket.
type TCPNoDelayMode int

const (
	// NoDelay disables Nagle's algorithm (the common default for
	// latency-sensitive protocols).
	NoDelay TCPNoDelayMode = iota
	// Delay leaves Nagle's algorithm enabled.
	Delay
)

// SocketOptions configures the socket-level behavior Acceptor/Dialer apply to
// every Socket they create, generalized from the teacher's
// sockets.SocketOptions.
type SocketOptions struct {
	// ReuseAddr sets SO_REUSEADDR before bind (always applied to listener
	// sockets per spec §4.B regardless of this flag; exposed here so
	// dialer-side sockets can opt in too).
	ReuseAddr bool `yaml:"reuseAddr"`

	// ReusePort sets SO_REUSEPORT, letting multiple listeners share a
	// port (e.g. one Acceptor per CPU).
	ReusePort bool `yaml:"reusePort"`

	// Backlog is the listen() backlog; <= 0 means "use the platform
	// maximum" (spec §4.B's SYS_MAX default).
	Backlog int `yaml:"backlog"`

	// TCPNoDelay controls Nagle's algorithm for TCP sockets.
	TCPNoDelay TCPNoDelayMode `yaml:"tcpNoDelay"`

	// TCPKeepAlive, if > 0, enables SO_KEEPALIVE with this probe period.
	TCPKeepAlive time.Duration `yaml:"tcpKeepAlive"`

	// Linger, if >= 0, sets SO_LINGER to this many seconds on Close.
	// Negative (the default) leaves the OS's default background-close
	// behavior in place.
	Linger int `yaml:"linger"`

	// RecvBufferSize/SendBufferSize, if > 0, set SO_RCVBUF/SO_SNDBUF.
	RecvBufferSize int `yaml:"recvBufferSize"`
	SendBufferSize int `yaml:"sendBufferSize"`

	// RxBufferSize/TxBufferSize size each Connection's rx/tx ring
	// buffers; <= 0 uses ring.DefaultInitialSize (1 MiB, per spec §4.C).
	RxBufferSize int `yaml:"rxBufferSize"`
	TxBufferSize int `yaml:"txBufferSize"`
}

// DefaultSocketOptions returns the zero-value-safe defaults the teacher's
// SetOptions implied: reusable address, Nagle disabled.
func DefaultSocketOptions() SocketOptions {
	return SocketOptions{
		ReuseAddr:  true,
		TCPNoDelay: NoDelay,
		Linger:     -1,
	}
}

// LoadSocketOptionsYAML reads SocketOptions from a YAML config file, letting
// an embedding application describe socket tuning outside of Go source.
func LoadSocketOptionsYAML(path string) (SocketOptions, error) {
	opts := DefaultSocketOptions()
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, err
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, err
	}
	return opts, nil
}
