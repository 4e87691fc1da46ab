package cwsp

import "github.com/wilsoncpw/cwspsockets/socket"

// Family and Proto are re-exported from the socket package so callers
// never need to import it directly for the common case.
type (
	Family = socket.Family
	Proto  = socket.Proto
)

const (
	IPv4 = socket.IPv4
	IPv6 = socket.IPv6

	TCP = socket.TCP
	UDP = socket.UDP
)

// SocketOptions is re-exported the same way; Acceptor/Dialer take one to
// configure every Socket they create.
type SocketOptions = socket.SocketOptions

// DefaultSocketOptions and LoadSocketOptionsYAML are thin re-exports.
func DefaultSocketOptions() SocketOptions { return socket.DefaultSocketOptions() }

func LoadSocketOptionsYAML(path string) (SocketOptions, error) {
	return socket.LoadSocketOptionsYAML(path)
}
