package cwsp

// ServerDelegate receives the four callbacks an Acceptor fires, all on the
// Acceptor's own async queue (spec §6).
type ServerDelegate interface {
	// AsyncConnected fires once a new inbound Connection has been
	// constructed and started.
	AsyncConnected(conn *Connection)
	// AsyncDisconnected fires once, after the Connection has fully
	// closed (sourceRefCount reached 0), before it is removed from the
	// Acceptor's live set.
	AsyncDisconnected(conn *Connection)
	// AsyncHasData fires whenever the Connection's rx buffer has new
	// bytes available to pull.
	AsyncHasData(conn *Connection)
	// AsyncStopped fires once, after Stop() has disconnected every live
	// connection and the listening socket has closed.
	AsyncStopped()
}

// ClientDelegate receives the four callbacks a Dialer fires, all on the
// queue passed to Connect (spec §6).
type ClientDelegate interface {
	// Connected fires once a dialed Connection is up and started.
	Connected(conn *Connection)
	// Disconnected fires once, after the Connection has fully closed.
	Disconnected(conn *Connection)
	// HasData fires whenever the Connection's rx buffer has new bytes
	// available to pull.
	HasData(conn *Connection)
	// ConnectionFailed fires when Connect could not establish a
	// connection at all (resolution failure, refused, or timed out).
	ConnectionFailed(host string, port int, family Family, proto Proto, err error)
}

// NopServerDelegate and NopClientDelegate are embeddable zero-value
// delegates, so a caller only interested in one or two callbacks doesn't
// have to stub out all four.
type NopServerDelegate struct{}

func (NopServerDelegate) AsyncConnected(*Connection)    {}
func (NopServerDelegate) AsyncDisconnected(*Connection) {}
func (NopServerDelegate) AsyncHasData(*Connection)      {}
func (NopServerDelegate) AsyncStopped()                 {}

type NopClientDelegate struct{}

func (NopClientDelegate) Connected(*Connection)                             {}
func (NopClientDelegate) Disconnected(*Connection)                          {}
func (NopClientDelegate) HasData(*Connection)                               {}
func (NopClientDelegate) ConnectionFailed(string, int, Family, Proto, error) {}
