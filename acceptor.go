package cwsp

import (
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wilsoncpw/cwspsockets/dispatch"
	"github.com/wilsoncpw/cwspsockets/socket"
)

// Acceptor is the server side of the core: it owns a listening Socket, an
// accept-readiness source, and the set of live inbound Connections (spec
// §4.D).
type Acceptor struct {
	port     int
	family   Family
	opts     SocketOptions
	logger   *zap.Logger
	delegate ServerDelegate

	queue    *dispatch.Queue
	poller   *socket.Poller
	listener *socket.Socket

	acceptSource *socket.Source

	started atomic.Bool

	stopping    atomic.Bool
	stopPending atomic.Int32

	mu    sync.Mutex
	conns map[*Connection]struct{}

	userObject interface{}
}

// NewAcceptor constructs a server for port/family. delegate may be nil
// (equivalent to NopServerDelegate). opts configures every Socket the
// Acceptor creates, including the listener itself.
func NewAcceptor(port int, family Family, delegate ServerDelegate, opts SocketOptions, logger *zap.Logger) *Acceptor {
	if logger == nil {
		logger = nopLogger()
	}
	return &Acceptor{
		port:     port,
		family:   family,
		opts:     opts,
		logger:   logger,
		delegate: delegate,
		conns:    make(map[*Connection]struct{}),
	}
}

// Started reports whether Start has completed successfully and Stop
// hasn't finished tearing down yet.
func (a *Acceptor) Started() bool { return a.started.Load() }

// UserObject and SetUserObject hold an opaque embedder-assigned tag.
func (a *Acceptor) UserObject() interface{}     { return a.userObject }
func (a *Acceptor) SetUserObject(v interface{}) { a.userObject = v }

// ConnectionCount reports the number of currently live connections.
func (a *Acceptor) ConnectionCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.conns)
}

// ConnectionWithContext looks up a live connection by its user-assigned
// context tag.
func (a *Acceptor) ConnectionWithContext(tag string) (*Connection, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for c := range a.conns {
		if c.Context() == tag {
			return c, true
		}
	}
	return nil, false
}

// Start binds and listens (IP omitted means INADDR_ANY for the configured
// family), creates the server's serial dispatch queue and poller, and
// arms the accept-readiness source. Bind/listen failures surface
// synchronously as CANT_START_LISTENER.
func (a *Acceptor) Start() error {
	a.queue = dispatch.NewQueue("acceptor")
	poller, err := socket.NewPoller(a.queue)
	if err != nil {
		return wrapCantStartListener(err)
	}
	a.poller = poller

	listener := socket.New(a.family, socket.TCP)
	if err := listener.ApplyOptions(a.opts); err != nil {
		poller.Close()
		return wrapCantStartListener(err)
	}
	if err := listener.Bind(a.port, ""); err != nil {
		poller.Close()
		return wrapCantStartListener(err)
	}
	if err := listener.Listen(a.opts.Backlog); err != nil {
		poller.Close()
		return wrapCantStartListener(err)
	}
	a.listener = listener

	readSrc, _, err := poller.Register(listener.Fd())
	if err != nil {
		poller.Close()
		return wrapCantStartListener(err)
	}
	a.acceptSource = readSrc
	a.acceptSource.SetHandler(a.onAcceptable)
	a.acceptSource.Resume()

	a.started.Store(true)
	return nil
}

// Stop disconnects every live connection, then cancels the accept source
// once every one of them has actually finished closing; its cancel handler
// closes the listener and notifies AsyncStopped only after that. This
// ordering is what guarantees spec §8 property 4 ("after stop() returns
// and asyncStopped fires, no further delegate callbacks occur") — the
// accept source cannot be cancelled out from under still-draining
// connections, which would otherwise let AsyncStopped race ahead of their
// final AsyncDisconnected. Stop returns once the teardown task has been
// posted, not once it completes — AsyncStopped is the actual completion
// signal.
func (a *Acceptor) Stop() {
	a.queue.Async(func() {
		a.mu.Lock()
		live := make([]*Connection, 0, len(a.conns))
		for c := range a.conns {
			live = append(live, c)
		}
		a.mu.Unlock()

		a.stopping.Store(true)
		a.stopPending.Store(int32(len(live)))
		if len(live) == 0 {
			a.acceptSource.Cancel(a.onAcceptCancelled)
			return
		}
		for _, c := range live {
			c.asyncDisconnect(nil)
		}
	})
}

// Disconnect closes one specific connection.
func (a *Acceptor) Disconnect(conn *Connection) {
	conn.asyncDisconnect(nil)
}

// Broadcast writes data to every live connection, aggregating any
// per-connection write failures (e.g. WRITE_BUFFER_FULL on a slow reader)
// into a single multierr rather than aborting on the first one.
func (a *Acceptor) Broadcast(data []byte) error {
	a.mu.Lock()
	live := make([]*Connection, 0, len(a.conns))
	for c := range a.conns {
		live = append(live, c)
	}
	a.mu.Unlock()

	var errs error
	for _, c := range live {
		if err := c.Write(data); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (a *Acceptor) onAcceptable() {
	for {
		s, err := a.listener.Accept()
		if err != nil {
			a.logger.Warn("accept failed", zap.Error(err))
			return
		}
		if s == nil {
			return // drained: EAGAIN
		}
		if err := s.ApplyOptions(a.opts); err != nil {
			a.logger.Warn("accepted-socket option apply failed", zap.Error(err))
		}

		host := ""
		if ra := s.RemoteAddr(); ra != nil {
			host = ra.String()
		}
		conn, err := newConnection(s, host, a.queue, a.poller, a.opts, a.logger, connHooks{
			hasData:      a.onConnHasData,
			disconnected: a.onConnDisconnected,
		})
		if err != nil {
			a.logger.Warn("connection setup failed", zap.Error(err))
			_ = s.Close()
			continue
		}

		a.mu.Lock()
		a.conns[conn] = struct{}{}
		a.mu.Unlock()

		conn.Start()
		if a.delegate != nil {
			a.delegate.AsyncConnected(conn)
		}
	}
}

func (a *Acceptor) onConnHasData(conn *Connection) {
	if a.delegate != nil {
		a.delegate.AsyncHasData(conn)
	}
}

func (a *Acceptor) onConnDisconnected(conn *Connection) {
	if a.delegate != nil {
		a.delegate.AsyncDisconnected(conn)
	}
	a.mu.Lock()
	delete(a.conns, conn)
	a.mu.Unlock()

	if a.stopping.Load() && a.stopPending.Dec() == 0 {
		a.acceptSource.Cancel(a.onAcceptCancelled)
	}
}

func (a *Acceptor) onAcceptCancelled() {
	if err := a.listener.Close(); err != nil {
		a.logger.Warn("listener close failed", zap.Error(err))
	}
	a.started.Store(false)
	if a.delegate != nil {
		a.delegate.AsyncStopped()
	}
	if err := a.poller.Close(); err != nil {
		a.logger.Warn("poller close failed", zap.Error(err))
	}
}
