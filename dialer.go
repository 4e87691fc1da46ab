package cwsp

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wilsoncpw/cwspsockets/dispatch"
	"github.com/wilsoncpw/cwspsockets/socket"
)

var (
	defaultCallbackQueueOnce sync.Once
	defaultCallbackQueueVal  *dispatch.Queue
)

// defaultCallbackQueue is the stand-in for "the library's default is a
// main/UI queue" (spec §6): a single shared queue every Dialer.Connect
// call delivers its delegate callbacks on unless the caller supplies its
// own.
func defaultCallbackQueue() *dispatch.Queue {
	defaultCallbackQueueOnce.Do(func() {
		defaultCallbackQueueVal = dispatch.NewQueue("client-callbacks")
	})
	return defaultCallbackQueueVal
}

// Dialer is the client side of the core: it initiates outbound
// Connections, optionally under a deadline, and owns the live-connection
// set (spec §4.E).
type Dialer struct {
	opts   SocketOptions
	logger *zap.Logger

	queue  *dispatch.Queue
	poller *socket.Poller

	mu    sync.Mutex
	conns map[*Connection]struct{}
}

// NewDialer constructs a Dialer with its own serial dispatch queue and
// poller.
func NewDialer(opts SocketOptions, logger *zap.Logger) (*Dialer, error) {
	if logger == nil {
		logger = nopLogger()
	}
	queue := dispatch.NewQueue("dialer")
	poller, err := socket.NewPoller(queue)
	if err != nil {
		return nil, wrapKernel("poller", err)
	}
	return &Dialer{
		opts:   opts,
		logger: logger,
		queue:  queue,
		poller: poller,
		conns:  make(map[*Connection]struct{}),
	}, nil
}

// ConnectionCount reports the number of currently live connections.
func (d *Dialer) ConnectionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// Connect initiates an outbound connection to host:port. Only TCP and UDP
// are supported; anything else is rejected synchronously with
// ErrProtocolNotSupported. Otherwise Connect returns immediately and the
// outcome — success or failure — is reported later via delegate, on
// callbackQueue (defaultCallbackQueue() if nil).
func (d *Dialer) Connect(host string, port int, family Family, proto Proto, timeout time.Duration, delegate ClientDelegate, callbackQueue *dispatch.Queue) error {
	if proto != TCP && proto != UDP {
		return ErrProtocolNotSupported
	}
	if callbackQueue == nil {
		callbackQueue = defaultCallbackQueue()
	}
	d.queue.Async(func() {
		d.doConnect(host, port, family, proto, timeout, delegate, callbackQueue)
	})
	return nil
}

func (d *Dialer) doConnect(host string, port int, family Family, proto Proto, timeout time.Duration, delegate ClientDelegate, callbackQueue *dispatch.Queue) {
	sock := socket.New(family, proto)
	if err := sock.ApplyOptions(d.opts); err != nil {
		d.reportFailed(host, port, family, proto, wrapPOSIX("apply options", err), delegate, callbackQueue)
		return
	}
	if err := sock.Connect(port, host); err != nil {
		var resErr *socket.ResolutionError
		if errors.As(err, &resErr) {
			d.reportFailed(host, port, family, proto, wrapAddressResolution(resErr.Err), delegate, callbackQueue)
			return
		}
		d.reportFailed(host, port, family, proto, wrapPOSIX("connect", err), delegate, callbackQueue)
		return
	}

	if proto == UDP {
		// UDP "connect" just fixes the peer address; there is no
		// handshake completion to await.
		d.finishConnect(sock, host, delegate, callbackQueue)
		return
	}

	readSrc, writeSrc, err := d.poller.Register(sock.Fd())
	if err != nil {
		_ = sock.Close()
		d.reportFailed(host, port, family, proto, wrapKernel("poller.Register", err), delegate, callbackQueue)
		return
	}

	completeCh := make(chan error, 1)
	writeSrc.SetHandler(func() { completeCh <- sock.ConnectError() })
	writeSrc.Resume()

	var timedOut atomic.Bool
	result := make(chan error, 1)
	var reportOnce sync.Once
	report := func(err error) { reportOnce.Do(func() { result <- err }) }
	stopTimer := make(chan struct{})

	var g errgroup.Group
	g.Go(func() error {
		report(<-completeCh)
		return nil
	})
	if timeout > 0 {
		g.Go(func() error {
			select {
			case <-time.After(timeout):
				timedOut.Store(true)
				_ = sock.Close()
				report(ErrTimedOut)
			case <-stopTimer:
			}
			return nil
		})
	}

	err = <-result
	close(stopTimer)
	_ = g.Wait()

	readSrc.Cancel(nil)
	writeSrc.Cancel(nil)

	if err != nil {
		if timedOut.Load() {
			d.reportFailed(host, port, family, proto, ErrTimedOut, delegate, callbackQueue)
		} else {
			d.reportFailed(host, port, family, proto, wrapPOSIX("connect", err), delegate, callbackQueue)
		}
		return
	}

	d.finishConnect(sock, host, delegate, callbackQueue)
}

func (d *Dialer) finishConnect(sock *socket.Socket, host string, delegate ClientDelegate, callbackQueue *dispatch.Queue) {
	conn, err := newConnection(sock, host, d.queue, d.poller, d.opts, d.logger, connHooks{
		hasData: func(c *Connection) {
			callbackQueue.Async(func() {
				if delegate != nil {
					delegate.HasData(c)
				}
			})
		},
		disconnected: func(c *Connection) {
			d.mu.Lock()
			delete(d.conns, c)
			d.mu.Unlock()
			callbackQueue.Async(func() {
				if delegate != nil {
					delegate.Disconnected(c)
				}
			})
		},
	})
	if err != nil {
		_ = sock.Close()
		d.reportFailed(host, 0, sock.Family(), sock.Proto(), wrapKernel("newConnection", err), delegate, callbackQueue)
		return
	}

	d.mu.Lock()
	d.conns[conn] = struct{}{}
	d.mu.Unlock()

	conn.Start()
	callbackQueue.Async(func() {
		if delegate != nil {
			delegate.Connected(conn)
		}
	})
}

func (d *Dialer) reportFailed(host string, port int, family Family, proto Proto, err error, delegate ClientDelegate, callbackQueue *dispatch.Queue) {
	d.logger.Warn("dial failed", zap.String("host", host), zap.Int("port", port), zap.Error(err))
	callbackQueue.Async(func() {
		if delegate != nil {
			delegate.ConnectionFailed(host, port, family, proto, err)
		}
	})
}

// DisconnectAll posts a single task, on the Dialer's own queue, that
// disconnects every live connection. Because it runs on the Dialer's
// queue, no concurrent AsyncDisconnected-equivalent callback can modify
// the set underneath it.
func (d *Dialer) DisconnectAll() {
	d.queue.Async(func() {
		d.mu.Lock()
		live := make([]*Connection, 0, len(d.conns))
		for c := range d.conns {
			live = append(live, c)
		}
		d.mu.Unlock()
		for _, c := range live {
			c.asyncDisconnect(nil)
		}
	})
}
