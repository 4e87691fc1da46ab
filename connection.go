package cwsp

import (
	"bytes"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/wilsoncpw/cwspsockets/dispatch"
	"github.com/wilsoncpw/cwspsockets/ring"
	"github.com/wilsoncpw/cwspsockets/socket"
)

// connection state machine states (spec §4.C).
const (
	stateCreated int32 = iota
	stateRunning
	stateClosing
	stateClosed
)

// connHooks decouples Connection from knowing whether it is owned by an
// Acceptor or a Dialer: each owner wires these to its own delegate
// invocation convention (Acceptor calls its delegate directly, already on
// its own async queue; Dialer re-dispatches onto the caller-designated
// queue — spec §6).
type connHooks struct {
	hasData      func(*Connection)
	disconnected func(*Connection)
}

// ConnectionStats is a diagnostic snapshot of one Connection's traffic
// counters and buffer occupancy.
type ConnectionStats struct {
	BytesSent     uint64
	BytesReceived uint64
	Rx            ring.Stats
	Tx            ring.Stats
}

// Connection owns one Socket and its rx/tx RingBuffers, the pair of
// readiness sources bound to the owner's dispatch queue, and implements
// the event handlers and user-facing push/pull API described in spec
// §4.C/§6.
type Connection struct {
	sock   *socket.Socket
	rx, tx *ring.Buffer
	queue  *dispatch.Queue
	logger *zap.Logger
	hooks  connHooks

	readSource, writeSource *socket.Source

	host string

	state          atomic.Int32
	sourceRefCount atomic.Int32

	writeSourceRunning atomic.Bool

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	sendBufferSize int

	contextTag atomic.String

	errMu     sync.Mutex
	lastError error

	deadlineMu       sync.Mutex
	writeDeadlineTmr *time.Timer
}

// newConnection wraps an already-connected non-blocking Socket. Called by
// both Acceptor (on accept) and Dialer (on connect). poller supplies the
// read/write readiness sources; opts sizes the rx/tx buffers.
func newConnection(sock *socket.Socket, host string, queue *dispatch.Queue, poller *socket.Poller, opts SocketOptions, logger *zap.Logger, hooks connHooks) (*Connection, error) {
	if logger == nil {
		logger = nopLogger()
	}
	rxSize := opts.RxBufferSize
	if rxSize <= 0 {
		rxSize = ring.DefaultInitialSize
	}
	txSize := opts.TxBufferSize
	if txSize <= 0 {
		txSize = ring.DefaultInitialSize
	}

	sendBufSize, err := sock.SendBufferSize()
	if err != nil {
		sendBufSize = txSize
	}

	readSrc, writeSrc, err := poller.Register(sock.Fd())
	if err != nil {
		return nil, wrapKernel("poller.Register", err)
	}

	c := &Connection{
		sock:           sock,
		rx:             ring.New(rxSize),
		tx:             ring.New(txSize),
		queue:          queue,
		logger:         logger,
		hooks:          hooks,
		readSource:     readSrc,
		writeSource:    writeSrc,
		host:           host,
		sendBufferSize: sendBufSize,
	}
	c.state.Store(stateCreated)
	c.sourceRefCount.Store(2)

	readSrc.SetHandler(c.onReadable)
	writeSrc.SetHandler(c.onWritable)

	return c, nil
}

// Start transitions CREATED->RUNNING by resuming the read source. The
// write source stays suspended until the tx buffer becomes non-empty.
func (c *Connection) Start() {
	if c.state.CompareAndSwap(stateCreated, stateRunning) {
		c.readSource.Resume()
	}
}

// Host returns the remote host label the Connection was constructed with.
func (c *Connection) Host() string { return c.host }

// Context returns the user-settable context tag.
func (c *Connection) Context() string { return c.contextTag.Load() }

// SetContext sets the user-settable context tag, used by
// Acceptor.ConnectionWithContext to look a Connection back up.
func (c *Connection) SetContext(tag string) { c.contextTag.Store(tag) }

// LastError returns the last fatal error recorded against this
// Connection, or nil.
func (c *Connection) LastError() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.lastError
}

func (c *Connection) setLastError(err error) {
	c.errMu.Lock()
	c.lastError = err
	c.errMu.Unlock()
}

// Stats reports cumulative traffic counters and current buffer occupancy.
func (c *Connection) Stats() ConnectionStats {
	return ConnectionStats{
		BytesSent:     c.bytesSent.Load(),
		BytesReceived: c.bytesReceived.Load(),
		Rx:            c.rx.Stats(),
		Tx:            c.tx.Stats(),
	}
}

// SetReadDeadline sets the read-side timeout (SO_RCVTIMEO).
func (c *Connection) SetReadDeadline(d time.Duration) error {
	if err := c.sock.SetReadTimeout(d); err != nil {
		return wrapPOSIX("SO_RCVTIMEO", err)
	}
	return nil
}

// SetWriteDeadline arms a one-shot timer that, on expiry, disconnects the
// Connection with ErrTimedOut if the write handler hasn't drained the tx
// buffer by then. There is no socket-level SO_SNDTIMEO equivalent
// enforced here since the write path is edge-driven by the write source,
// not a blocking send.
func (c *Connection) SetWriteDeadline(d time.Duration) {
	c.deadlineMu.Lock()
	defer c.deadlineMu.Unlock()
	if c.writeDeadlineTmr != nil {
		c.writeDeadlineTmr.Stop()
	}
	if d <= 0 {
		c.writeDeadlineTmr = nil
		return
	}
	c.writeDeadlineTmr = time.AfterFunc(d, func() {
		if c.tx.Available() > 0 {
			c.asyncDisconnect(ErrTimedOut)
		}
	})
}

// SetDeadline applies d to both the read and write sides.
func (c *Connection) SetDeadline(d time.Duration) error {
	c.SetWriteDeadline(d)
	return c.SetReadDeadline(d)
}

// Write enqueues data on the tx buffer, failing fast with
// ErrWriteBufferFull if it can't fit and the buffer is non-empty (spec
// §4.C's user write path). Safe to call from any goroutine.
func (c *Connection) Write(data []byte) error {
	buf, err := c.tx.AcquireWrite(len(data))
	if err != nil {
		if err == ring.ErrFullNonEmpty {
			return ErrWriteBufferFull
		}
		return wrapKernel("tx.AcquireWrite", err)
	}
	copy(buf, data)
	c.tx.CommitWrite(len(data))
	c.resumeWriteSourceAsync()
	return nil
}

// WriteString validates s is UTF-8 before writing it, per spec §6's
// NOT_UTF8 failure mode for the string overload.
func (c *Connection) WriteString(s string) error {
	if !utf8.ValidString(s) {
		return ErrNotUTF8
	}
	return c.Write([]byte(s))
}

// WriteLine writes s followed by CRLF.
func (c *Connection) WriteLine(s string) error {
	return c.WriteString(s + "\r\n")
}

// ReadLine consumes up to and including the first LF byte, stripping a
// trailing CR. ok is false if no LF is present yet.
func (c *Connection) ReadLine() (line string, ok bool) {
	buf, n := c.rx.AcquireRead()
	idx := bytes.IndexByte(buf[:n], '\n')
	if idx < 0 {
		return "", false
	}
	end := idx
	if end > 0 && buf[end-1] == '\r' {
		end--
	}
	line = string(buf[:end])
	c.rx.CommitRead(idx + 1)
	return line, true
}

// ReadToken consumes up through the first sep byte, coalescing any run of
// additional sep bytes that immediately follow. ok is false if sep is not
// present yet.
func (c *Connection) ReadToken(sep byte) (token string, ok bool) {
	buf, n := c.rx.AcquireRead()
	idx := bytes.IndexByte(buf[:n], sep)
	if idx < 0 {
		return "", false
	}
	token = string(buf[:idx])
	consumed := idx + 1
	for consumed < n && buf[consumed] == sep {
		consumed++
	}
	c.rx.CommitRead(consumed)
	return token, true
}

// Peek returns the first n bytes without consuming them. ok is false if
// fewer than n bytes are currently available.
func (c *Connection) Peek(n int) (data string, ok bool) {
	buf, avail := c.rx.AcquireRead()
	if avail < n {
		return "", false
	}
	return string(buf[:n]), true
}

// Read returns up to n bytes, never more than currently available; may
// return an empty slice.
func (c *Connection) Read(n int) []byte {
	buf, avail := c.rx.AcquireRead()
	take := n
	if take > avail {
		take = avail
	}
	out := make([]byte, take)
	copy(out, buf[:take])
	c.rx.CommitRead(take)
	return out
}

// ReadAllData drains the entire rx buffer.
func (c *Connection) ReadAllData() []byte {
	buf, avail := c.rx.AcquireRead()
	out := make([]byte, avail)
	copy(out, buf[:avail])
	c.rx.CommitRead(avail)
	return out
}

// CopyAllFrom splices other's rx buffer straight into self's tx buffer
// (single memcpy, via the ring buffer's mirror guarantee) and resumes the
// write source if any bytes moved. Supports proxy-style relays without
// double buffering (spec §4.C).
func (c *Connection) CopyAllFrom(other *Connection) (int, error) {
	n, err := c.tx.SpliceFrom(other.rx)
	if err != nil {
		if err == ring.ErrFullNonEmpty {
			return 0, ErrWriteBufferFull
		}
		return 0, wrapKernel("tx.SpliceFrom", err)
	}
	if n > 0 {
		c.resumeWriteSourceAsync()
	}
	return n, nil
}

// resumeWriteSourceAsync posts a task onto the owner's queue that resumes
// the write source, respecting the resume/suspend balance discipline
// (writeSourceRunning) spec §4.C requires.
func (c *Connection) resumeWriteSourceAsync() {
	c.queue.Async(func() {
		if c.state.Load() >= stateClosing {
			return
		}
		if c.writeSourceRunning.CompareAndSwap(false, true) {
			c.writeSource.Resume()
		}
	})
}

// onReadable is the read handler (spec §4.C), invoked on the owner's
// queue whenever the read source fires.
func (c *Connection) onReadable() {
	avail, err := c.sock.PendingReadBytes()
	if err != nil {
		c.asyncDisconnect(wrapPOSIX("FIONREAD", err))
		return
	}
	if avail == 0 {
		c.asyncDisconnect(ErrConnectionReset)
		return
	}
	buf, err := c.rx.AcquireWrite(avail)
	if err != nil {
		// Consumer hasn't drained; refuse to grow unbounded.
		c.asyncDisconnect(ErrConnectionReset)
		return
	}
	n, err := c.sock.Read(buf[:avail])
	if err != nil {
		c.asyncDisconnect(wrapPOSIX("read", err))
		return
	}
	c.rx.CommitWrite(n)
	c.bytesReceived.Add(uint64(n))
	if c.hooks.hasData != nil {
		c.hooks.hasData(c)
	}
}

// onWritable is the write handler (spec §4.C), invoked on the owner's
// queue whenever the write source fires.
func (c *Connection) onWritable() {
	for {
		n := c.tx.Available()
		if n > c.sendBufferSize {
			n = c.sendBufferSize
		}
		if n == 0 {
			c.writeSourceRunning.Store(false)
			c.writeSource.Suspend()
			return
		}
		ptr, _ := c.tx.AcquireRead()
		written, err := c.sock.Write(ptr[:n])
		if err != nil {
			c.asyncDisconnect(wrapPOSIX("write", err))
			return
		}
		if written == 0 {
			// Would block; stay armed for the next readiness event.
			return
		}
		c.tx.CommitRead(written)
		c.bytesSent.Add(uint64(written))
	}
}

// asyncDisconnect records err (if any) and tears the Connection down.
// Idempotent: once CLOSING or CLOSED, further calls are no-ops (spec
// §4.C/§5).
func (c *Connection) asyncDisconnect(err error) {
	c.queue.Async(func() { c.doAsyncDisconnect(err) })
}

func (c *Connection) doAsyncDisconnect(err error) {
	for {
		cur := c.state.Load()
		if cur >= stateClosing {
			return
		}
		if c.state.CompareAndSwap(cur, stateClosing) {
			break
		}
	}
	if err != nil {
		c.setLastError(err)
	}

	c.deadlineMu.Lock()
	if c.writeDeadlineTmr != nil {
		c.writeDeadlineTmr.Stop()
	}
	c.deadlineMu.Unlock()

	// A source must not be left suspended when cancelled.
	if c.writeSourceRunning.CompareAndSwap(false, true) {
		c.writeSource.Resume()
	}

	c.readSource.Cancel(c.onSourceCancelled)
	c.writeSource.Cancel(c.onSourceCancelled)
}

// onSourceCancelled is the shared cancel handler for both readiness
// sources; the Connection closes its socket and notifies the delegate
// exactly once, when the second source finishes cancelling.
func (c *Connection) onSourceCancelled() {
	if c.sourceRefCount.Dec() != 0 {
		return
	}
	if err := c.sock.Close(); err != nil {
		c.logger.Warn("socket close failed", zap.String("host", c.host), zap.Error(err))
	}
	_ = c.rx.Close()
	_ = c.tx.Close()
	c.state.Store(stateClosed)
	if c.hooks.disconnected != nil {
		c.hooks.disconnected(c)
	}
}
