package socket

import (
	"sync"

	"github.com/panjf2000/gnet/v2/pkg/netpoll"
	"github.com/wilsoncpw/cwspsockets/dispatch"
)

// Poller is the readiness-notification engine an Acceptor or Dialer owns
// one of. It pairs gnet/v2's epoll/kqueue poller with a dispatch.Queue:
// the poller's own goroutine only ever decodes kernel events and posts
// the matching handler onto the queue, so every handler invocation still
// runs serialized on the owner's single dispatch.Queue exactly as spec
// §5 requires.
type Poller struct {
	queue *dispatch.Queue
	inner *netpoll.Poller

	mu          sync.Mutex
	attachments map[int]*attachment
}

// NewPoller opens a new OS-backed poller bound to queue.
func NewPoller(queue *dispatch.Queue) (*Poller, error) {
	inner, err := netpoll.OpenPoller()
	if err != nil {
		return nil, err
	}
	pl := &Poller{queue: queue, inner: inner, attachments: make(map[int]*attachment)}
	go pl.run()
	return pl, nil
}

func (pl *Poller) run() {
	_ = pl.inner.Polling(func(fd int, ev netpoll.IOEvent, flags netpoll.IOFlags) error {
		pl.mu.Lock()
		att := pl.attachments[fd]
		pl.mu.Unlock()
		if att == nil {
			return nil
		}
		if netpoll.IsErrorEvent(ev, flags) {
			pl.queue.Async(att.fireError)
			return nil
		}
		if netpoll.IsReadEvent(ev) {
			pl.queue.Async(att.fireRead)
		}
		if netpoll.IsWriteEvent(ev) {
			pl.queue.Async(att.fireWrite)
		}
		return nil
	})
}

// Close shuts down the underlying OS poller. Only the owning
// Acceptor/Dialer calls this, once, during its own teardown.
func (pl *Poller) Close() error {
	return pl.inner.Close()
}

// attachment is the single netpoll registration backing a connection's fd.
// gnet's poller multiplexes one callback per fd covering both read and
// write events; Source layers the spec's two independently
// resumable/suspendable/cancelable logical sources on top by gating
// delivery in software. Closing the underlying fd (Socket.Close) removes
// the registration from the OS poller automatically, which is why
// Cancel never needs to explicitly deregister with the poller itself.
type attachment struct {
	fd    int
	queue *dispatch.Queue
	read  *Source
	write *Source
}

func (a *attachment) fireRead() {
	if a.read != nil {
		a.read.fire()
	}
}

func (a *attachment) fireWrite() {
	if a.write != nil {
		a.write.fire()
	}
}

func (a *attachment) fireError() {
	// Surface the error on both logical sources; whichever one the
	// Connection has a handler wired for will act on it.
	a.fireRead()
	a.fireWrite()
}

// Register attaches fd to the poller and returns its paired read and
// write Source handles (spec §4.B's makeReadSource/makeWriteSource).
func (pl *Poller) Register(fd int) (readSrc, writeSrc *Source, err error) {
	att := &attachment{fd: fd, queue: pl.queue}
	pa := &netpoll.PollAttachment{FD: fd, Callback: func(fd int, ev netpoll.IOEvent, flags netpoll.IOFlags) error {
		return nil
	}}
	if err := pl.inner.AddReadWrite(pa, false); err != nil {
		return nil, nil, err
	}

	pl.mu.Lock()
	pl.attachments[fd] = att
	pl.mu.Unlock()

	readSrc = &Source{attachment: att}
	writeSrc = &Source{attachment: att}
	att.read = readSrc
	att.write = writeSrc
	return readSrc, writeSrc, nil
}

// Source is one of a Connection's two readiness sources (spec glossary:
// "Readiness source"). It supports Start/Suspend/Cancel with a final
// cancel-handler callback, matching the dispatch-source semantics the
// spec's Connection state machine is written against.
//
// Both the read and write Source for one fd share a single netpoll
// registration (see attachment); Suspend gates delivery in software
// rather than withdrawing OS-level interest, since gnet/v2's netpoll
// poller multiplexes read/write readiness through one fd registration.
// This is a known efficiency gap against a pure per-direction epoll
// toggle (a perpetually-writable socket still wakes the poller while its
// write source is suspended) — see DESIGN.md.
type Source struct {
	*attachment

	mu            sync.Mutex
	started       bool
	suspended     bool
	cancelled     bool
	cancelPending bool

	handler       func()
	cancelHandler func()
}

// SetHandler installs the function to run (on the owner's dispatch.Queue)
// each time this source fires while started and not suspended.
func (s *Source) SetHandler(h func()) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// Resume (re)starts delivery. The first call transitions the source from
// created to running; later calls undo a prior Suspend.
func (s *Source) Resume() {
	s.mu.Lock()
	s.started = true
	s.suspended = false
	s.mu.Unlock()
}

// Suspend pauses delivery without canceling the source.
func (s *Source) Suspend() {
	s.mu.Lock()
	s.suspended = true
	s.mu.Unlock()
}

// IsSuspended reports whether the source is currently suspended.
func (s *Source) IsSuspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended
}

// Cancel cancels the source. cancelHandler runs exactly once, posted onto
// the owning Poller's dispatch.Queue rather than a bare goroutine, so it
// takes its turn in the same FIFO order as every read/write/accept handler
// (spec §5: cancel is one of the event kinds the queue serializes). Per
// the dispatch-source contract a source must not be suspended when
// cancelled, so Cancel implicitly resumes it first if needed.
func (s *Source) Cancel(cancelHandler func()) {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	s.suspended = false // a source must not be left suspended when cancelled
	s.cancelHandler = cancelHandler
	s.mu.Unlock()

	s.queue.Async(func() {
		s.mu.Lock()
		h := s.cancelHandler
		s.mu.Unlock()
		if h != nil {
			h()
		}
	})
}

func (s *Source) fire() {
	s.mu.Lock()
	if s.cancelled || s.suspended || !s.started {
		s.mu.Unlock()
		return
	}
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h()
	}
}
