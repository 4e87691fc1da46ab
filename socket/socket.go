package socket

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const unsetFD = -1

var ignoreSIGPIPEOnce sync.Once

// ignoreSIGPIPE makes a write() to a peer-reset socket return EPIPE instead
// of killing the process, standing in for BSD's SO_NOSIGPIPE which Linux
// doesn't have. It only needs doing once per process.
func ignoreSIGPIPE() {
	signalIgnoreSIGPIPE()
}

// Socket wraps one non-blocking POSIX socket descriptor. The descriptor is
// opened lazily, on first use, so a Socket can be constructed (and its
// Family/Proto inspected) before deciding whether it will ever touch the
// kernel at all.
type Socket struct {
	mu          sync.Mutex
	fd          int
	family      Family
	proto       Proto
	remoteAddr  net.Addr
	localAddr   net.Addr
	readTimeout *time.Duration
	sndBufCache *int
}

// New constructs an unopened Socket for the given family/protocol.
func New(family Family, proto Proto) *Socket {
	return &Socket{fd: unsetFD, family: family, proto: proto}
}

// adopt wraps an already-open descriptor (accept()'s return, typically).
func adopt(fd int, family Family, proto Proto, remote net.Addr) *Socket {
	return &Socket{fd: fd, family: family, proto: proto, remoteAddr: remote}
}

// Family and Proto report what this Socket was created for.
func (s *Socket) Family() Family { return s.family }
func (s *Socket) Proto() Proto   { return s.proto }

// Fd returns the underlying descriptor, for readiness-source registration.
// It is unsafe to call before the descriptor has been opened (Bind/Connect
// or adoption via Accept).
func (s *Socket) Fd() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fd
}

// IsOpen reports whether the descriptor has been opened.
func (s *Socket) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fd != unsetFD
}

func (s *Socket) ensureFD() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fd != unsetFD {
		return nil
	}
	domain := unix.AF_INET
	if s.family == IPv6 {
		domain = unix.AF_INET6
	}
	typ := unix.SOCK_STREAM
	if s.proto == UDP {
		typ = unix.SOCK_DGRAM
	}
	fd, err := unix.Socket(domain, typ|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return errors.Wrap(err, "socket")
	}
	ignoreSIGPIPEOnce.Do(ignoreSIGPIPE)
	s.fd = fd
	return nil
}

// ApplyOptions applies opts in one call: SO_REUSEADDR/SO_REUSEPORT and
// buffer sizing, plus, for TCP sockets, NoDelay, KeepAlive and Linger.
// Acceptor and Dialer call it before bind/connect, and the Acceptor calls
// it again on every accepted socket.
func (s *Socket) ApplyOptions(opts SocketOptions) error {
	if err := s.ensureFD(); err != nil {
		return err
	}
	s.mu.Lock()
	fd := s.fd
	s.mu.Unlock()

	if opts.ReuseAddr {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return errors.Wrap(err, "SO_REUSEADDR")
		}
	}
	if opts.ReusePort {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			return errors.Wrap(err, "SO_REUSEPORT")
		}
	}
	if opts.RecvBufferSize > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, opts.RecvBufferSize); err != nil {
			return errors.Wrap(err, "SO_RCVBUF")
		}
	}
	if opts.SendBufferSize > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, opts.SendBufferSize); err != nil {
			return errors.Wrap(err, "SO_SNDBUF")
		}
	}
	if s.proto == TCP {
		if err := s.SetNoDelay(opts.TCPNoDelay == NoDelay); err != nil {
			return err
		}
		if opts.TCPKeepAlive > 0 {
			if err := s.SetKeepAlivePeriod(opts.TCPKeepAlive); err != nil {
				return err
			}
		}
		if opts.Linger >= 0 {
			if err := s.SetLinger(opts.Linger); err != nil {
				return err
			}
		}
	}
	return nil
}

// Bind binds to ip:port. ip == "" means the wildcard address. IPv6 sockets
// always get IPV6_V6ONLY set first so a dual-stack listener must be built
// from two Sockets, matching spec §4.B.
func (s *Socket) Bind(port int, ip string) error {
	if err := s.ensureFD(); err != nil {
		return err
	}
	s.mu.Lock()
	fd := s.fd
	s.mu.Unlock()

	if s.family == IPv6 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
			return errors.Wrap(err, "IPV6_V6ONLY")
		}
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return errors.Wrap(err, "SO_REUSEADDR")
	}

	sa, err := sockaddr(s.family, ip, port)
	if err != nil {
		return err
	}
	if err := unix.Bind(fd, sa); err != nil {
		return errors.Wrap(err, "bind")
	}
	s.mu.Lock()
	s.localAddr = addrFromIPPort(s.family, ip, port, s.proto)
	s.mu.Unlock()
	return nil
}

// Listen marks the socket as a listener. backlog <= 0 uses SOMAXCONN.
func (s *Socket) Listen(backlog int) error {
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	s.mu.Lock()
	fd := s.fd
	s.mu.Unlock()
	if err := unix.Listen(fd, backlog); err != nil {
		return errors.Wrap(err, "listen")
	}
	return nil
}

// Accept accepts one pending connection, if any. A nil, nil return means
// EAGAIN: no connection was pending, and the caller should wait for the
// listener's read source to fire again.
func (s *Socket) Accept() (*Socket, error) {
	s.mu.Lock()
	fd := s.fd
	s.mu.Unlock()

	nfd, sa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err == unix.EAGAIN {
			return nil, nil
		}
		return nil, errors.Wrap(err, "accept4")
	}
	remote := sockaddrToAddr(sa, s.proto)
	ignoreSIGPIPEOnce.Do(ignoreSIGPIPE)
	return adopt(nfd, s.family, s.proto, remote), nil
}

// Connect starts a (possibly non-blocking) connect to host:port. host is
// resolved via the standard library's resolver, treated as an external
// collaborator per spec §1. EINPROGRESS on a non-blocking socket is treated
// as "connect started successfully"; the caller discovers completion via
// the socket's write source becoming ready.
func (s *Socket) Connect(port int, host string) error {
	if err := s.ensureFD(); err != nil {
		return err
	}
	ip, err := resolveHost(host, s.family)
	if err != nil {
		return &ResolutionError{Host: host, Err: err}
	}
	s.mu.Lock()
	fd := s.fd
	s.mu.Unlock()

	sa, err := sockaddrFromIP(s.family, ip, port)
	if err != nil {
		return err
	}
	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		return errors.Wrap(err, "connect")
	}
	s.mu.Lock()
	s.remoteAddr = addrFromIP(ip, port, s.proto)
	s.mu.Unlock()
	return nil
}

// ConnectError reports whether a non-blocking connect on this socket
// failed, by consulting SO_ERROR once the write source fires. It returns
// nil when SO_ERROR is zero, which is also the case while the connect is
// still in progress; it does not tell those two states apart.
func (s *Socket) ConnectError() error {
	s.mu.Lock()
	fd := s.fd
	s.mu.Unlock()
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return errors.Wrap(err, "SO_ERROR")
	}
	if errno != 0 {
		return errors.Wrap(unix.Errno(errno), "connect")
	}
	return nil
}

// Read reads into buf. A (0, nil) return means EAGAIN: nothing available
// right now. A (0, io.EOF)-shaped result — returned as ErrConnectionReset
// here, per spec §7's taxonomy — means the peer performed an orderly
// shutdown.
func (s *Socket) Read(buf []byte) (int, error) {
	s.mu.Lock()
	fd := s.fd
	s.mu.Unlock()
	n, err := unix.Read(fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, nil
		}
		return 0, errors.Wrap(err, "read")
	}
	if n == 0 {
		return 0, ErrConnectionReset
	}
	return n, nil
}

// Write writes buf. A (0, nil) return means EAGAIN: the socket's send
// buffer is currently full and the caller should wait for the write
// source.
func (s *Socket) Write(buf []byte) (int, error) {
	s.mu.Lock()
	fd := s.fd
	s.mu.Unlock()
	n, err := unix.Write(fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, nil
		}
		return 0, errors.Wrap(err, "write")
	}
	return n, nil
}

// RecvFrom reads one UDP datagram, if any is pending.
func (s *Socket) RecvFrom(buf []byte) (int, net.Addr, error) {
	s.mu.Lock()
	fd := s.fd
	s.mu.Unlock()
	n, from, err := unix.Recvfrom(fd, buf, 0)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, nil, nil
		}
		return 0, nil, errors.Wrap(err, "recvfrom")
	}
	return n, sockaddrToAddr(from, UDP), nil
}

// SendTo sends one UDP datagram to addr.
func (s *Socket) SendTo(addr *net.UDPAddr, data []byte) (int, error) {
	if err := s.ensureFD(); err != nil {
		return 0, err
	}
	sa, err := sockaddrFromIP(s.family, addr.IP, addr.Port)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	fd := s.fd
	s.mu.Unlock()
	if err := unix.Sendto(fd, data, 0, sa); err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, nil
		}
		return 0, errors.Wrap(err, "sendto")
	}
	return len(data), nil
}

// SetReadTimeout sets SO_RCVTIMEO, memoized so repeated identical calls
// don't cost a syscall.
func (s *Socket) SetReadTimeout(d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readTimeout != nil && *s.readTimeout == d {
		return nil
	}
	tv := unix.NsecToTimeval(d.Nanoseconds())
	if err := unix.SetsockoptTimeval(s.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return errors.Wrap(err, "SO_RCVTIMEO")
	}
	s.readTimeout = &d
	return nil
}

// SetNoDelay toggles Nagle's algorithm.
func (s *Socket) SetNoDelay(noDelay bool) error {
	v := 0
	if noDelay {
		v = 1
	}
	s.mu.Lock()
	fd := s.fd
	s.mu.Unlock()
	return errors.Wrap(unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, v), "TCP_NODELAY")
}

// SetKeepAlivePeriod enables SO_KEEPALIVE with the given idle period before
// the first probe.
func (s *Socket) SetKeepAlivePeriod(d time.Duration) error {
	s.mu.Lock()
	fd := s.fd
	s.mu.Unlock()
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
		return errors.Wrap(err, "SO_KEEPALIVE")
	}
	secs := int(d / time.Second)
	if secs < 1 {
		secs = 1
	}
	return errors.Wrap(unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, secs), "TCP_KEEPIDLE")
}

// SetLinger sets SO_LINGER. sec >= 0 enables lingering close for that many
// seconds; sec < 0 leaves the platform default in place.
func (s *Socket) SetLinger(sec int) error {
	l := unix.Linger{}
	if sec >= 0 {
		l.Onoff = 1
		l.Linger = int32(sec)
	}
	s.mu.Lock()
	fd := s.fd
	s.mu.Unlock()
	return errors.Wrap(unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &l), "SO_LINGER")
}

// PendingReadBytes reports how many bytes the kernel currently has
// buffered for this socket (FIONREAD), standing in for the byte count a
// kqueue-style EVFILT_READ readiness source reports natively as its
// "data" field — epoll doesn't surface that count itself, so the read
// handler asks for it explicitly instead.
func (s *Socket) PendingReadBytes() (int, error) {
	s.mu.Lock()
	fd := s.fd
	s.mu.Unlock()
	n, err := unix.IoctlGetInt(fd, unix.SIOCINQ)
	if err != nil {
		return 0, errors.Wrap(err, "FIONREAD")
	}
	return n, nil
}

// SendBufferSize reads SO_SNDBUF, caching it until Close. Connection reads
// it once at construction and uses it to cap how many bytes each write
// handler iteration hands to Write.
func (s *Socket) SendBufferSize() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sndBufCache != nil {
		return *s.sndBufCache, nil
	}
	v, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_SNDBUF)
	if err != nil {
		return 0, errors.Wrap(err, "SO_SNDBUF")
	}
	s.sndBufCache = &v
	return v, nil
}

// LocalAddr and RemoteAddr report the addresses recorded at bind/connect/
// accept time.
func (s *Socket) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localAddr
}

func (s *Socket) RemoteAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteAddr
}

// Close closes the descriptor. Idempotent: closing an already-closed or
// never-opened Socket is a no-op. Closing removes any poller registration
// on this fd automatically at the kernel level (see socket/source.go).
func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fd == unsetFD {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = unsetFD
	s.readTimeout = nil
	s.sndBufCache = nil
	if err != nil {
		return errors.Wrap(err, "close")
	}
	return nil
}

// ErrConnectionReset is returned by Read when the peer has performed an
// orderly shutdown (read() returning 0).
var ErrConnectionReset = errors.New("connection reset by peer")

// ResolutionError is returned by Connect when host could not be resolved
// to an address of the socket's family. It lets callers (Dialer)
// distinguish a naming failure from every other Connect failure via
// errors.As, without Connect itself depending on the root package's
// error taxonomy.
type ResolutionError struct {
	Host string
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Host, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

func resolveHost(host string, family Family) (net.IP, error) {
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, errors.Wrap(err, "lookup "+host)
	}
	want4 := family == IPv4
	for _, ip := range ips {
		is4 := ip.To4() != nil
		if is4 == want4 {
			return ip, nil
		}
	}
	return nil, errors.Errorf("no %s address found for %s", familyName(family), host)
}

func familyName(f Family) string {
	if f == IPv6 {
		return "IPv6"
	}
	return "IPv4"
}

func sockaddr(family Family, ip string, port int) (unix.Sockaddr, error) {
	if ip == "" {
		if family == IPv6 {
			return &unix.SockaddrInet6{Port: port}, nil
		}
		return &unix.SockaddrInet4{Port: port}, nil
	}
	return sockaddrFromIP(family, net.ParseIP(ip), port)
}

func sockaddrFromIP(family Family, ip net.IP, port int) (unix.Sockaddr, error) {
	if family == IPv6 {
		var addr [16]byte
		ip16 := ip.To16()
		if ip16 == nil {
			return nil, errors.Errorf("invalid IPv6 address %v", ip)
		}
		copy(addr[:], ip16)
		return &unix.SockaddrInet6{Port: port, Addr: addr}, nil
	}
	var addr [4]byte
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, errors.Errorf("invalid IPv4 address %v", ip)
	}
	copy(addr[:], ip4)
	return &unix.SockaddrInet4{Port: port, Addr: addr}, nil
}

func addrFromIP(ip net.IP, port int, proto Proto) net.Addr {
	if proto == UDP {
		return &net.UDPAddr{IP: ip, Port: port}
	}
	return &net.TCPAddr{IP: ip, Port: port}
}

func addrFromIPPort(family Family, ip string, port int, proto Proto) net.Addr {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		if family == IPv6 {
			parsed = net.IPv6zero
		} else {
			parsed = net.IPv4zero
		}
	}
	return addrFromIP(parsed, port, proto)
}

func sockaddrToAddr(sa unix.Sockaddr, proto Proto) net.Addr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IP(a.Addr[:])
		return addrFromIP(ip, a.Port, proto)
	case *unix.SockaddrInet6:
		ip := net.IP(a.Addr[:])
		return addrFromIP(ip, a.Port, proto)
	default:
		return nil
	}
}
