package cwsp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// echoServerDelegate implements the echo-single-client scenario from spec
// §8: whatever a client sends, line by line, is echoed straight back.
type echoServerDelegate struct {
	connected    chan *Connection
	disconnected chan *Connection
}

func newEchoServerDelegate() *echoServerDelegate {
	return &echoServerDelegate{
		connected:    make(chan *Connection, 8),
		disconnected: make(chan *Connection, 8),
	}
}

func (d *echoServerDelegate) AsyncConnected(c *Connection)    { d.connected <- c }
func (d *echoServerDelegate) AsyncDisconnected(c *Connection) { d.disconnected <- c }
func (d *echoServerDelegate) AsyncHasData(c *Connection) {
	for {
		line, ok := c.ReadLine()
		if !ok {
			return
		}
		_ = c.WriteLine(line)
	}
}
func (d *echoServerDelegate) AsyncStopped() {}

type recordingClientDelegate struct {
	connected chan *Connection
	data      chan string
	failed    chan error
}

func newRecordingClientDelegate() *recordingClientDelegate {
	return &recordingClientDelegate{
		connected: make(chan *Connection, 8),
		data:      make(chan string, 8),
		failed:    make(chan error, 8),
	}
}

func (d *recordingClientDelegate) Connected(c *Connection)    { d.connected <- c }
func (d *recordingClientDelegate) Disconnected(*Connection)   {}
func (d *recordingClientDelegate) HasData(c *Connection) {
	for {
		line, ok := c.ReadLine()
		if !ok {
			return
		}
		d.data <- line
	}
}
func (d *recordingClientDelegate) ConnectionFailed(_ string, _ int, _ Family, _ Proto, err error) {
	d.failed <- err
}

func freePort(t *testing.T) int {
	t.Helper()
	// Ports in this private range are unlikely to collide across parallel
	// test runs on the same CI host; a real port-0 bind-then-inspect
	// dance would need net.Listen, which would fight the Acceptor for the
	// same port.
	return 31000 + int(time.Now().UnixNano()%2000)
}

func TestEchoSingleClient(t *testing.T) {
	port := freePort(t)
	serverDelegate := newEchoServerDelegate()
	opts := DefaultSocketOptions()

	server := NewAcceptor(port, IPv4, serverDelegate, opts, nil)
	require.NoError(t, server.Start())
	defer server.Stop()

	dialer, err := NewDialer(opts, nil)
	require.NoError(t, err)

	clientDelegate := newRecordingClientDelegate()
	require.NoError(t, dialer.Connect("127.0.0.1", port, IPv4, TCP, 2*time.Second, clientDelegate, nil))

	var client *Connection
	select {
	case client = <-clientDelegate.connected:
	case err := <-clientDelegate.failed:
		t.Fatalf("dial failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client connect")
	}

	require.NoError(t, client.WriteLine("hello"))

	select {
	case line := <-clientDelegate.data:
		require.Equal(t, "hello", line)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echo")
	}
}

func TestBackpressure(t *testing.T) {
	port := freePort(t)
	serverDelegate := newEchoServerDelegate()
	opts := DefaultSocketOptions()
	opts.TxBufferSize = 64 * 1024
	opts.RxBufferSize = 64 * 1024

	server := NewAcceptor(port, IPv4, serverDelegate, opts, nil)
	require.NoError(t, server.Start())
	defer server.Stop()

	dialer, err := NewDialer(opts, nil)
	require.NoError(t, err)

	clientDelegate := newRecordingClientDelegate()
	require.NoError(t, dialer.Connect("127.0.0.1", port, IPv4, TCP, 2*time.Second, clientDelegate, nil))

	var client *Connection
	select {
	case client = <-clientDelegate.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client connect")
	}

	big := make([]byte, opts.TxBufferSize+1)
	var firstErr error
	for i := 0; i < 3; i++ {
		if err := client.Write(big); err != nil {
			firstErr = err
			break
		}
	}
	require.ErrorIs(t, firstErr, ErrWriteBufferFull)
}

func TestDialTimeout(t *testing.T) {
	opts := DefaultSocketOptions()
	dialer, err := NewDialer(opts, nil)
	require.NoError(t, err)

	clientDelegate := newRecordingClientDelegate()
	// TEST-NET-1 (RFC 5737): reserved for documentation, routed nowhere,
	// so the connect attempt hangs until our own deadline fires instead
	// of getting an immediate ECONNREFUSED.
	require.NoError(t, dialer.Connect("192.0.2.1", 81, IPv4, TCP, 300*time.Millisecond, clientDelegate, nil))

	select {
	case err := <-clientDelegate.failed:
		require.ErrorIs(t, err, ErrTimedOut)
	case <-clientDelegate.connected:
		t.Fatal("unexpectedly connected to a reserved test-net address")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connectionFailed")
	}
}
