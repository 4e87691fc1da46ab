package cwsp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestGracefulPeerClose covers spec §8's graceful-close scenario: a peer
// sends N bytes then closes its side. The Connection must surface all N
// bytes via HasData before (or alongside) reporting Disconnected with
// CONNECTION_RESET — no byte sent before the close may be lost.
func TestGracefulPeerClose(t *testing.T) {
	port := freePort(t)
	opts := DefaultSocketOptions()

	serverReceived := make(chan []byte, 1)
	serverDisconnected := make(chan error, 1)
	server := NewAcceptor(port, IPv4, &closingServerDelegate{
		received:     serverReceived,
		disconnected: serverDisconnected,
	}, opts, nil)
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

	payload := "hello before close"
	require.NoError(t, client.WriteString(payload))

	select {
	case got := <-serverReceived:
		require.Equal(t, payload, string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server to see the bytes")
	}

	dialer.DisconnectAll()

	select {
	case err := <-serverDisconnected:
		require.ErrorIs(t, err, ErrConnectionReset)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server-side disconnect notification")
	}
}

// closingServerDelegate forwards the bytes drained in each AsyncHasData
// callback on received, and the Connection's LastError on disconnected.
type closingServerDelegate struct {
	NopServerDelegate
	received     chan []byte
	disconnected chan error
}

func (d *closingServerDelegate) AsyncHasData(c *Connection) {
	if b := c.ReadAllData(); len(b) > 0 {
		d.received <- b
	}
}

func (d *closingServerDelegate) AsyncDisconnected(c *Connection) {
	d.disconnected <- c.LastError()
}
