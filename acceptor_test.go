package cwsp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestBurstAccept covers spec §8's burst-accept scenario: many connections
// arriving in the same readiness event must all be accepted and reported,
// none dropped, none duplicated — exercising the accept-until-EAGAIN drain
// loop in Acceptor.onAcceptable.
func TestBurstAccept(t *testing.T) {
	const burst = 32

	port := freePort(t)
	opts := DefaultSocketOptions()

	serverDelegate := newEchoServerDelegate()
	server := NewAcceptor(port, IPv4, serverDelegate, opts, nil)
	require.NoError(t, server.Start())
	defer server.Stop()

	dialer, err := NewDialer(opts, nil)
	require.NoError(t, err)

	clientDelegate := newRecordingClientDelegate()
	for i := 0; i < burst; i++ {
		require.NoError(t, dialer.Connect("127.0.0.1", port, IPv4, TCP, 2*time.Second, clientDelegate, nil))
	}

	seen := 0
	deadline := time.After(5 * time.Second)
	for seen < burst {
		select {
		case <-clientDelegate.connected:
			seen++
		case err := <-clientDelegate.failed:
			t.Fatalf("dial %d failed: %v", seen, err)
		case <-deadline:
			t.Fatalf("timed out after %d/%d connections", seen, burst)
		}
	}
	require.Equal(t, burst, seen)

	require.Eventually(t, func() bool {
		return server.ConnectionCount() == burst
	}, 5*time.Second, 10*time.Millisecond)
}
