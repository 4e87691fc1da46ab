package socket

import (
	"os/signal"
	"syscall"
)

// signalIgnoreSIGPIPE ignores SIGPIPE process-wide. Linux has no
// per-socket SO_NOSIGPIPE, so a write() to a peer-reset connection would
// otherwise terminate the process by default; ignoring the signal turns
// that write() into an ordinary EPIPE error instead, which Write already
// surfaces as a normal error return.
func signalIgnoreSIGPIPE() {
	signal.Ignore(syscall.SIGPIPE)
}
