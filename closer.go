package udpstream

import "net/netip"

// Reasons passed to a Closer.
const (
	TerminateReasonClosed         = iota // the stream was closed by its owner
	TerminateReasonShutdown              // the stream asked its listener to forget the peer
	TerminateReasonWriteError            // sending to the peer failed
	TerminateReasonListenerClosed        // the listener was closed
	TerminateReasonSocketError           // the socket became unusable and the read loop stopped
)

// Closer provides a status code indicating why the closing happens.
// For listener events peer is the zero value.
type Closer interface {
	Close(peer netip.AddrPort, reason int) error
}

// CloserFunc adapts an ordinary function to a Closer.
type CloserFunc func(peer netip.AddrPort, reason int) error

// Close calls f(peer, reason).
func (f CloserFunc) Close(peer netip.AddrPort, reason int) error { return f(peer, reason) }

func notifyCloser(c Closer, peer netip.AddrPort, reason int) {
	if c != nil {
		_ = c.Close(peer, reason)
	}
}
