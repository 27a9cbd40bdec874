package udpstream

import (
	"context"
	"io"
	"net"
	"net/netip"
	"os"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Listener defines a server which will be waiting to accept incoming streams
type Listener struct {
	m  *multiplexer
	rd atomic.Value // read deadline for Accept()
}

// Listen listens for incoming UDP datagrams on laddr with the default config.
func Listen(laddr string) (*Listener, error) {
	return ListenWithConfig(laddr, DefaultConfig())
}

// ListenWithConfig listens for incoming UDP datagrams on laddr.
func ListenWithConfig(laddr string, config Config) (*Listener, error) {
	return ListenContext(context.Background(), laddr, config)
}

// ListenContext binds laddr and starts demultiplexing it.
func ListenContext(ctx context.Context, laddr string, config Config) (*Listener, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	var lc net.ListenConfig
	if config.ReusePort {
		lc.Control = reusePortControl
	}
	c, err := lc.ListenPacket(ctx, "udp", laddr)
	if err != nil {
		return nil, errors.Wrap(err, "bind")
	}
	return serveConn(c.(*net.UDPConn), config), nil
}

// ServeConn demultiplexes an already bound socket. The listener takes
// ownership of conn.
func ServeConn(conn *net.UDPConn, config Config) (*Listener, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	return serveConn(conn, config), nil
}

func serveConn(conn *net.UDPConn, config Config) *Listener {
	m := newMultiplexer(conn, config)
	go m.recvLoop()
	go m.monitor()
	return &Listener{m: m}
}

// Accept implements the Accept method in the net.Listener interface.
func (l *Listener) Accept() (net.Conn, error) {
	s, _, err := l.AcceptStream()
	if err != nil {
		return nil, err
	}
	return s, nil
}

// AcceptStream waits for the first datagram of a peer not currently known
// and returns its stream.
func (l *Listener) AcceptStream() (*UDPStream, netip.AddrPort, error) {
	return l.AcceptContext(context.Background())
}

// AcceptContext is AcceptStream that also gives up when ctx is done.
// Streams already queued are handed out after the read loop stopped; once
// they are gone Accept fails with ErrBrokenPipe.
func (l *Listener) AcceptContext(ctx context.Context) (*UDPStream, netip.AddrPort, error) {
	select {
	case <-l.m.die:
		return nil, netip.AddrPort{}, errors.WithStack(io.ErrClosedPipe)
	default:
	}

	var timeout <-chan time.Time
	if tdeadline, ok := l.rd.Load().(time.Time); ok && !tdeadline.IsZero() {
		timer := time.NewTimer(time.Until(tdeadline))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-timeout:
		return nil, netip.AddrPort{}, errors.WithStack(os.ErrDeadlineExceeded)
	case <-ctx.Done():
		return nil, netip.AddrPort{}, errors.WithStack(ctx.Err())
	case s, ok := <-l.m.chAccepts:
		if !ok {
			return nil, netip.AddrPort{}, errors.WithStack(ErrBrokenPipe)
		}
		return s, s.remote, nil
	case <-l.m.die:
		return nil, netip.AddrPort{}, errors.WithStack(io.ErrClosedPipe)
	}
}

// SetDeadline sets the deadline associated with the listener. A zero time value disables the deadline.
func (l *Listener) SetDeadline(t time.Time) error {
	return l.SetReadDeadline(t)
}

// SetReadDeadline sets the deadline for Accept.
func (l *Listener) SetReadDeadline(t time.Time) error {
	l.rd.Store(t)
	return nil
}

// SetWriteDeadline is not supported; a listener does not write.
func (l *Listener) SetWriteDeadline(t time.Time) error { return errInvalidOperation }

// Close stops the read loop. Streams already accepted can still write;
// their reads fail with ErrBrokenPipe once their queues are drained. The
// socket is closed when the last of them is closed.
func (l *Listener) Close() error {
	var once bool
	l.m.dieOnce.Do(func() {
		close(l.m.die)
		once = true
	})
	if !once {
		return errors.WithStack(io.ErrClosedPipe)
	}

	// wake recvLoop without closing a socket that streams may still use
	_ = l.m.conn.SetReadDeadline(aLongTimeAgo)
	<-l.m.stopped
	for s := range l.m.chAccepts {
		s.discard()
	}

	notifyCloser(l.m.config.Closer, netip.AddrPort{}, TerminateReasonListenerClosed)
	return l.m.conn.release()
}

// Addr returns the listener's network address.
func (l *Listener) Addr() net.Addr {
	return l.m.conn.LocalAddr()
}

// AddrPort returns the listener's local endpoint.
func (l *Listener) AddrPort() netip.AddrPort {
	return l.m.local
}
