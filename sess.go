package udpstream

import (
	"context"
	"io"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type (
	// UDPStream is a virtual connection to one peer. Streams returned by
	// Accept share the listener socket and are fed by its read loop; streams
	// returned by Dial own a connected socket and a reader goroutine.
	UDPStream struct {
		link   streamLink // variant specific send/cleanup/release
		local  netip.AddrPort
		remote netip.AddrPort
		log    *zap.Logger
		closer Closer

		// receiving half, one reader at a time
		rxMu   sync.Mutex
		rx     <-chan []byte
		bufptr []byte // unread remainder, stream mode only

		streamMode int32
		shut       int32

		rd atomic.Value // read deadline
		wd atomic.Value // write deadline

		// notifications
		die         chan struct{} // notify current stream has Closed
		dieOnce     sync.Once
		chReadEvent chan struct{} // wakes a blocked Read when its deadline changes
	}

	// streamLink is what differs between accepted and dialed streams.
	streamLink interface {
		send(b []byte) (int, error)
		cleanup() // best-effort request to forget the peer
		release() error
	}

	// acceptedLink sends through the shared listener socket and reports back
	// to the listener's read loop.
	acceptedLink struct {
		conn      *sharedConn
		peer      netip.AddrPort
		gen       uint64
		done      chan struct{}
		doneOnce  sync.Once
		chCleanup chan<- cleanupNotice
	}

	// dialedLink owns a connected socket; closing it stops the reader.
	dialedLink struct {
		conn *net.UDPConn
	}
)

func newUDPStream(config Config, local, remote netip.AddrPort, rx <-chan []byte, link streamLink) *UDPStream {
	s := new(UDPStream)
	s.link = link
	s.local = local
	s.remote = remote
	s.log = config.Logger
	s.closer = config.Closer
	s.rx = rx
	s.die = make(chan struct{})
	s.chReadEvent = make(chan struct{}, 1)
	if config.StreamMode {
		s.streamMode = 1
	}
	return s
}

// newAcceptedStream is called by the read loop on first contact from peer.
func newAcceptedStream(m *multiplexer, peer netip.AddrPort, in *inbound) *UDPStream {
	done := make(chan struct{})
	in.done = done
	m.conn.acquire()
	link := &acceptedLink{
		conn:      m.conn,
		peer:      peer,
		gen:       in.gen,
		done:      done,
		chCleanup: m.chCleanup,
	}
	s := newUDPStream(m.config, m.local, peer, in.ch, link)
	atomic.AddUint64(&DefaultSnmp.PassiveOpens, 1)
	trackEstablished()
	return s
}

// Dial connects to the remote UDP address raddr with the default config.
func Dial(raddr string) (*UDPStream, error) {
	return DialWithConfig(raddr, DefaultConfig())
}

// DialWithConfig connects to the remote UDP address raddr.
func DialWithConfig(raddr string, config Config) (*UDPStream, error) {
	return DialContext(context.Background(), raddr, config)
}

// DialContext binds an ephemeral local socket, connects it to raddr and
// starts the stream's reader. The kernel only delivers datagrams from raddr
// to a connected socket.
func DialContext(ctx context.Context, raddr string, config Config) (*UDPStream, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	var d net.Dialer
	c, err := d.DialContext(ctx, "udp", raddr)
	if err != nil {
		return nil, errors.Wrap(err, "dial")
	}
	conn := c.(*net.UDPConn)

	var local, remote netip.AddrPort
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		local = normalize(addr.AddrPort())
	}
	if addr, ok := conn.RemoteAddr().(*net.UDPAddr); ok {
		remote = normalize(addr.AddrPort())
	}

	rx := make(chan []byte, config.QueueLen)
	s := newUDPStream(config, local, remote, rx, &dialedLink{conn: conn})
	go s.readLoop(conn, rx, config)

	atomic.AddUint64(&DefaultSnmp.ActiveOpens, 1)
	trackEstablished()
	return s, nil
}

// Read implements net.Conn. Each call returns data from at most one
// datagram. Unless stream mode is on, the part of a datagram that does not
// fit into b is discarded.
func (s *UDPStream) Read(b []byte) (n int, err error) {
	return s.ReadContext(context.Background(), b)
}

// ReadContext is Read that also gives up when ctx is done.
func (s *UDPStream) ReadContext(ctx context.Context, b []byte) (n int, err error) {
	s.rxMu.Lock()
	defer s.rxMu.Unlock()

	select {
	case <-s.die:
		return 0, errors.WithStack(io.ErrClosedPipe)
	default:
	}

	if len(s.bufptr) > 0 { // copy from buffer into b
		n = copy(b, s.bufptr)
		s.bufptr = s.bufptr[n:]
		atomic.AddUint64(&DefaultSnmp.BytesReceived, uint64(n))
		return n, nil
	}

	for {
		// deadline for current reading operation
		var timeout *time.Timer
		var c <-chan time.Time
		if rd, ok := s.rd.Load().(time.Time); ok && !rd.IsZero() {
			if time.Now().After(rd) {
				return 0, errors.WithStack(os.ErrDeadlineExceeded)
			}
			timeout = time.NewTimer(time.Until(rd))
			c = timeout.C
		}

		select {
		case chunk, ok := <-s.rx:
			stopTimer(timeout)
			if !ok {
				return 0, errors.WithStack(ErrBrokenPipe)
			}
			return s.deliver(b, chunk), nil
		case <-s.chReadEvent:
			stopTimer(timeout)
		case <-c:
			return 0, errors.WithStack(os.ErrDeadlineExceeded)
		case <-ctx.Done():
			stopTimer(timeout)
			return 0, errors.WithStack(ctx.Err())
		case <-s.die:
			stopTimer(timeout)
			return 0, errors.WithStack(io.ErrClosedPipe)
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// deliver copies chunk into b. rxMu must be held.
func (s *UDPStream) deliver(b, chunk []byte) int {
	n := copy(b, chunk)
	if rest := len(chunk) - n; rest > 0 {
		if atomic.LoadInt32(&s.streamMode) == 1 {
			s.bufptr = chunk[n:]
		} else {
			atomic.AddUint64(&DefaultSnmp.TruncatedBytes, uint64(rest))
		}
	}
	atomic.AddUint64(&DefaultSnmp.BytesReceived, uint64(n))
	return n
}

// Write implements net.Conn. b is sent as exactly one datagram.
func (s *UDPStream) Write(b []byte) (n int, err error) {
	if err := s.writable(); err != nil {
		return 0, err
	}
	return s.tx(b)
}

// WriteBuffers gathers v into a single datagram.
func (s *UDPStream) WriteBuffers(v [][]byte) (n int, err error) {
	if err := s.writable(); err != nil {
		return 0, err
	}

	size := 0
	for _, b := range v {
		size += len(b)
	}

	var bts []byte
	pooled := size <= defaultBufferUnit
	if pooled {
		bts = xmitBuf.Get().([]byte)[:0]
	} else {
		bts = make([]byte, 0, size)
	}
	for _, b := range v {
		bts = append(bts, b...)
	}
	n, err = s.tx(bts)
	if pooled {
		xmitBuf.Put(bts[:cap(bts)])
	}
	return n, err
}

func (s *UDPStream) writable() error {
	select {
	case <-s.die:
		return errors.WithStack(io.ErrClosedPipe)
	default:
	}
	if wd, ok := s.wd.Load().(time.Time); ok && !wd.IsZero() && time.Now().After(wd) {
		return errors.WithStack(os.ErrDeadlineExceeded)
	}
	return nil
}

// Shutdown asks the listener to forget this peer. Reads keep draining what
// was already queued and then fail with ErrBrokenPipe; a datagram arriving
// afterwards from the same peer is accepted as a new stream. Dialed streams
// have nothing to forget, so for them Shutdown does nothing and the Closer
// is not notified.
func (s *UDPStream) Shutdown() {
	if _, dialed := s.link.(*dialedLink); dialed {
		return
	}
	atomic.StoreInt32(&s.shut, 1)
	s.link.cleanup()
	notifyCloser(s.closer, s.remote, TerminateReasonShutdown)
}

// Close closes the stream. Blocked reads return io.ErrClosedPipe. A dialed
// stream closes its socket; an accepted stream asks its listener to forget
// the peer and lets go of the shared socket.
func (s *UDPStream) Close() error {
	var once bool
	s.dieOnce.Do(func() {
		close(s.die)
		once = true
	})
	if !once {
		return errors.WithStack(io.ErrClosedPipe)
	}

	atomic.AddUint64(&DefaultSnmp.CurrEstab, ^uint64(0))
	if atomic.CompareAndSwapInt32(&s.shut, 0, 1) {
		s.link.cleanup()
	}
	notifyCloser(s.closer, s.remote, TerminateReasonClosed)
	return s.link.release()
}

// discard tears down a stream that never reached its owner.
func (s *UDPStream) discard() {
	s.dieOnce.Do(func() {
		close(s.die)
		atomic.AddUint64(&DefaultSnmp.CurrEstab, ^uint64(0))
		_ = s.link.release()
	})
}

// SetStreamMode toggles the stream mode on/off. In stream mode the part of
// a datagram that did not fit into a Read is returned by the next Read.
func (s *UDPStream) SetStreamMode(enable bool) {
	if enable {
		atomic.StoreInt32(&s.streamMode, 1)
	} else {
		atomic.StoreInt32(&s.streamMode, 0)
	}
}

// SetDeadline sets the read and write deadlines. A zero time value disables the deadline.
func (s *UDPStream) SetDeadline(t time.Time) error {
	s.rd.Store(t)
	s.wd.Store(t)
	s.notifyReadEvent()
	return nil
}

// SetReadDeadline implements the Conn SetReadDeadline method.
func (s *UDPStream) SetReadDeadline(t time.Time) error {
	s.rd.Store(t)
	s.notifyReadEvent()
	return nil
}

// SetWriteDeadline implements the Conn SetWriteDeadline method.
func (s *UDPStream) SetWriteDeadline(t time.Time) error {
	s.wd.Store(t)
	return nil
}

func (s *UDPStream) notifyReadEvent() {
	select {
	case s.chReadEvent <- struct{}{}:
	default:
	}
}

// LocalAddr returns the local network address.
func (s *UDPStream) LocalAddr() net.Addr { return net.UDPAddrFromAddrPort(s.local) }

// RemoteAddr returns the peer's network address.
func (s *UDPStream) RemoteAddr() net.Addr { return net.UDPAddrFromAddrPort(s.remote) }

// LocalAddrPort returns the local endpoint.
func (s *UDPStream) LocalAddrPort() netip.AddrPort { return s.local }

// PeerAddrPort returns the peer endpoint.
func (s *UDPStream) PeerAddrPort() netip.AddrPort { return s.remote }

func (l *acceptedLink) send(b []byte) (int, error) {
	return l.conn.WriteToUDPAddrPort(b, l.peer)
}

// cleanup never blocks: with a notice already pending this one is lost, and
// the read loop catches up on the next datagram from the peer.
func (l *acceptedLink) cleanup() {
	select {
	case l.chCleanup <- cleanupNotice{peer: l.peer, gen: l.gen}:
		atomic.AddUint64(&DefaultSnmp.CleanupSent, 1)
	default:
		atomic.AddUint64(&DefaultSnmp.CleanupLost, 1)
	}
}

func (l *acceptedLink) release() error {
	l.doneOnce.Do(func() { close(l.done) })
	return l.conn.release()
}

func (l *dialedLink) send(b []byte) (int, error) { return l.conn.Write(b) }

func (l *dialedLink) cleanup() {}

func (l *dialedLink) release() error { return l.conn.Close() }
