package udpstream

import (
	"net"
	"net/netip"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// batchConn is satisfied by both ipv4.PacketConn and ipv6.PacketConn; their
// Message types are the same type.
type batchConn interface {
	ReadBatch(ms []ipv4.Message, flags int) (int, error)
}

func newBatchConn(conn *net.UDPConn) batchConn {
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok && addr.IP.To4() != nil {
		return ipv4.NewPacketConn(conn)
	}
	return ipv6.NewPacketConn(conn)
}

// receiver reads datagrams straight into a packetBuffer.
type receiver struct {
	conn batchConn
	buf  *packetBuffer
	msgs []ipv4.Message
}

func newReceiver(conn *net.UDPConn, config Config) *receiver {
	r := &receiver{
		conn: newBatchConn(conn),
		buf:  newPacketBuffer(config.BufferUnit, config.BufferGrowUnits),
		msgs: make([]ipv4.Message, config.ReadBatch),
	}
	for k := range r.msgs {
		r.msgs[k].Buffers = make([][]byte, 1)
	}
	return r
}

// recv blocks for the next batch of datagrams.
func (r *receiver) recv() ([]packet, error) {
	r.buf.ensure(len(r.msgs))
	for k := range r.msgs {
		r.msgs[k].Buffers[0] = r.buf.slot(k)
		r.msgs[k].N = 0
		r.msgs[k].Addr = nil
	}

	count, err := r.conn.ReadBatch(r.msgs, 0)
	if err != nil {
		return nil, err
	}

	pkts := make([]packet, 0, count)
	used, nbytes := 0, 0
	for k := 0; k < count; k++ {
		msg := &r.msgs[k]
		off := k * r.buf.unit
		p := packet{data: r.buf.carve(off, msg.N)}
		if addr, ok := msg.Addr.(*net.UDPAddr); ok {
			p.from = normalize(addr.AddrPort())
		}
		pkts = append(pkts, p)
		used = off + msg.N
		nbytes += msg.N
	}
	r.buf.advance(used)

	atomic.AddUint64(&DefaultSnmp.InPkts, uint64(count))
	atomic.AddUint64(&DefaultSnmp.InBytes, uint64(nbytes))
	return pkts, nil
}

// fatalRecvError reports whether a receive error leaves the socket unusable.
// A deadline can only come from whoever handed the socket to ServeConn; no
// later read would succeed either.
func fatalRecvError(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, syscall.EBADF) ||
		errors.Is(err, syscall.ENOTSOCK)
}

// retryDelay backs off repeated receive errors: 5ms doubling up to 1s.
func retryDelay(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		d = time.Second
	}
	return d
}

// recvLoop owns the read side of the listener socket. Batches are handed to
// monitor over an unbuffered channel, so a monitor stuck on a full queue
// stops intake here as well.
func (m *multiplexer) recvLoop() {
	defer close(m.chPackets)

	r := newReceiver(m.conn.UDPConn, m.config)
	var delay time.Duration
	for {
		pkts, err := r.recv()
		if err != nil {
			select {
			case <-m.die:
				return
			default:
			}
			if fatalRecvError(err) {
				m.log.Warn("listener socket unusable", zap.Stringer("local", m.local), zap.Error(err))
				return
			}
			atomic.AddUint64(&DefaultSnmp.InErrs, 1)
			delay = retryDelay(delay)
			m.log.Debug("receive failed", zap.Stringer("local", m.local), zap.Duration("retry", delay), zap.Error(err))
			select {
			case <-time.After(delay):
			case <-m.die:
				return
			}
			continue
		}
		delay = 0
		if len(pkts) == 0 {
			continue
		}

		select {
		case m.chPackets <- pkts:
		case <-m.die:
			return
		}
	}
}

// monitor owns the peer table. It is the only goroutine that reads or
// writes it.
func (m *multiplexer) monitor() {
	defer m.stop()

	for {
		select {
		case n := <-m.chCleanup:
			if m.table.remove(n.peer, n.gen) {
				m.log.Debug("peer forgotten", zap.Stringer("peer", n.peer))
			}
		case pkts, ok := <-m.chPackets:
			if !ok {
				select {
				case <-m.die:
				default:
					notifyCloser(m.config.Closer, netip.AddrPort{}, TerminateReasonSocketError)
				}
				return
			}
			for k := range pkts {
				if !m.route(pkts[k]) {
					return
				}
			}
		case <-m.die:
			return
		}
	}
}

// route delivers one datagram, creating a stream on first contact. It
// returns false only when the listener is closing.
func (m *multiplexer) route(p packet) bool {
	if in := m.table.get(p.from); in != nil {
		select {
		case <-in.done:
			m.purge(p.from, in)
			return true
		default:
		}

		select {
		case in.ch <- p.data:
			return true
		case <-in.done:
			m.purge(p.from, in)
			return true
		case <-m.die:
			return false
		}
	}

	m.gen++
	in := &inbound{ch: make(chan []byte, m.config.QueueLen), gen: m.gen}
	s := newAcceptedStream(m, p.from, in)
	in.ch <- p.data

	select {
	case m.chAccepts <- s:
	case <-m.die:
		s.discard()
		atomic.AddUint64(&DefaultSnmp.AcceptDropped, 1)
		m.log.Warn("new peer dropped, listener closing", zap.Stringer("peer", p.from))
		return false
	}
	m.table.insert(p.from, in)
	m.log.Debug("new peer", zap.Stringer("peer", p.from))
	return true
}

// purge drops a table entry whose stream stopped reading. The datagram that
// revealed it is dropped too; the next one from the peer starts over.
func (m *multiplexer) purge(peer netip.AddrPort, in *inbound) {
	m.table.remove(peer, in.gen)
	atomic.AddUint64(&DefaultSnmp.StaleEntries, 1)
	m.log.Debug("stale peer purged", zap.Stringer("peer", peer))
}

func (m *multiplexer) stop() {
	m.table.closeAll()
	close(m.chAccepts)
	close(m.stopped)
}

// readLoop feeds a dialed stream from its own connected socket.
func (s *UDPStream) readLoop(conn *net.UDPConn, rx chan<- []byte, config Config) {
	defer close(rx)

	r := newReceiver(conn, config)
	var delay time.Duration
	for {
		pkts, err := r.recv()
		if err != nil {
			select {
			case <-s.die:
				return
			default:
			}
			if fatalRecvError(err) {
				return
			}
			// connected sockets report ICMP errors here; the socket stays usable
			atomic.AddUint64(&DefaultSnmp.InErrs, 1)
			delay = retryDelay(delay)
			s.log.Debug("receive failed", zap.Stringer("peer", s.remote), zap.Duration("retry", delay), zap.Error(err))
			select {
			case <-time.After(delay):
			case <-s.die:
				return
			}
			continue
		}
		delay = 0

		for k := range pkts {
			select {
			case rx <- pkts[k].data:
			case <-s.die:
				return
			}
		}
	}
}
