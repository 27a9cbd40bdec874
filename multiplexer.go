package udpstream

import (
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	// room reserved for one datagram in the packet buffer
	defaultBufferUnit = 17480

	// packet buffer region size, in units
	defaultBufferGrowUnits = 3

	// per-peer inbound queue and accept backlog length
	defaultQueueLen = 100

	// at most one cleanup notice may be pending
	cleanupBacklog = 1
)

// Config controls behavior of listeners and streams created with it
type Config struct {
	BufferUnit      int         // bytes reserved per datagram; larger datagrams are truncated by the OS
	BufferGrowUnits int         // units allocated whenever the packet buffer runs short
	QueueLen        int         // capacity of each per-peer inbound queue
	AcceptBacklog   int         // capacity of the accept queue
	ReadBatch       int         // datagrams received per syscall where recvmmsg is available
	StreamMode      bool        // keep the unread remainder of a datagram for the next Read
	ReusePort       bool        // set SO_REUSEPORT on listening sockets where supported
	Logger          *zap.Logger // nil disables logging
	Closer          Closer      // notified whenever a stream or listener goes away
}

// DefaultConfig returns the configuration used by Listen and Dial.
func DefaultConfig() Config {
	return Config{
		BufferUnit:      defaultBufferUnit,
		BufferGrowUnits: defaultBufferGrowUnits,
		QueueLen:        defaultQueueLen,
		AcceptBacklog:   defaultQueueLen,
		ReadBatch:       1,
	}
}

func (c *Config) validate() error {
	if c.BufferUnit <= 0 {
		c.BufferUnit = defaultBufferUnit
	}
	if c.BufferGrowUnits <= 0 {
		c.BufferGrowUnits = defaultBufferGrowUnits
	}
	if c.QueueLen <= 0 {
		c.QueueLen = defaultQueueLen
	}
	if c.AcceptBacklog <= 0 {
		c.AcceptBacklog = defaultQueueLen
	}
	if c.ReadBatch <= 0 {
		c.ReadBatch = 1
	}
	if c.ReadBatch > c.BufferGrowUnits {
		return errors.Errorf("read batch %d exceeds buffer grow units %d", c.ReadBatch, c.BufferGrowUnits)
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}

// sharedConn is the physical socket of a listener. The listener and every
// stream it accepted hold a reference; the last one to let go closes it.
type sharedConn struct {
	*net.UDPConn
	refs int32
}

func newSharedConn(conn *net.UDPConn) *sharedConn {
	return &sharedConn{UDPConn: conn, refs: 1}
}

func (c *sharedConn) acquire() {
	atomic.AddInt32(&c.refs, 1)
}

func (c *sharedConn) release() error {
	if atomic.AddInt32(&c.refs, -1) == 0 {
		return c.UDPConn.Close()
	}
	return nil
}

// inbound is the sending half of a peer's queue as seen by the read loop.
type inbound struct {
	ch   chan []byte
	done <-chan struct{} // closed once the stream stops reading
	gen  uint64
}

// cleanupNotice asks the read loop to forget a peer.
type cleanupNotice struct {
	peer netip.AddrPort
	gen  uint64
}

// peerTable routes datagrams by source endpoint. It belongs to the monitor
// goroutine and is never touched from anywhere else.
type peerTable map[netip.AddrPort]*inbound

func (t peerTable) get(peer netip.AddrPort) *inbound { return t[peer] }

func (t peerTable) insert(peer netip.AddrPort, in *inbound) { t[peer] = in }

// remove forgets peer and closes its queue. A gen of zero matches any entry.
// A notice naming an older generation is ignored: it was sent by a stream
// that is already gone, and the entry now belongs to the peer's next stream.
func (t peerTable) remove(peer netip.AddrPort, gen uint64) bool {
	in, ok := t[peer]
	if !ok || (gen != 0 && in.gen != gen) {
		return false
	}
	delete(t, peer)
	close(in.ch)
	return true
}

// closeAll closes every queue; readers drain what is left and then see a
// broken pipe.
func (t peerTable) closeAll() {
	for peer, in := range t {
		delete(t, peer)
		close(in.ch)
	}
}

// A multiplexer turns one UDP socket into many per-peer streams.
type multiplexer struct {
	conn      *sharedConn
	local     netip.AddrPort
	config    Config
	log       *zap.Logger
	table     peerTable
	gen       uint64
	chPackets chan []packet      // recvLoop -> monitor, unbuffered
	chCleanup chan cleanupNotice // streams -> monitor
	chAccepts chan *UDPStream    // monitor -> Accept
	die       chan struct{}      // closed by Listener.Close
	dieOnce   sync.Once
	stopped   chan struct{} // closed when monitor has returned
}

// packet is one received datagram.
type packet struct {
	data []byte
	from netip.AddrPort
}

func newMultiplexer(conn *net.UDPConn, config Config) *multiplexer {
	m := &multiplexer{
		conn:      newSharedConn(conn),
		config:    config,
		log:       config.Logger,
		table:     make(peerTable),
		chPackets: make(chan []packet),
		chCleanup: make(chan cleanupNotice, cleanupBacklog),
		chAccepts: make(chan *UDPStream, config.AcceptBacklog),
		die:       make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		m.local = normalize(addr.AddrPort())
	}
	return m
}

// normalize unmaps IPv4-in-IPv6 addresses so dual-stack sockets key every
// IPv4 peer the same way.
func normalize(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
