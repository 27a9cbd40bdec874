package udpstream

import (
	"net"
	"net/netip"
	"testing"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{name: "zero value gets defaults", config: Config{}},
		{name: "defaults", config: DefaultConfig()},
		{name: "batch within region", config: Config{ReadBatch: 3, BufferGrowUnits: 3}},
		{name: "batch larger than region", config: Config{ReadBatch: 4, BufferGrowUnits: 3}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if tt.config.QueueLen <= 0 || tt.config.AcceptBacklog <= 0 || tt.config.BufferUnit <= 0 {
				t.Fatalf("validate() left zero sizes: %+v", tt.config)
			}
			if tt.config.Logger == nil {
				t.Fatalf("validate() left a nil logger")
			}
		})
	}
}

func TestPeerTableRemove(t *testing.T) {
	peer := netip.MustParseAddrPort("127.0.0.1:4000")
	table := make(peerTable)

	old := &inbound{ch: make(chan []byte, 1), gen: 1}
	table.insert(peer, old)
	if !table.remove(peer, 1) {
		t.Fatalf("remove of the current generation failed")
	}
	if _, ok := <-old.ch; ok {
		t.Fatalf("queue left open after remove")
	}
	if table.remove(peer, 1) {
		t.Fatalf("second remove reported success")
	}

	fresh := &inbound{ch: make(chan []byte, 1), gen: 2}
	table.insert(peer, fresh)
	if table.remove(peer, 1) {
		t.Fatalf("late notice for generation 1 removed generation 2")
	}
	if table.get(peer) != fresh {
		t.Fatalf("reconnected peer lost its entry")
	}
	if !table.remove(peer, 0) {
		t.Fatalf("generation 0 should match any entry")
	}
}

func TestPeerTableCloseAll(t *testing.T) {
	table := make(peerTable)
	var queues []chan []byte
	for _, s := range []string{"127.0.0.1:1", "127.0.0.1:2", "[::1]:3"} {
		in := &inbound{ch: make(chan []byte, 1)}
		in.ch <- []byte(s)
		queues = append(queues, in.ch)
		table.insert(netip.MustParseAddrPort(s), in)
	}

	table.closeAll()
	if len(table) != 0 {
		t.Fatalf("%d entries left", len(table))
	}
	for _, ch := range queues {
		if _, ok := <-ch; !ok {
			t.Fatalf("queued datagram lost on close")
		}
		if _, ok := <-ch; ok {
			t.Fatalf("queue still open")
		}
	}
}

func TestNormalizeUnmapsIPv4(t *testing.T) {
	mapped := netip.MustParseAddrPort("[::ffff:10.0.0.1]:53")
	if got := normalize(mapped); got != netip.MustParseAddrPort("10.0.0.1:53") {
		t.Fatalf("normalize(%v) = %v", mapped, got)
	}
}

func TestSharedConnClosesOnLastRelease(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	c := newSharedConn(conn)
	c.acquire()

	if err := c.release(); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if _, err := c.WriteToUDPAddrPort([]byte("x"), netip.MustParseAddrPort("127.0.0.1:9")); err != nil {
		t.Fatalf("socket closed while still referenced: %v", err)
	}
	if err := c.release(); err != nil {
		t.Fatalf("last release: %v", err)
	}
	if _, err := c.WriteToUDPAddrPort([]byte("x"), netip.MustParseAddrPort("127.0.0.1:9")); err == nil {
		t.Fatalf("socket still open after last release")
	}
}

// newTestMultiplexer returns a multiplexer whose loops are not running, so
// route can be driven directly.
func newTestMultiplexer(t *testing.T, config Config) *multiplexer {
	t.Helper()
	if err := config.validate(); err != nil {
		t.Fatal(err)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return newMultiplexer(conn, config)
}

func TestRouteNewAndKnownPeer(t *testing.T) {
	m := newTestMultiplexer(t, DefaultConfig())
	peer := netip.MustParseAddrPort("127.0.0.1:5000")

	if !m.route(packet{data: []byte("one"), from: peer}) {
		t.Fatalf("route returned false")
	}
	if !m.route(packet{data: []byte("two"), from: peer}) {
		t.Fatalf("route returned false")
	}
	if len(m.chAccepts) != 1 {
		t.Fatalf("%d accepts for one peer", len(m.chAccepts))
	}
	s := <-m.chAccepts
	if s.PeerAddrPort() != peer {
		t.Fatalf("stream peer = %v", s.PeerAddrPort())
	}
	in := m.table.get(peer)
	if in == nil || len(in.ch) != 2 {
		t.Fatalf("peer entry missing or queue wrong")
	}
}

func TestRoutePurgesStaleEntry(t *testing.T) {
	m := newTestMultiplexer(t, DefaultConfig())
	peer := netip.MustParseAddrPort("127.0.0.1:5001")

	m.route(packet{data: []byte("one"), from: peer})
	s := <-m.chAccepts
	s.discard()

	// the reader is gone: entry purged, datagram dropped, no new stream
	m.route(packet{data: []byte("two"), from: peer})
	if m.table.get(peer) != nil {
		t.Fatalf("stale entry survived")
	}
	if len(m.chAccepts) != 0 {
		t.Fatalf("stale datagram created a stream")
	}

	m.route(packet{data: []byte("three"), from: peer})
	if len(m.chAccepts) != 1 {
		t.Fatalf("peer was not accepted again after purge")
	}
	again := <-m.chAccepts
	if got := string(<-again.rx); got != "three" {
		t.Fatalf("first datagram of the new stream = %q", got)
	}
}

func TestRouteDropsPeerWhenAcceptCannotProceed(t *testing.T) {
	config := DefaultConfig()
	config.AcceptBacklog = 1
	m := newTestMultiplexer(t, config)

	first := netip.MustParseAddrPort("127.0.0.1:6000")
	second := netip.MustParseAddrPort("127.0.0.1:6001")
	m.route(packet{data: []byte("a"), from: first})

	close(m.die)
	if m.route(packet{data: []byte("b"), from: second}) {
		t.Fatalf("route should stop when the listener is closing")
	}
	if m.table.get(second) != nil {
		t.Fatalf("dropped peer left a table entry")
	}
}
