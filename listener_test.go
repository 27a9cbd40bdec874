package udpstream

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func newTestListener(t *testing.T, config Config) *Listener {
	t.Helper()
	l, err := ListenWithConfig("127.0.0.1:0", config)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

// newPeer returns a plain connected UDP socket talking to l.
func newPeer(t *testing.T, l *Listener) *net.UDPConn {
	t.Helper()
	c, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(l.AddrPort()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func peerOf(c *net.UDPConn) netip.AddrPort {
	return normalize(c.LocalAddr().(*net.UDPAddr).AddrPort())
}

func send(t *testing.T, c *net.UDPConn, payload string) {
	t.Helper()
	if _, err := c.Write([]byte(payload)); err != nil {
		t.Fatalf("send %q: %v", payload, err)
	}
}

func acceptWithin(t *testing.T, l *Listener, d time.Duration) (*UDPStream, netip.AddrPort) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	s, peer, err := l.AcceptContext(ctx)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, peer
}

func readString(t *testing.T, s *UDPStream, size int) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	buf := make([]byte, size)
	n, err := s.ReadContext(ctx, buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(buf[:n])
}

func expectRead(t *testing.T, s *UDPStream, want string) {
	t.Helper()
	if got := readString(t, s, 1500); got != want {
		t.Fatalf("read %q, want %q", got, want)
	}
}

func TestPerPeerOrdering(t *testing.T) {
	l := newTestListener(t, DefaultConfig())
	c := newPeer(t, l)

	const count = 50
	for i := 0; i < count; i++ {
		send(t, c, fmt.Sprintf("msg-%d", i))
	}

	s, peer := acceptWithin(t, l, 2*time.Second)
	if peer != peerOf(c) {
		t.Fatalf("accepted %v, want %v", peer, peerOf(c))
	}
	for i := 0; i < count; i++ {
		expectRead(t, s, fmt.Sprintf("msg-%d", i))
	}
}

func TestPeerIsolation(t *testing.T) {
	l := newTestListener(t, DefaultConfig())
	a := newPeer(t, l)
	b := newPeer(t, l)

	const count = 20
	for i := 0; i < count; i++ {
		send(t, a, fmt.Sprintf("A-%d", i))
		send(t, b, fmt.Sprintf("B-%d", i))
	}

	streams := make(map[netip.AddrPort]*UDPStream)
	for i := 0; i < 2; i++ {
		s, peer := acceptWithin(t, l, 2*time.Second)
		streams[peer] = s
	}

	for c, prefix := range map[*net.UDPConn]string{a: "A", b: "B"} {
		s := streams[peerOf(c)]
		if s == nil {
			t.Fatalf("no stream for peer %s", prefix)
		}
		for i := 0; i < count; i++ {
			got := readString(t, s, 1500)
			if want := fmt.Sprintf("%s-%d", prefix, i); got != want {
				t.Fatalf("peer %s read %q, want %q", prefix, got, want)
			}
		}
	}
}

func TestNewPeerAcceptedOnce(t *testing.T) {
	l := newTestListener(t, DefaultConfig())
	c := newPeer(t, l)

	for i := 0; i < 5; i++ {
		send(t, c, fmt.Sprintf("%d", i))
	}
	s, _ := acceptWithin(t, l, 2*time.Second)
	for i := 0; i < 5; i++ {
		expectRead(t, s, fmt.Sprintf("%d", i))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, _, err := l.AcceptContext(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second accept for a live peer: err = %v", err)
	}
}

// acceptReconnect keeps sending from c until l accepts it again.
func acceptReconnect(t *testing.T, l *Listener, c *net.UDPConn, payload string) *UDPStream {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		send(t, c, payload)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		s, peer, err := l.AcceptContext(ctx)
		cancel()
		if err == nil {
			t.Cleanup(func() { s.Close() })
			if peer != peerOf(c) {
				t.Fatalf("accepted %v, want %v", peer, peerOf(c))
			}
			return s
		}
	}
	t.Fatalf("peer was not accepted again")
	return nil
}

func TestCleanupAfterClose(t *testing.T) {
	l := newTestListener(t, DefaultConfig())
	c := newPeer(t, l)

	send(t, c, "hello")
	s, _ := acceptWithin(t, l, 2*time.Second)
	expectRead(t, s, "hello")
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	again := acceptReconnect(t, l, c, "again")
	expectRead(t, again, "again")
}

func TestShutdownDrainsThenBreaks(t *testing.T) {
	l := newTestListener(t, DefaultConfig())
	c := newPeer(t, l)

	send(t, c, "one")
	s, _ := acceptWithin(t, l, 2*time.Second)
	expectRead(t, s, "one")

	s.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := s.ReadContext(ctx, make([]byte, 16)); !errors.Is(err, ErrBrokenPipe) {
		t.Fatalf("read after shutdown: err = %v, want ErrBrokenPipe", err)
	}

	// writes still go out through the shared socket
	if _, err := s.Write([]byte("bye")); err != nil {
		t.Fatalf("write after shutdown: %v", err)
	}
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, err := c.Read(buf)
	if err != nil || string(buf[:n]) != "bye" {
		t.Fatalf("peer read %q, %v", buf[:n], err)
	}

	again := acceptReconnect(t, l, c, "two")
	expectRead(t, again, "two")
}

func TestHeadOfLineBlocking(t *testing.T) {
	config := DefaultConfig()
	config.QueueLen = 2
	l := newTestListener(t, config)
	a := newPeer(t, l)
	b := newPeer(t, l)

	send(t, a, "a0")
	sa, _ := acceptWithin(t, l, 2*time.Second)

	// a0 and a1 fill the queue; a2 parks the read loop
	send(t, a, "a1")
	send(t, a, "a2")
	time.Sleep(50 * time.Millisecond)
	send(t, b, "b0")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, _, err := l.AcceptContext(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("peer b got through a blocked intake: err = %v", err)
	}

	for _, want := range []string{"a0", "a1", "a2"} {
		expectRead(t, sa, want)
	}
	sb, _ := acceptWithin(t, l, 2*time.Second)
	expectRead(t, sb, "b0")
}

func TestAcceptDeadline(t *testing.T) {
	l := newTestListener(t, DefaultConfig())
	if err := l.SetDeadline(time.Now().Add(30 * time.Millisecond)); err != nil {
		t.Fatalf("SetDeadline: %v", err)
	}
	if _, err := l.Accept(); !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("accept: err = %v, want deadline exceeded", err)
	}
	if err := l.SetWriteDeadline(time.Now()); err == nil {
		t.Fatalf("SetWriteDeadline on a listener should fail")
	}
}

func TestListenerClose(t *testing.T) {
	var reasons []int
	config := DefaultConfig()
	config.Closer = CloserFunc(func(peer netip.AddrPort, reason int) error {
		if reason == TerminateReasonListenerClosed {
			reasons = append(reasons, reason)
		}
		return nil
	})
	l, err := ListenWithConfig("127.0.0.1:0", config)
	if err != nil {
		t.Fatal(err)
	}
	c := newPeer(t, l)

	send(t, c, "first")
	s, _ := acceptWithin(t, l, 2*time.Second)
	expectRead(t, s, "first")

	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := l.Close(); !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("second close: err = %v", err)
	}
	if len(reasons) != 1 {
		t.Fatalf("closer saw %d listener closes", len(reasons))
	}
	if _, err := l.Accept(); !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("accept after close: err = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := s.ReadContext(ctx, make([]byte, 16)); !errors.Is(err, ErrBrokenPipe) {
		t.Fatalf("read after listener close: err = %v, want ErrBrokenPipe", err)
	}

	// the socket stays open for the stream
	if _, err := s.Write([]byte("still here")); err != nil {
		t.Fatalf("write after listener close: %v", err)
	}
}

func TestAcceptBrokenPipeWhenSocketDies(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	died := make(chan int, 1)
	config := DefaultConfig()
	config.Closer = CloserFunc(func(peer netip.AddrPort, reason int) error {
		if reason == TerminateReasonSocketError {
			died <- reason
		}
		return nil
	})
	l, err := ServeConn(conn, config)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })

	conn.Close()
	select {
	case <-died:
	case <-time.After(2 * time.Second):
		t.Fatalf("read loop did not stop")
	}
	if _, _, err := l.AcceptStream(); !errors.Is(err, ErrBrokenPipe) {
		t.Fatalf("accept on a dead listener: err = %v, want ErrBrokenPipe", err)
	}
}

func TestListenBindError(t *testing.T) {
	l := newTestListener(t, DefaultConfig())
	_, err := Listen(l.AddrPort().String())
	if err == nil {
		t.Fatalf("second bind on %v succeeded", l.AddrPort())
	}
	if !strings.Contains(err.Error(), "bind") {
		t.Fatalf("error %q does not name the failed operation", err)
	}
}

func TestReadBatch(t *testing.T) {
	config := DefaultConfig()
	config.ReadBatch = 3
	l := newTestListener(t, config)
	c := newPeer(t, l)

	for i := 0; i < 10; i++ {
		send(t, c, fmt.Sprintf("batch-%d", i))
	}
	s, _ := acceptWithin(t, l, 2*time.Second)
	for i := 0; i < 10; i++ {
		expectRead(t, s, fmt.Sprintf("batch-%d", i))
	}
}

func TestFullAcceptBacklogStallsIntake(t *testing.T) {
	config := DefaultConfig()
	config.AcceptBacklog = 1
	l := newTestListener(t, config)
	a := newPeer(t, l)
	b := newPeer(t, l)
	c := newPeer(t, l)

	send(t, a, "a0")
	sa, _ := acceptWithin(t, l, 2*time.Second)
	expectRead(t, sa, "a0")

	// b0 fills the backlog; c0 parks the read loop offering c's stream
	send(t, b, "b0")
	time.Sleep(20 * time.Millisecond)
	send(t, c, "c0")
	time.Sleep(20 * time.Millisecond)
	send(t, a, "a1")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := sa.ReadContext(ctx, make([]byte, 16)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("known peer got through a full accept backlog: err = %v", err)
	}

	sb, _ := acceptWithin(t, l, 2*time.Second)
	expectRead(t, sa, "a1")
	expectRead(t, sb, "b0")
	sc, _ := acceptWithin(t, l, 2*time.Second)
	expectRead(t, sc, "c0")
}
