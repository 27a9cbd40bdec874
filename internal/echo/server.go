// Package echo is a small echo server and benchmark client built on
// udpstream. It is what cmd/udpecho runs.
package echo

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/PeernetOfficial/udpstream"
)

// Serve accepts streams from l and echoes every datagram back to its sender
// until ctx is done. A stream that stays silent for idle is closed; idle 0
// keeps streams open until the peer goes away. Serve closes l before it
// returns and waits for the per-peer goroutines.
func Serve(ctx context.Context, l *udpstream.Listener, log *zap.Logger, idle time.Duration) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	defer l.Close()

	for {
		s, peer, err := l.AcceptContext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "accept")
		}
		log.Info("peer connected", zap.Stringer("peer", peer))

		wg.Add(1)
		go func() {
			defer wg.Done()
			serveStream(ctx, s, log, idle)
		}()
	}
}

func serveStream(ctx context.Context, s *udpstream.UDPStream, log *zap.Logger, idle time.Duration) {
	defer s.Close()

	buf := make([]byte, 64*1024)
	var packets, bytes int
	reason := "closed"
	for {
		if idle > 0 {
			s.SetReadDeadline(time.Now().Add(idle))
		}
		n, err := s.ReadContext(ctx, buf)
		if err != nil {
			switch {
			case errors.Is(err, os.ErrDeadlineExceeded):
				reason = "idle"
			case errors.Is(err, udpstream.ErrBrokenPipe):
				reason = "listener gone"
			case errors.Is(err, io.ErrClosedPipe), ctx.Err() != nil:
				reason = "shutting down"
			default:
				reason = err.Error()
			}
			break
		}
		if _, err := s.Write(buf[:n]); err != nil {
			log.Warn("echo failed", zap.Stringer("peer", s.PeerAddrPort()), zap.Error(err))
			reason = "write error"
			break
		}
		packets++
		bytes += n
	}

	log.Info("peer closed",
		zap.Stringer("peer", s.PeerAddrPort()),
		zap.String("reason", reason),
		zap.Int("packets", packets),
		zap.Int("bytes", bytes))
}
