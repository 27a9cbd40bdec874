package echo

import (
	"bytes"
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/PeernetOfficial/udpstream"
)

// BenchOptions configures Bench.
type BenchOptions struct {
	Addr        string        // echo server address
	Clients     int           // concurrent dialed streams
	Rounds      int           // round trips per client
	PayloadSize int           // bytes per datagram
	Timeout     time.Duration // per round trip, 0 waits forever
	Config      udpstream.Config

	// Progress receives a progress bar when non-nil.
	Progress io.Writer
}

// Report summarizes a finished benchmark.
type Report struct {
	Clients    int
	RoundTrips int64
	Bytes      int64
	Elapsed    time.Duration
}

// Bench runs Clients streams against the echo server at Addr. Every client
// sends Rounds datagrams of PayloadSize bytes filled with the round number
// and expects each to come back unchanged before sending the next. The
// first failing client cancels the others.
func Bench(ctx context.Context, opts BenchOptions) (Report, error) {
	if opts.Clients <= 0 || opts.Rounds <= 0 || opts.PayloadSize <= 0 {
		return Report{}, errors.Errorf("bench: invalid options %+v", opts)
	}

	var bar *progressbar.ProgressBar
	if opts.Progress != nil {
		bar = progressbar.NewOptions(opts.Clients*opts.Rounds,
			progressbar.OptionSetWriter(opts.Progress),
			progressbar.OptionSetDescription("round trips"),
			progressbar.OptionShowCount(),
			progressbar.OptionThrottle(100*time.Millisecond),
		)
	}

	var report Report
	report.Clients = opts.Clients
	start := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < opts.Clients; i++ {
		i := i
		g.Go(func() error {
			return errors.Wrapf(client(ctx, opts, bar, &report), "client %d", i)
		})
	}
	err := g.Wait()
	report.Elapsed = time.Since(start)
	if bar != nil {
		_ = bar.Finish()
	}
	return report, err
}

func client(ctx context.Context, opts BenchOptions, bar *progressbar.ProgressBar, report *Report) error {
	s, err := udpstream.DialContext(ctx, opts.Addr, opts.Config)
	if err != nil {
		return err
	}
	defer s.Close()

	buf := make([]byte, opts.PayloadSize)
	for r := 0; r < opts.Rounds; r++ {
		payload := bytes.Repeat([]byte{byte(r)}, opts.PayloadSize)
		if _, err := s.Write(payload); err != nil {
			return errors.Wrapf(err, "round %d", r)
		}

		rctx, cancel := ctx, context.CancelFunc(func() {})
		if opts.Timeout > 0 {
			rctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		}
		n, err := s.ReadContext(rctx, buf)
		cancel()
		if err != nil {
			return errors.Wrapf(err, "round %d", r)
		}
		if !bytes.Equal(buf[:n], payload) {
			return errors.Errorf("round %d: echo mismatch", r)
		}

		atomic.AddInt64(&report.RoundTrips, 1)
		atomic.AddInt64(&report.Bytes, int64(n))
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	return nil
}
