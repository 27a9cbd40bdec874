package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/PeernetOfficial/udpstream"
	"github.com/PeernetOfficial/udpstream/internal/config"
	"github.com/PeernetOfficial/udpstream/internal/echo"
	"github.com/PeernetOfficial/udpstream/internal/observability"
)

var (
	subcommandKeyServer = "server"
	subcommandKeyBench  = "bench"
	subcommandKeyHelp   = "help"
)

// options holds the command line. set records which flags were given so
// that only those override the config file.
type options struct {
	subcommand string
	configPath string
	host       string
	port       uint16
	clients    int
	rounds     int
	size       int
	timeout    time.Duration
	progress   bool
	set        map[string]bool
}

func parseArgs(subcommand string, desc string, args []string) (opts options, err error) {
	var (
		portUint64 uint
		help       bool
	)
	flagset := flag.NewFlagSet(subcommand, flag.ContinueOnError)
	flagset.StringVar(&opts.configPath, "config", "", "config file (yaml)")
	flagset.StringVar(&opts.host, "h", "127.0.0.1", "host")
	flagset.UintVar(&portUint64, "p", 20007, "port")
	if subcommand == subcommandKeyBench {
		flagset.IntVar(&opts.clients, "n", 10, "concurrent clients")
		flagset.IntVar(&opts.rounds, "m", 20, "round trips per client")
		flagset.IntVar(&opts.size, "size", 256, "payload bytes")
		flagset.DurationVar(&opts.timeout, "timeout", time.Second, "read timeout per round trip")
		flagset.BoolVar(&opts.progress, "progress", false, "show a progress bar")
	} else {
		flagset.DurationVar(&opts.timeout, "timeout", 10*time.Second, "close streams idle this long, 0 never")
	}
	flagset.BoolVar(&help, "help", false, "output this subcommand help")
	flagset.Usage = func() {
		fmt.Fprintf(flagset.Output(), "%s\nUsage of `%s %s`:\n", desc, os.Args[0], subcommand)
		flagset.PrintDefaults()
	}
	if err = flagset.Parse(args[1:]); err != nil {
		return
	}
	if help {
		flagset.Usage()
		os.Exit(0)
	}
	if portUint64 >= (1 << 16) {
		return opts, fmt.Errorf("port must be uint16")
	}
	opts.subcommand = subcommand
	opts.port = uint16(portUint64)
	opts.set = make(map[string]bool)
	flagset.Visit(func(f *flag.Flag) { opts.set[f.Name] = true })
	return
}

// apply overrides cfg with the flags that were given.
func (o options) apply(cfg *config.Config) {
	addr := func(current string) string {
		host, port, err := net.SplitHostPort(current)
		if err != nil {
			host, port = o.host, strconv.Itoa(int(o.port))
		}
		if o.set["h"] {
			host = o.host
		}
		if o.set["p"] {
			port = strconv.Itoa(int(o.port))
		}
		return net.JoinHostPort(host, port)
	}

	switch o.subcommand {
	case subcommandKeyServer:
		cfg.Server.Listen = addr(cfg.Server.Listen)
		if o.set["timeout"] {
			cfg.Server.IdleTimeoutMS = int(o.timeout / time.Millisecond)
		}
	case subcommandKeyBench:
		cfg.Bench.Server = addr(cfg.Bench.Server)
		if o.set["n"] {
			cfg.Bench.Clients = o.clients
		}
		if o.set["m"] {
			cfg.Bench.Rounds = o.rounds
		}
		if o.set["size"] {
			cfg.Bench.PayloadSize = o.size
		}
		if o.set["timeout"] {
			cfg.Bench.TimeoutMS = int(o.timeout / time.Millisecond)
		}
		if o.set["progress"] {
			cfg.Bench.Progress = o.progress
		}
	}
}

func setup(opts options) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, nil, err
	}
	opts.apply(cfg)
	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func runServer(opts options) int {
	cfg, logger, err := setup(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %+v\n", err)
		return 1
	}
	defer logger.Sync()

	closer := udpstream.CloserFunc(func(peer netip.AddrPort, reason int) error {
		logger.Debug("stream terminated", zap.Stringer("peer", peer), zap.Int("reason", reason))
		return nil
	})
	l, err := udpstream.ListenWithConfig(cfg.Server.Listen, cfg.Stream.UDPStream(logger, closer))
	if err != nil {
		logger.Error("listen failed", zap.String("addr", cfg.Server.Listen), zap.Error(err))
		return 1
	}
	logger.Info("echo server listening", zap.Stringer("addr", l.AddrPort()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := echo.Serve(ctx, l, logger, cfg.Server.IdleTimeout()); err != nil {
		logger.Error("serve failed", zap.Error(err))
		return 1
	}
	logSnmp(logger)
	return 0
}

func runBench(opts options) int {
	cfg, logger, err := setup(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %+v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bo := echo.BenchOptions{
		Addr:        cfg.Bench.Server,
		Clients:     cfg.Bench.Clients,
		Rounds:      cfg.Bench.Rounds,
		PayloadSize: cfg.Bench.PayloadSize,
		Timeout:     cfg.Bench.Timeout(),
		Config:      cfg.Stream.UDPStream(logger, nil),
	}
	if cfg.Bench.Progress {
		bo.Progress = os.Stderr
	}
	report, err := echo.Bench(ctx, bo)
	logger.Info("bench finished",
		zap.String("server", bo.Addr),
		zap.Int("clients", report.Clients),
		zap.Int64("round_trips", report.RoundTrips),
		zap.Int64("bytes", report.Bytes),
		zap.Duration("elapsed", report.Elapsed))
	logSnmp(logger)
	if err != nil {
		logger.Error("bench failed", zap.Error(err))
		return 1
	}
	return 0
}

func logSnmp(logger *zap.Logger) {
	snmp := udpstream.DefaultSnmp.Copy()
	fields := make([]zap.Field, 0, len(snmp.Header()))
	values := snmp.ToSlice()
	for k, name := range snmp.Header() {
		fields = append(fields, zap.String(name, values[k]))
	}
	logger.Debug("counters", fields...)
}

func helpAndExit(isErr bool) {
	stdOutOrErr := os.Stdout
	if isErr {
		stdOutOrErr = os.Stderr
	}
	fmt.Fprintf(stdOutOrErr, "An echo server and benchmark client for udpstream\nUsage of %s server | bench\n  -help\n         output this help\n", os.Args[0])
	if isErr {
		os.Exit(2)
	}
}

func parseOrExit(subcommand, desc string) options {
	opts, err := parseArgs(subcommand, desc, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	return opts
}

func main() {
	if len(os.Args) < 2 {
		helpAndExit(true)
	}
	switch os.Args[1] {
	case subcommandKeyServer:
		os.Exit(runServer(parseOrExit(os.Args[1], "Run an echo server")))
	case subcommandKeyBench:
		os.Exit(runBench(parseOrExit(os.Args[1], "Benchmark an echo server")))
	case subcommandKeyHelp:
		helpAndExit(false)
	default:
		helpAndExit(true)
	}
}
