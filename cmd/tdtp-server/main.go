package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/tdtp/pkg/tdtp/dchan"
	"github.com/malbeclabs/tdtp/pkg/tdtp/server"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	Addr          string
	ChannelBuffer int
	TickInterval  time.Duration
	MetricsAddr   string
	Verbose       bool
	ShowVersion   bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg := parseFlags()

	if cfg.ShowVersion {
		fmt.Printf("tdtp-server version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := newLogger(cfg.Verbose)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sender, receiver := dchan.New[uint64](cfg.ChannelBuffer)

	srvCfg := &server.Config{Logger: log.With("component", "tdtp")}
	if cfg.MetricsAddr != "" {
		srvCfg.Metrics = server.NewMetrics(prometheus.DefaultRegisterer)
		go serveMetrics(log.With("component", "metrics"), cfg.MetricsAddr)
	}
	srv := server.New(srvCfg)

	go generateMeasurements(ctx, log.With("component", "counter"), sender, cfg.TickInterval)

	if err := srv.Run(ctx, cfg.Addr, receiver); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("tdtp server stopped: %w", err)
	}
	log.Info("server shutdown complete")
	return nil
}

// generateMeasurements stands in for the Geiger counter hardware this
// server would otherwise poll: it emits a timestamp at a randomized
// interval around tickInterval, the way a detector's pulse arrivals are
// irregularly spaced rather than periodic.
func generateMeasurements(ctx context.Context, log *slog.Logger, sender *dchan.Sender[uint64], tickInterval time.Duration) {
	defer sender.Close()

	for {
		wait := tickInterval/2 + time.Duration(rand.Int63n(int64(tickInterval)))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if !sender.PeerAlive() {
			log.Debug("server side gone, stopping measurement generator")
			return
		}

		ts := uint64(time.Now().UnixMicro())
		if err := sender.Send(ts); err != nil {
			log.Debug("measurement dropped, receiver disconnected", "error", err)
			return
		}
	}
}

// serveMetrics exposes the server's prometheus counters at
// addr/metrics. It runs for the life of the process; a listener failure
// is logged rather than fatal, since the data plane functions fine
// without a scraped metrics endpoint.
func serveMetrics(log *slog.Logger, addr string) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("failed to start metrics listener", "error", err)
		return
	}
	log.Info("metrics listening", "address", lis.Addr().String())
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.Serve(lis, mux); err != nil {
		log.Error("metrics server stopped", "error", err)
	}
}

func parseFlags() *config {
	cfg := &config{}

	flag.StringVarP(&cfg.Addr, "addr", "a", ":7878", "Address to listen on (host:port)")
	flag.IntVar(&cfg.ChannelBuffer, "channel-buffer", 64, "Measurement channel buffer size")
	flag.DurationVar(&cfg.TickInterval, "tick-interval", 500*time.Millisecond, "Average interval between simulated measurements")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "Address to serve Prometheus metrics on (disabled if empty)")
	flag.BoolVarP(&cfg.Verbose, "verbose", "v", false, "Enable verbose logging")
	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "tdtp-server - Serve timed measurement data over TDTP\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  tdtp-server [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}

	flag.Parse()
	return cfg
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	}))
}
