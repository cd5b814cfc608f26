package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/tdtp/pkg/tdtp/client"
	"github.com/malbeclabs/tdtp/pkg/tdtp/dchan"
	"github.com/malbeclabs/tdtp/pkg/tdtp/wire"
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
	StatusOnly    bool
	StatusEcho    string
	Verbose       bool
	ShowVersion   bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := parseFlags()

	if cfg.ShowVersion {
		fmt.Printf("tdtp-client version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := newLogger(cfg.Verbose)

	if cfg.StatusOnly {
		return runStatus(cfg)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sender, receiver := dchan.New[uint64](cfg.ChannelBuffer)

	go func() {
		<-ctx.Done()
		receiver.Close()
	}()

	go printMeasurements(log.With("component", "consumer"), receiver)

	if err := client.RunWithReconnect(ctx, log.With("component", "tdtp"), cfg.Addr, sender); err != nil {
		return fmt.Errorf("tdtp client stopped: %w", err)
	}
	log.Info("client shutdown complete")
	return nil
}

func runStatus(cfg *config) error {
	resp, err := client.Status(cfg.Addr, wire.DefaultStatusFlags, cfg.StatusEcho)
	if err != nil {
		return fmt.Errorf("status request failed: %w", err)
	}

	fmt.Println("=== Status ===")
	if resp.HasIP {
		fmt.Printf("Connection IP: %s\n", resp.IP)
	}
	if resp.HasTime {
		fmt.Printf("Server time:   %s\n", resp.Time.Format(time.RFC3339Nano))
	}
	if resp.HasVer {
		fmt.Printf("Version:       %s\n", resp.Ver)
	}
	if resp.HasEcho {
		fmt.Printf("Echo:          %q\n", resp.Echo)
	}
	return nil
}

func printMeasurements(log *slog.Logger, receiver *dchan.Receiver[uint64]) {
	var count uint64
	for {
		ts, ok := receiver.Recv()
		if !ok {
			log.Info("measurement stream ended", "received", count)
			return
		}
		count++
		fmt.Printf("#%d ts=%d\n", count, ts)
	}
}

func parseFlags() *config {
	cfg := &config{}

	flag.StringVarP(&cfg.Addr, "server", "s", "localhost:7878", "tdtp server address (host:port)")
	flag.IntVar(&cfg.ChannelBuffer, "channel-buffer", 64, "Measurement channel buffer size")
	flag.BoolVar(&cfg.StatusOnly, "status", false, "Send a status request instead of streaming data")
	flag.StringVar(&cfg.StatusEcho, "echo", "tdtp", "Echo payload for --status requests")
	flag.BoolVarP(&cfg.Verbose, "verbose", "v", false, "Enable verbose logging")
	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "tdtp-client - Stream timed measurement data over TDTP\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  tdtp-client [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  tdtp-client -s localhost:7878\n")
		fmt.Fprintf(os.Stderr, "  tdtp-client -s localhost:7878 --status --echo hello\n\n")
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
