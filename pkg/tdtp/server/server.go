// Package server implements the TDTP server side: a listener that
// accepts one connection at a time and, per spec.md §4.D, routes it to
// either the non-blocking duplex data handler or the one-shot status
// handler.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/malbeclabs/tdtp/pkg/tdtp/dchan"
	"github.com/malbeclabs/tdtp/pkg/tdtp/session"
	"github.com/malbeclabs/tdtp/pkg/tdtp/version"
	"github.com/malbeclabs/tdtp/pkg/tdtp/wire"
)

// pollInterval bounds how long the data handler's read deadline lets a
// single loop iteration block. It doubles as the "short adaptive sleep"
// spec.md §9 permits to cap CPU use in the busy-poll loop: Go exposes no
// direct equivalent to set_nonblocking on a net.Conn, so the poll is
// implemented as a repeatedly-renewed short read deadline instead, per
// spec.md §9's guidance for such environments.
const pollInterval = time.Millisecond

// Config configures a Server.
type Config struct {
	// Logger receives connection lifecycle and error events. Defaults to
	// slog.Default() if nil.
	Logger *slog.Logger
	// Clock is used for computing read deadlines and the status
	// sub-protocol's TIME field. Defaults to clockwork.NewRealClock();
	// tests inject a clockwork.FakeClock for deterministic timestamps.
	Clock clockwork.Clock
	// Version is reported over the status sub-protocol's VER field.
	// Defaults to version.Current.
	Version version.Version
	// Metrics are the prometheus counters updated by the accept loop and
	// the data handler.
	// Defaults to a set registered into a private, unscraped registry.
	Metrics *Metrics
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Version == (version.Version{}) {
		c.Version = version.Current
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(prometheus.NewRegistry())
	}
}

// Server is a single-connection-at-a-time TDTP server.
type Server struct {
	log     *slog.Logger
	clock   clockwork.Clock
	version version.Version
	metrics *Metrics
}

// New constructs a Server from cfg. A nil cfg is equivalent to &Config{}.
func New(cfg *Config) *Server {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.setDefaults()
	return &Server{
		log:     cfg.Logger,
		clock:   cfg.Clock,
		version: cfg.Version,
		metrics: cfg.Metrics,
	}
}

// Run binds addr and accepts connections one at a time until ctx is
// cancelled, the supplier's Sender end is closed (returns
// ErrChannelTerminated), or an I/O error occurs (returned as-is).
//
// Run does not support concurrent clients by design, per spec.md §1's
// Non-goals: a second client must wait for the first connection's
// handler to return before it is accepted.
func (s *Server) Run(ctx context.Context, addr string, supplier *dchan.Receiver[uint64]) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("tdtp: listen on %s: %w", addr, err)
	}
	defer lis.Close()
	s.log.Info("listening", "address", lis.Addr().String())

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("tdtp: accept: %w", err)
		}
		s.metrics.SessionsTotal.Inc()

		if err := s.serve(conn, supplier); err != nil {
			return err
		}
	}
}

// serve routes a single accepted connection and applies the close
// discipline common to every handler outcome. It returns non-nil only
// for the two outcomes that stop Run entirely: ErrChannelTerminated and
// I/O failure.
func (s *Server) serve(conn net.Conn, supplier *dchan.Receiver[uint64]) error {
	addr := conn.RemoteAddr()
	state := session.StateAwaitingConnType
	s.log.Debug("connection accepted", "address", addr, "state", state)

	defer conn.Close()

	connTy := make([]byte, 1)
	var herr *handlerErr
	if _, err := io.ReadFull(conn, connTy); err != nil {
		herr = newHandlerErr(kindProtoEOF, fmt.Errorf("read connection type: %w", err))
	} else {
		switch wire.ConnType(connTy[0]) {
		case wire.ConnData:
			state = session.StateData
			s.log.Debug("routing to data handler", "address", addr, "state", state)
			herr = s.handleData(conn, supplier)
		case wire.ConnStat:
			state = session.StateStatus
			s.log.Debug("routing to status handler", "address", addr, "state", state)
			herr = s.handleStatus(conn)
		default:
			herr = newHandlerErr(kindProtoUnknownConn, fmt.Errorf("unknown connection type 0x%02x", connTy[0]))
		}
	}

	state = session.StateClosing
	s.log.Debug("closing connection", "address", addr, "state", state)
	s.closeWithFrames(conn, herr)
	state = session.StateClosed
	s.log.Debug("connection closed", "address", addr, "state", state)

	if herr == nil {
		return nil
	}
	switch herr.kind {
	case kindChannelTerm:
		s.metrics.ChannelTerminations.Inc()
		s.log.Warn("supplier channel disconnected, stopping server", "address", addr)
		return ErrChannelTerminated
	case kindIO:
		s.log.Error("connection handler I/O error", "address", addr, "error", herr.err)
		return herr
	default:
		s.log.Warn("connection closed after protocol error", "address", addr, "error", herr.err)
		return nil
	}
}

// closeWithFrames implements spec.md §4.F's close discipline: write any
// pending error frame, then EXIT, best-effort. Failures here are
// swallowed — the connection is being torn down either way.
func (s *Server) closeWithFrames(conn net.Conn, herr *handlerErr) {
	if herr != nil {
		var frame []byte
		switch herr.kind {
		case kindProtoInvalid:
			f := wire.EncodeErr(wire.ErrInvalid)
			frame = f[:]
		case kindProtoUnknownConn:
			f := wire.EncodeErr(wire.ErrUnknownConn)
			frame = f[:]
		case kindProtoEOF:
			f := wire.EncodeErr(wire.ErrEOF)
			frame = f[:]
		}
		if frame != nil {
			if _, err := conn.Write(frame); err != nil {
				s.log.Debug("best-effort error frame write failed", "error", err)
			}
		}
	}
	exit := wire.EncodeCtrl(wire.OpExit)
	if _, err := conn.Write(exit[:]); err != nil {
		s.log.Debug("best-effort exit frame write failed", "error", err)
	}
}
