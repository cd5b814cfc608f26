package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/malbeclabs/tdtp/pkg/tdtp/dchan"
	"github.com/malbeclabs/tdtp/pkg/tdtp/wire"
)

// handleData is the non-blocking duplex loop of spec.md §4.D: each
// iteration polls for a client exit signal, then pulls the next
// measurement (or heartbeat) from supplier and writes it. The
// exit-check strictly precedes the try-recv, so a packet pending in
// the channel at the moment the client sends EXIT is consumed by the
// server and never delivered — accepted lossy behaviour at shutdown.
func (s *Server) handleData(conn net.Conn, supplier *dchan.Receiver[uint64]) *handlerErr {
	exitBuf := make([]byte, 2)

	for {
		if err := conn.SetReadDeadline(s.clock.Now().Add(pollInterval)); err != nil {
			return newHandlerErr(kindIO, fmt.Errorf("set read deadline: %w", err))
		}

		n, err := conn.Read(exitBuf)
		switch {
		case err == nil && n == 2 && exitBuf[0] == byte(wire.Ctrl) && exitBuf[1] == byte(wire.OpExit):
			return nil
		case err == nil, errors.Is(err, io.EOF):
			// Either fewer than 2 bytes (or 2 bytes not matching the exit
			// frame), or the client half-closed without ever sending
			// EXIT: neither counts as an exit signal this iteration. Any
			// partial bytes read here are discarded rather than
			// reassembled across iterations, matching the reference
			// implementation's single-read poll.
		case isTimeout(err):
			// No bytes available yet; proceed to the supplier poll.
		default:
			return newHandlerErr(kindIO, fmt.Errorf("poll exit signal: %w", err))
		}

		if err := conn.SetWriteDeadline(time.Time{}); err != nil {
			return newHandlerErr(kindIO, fmt.Errorf("clear write deadline: %w", err))
		}

		v, res := supplier.TryRecv()
		switch res {
		case dchan.RecvDisconnected:
			return newHandlerErr(kindChannelTerm, ErrChannelTerminated)

		case dchan.RecvEmpty:
			frame := wire.EncodeEmpty()
			if _, err := conn.Write(frame[:]); err != nil {
				return newHandlerErr(kindIO, fmt.Errorf("write heartbeat: %w", err))
			}
			s.metrics.HeartbeatsSent.Inc()

		case dchan.RecvValue:
			frame := wire.EncodePacket(v)
			if _, err := conn.Write(frame[:]); err != nil {
				return newHandlerErr(kindIO, fmt.Errorf("write packet: %w", err))
			}
			s.metrics.PacketsSent.Inc()
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
