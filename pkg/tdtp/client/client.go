// Package client implements the TDTP client side: the data connection's
// read-dispatch-forward loop (Data) and the status request/response
// exchange (Status).
package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/malbeclabs/tdtp/pkg/tdtp/dchan"
	"github.com/malbeclabs/tdtp/pkg/tdtp/wire"
)

// ErrProtocol marks a wire-level protocol violation: an unrecognised
// signal byte, an unrecognised control op, or a server-reported error
// frame.
var ErrProtocol = errors.New("tdtp: protocol violation")

// Data opens a TCP connection to addr, announces a data connection, and
// forwards decoded measurement timestamps to sender until one of:
//
//   - the consumer end of sender is closed (detected either by the
//     pre-read PeerAlive check or by a failed Send), in which case Data
//     writes an EXIT frame, shuts the connection down, and returns nil;
//   - the server sends EXIT or closes its write side cleanly, in which
//     case Data returns nil;
//   - an I/O error or protocol violation occurs, in which case Data
//     returns a non-nil error.
func Data(log *slog.Logger, addr string, sender *dchan.Sender[uint64]) error {
	log.Info("connecting", "address", addr)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("tdtp: dial %s: %w", addr, err)
	}
	defer conn.Close()
	log.Info("connected", "address", addr)

	if _, err := conn.Write([]byte{byte(wire.ConnData)}); err != nil {
		return fmt.Errorf("tdtp: write connection type: %w", err)
	}

	r := bufio.NewReader(conn)
	sig := make([]byte, 1)
	payload := make([]byte, wire.PacketSize)
	op := make([]byte, 1)
	kind := make([]byte, 1)

	for {
		if !sender.PeerAlive() {
			log.Debug("consumer disconnected, terminating connection")
			return terminate(conn, log)
		}

		if _, err := io.ReadFull(r, sig); err != nil {
			if errors.Is(err, io.EOF) {
				log.Info("server closed connection")
				return nil
			}
			return fmt.Errorf("tdtp: read signal: %w", err)
		}

		decoded, err := wire.DecodeSignal(sig[0])
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}

		switch decoded {
		case wire.DecodedEmpty:
			continue

		case wire.DecodedPacket:
			if _, err := io.ReadFull(r, payload); err != nil {
				return fmt.Errorf("tdtp: read packet payload: %w", err)
			}
			var buf [wire.PacketSize]byte
			copy(buf[:], payload)
			ts := wire.DecodePacket(buf)
			if err := sender.Send(ts); err != nil {
				log.Debug("consumer receiver hung up mid-send, terminating connection")
				return terminate(conn, log)
			}

		case wire.DecodedCtrl:
			if _, err := io.ReadFull(r, op); err != nil {
				return fmt.Errorf("tdtp: read control op: %w", err)
			}
			switch wire.Op(op[0]) {
			case wire.OpExit:
				log.Info("server sent exit signal")
				return nil
			case wire.OpErr:
				if _, err := io.ReadFull(r, kind); err != nil {
					return fmt.Errorf("tdtp: read error kind: %w", err)
				}
				return fmt.Errorf("%w: server reported error kind 0x%02x", ErrProtocol, kind[0])
			default:
				return fmt.Errorf("%w: unexpected control op 0x%02x", ErrProtocol, op[0])
			}
		}
	}
}

// terminate writes the client's own EXIT frame; the connection itself is
// shut down by Data's deferred Close. The write is best-effort: if it
// fails the connection is already broken and there is nothing further to
// report.
func terminate(conn net.Conn, log *slog.Logger) error {
	frame := wire.EncodeCtrl(wire.OpExit)
	if _, err := conn.Write(frame[:]); err != nil {
		log.Debug("best-effort exit write failed", "error", err)
	}
	return nil
}
