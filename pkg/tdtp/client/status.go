package client

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/malbeclabs/tdtp/pkg/tdtp/version"
	"github.com/malbeclabs/tdtp/pkg/tdtp/wire"
)

// StatusResponse is the decoded result of a status request. Each field
// is only meaningful when the corresponding flag was requested; the
// Has* fields record which ones were present in the response.
type StatusResponse struct {
	IP   net.IP
	Time time.Time
	Ver  version.Version
	Echo string

	HasIP, HasTime, HasVer, HasEcho bool
}

// Status opens a status connection to addr, requests flags (optionally
// with an echo payload), and returns the decoded response.
//
// echo must not contain a NUL byte; it is ignored unless
// flags.Has(wire.StatEcho).
func Status(addr string, flags wire.StatusFlags, echo string) (*StatusResponse, error) {
	if flags.Has(wire.StatEcho) && strings.IndexByte(echo, wire.NUL) >= 0 {
		return nil, fmt.Errorf("tdtp: echo payload must not contain NUL")
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tdtp: dial %s: %w", addr, err)
	}
	defer conn.Close()

	var req bytes.Buffer
	req.WriteByte(byte(wire.ConnStat))
	req.WriteByte(byte(flags))
	if flags.Has(wire.StatEcho) {
		req.WriteString(echo)
		req.WriteByte(wire.NUL)
	}
	endFrame := wire.EncodeCtrl(wire.OpTransEnd)
	req.Write(endFrame[:])

	if _, err := conn.Write(req.Bytes()); err != nil {
		return nil, fmt.Errorf("tdtp: write status request: %w", err)
	}

	r := bufio.NewReader(conn)
	resp := &StatusResponse{}

	if flags.Has(wire.StatConnIP) {
		buf := make([]byte, 4)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("tdtp: read status ip field: %w", err)
		}
		resp.IP = net.IP(buf)
		resp.HasIP = true
	}

	if flags.Has(wire.StatTime) {
		var buf [16]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, fmt.Errorf("tdtp: read status time field: %w", err)
		}
		ns, err := wire.DecodeTime128(buf)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		resp.Time = time.Unix(0, int64(ns))
		resp.HasTime = true
	}

	if flags.Has(wire.StatVer) {
		buf := make([]byte, 3)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("tdtp: read status version field: %w", err)
		}
		resp.Ver = version.Version{Major: buf[0], Minor: buf[1], Patch: buf[2]}
		resp.HasVer = true
	}

	if flags.Has(wire.StatEcho) {
		echoBytes, err := r.ReadBytes(wire.NUL)
		if err != nil {
			return nil, fmt.Errorf("tdtp: read status echo field: %w", err)
		}
		// The wire form includes the terminating NUL; the caller sees
		// the bare string (spec.md §9 Open Question 2).
		resp.Echo = string(echoBytes[:len(echoBytes)-1])
		resp.HasEcho = true
	}

	trailer := make([]byte, 4)
	if _, err := io.ReadFull(r, trailer); err != nil {
		return nil, fmt.Errorf("tdtp: read status trailer: %w", err)
	}
	transEnd := wire.EncodeCtrl(wire.OpTransEnd)
	exit := wire.EncodeCtrl(wire.OpExit)
	wantTrailer := append(append([]byte{}, transEnd[:]...), exit[:]...)
	if !bytes.Equal(trailer, wantTrailer) {
		return nil, fmt.Errorf("%w: unexpected status trailer % x", ErrProtocol, trailer)
	}

	return resp, nil
}
