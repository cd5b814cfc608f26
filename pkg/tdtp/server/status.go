package server

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"

	"github.com/malbeclabs/tdtp/pkg/tdtp/wire"
)

// handleStatus implements the server side of spec.md §4.E: read a
// 1-byte flag request (with an optional NUL-terminated echo payload),
// then write back the requested fields in their fixed order followed
// by the TRANS_END control frame. The caller (serve) is responsible for
// the trailing EXIT frame that completes the close discipline.
func (s *Server) handleStatus(conn net.Conn) *handlerErr {
	r := bufio.NewReaderSize(conn, wire.MaxEchoLen)

	flagByte, err := r.ReadByte()
	if err != nil {
		return newHandlerErr(kindProtoEOF, fmt.Errorf("read status flags: %w", err))
	}
	flags := wire.StatusFlags(flagByte)

	var out bytes.Buffer

	if flags.Has(wire.StatConnIP) {
		ip, err := remoteIPv4(conn.RemoteAddr())
		if err != nil {
			return newHandlerErr(kindProtoInvalid, err)
		}
		out.Write(ip)
	}

	if flags.Has(wire.StatTime) {
		tb := wire.EncodeTime128(uint64(s.clock.Now().UnixNano()))
		out.Write(tb[:])
	}

	if flags.Has(wire.StatVer) {
		vb := s.version.Bytes()
		out.Write(vb[:])
	}

	if flags.Has(wire.StatEcho) {
		echo, err := readEcho(r)
		if err != nil {
			return newHandlerErr(kindProtoInvalid, err)
		}
		out.Write(echo)
	}

	trailer := make([]byte, 2)
	if _, err := io.ReadFull(r, trailer); err != nil {
		return newHandlerErr(kindProtoEOF, fmt.Errorf("read status trailer: %w", err))
	}
	want := wire.EncodeCtrl(wire.OpTransEnd)
	if trailer[0] != want[0] || trailer[1] != want[1] {
		return newHandlerErr(kindProtoInvalid, fmt.Errorf("unexpected status trailer % x", trailer))
	}

	endFrame := wire.EncodeCtrl(wire.OpTransEnd)
	out.Write(endFrame[:])

	if _, err := conn.Write(out.Bytes()); err != nil {
		return newHandlerErr(kindIO, fmt.Errorf("write status response: %w", err))
	}
	return nil
}

// readEcho reads the request's echo payload up to and including its
// terminating NUL. It is capped at wire.MaxEchoLen (the size of the
// reader's buffer, which ReadSlice cannot grow) so a client that streams
// bytes without ever sending NUL is rejected rather than buffered without
// limit; a client that stops sending altogether still blocks the read,
// as the status path sets no read deadline. This is a supplement beyond
// spec.md §4.E, grounded in original_source/esp32-server's fixed-size
// echo scratch buffer (see DESIGN.md).
func readEcho(r *bufio.Reader) ([]byte, error) {
	buf, err := r.ReadSlice(wire.NUL)
	if err != nil {
		if len(buf) >= wire.MaxEchoLen {
			return nil, fmt.Errorf("echo payload exceeds %d bytes without a NUL terminator", wire.MaxEchoLen)
		}
		return nil, fmt.Errorf("read echo payload: %w", err)
	}
	if len(buf) > wire.MaxEchoLen {
		return nil, fmt.Errorf("echo payload exceeds %d bytes", wire.MaxEchoLen)
	}
	return append([]byte(nil), buf...), nil
}

func remoteIPv4(addr net.Addr) ([]byte, error) {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return nil, fmt.Errorf("remote address %v is not a TCP address", addr)
	}
	ip4 := tcpAddr.IP.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("remote address %v has no IPv4 form", addr)
	}
	return ip4, nil
}
