package server_test

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/tdtp/pkg/tdtp/dchan"
	"github.com/malbeclabs/tdtp/pkg/tdtp/server"
	"github.com/malbeclabs/tdtp/pkg/tdtp/version"
	"github.com/malbeclabs/tdtp/pkg/tdtp/wire"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())
	return addr
}

func dialData(t *testing.T, addr string) net.Conn {
	t.Helper()
	var conn net.Conn
	var err error
	require.Eventually(t, func() bool {
		conn, err = net.Dial("tcp", addr)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	_, err = conn.Write([]byte{byte(wire.ConnData)})
	require.NoError(t, err)
	return conn
}

func TestServer_Data_HeartbeatWhenSupplierEmpty(t *testing.T) {
	addr := freeAddr(t)
	_, receiver := dchan.New[uint64](4)

	srv := server.New(&server.Config{Logger: discardLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx, addr, receiver)

	conn := dialData(t, addr)
	defer conn.Close()

	sig := make([]byte, 1)
	_, err := io.ReadFull(conn, sig)
	require.NoError(t, err)
	require.Equal(t, byte(wire.Empty), sig[0])
}

func TestServer_Data_DeliversPacket(t *testing.T) {
	addr := freeAddr(t)
	sender, receiver := dchan.New[uint64](4)

	srv := server.New(&server.Config{Logger: discardLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx, addr, receiver)

	conn := dialData(t, addr)
	defer conn.Close()

	require.NoError(t, sender.Send(424242))

	r := bufio.NewReader(conn)
	for {
		sig, err := r.ReadByte()
		require.NoError(t, err)
		if sig == byte(wire.Empty) {
			continue
		}
		require.Equal(t, byte(wire.Packet), sig)
		payload := make([]byte, wire.PacketSize)
		_, err = io.ReadFull(r, payload)
		require.NoError(t, err)
		var buf [wire.PacketSize]byte
		copy(buf[:], payload)
		require.Equal(t, uint64(424242), wire.DecodePacket(buf))
		return
	}
}

func TestServer_Data_ClientExitEndsConnectionCleanly(t *testing.T) {
	addr := freeAddr(t)
	_, receiver := dchan.New[uint64](4)

	srv := server.New(&server.Config{Logger: discardLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- srv.Run(ctx, addr, receiver) }()

	conn := dialData(t, addr)
	exit := wire.EncodeCtrl(wire.OpExit)
	_, err := conn.Write(exit[:])
	require.NoError(t, err)

	// The server still writes its own close-discipline frames before
	// shutting the socket down; draining to EOF confirms it didn't hang.
	_, err = io.Copy(io.Discard, conn)
	require.NoError(t, err)
	conn.Close()

	cancel()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}

func TestServer_Data_ChannelTerminationStopsServer(t *testing.T) {
	addr := freeAddr(t)
	sender, receiver := dchan.New[uint64](4)

	srv := server.New(&server.Config{Logger: discardLogger()})
	runDone := make(chan error, 1)
	go func() { runDone <- srv.Run(context.Background(), addr, receiver) }()

	conn := dialData(t, addr)
	sender.Close()

	// The server observes the disconnected supplier on its next poll and
	// closes the connection; draining confirms that happened.
	_, _ = io.Copy(io.Discard, conn)
	conn.Close()

	select {
	case err := <-runDone:
		require.ErrorIs(t, err, server.ErrChannelTerminated)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after supplier channel termination")
	}
}

func TestServer_Status_RoundTrip(t *testing.T) {
	addr := freeAddr(t)
	_, receiver := dchan.New[uint64](4)

	clock := clockwork.NewFakeClock()
	srv := server.New(&server.Config{
		Logger:  discardLogger(),
		Clock:   clock,
		Version: version.Version{Major: 2, Minor: 3, Patch: 4},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx, addr, receiver)

	var conn net.Conn
	var err error
	require.Eventually(t, func() bool {
		conn, err = net.Dial("tcp", addr)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	defer conn.Close()

	_, err = conn.Write([]byte{byte(wire.ConnStat)})
	require.NoError(t, err)
	_, err = conn.Write([]byte{byte(wire.DefaultStatusFlags)})
	require.NoError(t, err)
	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	_, err = conn.Write([]byte{wire.NUL})
	require.NoError(t, err)
	endFrame := wire.EncodeCtrl(wire.OpTransEnd)
	_, err = conn.Write(endFrame[:])
	require.NoError(t, err)

	r := bufio.NewReader(conn)

	ip := make([]byte, 4)
	_, err = io.ReadFull(r, ip)
	require.NoError(t, err)
	require.Equal(t, net.IPv4(127, 0, 0, 1).To4(), net.IP(ip))

	var timeBuf [16]byte
	_, err = io.ReadFull(r, timeBuf[:])
	require.NoError(t, err)
	ns, err := wire.DecodeTime128(timeBuf)
	require.NoError(t, err)
	require.Equal(t, uint64(clock.Now().UnixNano()), ns)

	ver := make([]byte, 3)
	_, err = io.ReadFull(r, ver)
	require.NoError(t, err)
	require.Equal(t, []byte{2, 3, 4}, ver)

	echo, err := r.ReadBytes(wire.NUL)
	require.NoError(t, err)
	require.Equal(t, "ping\x00", string(echo))

	trailer := make([]byte, 4)
	_, err = io.ReadFull(r, trailer)
	require.NoError(t, err)
	transEnd := wire.EncodeCtrl(wire.OpTransEnd)
	exit := wire.EncodeCtrl(wire.OpExit)
	require.Equal(t, append(append([]byte{}, transEnd[:]...), exit[:]...), trailer)
}

func TestServer_UnknownConnType_ClosesWithErrFrame(t *testing.T) {
	addr := freeAddr(t)
	_, receiver := dchan.New[uint64](4)

	srv := server.New(&server.Config{Logger: discardLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx, addr, receiver)

	var conn net.Conn
	var err error
	require.Eventually(t, func() bool {
		conn, err = net.Dial("tcp", addr)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	defer conn.Close()

	_, err = conn.Write([]byte{0x7F})
	require.NoError(t, err)

	resp := make([]byte, 5)
	_, err = io.ReadFull(conn, resp)
	require.NoError(t, err)

	errFrame := wire.EncodeErr(wire.ErrUnknownConn)
	exit := wire.EncodeCtrl(wire.OpExit)
	require.Equal(t, append(append([]byte{}, errFrame[:]...), exit[:]...), resp)
}
