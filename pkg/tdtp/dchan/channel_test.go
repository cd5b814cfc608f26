package dchan_test

import (
	"testing"
	"time"

	"github.com/malbeclabs/tdtp/pkg/tdtp/dchan"
	"github.com/stretchr/testify/require"
)

func TestChannel_FIFO(t *testing.T) {
	tx, rx := dchan.New[int](8)

	want := []int{1000, 2000, 3000}
	for _, v := range want {
		require.NoError(t, tx.Send(v))
	}
	tx.Close()

	var got []int
	for {
		v, ok := rx.Recv()
		if !ok {
			break
		}
		got = append(got, v)
	}
	require.Equal(t, want, got)
}

func TestChannel_TryRecv(t *testing.T) {
	tx, rx := dchan.New[int](4)

	_, res := rx.TryRecv()
	require.Equal(t, dchan.RecvEmpty, res)

	require.NoError(t, tx.Send(7))
	v, res := rx.TryRecv()
	require.Equal(t, dchan.RecvValue, res)
	require.Equal(t, 7, v)

	tx.Close()
	_, res = rx.TryRecv()
	require.Equal(t, dchan.RecvDisconnected, res)
}

func TestChannel_ReceiverCloseUnblocksSender(t *testing.T) {
	tx, rx := dchan.New[int](1)
	require.NoError(t, tx.Send(1)) // fill capacity

	rx.Close()

	done := make(chan error, 1)
	go func() { done <- tx.Send(2) }()

	select {
	case err := <-done:
		require.ErrorIs(t, err, dchan.ErrReceiverGone)
	case <-time.After(time.Second):
		t.Fatal("Send did not unblock after Receiver.Close")
	}
}

func TestChannel_PeerAlive(t *testing.T) {
	tx, rx := dchan.New[int](1)
	require.True(t, tx.PeerAlive())

	rx.Close()
	require.False(t, tx.PeerAlive())

	// Monotone: a second Close doesn't flip it back.
	rx.Close()
	require.False(t, tx.PeerAlive())
}

func TestChannel_SenderCloseIsIdempotent(t *testing.T) {
	tx, rx := dchan.New[int](1)
	tx.Close()
	tx.Close()

	_, ok := rx.Recv()
	require.False(t, ok)
}
