package client

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/malbeclabs/tdtp/pkg/tdtp/dchan"
)

// RunWithReconnect calls Data in a loop, reconnecting with exponential
// backoff whenever it returns an error. It stops and returns nil as
// soon as the consumer end of sender is closed, and stops with ctx.Err()
// when ctx is cancelled.
//
// The wire protocol itself has no reconnect or retry semantics (spec.md
// Non-goals: "reliable delivery across disconnects"); this exists
// because a long-running consumer CLI needs to survive a server
// restart, which a single Data call does not attempt on its own.
func RunWithReconnect(ctx context.Context, log *slog.Logger, addr string, sender *dchan.Sender[uint64]) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = backoff.DefaultInitialInterval
	b.MaxElapsedTime = 0 // retry indefinitely; only ctx cancellation or the consumer closing stops the loop

	for {
		if !sender.PeerAlive() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := Data(log, addr, sender)
		if err == nil {
			if !sender.PeerAlive() {
				return nil
			}
			// Server closed the connection in an orderly way; reconnect
			// without backing off, since nothing went wrong.
			b.Reset()
			continue
		}

		log.Warn("data connection failed, reconnecting", "address", addr, "error", err)

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return err
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
