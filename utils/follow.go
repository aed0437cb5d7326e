package utils

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Follow hands every item of a subscription to handle until ctx is done. When
// the channel closes or subscribe fails it waits out backoff and subscribes
// again; each received item resets backoff. It returns nil on cancellation and
// an error once backoff gives up.
func Follow[T any](ctx context.Context, log *slog.Logger, backoff ReconnectStrategy, subscribe func(context.Context) (<-chan T, error), handle func(T)) error {
	for {
		ch, err := subscribe(ctx)
		if err == nil {
		recv:
			for {
				select {
				case item, ok := <-ch:
					if !ok {
						break recv
					}
					backoff.Reset()
					handle(item)
				case <-ctx.Done():
					return nil
				}
			}
		}
		if ctx.Err() != nil {
			return nil
		}

		delay, ok := backoff.NextDelay()
		if !ok {
			if err != nil {
				return fmt.Errorf("resubscribe failed %d times: %w", backoff.Attempt(), err)
			}
			return fmt.Errorf("subscription closed %d times", backoff.Attempt())
		}
		log.Warn("Subscription interrupted, resubscribing", "delay", delay, "attempt", backoff.Attempt(), "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}
