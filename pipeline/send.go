package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// sendBackoff is the wait between declined offers; the last entry repeats.
var sendBackoff = []time.Duration{
	10 * time.Millisecond,
	20 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
}

// Send offers item to target until it is accepted. It returns ErrClosed if
// the target stops accepting input and ctx.Err() once ctx is done. A full
// target is retried, never dropped.
func Send[T any](ctx context.Context, target Target[T], item T) error {
	for attempt := 0; ; attempt++ {
		err := target.Offer(item)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrClosed):
			return fmt.Errorf("send: %w", err)
		case !errors.Is(err, ErrFull):
			return fmt.Errorf("send: %w", err)
		}

		idx := attempt
		if idx >= len(sendBackoff) {
			idx = len(sendBackoff) - 1
		}
		timer := time.NewTimer(sendBackoff[idx])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
