package runtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// resetThreshold is how long a component must run before a crash is
// treated as fresh rather than part of a crash loop.
const resetThreshold = 30 * time.Second

func newRestartBackoff(maxInterval time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	if b.InitialInterval > maxInterval {
		b.InitialInterval = maxInterval
	}
	b.MaxInterval = maxInterval
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}

// supervise restarts run with exponential backoff until ctx is
// cancelled. A run that survived resetThreshold resets the backoff.
func supervise(ctx context.Context, logger *slog.Logger, name string, maxBackoff time.Duration, run func(context.Context) error) {
	bo := newRestartBackoff(maxBackoff)
	for {
		started := time.Now()
		err := run(ctx)
		if ctx.Err() != nil {
			return
		}

		if time.Since(started) >= resetThreshold {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		logger.Error("component exited, restarting",
			"component", name, "error", err, "restart_in", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
