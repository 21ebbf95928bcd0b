// Package oauth keeps the stored Twitch credential fresh in the background.
// It performs jittered checks and refreshes when expiry falls within a
// configured window, so request paths rarely have to refresh inline.
package oauth

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/onnwee/stream-watch/credential"
)

// Refresher is the credential source being kept fresh.
type Refresher interface {
	NeedsRefresh(window time.Duration) bool
	Refresh(ctx context.Context) (credential.Credential, error)
}

// StartRefresher launches a goroutine that periodically checks src and refreshes it.
// interval: how often to wake up and check.
// window: refresh when remaining lifetime <= window.
// The returned channel is closed when the goroutine exits after ctx is done.
func StartRefresher(ctx context.Context, src Refresher, interval, window time.Duration) <-chan struct{} {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	done := make(chan struct{})
	// Randomize initial delay so a restart does not refresh on boot every time.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval/2) + 1))
	go func() {
		defer close(done)
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			checkOnce(ctx, src, window)

			// Per-iteration jitter (±20% of interval).
			jitterRange := int64(interval / 5)
			var jitter time.Duration
			if jitterRange > 0 {
				//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
				jitter = time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			}
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
		}
	}()
	return done
}

// checkOnce refreshes src when it is inside window. A refused refresh token
// makes NeedsRefresh false until re-authorization; outages are retried on the
// next tick.
func checkOnce(ctx context.Context, src Refresher, window time.Duration) {
	if !src.NeedsRefresh(window) {
		return
	}
	ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	c, err := src.Refresh(ctx2)
	if err != nil {
		slog.Warn("background token refresh failed", slog.String("component", "oauth"), slog.Any("err", err))
		return
	}
	slog.Debug("background token refresh ok", slog.String("component", "oauth"), slog.Time("expires_at", c.ExpiresAt))
}
