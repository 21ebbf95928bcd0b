// Package followed polls the live streams the signed-in user follows and
// forwards every successful poll to the dashboard as a followed-streams-updated
// event, so a tab that reconnects catches up on the next tick.
package followed

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/onnwee/stream-watch/credential"
	"github.com/onnwee/stream-watch/events"
	"github.com/onnwee/stream-watch/twitchapi"
)

// Fetcher lists the followed channels that are live right now.
type Fetcher interface {
	FollowedStreams(ctx context.Context) ([]events.FollowedStream, error)
}

// UserIDSource resolves the signed-in user's id.
type UserIDSource interface {
	UserID(ctx context.Context) (string, error)
}

// HelixFetcher implements Fetcher with /helix/streams/followed.
type HelixFetcher struct {
	Client *twitchapi.HelixClient
	Users  UserIDSource
}

func (f *HelixFetcher) FollowedStreams(ctx context.Context) ([]events.FollowedStream, error) {
	userID, err := f.Users.UserID(ctx)
	if err != nil {
		return nil, err
	}
	streams, err := f.Client.GetFollowedStreams(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]events.FollowedStream, 0, len(streams))
	for _, s := range streams {
		out = append(out, events.FollowedStream{
			Channel:      s.UserLogin,
			Title:        s.Title,
			Game:         s.GameName,
			ViewerCount:  s.ViewerCount,
			ThumbnailURL: s.ThumbnailURL,
		})
	}
	return out, nil
}

// Poller publishes the followed-streams list whenever it changes.
type Poller struct {
	Fetcher  Fetcher
	Publish  func([]events.FollowedStream)
	Interval time.Duration
	// Timeout bounds a single fetch.
	Timeout time.Duration
}

// Run polls until ctx is done. It returns ctx.Err() so it can be supervised
// alongside the HTTP server.
func (p *Poller) Run(ctx context.Context) error {
	every := p.Interval
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	slog.Info("followed streams poller started", slog.String("component", "followed"), slog.Duration("interval", every))
	for {
		p.pollOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	streams, err := p.Fetcher.FollowedStreams(fctx)
	if err != nil {
		if errors.Is(err, credential.ErrAuthExpired) {
			slog.Debug("followed streams: not signed in", slog.String("component", "followed"))
		} else if ctx.Err() == nil {
			slog.Warn("followed streams fetch failed", slog.String("component", "followed"), slog.Any("err", err))
		}
		return
	}
	slog.Debug("followed streams polled", slog.String("component", "followed"), slog.Int("live", len(streams)))
	p.Publish(streams)
}
