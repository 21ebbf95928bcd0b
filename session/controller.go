// Package session coordinates the single watch session: which channel is being
// watched, the browser playing it, and the chat bridged into it.
//
// One mutex serializes every transition, including the browser launch, so a
// superseding StartWatch waits for the previous teardown and launch to finish.
// Browser disconnect callbacks carry the generation they were issued for and
// are ignored once that generation is gone. The current Snapshot is kept in an
// atomic value that is only swapped inside the distributor lock together with
// the event announcing the change, which lets late joiners read it without
// touching the controller lock.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onnwee/stream-watch/chat"
	"github.com/onnwee/stream-watch/credential"
	"github.com/onnwee/stream-watch/events"
	"github.com/onnwee/stream-watch/telemetry"
)

var (
	// ErrSessionStartFailed wraps the browser error when a session could not be launched.
	ErrSessionStartFailed = errors.New("session: start failed")
	// ErrNoActiveSession is returned by operations that need an Active session.
	ErrNoActiveSession = errors.New("session: no active session")
	// ErrEmptyMessage is returned for a chat message that is blank after trimming.
	ErrEmptyMessage = errors.New("session: empty message")
	// ErrInvalidChannel is returned for a channel name that is not a valid Twitch login.
	ErrInvalidChannel = errors.New("session: invalid channel")
	// ErrUnknownAction is returned by PlayerAction for an unsupported action.
	ErrUnknownAction = errors.New("session: unknown player action")
)

// Player actions accepted by PlayerAction.
const (
	ActionTogglePause = "toggle-pause"
	ActionToggleMute  = "toggle-mute"
	ActionClose       = "close"
)

var channelPattern = regexp.MustCompile(`^[a-z0-9_]{1,25}$`)

// Browser plays one channel. A new Browser is created for every session.
type Browser interface {
	Start(ctx context.Context, channel string) error
	Stop() error
	OnDisconnected(func())
	TogglePause(ctx context.Context) error
	ToggleMute(ctx context.Context) error
}

// Chat is the chat connection of the current session.
type Chat interface {
	Attach(ctx context.Context, channel string, cred credential.Credential) error
	Send(ctx context.Context, text string) error
	Detach()
}

// Credentials hands out a validated credential for chat.
type Credentials interface {
	Valid(ctx context.Context) (credential.Credential, error)
}

// Controller is safe for concurrent use.
type Controller struct {
	newBrowser func() Browser
	chat       Chat
	creds      Credentials
	dist       *events.Distributor

	mu        sync.Mutex
	state     State
	channel   string
	startedAt time.Time
	gen       uint64
	browser   Browser

	snap atomic.Pointer[Snapshot]
}

// New builds an idle Controller and registers it as dist's active-session source.
func New(newBrowser func() Browser, chatBridge Chat, creds Credentials, dist *events.Distributor) *Controller {
	c := &Controller{
		newBrowser: newBrowser,
		chat:       chatBridge,
		creds:      creds,
		dist:       dist,
		state:      StateIdle,
	}
	c.snap.Store(&Snapshot{State: StateIdle})
	dist.SetActiveSource(c.activeChannel)
	return c
}

// NormalizeChannel lower-cases a login and strips a leading '#'.
func NormalizeChannel(channel string) (string, error) {
	ch := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(channel), "#"))
	if !channelPattern.MatchString(ch) {
		return "", fmt.Errorf("%w: %q", ErrInvalidChannel, channel)
	}
	return ch, nil
}

// Snapshot returns the current session view.
func (c *Controller) Snapshot() Snapshot { return *c.snap.Load() }

func (c *Controller) activeChannel() (string, bool) {
	s := c.snap.Load()
	return s.Channel, s.State == StateActive
}

// storeLocked publishes the fields guarded by mu to the atomic snapshot.
func (c *Controller) storeLocked() {
	c.snap.Store(&Snapshot{Channel: c.channel, State: c.state, StartedAt: c.startedAt})
}

// StartWatch makes channel the watched channel. Watching the channel that is
// already active is a no-op. Any other active session is ended first.
func (c *Controller) StartWatch(ctx context.Context, channel string) (Snapshot, error) {
	ch, err := NormalizeChannel(channel)
	if err != nil {
		return Snapshot{}, err
	}

	ctx, span := telemetry.StartSpan(ctx, "session", "session.start_watch", telemetry.ChannelAttr(ch))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateActive && c.channel == ch {
		telemetry.SetSpanSuccess(span)
		return c.Snapshot(), nil
	}
	if c.state == StateActive || c.state == StateLaunching {
		slog.Info("superseding watch session", slog.String("component", "session"), slog.String("from", c.channel), slog.String("to", ch))
		c.teardownLocked(telemetry.EndReasonSuperseded, true)
	}

	c.gen++
	gen := c.gen
	span.SetAttributes(telemetry.GenerationAttr(gen))
	c.state = StateLaunching
	c.channel = ch
	c.startedAt = time.Time{}
	c.storeLocked()

	b := c.newBrowser()
	// Callbacks run on their own goroutine so a Browser that reports the
	// disconnect from inside Stop cannot deadlock on mu.
	b.OnDisconnected(func() { go c.onBrowserDisconnected(gen) })

	var startErr error
	telemetry.TimeFunc(telemetry.SessionStartDuration, func() { startErr = b.Start(ctx, ch) })
	if startErr != nil {
		if err := b.Stop(); err != nil {
			slog.Debug("stop after failed start", slog.String("component", "session"), slog.Any("err", err))
		}
		c.state = StateIdle
		c.channel = ""
		c.storeLocked()
		telemetry.Inc(telemetry.SessionStartFailures)
		telemetry.RecordError(span, startErr)
		slog.Error("watch session failed to start", slog.String("component", "session"), slog.String("channel", ch), slog.Uint64("generation", gen), slog.Any("err", startErr))
		return Snapshot{}, fmt.Errorf("%w: %w", ErrSessionStartFailed, startErr)
	}

	c.browser = b
	c.dist.PublishTransition(func() {
		c.state = StateActive
		c.startedAt = time.Now()
		c.storeLocked()
	}, events.SessionStarted(ch))
	telemetry.Inc(telemetry.SessionsStarted)
	slog.Info("watch session started", slog.String("component", "session"), slog.String("channel", ch), slog.Uint64("generation", gen))

	// Chat trouble never blocks the session; sends report it instead.
	if cred, err := c.creds.Valid(ctx); err != nil {
		slog.Warn("chat not attached: no valid credential", slog.String("component", "session"), slog.String("channel", ch), slog.Any("err", err))
	} else if err := c.chat.Attach(ctx, ch, cred); err != nil {
		slog.Warn("chat attach failed", slog.String("component", "session"), slog.String("channel", ch), slog.Any("err", err))
	}

	telemetry.SetSpanSuccess(span)
	return c.Snapshot(), nil
}

// teardownLocked stops the browser and chat and returns to Idle. When
// announce is set and the session was Active, exactly one session-ended is
// published, after chat is detached.
func (c *Controller) teardownLocked(reason string, announce bool) {
	wasActive := c.state == StateActive
	ch := c.channel
	c.state = StateTerminating
	c.storeLocked()

	if c.browser != nil {
		if err := c.browser.Stop(); err != nil {
			slog.Warn("browser stop failed", slog.String("component", "session"), slog.String("channel", ch), slog.Any("err", err))
		}
		c.browser = nil
	}
	c.chat.Detach()

	toIdle := func() {
		c.state = StateIdle
		c.channel = ""
		c.startedAt = time.Time{}
		c.storeLocked()
	}
	if announce && wasActive {
		c.dist.PublishTransition(toIdle, events.SessionEnded())
	} else {
		toIdle()
	}
	if wasActive {
		telemetry.IncSessionEnded(reason)
		slog.Info("watch session ended", slog.String("component", "session"), slog.String("channel", ch), slog.String("reason", reason))
	}
}

func (c *Controller) onBrowserDisconnected(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || (c.state != StateActive && c.state != StateLaunching) {
		slog.Debug("ignoring stale browser disconnect", slog.String("component", "session"), slog.Uint64("generation", gen), slog.Uint64("current", c.gen))
		return
	}
	slog.Warn("browser disconnected", slog.String("component", "session"), slog.String("channel", c.channel), slog.Uint64("generation", gen))
	c.teardownLocked(telemetry.EndReasonDisconnected, true)
}

// StopWatch closes the active session.
func (c *Controller) StopWatch(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive {
		return ErrNoActiveSession
	}
	c.teardownLocked(telemetry.EndReasonClosed, true)
	return nil
}

// PlayerAction applies a player control to the active session.
func (c *Controller) PlayerAction(ctx context.Context, action string) error {
	switch action {
	case ActionTogglePause, ActionToggleMute, ActionClose:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive || c.browser == nil {
		return ErrNoActiveSession
	}
	switch action {
	case ActionTogglePause:
		return c.browser.TogglePause(ctx)
	case ActionToggleMute:
		return c.browser.ToggleMute(ctx)
	default:
		c.teardownLocked(telemetry.EndReasonClosed, true)
		return nil
	}
}

// SendChatMessage sends text to the active session's chat. The message shows
// up on the dashboard only when the chat echoes it back. mu is held for the
// send so a concurrent teardown cannot detach chat between the state check
// and the send.
func (c *Controller) SendChatMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive {
		return ErrNoActiveSession
	}
	if err := c.chat.Send(ctx, text); err != nil {
		telemetry.Inc(telemetry.ChatSendFailures)
		return err
	}
	return nil
}

// PublishChat forwards a message from the current chat connection. Stale
// connections are filtered by the bridge, so this does not take mu.
func (c *Controller) PublishChat(m chat.Message) {
	telemetry.Inc(telemetry.ChatMessages)
	c.dist.Publish(events.ChatMessage(m.Username, m.Color, m.Text))
}

// PublishFollowedStreams forwards the followed-streams list as-is.
func (c *Controller) PublishFollowedStreams(streams []events.FollowedStream) {
	c.dist.Publish(events.FollowedStreamsUpdated(streams))
}

// Close tears the session down for shutdown without announcing it.
func (c *Controller) Close(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateIdle {
		return
	}
	c.teardownLocked(telemetry.EndReasonClosed, false)
}
