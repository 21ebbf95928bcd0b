package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/stream-watch/credential"
	"github.com/onnwee/stream-watch/twitchapi"
)

// Identity resolves the signed-in user's id.
type Identity interface {
	UserID(ctx context.Context) (string, error)
}

// TwitchGateway reads chat over anonymous IRC and sends through Helix.
type TwitchGateway struct {
	ClientID       string
	Tokens         twitchapi.UserTokenSource
	Identity       Identity
	HTTPClient     *http.Client
	ConnectTimeout time.Duration
	// IRCAddress overrides the IRC endpoint (plain TCP) when set.
	IRCAddress string

	mu            sync.Mutex
	client        *twitch.Client
	handler       func(Inbound)
	broadcasterID string
	senderID      string
	open          atomic.Bool
}

// OnMessage registers the inbound handler; call before Connect.
func (g *TwitchGateway) OnMessage(fn func(Inbound)) {
	g.mu.Lock()
	g.handler = fn
	g.mu.Unlock()
}

// staticToken authorizes connect-time lookups with the credential handed to Connect.
type staticToken string

func (s staticToken) AccessToken(context.Context) (string, error) { return string(s), nil }

// Connect resolves the ids needed to send, then joins channel and waits for
// the IRC welcome or ConnectTimeout, whichever comes first.
func (g *TwitchGateway) Connect(ctx context.Context, channel string, cred credential.Credential) error {
	if cred.AccessToken == "" {
		return fmt.Errorf("no access token")
	}
	lookup := &twitchapi.HelixClient{Tokens: staticToken(cred.AccessToken), ClientID: g.ClientID, HTTPClient: g.HTTPClient}
	broadcasterID, err := lookup.GetUserID(ctx, channel)
	if err != nil {
		return fmt.Errorf("resolve broadcaster %s: %w", channel, err)
	}
	senderID, err := g.Identity.UserID(ctx)
	if err != nil {
		return fmt.Errorf("resolve sender: %w", err)
	}

	client := twitch.NewAnonymousClient()
	if g.IRCAddress != "" {
		client.IrcAddress = g.IRCAddress
		client.TLS = false
	}
	connected := make(chan struct{})
	var once sync.Once
	client.OnConnect(func() {
		g.mu.Lock()
		current := g.client == client
		g.mu.Unlock()
		if !current {
			// Gave up on this client before the dial finished.
			_ = client.Disconnect()
			return
		}
		g.open.Store(true)
		once.Do(func() { close(connected) })
	})
	client.OnPrivateMessage(func(m twitch.PrivateMessage) {
		g.mu.Lock()
		h := g.handler
		g.mu.Unlock()
		if h != nil {
			h(Inbound{Login: m.User.Name, DisplayName: m.User.DisplayName, Color: m.User.Color, Text: m.Message})
		}
	})
	client.Join(channel)

	g.mu.Lock()
	g.client = client
	g.broadcasterID = broadcasterID
	g.senderID = senderID
	g.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		err := client.Connect()
		g.open.Store(false)
		if err != nil && !errors.Is(err, twitch.ErrClientDisconnected) {
			slog.Warn("twitch chat connection closed", slog.String("component", "chat"), slog.String("channel", channel), slog.Any("err", err))
		}
		done <- err
	}()

	timeout := g.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-connected:
		return nil
	case err := <-done:
		if err == nil {
			err = errors.New("connection closed")
		}
		return fmt.Errorf("irc connect: %w", err)
	case <-timer.C:
		g.Disconnect()
		return fmt.Errorf("irc connect: timed out after %s", timeout)
	case <-ctx.Done():
		g.Disconnect()
		return ctx.Err()
	}
}

// IsOpen reports whether the IRC connection is established.
func (g *TwitchGateway) IsOpen() bool { return g.open.Load() }

// Send posts text to the channel as the signed-in user.
func (g *TwitchGateway) Send(ctx context.Context, text string) error {
	if !g.IsOpen() {
		return ErrChatUnavailable
	}
	g.mu.Lock()
	broadcasterID, senderID := g.broadcasterID, g.senderID
	g.mu.Unlock()
	hc := &twitchapi.HelixClient{Tokens: g.Tokens, ClientID: g.ClientID, HTTPClient: g.HTTPClient}
	return hc.SendChatMessage(ctx, broadcasterID, senderID, text)
}

// Disconnect closes the IRC connection; safe to call more than once.
func (g *TwitchGateway) Disconnect() {
	g.mu.Lock()
	client := g.client
	g.client = nil
	g.mu.Unlock()
	g.open.Store(false)
	if client != nil {
		_ = client.Disconnect()
	}
}
