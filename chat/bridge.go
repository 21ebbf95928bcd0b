package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/onnwee/stream-watch/credential"
)

// ErrChatUnavailable is returned by Send when no chat connection is open.
var ErrChatUnavailable = errors.New("chat: unavailable")

// Message is a normalized inbound chat line. ArrivalSeq orders messages within
// one attach and is never sent to subscribers.
type Message struct {
	Username   string
	Color      string
	Text       string
	ArrivalSeq uint64
}

// Inbound is a raw message as the gateway reports it.
type Inbound struct {
	Login       string
	DisplayName string
	Color       string
	Text        string
}

// Gateway is one chat connection to one channel.
type Gateway interface {
	Connect(ctx context.Context, channel string, cred credential.Credential) error
	OnMessage(func(Inbound))
	Send(ctx context.Context, text string) error
	IsOpen() bool
	Disconnect()
}

// Bridge keeps the single chat connection for the current watch session.
type Bridge struct {
	newGateway func() Gateway
	publish    func(Message)

	mu      sync.Mutex
	gw      Gateway
	gen     uint64
	seq     uint64
	channel string
}

// NewBridge returns a detached Bridge. newGateway is called once per Attach;
// publish receives every message from the current connection, in arrival order.
func NewBridge(newGateway func() Gateway, publish func(Message)) *Bridge {
	return &Bridge{newGateway: newGateway, publish: publish}
}

// Attach connects to channel, replacing any existing connection. The old
// connection is fully disconnected before the new one is opened.
func (b *Bridge) Attach(ctx context.Context, channel string, cred credential.Credential) error {
	b.mu.Lock()
	old := b.gw
	b.gw = nil
	b.gen++
	gen := b.gen
	b.seq = 0
	b.channel = channel
	b.mu.Unlock()

	if old != nil {
		old.Disconnect()
	}

	gw := b.newGateway()
	gw.OnMessage(func(in Inbound) { b.deliver(gen, in) })
	if err := gw.Connect(ctx, channel, cred); err != nil {
		gw.Disconnect()
		return fmt.Errorf("chat connect %s: %w", channel, err)
	}

	b.mu.Lock()
	if b.gen != gen {
		// Detached or re-attached while connecting.
		b.mu.Unlock()
		gw.Disconnect()
		return fmt.Errorf("chat connect %s: superseded", channel)
	}
	b.gw = gw
	b.mu.Unlock()

	slog.Info("chat attached", slog.String("component", "chat"), slog.String("channel", channel), slog.Uint64("generation", gen))
	return nil
}

// deliver publishes under the bridge lock so a Detach cannot complete while a
// message from the connection it tears down is still being published.
func (b *Bridge) deliver(gen uint64, in Inbound) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.gen {
		slog.Debug("dropping chat message from superseded connection", slog.String("component", "chat"), slog.Uint64("generation", gen))
		return
	}
	b.seq++
	name := in.DisplayName
	if name == "" {
		name = in.Login
	}
	b.publish(Message{Username: name, Color: in.Color, Text: in.Text, ArrivalSeq: b.seq})
}

// Send posts text through the current connection.
func (b *Bridge) Send(ctx context.Context, text string) error {
	b.mu.Lock()
	gw := b.gw
	b.mu.Unlock()
	if gw == nil || !gw.IsOpen() {
		return ErrChatUnavailable
	}
	if err := gw.Send(ctx, text); err != nil {
		return fmt.Errorf("%w: %w", ErrChatUnavailable, err)
	}
	return nil
}

// Detach disconnects the current connection. It is safe to call repeatedly.
func (b *Bridge) Detach() {
	b.mu.Lock()
	gw := b.gw
	b.gw = nil
	b.gen++
	ch := b.channel
	b.channel = ""
	b.mu.Unlock()

	if gw != nil {
		gw.Disconnect()
		slog.Info("chat detached", slog.String("component", "chat"), slog.String("channel", ch))
	}
}

// Attached reports whether a connection is currently held.
func (b *Bridge) Attached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gw != nil
}
