package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/onnwee/stream-watch/credential"
)

// fakeGateway records calls in a log shared by every gateway a test creates.
type fakeGateway struct {
	name string
	log  *callLog

	mu         sync.Mutex
	handler    func(Inbound)
	open       bool
	connectErr error
	sendErr    error
	sent       []string
}

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	l.calls = append(l.calls, s)
	l.mu.Unlock()
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (f *fakeGateway) Connect(_ context.Context, channel string, _ credential.Credential) error {
	f.log.add(f.name + ":connect:" + channel)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.open = true
	return nil
}

func (f *fakeGateway) OnMessage(fn func(Inbound)) {
	f.mu.Lock()
	f.handler = fn
	f.mu.Unlock()
}

func (f *fakeGateway) Send(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeGateway) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeGateway) Disconnect() {
	f.log.add(f.name + ":disconnect")
	f.mu.Lock()
	f.open = false
	f.mu.Unlock()
}

// emit simulates the gateway receiving a chat line.
func (f *fakeGateway) emit(in Inbound) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(in)
	}
}

type harness struct {
	log      *callLog
	gateways []*fakeGateway
	next     func(*fakeGateway)

	mu       sync.Mutex
	received []Message
}

func newHarness() (*harness, *Bridge) {
	h := &harness{log: &callLog{}}
	b := NewBridge(func() Gateway {
		g := &fakeGateway{name: fmt.Sprintf("gw%d", len(h.gateways)+1), log: h.log}
		if h.next != nil {
			h.next(g)
		}
		h.gateways = append(h.gateways, g)
		return g
	}, func(m Message) {
		h.mu.Lock()
		h.received = append(h.received, m)
		h.mu.Unlock()
	})
	return h, b
}

func (h *harness) messages() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Message(nil), h.received...)
}

var testCred = credential.Credential{AccessToken: "tok"}

func TestAttachDeliversInOrder(t *testing.T) {
	h, b := newHarness()
	if err := b.Attach(context.Background(), "alice", testCred); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	gw := h.gateways[0]

	gw.emit(Inbound{Login: "bob", DisplayName: "Bob", Color: "#FF0000", Text: "hi"})
	gw.emit(Inbound{Login: "carol", Text: "yo"})
	for i := 0; i < 50; i++ {
		gw.emit(Inbound{Login: "dave", Text: fmt.Sprintf("m%d", i)})
	}

	got := h.messages()
	if len(got) != 52 {
		t.Fatalf("received %d messages, want 52", len(got))
	}
	if got[0].Username != "Bob" || got[0].Color != "#FF0000" || got[0].Text != "hi" {
		t.Errorf("first message = %+v, want display name preferred", got[0])
	}
	if got[1].Username != "carol" {
		t.Errorf("second message username = %q, want login fallback", got[1].Username)
	}
	for i, m := range got {
		if m.ArrivalSeq != uint64(i+1) {
			t.Fatalf("message %d ArrivalSeq = %d, want %d", i, m.ArrivalSeq, i+1)
		}
	}
	for i := 0; i < 50; i++ {
		if got[i+2].Text != fmt.Sprintf("m%d", i) {
			t.Fatalf("message %d text = %q, order not preserved", i+2, got[i+2].Text)
		}
	}
}

func TestAttachReplacesConnection(t *testing.T) {
	h, b := newHarness()
	ctx := context.Background()
	if err := b.Attach(ctx, "alice", testCred); err != nil {
		t.Fatal(err)
	}
	h.gateways[0].emit(Inbound{Login: "x", Text: "from alice"})

	if err := b.Attach(ctx, "bob", testCred); err != nil {
		t.Fatal(err)
	}

	calls := h.log.snapshot()
	want := []string{"gw1:connect:alice", "gw1:disconnect", "gw2:connect:bob"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v (old connection closed before new one opens)", calls, want)
		}
	}

	// A late message from the superseded connection must not leak through.
	h.gateways[0].emit(Inbound{Login: "x", Text: "stale"})
	h.gateways[1].emit(Inbound{Login: "y", Text: "from bob"})

	got := h.messages()
	if len(got) != 2 {
		t.Fatalf("received %v, want 2 messages", got)
	}
	if got[1].Text != "from bob" || got[1].ArrivalSeq != 1 {
		t.Errorf("after re-attach got %+v, want seq reset to 1", got[1])
	}
}

func TestAttachConnectFailure(t *testing.T) {
	h, b := newHarness()
	h.next = func(g *fakeGateway) { g.connectErr = errors.New("refused") }

	if err := b.Attach(context.Background(), "alice", testCred); err == nil {
		t.Fatal("Attach() expected error")
	}
	if b.Attached() {
		t.Error("Attached() = true after failed connect")
	}
	calls := h.log.snapshot()
	if len(calls) != 2 || calls[1] != "gw1:disconnect" {
		t.Errorf("calls = %v, want failed gateway disconnected", calls)
	}
	if err := b.Send(context.Background(), "hi"); !errors.Is(err, ErrChatUnavailable) {
		t.Errorf("Send() error = %v, want ErrChatUnavailable", err)
	}
}

func TestSend(t *testing.T) {
	h, b := newHarness()
	ctx := context.Background()

	if err := b.Send(ctx, "hi"); !errors.Is(err, ErrChatUnavailable) {
		t.Errorf("Send() before Attach error = %v, want ErrChatUnavailable", err)
	}

	if err := b.Attach(ctx, "alice", testCred); err != nil {
		t.Fatal(err)
	}
	if err := b.Send(ctx, "hello"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if sent := h.gateways[0].sent; len(sent) != 1 || sent[0] != "hello" {
		t.Errorf("sent = %v", sent)
	}
	if len(h.messages()) != 0 {
		t.Error("Send() must not publish; the gateway echo is the only path")
	}

	h.gateways[0].sendErr = errors.New("403")
	if err := b.Send(ctx, "again"); !errors.Is(err, ErrChatUnavailable) {
		t.Errorf("Send() with gateway error = %v, want ErrChatUnavailable", err)
	}

	h.gateways[0].mu.Lock()
	h.gateways[0].open = false
	h.gateways[0].mu.Unlock()
	if err := b.Send(ctx, "closed"); !errors.Is(err, ErrChatUnavailable) {
		t.Errorf("Send() on closed gateway = %v, want ErrChatUnavailable", err)
	}
}

func TestDetachIdempotent(t *testing.T) {
	h, b := newHarness()
	b.Detach()
	if err := b.Attach(context.Background(), "alice", testCred); err != nil {
		t.Fatal(err)
	}
	b.Detach()
	b.Detach()

	disconnects := 0
	for _, c := range h.log.snapshot() {
		if c == "gw1:disconnect" {
			disconnects++
		}
	}
	if disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", disconnects)
	}
	if b.Attached() {
		t.Error("Attached() = true after Detach")
	}
	h.gateways[0].emit(Inbound{Login: "x", Text: "after detach"})
	if len(h.messages()) != 0 {
		t.Error("message delivered after Detach")
	}
}
