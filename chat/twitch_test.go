package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/stream-watch/credential"
	"github.com/onnwee/stream-watch/testutil"
)

type fixedIdentity string

func (f fixedIdentity) UserID(context.Context) (string, error) {
	if f == "" {
		return "", errors.New("not signed in")
	}
	return string(f), nil
}

type fixedTokens string

func (f fixedTokens) AccessToken(context.Context) (string, error) { return string(f), nil }

// helixStub serves /helix/users from users and records chat sends on sent.
func helixStub(t *testing.T, users map[string]string, sent chan<- map[string]string) *http.Client {
	t.Helper()
	m := testutil.NewMockTwitchServer(t)
	m.Handle("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		login := r.URL.Query().Get("login")
		data := []map[string]string{}
		if id, ok := users[login]; ok {
			data = append(data, map[string]string{"id": id, "login": login})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
	})
	m.Handle("/helix/chat/messages", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		body["auth"] = r.Header.Get("Authorization")
		if sent != nil {
			sent <- body
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"data": []map[string]interface{}{{"message_id": "m1", "is_sent": true}}})
	})
	return m.HTTPClient()
}

func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestTwitchGatewayConnectRequiresToken(t *testing.T) {
	g := &TwitchGateway{Identity: fixedIdentity("42")}
	if err := g.Connect(context.Background(), "alice", credential.Credential{}); err == nil {
		t.Error("Connect() without access token expected error")
	}
}

func TestTwitchGatewayConnectUnknownChannel(t *testing.T) {
	g := &TwitchGateway{
		ClientID:   "cid",
		Identity:   fixedIdentity("42"),
		HTTPClient: helixStub(t, map[string]string{}, nil),
	}
	err := g.Connect(context.Background(), "nobody", credential.Credential{AccessToken: "tok"})
	if err == nil || !strings.Contains(err.Error(), "resolve broadcaster") {
		t.Errorf("Connect() error = %v, want broadcaster resolution failure", err)
	}
	if g.IsOpen() {
		t.Error("IsOpen() = true after failed connect")
	}
}

func TestTwitchGatewayConnectIRCUnreachable(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.MockUserResponse("100", "alice")
	g := &TwitchGateway{
		ClientID:       "cid",
		Identity:       fixedIdentity("42"),
		HTTPClient:     m.HTTPClient(),
		ConnectTimeout: 500 * time.Millisecond,
		IRCAddress:     closedAddr(t),
	}
	start := time.Now()
	err := g.Connect(context.Background(), "alice", credential.Credential{AccessToken: "tok"})
	if err == nil {
		t.Fatal("Connect() to unreachable IRC expected error")
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("Connect() took %v, want bounded by the connect timeout", time.Since(start))
	}
	if g.IsOpen() {
		t.Error("IsOpen() = true after failed connect")
	}
	users := m.Requests("/helix/users")
	if len(users) != 1 || users[0].URL.Query().Get("login") != "alice" {
		t.Errorf("broadcaster lookups = %d", len(users))
	}
	g.Disconnect()
	g.Disconnect()
}

func TestTwitchGatewaySend(t *testing.T) {
	sent := make(chan map[string]string, 1)
	g := &TwitchGateway{
		ClientID:   "cid",
		Tokens:     fixedTokens("fresh-token"),
		HTTPClient: helixStub(t, nil, sent),
	}

	if err := g.Send(context.Background(), "hi"); !errors.Is(err, ErrChatUnavailable) {
		t.Errorf("Send() before connect = %v, want ErrChatUnavailable", err)
	}

	g.broadcasterID, g.senderID = "100", "42"
	g.open.Store(true)
	if err := g.Send(context.Background(), "hello chat"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	body := <-sent
	if body["broadcaster_id"] != "100" || body["sender_id"] != "42" || body["message"] != "hello chat" {
		t.Errorf("helix body = %v", body)
	}
	if body["auth"] != "Bearer fresh-token" {
		t.Errorf("Authorization = %q, want the token current at send time", body["auth"])
	}
}

func TestTwitchGatewaySendDropped(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.MockChatMessageResponse(false)

	g := &TwitchGateway{
		ClientID:   "cid",
		Tokens:     fixedTokens("tok"),
		HTTPClient: m.HTTPClient(),
	}
	g.broadcasterID, g.senderID = "100", "42"
	g.open.Store(true)

	err := g.Send(context.Background(), "hello again")
	if err == nil || !strings.Contains(err.Error(), "msg_duplicate") {
		t.Errorf("Send() error = %v, want the drop reason", err)
	}
	if n := len(m.Requests("/helix/chat/messages")); n != 1 {
		t.Errorf("chat requests = %d, want 1", n)
	}
}
