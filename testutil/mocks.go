package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// MockTwitchServer creates a test server that mocks Twitch Helix and OAuth responses.
// Route requests to it with HTTPClient, which rewrites every host to the server.
type MockTwitchServer struct {
	*httptest.Server

	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	requests []*http.Request
}

// NewMockTwitchServer creates a new mock Twitch API server
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.requests = append(m.requests, r.Clone(r.Context()))
		handler, ok := m.handlers[r.URL.Path]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Handle installs fn for path, replacing any earlier handler.
func (m *MockTwitchServer) Handle(path string, fn http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = fn
}

// Requests returns the requests received so far, in order.
func (m *MockTwitchServer) Requests(path string) []*http.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*http.Request
	for _, r := range m.requests {
		if r.URL.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// HTTPClient returns a client whose requests all land on the mock server.
func (m *MockTwitchServer) HTTPClient() *http.Client {
	return &http.Client{Transport: &rewriteTransport{base: http.DefaultTransport, host: strings.TrimPrefix(m.URL, "http://")}}
}

type rewriteTransport struct {
	base http.RoundTripper
	host string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = "http"
	req.URL.Host = t.host
	req.Host = t.host
	return t.base.RoundTrip(req)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// MockUserResponse adds a handler for /helix/users endpoint
func (m *MockTwitchServer) MockUserResponse(userID, login string) {
	m.Handle("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"data": []map[string]string{
				{"id": userID, "login": login},
			},
		})
	})
}

// MockFollowedStreamsResponse adds a single-page handler for /helix/streams/followed.
func (m *MockTwitchServer) MockFollowedStreamsResponse(streams []map[string]interface{}) {
	m.Handle("/helix/streams/followed", func(w http.ResponseWriter, r *http.Request) {
		if streams == nil {
			streams = []map[string]interface{}{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"data":       streams,
			"pagination": map[string]string{},
		})
	})
}

// MockChatMessageResponse adds a handler for POST /helix/chat/messages.
func (m *MockTwitchServer) MockChatMessageResponse(isSent bool) {
	m.Handle("/helix/chat/messages", func(w http.ResponseWriter, r *http.Request) {
		entry := map[string]interface{}{"message_id": "msg-1", "is_sent": isSent}
		if !isSent {
			entry["drop_reason"] = map[string]string{"code": "msg_duplicate", "message": "duplicate"}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"data": []interface{}{entry}})
	})
}

// MockOAuthTokenResponse adds a handler for OAuth token endpoint
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken, refreshToken string, expiresIn int) {
	m.Handle("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"access_token":  accessToken,
			"refresh_token": refreshToken,
			"expires_in":    expiresIn,
			"scope":         []string{"user:read:follows", "user:write:chat"},
			"token_type":    "bearer",
		})
	})
}

// MockValidateResponse adds a handler for /oauth2/validate. An empty userID answers 401.
func (m *MockTwitchServer) MockValidateResponse(userID, login string, expiresIn int) {
	m.Handle("/oauth2/validate", func(w http.ResponseWriter, r *http.Request) {
		if userID == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"status": 401, "message": "invalid access token"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"client_id":  "client",
			"login":      login,
			"user_id":    userID,
			"scopes":     []string{"user:read:follows", "user:write:chat"},
			"expires_in": expiresIn,
		})
	})
}
