package server

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/stream-watch/credential"
	"github.com/onnwee/stream-watch/events"
	"github.com/onnwee/stream-watch/followed"
	"github.com/onnwee/stream-watch/session"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000
	oauthStateTTL  = 10 * time.Minute
)

// Controller is the watch session surface the handlers drive.
type Controller interface {
	StartWatch(ctx context.Context, channel string) (session.Snapshot, error)
	Snapshot() session.Snapshot
	StopWatch(ctx context.Context) error
	PlayerAction(ctx context.Context, action string) error
	SendChatMessage(ctx context.Context, text string) error
}

// Credentials is the credential store surface the handlers need.
type Credentials interface {
	Has() bool
	Valid(ctx context.Context) (credential.Credential, error)
	AuthCodeURL(state string) string
	Authorize(ctx context.Context, code string) error
}

// Deps are the collaborators of the HTTP layer. DB may be nil, in which case
// health checks skip the database.
type Deps struct {
	DB          *sql.DB
	Controller  Controller
	Distributor *events.Distributor
	Credentials Credentials
	Followed    followed.Fetcher
	// StaticDir, when set, is served at / with home.html at /home.
	StaticDir string
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps       Deps
	stateStore map[string]time.Time
	stateMu    sync.Mutex
	now        func() time.Time
	upgrader   websocket.Upgrader
	// done ends long-lived streams when the server shuts down.
	done <-chan struct{}

	pingInterval time.Duration
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{
		deps:         deps,
		stateStore:   make(map[string]time.Time),
		now:          time.Now,
		upgrader:     websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096},
		pingInterval: 25 * time.Second,
	}
}

// cleanExpiredStates removes expired OAuth states from the store.
// This should be called with stateMu locked.
func (h *Handlers) cleanExpiredStates() {
	now := h.now()
	for state, expiry := range h.stateStore {
		if now.After(expiry) {
			delete(h.stateStore, state)
		}
	}
}

// addOAuthState records state until it expires. It reports false when the
// store is full, which fails the sign-in instead of growing without bound.
func (h *Handlers) addOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	if len(h.stateStore)%100 == 0 {
		h.cleanExpiredStates()
	}
	if len(h.stateStore) >= maxOAuthStates {
		h.cleanExpiredStates()
		if len(h.stateStore) >= maxOAuthStates {
			return false
		}
	}
	h.stateStore[state] = h.now().Add(oauthStateTTL)
	return true
}

// consumeOAuthState removes state and reports whether it was live.
func (h *Handlers) consumeOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	exp, ok := h.stateStore[state]
	if !ok {
		return false
	}
	delete(h.stateStore, state)
	return !h.now().After(exp)
}
