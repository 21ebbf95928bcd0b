package server

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/onnwee/stream-watch/telemetry"
)

// HandleLogin serves login.html from the static directory when one exists,
// otherwise it starts the Twitch sign-in directly.
func (h *Handlers) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if h.deps.StaticDir != "" {
		page := filepath.Join(h.deps.StaticDir, "login.html")
		if _, err := os.Stat(page); err == nil {
			http.ServeFile(w, r, page)
			return
		}
	}
	http.Redirect(w, r, "/auth/twitch/start", http.StatusFound)
}

// HandleTwitchOAuthStart initiates the Twitch OAuth flow by redirecting to Twitch.
func (h *Handlers) HandleTwitchOAuthStart(w http.ResponseWriter, r *http.Request) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		http.Error(w, "state gen error", http.StatusInternalServerError)
		return
	}
	st := hex.EncodeToString(b)
	if !h.addOAuthState(st) {
		telemetry.LoggerWithCorr(r.Context()).Warn("oauth state store full")
		http.Error(w, "too many pending sign-ins", http.StatusServiceUnavailable)
		return
	}
	http.Redirect(w, r, h.deps.Credentials.AuthCodeURL(st), http.StatusFound)
}

// HandleTwitchOAuthCallback exchanges the authorization code and stores the
// resulting credential, then sends the browser home.
func (h *Handlers) HandleTwitchOAuthCallback(w http.ResponseWriter, r *http.Request) {
	log := telemetry.LoggerWithCorr(r.Context())
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		log.Warn("twitch authorization denied", slog.String("error", e), slog.String("description", q.Get("error_description")))
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}
	code := q.Get("code")
	st := q.Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", http.StatusBadRequest)
		return
	}
	if !h.consumeOAuthState(st) {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}
	if err := h.deps.Credentials.Authorize(r.Context(), code); err != nil {
		log.Error("twitch code exchange failed", slog.Any("err", err))
		http.Error(w, "could not connect to twitch", http.StatusInternalServerError)
		return
	}
	log.Info("twitch account connected")
	http.Redirect(w, r, "/home", http.StatusFound)
}
