package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/stream-watch/chat"
	"github.com/onnwee/stream-watch/credential"
	"github.com/onnwee/stream-watch/session"
	"github.com/onnwee/stream-watch/telemetry"
	"github.com/onnwee/stream-watch/twitchapi"
)

// writeJSON encodes v as the response body with status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}

// statusFor maps a domain error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidChannel),
		errors.Is(err, session.ErrEmptyMessage),
		errors.Is(err, session.ErrNoActiveSession),
		errors.Is(err, session.ErrUnknownAction):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrSessionStartFailed):
		return http.StatusBadGateway
	case errors.Is(err, credential.ErrAuthExpired),
		errors.Is(err, credential.ErrRefreshFailed),
		errors.Is(err, twitchapi.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, chat.ErrChatUnavailable):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// writeError is the single place domain errors become HTTP responses. Lost
// authorization sends the browser back to /login.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	log := telemetry.LoggerWithCorr(r.Context())
	if status == http.StatusUnauthorized {
		log.Info("authorization required", slog.String("path", r.URL.Path), slog.Any("err", err))
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}
	if status >= 500 {
		log.Error("request failed", slog.String("path", r.URL.Path), slog.Int("status", status), slog.Any("err", err))
	} else {
		log.Debug("request rejected", slog.String("path", r.URL.Path), slog.Int("status", status), slog.Any("err", err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
