package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/onnwee/stream-watch/events"
	"github.com/onnwee/stream-watch/telemetry"
)

const maxChatBody = 4 << 10

// HandleWatch starts watching the channel in the path and responds with the
// resulting session snapshot.
func (h *Handlers) HandleWatch(w http.ResponseWriter, r *http.Request) {
	snap, err := h.deps.Controller.StartWatch(r.Context(), r.PathValue("channel"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandleWatchStatus reports the current session snapshot.
func (h *Handlers) HandleWatchStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Controller.Snapshot())
}

// HandleStopWatch ends the current session, if any.
func (h *Handlers) HandleStopWatch(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Controller.StopWatch(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Controller.Snapshot())
}

// HandlePlayerAction forwards a player control to the active session.
func (h *Handlers) HandlePlayerAction(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Controller.PlayerAction(r.Context(), r.PathValue("action")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Controller.Snapshot())
}

// HandleSendChatMessage posts {"message": "..."} to the active channel's chat.
func (h *Handlers) HandleSendChatMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message string `json:"message"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxChatBody)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := h.deps.Controller.SendChatMessage(r.Context(), body.Message); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

// HandleFollowedStreams lists the signed-in user's followed channels that are live.
func (h *Handlers) HandleFollowedStreams(w http.ResponseWriter, r *http.Request) {
	if h.deps.Followed == nil {
		writeJSON(w, http.StatusOK, []events.FollowedStream{})
		return
	}
	streams, err := h.deps.Followed.FollowedStreams(r.Context())
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Warn("followed streams fetch failed", slog.Any("err", err))
		writeError(w, r, err)
		return
	}
	if streams == nil {
		streams = []events.FollowedStream{}
	}
	writeJSON(w, http.StatusOK, streams)
}
