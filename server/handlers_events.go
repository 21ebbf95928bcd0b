package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/stream-watch/events"
	"github.com/onnwee/stream-watch/telemetry"
)

const wsWriteWait = 10 * time.Second

// HandleEvents streams events as Server-Sent Events, one `data:` frame per
// event. The subscriber is removed as soon as a write fails.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := h.deps.Distributor.Subscribe()
	defer h.deps.Distributor.Unsubscribe(sub)
	log := telemetry.LoggerWithCorr(r.Context()).With(slog.String("subscriber", sub.ID), slog.String("transport", "sse"))
	log.Debug("event stream opened")

	ping := time.NewTicker(h.pingInterval)
	defer ping.Stop()

	for {
		select {
		case b, ok := <-sub.Events():
			if !ok {
				log.Debug("subscriber dropped")
				return
			}
			if err := writeSSE(w, b); err != nil {
				log.Debug("event stream write failed", slog.Any("err", err))
				return
			}
			flusher.Flush()
		case <-ping.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			log.Debug("event stream closed")
			return
		case <-h.done:
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, payload []byte) error {
	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	_, err := w.Write([]byte("\n\n"))
	return err
}

// HandleWebSocket streams events over a websocket, one text frame per event.
// Inbound frames are read and discarded to service control messages.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Warn("ws upgrade error", slog.Any("err", err))
		return
	}
	sub := h.deps.Distributor.Subscribe()
	log := telemetry.LoggerWithCorr(r.Context()).With(slog.String("subscriber", sub.ID), slog.String("transport", "ws"))
	log.Debug("websocket client connected", slog.String("remote", r.RemoteAddr))

	readTimeout := 2 * h.pingInterval
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readTimeout))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.pumpWebSocket(conn, sub, closed)

	h.deps.Distributor.Unsubscribe(sub)
	_ = conn.Close()
	log.Debug("websocket client disconnected")
}

func (h *Handlers) pumpWebSocket(conn *websocket.Conn, sub *events.Subscriber, closed <-chan struct{}) {
	ping := time.NewTicker(h.pingInterval)
	defer ping.Stop()

	for {
		select {
		case b, ok := <-sub.Events():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber too slow"),
					time.Now().Add(wsWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-closed:
			return
		case <-h.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(wsWriteWait))
			return
		}
	}
}
