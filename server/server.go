// Package server exposes the HTTP API: OAuth sign-in, watch session control,
// chat sending, the live event streams, and health, status and metrics. It
// injects correlation IDs into request contexts for consistent logging.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewMux returns the HTTP handler with all routes.
// The provided context bounds the rate limiter cleanup goroutine.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	rateLimiterCfg := loadRateLimiterConfig()
	corsCfg := loadCORSConfig()
	limiter := newIPRateLimiter(ctx, rateLimiterCfg)
	slog.Info("initializing in-memory rate limiter",
		slog.Bool("enabled", rateLimiterCfg.enabled),
		slog.Int("requests_per_ip", rateLimiterCfg.requestsPerIP),
		slog.Duration("window", rateLimiterCfg.window))

	h := NewHandlers(deps)
	h.upgrader.CheckOrigin = corsCfg.checkOrigin
	h.done = ctx.Done()

	authed := func(fn http.HandlerFunc) http.Handler {
		return requireCredential(fn, deps.Credentials)
	}
	limited := func(fn http.HandlerFunc) http.Handler {
		return requireCredential(rateLimitMiddleware(fn, limiter), deps.Credentials)
	}

	mux := http.NewServeMux()

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /readyz", h.HandleReadyz)
	mux.HandleFunc("GET /status", h.HandleStatus)

	mux.HandleFunc("GET /login", h.HandleLogin)
	mux.HandleFunc("GET /auth/twitch/start", h.HandleTwitchOAuthStart)
	mux.HandleFunc("GET /auth/twitch/callback", h.HandleTwitchOAuthCallback)

	mux.Handle("GET /api/followed-streams", authed(h.HandleFollowedStreams))
	mux.Handle("GET /api/watch/{channel}", limited(h.HandleWatch))
	mux.Handle("POST /api/watch/{channel}", limited(h.HandleWatch))
	mux.HandleFunc("GET /api/watch", h.HandleWatchStatus)
	mux.Handle("DELETE /api/watch", authed(h.HandleStopWatch))
	mux.Handle("POST /api/player/{action}", authed(h.HandlePlayerAction))
	mux.Handle("POST /api/sendChatMessage", limited(h.HandleSendChatMessage))

	mux.HandleFunc("GET /events", h.HandleEvents)
	mux.HandleFunc("GET /ws", h.HandleWebSocket)

	if deps.StaticDir != "" {
		home := filepath.Join(deps.StaticDir, "home.html")
		mux.Handle("GET /home", authed(func(w http.ResponseWriter, r *http.Request) {
			http.ServeFile(w, r, home)
		}))
		mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "/home", http.StatusFound)
		})
		mux.Handle("GET /", http.FileServer(http.Dir(deps.StaticDir)))
	}

	return withCORSConfig(withRequestContext(mux), corsCfg)
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
// WriteTimeout stays zero so /events and /ws can stream indefinitely.
func Start(ctx context.Context, deps Deps, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewMux(ctx, deps),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// WithoutCancel keeps context values while letting shutdown finish
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
