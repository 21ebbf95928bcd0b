// Command stream-watch coordinates a single Twitch watch session for one
// signed-in user. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres, runs idempotent migrations and restores the
//     stored Twitch credential.
//   - Wires the browser player, the chat bridge and the event distributor
//     into the watch session controller.
//   - Starts background jobs: the followed-streams poller and the OAuth
//     token refresher.
//   - Serves the HTTP API, the /events and /ws streams, /healthz and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/stream-watch/browser"
	"github.com/onnwee/stream-watch/chat"
	"github.com/onnwee/stream-watch/config"
	"github.com/onnwee/stream-watch/credential"
	"github.com/onnwee/stream-watch/db"
	"github.com/onnwee/stream-watch/events"
	"github.com/onnwee/stream-watch/followed"
	"github.com/onnwee/stream-watch/oauth"
	"github.com/onnwee/stream-watch/server"
	"github.com/onnwee/stream-watch/session"
	"github.com/onnwee/stream-watch/telemetry"
	"github.com/onnwee/stream-watch/twitchapi"
)

const serviceVersion = "1.0.0"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config invalid", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// Tracing is optional; it stays a no-op without OTEL_EXPORTER_OTLP_ENDPOINT.
	shutdownTracing, err := telemetry.InitTracing("stream-watch", serviceVersion)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first; the embedded schema covers databases that
	// predate schema_migrations.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
	}

	sealer, err := db.NewSealer(cfg.EncryptionKey, cfg.EncryptionKeysPrevious)
	if err != nil {
		slog.Error("invalid encryption key", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	creds := credential.New(
		&credential.OAuthExchanger{Config: twitchapi.NewOAuthConfig(cfg.TwitchClientID, cfg.TwitchClientSecret, cfg.TwitchRedirectURI, cfg.TwitchScopes)},
		&twitchapi.Validator{},
		&db.TokenStore{DB: database, Sealer: sealer, Provider: db.ProviderTwitch},
	)
	if err := creds.Load(ctx); err != nil {
		slog.Warn("stored twitch credential unavailable, sign-in required", slog.Any("err", err))
	} else if creds.Has() {
		slog.Info("restored twitch credential")
	}

	dist := events.NewDistributor(cfg.SubscriberBuffer)

	// The bridge publishes through the controller, which is built after it.
	var ctrl *session.Controller
	bridge := chat.NewBridge(func() chat.Gateway {
		return &chat.TwitchGateway{
			ClientID:       cfg.TwitchClientID,
			Tokens:         creds,
			Identity:       creds,
			ConnectTimeout: cfg.ChatConnectTimeout,
		}
	}, func(m chat.Message) { ctrl.PublishChat(m) })

	ctrl = session.New(func() session.Browser {
		return browser.New(browser.Options{
			Bin:        cfg.BrowserBin,
			Headless:   cfg.BrowserHeadless,
			NavTimeout: cfg.BrowserNavTimeout,
		})
	}, bridge, creds, dist)

	fetcher := &followed.HelixFetcher{
		Client: &twitchapi.HelixClient{Tokens: creds, ClientID: cfg.TwitchClientID},
		Users:  creds,
	}
	poller := &followed.Poller{
		Fetcher:  fetcher,
		Publish:  ctrl.PublishFollowedStreams,
		Interval: cfg.FollowedPollInterval,
	}

	if os.Getenv("ENABLE_PPROF") == "1" {
		startPprof()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx, server.Deps{
			DB:          database,
			Controller:  ctrl,
			Distributor: dist,
			Credentials: creds,
			Followed:    fetcher,
			StaticDir:   cfg.StaticDir,
		}, cfg.HTTPAddr)
	})
	g.Go(func() error {
		if err := poller.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	refresherDone := oauth.StartRefresher(gctx, creds, cfg.TokenRefreshInterval, cfg.TokenRefreshWindow)

	slog.Info("stream-watch started", slog.String("addr", cfg.HTTPAddr), slog.String("public_url", cfg.PublicURL))
	if err := g.Wait(); err != nil {
		slog.Error("service stopped with error", slog.Any("err", err))
	}
	<-refresherDone

	slog.Info("shutting down")
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ctrl.Close(closeCtx)
	dist.Close()
}

func startPprof() {
	pprofAddr := os.Getenv("PPROF_ADDR")
	if pprofAddr == "" {
		pprofAddr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
		srv := &http.Server{
			Addr:              pprofAddr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}
