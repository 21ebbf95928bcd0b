// Package telemetry provides Prometheus metrics, OpenTelemetry tracing and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reasons a watch session ends.
const (
	EndReasonSuperseded   = "superseded"
	EndReasonDisconnected = "disconnected"
	EndReasonClosed       = "closed"
)

var (
	once sync.Once

	// Counters
	SessionsStarted      prometheus.Counter
	SessionStartFailures prometheus.Counter
	SessionsEnded        *prometheus.CounterVec
	ChatMessages         prometheus.Counter
	ChatSendFailures     prometheus.Counter
	SubscribersDropped   prometheus.Counter
	EventsPublished      *prometheus.CounterVec
	TokenRefreshes       *prometheus.CounterVec

	// Histograms (seconds)
	SessionStartDuration prometheus.Observer

	// Gauges
	SubscribersGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "watch_sessions_started_total", Help: "Number of watch sessions that reached the active state"})
		SessionStartFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "watch_session_start_failures_total", Help: "Number of watch sessions whose browser failed to start"})
		SessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{Name: "watch_sessions_ended_total", Help: "Number of watch sessions ended, by reason"}, []string{"reason"})
		ChatMessages = promauto.NewCounter(prometheus.CounterOpts{Name: "watch_chat_messages_total", Help: "Number of inbound chat messages fanned out"})
		ChatSendFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "watch_chat_send_failures_total", Help: "Number of outbound chat messages the gateway rejected"})
		SubscribersDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "watch_subscribers_dropped_total", Help: "Number of subscribers removed because their queue overflowed"})
		EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{Name: "watch_events_published_total", Help: "Number of events published to subscribers, by kind"}, []string{"event"})
		TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "watch_token_refreshes_total", Help: "Number of refresh token exchanges, by result"}, []string{"result"})
		SessionStartDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "watch_session_start_duration_seconds", Help: "Browser launch and navigation duration seconds", Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60}})
		SubscribersGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "watch_subscribers", Help: "Current number of connected event subscribers"})
	})
}

// SetSubscribers records the current subscriber count.
func SetSubscribers(n int) {
	if SubscribersGauge != nil {
		SubscribersGauge.Set(float64(n))
	}
}

// IncSessionEnded counts a session ending for reason.
func IncSessionEnded(reason string) {
	if SessionsEnded != nil {
		SessionsEnded.WithLabelValues(reason).Inc()
	}
}

// IncEventPublished counts one published event of the given kind.
func IncEventPublished(kind string) {
	if EventsPublished != nil {
		EventsPublished.WithLabelValues(kind).Inc()
	}
}

// IncTokenRefresh counts a refresh exchange; result is "ok" or "error".
func IncTokenRefresh(result string) {
	if TokenRefreshes != nil {
		TokenRefreshes.WithLabelValues(result).Inc()
	}
}

// Inc increments c when metrics are initialized.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
