package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveSessions is the current number of SOCKS5 sessions.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "socks5_active_sessions",
		Help: "Current number of active SOCKS5 sessions",
	})

	// SessionsTotal is the total number of accepted SOCKS5 sessions.
	SessionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "socks5_sessions_total",
		Help: "Total number of SOCKS5 sessions",
	})

	// RepliesTotal counts reply frames sent, by status.
	RepliesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "socks5_replies_total",
		Help: "SOCKS5 replies sent by status",
	}, []string{"status"})

	// SessionErrors counts failed sessions, by error kind.
	SessionErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "socks5_session_errors_total",
		Help: "SOCKS5 sessions that ended in an error by kind",
	}, []string{"kind"})

	// RelayBytes counts relayed bytes, by direction.
	RelayBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "socks5_relay_bytes_total",
		Help: "Bytes relayed by direction",
	}, []string{"direction"})

	SessionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "socks5_session_duration_seconds",
		Help:    "Lifetime of SOCKS5 sessions",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	})
)

func init() {
	// Register the metrics.
	prometheus.MustRegister(ActiveSessions, SessionsTotal, RepliesTotal, SessionErrors, RelayBytes, SessionDuration)
}

// StartServer serves /metrics on addr until ctx is cancelled, then returns
// http.ErrServerClosed.
func StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 优雅关闭
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = server.Shutdown(shutdownCtx)
	}()

	return server.ListenAndServe()
}
