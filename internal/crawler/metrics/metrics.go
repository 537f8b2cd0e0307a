// Package metrics registers and serves the crawler's Prometheus metrics.
// Metric names and label sets mirror the reference implementation so
// existing dashboards and alert rules keep working against this worker.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric the crawler emits.
type Registry struct {
	Info Info

	TasksProcessedTotal  *prometheus.CounterVec
	TasksInProgress      prometheus.Gauge
	TaskDurationSeconds  prometheus.Histogram
	APIRequestsTotal     *prometheus.CounterVec
	APIRequestDuration   *prometheus.HistogramVec
	ItemsCrawledTotal    *prometheus.CounterVec
	TokenRefreshesTotal  *prometheus.CounterVec
	TokenAgeSeconds      prometheus.Gauge
	CircuitBreakerState  prometheus.Gauge
	RateLimitWaitsTotal  prometheus.Counter
	RateLimitTokens      prometheus.Gauge
	AdaptiveDelaySeconds prometheus.Gauge
	QueueDepth           *prometheus.GaugeVec
	AuthMode             prometheus.Gauge
	AuthModeSwitches     *prometheus.CounterVec
	AuthConsecutiveFails prometheus.Gauge
	DPoPKeyAgeSeconds    prometheus.Gauge

	registerer prometheus.Registerer
	server     *http.Server
}

// Info is a label-only gauge describing the running build.
type Info *prometheus.GaugeVec

// New registers every crawler metric against a fresh registry.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	r := &Registry{
		registerer: reg,
		TasksProcessedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marketcrawl_tasks_processed_total",
			Help: "Total number of tasks processed, by outcome status.",
		}, []string{"status"}),
		TasksInProgress: factory.NewGauge(prometheus.GaugeOpts{
			Name: "marketcrawl_tasks_in_progress",
			Help: "Number of tasks currently being processed.",
		}),
		TaskDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "marketcrawl_task_duration_seconds",
			Help:    "Task processing duration in seconds.",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		}),
		APIRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marketcrawl_api_requests_total",
			Help: "Total upstream API requests, by outcome status and endpoint.",
		}, []string{"status", "endpoint"}),
		APIRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "marketcrawl_api_request_duration_seconds",
			Help:    "Upstream API request duration in seconds.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30},
		}, []string{"endpoint"}),
		ItemsCrawledTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marketcrawl_items_crawled_total",
			Help: "Total items crawled, by sale status.",
		}, []string{"status"}),
		TokenRefreshesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marketcrawl_token_refreshes_total",
			Help: "Total DPoP key rotations, by outcome status.",
		}, []string{"status"}),
		TokenAgeSeconds: factory.NewGauge(prometheus.GaugeOpts{
			Name: "marketcrawl_token_age_seconds",
			Help: "Age of the current browser-mode credential, in seconds.",
		}),
		CircuitBreakerState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "marketcrawl_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
		RateLimitWaitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "marketcrawl_rate_limit_waits_total",
			Help: "Total number of tasks that failed to obtain a rate limit token (timeout, cancellation, or Redis error).",
		}),
		RateLimitTokens: factory.NewGauge(prometheus.GaugeOpts{
			Name: "marketcrawl_rate_limit_tokens",
			Help: "Last observed token count in the shared bucket.",
		}),
		AdaptiveDelaySeconds: factory.NewGauge(prometheus.GaugeOpts{
			Name: "marketcrawl_adaptive_delay_seconds",
			Help: "Current adaptive delay, in seconds.",
		}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "marketcrawl_queue_depth",
			Help: "Current queue depth, by queue name.",
		}, []string{"queue"}),
		AuthMode: factory.NewGauge(prometheus.GaugeOpts{
			Name: "marketcrawl_auth_mode",
			Help: "Current authenticator mode (0=http, 1=browser).",
		}),
		AuthModeSwitches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marketcrawl_auth_mode_switches_total",
			Help: "Total authenticator mode switches, by direction.",
		}, []string{"direction"}),
		AuthConsecutiveFails: factory.NewGauge(prometheus.GaugeOpts{
			Name: "marketcrawl_auth_consecutive_failures",
			Help: "Current consecutive authentication failure count.",
		}),
		DPoPKeyAgeSeconds: factory.NewGauge(prometheus.GaugeOpts{
			Name: "marketcrawl_dpop_key_age_seconds",
			Help: "Age of the current HTTP-mode DPoP key, in seconds.",
		}),
	}

	info := factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "marketcrawl_info",
		Help: "Static build information.",
	}, []string{"version", "commit"})
	r.Info = Info(info)

	return r
}

// SetBuildInfo records the running build's version/commit as a constant 1
// on the info gauge.
func (r *Registry) SetBuildInfo(version, commit string) {
	(*prometheus.GaugeVec)(r.Info).WithLabelValues(version, commit).Set(1)
}

// Start serves /metrics on addr in the background. It shuts down
// automatically when ctx is cancelled.
func (r *Registry) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics: listen %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registerer.(*prometheus.Registry), promhttp.HandlerOpts{}))
	r.server = &http.Server{Handler: mux, ReadTimeout: 5 * time.Second}

	go func() {
		slog.Info("metrics server listening", "addr", ln.Addr().String())
		if err := r.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server stopped", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics server shutdown error", "err", err)
		}
	}()

	return nil
}

// Stop shuts down the metrics HTTP server.
func (r *Registry) Stop() {
	if r.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.server.Shutdown(ctx); err != nil {
		slog.Warn("metrics server shutdown error", "err", err)
	}
}
