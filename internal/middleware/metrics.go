package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Answer metrics
	answersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_assistant_answers_total",
		Help: "Total number of answers by source",
	}, []string{"source"})

	answerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portfolio_assistant_answer_duration_seconds",
		Help:    "Time to produce an answer",
		Buckets: prometheus.DefBuckets,
	}, []string{"source"})

	// Remote generation metrics
	remoteRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_assistant_remote_requests_total",
		Help: "Remote generation attempts by outcome",
	}, []string{"outcome"})

	remoteDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portfolio_assistant_remote_request_duration_seconds",
		Help:    "Duration of remote generation requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	fallbackRules = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_assistant_fallback_rule_hits_total",
		Help: "Fallback answers by matched rule",
	}, []string{"rule"})

	// Cache metrics
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portfolio_assistant_cache_hits_total",
		Help: "Total number of cache hits",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portfolio_assistant_cache_misses_total",
		Help: "Total number of cache misses",
	})

	// Rate limit metrics
	rateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_assistant_rate_limit_exceeded_total",
		Help: "Total number of rate limit exceeded events",
	}, []string{"channel"})

	// Storage metrics
	storageOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_assistant_storage_operations_total",
		Help: "Total number of storage operations",
	}, []string{"operation", "status"})

	storageOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portfolio_assistant_storage_operation_duration_seconds",
		Help:    "Duration of storage operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// HTTP metrics
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_assistant_http_requests_total",
		Help: "HTTP requests by route and status",
	}, []string{"route", "method", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portfolio_assistant_http_request_duration_seconds",
		Help:    "HTTP request latency by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method"})
)

// Metrics provides methods to record metrics
type Metrics struct{}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordAnswer records a produced answer
func (m *Metrics) RecordAnswer(source string, duration time.Duration) {
	answersTotal.WithLabelValues(source).Inc()
	answerDuration.WithLabelValues(source).Observe(duration.Seconds())
}

// RecordRemoteRequest records a remote generation attempt
func (m *Metrics) RecordRemoteRequest(outcome string, duration time.Duration) {
	remoteRequests.WithLabelValues(outcome).Inc()
	if duration > 0 {
		remoteDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	}
}

// RecordFallbackRule records which fallback rule answered
func (m *Metrics) RecordFallbackRule(rule string) {
	fallbackRules.WithLabelValues(rule).Inc()
}

// RecordCacheHit records a cache hit
func (m *Metrics) RecordCacheHit() {
	cacheHits.Inc()
}

// RecordCacheMiss records a cache miss
func (m *Metrics) RecordCacheMiss() {
	cacheMisses.Inc()
}

// RecordRateLimitExceeded records a rate limit exceeded event
func (m *Metrics) RecordRateLimitExceeded(channel string) {
	rateLimitExceeded.WithLabelValues(channel).Inc()
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(operation, status string, duration time.Duration) {
	storageOperations.WithLabelValues(operation, status).Inc()
	storageOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// InstrumentHandler is a mux middleware recording per-route counts and latency
func (m *Metrics) InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unknown"
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		httpRequests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

// StartMetricsServer serves the metrics endpoint until ctx is done
func StartMetricsServer(ctx context.Context, port int, path string) error {
	router := mux.NewRouter()
	router.Handle(path, promhttp.Handler())

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
