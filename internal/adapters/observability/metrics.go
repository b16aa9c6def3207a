package observability

import (
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "staycore", Name: "http_requests_total", Help: "HTTP requests."},
		[]string{"route", "method", "status"},
	)
	HTTPLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "staycore", Name: "http_request_duration_seconds",
			Help:    "HTTP request duration seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)
	ExternalRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "staycore", Name: "external_requests_total", Help: "Outbound requests."},
		[]string{"service", "endpoint", "status"},
	)
	ExternalLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "staycore", Name: "external_request_duration_seconds",
			Help:    "Outbound request duration seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "endpoint"},
	)
	CacheEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "staycore", Name: "cache_events_total", Help: "Cache hits/misses/sets/dels."},
		[]string{"cache", "event"},
	)
	Allocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "staycore", Name: "allocations_total", Help: "Room allocation attempts by result."},
		[]string{"result"}, // ok|conflict
	)
	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "staycore", Name: "reservation_transitions_total", Help: "Reservation state transitions."},
		[]string{"from", "to"},
	)
	HoldsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "staycore", Name: "holds_expired_total", Help: "Holds released by the sweeper."},
	)
	Publishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "staycore", Name: "ari_publishes_total", Help: "Outbox batches by kind and result."},
		[]string{"kind", "result"}, // result: ok|retry|failed|skipped_identical
	)
	AvailabilityQueries = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "staycore", Name: "availability_queries_total", Help: "Authoritative availability reads."},
	)
)

func Serve() {
	addr := os.Getenv("METRICS_ADDR")
	if addr == "" {
		return // disabled
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		srv := &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		log.Info().Str("addr", addr).Msg("metrics server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
}

func InitRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		HTTPRequests, HTTPLatency, ExternalRequests, ExternalLatency, CacheEvents,
		Allocations, Transitions, HoldsExpired, Publishes, AvailabilityQueries,
	)
	return reg
}

func MetricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func ObserveHTTP(route, method string, status int, dur time.Duration) {
	HTTPRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	HTTPLatency.WithLabelValues(route, method).Observe(dur.Seconds())
}

func ObserveExternal(service, endpoint string, status int, dur time.Duration) {
	ExternalRequests.WithLabelValues(service, endpoint, strconv.Itoa(status)).Inc()
	ExternalLatency.WithLabelValues(service, endpoint).Observe(dur.Seconds())
}

func ObserveCache(cache, event string) { // event: hit|miss|set|del
	CacheEvents.WithLabelValues(cache, event).Inc()
}

func ObserveAllocation(result string) { Allocations.WithLabelValues(result).Inc() }

func ObserveTransition(from, to string) { Transitions.WithLabelValues(from, to).Inc() }

func ObserveHoldExpired() { HoldsExpired.Inc() }

func ObservePublish(kind, result string) { Publishes.WithLabelValues(kind, result).Inc() }

func ObserveAvailabilityQuery() { AvailabilityQueries.Inc() }
