package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the engine-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "raffle_engine",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raffle_engine",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "raffle_engine",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	raffleEntries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "raffle_engine",
			Subsystem: "raffle",
			Name:      "entries_total",
			Help:      "Total number of accepted raffle entries.",
		},
	)

	raffleEntriesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raffle_engine",
			Subsystem: "raffle",
			Name:      "entries_rejected_total",
			Help:      "Total number of rejected raffle entries.",
		},
		[]string{"reason"},
	)

	raffleUpkeepChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raffle_engine",
			Subsystem: "raffle",
			Name:      "upkeep_checks_total",
			Help:      "Total number of readiness checks.",
		},
		[]string{"ready"},
	)

	raffleSettlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raffle_engine",
			Subsystem: "raffle",
			Name:      "settlements_total",
			Help:      "Total number of settlement attempts.",
		},
		[]string{"status"},
	)

	rafflePotSettled = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "raffle_engine",
			Subsystem: "raffle",
			Name:      "pot_settled",
			Help:      "Distribution of prize values paid out to winners, in the ledger's smallest unit.",
			Buckets:   prometheus.ExponentialBuckets(1e6, 10, 8), // 0.01 units to 10^5 units
		},
	)

	randomnessRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "raffle_engine",
			Subsystem: "randomness",
			Name:      "requests_total",
			Help:      "Total number of randomness requests issued.",
		},
	)

	randomnessFulfillments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raffle_engine",
			Subsystem: "randomness",
			Name:      "fulfillments_total",
			Help:      "Total number of randomness fulfillment deliveries.",
		},
		[]string{"status"},
	)

	randomnessFulfillDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "raffle_engine",
			Subsystem: "randomness",
			Name:      "fulfillment_duration_seconds",
			Help:      "Time between a randomness request and its fulfillment.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		raffleEntries,
		raffleEntriesRejected,
		raffleUpkeepChecks,
		raffleSettlements,
		rafflePotSettled,
		randomnessRequests,
		randomnessFulfillments,
		randomnessFulfillDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordEntry records an accepted raffle entry.
func RecordEntry() {
	raffleEntries.Inc()
}

// RecordEntryRejected records a rejected raffle entry with the reason label.
func RecordEntryRejected(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	raffleEntriesRejected.WithLabelValues(reason).Inc()
}

// RecordUpkeepCheck records the outcome of a readiness check.
func RecordUpkeepCheck(ready bool) {
	raffleUpkeepChecks.WithLabelValues(strconv.FormatBool(ready)).Inc()
}

// RecordSettlement records a settlement attempt outcome and, for completed
// settlements, the prize value that was paid out.
func RecordSettlement(status string, prize int64) {
	if status == "" {
		status = "unknown"
	}
	raffleSettlements.WithLabelValues(status).Inc()
	if prize > 0 {
		rafflePotSettled.Observe(float64(prize))
	}
}

// RecordRandomnessRequest records an issued randomness request.
func RecordRandomnessRequest() {
	randomnessRequests.Inc()
}

// RecordRandomnessFulfillment records a fulfillment delivery.
func RecordRandomnessFulfillment(status string, duration time.Duration) {
	if status == "" {
		status = "unknown"
	}
	if duration <= 0 {
		duration = time.Millisecond
	}
	randomnessFulfillments.WithLabelValues(status).Inc()
	randomnessFulfillDuration.Observe(duration.Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Hijack lets websocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "raffle":
		if len(parts) == 1 {
			return "/raffle"
		}
		if parts[1] == "players" {
			return "/raffle/players/:index"
		}
		return "/raffle/" + parts[1]
	case "accounts":
		if len(parts) >= 2 {
			return "/accounts/:address"
		}
		return "/accounts"
	default:
		return "/" + parts[0]
	}
}
