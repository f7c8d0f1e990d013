package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relay"

var (
	// Registry holds the relay's Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	messagesCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "created_total",
			Help:      "Messages accepted for relay.",
		},
		[]string{"domain", "channel"},
	)

	messageTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "transitions_total",
			Help:      "Message status transitions.",
		},
		[]string{"from", "to"},
	)

	rejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "rejections_total",
			Help:      "Submissions and transitions rejected, by error code.",
		},
		[]string{"code"},
	)

	compressionRatio = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "compression",
			Name:      "ratio_bps",
			Help:      "Compressed size over original size, in basis points.",
			Buckets:   prometheus.LinearBuckets(1000, 1000, 10),
		},
		[]string{"type"},
	)

	compressionBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "compression",
			Name:      "bytes_total",
			Help:      "Bytes seen by the compression engine.",
		},
		[]string{"type", "stage"},
	)

	dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "messages_total",
			Help:      "Messages handed to relayers.",
		},
		[]string{"result"},
	)

	compacted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "compacted_total",
			Help:      "Confirmed messages whose payload was compacted.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		messagesCreated,
		messageTransitions,
		rejections,
		compressionRatio,
		compressionBytes,
		dispatches,
		compacted,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler is gorilla/mux middleware collecting HTTP metrics,
// labelled by route template so ids do not explode cardinality.
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

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				path = tpl
			}
		}
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

// RecordMessageCreated counts an accepted message.
func RecordMessageCreated(domainID uint64, channel string) {
	messagesCreated.WithLabelValues(strconv.FormatUint(domainID, 10), channel).Inc()
}

// RecordTransition counts a status change.
func RecordTransition(from, to string) {
	if from == "" {
		from = "none"
	}
	messageTransitions.WithLabelValues(from, to).Inc()
}

// RecordRejection counts a rejected call by error code.
func RecordRejection(code string) {
	if code == "" {
		code = "unknown"
	}
	rejections.WithLabelValues(code).Inc()
}

// RecordCompression records one compression call.
func RecordCompression(payloadType string, original, compressed int, ratioBps uint64) {
	compressionRatio.WithLabelValues(payloadType).Observe(float64(ratioBps))
	compressionBytes.WithLabelValues(payloadType, "in").Add(float64(original))
	compressionBytes.WithLabelValues(payloadType, "out").Add(float64(compressed))
}

// RecordDispatch counts a relayer hand-off.
func RecordDispatch(success bool) {
	result := "ok"
	if !success {
		result = "error"
	}
	dispatches.WithLabelValues(result).Inc()
}

// RecordCompacted counts compacted messages.
func RecordCompacted(n int) {
	if n > 0 {
		compacted.Add(float64(n))
	}
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

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
