package relay

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petervdpas/goopcall/internal/proto"
)

// metrics are registered per server so several relays can run in one process.
type metrics struct {
	reg *prometheus.Registry

	envelopesForwarded *prometheus.CounterVec
	envelopesDropped   *prometheus.CounterVec
	connectedClients   prometheus.Gauge
	blobBytes          prometheus.Counter
	recordsAppended    *prometheus.CounterVec
	recordsPushed      *prometheus.CounterVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

func newMetrics() *metrics {
	m := &metrics{
		reg: prometheus.NewRegistry(),
		envelopesForwarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_envelopes_forwarded_total",
				Help: "Signaling envelopes forwarded to a connected peer.",
			},
			[]string{"kind"},
		),
		envelopesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_envelopes_dropped_total",
				Help: "Signaling envelopes dropped, by reason.",
			},
			[]string{"kind", "reason"},
		),
		connectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connected_clients",
			Help: "Registered signaling connections.",
		}),
		blobBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_blob_bytes_total",
			Help: "Ciphertext bytes accepted by the object store.",
		}),
		recordsAppended: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_records_appended_total",
				Help: "Encrypted message records appended, by kind.",
			},
			[]string{"kind"},
		),
		recordsPushed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_records_pushed_total",
				Help: "Appended records pushed to a connected receiver, by outcome.",
			},
			[]string{"outcome"},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "route", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
	m.reg.MustRegister(
		m.envelopesForwarded,
		m.envelopesDropped,
		m.connectedClients,
		m.blobBytes,
		m.recordsAppended,
		m.recordsPushed,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request counts and latency by chi route pattern.
// The websocket endpoint is skipped; it hijacks the connection.
func (m *metrics) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" || r.URL.Path == proto.SignalingPath {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sr, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		m.httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(sr.status)).Inc()
		m.httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
