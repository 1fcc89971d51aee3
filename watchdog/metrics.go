package watchdog

import (
	"context"
	"net/http"
	"time"

	metrics "github.com/docker/go-metrics"
)

// Metrics holds the Prometheus collectors shared between the watchdog HTTP
// service (C6, which updates them) and the metrics service (C7, which
// exposes them). Grounded on docker/go-metrics, the namespaced-collector
// pattern moby-moby itself uses for its own /metrics endpoint.
type Metrics struct {
	namespace *metrics.Namespace

	RequestsInFlight metrics.Gauge
	RequestsTotal    metrics.LabeledCounter
	RequestDuration  metrics.LabeledTimer
}

// NewMetrics registers the watchdog's collectors under the "watchdog"
// namespace and returns a handle to update them.
func NewMetrics() *Metrics {
	ns := metrics.NewNamespace("watchdog", "", nil)

	m := &Metrics{
		namespace:        ns,
		RequestsInFlight: ns.NewGauge("requests_in_flight", "number of in-flight function invocations", metrics.Total),
		RequestsTotal:    ns.NewLabeledCounter("requests_total", "total number of requests processed", "code", "method"),
		RequestDuration:  ns.NewLabeledTimer("request_duration_seconds", "time spent handling a request", "code", "method"),
	}

	metrics.Register(ns)
	return m
}

// Observe wraps a request's handling with the in-flight gauge and records
// its outcome (code, method, duration) once it returns.
func (m *Metrics) Observe(method string) func(code string) {
	m.RequestsInFlight.Inc()
	start := time.Now()
	return func(code string) {
		m.RequestsInFlight.Dec()
		m.RequestsTotal.WithValues(code, method).Inc()
		m.RequestDuration.WithValues(code, method).UpdateSince(start)
	}
}

// MetricsServer serves the Prometheus text exposition format on its own
// listener, independent of the watchdog's user-facing port (§4.7, C7).
type MetricsServer struct {
	srv *http.Server
}

// NewMetricsServer builds an http.Server bound to addr that serves
// GET /metrics via the go-metrics default handler and 404s everything else.
func NewMetricsServer(addr string) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return &MetricsServer{srv: &http.Server{Addr: addr, Handler: mux}}
}

// ListenAndServe blocks serving the metrics listener until Shutdown is
// called or a non-recoverable listener error occurs.
func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

// Shutdown gracefully stops the metrics listener.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
