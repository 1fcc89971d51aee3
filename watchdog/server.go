package watchdog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/yanghaku/wasm-watchdog/internal/errkind"
	"github.com/yanghaku/wasm-watchdog/internal/log"
)

// Server is the user-facing HTTP service: it routes requests to a Runner,
// exposes health and scale endpoints, and records per-request metrics
// (§4.6, C6).
type Server struct {
	runner      Runner
	health      *Health
	metrics     *Metrics
	execTimeout time.Duration
	maxInflight int32

	inflight atomic.Int32

	srv *http.Server
}

// NewServer builds the watchdog's HTTP server bound to addr, dispatching
// function invocations to runner. execTimeout bounds each invocation's wall
// clock; requests exceeding it get a 504 (§4.4 step 5, §9). maxInflight caps
// concurrent invocations; 0 means unlimited (§3's "429 threshold").
func NewServer(addr string, runner Runner, health *Health, m *Metrics, readTimeout, writeTimeout, execTimeout time.Duration, maxInflight int32) *Server {
	s := &Server{runner: runner, health: health, metrics: m, execTimeout: execTimeout, maxInflight: maxInflight}

	r := mux.NewRouter()
	r.Use(s.corsMiddleware)
	r.Use(s.metricsMiddleware)

	r.HandleFunc("/_/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/_/health", methodNotAllowed)
	r.HandleFunc("/scale-reader", s.handleScaleRead)
	r.HandleFunc("/scale-updater", s.handleScaleUpdate)
	r.PathPrefix("/").Handler(http.HandlerFunc(s.handleInvoke))
	r.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	return s
}

// ListenAndServe blocks serving the watchdog listener until Shutdown is
// called or a non-recoverable listener error occurs.
func (s *Server) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests before returning. Callers
// must call Health.MarkUnhealthy only after Shutdown returns, so load
// balancers have already stopped sending new traffic (§9).
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "*")
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status code written so metricsMiddleware can
// label its counters; http.ResponseWriter has no getter of its own.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		// Standard methods are recorded in lowercase; anything else as "options".
		method := strings.ToLower(r.Method)
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch,
			http.MethodDelete, http.MethodConnect, http.MethodOptions, http.MethodTrace:
		default:
			method = "options"
		}
		done := s.metrics.Observe(method)
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		done(strconv.Itoa(rec.code))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health.CheckHealthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("NOT OK"))
}

func (s *Server) handleScaleRead(w http.ResponseWriter, r *http.Request) {
	replicas, available, invocations := s.runner.GetScale()
	writeJSON(w, http.StatusOK, ReplicaFuncStatus{
		Replicas:          replicas,
		AvailableReplicas: available,
		InvocationCount:   invocations,
	})
}

func (s *Server) handleScaleUpdate(w http.ResponseWriter, r *http.Request) {
	var req ScaleServiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Replicas == nil {
		log.Errorf("watchdog: scale-updater: %v", fmt.Errorf("malformed request: %w", errkind.Dispatch))
		http.Error(w, "Cannot parse request", http.StatusBadRequest)
		return
	}
	if err := s.runner.SetScale(*req.Replicas); err != nil {
		log.Errorf("watchdog: scale-updater: %v", fmt.Errorf("%w: %w", err, errkind.Dispatch))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if s.maxInflight > 0 {
		if s.inflight.Add(1) > s.maxInflight {
			s.inflight.Add(-1)
			http.Error(w, "too many in-flight requests", http.StatusTooManyRequests)
			return
		}
		defer s.inflight.Add(-1)
	}

	ctx := r.Context()
	if s.execTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.execTimeout)
		defer cancel()
	}

	if err := s.runner.Run(ctx, r, w); err != nil {
		if ctx.Err() != nil {
			http.Error(w, "function invocation timed out", http.StatusGatewayTimeout)
		} else {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		log.Errorf("watchdog: request to %s failed: %v", r.URL.Path, fmt.Errorf("%w: %w", err, errkind.Execute))
	}
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("watchdog: encoding JSON response: %v", err)
	}
}
