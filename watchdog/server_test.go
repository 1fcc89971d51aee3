package watchdog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type fakeRunner struct {
	NoScale
	replicas, available, invocations uint64
	minScale, maxScale               uint64
	setScaleCalls                    []uint64
	runBody                          string
	runErr                           error
}

func (f *fakeRunner) GetScale() (replicas, available, invocations uint64) {
	return f.replicas, f.available, f.invocations
}

func (f *fakeRunner) SetScale(n uint64) error {
	f.setScaleCalls = append(f.setScaleCalls, n)
	if n < f.minScale {
		return fmt.Errorf("Replicas can not less then %d", f.minScale)
	}
	if f.maxScale > 0 && n > f.maxScale {
		return fmt.Errorf("Replicas can not greater then %d", f.maxScale)
	}
	f.replicas = n
	return nil
}

func (f *fakeRunner) Run(ctx context.Context, r *http.Request, w http.ResponseWriter) error {
	if f.runErr != nil {
		return f.runErr
	}
	w.Header().Set("Content-Type", "text/plain")
	_, err := w.Write([]byte(f.runBody))
	return err
}

func newTestServer(runner Runner) *Server {
	return NewServer(":0", runner, NewHealth("/tmp/watchdog-test-unused"), nil, 0, 0, 0, 0)
}

func TestServerHealthBefore503(t *testing.T) {
	s := NewServer(":0", &fakeRunner{}, NewHealth(t.TempDir()), nil, 0, 0, 0, 0)
	req := httptest.NewRequest(http.MethodGet, "/_/health", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestServerScaleReaderOmitsOptionalFields(t *testing.T) {
	s := newTestServer(&fakeRunner{replicas: 1, available: 4095, invocations: 7})
	req := httptest.NewRequest(http.MethodGet, "/scale-reader", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Fatalf("Content-Type = %q", ct)
	}

	var got map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, optional := range []string{"name", "image", "namespace", "envProcess", "envVars"} {
		if _, present := got[optional]; present {
			t.Fatalf("unexpected field %q in response: %s", optional, rec.Body.String())
		}
	}
	if got["replicas"] != float64(1) || got["availableReplicas"] != float64(4095) || got["invocationCount"] != float64(7) {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestServerScaleUpdaterTolerantWhitespace(t *testing.T) {
	runner := &fakeRunner{maxScale: 999999999}
	s := newTestServer(runner)

	body := strings.NewReader("{\"replicas\": \n\t  12366666}")
	req := httptest.NewRequest(http.MethodPost, "/scale-updater", body)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if len(runner.setScaleCalls) != 1 || runner.setScaleCalls[0] != 12366666 {
		t.Fatalf("setScaleCalls = %v, want [12366666]", runner.setScaleCalls)
	}
}

func TestServerScaleUpdaterMissingReplicas(t *testing.T) {
	s := newTestServer(&fakeRunner{})
	req := httptest.NewRequest(http.MethodPost, "/scale-updater", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.HasPrefix(rec.Body.String(), "Cannot parse request") {
		t.Fatalf("body = %q, want prefix %q", rec.Body.String(), "Cannot parse request")
	}
}

func TestServerScaleUpdaterBoundViolationIs500(t *testing.T) {
	runner := &fakeRunner{minScale: 1}
	s := newTestServer(runner)

	req := httptest.NewRequest(http.MethodPost, "/scale-updater", strings.NewReader(`{"replicas": 0}`))
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Replicas can not less then 1") {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestServerOptionsCORSRegardlessOfRunner(t *testing.T) {
	s := newTestServer(&fakeRunner{})
	req := httptest.NewRequest(http.MethodOptions, "/anything", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing Access-Control-Allow-Origin")
	}
	if rec.Header().Get("Access-Control-Allow-Headers") != "*" {
		t.Fatalf("missing Access-Control-Allow-Headers")
	}
}

func TestServerCatchAllDelegatesToRunner(t *testing.T) {
	s := newTestServer(&fakeRunner{runBody: "ping"})
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("ping"))
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "ping" {
		t.Fatalf("body = %q, want %q", rec.Body.String(), "ping")
	}
}

func TestServerCatchAllRunnerErrorIs500(t *testing.T) {
	s := newTestServer(&fakeRunner{runErr: errors.New("guest trapped")})
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("ping"))
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "guest trapped") {
		t.Fatalf("body = %q, want it to contain the runner error text", rec.Body.String())
	}
}

func TestServerMaxInflightReturns429(t *testing.T) {
	s := NewServer(":0", &fakeRunner{runBody: "ok"}, NewHealth("/tmp/watchdog-test-unused"), nil, 0, 0, 0, 1)
	s.inflight.Store(1)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if s.inflight.Load() != 1 {
		t.Fatalf("inflight = %d, want unchanged at 1", s.inflight.Load())
	}
}

func TestServerMaxInflightZeroIsUnlimited(t *testing.T) {
	s := newTestServer(&fakeRunner{runBody: "ok"})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
