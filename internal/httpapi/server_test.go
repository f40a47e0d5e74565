package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/PetoAdam/homenavi/serial-presence/internal/observability"
	"github.com/PetoAdam/homenavi/serial-presence/internal/presence"
)

type staticHealth presence.Health

func (h staticHealth) Health() presence.Health { return presence.Health(h) }

func TestHealth(t *testing.T) {
	s := New(staticHealth{OK: true, Connected: 2, Records: 5}, nil, noop.NewTracerProvider().Tracer("test"))
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rw := httptest.NewRecorder()
	s.Handler().ServeHTTP(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
	var resp map[string]any
	_ = json.Unmarshal(rw.Body.Bytes(), &resp)
	if resp["ok"] != true || resp["connected"] != float64(2) {
		t.Fatalf("unexpected body %v", resp)
	}
}

func TestHealthDegraded(t *testing.T) {
	s := New(staticHealth{OK: false, PersistError: "persistence failed: records: disk full"}, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rw := httptest.NewRecorder()
	s.Handler().ServeHTTP(rw, req)
	if rw.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rw.Code)
	}
	if !strings.Contains(rw.Body.String(), "disk full") {
		t.Fatalf("expected persist error in body, got %s", rw.Body.String())
	}
}

func TestMetricsExposesPresenceSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewPresenceMetrics(reg)
	m.EventAppended("connected")
	m.PersistFailed("history")

	s := New(staticHealth{OK: true}, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rw := httptest.NewRecorder()
	s.Handler().ServeHTTP(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
	body := rw.Body.String()
	for _, want := range []string{
		`serial_presence_events_total{type="connected"} 1`,
		`serial_presence_persist_failures_total{document="history"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestNoOtherRoutes(t *testing.T) {
	s := New(staticHealth{OK: true}, nil, nil)
	for _, path := range []string{"/devices", "/metrics", "/api/history"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rw := httptest.NewRecorder()
		s.Handler().ServeHTTP(rw, req)
		if rw.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, rw.Code)
		}
	}
}
