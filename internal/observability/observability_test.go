package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPresenceMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPresenceMetrics(reg)

	m.ScanCompleted(20*time.Millisecond, 3, nil)
	m.ScanCompleted(5*time.Millisecond, 0, errors.New("enumeration failed"))
	m.EventAppended("connected")
	m.EventAppended("connected")
	m.PersistFailed("records")

	if got := testutil.ToFloat64(m.scans.WithLabelValues("ok")); got != 1 {
		t.Fatalf("expected 1 ok scan, got %v", got)
	}
	if got := testutil.ToFloat64(m.scans.WithLabelValues("error")); got != 1 {
		t.Fatalf("expected 1 failed scan, got %v", got)
	}
	if got := testutil.ToFloat64(m.connected); got != 3 {
		t.Fatalf("failed scan must not reset the gauge, got %v", got)
	}
	if got := testutil.ToFloat64(m.events.WithLabelValues("connected")); got != 2 {
		t.Fatalf("expected 2 connected events, got %v", got)
	}
	if got := testutil.ToFloat64(m.persistFailures.WithLabelValues("records")); got != 1 {
		t.Fatalf("expected 1 persist failure, got %v", got)
	}
}

func TestSetupWithoutExporter(t *testing.T) {
	tel, err := Setup(context.Background(), "serial-presence-test", "")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			t.Fatalf("shutdown: %v", err)
		}
	}()
	if tel.Metrics == nil || tel.Tracer == nil {
		t.Fatalf("expected handler and tracer")
	}

	h := Middleware(tel.Tracer)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/teapot", nil))
	if rw.Code != http.StatusTeapot {
		t.Fatalf("middleware must pass status through, got %d", rw.Code)
	}
	if got := testutil.ToFloat64(opsRequests.WithLabelValues("/teapot", "GET", "418")); got != 1 {
		t.Fatalf("expected request counted, got %v", got)
	}
}
