package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status = %d", rec.Code)
	}
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read scrape: %v", err)
	}
	return string(body)
}

func TestMiddleware_LabelsByPattern(t *testing.T) {
	m := New()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sensors/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	h := m.Middleware(mux)

	for _, path := range []string{"/api/sensors/1", "/api/sensors/2", "/nowhere"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	out := scrape(t, m)
	want := []string{
		`http_requests_total{route="GET /api/sensors/{id}",status="404"} 2`,
		`http_requests_total{route="unmatched",status="404"} 1`,
		`http_request_duration_seconds_count{route="GET /api/sensors/{id}"} 2`,
	}
	for _, w := range want {
		if !strings.Contains(out, w) {
			t.Errorf("scrape missing %q", w)
		}
	}
}

func TestIngestCounters(t *testing.T) {
	m := New()
	m.ReadingIngested(SourceHTTP)
	m.ReadingIngested(SourceMQTT)
	m.ReadingIngested(SourceMQTT)
	m.PayloadRejected(SourceMQTT, "parse")

	out := scrape(t, m)
	for _, w := range []string{
		`readings_ingested_total{source="http"} 1`,
		`readings_ingested_total{source="mqtt"} 2`,
		`payloads_rejected_total{reason="parse",source="mqtt"} 1`,
	} {
		if !strings.Contains(out, w) {
			t.Errorf("scrape missing %q", w)
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ReadingIngested(SourceHTTP)
	m.PayloadRejected(SourceHTTP, "validation")

	rec := httptest.NewRecorder()
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusTeapot)
	}
}

func TestSeparateRegistries(t *testing.T) {
	a, b := New(), New()
	a.ReadingIngested(SourceHTTP)
	if strings.Contains(scrape(t, b), `readings_ingested_total{source="http"} 1`) {
		t.Error("counter leaked across Metrics instances")
	}
}
