package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "/api/subscription/invoices/{id}",
		normalizePath("/api/subscription/invoices/550e8400-e29b-41d4-a716-446655440000"))
	assert.Equal(t, "/api/subscription/status", normalizePath("/api/subscription/status"))
}

func TestRouteLabel(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		path    string
		want    string
	}{
		{"method pattern", "POST /api/subscription/upgrade", "/api/subscription/upgrade", "/api/subscription/upgrade"},
		{"wildcard pattern", "GET /api/subscription/invoices/{id}", "/api/subscription/invoices/550e8400-e29b-41d4-a716-446655440000", "/api/subscription/invoices/{id}"},
		{"pattern without method", "/webhooks/billing", "/webhooks/billing", "/webhooks/billing"},
		{"catch-all", "/", "/nope/550e8400-e29b-41d4-a716-446655440000", "/nope/{id}"},
		{"unrouted", "", "/api/subscription/status", "/api/subscription/status"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.path, nil)
			r.Pattern = tt.pattern
			assert.Equal(t, tt.want, routeLabel(r))
		})
	}
}

func TestMiddleware_RecordsStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/subscription/add-ons", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	})
	handler := Middleware(mux)

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("POST", "/api/subscription/add-ons", "422"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/api/subscription/add-ons", nil))

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("POST", "/api/subscription/add-ons", "422"))
	assert.Equal(t, before+1, after)
}

func TestMiddleware_SkipsHealthAndMetrics(t *testing.T) {
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for _, path := range []string{"/health", "/metrics"} {
		before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", path, "200"))
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", path, nil))
		assert.Equal(t, before, testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", path, "200")), path)
	}
}

func TestJobCounters(t *testing.T) {
	before := testutil.ToFloat64(JobsTotal.WithLabelValues("charge_subscription", "completed"))
	JobCompleted("charge_subscription", 2*time.Second)
	assert.Equal(t, before+1, testutil.ToFloat64(JobsTotal.WithLabelValues("charge_subscription", "completed")))

	before = testutil.ToFloat64(SweepRowsTotal.WithLabelValues("renewals", "enqueued"))
	SweepProcessed("renewals", "enqueued")
	assert.Equal(t, before+1, testutil.ToFloat64(SweepRowsTotal.WithLabelValues("renewals", "enqueued")))
}
