package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/require"
)

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/instances/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/instances/42", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)

	mrr := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(mrr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, mrr.Code)

	body := mrr.Body.String()
	require.Contains(t, body, `loracloud_http_requests_total{method="GET",path="/instances/{id}",status="404"}`)
	require.NotContains(t, body, `path="/instances/42"`)
}

func TestIncrementBackpressure(t *testing.T) {
	IncrementBackpressure("")
	IncrementBackpressure("queue_full")

	mrr := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(mrr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Contains(t, mrr.Body.String(), `loracloud_http_backpressure_total{reason="unspecified"}`)
	require.Contains(t, mrr.Body.String(), `loracloud_http_backpressure_total{reason="queue_full"}`)
}
