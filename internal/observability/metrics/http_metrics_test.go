package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHTTPMiddlewareCountsByRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := newHTTPMetrics(prometheus.NewRegistry(), Config{})

	r := gin.New()
	r.Use(GinMiddleware(m))
	r.GET("/batch-runs/:runId/status", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/batch-runs/:batchType", func(c *gin.Context) { c.Status(http.StatusPaymentRequired) })

	for _, path := range []string{"/batch-runs/1/status", "/batch-runs/2/status"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/batch-runs/rank", nil))

	if got := testutil.ToFloat64(m.requests.WithLabelValues("/batch-runs/:runId/status", http.MethodGet, "2xx")); got != 2 {
		t.Fatalf("expected 2 status requests, got %v", got)
	}
	if got := testutil.ToFloat64(m.requests.WithLabelValues("/batch-runs/:batchType", http.MethodPost, "402")); got != 1 {
		t.Fatalf("expected 1 payment required response, got %v", got)
	}
}
