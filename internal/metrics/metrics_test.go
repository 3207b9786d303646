package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusBucket(t *testing.T) {
	assert.Equal(t, "1xx", statusBucket(100))
	assert.Equal(t, "2xx", statusBucket(200))
	assert.Equal(t, "2xx", statusBucket(204))
	assert.Equal(t, "3xx", statusBucket(301))
	assert.Equal(t, "4xx", statusBucket(404))
	assert.Equal(t, "5xx", statusBucket(500))
}

func TestMiddleware_RecordsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/escrows/:id", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/v1/escrows/:id", "2xx"))

	req := httptest.NewRequest(http.MethodGet, "/v1/escrows/esc_ab", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/v1/escrows/:id", "2xx"))
	assert.Equal(t, before+1, after)
}

func TestHandler_ServesMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	EscrowsCreatedTotal.Inc()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "escrowd_escrows_created_total")
}
