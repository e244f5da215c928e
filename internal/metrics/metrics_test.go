package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{302, "3xx"},
		{409, "4xx"},
		{503, "5xx"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusBucket(tt.code), "code %d", tt.code)
	}
}

func TestMiddleware_CountsByRoutePattern(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/escrows/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	before := counterValue(t, HTTPRequestsTotal.WithLabelValues("GET", "/v1/escrows/:id", "4xx"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/escrows/esc_1", nil))
	require.Equal(t, http.StatusNotFound, w.Code)

	after := counterValue(t, HTTPRequestsTotal.WithLabelValues("GET", "/v1/escrows/:id", "4xx"))
	assert.Equal(t, before+1, after)
}

func TestHandler_ExposesEscrowMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	EscrowTransitionsTotal.WithLabelValues("held", "released").Inc()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "rentescrow_escrow_transitions_total")
	assert.Contains(t, w.Body.String(), "rentescrow_goroutines")
}
