package metrics

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestStatusBucket(t *testing.T) {
	for code, want := range map[int]string{
		101: "1xx", 200: "2xx", 201: "2xx", 304: "3xx",
		400: "4xx", 402: "4xx", 409: "4xx", 500: "5xx", 502: "5xx",
	} {
		assert.Equal(t, want, statusBucket(code), "code %d", code)
	}
}

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.POST("/v1/escrows/:id/release", func(c *gin.Context) {
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition"})
	})

	conflict := HTTPRequestsTotal.WithLabelValues(http.MethodPost, "/v1/escrows/:id/release", "4xx")
	unmatched := HTTPRequestsTotal.WithLabelValues(http.MethodGet, "unmatched", "4xx")
	beforeConflict, beforeUnmatched := counterValue(t, conflict), counterValue(t, unmatched)

	for _, id := range []string{"esc_1", "esc_2"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/escrows/"+id+"/release", nil))
		require.Equal(t, http.StatusConflict, w.Code)
	}
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))

	assert.Equal(t, 2.0, counterValue(t, conflict)-beforeConflict, "ids collapse into one series")
	assert.Equal(t, 1.0, counterValue(t, unmatched)-beforeUnmatched)
}

func TestHandler_ExposesEscrowSeries(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	EscrowTransitionsTotal.WithLabelValues("releaseFunds", "ok").Inc()
	SettlementAttemptsTotal.WithLabelValues("release", "settled").Inc()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	for _, name := range []string{
		"safehold_active_websocket_clients",
		"safehold_scheduler_last_run_timestamp_seconds",
		"safehold_escrow_transitions_total",
		"safehold_settlement_attempts_total",
	} {
		assert.Contains(t, body, name)
	}
}

func TestRecordPoolStats(t *testing.T) {
	recordPoolStats(sql.DBStats{OpenConnections: 7, Idle: 3, InUse: 4, WaitCount: 11})

	assert.Equal(t, 7.0, testutil.ToFloat64(DBOpenConnections))
	assert.Equal(t, 3.0, testutil.ToFloat64(DBIdleConnections))
	assert.Equal(t, 4.0, testutil.ToFloat64(DBInUseConnections))
	assert.Equal(t, 11.0, testutil.ToFloat64(DBWaitCount))
	assert.Positive(t, testutil.ToFloat64(GoroutineCount))
}
