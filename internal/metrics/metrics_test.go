package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestGinMiddlewareUsesRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(GinMiddleware())
	r.GET("/clients/:contactId", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/clients/:contactId", "204"))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/clients/123", nil))
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/clients/:contactId", "204"))

	assert.Equal(t, before+1, after)
}

func TestObserveWebhookEventDefaultsType(t *testing.T) {
	before := testutil.ToFloat64(webhookEvents.WithLabelValues("other", "ignored"))
	ObserveWebhookEvent("", "ignored")
	assert.Equal(t, before+1, testutil.ToFloat64(webhookEvents.WithLabelValues("other", "ignored")))
}

func TestObserveRepointedSkipsZeroCounts(t *testing.T) {
	before := testutil.ToFloat64(associationsRepointed.WithLabelValues("invoices"))
	ObserveRepointed(map[string]int64{"invoices": 3, "payment_methods": 0})
	assert.Equal(t, before+3, testutil.ToFloat64(associationsRepointed.WithLabelValues("invoices")))

	ObserveMerge("collapsed", 10*time.Millisecond)
}
