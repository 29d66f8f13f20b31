package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/PratikDhanave/crm-client-sync/internal/auth"
	"github.com/PratikDhanave/crm-client-sync/internal/config"
	"github.com/PratikDhanave/crm-client-sync/internal/errs"
	"github.com/PratikDhanave/crm-client-sync/internal/webhook"
)

// RegisterWebhookRoutes registers the ingestion-path endpoint.
//
// POST /hubspot/webhook
// - Body is the JSON array HubSpot delivers; verified before anything is decoded
// - 400 when the batch is rejected, 500 when an event failed and redelivery may fix it
// - Responses never carry internal error detail
func RegisterWebhookRoutes(r gin.IRoutes, d *webhook.Dispatcher, cfg config.Webhook, logger *zap.Logger) {
	r.POST("/hubspot/webhook", func(c *gin.Context) {
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, cfg.MaxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}

		req := auth.Request{
			Method:     c.Request.Method,
			URL:        signedURL(c, cfg.PublicURL),
			Header:     c.Request.Header,
			Body:       body,
			ReceivedAt: time.Now(),
		}

		result, err := d.Receive(c.Request.Context(), req)
		if err != nil {
			errs.LogError(logger, err, "webhook batch rejected")
			c.JSON(errs.HTTPStatus(err), gin.H{"error": "invalid webhook request"})
			return
		}

		// 500 asks HubSpot to redeliver; every handler is idempotent.
		status := http.StatusOK
		if result.RetryRequired {
			status = http.StatusInternalServerError
		}
		c.JSON(status, result.Ack())
	})
}

// signedURL rebuilds the absolute URL HubSpot signed. Behind a proxy the
// configured public URL is authoritative.
func signedURL(c *gin.Context, publicURL string) string {
	if publicURL != "" {
		return publicURL + c.Request.URL.RequestURI()
	}
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	if proto := c.GetHeader("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + c.Request.Host + c.Request.URL.RequestURI()
}
