package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/PratikDhanave/crm-client-sync/internal/auth"
	"github.com/PratikDhanave/crm-client-sync/internal/handlers"
	"github.com/PratikDhanave/crm-client-sync/internal/metrics"
)

// NewRouter wires public endpoints and authenticated APIs.
// Public: /health, /ready, /metrics, /hubspot/*
// Authenticated: /clients/:contactId
func NewRouter(app *App) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(app.Logger))
	r.Use(metrics.GinMiddleware())

	// Liveness: confirms the process is running.
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Readiness: confirms the DB dependency is reachable.
	r.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		if err := app.Store.Ping(ctx); err != nil {
			app.Logger.Warn("readiness check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	handlers.RegisterMetricRoutes(r)
	handlers.RegisterWebhookRoutes(r, app.Dispatcher, app.Config.Webhook, app.Logger)
	handlers.RegisterOAuthRoutes(r, app.Gateway, app.Config.HubSpot.AppURL, app.Logger)

	// Read API: every request is pinned to the portal its API key belongs to.
	authGroup := r.Group("/")
	authGroup.Use(auth.APIKeyMiddleware(app.Config.APIKeys))

	handlers.RegisterClientRoutes(authGroup, app.Clients)

	return r
}

// requestLogger writes one line per request.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if portalID := auth.PortalID(c); portalID != "" {
			fields = append(fields, zap.String("tenant_id", portalID))
		}
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			logger.Error("request completed", fields...)
		case c.Writer.Status() >= http.StatusBadRequest:
			logger.Warn("request completed", fields...)
		default:
			logger.Info("request completed", fields...)
		}
	}
}
