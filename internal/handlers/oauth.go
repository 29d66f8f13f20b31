package handlers

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PratikDhanave/crm-client-sync/internal/hubspot"
)

// OAuthStateCookie carries the state issued by /hubspot/install until the callback.
const OAuthStateCookie = "hubspot_oauth_state"

const (
	oauthStatePath   = "/hubspot"
	oauthStateMaxAge = 10 * 60 // seconds
)

// RegisterOAuthRoutes registers the app install flow.
//
// GET /hubspot/install        -> 302 to the HubSpot consent screen, sets the state cookie
// GET /hubspot/oauth-callback -> check ?state, exchange ?code, store the token, 302 to appURL
func RegisterOAuthRoutes(r gin.IRoutes, gw *hubspot.Gateway, appURL string, logger *zap.Logger) {
	if appURL == "" {
		appURL = hubspot.DefaultAppURL
	}

	r.GET("/hubspot/install", func(c *gin.Context) {
		state := uuid.NewString()
		authURL, err := gw.InstallURL(state)
		if err != nil {
			logger.Error("cannot build install url", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "hubspot app is not configured"})
			return
		}
		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(OAuthStateCookie, state, oauthStateMaxAge, oauthStatePath, "", c.Request.TLS != nil, true)
		c.Redirect(http.StatusFound, authURL)
	})

	r.GET("/hubspot/oauth-callback", func(c *gin.Context) {
		code := strings.TrimSpace(c.Query("code"))
		if code == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing code parameter"})
			return
		}

		expected, _ := c.Cookie(OAuthStateCookie)
		state := c.Query("state")
		if expected == "" || subtle.ConstantTimeCompare([]byte(expected), []byte(state)) != 1 {
			logger.Warn("oauth callback state mismatch", zap.Bool("cookie_present", expected != ""))
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid state parameter"})
			return
		}
		c.SetCookie(OAuthStateCookie, "", -1, oauthStatePath, "", c.Request.TLS != nil, true)

		cred, err := gw.CompleteInstall(c.Request.Context(), code)
		if err != nil {
			logger.Error("oauth code exchange failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token exchange failed"})
			return
		}
		logger.Info("oauth callback completed", zap.String("tenant_id", cred.TenantID))
		c.Redirect(http.StatusFound, appURL)
	})
}
