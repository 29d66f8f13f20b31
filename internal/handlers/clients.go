package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/crm-client-sync/internal/auth"
	"github.com/PratikDhanave/crm-client-sync/internal/clients"
	"github.com/PratikDhanave/crm-client-sync/internal/store"
)

// RegisterClientRoutes registers the read path.
//
// GET /clients/:contactId
// - Requires X-API-Key; the key's portal scopes the lookup
func RegisterClientRoutes(r gin.IRoutes, svc *clients.Service) {
	r.GET("/clients/:contactId", func(c *gin.Context) {
		tenantID := auth.PortalID(c)
		if tenantID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		contactID := strings.TrimSpace(c.Param("contactId"))
		if contactID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "contactId required"})
			return
		}

		client, err := svc.FindByExternalID(c.Request.Context(), tenantID, contactID)
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "client not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "db query failed"})
			return
		}
		c.JSON(http.StatusOK, client)
	})
}
