package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// HeaderAPIKey carries a read-API key. "Authorization: Bearer <key>" works too.
	HeaderAPIKey = "X-API-Key"

	portalCtxKey = "hubspot_portal_id"
)

type portalKey struct {
	key      []byte
	portalID string
}

// PortalKeys maps read-API keys to the HubSpot portal whose clients they may read.
// A key never spans portals.
type PortalKeys struct {
	keys []portalKey
}

// NewPortalKeys builds the key set from API_KEYS (key -> portal id). Blank
// entries are skipped.
func NewPortalKeys(keys map[string]string) *PortalKeys {
	pk := &PortalKeys{}
	for key, portalID := range keys {
		key, portalID = strings.TrimSpace(key), strings.TrimSpace(portalID)
		if key == "" || portalID == "" {
			continue
		}
		pk.keys = append(pk.keys, portalKey{key: []byte(key), portalID: portalID})
	}
	return pk
}

// Portal returns the portal a key belongs to. Every configured key is compared
// so lookup time does not depend on which one matched.
func (pk *PortalKeys) Portal(key string) (string, bool) {
	if key == "" {
		return "", false
	}
	var portalID string
	for _, k := range pk.keys {
		if subtle.ConstantTimeCompare(k.key, []byte(key)) == 1 {
			portalID = k.portalID
		}
	}
	return portalID, portalID != ""
}

// Middleware rejects requests without a known key and pins the key's portal
// on the context for PortalID.
func (pk *PortalKeys) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		portalID, ok := pk.Portal(requestKey(c))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(portalCtxKey, portalID)
		c.Next()
	}
}

// APIKeyMiddleware is NewPortalKeys(keys).Middleware().
func APIKeyMiddleware(keys map[string]string) gin.HandlerFunc {
	return NewPortalKeys(keys).Middleware()
}

// PortalID returns the portal authenticated by Middleware, or "".
func PortalID(c *gin.Context) string {
	return c.GetString(portalCtxKey)
}

func requestKey(c *gin.Context) string {
	if key := strings.TrimSpace(c.GetHeader(HeaderAPIKey)); key != "" {
		return key
	}
	authz := strings.TrimSpace(c.GetHeader("Authorization"))
	if len(authz) > len("Bearer ") && strings.EqualFold(authz[:len("Bearer ")], "Bearer ") {
		return strings.TrimSpace(authz[len("Bearer "):])
	}
	return ""
}
