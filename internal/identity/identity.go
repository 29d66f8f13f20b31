// Package identity maps a HubSpot portal to the organization that installed the app.
package identity

import (
	"context"
	"errors"
	"strings"

	"github.com/PratikDhanave/crm-client-sync/internal/errs"
	"github.com/PratikDhanave/crm-client-sync/internal/store"
)

// Lookup is satisfied by store.Store and store.Tx.
type Lookup interface {
	OrgIDForTenant(ctx context.Context, tenantID string) (string, error)
}

// ResolveOrg returns the organization id for tenantID. A portal without an
// installation yields an UNRESOLVED_TENANT error; events for it are dropped.
func ResolveOrg(ctx context.Context, lookup Lookup, tenantID string) (string, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return "", errs.Validation("tenant id is required", nil)
	}
	orgID, err := lookup.OrgIDForTenant(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && orgID == "") {
		return "", errs.UnresolvedTenant(tenantID)
	}
	if err != nil {
		return "", errs.TransientStore("resolve organization", err)
	}
	return orgID, nil
}
