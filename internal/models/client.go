package models

import (
	"time"

	"github.com/google/uuid"
)

// ExternalSystemHubSpot is the only external system clients are linked to today.
const ExternalSystemHubSpot = "hubspot"

// ObjectTypeContact is the associated_object_type of rows that point at a contact.
const ObjectTypeContact = "CONTACT"

// Client is the internal record for one external contact.
// (ExternalSystem, TenantID, ContactID) is unique; ID never changes, not even on merge.
type Client struct {
	ID             uuid.UUID `json:"id"`
	Email          string    `json:"email"`
	FirstName      string    `json:"first_name"`
	LastName       string    `json:"last_name"`
	OrgID          string    `json:"org_id"`
	ExternalSystem string    `json:"external_system"`
	TenantID       string    `json:"external_tenant_id"`
	ContactID      string    `json:"external_contact_id"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// FillGapsFrom copies fields from other that are empty on c. Values already on c win.
func (c Client) FillGapsFrom(other Client) Client {
	if c.Email == "" {
		c.Email = other.Email
	}
	if c.FirstName == "" {
		c.FirstName = other.FirstName
	}
	if c.LastName == "" {
		c.LastName = other.LastName
	}
	if c.OrgID == "" {
		c.OrgID = other.OrgID
	}
	return c
}

// ClientFields is the mutable part of a client carried by an upsert.
// A nil pointer leaves the stored value alone; a pointer to "" clears it.
type ClientFields struct {
	Email     *string
	FirstName *string
	LastName  *string
	OrgID     string
}

// Apply returns c with the known fields overwritten.
func (f ClientFields) Apply(c Client) Client {
	if f.Email != nil {
		c.Email = *f.Email
	}
	if f.FirstName != nil {
		c.FirstName = *f.FirstName
	}
	if f.LastName != nil {
		c.LastName = *f.LastName
	}
	if f.OrgID != "" {
		c.OrgID = f.OrgID
	}
	return c
}

// FillFrom sets every field still unknown on f from details.
func (f *ClientFields) FillFrom(details ContactDetails) {
	if f.Email == nil && details.Email != "" {
		v := details.Email
		f.Email = &v
	}
	if f.FirstName == nil && details.FirstName != "" {
		v := details.FirstName
		f.FirstName = &v
	}
	if f.LastName == nil && details.LastName != "" {
		v := details.LastName
		f.LastName = &v
	}
}

// ContactDetails is the subset of HubSpot contact properties mirrored into clients.
type ContactDetails struct {
	Email     string
	FirstName string
	LastName  string
}

// Association is a row in one of the association tables (payment methods, invoices, ...)
// that points at a client through its external contact id.
type Association struct {
	ID         int64  `json:"id"`
	TenantID   string `json:"external_tenant_id"`
	ObjectType string `json:"associated_object_type"`
	ObjectID   string `json:"associated_object_id"`
}

// Credential is the OAuth token pair stored for a portal.
type Credential struct {
	TenantID     string
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

// credentialLeeway refreshes tokens slightly before HubSpot would reject them.
const credentialLeeway = 30 * time.Second

// Expired reports whether the access token should be refreshed at now.
// A zero ExpiresAt means the expiry is unknown and the token is used as is.
func (c Credential) Expired(now time.Time) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(credentialLeeway).Before(c.ExpiresAt)
}
