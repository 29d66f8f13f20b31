package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Subscription types delivered by HubSpot contact webhooks.
const (
	SubscriptionContactCreation        = "contact.creation"
	SubscriptionContactPropertyChange  = "contact.propertyChange"
	SubscriptionContactRestore         = "contact.restore"
	SubscriptionContactDeletion        = "contact.deletion"
	SubscriptionContactPrivacyDeletion = "contact.privacyDeletion"
	SubscriptionContactMerge           = "contact.merge"
)

// WebhookEventPayload is one element of the JSON array HubSpot POSTs to the webhook URL.
// Only portalId and subscriptionType are always present; objectId is absent on merges
// from older app versions, which carry primaryObjectId/mergedObjectIds instead.
type WebhookEventPayload struct {
	EventID          ExternalID   `json:"eventId"`
	SubscriptionID   ExternalID   `json:"subscriptionId"`
	PortalID         ExternalID   `json:"portalId" validate:"required"`
	AppID            ExternalID   `json:"appId"`
	OccurredAt       int64        `json:"occurredAt"`
	SubscriptionType string       `json:"subscriptionType" validate:"required"`
	AttemptNumber    int          `json:"attemptNumber"`
	ObjectID         ExternalID   `json:"objectId" validate:"required_unless=SubscriptionType contact.merge"`
	ChangeSource     string       `json:"changeSource,omitempty"`
	ChangeFlag       string       `json:"changeFlag,omitempty"`
	PropertyName     string       `json:"propertyName,omitempty"`
	PropertyValue    *string      `json:"propertyValue,omitempty"`
	PrimaryObjectID  ExternalID   `json:"primaryObjectId,omitempty"`
	MergedObjectIDs  []ExternalID `json:"mergedObjectIds,omitempty"`
	NewObjectID      ExternalID   `json:"newObjectId,omitempty"`
}

// WebhookAckResponse is returned by POST /hubspot/webhook.
// It reports receipt counts only; per-event errors are never echoed to the sender.
type WebhookAckResponse struct {
	Received int `json:"received"`
	Applied  int `json:"applied"`
	Ignored  int `json:"ignored"`
	Dropped  int `json:"dropped"`
	Failed   int `json:"failed"`
}

// ExternalID is a HubSpot identifier. HubSpot sends ids as JSON numbers, but
// replayed or hand-crafted payloads often quote them, so both are accepted.
type ExternalID string

func (id *ExternalID) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "null" {
		*id = ""
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ExternalID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("external id must be a number or string: %w", err)
	}
	*id = ExternalID(n.String())
	return nil
}

func (id ExternalID) String() string { return string(id) }
