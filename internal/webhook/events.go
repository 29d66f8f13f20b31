// Package webhook turns HubSpot webhook batches into client store and merge operations.
package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/PratikDhanave/crm-client-sync/internal/errs"
	"github.com/PratikDhanave/crm-client-sync/internal/models"
)

// Event is one decoded webhook element: ContactUpserted, ContactDeleted,
// ContactMerged or Unknown.
type Event interface {
	EventMeta() Meta
}

// Meta is what every element carries regardless of type.
type Meta struct {
	EventID          string
	TenantID         string
	SubscriptionType string
	Attempt          int
	OccurredAt       time.Time
}

func (m Meta) EventMeta() Meta { return m }

type ContactUpserted struct {
	Meta
	ContactID string
	Fields    models.ClientFields
}

type ContactDeleted struct {
	Meta
	ContactID string
}

// ContactMerged folds every id in OldIDs into NewID.
type ContactMerged struct {
	Meta
	OldIDs []string
	NewID  string
}

// Unknown is an element that is skipped: an unsupported subscription type or a
// payload that failed to decode or validate.
type Unknown struct {
	Meta
	Reason string
}

// Contact properties mirrored onto the client row.
const (
	propertyEmail     = "email"
	propertyFirstName = "firstname"
	propertyLastName  = "lastname"
)

// Decoder validates raw webhook bodies and decodes their elements.
type Decoder struct {
	validate *validator.Validate
}

func NewDecoder() *Decoder {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Decoder{validate: v}
}

// Decode parses body into events. The whole batch is rejected with a VALIDATION
// error when body is not JSON or not an array; bad elements become Unknown.
func (d *Decoder) Decode(body []byte) ([]Event, error) {
	trimmed := bytes.TrimSpace(body)
	if !json.Valid(trimmed) {
		return nil, errs.Validation("body is not valid JSON", nil)
	}
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, errs.Validation("body must be a JSON array of events", nil)
	}

	var elements []json.RawMessage
	if err := json.Unmarshal(trimmed, &elements); err != nil {
		return nil, errs.Validation("body must be a JSON array of events", err)
	}

	events := make([]Event, 0, len(elements))
	for _, raw := range elements {
		events = append(events, d.decodeElement(raw))
	}
	return events, nil
}

func (d *Decoder) decodeElement(raw json.RawMessage) Event {
	var p models.WebhookEventPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Unknown{Reason: fmt.Sprintf("malformed event: %v", err)}
	}
	meta := Meta{
		EventID:          p.EventID.String(),
		TenantID:         p.PortalID.String(),
		SubscriptionType: p.SubscriptionType,
		Attempt:          p.AttemptNumber,
	}
	if p.OccurredAt > 0 {
		meta.OccurredAt = time.UnixMilli(p.OccurredAt).UTC()
	}
	if err := d.validate.Struct(p); err != nil {
		return Unknown{Meta: meta, Reason: describeValidation(err)}
	}

	contactID := p.ObjectID.String()
	switch p.SubscriptionType {
	case models.SubscriptionContactCreation, models.SubscriptionContactRestore:
		return ContactUpserted{Meta: meta, ContactID: contactID}
	case models.SubscriptionContactPropertyChange:
		return ContactUpserted{Meta: meta, ContactID: contactID, Fields: changedFields(p.PropertyName, p.PropertyValue)}
	case models.SubscriptionContactDeletion, models.SubscriptionContactPrivacyDeletion:
		return ContactDeleted{Meta: meta, ContactID: contactID}
	case models.SubscriptionContactMerge:
		return decodeMerge(meta, p)
	default:
		return Unknown{Meta: meta, Reason: "unsupported subscription type"}
	}
}

// decodeMerge picks the surviving id (newObjectId, then primaryObjectId, then
// objectId) and treats every other id named by the event as merged away.
func decodeMerge(meta Meta, p models.WebhookEventPayload) Event {
	newID := firstNonEmpty(p.NewObjectID.String(), p.PrimaryObjectID.String(), p.ObjectID.String())
	if newID == "" {
		return Unknown{Meta: meta, Reason: "merge without a surviving contact id"}
	}

	seen := map[string]bool{newID: true}
	var oldIDs []string
	candidates := append([]models.ExternalID{p.PrimaryObjectID, p.ObjectID}, p.MergedObjectIDs...)
	for _, id := range candidates {
		s := id.String()
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		oldIDs = append(oldIDs, s)
	}
	if len(oldIDs) == 0 {
		return Unknown{Meta: meta, Reason: "merge without merged contact ids"}
	}
	return ContactMerged{Meta: meta, OldIDs: oldIDs, NewID: newID}
}

func changedFields(property string, value *string) models.ClientFields {
	var f models.ClientFields
	if value == nil {
		return f
	}
	v := *value
	switch strings.ToLower(property) {
	case propertyEmail:
		f.Email = &v
	case propertyFirstName:
		f.FirstName = &v
	case propertyLastName:
		f.LastName = &v
	}
	return f
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s:%s", fe.Field(), fe.Tag()))
	}
	return "invalid event: " + strings.Join(fields, ",")
}
