package webhook

import (
	"context"

	"go.uber.org/zap"

	"github.com/PratikDhanave/crm-client-sync/internal/auth"
	"github.com/PratikDhanave/crm-client-sync/internal/errs"
	"github.com/PratikDhanave/crm-client-sync/internal/merge"
	"github.com/PratikDhanave/crm-client-sync/internal/metrics"
	"github.com/PratikDhanave/crm-client-sync/internal/models"
)

// ClientWriter applies upserts and deletes to the client store.
type ClientWriter interface {
	Upsert(ctx context.Context, tenantID, contactID string, fields models.ClientFields) (models.Client, error)
	Delete(ctx context.Context, tenantID, contactID string) (int64, error)
}

type Merger interface {
	Merge(ctx context.Context, tenantID, oldID, newID string) (merge.Result, error)
}

// CredentialGateway returns a usable access token for a portal.
type CredentialGateway interface {
	GetToken(ctx context.Context, tenantID string) (models.Credential, error)
}

type ContactFetcher interface {
	FetchContact(ctx context.Context, contactID, accessToken string) (models.ContactDetails, error)
}

// Outcome is the terminal state of one event in a batch.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeIgnored Outcome = "ignored"
	// OutcomeDropped: the portal has no installation, the event is discarded.
	OutcomeDropped Outcome = "dropped"
	OutcomeFailed  Outcome = "failed"
)

// BatchResult summarizes one webhook delivery.
type BatchResult struct {
	Received int
	Applied  int
	Ignored  int
	Dropped  int
	Failed   int
	// RetryRequired is set when an event failed in a way a redelivery may fix.
	RetryRequired bool
}

func (r *BatchResult) record(o Outcome) {
	switch o {
	case OutcomeApplied:
		r.Applied++
	case OutcomeIgnored:
		r.Ignored++
	case OutcomeDropped:
		r.Dropped++
	case OutcomeFailed:
		r.Failed++
	}
}

func (r BatchResult) Ack() models.WebhookAckResponse {
	return models.WebhookAckResponse{
		Received: r.Received,
		Applied:  r.Applied,
		Ignored:  r.Ignored,
		Dropped:  r.Dropped,
		Failed:   r.Failed,
	}
}

// Dispatcher verifies, decodes and applies webhook batches. It holds no per-batch
// state and is safe for concurrent use.
type Dispatcher struct {
	verifier    auth.Verifier
	decoder     *Decoder
	clients     ClientWriter
	merger      Merger
	credentials CredentialGateway
	contacts    ContactFetcher
	logger      *zap.Logger
}

type Option func(*Dispatcher)

// WithEnrichment makes upserts fetch the contact from HubSpot to fill fields the
// event did not carry. Failures there are logged and the upsert goes ahead.
func WithEnrichment(credentials CredentialGateway, contacts ContactFetcher) Option {
	return func(d *Dispatcher) {
		d.credentials = credentials
		d.contacts = contacts
	}
}

func NewDispatcher(verifier auth.Verifier, clients ClientWriter, merger Merger, logger *zap.Logger, opts ...Option) *Dispatcher {
	if verifier == nil {
		verifier = auth.NoopVerifier{}
	}
	d := &Dispatcher{
		verifier: verifier,
		decoder:  NewDecoder(),
		clients:  clients,
		merger:   merger,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Receive processes one delivery. It returns a VALIDATION error when the batch is
// rejected as a whole; otherwise every event is attempted in order and the
// per-event results are summarized.
func (d *Dispatcher) Receive(ctx context.Context, req auth.Request) (BatchResult, error) {
	if err := d.verifier.Verify(req); err != nil {
		metrics.ObserveWebhookBatch("rejected")
		return BatchResult{}, errs.Validation("webhook signature verification failed", err)
	}

	events, err := d.decoder.Decode(req.Body)
	if err != nil {
		metrics.ObserveWebhookBatch("rejected")
		return BatchResult{}, err
	}

	result := BatchResult{Received: len(events)}
	for i, ev := range events {
		outcome, err := d.dispatch(ctx, ev)
		result.record(outcome)

		meta := ev.EventMeta()
		metrics.ObserveWebhookEvent(metricType(meta.SubscriptionType), string(outcome))
		if err == nil {
			continue
		}
		fields := []zap.Field{
			zap.Int("index", i),
			zap.String("event_id", meta.EventID),
			zap.String("tenant_id", meta.TenantID),
			zap.String("subscription_type", meta.SubscriptionType),
			zap.Int("attempt", meta.Attempt),
		}
		switch outcome {
		case OutcomeDropped:
			d.logger.Warn("event dropped", append(fields, zap.Error(err))...)
		default:
			if errs.Retryable(err) {
				result.RetryRequired = true
			}
			errs.LogError(d.logger, err, "event failed", fields...)
		}
	}

	if result.RetryRequired {
		metrics.ObserveWebhookBatch("retry")
	} else {
		metrics.ObserveWebhookBatch("accepted")
	}
	d.logger.Info("webhook batch processed",
		zap.Int("received", result.Received),
		zap.Int("applied", result.Applied),
		zap.Int("ignored", result.Ignored),
		zap.Int("dropped", result.Dropped),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, ev Event) (Outcome, error) {
	switch e := ev.(type) {
	case ContactUpserted:
		fields := e.Fields
		d.enrich(ctx, e.TenantID, e.ContactID, &fields)
		_, err := d.clients.Upsert(ctx, e.TenantID, e.ContactID, fields)
		return outcomeOf(err), err
	case ContactDeleted:
		_, err := d.clients.Delete(ctx, e.TenantID, e.ContactID)
		return outcomeOf(err), err
	case ContactMerged:
		var errList []error
		for _, oldID := range e.OldIDs {
			if _, err := d.merger.Merge(ctx, e.TenantID, oldID, e.NewID); err != nil {
				if errs.IsKind(err, errs.KindUnresolvedTenant) {
					return OutcomeDropped, err
				}
				errList = append(errList, err)
			}
		}
		if len(errList) > 0 {
			// Retryable first so the batch asks for redelivery if any merge can recover.
			for _, err := range errList {
				if errs.Retryable(err) {
					return OutcomeFailed, err
				}
			}
			return OutcomeFailed, errList[0]
		}
		return OutcomeApplied, nil
	case Unknown:
		d.logger.Info("ignoring webhook event",
			zap.String("event_id", e.EventID),
			zap.String("subscription_type", e.SubscriptionType),
			zap.String("reason", e.Reason),
		)
		return OutcomeIgnored, nil
	default:
		return OutcomeIgnored, nil
	}
}

// enrich fills fields the event left unknown from HubSpot. Best effort.
func (d *Dispatcher) enrich(ctx context.Context, tenantID, contactID string, fields *models.ClientFields) {
	if d.credentials == nil || d.contacts == nil {
		return
	}
	if fields.Email != nil && fields.FirstName != nil && fields.LastName != nil {
		return
	}
	cred, err := d.credentials.GetToken(ctx, tenantID)
	if err != nil {
		metrics.ObserveEnrichmentFailure("token")
		d.logger.Warn("contact enrichment skipped: no token",
			zap.String("tenant_id", tenantID), zap.String("contact_id", contactID), zap.Error(err))
		return
	}
	details, err := d.contacts.FetchContact(ctx, contactID, cred.AccessToken)
	if err != nil {
		metrics.ObserveEnrichmentFailure("fetch")
		d.logger.Warn("contact enrichment skipped: fetch failed",
			zap.String("tenant_id", tenantID), zap.String("contact_id", contactID), zap.Error(err))
		return
	}
	fields.FillFrom(details)
}

func outcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeApplied
	case errs.IsKind(err, errs.KindUnresolvedTenant):
		return OutcomeDropped
	default:
		return OutcomeFailed
	}
}

func metricType(subscriptionType string) string {
	switch subscriptionType {
	case models.SubscriptionContactCreation,
		models.SubscriptionContactPropertyChange,
		models.SubscriptionContactRestore,
		models.SubscriptionContactDeletion,
		models.SubscriptionContactPrivacyDeletion,
		models.SubscriptionContactMerge:
		return subscriptionType
	default:
		return "other"
	}
}
