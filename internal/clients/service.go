// Package clients applies contact create, update and delete events to the clients table.
package clients

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/PratikDhanave/crm-client-sync/internal/errs"
	"github.com/PratikDhanave/crm-client-sync/internal/identity"
	"github.com/PratikDhanave/crm-client-sync/internal/models"
	"github.com/PratikDhanave/crm-client-sync/internal/store"
)

type Service struct {
	store  store.Store
	logger *zap.Logger
	now    func() time.Time
}

func NewService(st store.Store, logger *zap.Logger) *Service {
	return &Service{
		store:  st,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Upsert creates the client for (tenantID, contactID) or refreshes its mutable fields.
// The organization is resolved inside the same transaction as the write.
func (s *Service) Upsert(ctx context.Context, tenantID, contactID string, fields models.ClientFields) (models.Client, error) {
	if err := requireIDs(tenantID, contactID); err != nil {
		return models.Client{}, err
	}

	var (
		client  models.Client
		created bool
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		orgID, err := identity.ResolveOrg(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		fields.OrgID = orgID
		client, created, err = tx.UpsertClient(ctx, store.ClientUpsert{
			TenantID:  tenantID,
			ContactID: contactID,
			Fields:    fields,
		}, s.now())
		return err
	})
	if err != nil {
		return models.Client{}, wrapStoreErr("upsert client", err)
	}

	s.logger.Debug("client upserted",
		zap.String("tenant_id", tenantID),
		zap.String("contact_id", contactID),
		zap.String("client_id", client.ID.String()),
		zap.Bool("created", created),
	)
	return client, nil
}

// Delete removes the client linked to contactID. Deleting a missing client is not an error.
func (s *Service) Delete(ctx context.Context, tenantID, contactID string) (int64, error) {
	if err := requireIDs(tenantID, contactID); err != nil {
		return 0, err
	}

	var n int64
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		n, err = tx.DeleteClient(ctx, tenantID, contactID)
		return err
	})
	if err != nil {
		return 0, wrapStoreErr("delete client", err)
	}

	s.logger.Debug("client deleted",
		zap.String("tenant_id", tenantID),
		zap.String("contact_id", contactID),
		zap.Int64("rows", n),
	)
	return n, nil
}

// FindByExternalID returns store.ErrNotFound when no client is linked to contactID.
func (s *Service) FindByExternalID(ctx context.Context, tenantID, contactID string) (models.Client, error) {
	if err := requireIDs(tenantID, contactID); err != nil {
		return models.Client{}, err
	}

	var client models.Client
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		client, err = tx.FindClient(ctx, tenantID, contactID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return models.Client{}, store.ErrNotFound
	}
	if err != nil {
		return models.Client{}, wrapStoreErr("find client", err)
	}
	return client, nil
}

func requireIDs(tenantID, contactID string) error {
	if strings.TrimSpace(tenantID) == "" || strings.TrimSpace(contactID) == "" {
		return errs.Validation("tenant id and contact id are required", nil)
	}
	return nil
}

// wrapStoreErr keeps errors that already carry a kind and marks the rest transient.
func wrapStoreErr(msg string, err error) error {
	var appErr *errs.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return errs.TransientStore(msg, err)
}
