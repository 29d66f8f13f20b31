// Package merge reconciles internal state when HubSpot merges two contacts.
//
// The surviving contact keeps HubSpot's new id. Everything that referenced the old
// id is moved to it and the two client rows collapse into one, in a single store
// transaction.
package merge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PratikDhanave/crm-client-sync/internal/associations"
	"github.com/PratikDhanave/crm-client-sync/internal/errs"
	"github.com/PratikDhanave/crm-client-sync/internal/identity"
	"github.com/PratikDhanave/crm-client-sync/internal/metrics"
	"github.com/PratikDhanave/crm-client-sync/internal/retry"
	"github.com/PratikDhanave/crm-client-sync/internal/store"
)

type Outcome string

const (
	// OutcomeNoop: old and new ids are the same.
	OutcomeNoop Outcome = "noop"
	// OutcomeCollapsed: both clients existed; the old one was folded into the new one.
	OutcomeCollapsed Outcome = "collapsed"
	// OutcomeRenamed: only the old client existed; it now carries the new contact id.
	OutcomeRenamed Outcome = "renamed"
	// OutcomeAssociationsOnly: no client row had to change.
	OutcomeAssociationsOnly Outcome = "associations_only"
)

type Result struct {
	Outcome   Outcome
	OrgID     string
	ClientID  uuid.UUID // zero when no client exists for either id
	Repointed map[string]int64
}

type Reconciler struct {
	store    store.Store
	registry *associations.Registry
	retry    *retry.Config
	logger   *zap.Logger
	now      func() time.Time
}

// NewReconciler builds a Reconciler. A nil retryCfg uses retry.DefaultConfig.
func NewReconciler(st store.Store, registry *associations.Registry, retryCfg *retry.Config, logger *zap.Logger) *Reconciler {
	if retryCfg == nil {
		retryCfg = retry.DefaultConfig()
	}
	return &Reconciler{
		store:    st,
		registry: registry,
		retry:    retryCfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Merge folds contact oldID into newID for tenantID.
//
// Errors are UNRESOLVED_TENANT (drop the event), VALIDATION for blank ids, or
// MERGE_CONSISTENCY when the transaction was rolled back and a redelivery should
// try again. A merge never creates a client, so a contact deleted before its
// merge arrives stays deleted.
func (r *Reconciler) Merge(ctx context.Context, tenantID, oldID, newID string) (Result, error) {
	tenantID, oldID, newID = strings.TrimSpace(tenantID), strings.TrimSpace(oldID), strings.TrimSpace(newID)
	if tenantID == "" || oldID == "" || newID == "" {
		return Result{}, errs.Validation("merge requires tenant, old and new contact ids", nil)
	}
	if oldID == newID {
		return Result{Outcome: OutcomeNoop, Repointed: map[string]int64{}}, nil
	}

	start := time.Now()
	res, err := retry.Do(ctx, r.retry, r.logger, "merge_contacts",
		func(err error) bool { return errors.Is(err, store.ErrConflict) },
		func(ctx context.Context) (Result, error) {
			return r.mergeOnce(ctx, tenantID, oldID, newID)
		})
	if err != nil {
		if errs.IsKind(err, errs.KindUnresolvedTenant) {
			return Result{}, err
		}
		metrics.ObserveMerge("failed", time.Since(start))
		return Result{}, errs.MergeConsistency("merge rolled back", err)
	}

	metrics.ObserveMerge(string(res.Outcome), time.Since(start))
	metrics.ObserveRepointed(res.Repointed)
	r.logger.Info("contacts merged",
		zap.String("tenant_id", tenantID),
		zap.String("old_contact_id", oldID),
		zap.String("new_contact_id", newID),
		zap.String("outcome", string(res.Outcome)),
		zap.Any("repointed", res.Repointed),
	)
	return res, nil
}

func (r *Reconciler) mergeOnce(ctx context.Context, tenantID, oldID, newID string) (Result, error) {
	var res Result
	err := r.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		orgID, err := identity.ResolveOrg(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		res = Result{OrgID: orgID}

		if res.Repointed, err = r.registry.RepointAll(ctx, tx, tenantID, oldID, newID); err != nil {
			return err
		}
		left, err := r.registry.Dangling(ctx, tx, tenantID, oldID)
		if err != nil {
			return err
		}
		if len(left) > 0 {
			return fmt.Errorf("associations still reference contact %s after repoint: %v", oldID, left)
		}

		locked, err := tx.LockClients(ctx, tenantID, oldID, newID)
		if err != nil {
			return err
		}
		oldClient, hasOld := locked[oldID]
		newClient, hasNew := locked[newID]
		now := r.now()

		switch {
		case hasOld && hasNew:
			survivor := newClient.FillGapsFrom(oldClient)
			survivor.UpdatedAt = now
			if err := tx.DeleteClientByID(ctx, oldClient.ID); err != nil {
				return err
			}
			if err := tx.UpdateClient(ctx, survivor); err != nil {
				return err
			}
			res.Outcome, res.ClientID = OutcomeCollapsed, survivor.ID
		case hasOld:
			oldClient.ContactID = newID
			oldClient.UpdatedAt = now
			if err := tx.UpdateClient(ctx, oldClient); err != nil {
				return err
			}
			res.Outcome, res.ClientID = OutcomeRenamed, oldClient.ID
		case hasNew:
			res.Outcome, res.ClientID = OutcomeAssociationsOnly, newClient.ID
		default:
			res.Outcome = OutcomeAssociationsOnly
		}
		return nil
	})
	return res, err
}
