package merge

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/PratikDhanave/crm-client-sync/internal/associations"
	"github.com/PratikDhanave/crm-client-sync/internal/errs"
	"github.com/PratikDhanave/crm-client-sync/internal/models"
	"github.com/PratikDhanave/crm-client-sync/internal/retry"
	"github.com/PratikDhanave/crm-client-sync/internal/store"
)

func ptr(s string) *string { return &s }

var fastRetry = &retry.Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 1}

type fixture struct {
	store *store.MemoryStore
	rec   *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	require.NoError(t, st.LinkInstallation(context.Background(), "T1", "O1"))
	reg, err := associations.DefaultRegistry()
	require.NoError(t, err)
	return &fixture{store: st, rec: NewReconciler(st, reg, fastRetry, zap.NewNop())}
}

func (f *fixture) client(t *testing.T, contactID string, fields models.ClientFields) models.Client {
	t.Helper()
	var c models.Client
	fields.OrgID = "O1"
	err := f.store.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		c, _, err = tx.UpsertClient(ctx, store.ClientUpsert{TenantID: "T1", ContactID: contactID, Fields: fields}, time.Now().UTC())
		return err
	})
	require.NoError(t, err)
	return c
}

func (f *fixture) association(t *testing.T, table, contactID string) {
	t.Helper()
	_, err := f.store.AddAssociation(table, models.Association{TenantID: "T1", ObjectID: contactID})
	require.NoError(t, err)
}

func (f *fixture) objectIDs(table string) []string {
	var ids []string
	for _, a := range f.store.Associations(table) {
		ids = append(ids, a.ObjectID)
	}
	return ids
}

func TestMerge_CollapsesBothClients(t *testing.T) {
	f := newFixture(t)
	old := f.client(t, "C1", models.ClientFields{Email: ptr("old@x.com"), FirstName: ptr("Ada"), LastName: ptr("")})
	survivor := f.client(t, "C2", models.ClientFields{Email: ptr("new@x.com"), LastName: ptr("")})
	f.association(t, "payment_methods", "C1")
	f.association(t, "invoices", "C1")

	res, err := f.rec.Merge(context.Background(), "T1", "C1", "C2")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCollapsed, res.Outcome)
	assert.Equal(t, survivor.ID, res.ClientID)
	assert.Equal(t, "O1", res.OrgID)
	assert.Equal(t, map[string]int64{"payment_methods": 1, "invoices": 1}, res.Repointed)

	clients := f.store.Clients()
	require.Len(t, clients, 1)
	got := clients[0]
	assert.Equal(t, survivor.ID, got.ID)
	assert.NotEqual(t, old.ID, got.ID)
	assert.Equal(t, "C2", got.ContactID)
	assert.Equal(t, "new@x.com", got.Email, "the new record wins on conflict")
	assert.Equal(t, "Ada", got.FirstName, "gaps are filled from the old record")

	assert.Equal(t, []string{"C2"}, f.objectIDs("payment_methods"))
	assert.Equal(t, []string{"C2"}, f.objectIDs("invoices"))
}

func TestMerge_RenameKeepsInternalID(t *testing.T) {
	f := newFixture(t)
	old := f.client(t, "C1", models.ClientFields{Email: ptr("a@x.com")})
	f.association(t, "invoices", "C1")

	res, err := f.rec.Merge(context.Background(), "T1", "C1", "C2")
	require.NoError(t, err)
	assert.Equal(t, OutcomeRenamed, res.Outcome)
	assert.Equal(t, old.ID, res.ClientID)

	clients := f.store.Clients()
	require.Len(t, clients, 1)
	assert.Equal(t, old.ID, clients[0].ID)
	assert.Equal(t, "C2", clients[0].ContactID)
	assert.Equal(t, "a@x.com", clients[0].Email)
	assert.Equal(t, old.CreatedAt, clients[0].CreatedAt)
	assert.Equal(t, []string{"C2"}, f.objectIDs("invoices"))
}

func TestMerge_NoClientsStillRepointsAndNeverInserts(t *testing.T) {
	f := newFixture(t)
	f.association(t, "payment_methods", "C1")

	res, err := f.rec.Merge(context.Background(), "T1", "C1", "C2")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAssociationsOnly, res.Outcome)
	assert.Equal(t, uuid.Nil, res.ClientID)
	assert.Empty(t, f.store.Clients())
	assert.Equal(t, []string{"C2"}, f.objectIDs("payment_methods"))
}

func TestMerge_AfterDeleteDoesNotResurrect(t *testing.T) {
	f := newFixture(t)
	f.client(t, "C1", models.ClientFields{Email: ptr("a@x.com")})
	err := f.store.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, err := tx.DeleteClient(ctx, "T1", "C1")
		return err
	})
	require.NoError(t, err)

	_, err = f.rec.Merge(context.Background(), "T1", "C1", "C2")
	require.NoError(t, err)
	assert.Empty(t, f.store.Clients())
}

func TestMerge_OnlyNewClientExists(t *testing.T) {
	f := newFixture(t)
	survivor := f.client(t, "C2", models.ClientFields{})

	res, err := f.rec.Merge(context.Background(), "T1", "C1", "C2")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAssociationsOnly, res.Outcome)
	assert.Equal(t, survivor.ID, res.ClientID)
	assert.Len(t, f.store.Clients(), 1)
}

func TestMerge_SameIDIsNoop(t *testing.T) {
	f := newFixture(t)
	c := f.client(t, "C1", models.ClientFields{Email: ptr("a@x.com")})
	f.association(t, "invoices", "C1")

	res, err := f.rec.Merge(context.Background(), "T1", "C1", "C1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, res.Outcome)
	assert.Equal(t, []models.Client{c}, f.store.Clients())
	assert.Equal(t, []string{"C1"}, f.objectIDs("invoices"))
}

func TestMerge_RedeliveryConverges(t *testing.T) {
	f := newFixture(t)
	f.client(t, "C1", models.ClientFields{FirstName: ptr("Ada")})
	f.client(t, "C2", models.ClientFields{Email: ptr("new@x.com")})
	f.association(t, "invoices", "C1")

	_, err := f.rec.Merge(context.Background(), "T1", "C1", "C2")
	require.NoError(t, err)
	first := f.store.Clients()

	res, err := f.rec.Merge(context.Background(), "T1", "C1", "C2")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"payment_methods": 0, "invoices": 0}, res.Repointed)

	second := f.store.Clients()
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, first[0].Email, second[0].Email)
	assert.Equal(t, first[0].FirstName, second[0].FirstName)
}

func TestMerge_UnresolvedTenant(t *testing.T) {
	f := newFixture(t)

	_, err := f.rec.Merge(context.Background(), "T404", "C1", "C2")
	assert.Equal(t, errs.KindUnresolvedTenant, errs.KindOf(err))
	assert.False(t, errs.Retryable(err))
}

func TestMerge_BlankIDs(t *testing.T) {
	f := newFixture(t)

	_, err := f.rec.Merge(context.Background(), "T1", "", "C2")
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

// faultyStore runs transactions against a MemoryStore but lets a test fail one
// Tx operation.
type faultyStore struct {
	*store.MemoryStore
	fail func(op string) error
}

func (s *faultyStore) InTx(ctx context.Context, fn func(context.Context, store.Tx) error) error {
	return s.MemoryStore.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return fn(ctx, &faultyTx{Tx: tx, fail: s.fail})
	})
}

type faultyTx struct {
	store.Tx
	fail func(op string) error
}

func (t *faultyTx) UpdateClient(ctx context.Context, c models.Client) error {
	if err := t.fail("UpdateClient"); err != nil {
		return err
	}
	return t.Tx.UpdateClient(ctx, c)
}

func (t *faultyTx) DeleteClientByID(ctx context.Context, id uuid.UUID) error {
	if err := t.fail("DeleteClientByID"); err != nil {
		return err
	}
	return t.Tx.DeleteClientByID(ctx, id)
}

// errSkipWrite makes a faultyTx report success without writing.
var errSkipWrite = errors.New("skip write")

func (t *faultyTx) RepointAssociations(ctx context.Context, table, tenantID, objectType, oldID, newID string) (int64, error) {
	if err := t.fail("RepointAssociations"); err != nil {
		if errors.Is(err, errSkipWrite) {
			return 0, nil
		}
		return 0, err
	}
	return t.Tx.RepointAssociations(ctx, table, tenantID, objectType, oldID, newID)
}

func TestMerge_RefusesToLeaveAssociationsOnOldID(t *testing.T) {
	f := newFixture(t)
	f.client(t, "C1", models.ClientFields{FirstName: ptr("Ada")})
	f.association(t, "invoices", "C1")
	before := f.store.Clients()

	faulty := &faultyStore{MemoryStore: f.store, fail: func(op string) error {
		if op == "RepointAssociations" {
			return errSkipWrite
		}
		return nil
	}}
	rec := NewReconciler(faulty, f.rec.registry, fastRetry, zap.NewNop())

	_, err := rec.Merge(context.Background(), "T1", "C1", "C2")
	require.Error(t, err)
	assert.Equal(t, errs.KindMergeConsistency, errs.KindOf(err))
	assert.Contains(t, err.Error(), "still reference contact C1")

	assert.Equal(t, before, f.store.Clients(), "the client is not renamed")
	assert.Equal(t, []string{"C1"}, f.objectIDs("invoices"))
}

func TestMerge_FailureRollsBackEverything(t *testing.T) {
	for _, op := range []string{"UpdateClient", "DeleteClientByID"} {
		t.Run(op, func(t *testing.T) {
			f := newFixture(t)
			f.client(t, "C1", models.ClientFields{FirstName: ptr("Ada")})
			f.client(t, "C2", models.ClientFields{Email: ptr("new@x.com")})
			f.association(t, "payment_methods", "C1")
			f.association(t, "invoices", "C1")
			before := f.store.Clients()

			faulty := &faultyStore{MemoryStore: f.store, fail: func(got string) error {
				if got == op {
					return errors.New("disk full")
				}
				return nil
			}}
			rec := NewReconciler(faulty, f.rec.registry, fastRetry, zap.NewNop())

			_, err := rec.Merge(context.Background(), "T1", "C1", "C2")
			require.Error(t, err)
			assert.Equal(t, errs.KindMergeConsistency, errs.KindOf(err))
			assert.True(t, errs.Retryable(err))

			assert.Equal(t, before, f.store.Clients())
			assert.Equal(t, []string{"C1"}, f.objectIDs("payment_methods"))
			assert.Equal(t, []string{"C1"}, f.objectIDs("invoices"))
		})
	}
}

func TestMerge_RetriesConflicts(t *testing.T) {
	f := newFixture(t)
	f.client(t, "C1", models.ClientFields{})
	f.association(t, "invoices", "C1")

	calls := 0
	faulty := &faultyStore{MemoryStore: f.store, fail: func(op string) error {
		if op != "UpdateClient" {
			return nil
		}
		calls++
		if calls == 1 {
			return fmt.Errorf("%w: serialization failure", store.ErrConflict)
		}
		return nil
	}}
	rec := NewReconciler(faulty, f.rec.registry, fastRetry, zap.NewNop())

	res, err := rec.Merge(context.Background(), "T1", "C1", "C2")
	require.NoError(t, err)
	assert.Equal(t, OutcomeRenamed, res.Outcome)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []string{"C2"}, f.objectIDs("invoices"))
}

func TestMerge_ExhaustedConflictRetries(t *testing.T) {
	f := newFixture(t)
	f.client(t, "C1", models.ClientFields{})

	faulty := &faultyStore{MemoryStore: f.store, fail: func(op string) error {
		if op == "UpdateClient" {
			return store.ErrConflict
		}
		return nil
	}}
	rec := NewReconciler(faulty, f.rec.registry, fastRetry, zap.NewNop())

	_, err := rec.Merge(context.Background(), "T1", "C1", "C2")
	assert.Equal(t, errs.KindMergeConsistency, errs.KindOf(err))
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.Equal(t, "C1", f.store.Clients()[0].ContactID)
}
