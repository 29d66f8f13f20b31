package associations

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/PratikDhanave/crm-client-sync/internal/models"
	"github.com/PratikDhanave/crm-client-sync/internal/store"
)

type mockRepointer struct {
	mock.Mock
}

func (m *mockRepointer) RepointAssociations(ctx context.Context, table, tenantID, objectType, oldID, newID string) (int64, error) {
	args := m.Called(ctx, table, tenantID, objectType, oldID, newID)
	return args.Get(0).(int64), args.Error(1)
}

func TestDefaultRegistry(t *testing.T) {
	r, err := DefaultRegistry("subscriptions", " ")
	require.NoError(t, err)

	var tables []string
	for _, k := range r.Kinds() {
		tables = append(tables, k.Table)
		assert.Equal(t, models.ObjectTypeContact, k.ObjectType)
	}
	assert.Equal(t, []string{"payment_methods", "invoices", "subscriptions"}, tables)
}

func TestRegisterRejectsBadKinds(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	assert.Error(t, r.Register(Kind{Name: "x"}))
	assert.Error(t, r.Register(Kind{Name: "x", Table: "x; drop table clients"}))
	require.NoError(t, r.Register(Kind{Table: "refunds"}))
	assert.Error(t, r.Register(Kind{Name: "refunds", Table: "refunds_v2"}))

	_, err = DefaultRegistry("invoices")
	assert.Error(t, err, "duplicate of a default kind")
}

func TestRepointAllCallsEveryKindInOrder(t *testing.T) {
	ctx := context.Background()
	r, err := DefaultRegistry()
	require.NoError(t, err)

	tx := new(mockRepointer)
	tx.On("RepointAssociations", ctx, "payment_methods", "T1", "CONTACT", "C1", "C2").Return(int64(2), nil).Once()
	tx.On("RepointAssociations", ctx, "invoices", "T1", "CONTACT", "C1", "C2").Return(int64(0), nil).Once()

	counts, err := r.RepointAll(ctx, tx, "T1", "C1", "C2")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"payment_methods": 2, "invoices": 0}, counts)
	tx.AssertExpectations(t)
}

func TestRepointAllStopsOnError(t *testing.T) {
	ctx := context.Background()
	r, err := DefaultRegistry()
	require.NoError(t, err)

	boom := errors.New("boom")
	tx := new(mockRepointer)
	tx.On("RepointAssociations", ctx, "payment_methods", "T1", "CONTACT", "C1", "C2").Return(int64(0), boom)

	_, err = r.RepointAll(ctx, tx, "T1", "C1", "C2")
	assert.ErrorIs(t, err, boom)
	tx.AssertNotCalled(t, "RepointAssociations", ctx, "invoices", "T1", "CONTACT", "C1", "C2")
}

func TestRepointAllIsIdempotentOnMemoryStore(t *testing.T) {
	s := store.NewMemoryStore()
	_, err := s.AddAssociation("payment_methods", models.Association{TenantID: "T1", ObjectID: "C1"})
	require.NoError(t, err)
	_, err = s.AddAssociation("invoices", models.Association{TenantID: "T1", ObjectID: "C1"})
	require.NoError(t, err)

	r, err := DefaultRegistry()
	require.NoError(t, err)

	run := func() map[string]int64 {
		var counts map[string]int64
		err := s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
			var err error
			counts, err = r.RepointAll(ctx, tx, "T1", "C1", "C2")
			return err
		})
		require.NoError(t, err)
		return counts
	}

	assert.Equal(t, map[string]int64{"payment_methods": 1, "invoices": 1}, run())
	assert.Equal(t, map[string]int64{"payment_methods": 0, "invoices": 0}, run())
	assert.Equal(t, "C2", s.Associations("invoices")[0].ObjectID)
}

func TestDanglingReportsOnlyKindsWithRows(t *testing.T) {
	s := store.NewMemoryStore()
	_, err := s.AddAssociation("invoices", models.Association{TenantID: "T1", ObjectID: "C1"})
	require.NoError(t, err)
	_, err = s.AddAssociation("invoices", models.Association{TenantID: "T1", ObjectID: "C1"})
	require.NoError(t, err)
	// Other tenant and other object type do not count.
	_, err = s.AddAssociation("payment_methods", models.Association{TenantID: "T2", ObjectID: "C1"})
	require.NoError(t, err)
	_, err = s.AddAssociation("payment_methods", models.Association{TenantID: "T1", ObjectType: "COMPANY", ObjectID: "C1"})
	require.NoError(t, err)

	r, err := DefaultRegistry()
	require.NoError(t, err)

	err = s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		left, err := r.Dangling(ctx, tx, "T1", "C1")
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"invoices": 2}, left)

		_, err = r.RepointAll(ctx, tx, "T1", "C1", "C2")
		require.NoError(t, err)

		left, err = r.Dangling(ctx, tx, "T1", "C1")
		require.NoError(t, err)
		assert.Empty(t, left)
		return nil
	})
	require.NoError(t, err)
}
