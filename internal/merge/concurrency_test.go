package merge

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/PratikDhanave/crm-client-sync/internal/clients"
	"github.com/PratikDhanave/crm-client-sync/internal/models"
)

// Redelivered merges racing fresh upserts of the surviving contact must leave
// one client and no reference to the old id, whatever the interleaving.
func TestMerge_ConcurrentWithUpsertsOfSurvivor(t *testing.T) {
	const (
		iterations = 20
		workers    = 8
	)
	for i := 0; i < iterations; i++ {
		f := newFixture(t)
		old := f.client(t, "C1", models.ClientFields{FirstName: ptr("Ada")})
		f.association(t, "invoices", "C1")
		f.association(t, "payment_methods", "C1")
		svc := clients.NewService(f.store, zap.NewNop())

		var wg sync.WaitGroup
		errCh := make(chan error, 2*workers)
		start := make(chan struct{})
		for w := 0; w < workers; w++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				<-start
				_, err := f.rec.Merge(context.Background(), "T1", "C1", "C2")
				errCh <- err
			}()
			go func() {
				defer wg.Done()
				<-start
				_, err := svc.Upsert(context.Background(), "T1", "C2", models.ClientFields{Email: ptr("new@x.com")})
				errCh <- err
			}()
		}
		close(start)
		wg.Wait()
		close(errCh)
		for err := range errCh {
			require.NoError(t, err)
		}

		got := f.store.Clients()
		require.Len(t, got, 1, "iteration %d", i)
		assert.Equal(t, "C2", got[0].ContactID)
		assert.Equal(t, "new@x.com", got[0].Email)
		assert.Equal(t, "O1", got[0].OrgID)
		if got[0].ID == old.ID {
			assert.Equal(t, "Ada", got[0].FirstName, "a renamed client keeps its fields")
		}
		assert.Equal(t, []string{"C2"}, f.objectIDs("invoices"))
		assert.Equal(t, []string{"C2"}, f.objectIDs("payment_methods"))
	}
}
