// Package associations tracks which tables reference clients by external contact id
// and rewrites those references when contacts merge.
package associations

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/PratikDhanave/crm-client-sync/internal/models"
	"github.com/PratikDhanave/crm-client-sync/internal/store"
)

// Kind is one association table.
type Kind struct {
	Name       string
	Table      string
	ObjectType string
}

// Repointer is the part of store.Tx used to rewrite references.
type Repointer interface {
	RepointAssociations(ctx context.Context, table, tenantID, objectType, oldID, newID string) (int64, error)
}

// Lister is the part of store.Tx used to read references back.
type Lister interface {
	ListAssociations(ctx context.Context, table, tenantID, objectType, objectID string) ([]models.Association, error)
}

// Registry is an ordered set of association kinds. Kinds are repointed in
// registration order.
type Registry struct {
	mu    sync.RWMutex
	kinds []Kind
}

// DefaultKinds are the tables the billing services keep contact references in.
func DefaultKinds() []Kind {
	return []Kind{
		{Name: "payment_methods", Table: "payment_methods", ObjectType: models.ObjectTypeContact},
		{Name: "invoices", Table: "invoices", ObjectType: models.ObjectTypeContact},
	}
}

func NewRegistry(kinds ...Kind) (*Registry, error) {
	r := &Registry{}
	for _, k := range kinds {
		if err := r.Register(k); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// DefaultRegistry returns a registry holding DefaultKinds plus one CONTACT kind per
// extra table name.
func DefaultRegistry(extraTables ...string) (*Registry, error) {
	kinds := DefaultKinds()
	for _, table := range extraTables {
		table = strings.TrimSpace(table)
		if table == "" {
			continue
		}
		kinds = append(kinds, Kind{Name: table, Table: table, ObjectType: models.ObjectTypeContact})
	}
	return NewRegistry(kinds...)
}

// Register adds k. Registering a name twice is an error.
func (r *Registry) Register(k Kind) error {
	if k.Table == "" {
		return fmt.Errorf("association kind %q: table is required", k.Name)
	}
	if !store.ValidTableName(k.Table) {
		return fmt.Errorf("association kind %q: invalid table name %q", k.Name, k.Table)
	}
	if k.Name == "" {
		k.Name = k.Table
	}
	if k.ObjectType == "" {
		k.ObjectType = models.ObjectTypeContact
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.kinds {
		if existing.Name == k.Name {
			return fmt.Errorf("association kind %q already registered", k.Name)
		}
	}
	r.kinds = append(r.kinds, k)
	return nil
}

func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Kind(nil), r.kinds...)
}

// RepointAll moves every registered association from oldID to newID and reports
// the rows changed per kind name. Running it again changes nothing.
func (r *Registry) RepointAll(ctx context.Context, tx Repointer, tenantID, oldID, newID string) (map[string]int64, error) {
	counts := make(map[string]int64)
	for _, k := range r.Kinds() {
		n, err := tx.RepointAssociations(ctx, k.Table, tenantID, k.ObjectType, oldID, newID)
		if err != nil {
			return nil, fmt.Errorf("repoint %s: %w", k.Name, err)
		}
		counts[k.Name] = n
	}
	return counts, nil
}

// Dangling reports, per kind name, the rows that still reference contactID.
// Kinds with no such rows are left out, so an empty map means none remain.
func (r *Registry) Dangling(ctx context.Context, tx Lister, tenantID, contactID string) (map[string]int, error) {
	left := make(map[string]int)
	for _, k := range r.Kinds() {
		rows, err := tx.ListAssociations(ctx, k.Table, tenantID, k.ObjectType, contactID)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", k.Name, err)
		}
		if len(rows) > 0 {
			left[k.Name] = len(rows)
		}
	}
	return left, nil
}
