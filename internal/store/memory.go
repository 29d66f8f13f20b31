package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PratikDhanave/crm-client-sync/internal/models"
)

// MemoryStore keeps all state in process. Transactions are serialized and work on
// a cloned copy that replaces the live state only when fn succeeds.
type MemoryStore struct {
	mu     sync.Mutex
	state  *memState
	nextID int64
}

type memState struct {
	clients       map[uuid.UUID]models.Client
	associations  map[string][]models.Association
	installations map[string]string
	tokens        map[string][]models.Credential
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			clients:       map[uuid.UUID]models.Client{},
			associations:  map[string][]models.Association{},
			installations: map[string]string{},
			tokens:        map[string][]models.Credential{},
		},
	}
}

func (s *memState) clone() *memState {
	out := &memState{
		clients:       make(map[uuid.UUID]models.Client, len(s.clients)),
		associations:  make(map[string][]models.Association, len(s.associations)),
		installations: make(map[string]string, len(s.installations)),
		tokens:        make(map[string][]models.Credential, len(s.tokens)),
	}
	for k, v := range s.clients {
		out.clients[k] = v
	}
	for k, v := range s.associations {
		out.associations[k] = append([]models.Association(nil), v...)
	}
	for k, v := range s.installations {
		out.installations[k] = v
	}
	for k, v := range s.tokens {
		out.tokens[k] = append([]models.Credential(nil), v...)
	}
	return out
}

func (m *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	work := m.state.clone()
	if err := fn(ctx, &memTx{state: work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

func (m *MemoryStore) OrgIDForTenant(_ context.Context, tenantID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{state: m.state}).orgID(tenantID)
}

func (m *MemoryStore) LinkInstallation(_ context.Context, tenantID, orgID string) error {
	if tenantID == "" || orgID == "" {
		return errors.New("tenantID/orgID required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.installations[tenantID] = orgID
	return nil
}

func (m *MemoryStore) LatestToken(_ context.Context, tenantID string) (models.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tokens := m.state.tokens[tenantID]
	if len(tokens) == 0 {
		return models.Credential{}, ErrNotFound
	}
	return tokens[len(tokens)-1], nil
}

func (m *MemoryStore) SaveToken(_ context.Context, cred models.Credential) error {
	if cred.TenantID == "" || cred.AccessToken == "" {
		return errors.New("tenantID/accessToken required")
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.tokens[cred.TenantID] = append(m.state.tokens[cred.TenantID], cred)
	return nil
}

// AddAssociation inserts an association row and returns its id. Association rows
// belong to other services in production; this seeds them for local runs and tests.
func (m *MemoryStore) AddAssociation(table string, a models.Association) (int64, error) {
	if !ValidTableName(table) {
		return 0, fmt.Errorf("invalid association table %q", table)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	a.ID = m.nextID
	if a.ObjectType == "" {
		a.ObjectType = models.ObjectTypeContact
	}
	m.state.associations[table] = append(m.state.associations[table], a)
	return a.ID, nil
}

// Clients returns a snapshot of every stored client ordered by contact id.
func (m *MemoryStore) Clients() []models.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Client, 0, len(m.state.clients))
	for _, c := range m.state.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].ContactID < out[j].ContactID
	})
	return out
}

// Associations returns a snapshot of one association table.
func (m *MemoryStore) Associations(table string) []models.Association {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Association(nil), m.state.associations[table]...)
}

func (m *MemoryStore) EnsureSchema(context.Context) error { return nil }
func (m *MemoryStore) Ping(context.Context) error         { return nil }
func (m *MemoryStore) Close()                             {}

type memTx struct {
	state *memState
}

func (t *memTx) orgID(tenantID string) (string, error) {
	orgID, ok := t.state.installations[tenantID]
	if !ok {
		return "", ErrNotFound
	}
	return orgID, nil
}

func (t *memTx) OrgIDForTenant(_ context.Context, tenantID string) (string, error) {
	return t.orgID(tenantID)
}

func (t *memTx) find(tenantID, contactID string) (models.Client, bool) {
	for _, c := range t.state.clients {
		if c.ExternalSystem == models.ExternalSystemHubSpot && c.TenantID == tenantID && c.ContactID == contactID {
			return c, true
		}
	}
	return models.Client{}, false
}

func (t *memTx) FindClient(_ context.Context, tenantID, contactID string) (models.Client, error) {
	c, ok := t.find(tenantID, contactID)
	if !ok {
		return models.Client{}, ErrNotFound
	}
	return c, nil
}

func (t *memTx) LockClients(_ context.Context, tenantID string, contactIDs ...string) (map[string]models.Client, error) {
	out := make(map[string]models.Client, len(contactIDs))
	for _, id := range contactIDs {
		if c, ok := t.find(tenantID, id); ok {
			out[id] = c
		}
	}
	return out, nil
}

func (t *memTx) UpsertClient(_ context.Context, in ClientUpsert, now time.Time) (models.Client, bool, error) {
	if in.TenantID == "" || in.ContactID == "" {
		return models.Client{}, false, errors.New("tenantID/contactID required")
	}
	existing, ok := t.find(in.TenantID, in.ContactID)
	if ok {
		updated := in.Fields.Apply(existing)
		updated.OrgID = in.Fields.OrgID
		updated.UpdatedAt = now
		t.state.clients[updated.ID] = updated
		return updated, false, nil
	}
	c := in.Fields.Apply(models.Client{
		ID:             uuid.New(),
		ExternalSystem: models.ExternalSystemHubSpot,
		TenantID:       in.TenantID,
		ContactID:      in.ContactID,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	c.OrgID = in.Fields.OrgID
	t.state.clients[c.ID] = c
	return c, true, nil
}

func (t *memTx) UpdateClient(_ context.Context, c models.Client) error {
	current, ok := t.state.clients[c.ID]
	if !ok {
		return ErrNotFound
	}
	if other, taken := t.find(current.TenantID, c.ContactID); taken && other.ID != c.ID {
		return fmt.Errorf("%w: contact %s already linked to client %s", ErrConflict, c.ContactID, other.ID)
	}
	current.Email = c.Email
	current.FirstName = c.FirstName
	current.LastName = c.LastName
	current.OrgID = c.OrgID
	current.ContactID = c.ContactID
	current.UpdatedAt = c.UpdatedAt
	t.state.clients[c.ID] = current
	return nil
}

func (t *memTx) DeleteClient(_ context.Context, tenantID, contactID string) (int64, error) {
	c, ok := t.find(tenantID, contactID)
	if !ok {
		return 0, nil
	}
	delete(t.state.clients, c.ID)
	return 1, nil
}

func (t *memTx) DeleteClientByID(_ context.Context, id uuid.UUID) error {
	delete(t.state.clients, id)
	return nil
}

func (t *memTx) RepointAssociations(_ context.Context, table, tenantID, objectType, oldID, newID string) (int64, error) {
	if !ValidTableName(table) {
		return 0, fmt.Errorf("invalid association table %q", table)
	}
	rows := t.state.associations[table]
	var changed int64
	for i := range rows {
		if rows[i].TenantID == tenantID && rows[i].ObjectType == objectType && rows[i].ObjectID == oldID {
			rows[i].ObjectID = newID
			changed++
		}
	}
	return changed, nil
}

func (t *memTx) ListAssociations(_ context.Context, table, tenantID, objectType, objectID string) ([]models.Association, error) {
	if !ValidTableName(table) {
		return nil, fmt.Errorf("invalid association table %q", table)
	}
	var out []models.Association
	for _, a := range t.state.associations[table] {
		if a.TenantID == tenantID && a.ObjectType == objectType && a.ObjectID == objectID {
			out = append(out, a)
		}
	}
	return out, nil
}
