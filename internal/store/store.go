package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PratikDhanave/crm-client-sync/internal/models"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict marks failures that a fresh transaction may not hit again:
	// serialization failures, deadlocks and unique violations.
	ErrConflict = errors.New("store: conflict")
)

// ClientUpsert is the input of Tx.UpsertClient.
type ClientUpsert struct {
	TenantID  string
	ContactID string
	Fields    models.ClientFields
}

// Tx is the set of operations available inside one store transaction.
type Tx interface {
	// OrgIDForTenant returns the organization a portal was installed into.
	OrgIDForTenant(ctx context.Context, tenantID string) (string, error)

	FindClient(ctx context.Context, tenantID, contactID string) (models.Client, error)
	// LockClients returns the clients matching contactIDs keyed by contact id and holds
	// a row lock on each until the transaction ends.
	LockClients(ctx context.Context, tenantID string, contactIDs ...string) (map[string]models.Client, error)
	// UpsertClient inserts or updates the client in one conditional write.
	// created reports whether a new row was inserted.
	UpsertClient(ctx context.Context, in ClientUpsert, now time.Time) (c models.Client, created bool, err error)
	// UpdateClient rewrites mutable fields, the contact id and updated_at of the row with c.ID.
	UpdateClient(ctx context.Context, c models.Client) error
	DeleteClient(ctx context.Context, tenantID, contactID string) (int64, error)
	DeleteClientByID(ctx context.Context, id uuid.UUID) error

	// RepointAssociations rewrites associated_object_id from oldID to newID in table.
	RepointAssociations(ctx context.Context, table, tenantID, objectType, oldID, newID string) (int64, error)
	ListAssociations(ctx context.Context, table, tenantID, objectType, objectID string) ([]models.Association, error)
}

// Store is the durable state shared by all batches.
type Store interface {
	// InTx runs fn in one transaction. fn's error rolls everything back and is returned.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	OrgIDForTenant(ctx context.Context, tenantID string) (string, error)
	LinkInstallation(ctx context.Context, tenantID, orgID string) error

	LatestToken(ctx context.Context, tenantID string) (models.Credential, error)
	SaveToken(ctx context.Context, cred models.Credential) error

	EnsureSchema(ctx context.Context) error
	Ping(ctx context.Context) error
	Close()
}

// Open picks a store implementation from the DSN scheme.
// memory:// keeps everything in process; postgres:// and postgresql:// use pgx.
func Open(ctx context.Context, dsn string, logger *zap.Logger) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("store: empty DSN")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse DSN: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory", "mem", "inmem":
		logger.Warn("using in-memory store, data is lost on restart")
		return NewMemoryStore(), nil
	case "postgres", "postgresql":
		return NewPostgresStore(ctx, dsn, logger)
	default:
		return nil, fmt.Errorf("store: unsupported DSN scheme %q", parsed.Scheme)
	}
}

var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// ValidTableName reports whether name is safe to splice into SQL as a table name.
func ValidTableName(name string) bool {
	return identifierPattern.MatchString(name)
}
