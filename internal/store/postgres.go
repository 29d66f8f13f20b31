package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/PratikDhanave/crm-client-sync/internal/models"
)

// schemaSQL is embedded so the service can self-bootstrap its database schema.
//
//go:embed schema.sql
var schemaSQL string

// Postgres error codes that a retried transaction can get past.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
)

const clientColumns = `id, email, first_name, last_name, org_id, external_system,
	external_tenant_id, external_contact_id, created_at, updated_at`

// querier is the subset shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore is the durable persistence layer for clients, associations and tokens.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a connection pool and fails fast if DB is unreachable.
func NewPostgresStore(ctx context.Context, dbURL string, logger *zap.Logger) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("database connection established",
		zap.String("host", pool.Config().ConnConfig.Host),
		zap.String("database", pool.Config().ConnConfig.Database),
	)
	return &PostgresStore{pool: pool, logger: logger}, nil
}

// EnsureSchema applies schema.sql. Safe to run multiple times.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, schemaSQL)
	return err
}

// Ping is used by readiness endpoint to validate DB connectivity.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (p *PostgresStore) Close() {
	p.pool.Close()
}

// InTx runs fn inside a read-committed transaction. Rows that fn reads for a
// later write are locked explicitly (LockClients), so read committed is enough.
func (p *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	err := pgx.BeginTxFunc(ctx, p.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(t pgx.Tx) error {
		return fn(ctx, &pgTx{q: t})
	})
	return classify(err)
}

func (p *PostgresStore) OrgIDForTenant(ctx context.Context, tenantID string) (string, error) {
	orgID, err := orgIDForTenant(ctx, p.pool, tenantID)
	return orgID, classify(err)
}

// LinkInstallation records (or moves) the organization a portal belongs to.
func (p *PostgresStore) LinkInstallation(ctx context.Context, tenantID, orgID string) error {
	if tenantID == "" || orgID == "" {
		return errors.New("tenantID/orgID required")
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO org_application_links(hubspot_portal_id, org_id)
		VALUES ($1, $2)
		ON CONFLICT (hubspot_portal_id) DO UPDATE SET org_id = EXCLUDED.org_id
	`, tenantID, orgID)
	return classify(err)
}

// LatestToken returns the most recently stored credential for the portal.
func (p *PostgresStore) LatestToken(ctx context.Context, tenantID string) (models.Credential, error) {
	var (
		cred      models.Credential
		expiresAt *time.Time
	)
	err := p.pool.QueryRow(ctx, `
		SELECT portal_id, access_token, refresh_token, token_type, expires_at, created_at
		FROM hubspot_tokens
		WHERE portal_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, tenantID).Scan(&cred.TenantID, &cred.AccessToken, &cred.RefreshToken, &cred.TokenType, &expiresAt, &cred.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Credential{}, ErrNotFound
	}
	if err != nil {
		return models.Credential{}, classify(err)
	}
	if expiresAt != nil {
		cred.ExpiresAt = *expiresAt
	}
	return cred, nil
}

// SaveToken appends a credential; the newest row wins on read.
func (p *PostgresStore) SaveToken(ctx context.Context, cred models.Credential) error {
	if cred.TenantID == "" || cred.AccessToken == "" {
		return errors.New("tenantID/accessToken required")
	}
	var expiresAt *time.Time
	if !cred.ExpiresAt.IsZero() {
		expiresAt = &cred.ExpiresAt
	}
	createdAt := cred.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO hubspot_tokens(portal_id, access_token, refresh_token, token_type, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, cred.TenantID, cred.AccessToken, cred.RefreshToken, cred.TokenType, expiresAt, createdAt)
	return classify(err)
}

var _ Store = (*PostgresStore)(nil)

// pgTx implements Tx on top of a pgx transaction.
type pgTx struct {
	q querier
}

func (t *pgTx) OrgIDForTenant(ctx context.Context, tenantID string) (string, error) {
	return orgIDForTenant(ctx, t.q, tenantID)
}

func (t *pgTx) FindClient(ctx context.Context, tenantID, contactID string) (models.Client, error) {
	row := t.q.QueryRow(ctx, `
		SELECT `+clientColumns+`
		FROM clients
		WHERE external_system = $1 AND external_tenant_id = $2 AND external_contact_id = $3
	`, models.ExternalSystemHubSpot, tenantID, contactID)
	c, err := scanClient(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Client{}, ErrNotFound
	}
	return c, err
}

// LockClients locks in contact id order so two merges touching the same pair
// cannot deadlock each other.
func (t *pgTx) LockClients(ctx context.Context, tenantID string, contactIDs ...string) (map[string]models.Client, error) {
	rows, err := t.q.Query(ctx, `
		SELECT `+clientColumns+`
		FROM clients
		WHERE external_system = $1 AND external_tenant_id = $2 AND external_contact_id = ANY($3)
		ORDER BY external_contact_id
		FOR UPDATE
	`, models.ExternalSystemHubSpot, tenantID, contactIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]models.Client, len(contactIDs))
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out[c.ContactID] = c
	}
	return out, rows.Err()
}

// UpsertClient relies on the unique identity constraint so concurrent first
// deliveries of the same contact collapse into one row.
// xmax = 0 only holds for a freshly inserted tuple.
func (t *pgTx) UpsertClient(ctx context.Context, in ClientUpsert, now time.Time) (models.Client, bool, error) {
	if in.TenantID == "" || in.ContactID == "" {
		return models.Client{}, false, errors.New("tenantID/contactID required")
	}
	var created bool
	var c models.Client
	err := t.q.QueryRow(ctx, `
		INSERT INTO clients (id, email, first_name, last_name, org_id, external_system,
			external_tenant_id, external_contact_id, created_at, updated_at)
		VALUES ($1, COALESCE($2::text, ''), COALESCE($3::text, ''), COALESCE($4::text, ''), $5,
			$6, $7, $8, $9, $9)
		ON CONFLICT (external_system, external_tenant_id, external_contact_id) DO UPDATE SET
			email      = COALESCE($2::text, clients.email),
			first_name = COALESCE($3::text, clients.first_name),
			last_name  = COALESCE($4::text, clients.last_name),
			org_id     = EXCLUDED.org_id,
			updated_at = EXCLUDED.updated_at
		RETURNING `+clientColumns+`, (xmax = 0)
	`,
		uuid.New(), in.Fields.Email, in.Fields.FirstName, in.Fields.LastName, in.Fields.OrgID,
		models.ExternalSystemHubSpot, in.TenantID, in.ContactID, now,
	).Scan(
		&c.ID, &c.Email, &c.FirstName, &c.LastName, &c.OrgID, &c.ExternalSystem,
		&c.TenantID, &c.ContactID, &c.CreatedAt, &c.UpdatedAt, &created,
	)
	if err != nil {
		return models.Client{}, false, err
	}
	return c, created, nil
}

func (t *pgTx) UpdateClient(ctx context.Context, c models.Client) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE clients
		SET email = $2, first_name = $3, last_name = $4, org_id = $5,
			external_contact_id = $6, updated_at = $7
		WHERE id = $1
	`, c.ID, c.Email, c.FirstName, c.LastName, c.OrgID, c.ContactID, c.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) DeleteClient(ctx context.Context, tenantID, contactID string) (int64, error) {
	tag, err := t.q.Exec(ctx, `
		DELETE FROM clients
		WHERE external_system = $1 AND external_tenant_id = $2 AND external_contact_id = $3
	`, models.ExternalSystemHubSpot, tenantID, contactID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) DeleteClientByID(ctx context.Context, id uuid.UUID) error {
	_, err := t.q.Exec(ctx, `DELETE FROM clients WHERE id = $1`, id)
	return err
}

func (t *pgTx) RepointAssociations(ctx context.Context, table, tenantID, objectType, oldID, newID string) (int64, error) {
	if !ValidTableName(table) {
		return 0, fmt.Errorf("invalid association table %q", table)
	}
	tag, err := t.q.Exec(ctx, `
		UPDATE `+pgx.Identifier{table}.Sanitize()+`
		SET associated_object_id = $1
		WHERE associated_object_id = $2
		  AND associated_object_type = $3
		  AND external_tenant_id = $4
	`, newID, oldID, objectType, tenantID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) ListAssociations(ctx context.Context, table, tenantID, objectType, objectID string) ([]models.Association, error) {
	if !ValidTableName(table) {
		return nil, fmt.Errorf("invalid association table %q", table)
	}
	rows, err := t.q.Query(ctx, `
		SELECT id, external_tenant_id, associated_object_type, associated_object_id
		FROM `+pgx.Identifier{table}.Sanitize()+`
		WHERE external_tenant_id = $1
		  AND associated_object_type = $2
		  AND associated_object_id = $3
		ORDER BY id
	`, tenantID, objectType, objectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Association
	for rows.Next() {
		var a models.Association
		if err := rows.Scan(&a.ID, &a.TenantID, &a.ObjectType, &a.ObjectID); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func orgIDForTenant(ctx context.Context, q querier, tenantID string) (string, error) {
	var orgID string
	err := q.QueryRow(ctx, `
		SELECT org_id FROM org_application_links WHERE hubspot_portal_id = $1
	`, tenantID).Scan(&orgID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return orgID, err
}

func scanClient(row pgx.Row) (models.Client, error) {
	var c models.Client
	err := row.Scan(
		&c.ID, &c.Email, &c.FirstName, &c.LastName, &c.OrgID, &c.ExternalSystem,
		&c.TenantID, &c.ContactID, &c.CreatedAt, &c.UpdatedAt,
	)
	return c, err
}

// classify tags retryable Postgres failures with ErrConflict.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgUniqueViolation:
			return fmt.Errorf("%w: %w", ErrConflict, err)
		}
	}
	return err
}
