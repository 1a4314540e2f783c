package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/leadflow/internal/db"
	"github.com/sells-group/leadflow/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// the hot paths of the sync loop and ingestion.
var preparedStatements = map[string]string{
	"upsert_lead":      pgUpsertLead,
	"get_lead":         pgGetLead,
	"list_pending":     pgListPendingSync,
	"mark_synced":      pgMarkSynced,
	"mark_sync_failed": pgMarkSyncFailed,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS leads (
	identity      TEXT PRIMARY KEY,
	display_name  TEXT NOT NULL,
	country       TEXT,
	probability   DOUBLE PRECISION,
	status        TEXT NOT NULL,
	sync_state    TEXT NOT NULL DEFAULT 'pending',
	sync_attempts INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_leads_status ON leads(status);
CREATE INDEX IF NOT EXISTS idx_leads_pending_sync ON leads(status, sync_state);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const pgUpsertLead = `
INSERT INTO leads (identity, display_name, country, probability, status, sync_state, sync_attempts, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, 'pending', 0, $6, $6)
ON CONFLICT (identity) DO UPDATE SET
	display_name  = EXCLUDED.display_name,
	country       = EXCLUDED.country,
	probability   = EXCLUDED.probability,
	status        = EXCLUDED.status,
	sync_state    = 'pending',
	sync_attempts = 0,
	updated_at    = EXCLUDED.updated_at
RETURNING identity, display_name, country, probability, status, sync_state, sync_attempts, created_at, updated_at`

func (s *PostgresStore) UpsertLead(ctx context.Context, p UpsertParams) (*model.Lead, error) {
	row := s.pool.QueryRow(ctx, pgUpsertLead,
		p.Identity, p.DisplayName, p.Country, p.Probability, string(p.Status), time.Now().UTC(),
	)
	l, err := scanPgLead(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: upsert lead %s", p.Identity)
	}
	return l, nil
}

const pgGetLead = `
SELECT identity, display_name, country, probability, status, sync_state, sync_attempts, created_at, updated_at
FROM leads WHERE identity = $1`

// GetLead fetches a single lead by identity. Returns nil when absent.
func (s *PostgresStore) GetLead(ctx context.Context, identity string) (*model.Lead, error) {
	l, err := scanPgLead(s.pool.QueryRow(ctx, pgGetLead, identity))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get lead %s", identity)
	}
	return l, nil
}

func (s *PostgresStore) ListLeads(ctx context.Context, filter LeadFilter) ([]model.Lead, error) {
	query := `SELECT identity, display_name, country, probability, status, sync_state, sync_attempts, created_at, updated_at
		FROM leads WHERE 1=1`
	var args []any

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += ` AND status = $1`
	}
	if filter.SyncState != "" {
		args = append(args, string(filter.SyncState))
		query += ` AND sync_state = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += ` LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list leads")
	}
	defer rows.Close()

	return collectLeads(rows)
}

const pgListPendingSync = `
SELECT identity, display_name, country, probability, status, sync_state, sync_attempts, created_at, updated_at
FROM leads WHERE status = $1 AND sync_state = $2
ORDER BY updated_at ASC LIMIT $3`

func (s *PostgresStore) ListPendingSync(ctx context.Context, limit int) ([]model.Lead, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, pgListPendingSync,
		string(model.StatusVerified), string(model.SyncPending), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list pending sync")
	}
	defer rows.Close()

	return collectLeads(rows)
}

const pgMarkSynced = `
UPDATE leads SET sync_state = $1, updated_at = $2 WHERE identity = $3 AND sync_state = $4`

func (s *PostgresStore) MarkSynced(ctx context.Context, identity string) error {
	tag, err := s.pool.Exec(ctx, pgMarkSynced,
		string(model.SyncSynced), time.Now().UTC(), identity, string(model.SyncPending),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark synced %s", identity)
	}
	return checkTag(tag, "pending lead", identity)
}

const pgMarkSyncFailed = `
UPDATE leads SET
	sync_attempts = sync_attempts + 1,
	sync_state    = CASE WHEN sync_attempts + 1 >= $1 THEN $2 ELSE $3 END,
	updated_at    = $4
WHERE identity = $5 AND sync_state = $3`

func (s *PostgresStore) MarkSyncFailed(ctx context.Context, identity string, maxAttempts int) error {
	tag, err := s.pool.Exec(ctx, pgMarkSyncFailed,
		maxAttempts, string(model.SyncFailed), string(model.SyncPending),
		time.Now().UTC(), identity,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark sync failed %s", identity)
	}
	return checkTag(tag, "pending lead", identity)
}

// helpers

func checkTag(tag pgconn.CommandTag, entity, id string) error {
	if tag.RowsAffected() == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

func scanPgLead(row pgx.Row) (*model.Lead, error) {
	var l model.Lead
	err := row.Scan(&l.Identity, &l.DisplayName, &l.Country, &l.Probability,
		&l.Status, &l.SyncState, &l.SyncAttempts, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func collectLeads(rows pgx.Rows) ([]model.Lead, error) {
	var leads []model.Lead
	for rows.Next() {
		l, err := scanPgLead(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan lead")
		}
		leads = append(leads, *l)
	}
	return leads, eris.Wrap(rows.Err(), "postgres: iterate leads")
}