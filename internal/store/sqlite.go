package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/leadflow/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS leads (
	identity      TEXT PRIMARY KEY,
	display_name  TEXT NOT NULL,
	country       TEXT,
	probability   REAL,
	status        TEXT NOT NULL,
	sync_state    TEXT NOT NULL DEFAULT 'pending',
	sync_attempts INTEGER NOT NULL DEFAULT 0,
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_leads_status ON leads(status);
CREATE INDEX IF NOT EXISTS idx_leads_pending_sync ON leads(status, sync_state);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteUpsertLead = `
INSERT INTO leads (identity, display_name, country, probability, status, sync_state, sync_attempts, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, 'pending', 0, ?, ?)
ON CONFLICT(identity) DO UPDATE SET
	display_name  = excluded.display_name,
	country       = excluded.country,
	probability   = excluded.probability,
	status        = excluded.status,
	sync_state    = 'pending',
	sync_attempts = 0,
	updated_at    = excluded.updated_at`

func (s *SQLiteStore) UpsertLead(ctx context.Context, p UpsertParams) (*model.Lead, error) {
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx, sqliteUpsertLead,
		p.Identity, p.DisplayName, p.Country, p.Probability, string(p.Status), now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: upsert lead %s", p.Identity)
	}

	return s.getLead(ctx, p.Identity)
}

func (s *SQLiteStore) getLead(ctx context.Context, identity string) (*model.Lead, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT identity, display_name, country, probability, status, sync_state, sync_attempts, created_at, updated_at
		 FROM leads WHERE identity = ?`,
		identity,
	)
	return scanLead(row)
}

func (s *SQLiteStore) ListLeads(ctx context.Context, filter LeadFilter) ([]model.Lead, error) {
	query := `SELECT identity, display_name, country, probability, status, sync_state, sync_attempts, created_at, updated_at
		FROM leads WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.SyncState != "" {
		query += ` AND sync_state = ?`
		args = append(args, string(filter.SyncState))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list leads")
	}
	defer rows.Close()

	var leads []model.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		leads = append(leads, *l)
	}
	return leads, eris.Wrap(rows.Err(), "sqlite: list leads iterate")
}

func (s *SQLiteStore) ListPendingSync(ctx context.Context, limit int) ([]model.Lead, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT identity, display_name, country, probability, status, sync_state, sync_attempts, created_at, updated_at
		 FROM leads WHERE status = ? AND sync_state = ?
		 ORDER BY updated_at ASC LIMIT ?`,
		string(model.StatusVerified), string(model.SyncPending), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list pending sync")
	}
	defer rows.Close()

	var leads []model.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		leads = append(leads, *l)
	}
	return leads, eris.Wrap(rows.Err(), "sqlite: list pending sync iterate")
}

func (s *SQLiteStore) MarkSynced(ctx context.Context, identity string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET sync_state = ?, updated_at = ? WHERE identity = ? AND sync_state = ?`,
		string(model.SyncSynced), time.Now().UTC(), identity, string(model.SyncPending),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark synced %s", identity)
	}
	return checkRowsAffected(res, "pending lead", identity)
}

func (s *SQLiteStore) MarkSyncFailed(ctx context.Context, identity string, maxAttempts int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET
			sync_attempts = sync_attempts + 1,
			sync_state    = CASE WHEN sync_attempts + 1 >= ? THEN ? ELSE ? END,
			updated_at    = ?
		 WHERE identity = ? AND sync_state = ?`,
		maxAttempts, string(model.SyncFailed), string(model.SyncPending),
		time.Now().UTC(), identity, string(model.SyncPending),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark sync failed %s", identity)
	}
	return checkRowsAffected(res, "pending lead", identity)
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanLead(row scannable) (*model.Lead, error) {
	var l model.Lead
	var country sql.NullString
	var probability sql.NullFloat64

	err := row.Scan(&l.Identity, &l.DisplayName, &country, &probability,
		&l.Status, &l.SyncState, &l.SyncAttempts, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.New("lead not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan lead")
	}

	if country.Valid {
		l.Country = &country.String
	}
	if probability.Valid {
		l.Probability = &probability.Float64
	}
	return &l, nil
}
