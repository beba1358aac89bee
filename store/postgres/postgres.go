// Package postgres implements tabula.SessionStore on PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/CopeeeTang/tabula"
	"github.com/CopeeeTang/tabula/store/internal/entrycodec"
)

// Store implements tabula.SessionStore backed by PostgreSQL. Dataset,
// policy and entry payloads are kept as JSONB.
type Store struct {
	pool   *pgxpool.Pool
	prefix string
	logger *slog.Logger
}

// Option configures a PostgreSQL Store.
type Option func(*Store)

// WithTablePrefix prefixes the sessions and entries table names, so several
// deployments can share one database. Default: "tabula_".
func WithTablePrefix(p string) Option {
	return func(s *Store) { s.prefix = p }
}

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

var _ tabula.SessionStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, prefix: "tabula_", logger: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) sessions() string { return s.prefix + "sessions" }
func (s *Store) entries() string  { return s.prefix + "entries" }

// Init creates the tables and indexes. Safe to call multiple times.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			dataset_path TEXT NOT NULL,
			dataset JSONB NOT NULL,
			policy JSONB NOT NULL,
			next_index INTEGER NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`, s.sessions()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			session_id TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			kind TEXT NOT NULL,
			first_turn INTEGER NOT NULL,
			last_turn INTEGER NOT NULL,
			payload JSONB NOT NULL,
			PRIMARY KEY (session_id, position)
		)`, s.entries(), s.sessions()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_updated_idx ON %s(updated_at DESC)`, s.sessions(), s.sessions()),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// SaveSession upserts the session row and replaces its entries in one
// transaction. Entries are sent as a single batch.
func (s *Store) SaveSession(ctx context.Context, rec tabula.SessionRecord) error {
	start := time.Now()
	dataset, err := json.Marshal(rec.Dataset)
	if err != nil {
		return fmt.Errorf("postgres: encode dataset: %w", err)
	}
	policy, err := json.Marshal(rec.Policy)
	if err != nil {
		return fmt.Errorf("postgres: encode policy: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, dataset_path, dataset, policy, next_index, created_at, updated_at)
		 VALUES ($1, $2, $3::jsonb, $4::jsonb, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   dataset_path = EXCLUDED.dataset_path,
		   dataset = EXCLUDED.dataset,
		   policy = EXCLUDED.policy,
		   next_index = EXCLUDED.next_index,
		   created_at = EXCLUDED.created_at,
		   updated_at = EXCLUDED.updated_at`, s.sessions()),
		rec.ID, rec.Dataset.Path, string(dataset), string(policy), rec.NextIndex,
		rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("postgres: upsert session: %w", err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE session_id = $1`, s.entries()), rec.ID); err != nil {
		return fmt.Errorf("postgres: clear entries: %w", err)
	}

	if len(rec.Entries) > 0 {
		batch := &pgx.Batch{}
		insert := fmt.Sprintf(
			`INSERT INTO %s (session_id, position, kind, first_turn, last_turn, payload)
			 VALUES ($1, $2, $3, $4, $5, $6::jsonb)`, s.entries())
		for i, e := range rec.Entries {
			row, err := entrycodec.Encode(e)
			if err != nil {
				return fmt.Errorf("postgres: session %s entry %d: %w", rec.ID, i, err)
			}
			batch.Queue(insert, rec.ID, i, row.Kind, row.FirstTurn, row.LastTurn, string(row.Payload))
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("postgres: insert entries: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	s.logger.Debug("postgres: save session ok", "id", rec.ID, "entries", len(rec.Entries), "duration", time.Since(start))
	return nil
}

// LoadSession returns the stored record, or tabula.ErrSessionNotFound.
func (s *Store) LoadSession(ctx context.Context, id string) (tabula.SessionRecord, error) {
	var (
		rec              tabula.SessionRecord
		dataset, policy  []byte
		created, updated int64
	)
	err := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT id, dataset, policy, next_index, created_at, updated_at FROM %s WHERE id = $1`, s.sessions()), id,
	).Scan(&rec.ID, &dataset, &policy, &rec.NextIndex, &created, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return tabula.SessionRecord{}, fmt.Errorf("postgres: load session %s: %w", id, tabula.ErrSessionNotFound)
	}
	if err != nil {
		return tabula.SessionRecord{}, fmt.Errorf("postgres: load session: %w", err)
	}
	if err := json.Unmarshal(dataset, &rec.Dataset); err != nil {
		return tabula.SessionRecord{}, fmt.Errorf("postgres: decode dataset: %w", err)
	}
	if err := json.Unmarshal(policy, &rec.Policy); err != nil {
		return tabula.SessionRecord{}, fmt.Errorf("postgres: decode policy: %w", err)
	}
	rec.CreatedAt = time.UnixMilli(created).UTC()
	rec.UpdatedAt = time.UnixMilli(updated).UTC()

	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT kind, first_turn, last_turn, payload FROM %s WHERE session_id = $1 ORDER BY position`, s.entries()), id)
	if err != nil {
		return tabula.SessionRecord{}, fmt.Errorf("postgres: load entries: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var row entrycodec.Row
		if err := rows.Scan(&row.Kind, &row.FirstTurn, &row.LastTurn, &row.Payload); err != nil {
			return tabula.SessionRecord{}, fmt.Errorf("postgres: scan entry: %w", err)
		}
		e, err := entrycodec.Decode(row)
		if err != nil {
			return tabula.SessionRecord{}, fmt.Errorf("postgres: %w", err)
		}
		rec.Entries = append(rec.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return tabula.SessionRecord{}, fmt.Errorf("postgres: load entries: %w", err)
	}
	return rec, nil
}

// ListSessions returns sessions most recently updated first. A limit of zero
// or less returns all of them.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]tabula.SessionInfo, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT s.id, s.dataset_path, s.created_at, s.updated_at,
		   (SELECT COUNT(*) FROM %s e WHERE e.session_id = s.id)
		 FROM %s s
		 ORDER BY s.updated_at DESC, s.id
		 LIMIT $1`, s.entries(), s.sessions()), lim)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sessions: %w", err)
	}
	defer rows.Close()

	var out []tabula.SessionInfo
	for rows.Next() {
		var (
			info             tabula.SessionInfo
			created, updated int64
			count            int64
		)
		if err := rows.Scan(&info.ID, &info.DatasetPath, &created, &updated, &count); err != nil {
			return nil, fmt.Errorf("postgres: scan session: %w", err)
		}
		info.CreatedAt = time.UnixMilli(created).UTC()
		info.UpdatedAt = time.UnixMilli(updated).UTC()
		info.Entries = int(count)
		out = append(out, info)
	}
	return out, rows.Err()
}

// DeleteSession removes a session; its entries go with it via ON DELETE
// CASCADE. Unknown IDs are not an error.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.sessions()), id); err != nil {
		return fmt.Errorf("postgres: delete session: %w", err)
	}
	return nil
}

// Close is a no-op. The caller owns the pool and manages its lifecycle.
func (s *Store) Close() error {
	return nil
}
