// Package sqlite implements tabula.SessionStore using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/CopeeeTang/tabula"
	"github.com/CopeeeTang/tabula/store/internal/entrycodec"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing and entry counts. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements tabula.SessionStore backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ tabula.SessionStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// All goroutines share one connection (SetMaxOpenConns(1)) so concurrent
// saves serialize instead of failing with SQLITE_BUSY.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates the sessions and entries tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			dataset_path TEXT NOT NULL,
			dataset TEXT NOT NULL,
			policy TEXT NOT NULL,
			next_index INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			session_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			kind TEXT NOT NULL,
			first_turn INTEGER NOT NULL,
			last_turn INTEGER NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (session_id, position)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at)`,
	}
	for _, ddl := range stmts {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// SaveSession replaces the session row and all of its entries in one
// transaction.
func (s *Store) SaveSession(ctx context.Context, rec tabula.SessionRecord) error {
	start := time.Now()
	s.logger.Debug("sqlite: save session", "id", rec.ID, "entries", len(rec.Entries))

	dataset, err := json.Marshal(rec.Dataset)
	if err != nil {
		return fmt.Errorf("encode dataset: %w", err)
	}
	policy, err := json.Marshal(rec.Policy)
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, dataset_path, dataset, policy, next_index, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			dataset_path = excluded.dataset_path,
			dataset = excluded.dataset,
			policy = excluded.policy,
			next_index = excluded.next_index,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`,
		rec.ID, rec.Dataset.Path, string(dataset), string(policy), rec.NextIndex,
		rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli())
	if err != nil {
		s.logger.Error("sqlite: upsert session failed", "id", rec.ID, "error", err)
		return fmt.Errorf("upsert session: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE session_id = ?`, rec.ID); err != nil {
		return fmt.Errorf("clear entries: %w", err)
	}
	for i, e := range rec.Entries {
		row, err := entrycodec.Encode(e)
		if err != nil {
			return fmt.Errorf("session %s entry %d: %w", rec.ID, i, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO entries (session_id, position, kind, first_turn, last_turn, payload)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			rec.ID, i, row.Kind, row.FirstTurn, row.LastTurn, string(row.Payload))
		if err != nil {
			s.logger.Error("sqlite: insert entry failed", "id", rec.ID, "position", i, "error", err)
			return fmt.Errorf("insert entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		s.logger.Error("sqlite: save session commit failed", "id", rec.ID, "error", err)
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("sqlite: save session ok", "id", rec.ID, "duration", time.Since(start))
	return nil
}

// LoadSession returns the stored record, or tabula.ErrSessionNotFound.
func (s *Store) LoadSession(ctx context.Context, id string) (tabula.SessionRecord, error) {
	start := time.Now()
	s.logger.Debug("sqlite: load session", "id", id)

	var (
		rec              tabula.SessionRecord
		dataset, policy  string
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, dataset, policy, next_index, created_at, updated_at FROM sessions WHERE id = ?`, id,
	).Scan(&rec.ID, &dataset, &policy, &rec.NextIndex, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return tabula.SessionRecord{}, fmt.Errorf("load session %s: %w", id, tabula.ErrSessionNotFound)
	}
	if err != nil {
		s.logger.Error("sqlite: load session failed", "id", id, "error", err)
		return tabula.SessionRecord{}, fmt.Errorf("load session: %w", err)
	}
	if err := json.Unmarshal([]byte(dataset), &rec.Dataset); err != nil {
		return tabula.SessionRecord{}, fmt.Errorf("decode dataset: %w", err)
	}
	if err := json.Unmarshal([]byte(policy), &rec.Policy); err != nil {
		return tabula.SessionRecord{}, fmt.Errorf("decode policy: %w", err)
	}
	rec.CreatedAt = time.UnixMilli(created).UTC()
	rec.UpdatedAt = time.UnixMilli(updated).UTC()

	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, first_turn, last_turn, payload FROM entries WHERE session_id = ? ORDER BY position`, id)
	if err != nil {
		return tabula.SessionRecord{}, fmt.Errorf("load entries: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			row     entrycodec.Row
			payload string
		)
		if err := rows.Scan(&row.Kind, &row.FirstTurn, &row.LastTurn, &payload); err != nil {
			return tabula.SessionRecord{}, fmt.Errorf("scan entry: %w", err)
		}
		row.Payload = []byte(payload)
		e, err := entrycodec.Decode(row)
		if err != nil {
			return tabula.SessionRecord{}, err
		}
		rec.Entries = append(rec.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return tabula.SessionRecord{}, fmt.Errorf("load entries: %w", err)
	}
	s.logger.Debug("sqlite: load session ok", "id", id, "entries", len(rec.Entries), "duration", time.Since(start))
	return rec, nil
}

// ListSessions returns sessions most recently updated first. A limit of zero
// or less returns all of them.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]tabula.SessionInfo, error) {
	start := time.Now()
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.dataset_path, s.created_at, s.updated_at,
			(SELECT COUNT(*) FROM entries e WHERE e.session_id = s.id)
		 FROM sessions s
		 ORDER BY s.updated_at DESC, s.id
		 LIMIT ?`, limit)
	if err != nil {
		s.logger.Error("sqlite: list sessions failed", "error", err)
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []tabula.SessionInfo
	for rows.Next() {
		var (
			info             tabula.SessionInfo
			created, updated int64
		)
		if err := rows.Scan(&info.ID, &info.DatasetPath, &created, &updated, &info.Entries); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		info.CreatedAt = time.UnixMilli(created).UTC()
		info.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	s.logger.Debug("sqlite: list sessions ok", "count", len(out), "duration", time.Since(start))
	return out, nil
}

// DeleteSession removes a session and its entries. Unknown IDs are not an error.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete entries: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("sqlite: delete session ok", "id", id, "duration", time.Since(start))
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
