// Package file implements tabula.SessionStore as one YAML document per
// session in a directory.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/CopeeeTang/tabula"
)

const ext = ".yaml"

// Store keeps session records as <dir>/<session id>.yaml. Writes go through
// a temp file and a rename, so a crash never leaves a half-written record.
type Store struct {
	dir    string
	mu     sync.Mutex
	logger *slog.Logger
}

// Option configures a file Store.
type Option func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

var _ tabula.SessionStore = (*Store)(nil)

// New creates a Store rooted at dir. The directory is created by Init.
func New(dir string, opts ...Option) *Store {
	s := &Store{dir: dir, logger: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates the session directory.
func (s *Store) Init(_ context.Context) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("file store: create dir: %w", err)
	}
	return nil
}

func (s *Store) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("file store: invalid session id %q", id)
	}
	return filepath.Join(s.dir, id+ext), nil
}

// SaveSession writes the record, replacing any earlier version.
func (s *Store) SaveSession(ctx context.Context, rec tabula.SessionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(rec.ID)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("file store: encode session %s: %w", rec.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("file store: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("file store: write session: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("file store: sync session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("file store: close session: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("file store: rename session: %w", err)
	}
	success = true
	s.logger.Debug("file store: session saved", "id", rec.ID, "entries", len(rec.Entries), "bytes", len(data))
	return nil
}

// LoadSession returns the stored record, or tabula.ErrSessionNotFound.
func (s *Store) LoadSession(ctx context.Context, id string) (tabula.SessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return tabula.SessionRecord{}, err
	}
	path, err := s.path(id)
	if err != nil {
		return tabula.SessionRecord{}, err
	}
	rec, err := readRecord(path)
	if errors.Is(err, fs.ErrNotExist) {
		return tabula.SessionRecord{}, fmt.Errorf("file store: load session %s: %w", id, tabula.ErrSessionNotFound)
	}
	return rec, err
}

func readRecord(path string) (tabula.SessionRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tabula.SessionRecord{}, err
	}
	var rec tabula.SessionRecord
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return tabula.SessionRecord{}, fmt.Errorf("file store: decode %s: %w", filepath.Base(path), err)
	}
	return rec, nil
}

// ListSessions returns sessions most recently updated first. A limit of zero
// or less returns all of them. Files that fail to decode are skipped.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]tabula.SessionInfo, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*"+ext))
	if err != nil {
		return nil, fmt.Errorf("file store: list: %w", err)
	}
	var out []tabula.SessionInfo
	for _, m := range matches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := readRecord(m)
		if err != nil {
			s.logger.Warn("file store: skipping unreadable session", "file", filepath.Base(m), "error", err)
			continue
		}
		out = append(out, tabula.SessionInfo{
			ID:          rec.ID,
			DatasetPath: rec.Dataset.Path,
			CreatedAt:   rec.CreatedAt,
			UpdatedAt:   rec.UpdatedAt,
			Entries:     len(rec.Entries),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteSession removes the session file. Unknown IDs are not an error.
func (s *Store) DeleteSession(_ context.Context, id string) error {
	path, err := s.path(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("file store: delete session: %w", err)
	}
	return nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
