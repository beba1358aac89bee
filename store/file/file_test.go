package file

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CopeeeTang/tabula/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, New(filepath.Join(t.TempDir(), "sessions")))
}

func TestSavedFileIsReadableYAML(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	ctx := context.Background()
	require.NoError(t, s.Init(ctx))
	require.NoError(t, s.SaveSession(ctx, storetest.Record("readable")))

	data, err := os.ReadFile(filepath.Join(dir, "readable.yaml"))
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "session_id: readable")
	assert.Contains(t, text, "status: failed")
	assert.Contains(t, text, "kind: runtime_fault")
	assert.Contains(t, text, "timeout: 30s")

	leftovers, err := filepath.Glob(filepath.Join(dir, ".session-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestInvalidIDs(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()
	for _, id := range []string{"", "..", "a/b", `a\b`} {
		_, err := s.LoadSession(ctx, id)
		assert.Error(t, err, "id %q", id)
	}
	rec := storetest.Record("../escape")
	assert.Error(t, s.SaveSession(ctx, rec))
}

func TestListSkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	ctx := context.Background()
	require.NoError(t, s.Init(ctx))
	require.NoError(t, s.SaveSession(ctx, storetest.Record("good")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("entries: [unterminated"), 0o600))

	infos, err := s.ListSessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.True(t, strings.HasPrefix(infos[0].ID, "good"))
}
