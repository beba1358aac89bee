package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CopeeeTang/tabula"
	"github.com/CopeeeTang/tabula/internal/config"
	"github.com/CopeeeTang/tabula/store/file"
	"github.com/CopeeeTang/tabula/store/storetest"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "tabula.toml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func run(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func TestPolicyFromConfig(t *testing.T) {
	cfg := config.Default().Sandbox
	cfg.OutputDir = "/srv/out"
	cfg.Timeout = 5 * time.Second
	cfg.MaxMemoryMB = 256
	cfg.ExtraModules = []string{"sklearn", "pandas"}
	cfg.DenyNames = []string{"print_secrets"}

	p := policy(cfg)
	assert.Equal(t, "/srv/out", p.OutputDir)
	assert.Equal(t, 5*time.Second, p.Timeout)
	assert.Equal(t, 256, p.MaxMemoryMB)
	assert.True(t, p.ModuleAllowed("sklearn.linear_model"))

	count := 0
	for _, m := range p.AllowedModules {
		if m == "pandas" {
			count++
		}
	}
	assert.Equal(t, 1, count, "configured modules already allowed are not duplicated")

	cat, denied := p.DeniedName("print_secrets")
	assert.True(t, denied)
	assert.Equal(t, tabula.CategoryFilesystem, cat)
}

func TestCheckCommand(t *testing.T) {
	cfgPath := writeConfig(t, "[store]\ndriver = \"none\"\n")
	dir := t.TempDir()

	ok := filepath.Join(dir, "ok.py")
	require.NoError(t, os.WriteFile(ok, []byte("import pandas as pd\nprint(df['sales'].sum())\n"), 0o600))
	out, _, err := run(t, "", "check", "--config", cfgPath, ok)
	require.NoError(t, err)
	assert.Equal(t, "allow\n", out)

	bad := filepath.Join(dir, "bad.py")
	require.NoError(t, os.WriteFile(bad, []byte("import subprocess\n"), 0o600))
	out, _, err = run(t, "", "check", "--config", cfgPath, bad)
	assert.ErrorIs(t, err, errDenied)
	assert.Contains(t, out, "deny")
	assert.Contains(t, out, "subprocess")

	out, _, err = run(t, "import socket\n", "check", "--config", cfgPath, "-")
	assert.ErrorIs(t, err, errDenied)
	assert.Contains(t, out, "socket")
}

func TestCheckCommand_ExtraModule(t *testing.T) {
	cfgPath := writeConfig(t, "[sandbox]\nextra_modules = [\"sklearn\"]\n[store]\ndriver = \"none\"\n")
	out, _, err := run(t, "import sklearn\n", "check", "--config", cfgPath, "-")
	require.NoError(t, err)
	assert.Equal(t, "allow\n", out)
}

func TestSessionsCommands(t *testing.T) {
	dir := t.TempDir()
	s := file.New(dir)
	require.NoError(t, s.Init(context.Background()))
	require.NoError(t, s.SaveSession(context.Background(), storetest.Record("abc")))
	cfgPath := writeConfig(t, "[store]\ndriver = \"file\"\npath = \""+filepath.ToSlash(dir)+"\"\n")

	out, _, err := run(t, "", "sessions", "list", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "abc")
	assert.Contains(t, out, "/data/sales.csv")

	out, _, err = run(t, "", "sessions", "show", "abc", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "session abc")
	assert.Contains(t, out, "Summary of turns 1-1")
	assert.Contains(t, out, "Question: Revenue by month")

	out, _, err = run(t, "", "sessions", "show", "abc", "-o", "yaml", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "session_id: abc")

	_, _, err = run(t, "", "sessions", "show", "missing", "--config", cfgPath)
	assert.ErrorIs(t, err, tabula.ErrSessionNotFound)

	_, _, err = run(t, "", "sessions", "delete", "abc", "--config", cfgPath)
	require.NoError(t, err)
	out, _, err = run(t, "", "sessions", "list", "--config", cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "no sessions\n", out)
}

func TestSessionsWithoutStore(t *testing.T) {
	cfgPath := writeConfig(t, "[store]\ndriver = \"none\"\n")
	_, _, err := run(t, "", "sessions", "list", "--config", cfgPath)
	assert.ErrorIs(t, err, errNoStore)
}
