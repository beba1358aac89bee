package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// isolate runs the test in an empty directory so no stray tabula.toml or
// .env is picked up.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	for _, k := range []string{"GEMINI_API_KEY", "GOOGLE_API_KEY", "OPENAI_API_KEY", "TABULA_LLM_API_KEY"} {
		t.Setenv(k, "")
	}
	return dir
}

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.LLM.Provider != "gemini" {
		t.Errorf("expected gemini, got %s", cfg.LLM.Provider)
	}
	if cfg.Context.Threshold != 0.7 || cfg.Context.KeepRecent != 3 {
		t.Errorf("unexpected context defaults: %+v", cfg.Context)
	}
	if cfg.Repair.MaxAttempts != 3 {
		t.Errorf("expected 3 attempts, got %d", cfg.Repair.MaxAttempts)
	}
	if cfg.Sandbox.Timeout != 30*time.Second {
		t.Errorf("expected 30s timeout, got %v", cfg.Sandbox.Timeout)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadMissingDefaultFile(t *testing.T) {
	isolate(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.Model != "gemini-2.5-flash" {
		t.Errorf("expected default model, got %s", cfg.LLM.Model)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	isolate(t)
	if _, err := Load("/nonexistent/tabula.toml"); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestLoadFromTOML(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "custom.toml")
	os.WriteFile(path, []byte(`
[llm]
provider = "deepseek"
model = "deepseek-chat"
temperature = 0.2

[sandbox]
timeout = "45s"
extra_modules = ["sklearn"]

[context]
threshold = 0.5
keep_recent = 2

[store]
driver = "file"
path = "sessions"

[observer.pricing.my-model]
input_per_million = 1.0
output_per_million = 2.0
`), 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.Provider != "deepseek" || cfg.LLM.Model != "deepseek-chat" {
		t.Errorf("unexpected llm: %+v", cfg.LLM)
	}
	if cfg.LLM.Temperature == nil || *cfg.LLM.Temperature != 0.2 {
		t.Errorf("temperature not read: %v", cfg.LLM.Temperature)
	}
	if cfg.Sandbox.Timeout != 45*time.Second {
		t.Errorf("expected 45s, got %v", cfg.Sandbox.Timeout)
	}
	if len(cfg.Sandbox.ExtraModules) != 1 || cfg.Sandbox.ExtraModules[0] != "sklearn" {
		t.Errorf("extra modules: %v", cfg.Sandbox.ExtraModules)
	}
	if cfg.Context.Threshold != 0.5 || cfg.Context.KeepRecent != 2 {
		t.Errorf("context: %+v", cfg.Context)
	}
	if cfg.Context.Window != 128000 {
		t.Errorf("default window should be preserved, got %d", cfg.Context.Window)
	}
	if cfg.Observer.Pricing["my-model"].OutputPerMillion != 2.0 {
		t.Errorf("pricing: %+v", cfg.Observer.Pricing)
	}
}

func TestEnvOverride(t *testing.T) {
	isolate(t)
	t.Setenv("TABULA_LLM_PROVIDER", "openai")
	t.Setenv("TABULA_LLM_MODEL", "gpt-4o-mini")
	t.Setenv("TABULA_SANDBOX_TIMEOUT", "5s")
	t.Setenv("TABULA_MAX_ATTEMPTS", "1")
	t.Setenv("TABULA_OBSERVER_ENABLED", "true")
	t.Setenv("OPENAI_API_KEY", "sk-env")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.Provider != "openai" || cfg.LLM.Model != "gpt-4o-mini" {
		t.Errorf("unexpected llm: %+v", cfg.LLM)
	}
	if cfg.Sandbox.Timeout != 5*time.Second || cfg.Repair.MaxAttempts != 1 {
		t.Errorf("unexpected overrides: timeout=%v attempts=%d", cfg.Sandbox.Timeout, cfg.Repair.MaxAttempts)
	}
	if !cfg.Observer.Enabled {
		t.Error("observer should be enabled")
	}
	if cfg.LLM.APIKey != "sk-env" {
		t.Errorf("expected provider key fallback, got %q", cfg.LLM.APIKey)
	}
}

func TestEnvBadValue(t *testing.T) {
	isolate(t)
	t.Setenv("TABULA_MAX_ATTEMPTS", "three")
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "TABULA_MAX_ATTEMPTS") {
		t.Fatalf("expected TABULA_MAX_ATTEMPTS error, got %v", err)
	}
}

func TestDotEnv(t *testing.T) {
	dir := isolate(t)
	os.WriteFile(filepath.Join(dir, ".env"), []byte("TABULA_LLM_API_KEY=from-dotenv\n"), 0o600)
	t.Cleanup(func() { os.Unsetenv("TABULA_LLM_API_KEY") })
	os.Unsetenv("TABULA_LLM_API_KEY")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.APIKey != "from-dotenv" {
		t.Errorf("expected key from .env, got %q", cfg.LLM.APIKey)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		mod   func(*Config)
		field string
	}{
		{"provider", func(c *Config) { c.LLM.Provider = "anthropic" }, "LLM.Provider"},
		{"threshold", func(c *Config) { c.Context.Threshold = 1.5 }, "Context.Threshold"},
		{"timeout", func(c *Config) { c.Sandbox.Timeout = 0 }, "Sandbox.Timeout"},
		{"postgres dsn", func(c *Config) { c.Store.Driver = "postgres" }, "Store.DSN"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "Log.Format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mod(&cfg)
			err := Validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tt.field) {
				t.Errorf("expected error naming %s, got %v", tt.field, err)
			}
		})
	}
}
