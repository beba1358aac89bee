// Package config loads tabula.toml: defaults, then the TOML file, then a
// .env file, then TABULA_* environment variables (env wins). The result is
// validated before use.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/CopeeeTang/tabula/observer"
)

// DefaultPath is read when Load is given an empty path.
const DefaultPath = "tabula.toml"

type Config struct {
	LLM      LLMConfig      `toml:"llm"`
	Sandbox  SandboxConfig  `toml:"sandbox"`
	Context  ContextConfig  `toml:"context"`
	Repair   RepairConfig   `toml:"repair"`
	Store    StoreConfig    `toml:"store"`
	Observer ObserverConfig `toml:"observer"`
	Log      LogConfig      `toml:"log"`
}

type LLMConfig struct {
	Provider    string   `toml:"provider" validate:"oneof=gemini openai groq deepseek together mistral ollama"`
	Model       string   `toml:"model" validate:"required"`
	APIKey      string   `toml:"api_key"`
	BaseURL     string   `toml:"base_url" validate:"omitempty,url"`
	Temperature *float64 `toml:"temperature" validate:"omitempty,gte=0,lte=2"`
	TopP        *float64 `toml:"top_p" validate:"omitempty,gt=0,lte=1"`
	MaxTokens   int      `toml:"max_tokens" validate:"gte=0"`
	// Structured asks for tool-call replies; free-text fenced code is the
	// fallback either way.
	Structured        bool `toml:"structured"`
	RequestsPerMinute int  `toml:"requests_per_minute" validate:"gte=0"`
	MaxRetries        int  `toml:"max_retries" validate:"gte=0,lte=10"`
}

type SandboxConfig struct {
	Python      string        `toml:"python" validate:"required"`
	Timeout     time.Duration `toml:"timeout" validate:"gt=0"`
	OutputDir   string        `toml:"output_dir" validate:"required"`
	MaxMemoryMB int           `toml:"max_memory_mb" validate:"gte=0"`
	MaxOutputKB int           `toml:"max_output_kb" validate:"gt=0"`
	// ExtraModules are allowed on top of the default allow-list.
	ExtraModules []string `toml:"extra_modules"`
	// DenyNames are denied as filesystem access on top of the default deny-list.
	DenyNames []string `toml:"deny_names"`
	// CacheSize bounds the analyzer's verdict cache.
	CacheSize int `toml:"cache_size" validate:"gte=0"`
}

type ContextConfig struct {
	Window     int     `toml:"window" validate:"gt=0"`
	Threshold  float64 `toml:"threshold" validate:"gt=0,lte=1"`
	KeepRecent int     `toml:"keep_recent" validate:"gte=0"`
	// RuleSummaries summarizes without the generative service.
	RuleSummaries bool `toml:"rule_summaries"`
}

type RepairConfig struct {
	MaxAttempts int           `toml:"max_attempts" validate:"gte=0,lte=10"`
	Timeout     time.Duration `toml:"timeout" validate:"gte=0"`
}

type StoreConfig struct {
	Driver string `toml:"driver" validate:"oneof=sqlite postgres file none"`
	Path   string `toml:"path" validate:"required_if=Driver sqlite,required_if=Driver file"`
	DSN    string `toml:"dsn" validate:"required_if=Driver postgres"`
}

type ObserverConfig struct {
	Enabled     bool                             `toml:"enabled"`
	ServiceName string                           `toml:"service_name"`
	Pricing     map[string]observer.ModelPricing `toml:"pricing"`
}

type LogConfig struct {
	Level  string `toml:"level" validate:"oneof=debug info warn error"`
	Format string `toml:"format" validate:"oneof=text json"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = os.TempDir()
	}
	dataDir := filepath.Join(home, ".tabula")
	return Config{
		LLM: LLMConfig{Provider: "gemini", Model: "gemini-2.5-flash", Structured: true, MaxRetries: 3},
		Sandbox: SandboxConfig{
			Python:      "python3",
			Timeout:     30 * time.Second,
			OutputDir:   filepath.Join(dataDir, "outputs"),
			MaxMemoryMB: 1024,
			MaxOutputKB: 64,
			CacheSize:   256,
		},
		Context:  ContextConfig{Window: 128000, Threshold: 0.7, KeepRecent: 3},
		Repair:   RepairConfig{MaxAttempts: 3, Timeout: 2 * time.Minute},
		Store:    StoreConfig{Driver: "sqlite", Path: filepath.Join(dataDir, "sessions.db")},
		Observer: ObserverConfig{ServiceName: "tabula"},
		Log:      LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads config: defaults -> TOML file -> .env -> env vars (env wins).
// A missing file at the default path is not an error; a missing file the
// caller named explicitly is.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("config: %w", err)
		}
	}

	// Variables already set in the environment take precedence over .env.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: .env: %w", err)
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	fallbackAPIKey(&cfg)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and reports every failing field.
func Validate(cfg Config) error {
	err := validate.Struct(cfg)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, len(verrs))
	for i, fe := range verrs {
		msgs[i] = fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
	}
	return fmt.Errorf("config: invalid: %s", strings.Join(msgs, "; "))
}

func applyEnv(cfg *Config) error {
	str := map[string]*string{
		"TABULA_LLM_PROVIDER": &cfg.LLM.Provider,
		"TABULA_LLM_MODEL":    &cfg.LLM.Model,
		"TABULA_LLM_API_KEY":  &cfg.LLM.APIKey,
		"TABULA_LLM_BASE_URL": &cfg.LLM.BaseURL,
		"TABULA_PYTHON":       &cfg.Sandbox.Python,
		"TABULA_OUTPUT_DIR":   &cfg.Sandbox.OutputDir,
		"TABULA_STORE_DRIVER": &cfg.Store.Driver,
		"TABULA_STORE_PATH":   &cfg.Store.Path,
		"TABULA_STORE_DSN":    &cfg.Store.DSN,
		"TABULA_LOG_LEVEL":    &cfg.Log.Level,
		"TABULA_LOG_FORMAT":   &cfg.Log.Format,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"TABULA_MAX_ATTEMPTS":   &cfg.Repair.MaxAttempts,
		"TABULA_CONTEXT_WINDOW": &cfg.Context.Window,
		"TABULA_MAX_MEMORY_MB":  &cfg.Sandbox.MaxMemoryMB,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("config: %s: %w", key, err)
			}
			*dst = n
		}
	}

	if v := os.Getenv("TABULA_SANDBOX_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: TABULA_SANDBOX_TIMEOUT: %w", err)
		}
		cfg.Sandbox.Timeout = d
	}
	if v := os.Getenv("TABULA_CONTEXT_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: TABULA_CONTEXT_THRESHOLD: %w", err)
		}
		cfg.Context.Threshold = f
	}
	if v := os.Getenv("TABULA_OBSERVER_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: TABULA_OBSERVER_ENABLED: %w", err)
		}
		cfg.Observer.Enabled = b
	}
	return nil
}

// fallbackAPIKey reads the provider's conventional key variable when no
// key was configured.
func fallbackAPIKey(cfg *Config) {
	if cfg.LLM.APIKey != "" {
		return
	}
	vars := map[string][]string{
		"gemini":   {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
		"openai":   {"OPENAI_API_KEY"},
		"groq":     {"GROQ_API_KEY"},
		"deepseek": {"DEEPSEEK_API_KEY"},
		"together": {"TOGETHER_API_KEY"},
		"mistral":  {"MISTRAL_API_KEY"},
	}
	for _, key := range vars[cfg.LLM.Provider] {
		if v := os.Getenv(key); v != "" {
			cfg.LLM.APIKey = v
			return
		}
	}
}
