package sandbox

import (
	"log/slog"
	"time"
)

// Option configures an Executor.
type Option func(*config)

type config struct {
	timeout   time.Duration
	maxOutput int
	waitDelay time.Duration
	env       map[string]string
	logger    *slog.Logger
}

func defaultConfig() config {
	return config{
		timeout:   30 * time.Second,
		maxOutput: 64 * 1024, // 64KB
		waitDelay: 2 * time.Second,
	}
}

// WithTimeout sets the execution limit used when the policy carries none.
// Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithMaxOutput sets the maximum captured output size in bytes.
// Output beyond this limit is truncated. Default: 64KB.
func WithMaxOutput(bytes int) Option {
	return func(c *config) { c.maxOutput = bytes }
}

// WithWaitDelay bounds how long the executor waits for the interpreter's
// output pipes after it is killed. Default: 2s.
func WithWaitDelay(d time.Duration) Option {
	return func(c *config) { c.waitDelay = d }
}

// WithEnv adds an environment variable to the interpreter environment.
// Can be called multiple times.
func WithEnv(key, value string) Option {
	return func(c *config) {
		if c.env == nil {
			c.env = make(map[string]string)
		}
		c.env[key] = value
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}
