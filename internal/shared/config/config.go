// Package config loads process-level settings from the environment.
//
// The queue is configured almost entirely through environment variables so
// that the same binary can run as an API server, an orchestrator on a grid
// login node, or a one-shot janitor without a config file. CLI-facing knobs
// (poll intervals, lease seconds) live on cobra flags instead.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
)

// ValueSource describes where a configuration value originated from.
type ValueSource string

const (
	SourceDefault ValueSource = "default"
	SourceEnv     ValueSource = "environment"
)

// Environment variable names understood by Load.
const (
	EnvDatabaseURL   = "DATABASE_URL"
	EnvResultBaseURL = "RESULT_BASE_URL"
	EnvResultSecret  = "RESULT_SECRET"
	EnvSlurmTaskDir  = "SLURM_TASK_DIR"
	EnvAdminToken    = "GRIDQ_ADMIN_TOKEN"
	EnvListenAddr    = "GRIDQ_LISTEN_ADDR"
)

// DefaultListenAddr is where the result ingest server binds when
// GRIDQ_LISTEN_ADDR is unset.
const DefaultListenAddr = ":8112"

// Config captures environment-driven settings shared across binaries.
type Config struct {
	// DatabaseURL is the Postgres DSN backing the task store. Required by
	// every command that touches the queue.
	DatabaseURL string

	// ResultBaseURL is the base URL workers post signed results to,
	// e.g. "https://queue.example.org". Required by the orchestrator when
	// it launches detached work, and by `gridq worker`.
	ResultBaseURL string

	// ResultSecret is the shared HMAC-SHA256 key for result envelopes.
	ResultSecret string

	// SlurmTaskDir is the scratch directory for batch task files and
	// job logs. Required only when the slurm backend is active.
	SlurmTaskDir string

	// AdminToken guards the admin HTTP surface. Empty disables it.
	AdminToken string

	// ListenAddr is the bind address for the ingest server.
	ListenAddr string
}

// Metadata contains provenance details for loaded configuration.
type Metadata struct {
	sources map[string]ValueSource
}

// Source returns the origin for the given configuration field.
func (m Metadata) Source(field string) ValueSource {
	if m.sources == nil {
		return SourceDefault
	}
	if src, ok := m.sources[field]; ok {
		return src
	}
	return SourceDefault
}

// EnvLookup resolves the value for an environment variable.
type EnvLookup func(string) (string, bool)

// Option customises the loader behaviour.
type Option func(*loadOptions)

type loadOptions struct {
	envLookup EnvLookup
}

// WithEnv supplies a custom environment lookup implementation.
func WithEnv(lookup EnvLookup) Option {
	return func(o *loadOptions) {
		o.envLookup = lookup
	}
}

// DefaultEnvLookup delegates to os.LookupEnv.
func DefaultEnvLookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// Load constructs the configuration by merging defaults with the environment.
// Required-variable validation happens in the Require* helpers so that each
// command can demand only what it actually uses.
func Load(opts ...Option) (Config, Metadata, error) {
	options := loadOptions{
		envLookup: DefaultEnvLookup,
	}
	for _, opt := range opts {
		opt(&options)
	}
	lookup := options.envLookup
	if lookup == nil {
		lookup = DefaultEnvLookup
	}

	meta := Metadata{sources: map[string]ValueSource{}}
	cfg := Config{
		ListenAddr: DefaultListenAddr,
	}

	if value, ok := lookup(EnvDatabaseURL); ok && value != "" {
		cfg.DatabaseURL = value
		meta.sources["database_url"] = SourceEnv
	}
	if value, ok := lookup(EnvResultBaseURL); ok && value != "" {
		cfg.ResultBaseURL = strings.TrimRight(value, "/")
		meta.sources["result_base_url"] = SourceEnv
	}
	if value, ok := lookup(EnvResultSecret); ok && value != "" {
		cfg.ResultSecret = value
		meta.sources["result_secret"] = SourceEnv
	}
	if value, ok := lookup(EnvSlurmTaskDir); ok && value != "" {
		cfg.SlurmTaskDir = value
		meta.sources["slurm_task_dir"] = SourceEnv
	}
	if value, ok := lookup(EnvAdminToken); ok && value != "" {
		cfg.AdminToken = value
		meta.sources["admin_token"] = SourceEnv
	}
	if value, ok := lookup(EnvListenAddr); ok && value != "" {
		cfg.ListenAddr = value
		meta.sources["listen_addr"] = SourceEnv
	}

	if cfg.ResultBaseURL != "" {
		if _, err := url.ParseRequestURI(cfg.ResultBaseURL); err != nil {
			return Config{}, Metadata{}, fmt.Errorf("parse %s: %w", EnvResultBaseURL, err)
		}
	}

	return cfg, meta, nil
}

// RequireDatabaseURL returns an error when no Postgres DSN is configured.
func (c Config) RequireDatabaseURL() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s is required", EnvDatabaseURL)
	}
	return nil
}

// RequireResultEndpoint validates the settings workers need to post results.
func (c Config) RequireResultEndpoint() error {
	if c.ResultBaseURL == "" {
		return fmt.Errorf("%s is required", EnvResultBaseURL)
	}
	if c.ResultSecret == "" {
		return fmt.Errorf("%s is required", EnvResultSecret)
	}
	return nil
}

// RequireResultSecret validates the HMAC key alone, for the ingest server
// which signs nothing but must verify incoming envelopes.
func (c Config) RequireResultSecret() error {
	if c.ResultSecret == "" {
		return fmt.Errorf("%s is required", EnvResultSecret)
	}
	return nil
}

// RequireSlurmTaskDir validates the batch scratch directory setting.
func (c Config) RequireSlurmTaskDir() error {
	if c.SlurmTaskDir == "" {
		return fmt.Errorf("%s is required when the slurm backend is active", EnvSlurmTaskDir)
	}
	return nil
}

// ResultURL joins the configured base URL with the result ingest path.
func (c Config) ResultURL() string {
	if c.ResultBaseURL == "" {
		return ""
	}
	return c.ResultBaseURL + "/v1/task-result"
}
