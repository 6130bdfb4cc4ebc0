package config

import (
	"strings"
	"testing"
)

func envFromMap(values map[string]string) EnvLookup {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	cfg, meta, err := Load(WithEnv(envFromMap(map[string]string{
		"DATABASE_URL":      "postgres://gridq:pw@localhost:5432/gridq",
		"RESULT_BASE_URL":   "https://queue.example.org/",
		"RESULT_SECRET":     "s3cret",
		"SLURM_TASK_DIR":    "/scratch/gridq",
		"GRIDQ_ADMIN_TOKEN": "admin-token",
	})))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.DatabaseURL != "postgres://gridq:pw@localhost:5432/gridq" {
		t.Fatalf("unexpected DatabaseURL %q", cfg.DatabaseURL)
	}
	if cfg.ResultBaseURL != "https://queue.example.org" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.ResultBaseURL)
	}
	if cfg.ResultURL() != "https://queue.example.org/v1/task-result" {
		t.Fatalf("unexpected ResultURL %q", cfg.ResultURL())
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("expected default listen addr, got %q", cfg.ListenAddr)
	}
	if meta.Source("database_url") != SourceEnv {
		t.Fatalf("expected database_url from env, got %v", meta.Source("database_url"))
	}
	if meta.Source("listen_addr") != SourceDefault {
		t.Fatalf("expected listen_addr default, got %v", meta.Source("listen_addr"))
	}
}

func TestLoadEmptyEnvironmentUsesDefaults(t *testing.T) {
	cfg, _, err := Load(WithEnv(envFromMap(nil)))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.DatabaseURL != "" {
		t.Fatalf("expected empty DatabaseURL, got %q", cfg.DatabaseURL)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("expected %q, got %q", DefaultListenAddr, cfg.ListenAddr)
	}
	if cfg.ResultURL() != "" {
		t.Fatalf("expected empty ResultURL, got %q", cfg.ResultURL())
	}
}

func TestLoadRejectsMalformedResultBaseURL(t *testing.T) {
	_, _, err := Load(WithEnv(envFromMap(map[string]string{
		"RESULT_BASE_URL": "not a url",
	})))
	if err == nil {
		t.Fatal("expected error for malformed RESULT_BASE_URL")
	}
	if !strings.Contains(err.Error(), "RESULT_BASE_URL") {
		t.Fatalf("error should name the variable, got %v", err)
	}
}

func TestRequireHelpers(t *testing.T) {
	var empty Config
	if err := empty.RequireDatabaseURL(); err == nil {
		t.Fatal("expected missing DATABASE_URL error")
	}
	if err := empty.RequireResultEndpoint(); err == nil {
		t.Fatal("expected missing RESULT_BASE_URL error")
	}
	if err := empty.RequireSlurmTaskDir(); err == nil {
		t.Fatal("expected missing SLURM_TASK_DIR error")
	}

	partial := Config{ResultBaseURL: "https://queue.example.org"}
	err := partial.RequireResultEndpoint()
	if err == nil || !strings.Contains(err.Error(), "RESULT_SECRET") {
		t.Fatalf("expected missing RESULT_SECRET error, got %v", err)
	}

	full := Config{
		DatabaseURL:   "postgres://localhost/gridq",
		ResultBaseURL: "https://queue.example.org",
		ResultSecret:  "s3cret",
		SlurmTaskDir:  "/scratch/gridq",
	}
	if err := full.RequireDatabaseURL(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := full.RequireResultEndpoint(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := full.RequireSlurmTaskDir(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
