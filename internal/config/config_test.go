package config

import (
	"strings"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DatabaseDriver != DatabaseDriverSQLite || cfg.DatabasePath != "citycrew.db" {
		t.Fatalf("unexpected database defaults %+v", cfg)
	}
	if cfg.PresenceBackend != PresenceBackendDatabase {
		t.Fatalf("unexpected presence backend %q", cfg.PresenceBackend)
	}
	if cfg.CookieName != "citycrew_session" || cfg.Issuer != "citycrew" {
		t.Fatalf("unexpected auth defaults %+v", cfg)
	}
	if cfg.WorkerConcurrency != 10 {
		t.Fatalf("unexpected worker concurrency %d", cfg.WorkerConcurrency)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("CITYCREW_AUTH_SIGNING_SECRET", "from-env")
	t.Setenv("CITYCREW_DATABASE_DRIVER", "Postgres")
	t.Setenv("CITYCREW_DATABASE_DSN", "postgres://localhost/citycrew")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SigningSecret != "from-env" {
		t.Fatalf("expected env secret, got %q", cfg.SigningSecret)
	}
	if cfg.DatabaseDriver != DatabaseDriverPostgres {
		t.Fatalf("expected normalized driver, got %q", cfg.DatabaseDriver)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]any
		want   string
	}{
		{name: "missing secret", values: map[string]any{}, want: "auth.signing_secret"},
		{name: "unknown driver", values: map[string]any{"auth.signing_secret": "s", "database.driver": "mysql"}, want: "unsupported database.driver"},
		{name: "postgres without dsn", values: map[string]any{"auth.signing_secret": "s", "database.driver": "postgres"}, want: "database.dsn"},
		{name: "redis presence without url", values: map[string]any{"auth.signing_secret": "s", "presence.backend": "redis"}, want: "redis.url"},
		{name: "zero concurrency", values: map[string]any{"auth.signing_secret": "s", "worker.concurrency": 0}, want: "worker.concurrency"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configViper := NewViper()
			for key, value := range tt.values {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
