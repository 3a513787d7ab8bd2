package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, `
port: "3450"
env: "test"
auth:
  enable_verification: false
database:
  host: "db.example.com"
  port: 5432
  user: "testuser"
  database: "testdb"
schema_cache:
  ttl: 2m
query:
  min_limit: 5
  max_limit: 50
`)

	os.Unsetenv("PGHOST")
	os.Unsetenv("BASE_URL")
	t.Setenv("PORT", "4450")
	t.Setenv("ENVIRONMENT", "production")

	cfg, err := Load(path, "test-version")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Port != "4450" {
		t.Errorf("expected Port=4450 (from env), got %s", cfg.Port)
	}
	if cfg.Env != "production" {
		t.Errorf("expected Env=production (from env), got %s", cfg.Env)
	}
	if cfg.Version != "test-version" {
		t.Errorf("expected Version=test-version, got %s", cfg.Version)
	}
	if cfg.BaseURL != "http://localhost:4450" {
		t.Errorf("expected BaseURL auto-derived from PORT, got %s", cfg.BaseURL)
	}
	if cfg.Database.Host != "db.example.com" {
		t.Errorf("expected Database.Host=db.example.com (from yaml), got %s", cfg.Database.Host)
	}
	if cfg.SchemaCache.TTL != 2*time.Minute {
		t.Errorf("expected SchemaCache.TTL=2m, got %s", cfg.SchemaCache.TTL)
	}
	if cfg.SchemaCache.Backend != SchemaCacheMemory {
		t.Errorf("expected default memory backend, got %s", cfg.SchemaCache.Backend)
	}
	if cfg.Query.MinLimit != 5 || cfg.Query.MaxLimit != 50 {
		t.Errorf("expected query limits 5/50, got %d/%d", cfg.Query.MinLimit, cfg.Query.MaxLimit)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "auth:\n  enable_verification: false\n")

	cfg, err := Load(path, "dev")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.SchemaCache.TTL != 5*time.Minute {
		t.Errorf("expected default TTL 5m, got %s", cfg.SchemaCache.TTL)
	}
	if cfg.Query.MinLimit != 10 {
		t.Errorf("expected default min limit 10, got %d", cfg.Query.MinLimit)
	}
	if cfg.Write.MaxRetries != 3 {
		t.Errorf("expected default write retries 3, got %d", cfg.Write.MaxRetries)
	}
	if cfg.MigrationsPath != "migrations" {
		t.Errorf("expected default migrations path, got %s", cfg.MigrationsPath)
	}
}

func TestLoad_EnableVerification(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		env  string
		want bool
	}{
		{
			name: "yaml false is kept",
			yaml: "auth:\n  enable_verification: false\n",
			want: false,
		},
		{
			name: "absent defaults to true",
			yaml: "auth:\n  jwks_endpoints: \"https://issuer.example.com=https://issuer.example.com/jwks\"\n",
			want: true,
		},
		{
			name: "env overrides yaml",
			yaml: "auth:\n  enable_verification: true\n",
			env:  "false",
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Unsetenv("JWKS_ENDPOINTS")
			if tt.env != "" {
				t.Setenv("AUTH_ENABLE_VERIFICATION", tt.env)
			} else {
				os.Unsetenv("AUTH_ENABLE_VERIFICATION")
			}

			cfg, err := Load(writeConfig(t, tt.yaml), "dev")
			if err != nil {
				t.Fatalf("Load() failed: %v", err)
			}
			if cfg.Auth.EnableVerification != tt.want {
				t.Errorf("expected EnableVerification=%v, got %v", tt.want, cfg.Auth.EnableVerification)
			}
		})
	}
}

func TestLoadFromEnv_VerificationDefaultsOn(t *testing.T) {
	os.Unsetenv("AUTH_ENABLE_VERIFICATION")
	t.Setenv("JWKS_ENDPOINTS", "https://issuer.example.com=https://issuer.example.com/jwks")

	cfg, err := LoadFromEnv("dev")
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}
	if !cfg.Auth.EnableVerification {
		t.Error("expected verification enabled by default")
	}
	if got := cfg.Auth.JWKSEndpoints["https://issuer.example.com"]; got != "https://issuer.example.com/jwks" {
		t.Errorf("unexpected JWKS endpoint %q", got)
	}
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "redis backend without host",
			yaml: "auth:\n  enable_verification: false\nschema_cache:\n  backend: redis\n",
		},
		{
			name: "unknown backend",
			yaml: "auth:\n  enable_verification: false\nschema_cache:\n  backend: memcached\n",
		},
		{
			name: "max below min",
			yaml: "auth:\n  enable_verification: false\nquery:\n  min_limit: 20\n  max_limit: 10\n",
		},
		{
			name: "verification without jwks endpoints",
			yaml: "auth:\n  enable_verification: true\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Unsetenv("JWKS_ENDPOINTS")
			if _, err := Load(writeConfig(t, tt.yaml), "dev"); err == nil {
				t.Fatal("expected validation error, got nil")
			}
		})
	}
}

func TestParseJWKSEndpoints(t *testing.T) {
	got := parseJWKSEndpoints("https://auth.example.com=https://auth.example.com/.well-known/jwks.json?v=1, https://b.example.com=https://b.example.com/jwks")

	if len(got) != 2 {
		t.Fatalf("expected 2 endpoints, got %d", len(got))
	}
	if got["https://auth.example.com"] != "https://auth.example.com/.well-known/jwks.json?v=1" {
		t.Errorf("unexpected first endpoint: %q", got["https://auth.example.com"])
	}
	if got["https://b.example.com"] != "https://b.example.com/jwks" {
		t.Errorf("unexpected second endpoint: %q", got["https://b.example.com"])
	}
}

func TestDatabaseConfig_ConnectionString(t *testing.T) {
	c := DatabaseConfig{Host: "db", Port: 5433, User: "u", Password: "p@ss", Database: "records", SSLMode: "disable"}
	want := "postgres://u:p%40ss@db:5433/records?sslmode=disable"
	if got := c.ConnectionString(); got != want {
		t.Errorf("ConnectionString() = %q, want %q", got, want)
	}
}
