package config

import "testing"

type envTestConfig struct {
	Addr   string `env:"CONFIG_TEST_ADDR" envDefault:":9999"`
	DBPath string `env:"CONFIG_TEST_DB_PATH" envDefault:"data/test.db"`
}

func TestParseEnvDefaults(t *testing.T) {
	var cfg envTestConfig
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Addr != ":9999" {
		t.Fatalf("expected default addr, got %q", cfg.Addr)
	}
	if cfg.DBPath != "data/test.db" {
		t.Fatalf("expected default db path, got %q", cfg.DBPath)
	}
}

func TestParseEnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_TEST_ADDR", "env-addr")
	t.Setenv("CONFIG_TEST_DB_PATH", "env-db")

	var cfg envTestConfig
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Addr != "env-addr" {
		t.Fatalf("expected env addr, got %q", cfg.Addr)
	}
	if cfg.DBPath != "env-db" {
		t.Fatalf("expected env db path, got %q", cfg.DBPath)
	}
}
