package sheet

import (
	"flag"
	"testing"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("sheet", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != ":8087" {
		t.Fatalf("expected default http addr, got %q", cfg.HTTPAddr)
	}
	if cfg.DBPath != "data/sheets.db" {
		t.Fatalf("expected default db path, got %q", cfg.DBPath)
	}
}

func TestParseConfigOverrides(t *testing.T) {
	t.Setenv("CHARSHEET_HTTP_ADDR", "env-addr")
	t.Setenv("CHARSHEET_DB_PATH", "env-db")

	fs := flag.NewFlagSet("sheet", flag.ContinueOnError)
	args := []string{
		"-http-addr", "flag-addr",
		"-db-path", "flag-db",
	}
	cfg, err := ParseConfig(fs, args)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != "flag-addr" {
		t.Fatalf("expected flag http addr, got %q", cfg.HTTPAddr)
	}
	if cfg.DBPath != "flag-db" {
		t.Fatalf("expected flag db path, got %q", cfg.DBPath)
	}
}
