// Package sheet parses sync service flags and composes the server entrypoint.
package sheet

import (
	"context"
	"flag"
	"fmt"

	entrypoint "github.com/BorovkovSergey/character-sheet/internal/platform/cmd"
	"github.com/BorovkovSergey/character-sheet/internal/server"
)

// Config holds sync service configuration.
type Config struct {
	HTTPAddr string `env:"CHARSHEET_HTTP_ADDR" envDefault:":8087"`
	DBPath   string `env:"CHARSHEET_DB_PATH"   envDefault:"data/sheets.db"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "sync HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "SQLite database path")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the sync server and serves until the context ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceSheet, func(context.Context) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr: cfg.HTTPAddr,
			DBPath:   cfg.DBPath,
		}); err != nil {
			return fmt.Errorf("serve sheet sync: %w", err)
		}
		return nil
	})
}
