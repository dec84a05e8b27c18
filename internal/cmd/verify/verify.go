// Package verify parses verifier flags and runs offline chain checks.
package verify

import (
	"context"
	"flag"
	"fmt"
	"log"

	entrypoint "github.com/BorovkovSergey/character-sheet/internal/platform/cmd"
	"github.com/BorovkovSergey/character-sheet/internal/storage/sqlite"
)

// Config holds verifier configuration.
type Config struct {
	DBPath string `env:"CHARSHEET_DB_PATH" envDefault:"data/sheets.db"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "SQLite database path")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run opens the store and walks every version chain.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceVerify, func(context.Context) error {
		store, err := sqlite.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open document store: %w", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				log.Printf("close document store: %v", err)
			}
		}()

		if err := store.VerifySnapshotIntegrity(ctx); err != nil {
			return fmt.Errorf("verify snapshot chains: %w", err)
		}
		log.Printf("all snapshot chains verified")
		return nil
	})
}
