package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/mercury-rss/agentcore/internal/config"
	"github.com/mercury-rss/agentcore/internal/storage"
)

// NewMigrateCommand returns the migrate subcommand: applies the embedded
// sqlite schema to the configured database path without starting the
// gateway. storage.Open runs CREATE TABLE IF NOT EXISTS for every table,
// so this is safe to run repeatedly against an existing database.
func NewMigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply the storage schema to the configured database",
		Action: func(_ context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(cmd.String("config"))
			if err != nil {
				cfg = &config.Config{}
				cfg.Storage.Path = config.DatabasePath()
			}
			db, err := storage.Open(cfg.Storage.Path)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			defer db.Close()
			fmt.Printf("schema applied at %s\n", cfg.Storage.Path)
			return nil
		},
	}
}
