package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lilistrocel/sensehub-sub001/internal/infrastructure/database"
)

// newMigrateCommand creates the migrate command.
func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrate(cmd, opts)
		},
	}
}

func runMigrate(cmd *cobra.Command, opts *rootOptions) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	cfg, _, err := opts.loadConfig()
	if err != nil {
		return err
	}

	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	_, pending, err := db.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("reading migration status: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	for _, m := range pending {
		printf(out, "applied %s_%s\n", m.Version, m.Name)
	}
	printf(out, "%s: %d migrations applied, schema up to date\n", db.Path(), len(pending))
	return nil
}
