package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fuomag9/serverlord/internal/config"
	"github.com/fuomag9/serverlord/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger := newLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)

		if err := database.RunMigrations(cfg.Database); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		logger.Info("migrations applied")
		return nil
	},
}
