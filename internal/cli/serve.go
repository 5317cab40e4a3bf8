package cli

import (
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentworkforce/pipesync/internal/app"
)

func newServeCmd(load configLoader) *cobra.Command {
	var migrateFirst bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server and sync workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if migrateFirst {
				logger, err := app.NewLogger(cfg)
				if err != nil {
					return err
				}
				err = app.RunMigrations(cmd.Context(), cfg, "up", logger)
				switch {
				case errors.Is(err, app.ErrNoPostgres):
					logger.Info("migration_skipped", zap.String("reason", err.Error()))
				case err != nil:
					return err
				}
			}

			fxApp := app.NewApp(cfg)
			if err := fxApp.Err(); err != nil {
				return err
			}
			fxApp.Run()
			return nil
		},
	}

	cmd.Flags().BoolVar(&migrateFirst, "migrate", false, "Run database migrations before starting the server")
	return cmd
}
