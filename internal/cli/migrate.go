package cli

import (
	"github.com/spf13/cobra"

	"github.com/agentworkforce/pipesync/internal/app"
)

func newMigrateCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down]",
		Short:     "Run database migrations",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			action := "up"
			if len(args) > 0 {
				action = args[0]
			}
			cfg, err := load()
			if err != nil {
				return err
			}
			logger, err := app.NewLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()
			return app.RunMigrations(cmd.Context(), cfg, action, logger)
		},
	}
}
