package cli

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/pipesync/internal/app"
	"github.com/agentworkforce/pipesync/internal/pipesync"
)

func newStatusCmd(load configLoader) *cobra.Command {
	var (
		tenantID string
		days     int
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print a tenant's sync status as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			engine, closeFn, err := app.OpenEngine(cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			status, err := engine.Status(cmd.Context(), pipesync.StatusRequest{
				TenantID:  tenantID,
				Days:      days,
				Conflicts: pipesync.Page{Limit: limit},
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant id")
	cmd.Flags().IntVar(&days, "days", 7, "Days of daily metrics to include")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum pending conflicts to list")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func printJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
