package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/pipesync/internal/app"
	"github.com/agentworkforce/pipesync/internal/pipesync"
)

func newConflictsCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect and resolve sync conflicts",
	}
	cmd.AddCommand(newConflictsResolveCmd(load))
	return cmd
}

func newConflictsResolveCmd(load configLoader) *cobra.Command {
	var (
		tenantID  string
		policy    string
		mergeData string
		by        string
	)
	cmd := &cobra.Command{
		Use:   "resolve CONFLICT_ID...",
		Short: "Resolve one or more conflicts with a policy",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := pipesync.ParseResolutionPolicy(policy)
			if err != nil {
				return err
			}
			var merge map[string]any
			if mergeData != "" {
				if err := json.Unmarshal([]byte(mergeData), &merge); err != nil {
					return fmt.Errorf("--merge-data: %w", err)
				}
			}
			cfg, err := load()
			if err != nil {
				return err
			}
			engine, closeFn, err := app.OpenEngine(cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			outcomes := engine.ResolveConflicts(cmd.Context(), pipesync.BulkResolveRequest{
				TenantID:    tenantID,
				ConflictIDs: args,
				Policy:      parsed,
				MergeData:   merge,
				ResolvedBy:  by,
			})
			if err := printJSON(cmd.OutOrStdout(), outcomes); err != nil {
				return err
			}
			if failed := countFailed(outcomes); failed > 0 {
				return fmt.Errorf("%d of %d conflicts not resolved", failed, len(outcomes))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant id")
	cmd.Flags().StringVar(&policy, "policy", "", "use_local, use_remote, merge or ignore")
	cmd.Flags().StringVar(&mergeData, "merge-data", "", "JSON object of fields for the merge policy")
	cmd.Flags().StringVar(&by, "by", "cli", "Recorded as the resolver")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("policy")
	return cmd
}

func countFailed(outcomes []pipesync.ResolveOutcome) int {
	n := 0
	for _, outcome := range outcomes {
		if outcome.Error != "" {
			n++
		}
	}
	return n
}
