package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/pipesync/internal/httpapi"
)

func newTokenCmd(load configLoader) *cobra.Command {
	var (
		tenantID string
		subject  string
		scopes   string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator bearer token signed with PIPESYNC_JWT_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if ttl <= 0 {
				return fmt.Errorf("--ttl must be positive")
			}
			cfg, err := load()
			if err != nil {
				return err
			}
			token, err := httpapi.IssueToken(cfg.JWTSecret, tenantID, subject, strings.Fields(strings.ReplaceAll(scopes, ",", " ")), ttl, time.Now().UTC())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant id")
	cmd.Flags().StringVar(&subject, "subject", "operator", "Token subject")
	cmd.Flags().StringVar(&scopes, "scopes", "sync:read conflicts:read", "Space or comma separated scopes")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}
