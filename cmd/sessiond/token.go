package main

import (
	"fmt"
	"time"

	"github.com/aura-webinar/stagecore/config"
	"github.com/aura-webinar/stagecore/internal/identity"
	"github.com/aura-webinar/stagecore/internal/models"
	"github.com/spf13/cobra"
)

func newTokenCmd() *cobra.Command {
	var (
		name string
		role string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <identity>",
		Short: "Issue a bearer token for local development",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = time.Duration(cfg.JWT.ExpireHours) * time.Hour
			}
			if name == "" {
				name = args[0]
			}
			tok, err := identity.NewJWTService(cfg.JWT.Secret, ttl).Generate(models.Identity{ID: args[0], DisplayName: name}, role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name (defaults to the identity)")
	cmd.Flags().StringVar(&role, "role", identity.ServiceRoleUser, "service role: user or scheduler")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to JWT_EXPIRE_HOURS)")
	return cmd
}
