package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"trading-control-core/internal/auth"
)

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var (
		operator string
		role     string
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator token for the emergency API",
		Long: `Mint a bearer token signed with the configured AUTH_JWT_SECRET. Viewer
tokens are accepted by the middleware but cannot trigger or resolve stops.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if !cfg.AuthConfig.Enabled() {
				return errors.New("no JWT secret configured (set AUTH_JWT_SECRET)")
			}
			if role != auth.RoleOperator && role != auth.RoleViewer {
				return fmt.Errorf("unknown role %q (operator|viewer)", role)
			}
			if duration <= 0 {
				duration = cfg.AuthConfig.TokenDuration
			}

			mgr := auth.NewJWTManager(cfg.AuthConfig.JWTSecret, cfg.AuthConfig.Issuer, duration)
			token, err := mgr.GenerateToken(auth.OperatorClaims{Operator: operator, Role: role})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&operator, "operator", "", "Operator name recorded on stops")
	cmd.Flags().StringVar(&role, "role", auth.RoleOperator, "Role (operator|viewer)")
	cmd.Flags().DurationVar(&duration, "duration", 0, "Token lifetime (default from config)")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}
