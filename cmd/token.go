package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/collabd/internal/auth"
	"github.com/nextlevelbuilder/collabd/internal/config"
)

func tokenCmd() *cobra.Command {
	var (
		user string
		name string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signed access token (local JWT auth only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Auth.Secret == "" {
				return fmt.Errorf("COLLABD_AUTH_SECRET is not set")
			}
			if user == "" {
				return fmt.Errorf("--user is required")
			}
			provider := auth.NewJWTProvider(cfg.Auth.Secret, cfg.Auth.Issuer)
			token, err := provider.Issue(user, name, ttl)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id (sub claim)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
