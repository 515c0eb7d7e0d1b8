package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kzyno/bankroll-engine/internal/casino"
	"github.com/kzyno/bankroll-engine/internal/config"
)

var (
	tokenSubject string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for local use",
	Long: `Sign a bearer token with JWT_SECRET for the given subject.

Examples:
  kzyno token --subject house --ttl 24h
  kzyno token -s alice`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("%w: JWT_SECRET is required", config.ErrInvalid)
		}
		token, err := casino.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer).Issue(tokenSubject, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().StringVarP(&tokenSubject, "subject", "s", "", "caller identity (required)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
	tokenCmd.MarkFlagRequired("subject")
}
