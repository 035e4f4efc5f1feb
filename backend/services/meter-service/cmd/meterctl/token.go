package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"prepaidmeter/backend/services/meter-service/internal/auth"
)

var (
	tokenSubject string
	tokenRole    string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for the meter API",
	Long: `Sign a token with the configured jwtSecret. Mutating routes accept it when
the role is "operator".`,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVarP(&tokenSubject, "subject", "s", "", "Token subject, e.g. the operator name (required)")
	tokenCmd.Flags().StringVar(&tokenRole, "role", auth.RoleOperator, "Role claim")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "Token lifetime (defaults to auth.tokenTtlMinutes)")
	_ = tokenCmd.MarkFlagRequired("subject")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwtSecret is not set; the service accepts requests without tokens")
	}

	ttl := tokenTTL
	if ttl <= 0 {
		ttl = cfg.TokenTTL()
	}
	token, err := auth.NewTokenService(cfg.Auth.JWTSecret, ttl).GenerateToken(tokenSubject, tokenRole)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
	return err
}
