package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/a-essam23/stompd/internal/auth"
	"github.com/a-essam23/stompd/pkg/logging"
)

// TokenCmd prints a signed token that can be sent as a CONNECT passcode.
func TokenCmd() *cobra.Command {
	var (
		user string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a login token signed with auth.jwtSecret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, logging.New(logging.LevelError, "text"))
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwtSecret is not configured")
			}

			token, err := auth.NewTokenVerifier(cfg.Auth.JWTSecret).Issue(user, ttl)
			if err != nil {
				return fmt.Errorf("failed to sign token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "login the token is issued for")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 = no expiry)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
