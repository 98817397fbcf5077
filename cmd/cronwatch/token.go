package main

import (
	"fmt"
	"time"

	"github.com/caevv/cronwatch/internal/server"
	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token <user>",
	Short: "Issue an API token acting as a user",
	Long: `Sign a short-lived API token for a user id with server.api_token.

Requests made with the static API token act as the system and bypass
permission checks. Requests made with a user token are checked against the
admin and maintainer tables like slash commands are.

Example:
  cronwatch token U024BE7LH --ttl 24h`,
	Args: cobra.ExactArgs(1),
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().Duration("ttl", 12*time.Hour, "How long the token stays valid")
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Server.APIToken == "" {
		return fmt.Errorf("server.api_token is not set; user tokens are signed with it")
	}

	ttl, _ := cmd.Flags().GetDuration("ttl")
	if ttl <= 0 {
		return fmt.Errorf("--ttl must be positive")
	}
	token, err := server.IssueUserToken(cfg.Server.APIToken, args[0], ttl)
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
