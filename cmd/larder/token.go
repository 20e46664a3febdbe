package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/larder/internal/api"
	"github.com/MrWong99/larder/pkg/inventory"
)

var (
	tokenRole string
	tokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Issue an API bearer token",
	Long: `Sign a bearer token for user-id with server.jwt_secret. Intended for
local testing and service accounts; production deployments usually mint
tokens from their identity provider with the same secret.`,
	Args: cobra.ExactArgs(1),
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenRole, "role", string(inventory.RoleStaff), "role claim: owner, manager, staff or viewer")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Server.JWTSecret == "" {
		return errors.New("server.jwt_secret is not set; the API runs in dev mode and needs no token")
	}
	role := inventory.Role(tokenRole)
	if !role.IsValid() {
		return fmt.Errorf("unknown role %q", tokenRole)
	}
	tok, err := api.IssueToken(cfg.Server.JWTSecret, args[0], role, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), tok)
	return nil
}
