package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nexus-im/kindred/internal/auth"
	"github.com/nexus-im/kindred/internal/config"
)

var tokenUsername string

// tokenCmd mints a development credential signed with the configured secret.
var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Issue a development bearer token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		authn := auth.NewAuthenticator(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Validity)
		username := tokenUsername
		if username == "" {
			username = args[0]
		}
		token, err := authn.GenerateToken(auth.Identity{UserID: args[0], Username: username})
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
		return err
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUsername, "username", "", "Username claim. Defaults to the user id.")
}
