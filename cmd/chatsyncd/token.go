package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatsync-dev/chatsync/internal/auth"
	"github.com/chatsync-dev/chatsync/internal/config"
)

var (
	tokenUser  string
	tokenAdmin bool
	tokenTTL   time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a session token signed with AUTH_SECRET",
	Example: `  chatsyncd token --user u1
  chatsyncd token --user ops --admin --ttl 1h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if tokenUser == "" {
			return fmt.Errorf("--user is required")
		}
		role := auth.RoleUser
		if tokenAdmin {
			role = auth.RoleAdmin
		}
		tok, err := auth.NewIssuer(config.Load().AuthSecret, tokenTTL).GenerateToken(tokenUser, role)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user ID the token is issued to")
	tokenCmd.Flags().BoolVar(&tokenAdmin, "admin", false, "grant the admin role")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}
