package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	initUser  string
	initName  string
	initToken string
)

func init() {
	initCmd.Flags().StringVar(&initUser, "user", "", "user ID to post as (default: generated)")
	initCmd.Flags().StringVar(&initName, "name", "", "display name (default: the user ID)")
	initCmd.Flags().StringVar(&initToken, "token", "", "session token for edit, delete and dm")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <base-url>",
	Short: "Store the server URL and identity in ~/.chatsync/config.toml",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.BaseURL = args[0]
		if initUser != "" {
			cfg.Identity.UserID = initUser
		}
		if cfg.Identity.UserID == "" {
			cfg.Identity.UserID = fmt.Sprintf("user-%d", time.Now().UnixMilli())
		}
		if initName != "" {
			cfg.Identity.DisplayName = initName
		}
		if cfg.Identity.DisplayName == "" {
			cfg.Identity.DisplayName = cfg.Identity.UserID
		}
		if initToken != "" {
			cfg.Identity.Token = initToken
		}
		if cfg.Sync.Transport == "" {
			cfg.Sync.Transport = "poll"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Configuration saved to %s (posting as %s)\n", path, cfg.Identity.UserID)
		return nil
	},
}
