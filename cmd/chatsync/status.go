package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and server health",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:     %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		fmt.Printf("  User ID:      %s\n", valueOrDefault(cfg.Identity.UserID, "(not set)"))
		fmt.Printf("  Display Name: %s\n", valueOrDefault(cfg.Identity.DisplayName, "(not set)"))
		if cfg.Identity.Token != "" {
			fmt.Printf("  Token:        %s\n", maskKey(cfg.Identity.Token))
		} else {
			fmt.Println("  Token:        (not set)")
		}
		fmt.Printf("  Transport:    %s\n", valueOrDefault(cfg.Sync.Transport, "poll"))

		if cfg.Default.BaseURL == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Server:")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		health, err := getClient(cfg).Health(ctx)
		if err != nil {
			fmt.Printf("  Error: %v\n", err)
			return nil
		}
		fmt.Printf("  Status:       %s\n", health.Status)
		fmt.Printf("  Server time:  %s\n", health.Timestamp.Format(time.RFC3339))
		return nil
	},
}
