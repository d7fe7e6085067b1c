package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	chatsync "github.com/chatsync-dev/chatsync"
)

// Room selection flags shared by every command that addresses a room.
var (
	roomFlag  string
	dmFlag    string
	groupFlag string
)

func addRoomFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&roomFlag, "room", "", "room ID (default: public)")
	cmd.Flags().StringVar(&dmFlag, "dm", "", "DM room with this user ID")
	cmd.Flags().StringVar(&groupFlag, "group", "", "room of this group ID")
	cmd.MarkFlagsMutuallyExclusive("room", "dm", "group")
}

// mustLoadConfig loads the config or exits when none usable exists.
func mustLoadConfig() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.BaseURL == "" {
		fmt.Fprintln(os.Stderr, "No server configured. Run 'chatsync init <base-url>' first.")
		os.Exit(1)
	}
	return cfg
}

// getClient creates a client for the configured server, authenticated with the
// session token when one is stored.
func getClient(cfg *Config) *chatsync.Client {
	return chatsync.NewClient(cfg.Identity.Token,
		chatsync.WithBaseURL(cfg.Default.BaseURL),
		chatsync.WithTimeout(15*time.Second),
	)
}

func identity(cfg *Config) chatsync.Identity {
	id := chatsync.Identity{UserID: cfg.Identity.UserID, DisplayName: cfg.Identity.DisplayName}
	if id.DisplayName == "" {
		id.DisplayName = id.UserID
	}
	return id
}

// selectedRoom resolves the room flags against the configured identity.
func selectedRoom(cfg *Config) (string, error) {
	switch {
	case dmFlag != "":
		if cfg.Identity.UserID == "" {
			return "", fmt.Errorf("--dm needs identity.user_id; run 'chatsync config set identity.user_id <id>'")
		}
		return chatsync.DMRoomID(cfg.Identity.UserID, dmFlag), nil
	case groupFlag != "":
		return chatsync.GroupRoomID(groupFlag), nil
	case roomFlag != "":
		return roomFlag, nil
	default:
		return chatsync.PublicRoomID(), nil
	}
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func printMessage(m chatsync.Message) {
	edited := ""
	if m.IsEdited {
		edited = " (edited)"
	}
	fmt.Printf("[%s] %s: %s%s  (%s)\n",
		m.CreatedAt.Local().Format("15:04:05"), m.SenderName, m.Text, edited, m.ID)
}

// maskKey shows the first and last few characters of a secret.
func maskKey(key string) string {
	if len(key) <= 16 {
		if len(key) <= 8 {
			return "****"
		}
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
