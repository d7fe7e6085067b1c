package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// configKey is one settable entry of config.toml.
type configKey struct {
	name   string
	help   string
	def    string
	secret bool
	get    func(*Config) string
	set    func(*Config, string) error
}

var configKeys = []configKey{
	{
		name: "default.base_url",
		help: "chatsync server URL",
		get:  func(c *Config) string { return c.Default.BaseURL },
		set: func(c *Config, v string) error {
			if !strings.HasPrefix(v, "http://") && !strings.HasPrefix(v, "https://") {
				return fmt.Errorf("default.base_url must start with http:// or https://")
			}
			c.Default.BaseURL = strings.TrimRight(v, "/")
			return nil
		},
	},
	{
		name: "identity.user_id",
		help: "user ID messages are sent as; DM rooms are derived from it",
		get:  func(c *Config) string { return c.Identity.UserID },
		set: func(c *Config, v string) error {
			if strings.TrimSpace(v) == "" {
				return fmt.Errorf("identity.user_id cannot be empty")
			}
			c.Identity.UserID = v
			return nil
		},
	},
	{
		name: "identity.display_name",
		help: "sender name shown next to messages",
		get:  func(c *Config) string { return c.Identity.DisplayName },
		set:  func(c *Config, v string) error { c.Identity.DisplayName = v; return nil },
	},
	{
		name:   "identity.token",
		help:   "session token from `chatsyncd token`; needed for edit, delete and dm",
		secret: true,
		get:    func(c *Config) string { return c.Identity.Token },
		set:    func(c *Config, v string) error { c.Identity.Token = v; return nil },
	},
	{
		name: "sync.transport",
		help: "tail transport: poll or push",
		def:  "poll",
		get:  func(c *Config) string { return c.Sync.Transport },
		set: func(c *Config, v string) error {
			if v != "poll" && v != "push" {
				return fmt.Errorf("sync.transport must be poll or push")
			}
			c.Sync.Transport = v
			return nil
		},
	},
	{
		name: "sync.poll_interval",
		help: "poll period as a Go duration, e.g. 500ms or 2s",
		def:  "2s",
		get:  func(c *Config) string { return c.Sync.PollInterval },
		set: func(c *Config, v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("sync.poll_interval: %w", err)
			}
			if d <= 0 {
				return fmt.Errorf("sync.poll_interval must be positive")
			}
			c.Sync.PollInterval = v
			return nil
		},
	},
	{
		name: "sync.failure_threshold",
		help: "consecutive failed polls before tail reports a drop; 0 never reports",
		def:  "0",
		get: func(c *Config) string {
			if c.Sync.FailureThreshold == 0 {
				return ""
			}
			return strconv.Itoa(c.Sync.FailureThreshold)
		},
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return fmt.Errorf("sync.failure_threshold must be a non-negative integer")
			}
			c.Sync.FailureThreshold = n
			return nil
		},
	},
}

func lookupConfigKey(name string) (configKey, error) {
	for _, k := range configKeys {
		if k.name == name {
			return k, nil
		}
	}
	if !strings.Contains(name, ".") {
		return configKey{}, fmt.Errorf("key must use dot notation: section.field (e.g. identity.user_id)")
	}
	return configKey{}, fmt.Errorf("unknown config key %q (see 'chatsync config keys')", name)
}

// setConfigValue validates value and stores it under key.
func setConfigValue(cfg *Config, key, value string) error {
	k, err := lookupConfigKey(key)
	if err != nil {
		return err
	}
	return k.set(cfg, value)
}

// effectiveValue is what the CLI will use for key: the stored value, else
// the built-in default. Secrets are masked.
func effectiveValue(cfg *Config, k configKey) (value string, isDefault bool) {
	v := k.get(cfg)
	if v == "" {
		return k.def, true
	}
	if k.secret {
		return maskKey(v), false
	}
	return v, false
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configKeysCmd)
	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "print config.toml as stored, token included")
}

var configShowRaw bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the CLI configuration stored in ~/.chatsync/config.toml (or $CHATSYNC_HOME).",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print every key with the value the CLI will use. Keys that are not set
show their built-in default, marked "(default)". The token is masked
unless --raw is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if configShowRaw {
			path, err := configPath()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Println("No configuration file found. Run 'chatsync init <base-url>' to create one.")
					return nil
				}
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Print(string(data))
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		for _, k := range configKeys {
			v, isDefault := effectiveValue(cfg, k)
			switch {
			case v == "":
				v = "(not set)"
			case isDefault:
				v += " (default)"
			}
			fmt.Fprintf(tw, "%s\t%s\n", k.name, v)
		}
		return tw.Flush()
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := lookupConfigKey(args[0])
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		v, _ := effectiveValue(cfg, k)
		fmt.Fprintln(cmd.OutOrStdout(), v)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value using dot notation. Values are validated:
sync.transport accepts poll or push, sync.poll_interval a positive Go
duration, sync.failure_threshold a non-negative integer, and
default.base_url an http(s) URL. Run 'chatsync config keys' for the list.`,
	Example: "  chatsync config set identity.display_name Alice\n  chatsync config set sync.transport push\n  chatsync config set sync.poll_interval 500ms",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		k, _ := lookupConfigKey(key)
		v, _ := effectiveValue(cfg, k)
		fmt.Printf("Set %s = %s\n", key, v)
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List configuration keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		for _, k := range configKeys {
			def := k.def
			if def == "" {
				def = "-"
			}
			fmt.Fprintf(tw, "%s\t%s\tdefault: %s\n", k.name, k.help, def)
		}
		return tw.Flush()
	},
}
