package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "chatsyncd",
	Short: "chatsync chat server and broadcast gateway",
	Long: `chatsyncd serves the chat HTTP API, persists messages and fans them out
to websocket clients through an embedded or external broadcast gateway.

Configuration comes from the environment (and .env when present); see serve --help.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
