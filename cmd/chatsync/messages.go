package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	chatsync "github.com/chatsync-dev/chatsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	jsonOutput bool

	// history
	historyLimit int
	historyAll   bool
)

func init() {
	for _, c := range []*cobra.Command{historyCmd, sendCmd, editCmd, deleteCmd, whoCmd} {
		addRoomFlags(c)
		rootCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{historyCmd, sendCmd, editCmd, whoCmd, dmCmd} {
		c.Flags().BoolVar(&jsonOutput, "json", false, "print raw JSON")
	}
	rootCmd.AddCommand(dmCmd)

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", chatsync.DefaultHistoryLimit, "messages per page")
	historyCmd.Flags().BoolVar(&historyAll, "all", false, "follow continuation tokens until the room is exhausted")
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print recent messages of a room",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustLoadConfig()
		room, err := selectedRoom(cfg)
		if err != nil {
			return err
		}
		client := getClient(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		var all []chatsync.Message
		opts := &chatsync.HistoryOptions{Limit: historyLimit}
		for {
			page, err := client.GetMessages(ctx, room, opts)
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			// Pages walk backwards in time; each is oldest first.
			all = append(page.Messages, all...)
			if !historyAll || page.ContinuationToken == "" {
				break
			}
			opts.ContinuationToken = page.ContinuationToken
		}

		if jsonOutput {
			return printJSON(all)
		}
		if len(all) == 0 {
			fmt.Printf("No messages in %s.\n", room)
			return nil
		}
		for _, m := range all {
			printMessage(m)
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:     "send <text>...",
	Short:   "Post a message",
	Example: "  chatsync send hello world\n  chatsync send --dm u2 'are you there?'",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustLoadConfig()
		room, err := selectedRoom(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		engine := chatsync.NewEngine(getClient(cfg), nil, identity(cfg))
		msg, err := engine.SendMessage(ctx, strings.Join(args, " "), "", "", room)
		if err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(msg)
		}
		fmt.Printf("Sent %s to %s\n", msg.ID, msg.RoomID)
		return nil
	},
}

// ============================================================================
// edit / delete
// ============================================================================

var editCmd = &cobra.Command{
	Use:   "edit <message-id> <text>...",
	Short: "Replace the text of a message you sent",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustLoadConfig()
		room, err := selectedRoom(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		msg, err := getClient(cfg).EditMessage(ctx, args[0], &chatsync.EditMessageRequest{
			Text:   strings.Join(args[1:], " "),
			RoomID: room,
		})
		if err != nil {
			return fmt.Errorf("edit failed: %w", err)
		}

		if jsonOutput {
			return printJSON(msg)
		}
		printMessage(*msg)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <message-id>",
	Short: "Delete a message you sent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustLoadConfig()
		room, err := selectedRoom(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := getClient(cfg).DeleteMessage(ctx, args[0], room); err != nil {
			return fmt.Errorf("delete failed: %w", err)
		}
		fmt.Printf("Deleted %s\n", args[0])
		return nil
	},
}

// ============================================================================
// who / dm
// ============================================================================

var whoCmd = &cobra.Command{
	Use:   "who",
	Short: "List users connected to a room",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustLoadConfig()
		room, err := selectedRoom(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		res, err := getClient(cfg).RoomUsers(ctx, room)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if jsonOutput {
			return printJSON(res)
		}
		if len(res.Users) == 0 {
			fmt.Printf("Nobody is connected to %s.\n", res.RoomID)
			return nil
		}
		for _, u := range res.Users {
			fmt.Println(u)
		}
		return nil
	},
}

var dmCmd = &cobra.Command{
	Use:   "dm <user-id>",
	Short: "Resolve the DM room shared with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustLoadConfig()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		res, err := getClient(cfg).CreateDMRoom(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if jsonOutput {
			return printJSON(res)
		}
		fmt.Println(res.RoomID)
		return nil
	},
}
