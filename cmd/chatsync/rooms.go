package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	chatsync "github.com/chatsync-dev/chatsync"
)

func init() {
	rootCmd.AddCommand(roomsCmd)
	roomsCmd.AddCommand(roomsSlugCmd, roomsDMCmd, roomsInspectCmd)
}

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "Derive and inspect room IDs offline",
}

var roomsSlugCmd = &cobra.Command{
	Use:   "slug <name>...",
	Short: "Print the room ID for a display name",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := chatsync.RoomIDFromName(strings.Join(args, " "))
		if id == "" {
			return fmt.Errorf("name has no letters or digits")
		}
		fmt.Println(id)
		return nil
	},
}

var roomsDMCmd = &cobra.Command{
	Use:   "dm <user-a> <user-b>",
	Short: "Print the DM room ID of two users",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(chatsync.DMRoomID(args[0], args[1]))
		return nil
	},
}

var roomsInspectCmd = &cobra.Command{
	Use:   "inspect <room-id>",
	Short: "Classify a room ID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		switch {
		case chatsync.IsPublicRoom(id):
			fmt.Println("public")
		case chatsync.IsDMRoom(id):
			a, b, ok := chatsync.ExtractDMParticipants(id)
			if !ok {
				fmt.Println("dm (participants not recoverable)")
				return nil
			}
			fmt.Printf("dm between %s and %s\n", a, b)
		case chatsync.IsGroupRoom(id):
			fmt.Printf("group %s\n", strings.TrimPrefix(id, "group-"))
		default:
			fmt.Println("named room")
		}
		return nil
	},
}
