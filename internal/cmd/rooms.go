package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/inercia/agentchat/internal/store"
)

var (
	roomsFollow   bool
	roomsMessages int
)

// roomsCmd represents the rooms command
var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "Show the persisted chat rooms",
	Long: `Print the chat rooms saved in the data directory, with their status and
last messages.

Use --follow to print them again whenever another agentchat process updates
the file.`,
	Args: cobra.NoArgs,
	RunE: runRooms,
}

func init() {
	rootCmd.AddCommand(roomsCmd)

	roomsCmd.Flags().BoolVarP(&roomsFollow, "follow", "f", false, "Keep running and print the rooms when they change")
	roomsCmd.Flags().IntVarP(&roomsMessages, "messages", "n", 3, "Number of messages to show per room")
}

func runRooms(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	path, err := cfg.StorePath()
	if err != nil {
		return err
	}

	rooms, err := store.LoadFile(path)
	if err != nil {
		return err
	}
	if len(rooms) == 0 && !roomsFollow {
		fmt.Fprintf(out, "No chat rooms saved in %s\n", path)
		return nil
	}
	printRooms(out, rooms, roomsMessages)

	if !roomsFollow {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return store.Watch(ctx, path, func(rooms []store.Room) {
		fmt.Fprintln(out, "---")
		printRooms(out, rooms, roomsMessages)
	})
}

func printRooms(out io.Writer, rooms []store.Room, n int) {
	for _, r := range rooms {
		fmt.Fprint(out, formatRoom(r, n))
	}
}
