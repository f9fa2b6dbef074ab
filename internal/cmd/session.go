package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/inercia/agentchat/internal/client"
	"github.com/inercia/agentchat/internal/protocol"
)

var sessionMessages bool

// cancelCmd represents the cancel command
var cancelCmd = &cobra.Command{
	Use:   "cancel SESSION_ID",
	Short: "Cancel the task of a backend session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newAPIClient().CancelTask(cmd.Context(), args[0])
		if err != nil {
			if client.IsNotFound(err) {
				return fmt.Errorf("session %s not found", args[0])
			}
			return err
		}
		status := resp.Status
		if status == "" {
			status = "cancelled"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "🛑 %s: %s\n", args[0], status)
		return nil
	},
}

// sessionCmd represents the session command
var sessionCmd = &cobra.Command{
	Use:   "session SESSION_ID",
	Short: "Show the backend's view of a session",
	Long: `Show whether a session is connected, whether its task still exists and
how many messages the backend keeps for replaying it.

Use --messages to list the buffered messages.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := newAPIClient().GetSessionInfo(cmd.Context(), args[0])
		if err != nil {
			if client.IsNotFound(err) {
				return fmt.Errorf("session %s not found", args[0])
			}
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Session:          %s\n", info.SessionID)
		fmt.Fprintf(out, "Connected:        %t\n", info.IsConnected)
		fmt.Fprintf(out, "Task exists:      %t\n", info.TaskExists)
		fmt.Fprintf(out, "Buffered messages: %d\n", info.SavedStateMessages)

		if sessionMessages {
			for i, raw := range info.StateMessages {
				fmt.Fprintf(out, "  %3d %s\n", i+1, describeFrame(raw))
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(sessionCmd)

	sessionCmd.Flags().BoolVar(&sessionMessages, "messages", false, "List the messages buffered for replay")
}

// describeFrame summarizes a buffered server message.
func describeFrame(raw json.RawMessage) string {
	msg, err := protocol.Decode(raw)
	if err != nil {
		return fmt.Sprintf("(undecodable: %v)", err)
	}
	switch m := msg.(type) {
	case protocol.TaskProgress:
		return fmt.Sprintf("%s %s", m.Type(), m.Event.EventName())
	case protocol.TaskFailed:
		return fmt.Sprintf("%s %s", m.Type(), m.Reason())
	case protocol.RequestConfirmation:
		return fmt.Sprintf("%s %s", m.Type(), m.ID)
	case protocol.Unknown:
		return fmt.Sprintf("unknown %s", m.MessageType)
	}
	return string(msg.Type())
}
