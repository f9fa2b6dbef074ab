package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/inercia/agentchat/internal/logging"
	"github.com/inercia/agentchat/internal/session"
	"github.com/inercia/agentchat/internal/store"
)

var (
	askYes   bool
	askQuiet bool
)

// askCmd represents the ask command
var askCmd = &cobra.Command{
	Use:   "ask QUERY...",
	Short: "Send one query and print the agent's reply",
	Long: `Send a single query to the backend, stream the reply to stdout and
exit when the task ends.

Confirmation and input requests are asked on the terminal, or answered
automatically with --yes (input requests are left empty).

Examples:
  agentchat ask "What is the capital of France?"
  agentchat ask --mode team --yes "Plan a trip to Paris"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	rootCmd.AddCommand(askCmd)

	askCmd.Flags().BoolVarP(&askYes, "yes", "y", false, "Answer yes to every confirmation and retry request")
	askCmd.Flags().BoolVarP(&askQuiet, "quiet", "q", false, "Only print the final reply instead of streaming it")
}

func runAsk(cmd *cobra.Command, args []string) error {
	out := &syncWriter{w: cmd.OutOrStdout()}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	ctl, err := newController(s)
	if err != nil {
		return err
	}
	ctl.Start(context.Background())
	defer ctl.Close()

	if !askQuiet {
		unsubscribe := s.Subscribe(newRoomPrinter(out, s, ctl.RoomID(), false))
		defer unsubscribe()
	}

	res, err := ctl.Ask(ctx, strings.Join(args, " "), terminalAnswers(cmd.InOrStdin(), out, askYes))
	if err != nil {
		if ctx.Err() != nil {
			cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if cerr := ctl.CancelTask(cancelCtx); cerr != nil {
				logging.CLI().Warn("failed to cancel task", "error", cerr)
			}
			fmt.Fprintln(out, "\n🛑 Cancelled")
			return nil
		}
		return err
	}

	if askQuiet {
		fmt.Fprintln(out, res.Reply())
	}
	return taskOutcome(res.Status, res.Retry)
}

// taskOutcome turns the final room status into the command's error.
func taskOutcome(status store.Status, retry *store.RetryPrompt) error {
	switch status {
	case store.StatusIdle, store.StatusCompleted:
		return nil
	case store.StatusError, store.StatusFailed:
		if retry != nil && retry.Error != "" {
			return fmt.Errorf("task failed: %s", retry.Error)
		}
		return errors.New("task failed")
	default:
		return fmt.Errorf("task ended with status %s", status)
	}
}

// terminalAnswers answers prompts from in, or automatically when yes is set.
func terminalAnswers(in io.Reader, out io.Writer, yes bool) session.Answers {
	if yes {
		return session.Answers{
			Confirm: func(req store.ConfirmationRequest) bool {
				fmt.Fprintf(out, "\n❓ %s  [auto: yes]\n", req.Message)
				return true
			},
			Input: func(fields []store.UserInputRequest) map[string]string {
				fmt.Fprintln(out, "\n📝 Input requested, sending empty values")
				return map[string]string{}
			},
			Retry: func(p store.RetryPrompt) bool {
				fmt.Fprintf(out, "\n🔁 Retrying after attempt %d\n", p.Attempt)
				return true
			},
		}
	}

	r := bufio.NewReader(in)
	readLine := func() (string, bool) {
		line, err := r.ReadString('\n')
		if err != nil && line == "" {
			return "", false
		}
		return strings.TrimSpace(line), true
	}

	return session.Answers{
		Confirm: func(req store.ConfirmationRequest) bool {
			fmt.Fprintf(out, "\n❓ %s [y/N] ", req.Message)
			line, _ := readLine()
			v, err := parseYesNo(line)
			return err == nil && v
		},
		Input: func(fields []store.UserInputRequest) map[string]string {
			fmt.Fprintln(out, "\n📝 The agent needs more input:")
			values := make(map[string]string, len(fields))
			for _, f := range fields {
				label := f.Name
				if f.Description != "" {
					label += " (" + f.Description + ")"
				}
				fmt.Fprintf(out, "   %s: ", label)
				line, ok := readLine()
				if !ok {
					break
				}
				values[f.Name] = line
			}
			return values
		},
		Retry: func(p store.RetryPrompt) bool {
			fmt.Fprintf(out, "\n⚠️  Attempt %d failed: %s. Retry? [y/N] ", p.Attempt, p.Error)
			line, _ := readLine()
			v, err := parseYesNo(line)
			return err == nil && v
		},
	}
}

// parseYesNo parses a yes/no answer.
func parseYesNo(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes", "true", "1", "ok":
		return true, nil
	case "n", "no", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected yes or no, got %q", s)
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}
