package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/shlex"
	"github.com/reeflective/readline"
	"github.com/spf13/cobra"

	"github.com/inercia/agentchat/internal/logging"
	"github.com/inercia/agentchat/internal/session"
	"github.com/inercia/agentchat/internal/store"
)

// chatCmd represents the chat command
var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive chat with the agent backend",
	Long: `Start an interactive chat in a room.

Every line is sent to the backend as a new task and the reply is streamed
as it arrives. When the agent asks for something, answer with a command.

Commands:
  /confirm yes|no         - Answer a confirmation request
  /input name=value ...   - Fill in requested fields (quote values with spaces)
  /retry yes|no           - Answer a retry request
  /cancel                 - Cancel the current task
  /status                 - Show the room status and pending requests
  /history [n]            - Show the last n messages (default 10)
  /rooms                  - List the chat rooms
  /quit, /exit            - Exit the chat
  /help                   - Show available commands`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
}

// lineReader is satisfied by *readline.Shell.
type lineReader interface {
	Readline() (string, error)
}

// scannerReader reads lines from a non-interactive input.
type scannerReader struct {
	sc *bufio.Scanner
}

func (r *scannerReader) Readline() (string, error) {
	if !r.sc.Scan() {
		if err := r.sc.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return r.sc.Text(), nil
}

func runChat(cmd *cobra.Command, args []string) error {
	out := &syncWriter{w: cmd.OutOrStdout()}

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

	sh := newChatShell(out, s, ctl)
	defer sh.close()

	var lr lineReader
	if f, ok := cmd.InOrStdin().(*os.File); ok && isTerminal(f) {
		rl := readline.NewShell()
		rl.Prompt.Primary(func() string { return fmt.Sprintf("agentchat[%s]> ", ctl.RoomID()) })
		rl.History.Add("default", readline.NewInMemoryHistory())
		rl.Completer = func(line []rune, cursor int) readline.Completions {
			return completeInput(string(line), cursor)
		}
		lr = rl
		fmt.Fprintf(out, "\n📝 Chatting in room %q with %s (%s). Use /help for commands. Tab completes commands.\n",
			ctl.RoomID(), cfg.Server.BaseURL, ctl.Mode())
	} else {
		lr = &scannerReader{sc: bufio.NewScanner(cmd.InOrStdin())}
	}

	return sh.run(cmd.Context(), lr)
}

// chatShell runs the interactive loop against one controller.
type chatShell struct {
	out         io.Writer
	store       *store.Store
	ctl         *session.Controller
	unsubscribe func()
}

func newChatShell(out io.Writer, s *store.Store, ctl *session.Controller) *chatShell {
	sh := &chatShell{out: out, store: s, ctl: ctl}
	sh.unsubscribe = s.Subscribe(newRoomPrinter(out, s, ctl.RoomID(), true))
	return sh
}

func (sh *chatShell) close() {
	sh.unsubscribe()
}

func (sh *chatShell) run(ctx context.Context, lr lineReader) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		line, err := lr.Readline()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, readline.ErrInterrupt) {
				fmt.Fprintln(sh.out, "\n👋 Goodbye!")
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := sh.handleCommand(ctx, line); quit {
				return nil
			}
			continue
		}

		if err := sh.submit(ctx, line); err != nil {
			fmt.Fprintf(sh.out, "\n❌ Error: %v\n", err)
		}
	}
}

// submit starts a task and waits until it ends or needs an answer.
func (sh *chatShell) submit(ctx context.Context, query string) error {
	fmt.Fprintln(sh.out)
	if err := sh.ctl.StartTask(ctx, query); err != nil {
		return err
	}
	sh.wait(ctx)
	return nil
}

// needsAnswer reports whether the room waits for the user.
func needsAnswer(r store.Room) bool {
	return len(r.ConfirmationRequests) > 0 ||
		len(r.UserInputRequests) > 0 ||
		(r.Status == store.StatusFailed && r.Retry != nil && r.Retry.CanRetry)
}

// wait blocks until the task ends or needs an answer. An interrupt cancels
// the task.
func (sh *chatShell) wait(ctx context.Context) {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wake := make(chan struct{}, 1)
	unsubscribe := sh.store.Subscribe(store.ObserverFunc(func(ch store.Change) {
		if ch.RoomID != sh.ctl.RoomID() {
			return
		}
		select {
		case wake <- struct{}{}:
		default:
		}
	}))
	defer unsubscribe()

	for {
		r := sh.ctl.Room()
		if needsAnswer(r) {
			return
		}
		if !r.Status.Busy() {
			if r.Status != store.StatusIdle {
				fmt.Fprintf(sh.out, "%s task ended: %s\n", statusIcon(r.Status), r.Status)
			}
			return
		}
		select {
		case <-wake:
		case <-ctx.Done():
			sh.cancel()
			return
		}
	}
}

func (sh *chatShell) cancel() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sh.ctl.CancelTask(ctx); err != nil {
		logging.CLI().Warn("cancel failed", "error", err)
		fmt.Fprintf(sh.out, "\n❌ Cancel error: %v\n", err)
		return
	}
	fmt.Fprintln(sh.out, "\n🛑 Cancelled")
}

type slashCommand struct {
	name        string
	description string
}

// slashCommands defines the available slash commands with their descriptions.
var slashCommands = []slashCommand{
	{"/help", "Show available commands"},
	{"/h", "Show available commands (alias)"},
	{"/?", "Show available commands (alias)"},
	{"/quit", "Exit the chat"},
	{"/exit", "Exit the chat (alias)"},
	{"/q", "Exit the chat (alias)"},
	{"/cancel", "Cancel the current task"},
	{"/confirm", "Answer a confirmation request: /confirm yes|no"},
	{"/input", "Fill in requested fields: /input name=value ..."},
	{"/retry", "Answer a retry request: /retry yes|no"},
	{"/status", "Show the room status"},
	{"/history", "Show the last messages: /history [n]"},
	{"/rooms", "List the chat rooms"},
}

// handleCommand runs a slash command and reports whether the shell should
// exit.
func (sh *chatShell) handleCommand(ctx context.Context, line string) bool {
	name, rest, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	name = strings.ToLower(name)
	rest = strings.TrimSpace(rest)

	switch name {
	case "quit", "exit", "q":
		fmt.Fprintln(sh.out, "👋 Goodbye!")
		return true

	case "cancel":
		sh.cancel()

	case "confirm":
		if len(sh.ctl.Room().ConfirmationRequests) == 0 {
			fmt.Fprintln(sh.out, "No pending confirmation")
			return false
		}
		v, err := parseYesNo(rest)
		if err != nil {
			fmt.Fprintf(sh.out, "❌ %v\n", err)
			return false
		}
		if err := sh.ctl.HandleConfirm(v); err != nil {
			fmt.Fprintf(sh.out, "❌ Confirm error: %v\n", err)
			return false
		}
		if v {
			sh.wait(ctx)
		}

	case "input":
		if len(sh.ctl.Room().UserInputRequests) == 0 {
			fmt.Fprintln(sh.out, "No pending input request")
			return false
		}
		values, err := parseInputArgs(rest)
		if err != nil {
			fmt.Fprintf(sh.out, "❌ %v\n", err)
			return false
		}
		if err := sh.ctl.HandleInputSubmit(values); err != nil {
			fmt.Fprintf(sh.out, "❌ Input error: %v\n", err)
			return false
		}
		sh.wait(ctx)

	case "retry":
		if sh.ctl.Room().Retry == nil {
			fmt.Fprintln(sh.out, "No pending retry request")
			return false
		}
		v, err := parseYesNo(rest)
		if err != nil {
			fmt.Fprintf(sh.out, "❌ %v\n", err)
			return false
		}
		if err := sh.ctl.HandleRetry(v); err != nil {
			fmt.Fprintf(sh.out, "❌ Retry error: %v\n", err)
			return false
		}
		if v {
			sh.wait(ctx)
		}

	case "status":
		sh.printStatus()

	case "history":
		n := 10
		if rest != "" {
			v, err := strconv.Atoi(rest)
			if err != nil || v < 0 {
				fmt.Fprintf(sh.out, "❌ invalid count %q\n", rest)
				return false
			}
			n = v
		}
		fmt.Fprint(sh.out, formatRoom(sh.ctl.Room(), n))

	case "rooms":
		for _, r := range sh.store.Rooms() {
			fmt.Fprint(sh.out, formatRoom(r, 0))
		}

	case "help", "h", "?":
		sh.printHelp()

	default:
		fmt.Fprintf(sh.out, "❓ Unknown command: %s (use /help for available commands)\n", name)
	}
	return false
}

func (sh *chatShell) printStatus() {
	r := sh.ctl.Room()
	fmt.Fprint(sh.out, formatRoom(r, 0))
	for _, req := range r.ConfirmationRequests {
		fmt.Fprintf(sh.out, "  ❓ %s\n", req.Message)
	}
	if len(r.UserInputRequests) > 0 {
		fmt.Fprint(sh.out, formatFields(r.UserInputRequests))
	}
	if r.Retry != nil {
		fmt.Fprintf(sh.out, "  ⚠️  attempt %d: %s\n", r.Retry.Attempt, r.Retry.Error)
	}
}

func (sh *chatShell) printHelp() {
	fmt.Fprintln(sh.out, "\nAvailable commands:")
	for _, c := range slashCommands {
		fmt.Fprintf(sh.out, "  %-10s - %s\n", c.name, c.description)
	}
	fmt.Fprintln(sh.out, `
Tips:
  - Type your message and press Enter to send it to the agent
  - Use Ctrl+C to cancel a running task
  - Use up/down arrows for command history
  - Use Tab to autocomplete slash commands`)
}

// parseInputArgs parses "name=value" pairs, shell-quoted.
func parseInputArgs(s string) (map[string]string, error) {
	words, err := shlex.Split(s)
	if err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if len(words) == 0 {
		return nil, errors.New("usage: /input name=value ...")
	}
	values := make(map[string]string, len(words))
	for _, w := range words {
		k, v, ok := strings.Cut(w, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid field %q, want name=value", w)
		}
		values[k] = v
	}
	return values, nil
}

// completeInput provides tab completion for the chat input.
// It completes slash commands when the input starts with "/".
func completeInput(line string, cursor int) readline.Completions {
	if cursor > len(line) {
		cursor = len(line)
	}
	text := line[:cursor]

	if !strings.HasPrefix(text, "/") {
		return readline.Completions{}
	}

	pairs := make([]string, 0, len(slashCommands)*2)
	for _, cmd := range matchCommands(text) {
		pairs = append(pairs, cmd.name, cmd.description)
	}
	if len(pairs) == 0 {
		return readline.Completions{}
	}

	return readline.CompleteValuesDescribed(pairs...).
		Tag("commands").
		NoSpace('/')
}

// matchCommands returns the slash commands starting with prefix.
func matchCommands(prefix string) []slashCommand {
	var out []slashCommand
	for _, cmd := range slashCommands {
		if strings.HasPrefix(cmd.name, prefix) {
			out = append(out, cmd)
		}
	}
	return out
}
