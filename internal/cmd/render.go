package cmd

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/inercia/agentchat/internal/protocol"
	"github.com/inercia/agentchat/internal/store"
)

// roomPrinter writes a room's conversation to out as the store changes:
// streaming text is printed incrementally and completed turns are closed
// with their tool calls.
type roomPrinter struct {
	mu     sync.Mutex
	out    io.Writer
	store  *store.Store
	roomID string

	// prompts enables printing of confirmation, input and retry prompts.
	prompts bool

	streamID string
	printed  string
	seen     int
	asked    int
}

func newRoomPrinter(out io.Writer, s *store.Store, roomID string, prompts bool) *roomPrinter {
	r, _ := s.Room(roomID)
	return &roomPrinter{
		out:     out,
		store:   s,
		roomID:  roomID,
		prompts: prompts,
		seen:    len(r.Messages),
	}
}

// OnChange implements store.Observer.
func (p *roomPrinter) OnChange(ch store.Change) {
	if ch.RoomID != p.roomID {
		return
	}
	r, ok := p.store.Room(p.roomID)
	if !ok {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch ch.Kind {
	case store.ChangeStreaming:
		if r.StreamingMessage != nil {
			p.stream(*r.StreamingMessage)
		}

	case store.ChangeMessages:
		if p.seen > len(r.Messages) {
			p.seen = len(r.Messages)
		}
		for _, m := range r.Messages[p.seen:] {
			p.message(m)
		}
		p.seen = len(r.Messages)

	case store.ChangeConfirmation:
		if len(r.ConfirmationRequests) < p.asked {
			p.asked = 0
		}
		if p.prompts {
			for _, req := range r.ConfirmationRequests[p.asked:] {
				fmt.Fprintf(p.out, "\n❓ %s  (answer with /confirm yes|no)\n", req.Message)
			}
		}
		p.asked = len(r.ConfirmationRequests)

	case store.ChangeUserInput:
		if p.prompts && len(r.UserInputRequests) > 0 {
			fmt.Fprintln(p.out, "\n📝 The agent needs more input:")
			fmt.Fprint(p.out, formatFields(r.UserInputRequests))
			fmt.Fprintln(p.out, "   Answer with /input name=value ...")
		}

	case store.ChangeRetry:
		if r.Retry != nil {
			fmt.Fprintf(p.out, "\n⚠️  Attempt %d failed: %s\n", r.Retry.Attempt, r.Retry.Error)
			if p.prompts && r.Retry.CanRetry && r.Status == store.StatusFailed {
				fmt.Fprintln(p.out, "   Retry with /retry yes|no")
			}
		}

	case store.ChangeReset, store.ChangeRestored:
		p.seen = len(r.Messages)
		p.asked = len(r.ConfirmationRequests)
	}
}

func (p *roomPrinter) stream(m store.ChatMessage) {
	if m.ID != p.streamID {
		p.streamID = m.ID
		p.printed = ""
	}
	if strings.HasPrefix(m.Content, p.printed) {
		fmt.Fprint(p.out, m.Content[len(p.printed):])
	} else {
		fmt.Fprint(p.out, "\n"+m.Content)
	}
	p.printed = m.Content
}

func (p *roomPrinter) message(m store.ChatMessage) {
	if m.Role == protocol.RoleUser {
		return
	}
	switch {
	case m.ID == p.streamID && strings.HasPrefix(m.Content, p.printed):
		fmt.Fprint(p.out, m.Content[len(p.printed):])
	case m.ID == p.streamID:
		fmt.Fprint(p.out, "\n"+m.Content)
	default:
		fmt.Fprint(p.out, m.Content)
	}
	fmt.Fprintln(p.out)
	for _, tc := range m.ToolCalls {
		fmt.Fprintf(p.out, "  🔧 %s\n", tc.ToolName)
	}
	if m.ExtraData != nil {
		for _, ref := range m.ExtraData.References {
			fmt.Fprintf(p.out, "  📎 %s\n", ref.Query)
		}
	}
	p.streamID = ""
	p.printed = ""
}

func formatFields(fields []store.UserInputRequest) string {
	var b strings.Builder
	for _, f := range fields {
		fmt.Fprintf(&b, "   - %s", f.Name)
		if f.Type != "" {
			fmt.Fprintf(&b, " (%s)", f.Type)
		}
		if f.Description != "" {
			fmt.Fprintf(&b, ": %s", f.Description)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// statusIcon returns a short marker for a room status.
func statusIcon(s store.Status) string {
	switch s.Normalize() {
	case store.StatusIdle, store.StatusCompleted:
		return "✅"
	case store.StatusStarting, store.StatusRunning:
		return "⏳"
	case store.StatusCancelled:
		return "🛑"
	case store.StatusNotConfirmed, store.StatusNotRetried:
		return "🚫"
	case store.StatusError, store.StatusFailed, store.StatusClosed:
		return "❌"
	}
	return "•"
}

// formatRoom renders a one-room summary, with the last n messages.
func formatRoom(r store.Room, n int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s (%s) status=%s messages=%d", statusIcon(r.Status), r.Name, r.ID, r.Status, len(r.Messages))
	if r.SessionID != "" {
		fmt.Fprintf(&b, " session=%s", r.SessionID)
	}
	b.WriteString("\n")

	msgs := r.Messages
	if n >= 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	for _, m := range msgs {
		fmt.Fprintf(&b, "  %-5s %s\n", m.Role+":", truncate(m.Content, 100))
	}
	return b.String()
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// syncWriter serializes writes from the reducer goroutine and the shell.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
