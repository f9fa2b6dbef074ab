package session

import (
	"context"
	"fmt"

	"github.com/inercia/agentchat/internal/protocol"
	"github.com/inercia/agentchat/internal/store"
)

// Answers decides how Ask responds to prompts raised during a task. Nil
// functions leave the prompt pending until ctx ends.
type Answers struct {
	// Confirm answers a confirmation request.
	Confirm func(req store.ConfirmationRequest) bool
	// Input fills in requested fields.
	Input func(fields []store.UserInputRequest) map[string]string
	// Retry answers a request_retry prompt; it is only asked when the
	// prompt allows retrying.
	Retry func(p store.RetryPrompt) bool
}

// Result is the outcome of Ask.
type Result struct {
	// Status is the room status when the task ended.
	Status store.Status
	// SessionID is the backend session that ran the task.
	SessionID string
	// Messages are the messages appended to the room by the task, the
	// user's query excluded.
	Messages []store.ChatMessage
	// Retry is the retry prompt left by a failed run, if any.
	Retry *store.RetryPrompt
}

// Reply returns the content of the last agent message.
func (r *Result) Reply() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == protocol.RoleAgent {
			return r.Messages[i].Content
		}
	}
	return ""
}

// Ask starts a task and waits for it to end, answering prompts with ans.
// The socket stays open; Close the controller when done.
func (c *Controller) Ask(ctx context.Context, query string, ans Answers) (*Result, error) {
	before := len(c.Room().Messages)

	wake := make(chan struct{}, 1)
	unsubscribe := c.store.Subscribe(store.ObserverFunc(func(ch store.Change) {
		if ch.RoomID != c.roomID {
			return
		}
		select {
		case wake <- struct{}{}:
		default:
		}
	}))
	defer unsubscribe()

	if err := c.StartTask(ctx, query); err != nil {
		return nil, err
	}
	// the user's own message
	before++

	for {
		r := c.Room()
		switch {
		case len(r.ConfirmationRequests) > 0 && ans.Confirm != nil:
			if err := c.HandleConfirm(ans.Confirm(r.ConfirmationRequests[0])); err != nil {
				return result(r, before), fmt.Errorf("answer confirmation: %w", err)
			}
			continue

		case len(r.UserInputRequests) > 0 && ans.Input != nil:
			if err := c.HandleInputSubmit(ans.Input(r.UserInputRequests)); err != nil {
				return result(r, before), fmt.Errorf("submit input: %w", err)
			}
			continue

		case r.Status == store.StatusFailed && r.Retry != nil && r.Retry.CanRetry && ans.Retry != nil:
			if err := c.HandleRetry(ans.Retry(*r.Retry)); err != nil {
				return result(r, before), fmt.Errorf("answer retry: %w", err)
			}
			continue

		case !r.Status.Busy():
			return result(r, before), nil
		}

		select {
		case <-wake:
		case <-ctx.Done():
			return result(c.Room(), before), ctx.Err()
		}
	}
}

func result(r store.Room, from int) *Result {
	res := &Result{Status: r.Status, SessionID: r.SessionID, Retry: r.Retry}
	if from < len(r.Messages) {
		res.Messages = append(res.Messages, r.Messages[from:]...)
	}
	return res
}
