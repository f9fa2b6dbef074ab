// Package client provides a Go client for the agent backend REST API.
//
// The backend runs one task per session: a task is started over REST, its
// progress is streamed over the session WebSocket (see package transport),
// and it can be cancelled over REST.
//
// # Basic Usage
//
// Start a task and look up its session:
//
//	c := client.New("http://localhost:8000")
//	resp, err := c.StartTask(ctx, client.ModeAgent, "What is the weather in Paris?")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	info, err := c.GetSessionInfo(ctx, resp.SessionID)
//
// Cancel it:
//
//	_, err = c.CancelTask(ctx, resp.SessionID)
//
// # Errors
//
// Queries are validated locally before being sent (ErrEmptyQuery,
// ErrQueryTooLong, ErrInvalidMode). Non-2xx responses are returned as
// *APIError, carrying the backend's "detail" text when present.
//
// # Thread Safety
//
// The Client is safe for concurrent use from multiple goroutines.
package client
