package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/inercia/agentchat/internal/client"
	"github.com/inercia/agentchat/internal/protocol"
	"github.com/inercia/agentchat/internal/reducer"
	"github.com/inercia/agentchat/internal/store"
	"github.com/inercia/agentchat/internal/transport"
	"github.com/inercia/agentchat/tests/mocks/agentserver"
)

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startBackend(t *testing.T, script agentserver.Script) (*agentserver.Server, *client.Client) {
	t.Helper()
	backend := agentserver.New(agentserver.WithScript(script))
	srv := backend.Start()
	t.Cleanup(srv.Close)
	return backend, client.New(srv.URL, client.WithTimeout(5*time.Second))
}

func newLiveController(t *testing.T, api *client.Client, opts ...Option) (*Controller, *store.Store) {
	t.Helper()
	s := store.New()
	c, err := NewDefault(s, api, transport.Config{BackoffStep: time.Millisecond}, opts...)
	if err != nil {
		t.Fatalf("NewDefault failed: %v", err)
	}
	c.Start(context.Background())
	t.Cleanup(func() { c.Close() })
	return c, s
}

func TestController_PingScenario(t *testing.T) {
	_, api := startBackend(t, agentserver.PingScript)
	c, _ := newLiveController(t, api)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := c.Ask(ctx, "ping", Answers{})
	if err != nil {
		t.Fatalf("Ask failed: %v", err)
	}
	if res.Status != store.StatusIdle {
		t.Errorf("Status = %q, want idle", res.Status)
	}
	if res.Reply() != "pongpong" {
		t.Errorf("Reply() = %q, want pongpong", res.Reply())
	}

	r := c.Room()
	if len(r.Messages) != 2 {
		t.Fatalf("messages = %+v, want user + agent", r.Messages)
	}
	if r.Messages[0].Role != protocol.RoleUser || r.Messages[0].Content != "ping" {
		t.Errorf("first message = %+v", r.Messages[0])
	}
	if r.StreamingMessage != nil {
		t.Error("streaming message should be cleared")
	}
	if r.SessionID == "" || r.SessionID != c.SessionID() || r.CurrentQuery != "ping" {
		t.Errorf("session = %q / %q, query %q", r.SessionID, c.SessionID(), r.CurrentQuery)
	}
}

func TestController_ConfirmationRoundTrip(t *testing.T) {
	backend, api := startBackend(t, agentserver.ConfirmScript)
	c, _ := newLiveController(t, api)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var asked []store.ConfirmationRequest
	res, err := c.Ask(ctx, "do it", Answers{
		Confirm: func(req store.ConfirmationRequest) bool {
			asked = append(asked, req)
			return true
		},
	})
	if err != nil {
		t.Fatalf("Ask failed: %v", err)
	}
	if len(asked) != 1 || asked[0] != (store.ConfirmationRequest{ID: "c1", Message: "Proceed?"}) {
		t.Errorf("asked = %+v", asked)
	}
	if res.Reply() != "confirmed" {
		t.Errorf("Reply() = %q", res.Reply())
	}
	if got := c.Room().ConfirmationRequests; len(got) != 0 {
		t.Errorf("ConfirmationRequests = %+v, want empty", got)
	}

	found := false
	for _, raw := range backend.Received(res.SessionID) {
		if strings.TrimSpace(string(raw)) == `{"type":"confirm","value":true}` {
			found = true
		}
	}
	if !found {
		t.Errorf("backend did not receive the confirmation: %v", backend.ReceivedTypes(res.SessionID))
	}
}

func TestController_CancelMidStream(t *testing.T) {
	tests := []struct {
		name        string
		opts        []Option
		wantMessage bool
	}{
		{name: "server answer applied", wantMessage: true},
		{name: "fenced", opts: []Option{WithFencing()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend, api := startBackend(t, agentserver.SlowScript(50*time.Millisecond))
			c, s := newLiveController(t, api, tt.opts...)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := c.StartTask(ctx, "count forever"); err != nil {
				t.Fatalf("StartTask failed: %v", err)
			}
			eventually(t, "streaming content", func() bool {
				r, _ := s.Room(store.RoomAgent)
				return r.StreamingMessage != nil
			})
			sessionID := c.SessionID()

			if err := c.CancelTask(ctx); err != nil {
				t.Fatalf("CancelTask failed: %v", err)
			}
			if !backend.Cancelled(sessionID) {
				t.Error("backend task was not cancelled")
			}
			eventually(t, "socket cancel", func() bool {
				types := backend.ReceivedTypes(sessionID)
				return len(types) == 1 && types[0] == "cancel"
			})

			hasCancelled := func() bool {
				for _, m := range c.Room().Messages {
					if m.Role == protocol.RoleAgent && m.Content == reducer.CancelledMessage {
						return true
					}
				}
				return false
			}
			if tt.wantMessage {
				eventually(t, "cancelled message", hasCancelled)
			} else {
				time.Sleep(200 * time.Millisecond)
				if hasCancelled() {
					t.Error("fenced session should not append the cancelled message")
				}
				if r := c.Room(); r.StreamingMessage != nil {
					t.Errorf("streaming message after cancel: %+v", r.StreamingMessage)
				}
				if c.Reducer().Streaming() != "" {
					t.Error("streaming buffer should be cleared")
				}
			}

			if st := c.Room().Status; st != store.StatusIdle {
				t.Errorf("status = %q, want idle", st)
			}
		})
	}
}

func TestController_RestartReplacesSession(t *testing.T) {
	backend, api := startBackend(t, agentserver.EchoScript)
	c, _ := newLiveController(t, api)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, q := range []string{"one", "two"} {
		res, err := c.Ask(ctx, q, Answers{})
		if err != nil {
			t.Fatalf("Ask(%q) failed: %v", q, err)
		}
		if want := "You said: " + q; res.Reply() != want {
			t.Errorf("Reply() = %q, want %q", res.Reply(), want)
		}
		// task_completed closes the socket
		eventually(t, "socket close", func() bool {
			info, err := api.GetSessionInfo(ctx, res.SessionID)
			return err == nil && !info.IsConnected
		})
	}
	if n := len(backend.Sessions()); n != 2 {
		t.Errorf("backend sessions = %d, want 2", n)
	}
	if n := len(c.Room().Messages); n != 4 {
		t.Errorf("messages = %d, want 4", n)
	}
}

// fakeConn records sends and lets tests inject events.
type fakeConn struct {
	mu         sync.Mutex
	connected  bool
	sent       []protocol.ClientMessage
	connectErr error
	connects   []string

	events chan transport.Event
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan transport.Event, 16), closed: make(chan struct{})}
}

func (f *fakeConn) Recv(ctx context.Context) (transport.Event, error) {
	select {
	case ev := <-f.events:
		return ev, nil
	case <-ctx.Done():
		return transport.Event{}, ctx.Err()
	case <-f.closed:
		return transport.Event{}, transport.ErrClosed
	}
}

func (f *fakeConn) Send(msg protocol.ClientMessage) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return false
	}
	f.sent = append(f.sent, msg)
	return true
}

func (f *fakeConn) Disconnect() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

func (f *fakeConn) Connect(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, sessionID)
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeConn) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) sentJSON(t *testing.T) []string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.sent {
		data, err := json.Marshal(m)
		if err != nil {
			t.Fatalf("marshal %T: %v", m, err)
		}
		out = append(out, string(data))
	}
	return out
}

// fakeAPI answers StartTask with a fixed session, or blocks when block is set.
type fakeAPI struct {
	mu        sync.Mutex
	startErr  error
	block     bool
	started   chan struct{}
	cancelled []string

	// conn, when set, is checked at cancel time
	conn            *fakeConn
	openAtCancelled bool
}

func (f *fakeAPI) StartTask(ctx context.Context, mode client.Mode, query string) (*client.StartTaskResponse, error) {
	if f.started != nil {
		close(f.started)
	}
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &client.StartTaskResponse{SessionID: "sess-1", Query: query}, nil
}

func (f *fakeAPI) CancelTask(ctx context.Context, sessionID string) (*client.CancelResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, sessionID)
	if f.conn != nil {
		f.openAtCancelled = f.conn.Connected()
	}
	return &client.CancelResponse{Status: "cancelled", SessionID: sessionID}, nil
}

func newFakeController(t *testing.T, api API, conn Conn, opts ...Option) (*Controller, *store.Store) {
	t.Helper()
	s := store.New()
	n := 0
	opts = append([]Option{WithIDGenerator(func() string { n++; return fmt.Sprintf("id-%d", n) })}, opts...)
	c, err := New(s, api, conn, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c, s
}

func TestController_HandleConfirmDecline(t *testing.T) {
	conn := newFakeConn()
	c, s := newFakeController(t, &fakeAPI{}, conn)
	if err := c.StartTask(context.Background(), "ping"); err != nil {
		t.Fatalf("StartTask failed: %v", err)
	}

	c.Reducer().Apply(protocol.RequestConfirmation{ID: "c1", Message: "Proceed?"})
	r, _ := s.Room(store.RoomAgent)
	want := []store.ConfirmationRequest{{ID: "c1", Message: "Proceed?"}}
	if len(r.ConfirmationRequests) != 1 || r.ConfirmationRequests[0] != want[0] {
		t.Fatalf("ConfirmationRequests = %+v, want %+v", r.ConfirmationRequests, want)
	}

	if err := c.HandleConfirm(false); err != nil {
		t.Fatalf("HandleConfirm failed: %v", err)
	}
	sent := conn.sentJSON(t)
	if len(sent) != 1 || sent[0] != `{"type":"confirm","value":false}` {
		t.Errorf("sent = %v", sent)
	}
	r, _ = s.Room(store.RoomAgent)
	if r.ConfirmationRequests == nil || len(r.ConfirmationRequests) != 0 {
		t.Errorf("ConfirmationRequests = %#v, want []", r.ConfirmationRequests)
	}
	if r.Status != store.StatusNotConfirmed {
		t.Errorf("status = %q, want not_confirmed", r.Status)
	}
}

func TestController_IntentsWithoutSocket(t *testing.T) {
	conn := newFakeConn()
	c, s := newFakeController(t, &fakeAPI{}, conn)
	s.SetConfirmationRequest(store.RoomAgent, store.ConfirmationRequest{ID: "c1"})
	s.SetUserInputRequest(store.RoomAgent, []store.UserInputRequest{{Name: "city"}})

	if err := c.HandleConfirm(true); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HandleConfirm error = %v, want ErrNotConnected", err)
	}
	if err := c.HandleInputSubmit(map[string]string{"city": "Paris"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HandleInputSubmit error = %v, want ErrNotConnected", err)
	}
	r, _ := s.Room(store.RoomAgent)
	if len(r.ConfirmationRequests) != 0 || len(r.UserInputRequests) != 0 {
		t.Errorf("queues should be cleared even when the send fails: %+v", r)
	}
}

func TestController_HandleInputSubmit(t *testing.T) {
	conn := newFakeConn()
	c, s := newFakeController(t, &fakeAPI{}, conn)
	if err := c.StartTask(context.Background(), "trip"); err != nil {
		t.Fatalf("StartTask failed: %v", err)
	}
	s.SetUserInputRequest(store.RoomAgent, []store.UserInputRequest{{Name: "city"}})

	if err := c.HandleInputSubmit(map[string]string{"city": "Paris"}); err != nil {
		t.Fatalf("HandleInputSubmit failed: %v", err)
	}
	sent := conn.sentJSON(t)
	if len(sent) != 1 || sent[0] != `{"type":"user_input","values":{"city":"Paris"}}` {
		t.Errorf("sent = %v", sent)
	}
	if r, _ := s.Room(store.RoomAgent); len(r.UserInputRequests) != 0 {
		t.Errorf("UserInputRequests = %+v", r.UserInputRequests)
	}
}

func TestController_HandleRetry(t *testing.T) {
	tests := []struct {
		value bool
		want  store.Status
	}{
		{true, store.StatusRunning},
		{false, store.StatusNotRetried},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.value), func(t *testing.T) {
			conn := newFakeConn()
			c, s := newFakeController(t, &fakeAPI{}, conn)
			if err := c.StartTask(context.Background(), "flaky"); err != nil {
				t.Fatalf("StartTask failed: %v", err)
			}
			c.Reducer().Apply(protocol.TaskFailed{Retry: true, Error: "boom", Attempt: 1, CanRetry: true})

			if err := c.HandleRetry(tt.value); err != nil {
				t.Fatalf("HandleRetry failed: %v", err)
			}
			r, _ := s.Room(store.RoomAgent)
			if r.Retry != nil {
				t.Errorf("Retry = %+v, want nil", r.Retry)
			}
			if r.Status != tt.want {
				t.Errorf("status = %q, want %q", r.Status, tt.want)
			}
			want := fmt.Sprintf(`{"type":"confirm","value":%v}`, tt.value)
			if sent := conn.sentJSON(t); len(sent) != 1 || sent[0] != want {
				t.Errorf("sent = %v, want %s", sent, want)
			}
		})
	}
}

func TestController_StartTaskGuards(t *testing.T) {
	conn := newFakeConn()
	c, s := newFakeController(t, &fakeAPI{}, conn)

	if err := c.StartTask(context.Background(), "   "); !errors.Is(err, client.ErrEmptyQuery) {
		t.Errorf("StartTask(blank) error = %v, want ErrEmptyQuery", err)
	}
	if r, _ := s.Room(store.RoomAgent); len(r.Messages) != 0 || r.Status != store.StatusIdle {
		t.Errorf("blank query changed the room: %+v", r)
	}

	if _, err := New(s, &fakeAPI{}, conn, WithRoom("nope")); !errors.Is(err, store.ErrRoomNotFound) {
		t.Errorf("New(unknown room) error = %v, want ErrRoomNotFound", err)
	}
	if _, err := New(s, &fakeAPI{}, conn, WithMode("chaos")); !errors.Is(err, client.ErrInvalidMode) {
		t.Errorf("New(bad mode) error = %v, want ErrInvalidMode", err)
	}
}

func TestController_StartTaskFailures(t *testing.T) {
	t.Run("rest error", func(t *testing.T) {
		conn := newFakeConn()
		c, s := newFakeController(t, &fakeAPI{startErr: errors.New("boom")}, conn)
		if err := c.StartTask(context.Background(), "ping"); err == nil {
			t.Fatal("StartTask should fail")
		}
		r, _ := s.Room(store.RoomAgent)
		if r.Status != store.StatusError {
			t.Errorf("status = %q, want error", r.Status)
		}
		if len(r.Messages) != 1 || r.Messages[0].Content != "ping" {
			t.Errorf("user message should be kept: %+v", r.Messages)
		}
		if len(conn.connects) != 0 {
			t.Errorf("socket should not be opened: %v", conn.connects)
		}
	})

	t.Run("connect error", func(t *testing.T) {
		conn := newFakeConn()
		conn.connectErr = transport.ErrConnectFailed
		c, s := newFakeController(t, &fakeAPI{}, conn)
		if err := c.StartTask(context.Background(), "ping"); !errors.Is(err, transport.ErrConnectFailed) {
			t.Fatalf("StartTask error = %v", err)
		}
		if st := s.Status(store.RoomAgent); st != store.StatusError {
			t.Errorf("status = %q, want error", st)
		}
		if c.SessionID() != "sess-1" {
			t.Errorf("SessionID = %q", c.SessionID())
		}
	})
}

func TestController_CancelAbortsPendingStart(t *testing.T) {
	api := &fakeAPI{block: true, started: make(chan struct{})}
	conn := newFakeConn()
	c, s := newFakeController(t, api, conn)

	errc := make(chan error, 1)
	go func() { errc <- c.StartTask(context.Background(), "slow") }()

	<-api.started
	if st := s.Status(store.RoomAgent); st != store.StatusStarting {
		t.Errorf("status while starting = %q", st)
	}
	if err := c.CancelTask(context.Background()); err != nil {
		t.Fatalf("CancelTask failed: %v", err)
	}

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("StartTask error = %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("StartTask was not aborted")
	}
	if st := s.Status(store.RoomAgent); st != store.StatusIdle {
		t.Errorf("status = %q, want idle", st)
	}
	if len(api.cancelled) != 0 {
		t.Errorf("no session existed, REST cancel should be skipped: %v", api.cancelled)
	}
}

func TestController_CancelSendsSocketAndRESTCancel(t *testing.T) {
	conn := newFakeConn()
	api := &fakeAPI{conn: conn}
	c, s := newFakeController(t, api, conn, WithFencing())
	if err := c.StartTask(context.Background(), "ping"); err != nil {
		t.Fatalf("StartTask failed: %v", err)
	}
	c.Reducer().Apply(protocol.TaskProgress{Event: protocol.RunResponseContent{Content: "par"}})

	if err := c.CancelTask(context.Background()); err != nil {
		t.Fatalf("CancelTask failed: %v", err)
	}
	if sent := conn.sentJSON(t); len(sent) != 1 || sent[0] != `{"type":"cancel"}` {
		t.Errorf("sent = %v", sent)
	}
	if len(api.cancelled) != 1 || api.cancelled[0] != "sess-1" {
		t.Errorf("REST cancel = %v", api.cancelled)
	}
	if !api.openAtCancelled {
		t.Error("socket should stay open until the REST cancel returned")
	}
	if conn.Connected() {
		t.Error("socket should be closed")
	}
	r, _ := s.Room(store.RoomAgent)
	if r.Status != store.StatusIdle || r.StreamingMessage != nil {
		t.Errorf("room = %+v", r)
	}

	// a late event of the cancelled session is dropped when fencing
	c.Reducer().HandleEvent(transport.Event{
		Kind:      transport.EventMessage,
		SessionID: "sess-1",
		Message:   protocol.TaskProgress{Event: protocol.RunResponseContent{Content: "late"}},
	})
	if r, _ := s.Room(store.RoomAgent); r.StreamingMessage != nil {
		t.Errorf("fenced event was applied: %+v", r.StreamingMessage)
	}
}

func TestController_WaitAndClose(t *testing.T) {
	conn := newFakeConn()
	c, s := newFakeController(t, &fakeAPI{}, conn)
	c.Start(context.Background())

	if err := c.StartTask(context.Background(), "ping"); err != nil {
		t.Fatalf("StartTask failed: %v", err)
	}
	conn.events <- transport.Event{Kind: transport.EventOpen, SessionID: "sess-1"}
	eventually(t, "running", func() bool { return s.Status(store.RoomAgent) == store.StatusRunning })

	done := make(chan store.Status, 1)
	go func() {
		st, _ := c.Wait(context.Background())
		done <- st
	}()

	conn.events <- transport.Event{Kind: transport.EventMessage, SessionID: "sess-1", Message: protocol.TaskCompleted{}}
	select {
	case st := <-done:
		if st != store.StatusIdle {
			t.Errorf("Wait = %q, want idle", st)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Wait did not return")
	}

	if err := c.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := c.StartTask(context.Background(), "again"); !errors.Is(err, ErrClosed) {
		t.Errorf("StartTask after Close = %v, want ErrClosed", err)
	}
}

func TestController_CancelKeepsLateAnswerWithoutFencing(t *testing.T) {
	conn := newFakeConn()
	c, s := newFakeController(t, &fakeAPI{}, conn)
	if err := c.StartTask(context.Background(), "ping"); err != nil {
		t.Fatalf("StartTask failed: %v", err)
	}
	if err := c.CancelTask(context.Background()); err != nil {
		t.Fatalf("CancelTask failed: %v", err)
	}

	c.Reducer().HandleEvent(transport.Event{
		Kind:      transport.EventMessage,
		SessionID: "sess-1",
		Message:   protocol.TaskCancelled{Content: "cancelled"},
	})
	r, _ := s.Room(store.RoomAgent)
	if n := len(r.Messages); n != 2 || r.Messages[1].Content != reducer.CancelledMessage {
		t.Errorf("messages = %+v, want user + cancelled notice", r.Messages)
	}
	if r.Status != store.StatusIdle {
		t.Errorf("status = %q, want idle", r.Status)
	}
}

func TestController_HandleRetryAfterSocketClosed(t *testing.T) {
	conn := newFakeConn()
	c, s := newFakeController(t, &fakeAPI{}, conn)
	if err := c.StartTask(context.Background(), "flaky"); err != nil {
		t.Fatalf("StartTask failed: %v", err)
	}
	fx := c.Reducer().Apply(protocol.TaskFailed{Error: "boom", Attempt: 1, CanRetry: true})
	if !fx.Close {
		t.Fatal("task_failed should close the socket")
	}
	conn.Disconnect()

	if err := c.HandleRetry(true); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HandleRetry error = %v, want ErrNotConnected", err)
	}
	r, _ := s.Room(store.RoomAgent)
	if r.Status != store.StatusError {
		t.Errorf("status = %q, want error", r.Status)
	}
	if r.Status.Busy() {
		t.Error("room should not be busy without a socket")
	}
}

func TestController_HandleConfirmDeclineWithoutSocket(t *testing.T) {
	conn := newFakeConn()
	c, s := newFakeController(t, &fakeAPI{}, conn)
	s.SetStatus(store.RoomAgent, store.StatusRunning)
	s.SetConfirmationRequest(store.RoomAgent, store.ConfirmationRequest{ID: "c1"})

	if err := c.HandleConfirm(false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HandleConfirm error = %v, want ErrNotConnected", err)
	}
	if st := s.Status(store.RoomAgent); st != store.StatusRunning {
		t.Errorf("status = %q, want running", st)
	}
}
