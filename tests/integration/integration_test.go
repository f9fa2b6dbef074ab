//go:build integration

// Package integration runs the whole client stack against the fake agent
// backend playing the scenario fixtures.
//
// Run with: go test -tags=integration ./tests/integration/...
package integration

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/inercia/agentchat/internal/appdir"
	"github.com/inercia/agentchat/internal/client"
	"github.com/inercia/agentchat/internal/session"
	"github.com/inercia/agentchat/internal/store"
	"github.com/inercia/agentchat/internal/transport"
	"github.com/inercia/agentchat/tests/mocks/agentserver"
	"github.com/inercia/agentchat/tests/mocks/testutil"
)

type testEnv struct {
	backend   *agentserver.Server
	url       string
	storePath string
}

func setup(t *testing.T) *testEnv {
	t.Helper()

	dir := testutil.CreateTestDir(t)
	testutil.TestEnv(t, dir)
	appdir.ResetCache()
	t.Cleanup(appdir.ResetCache)

	scenarioDir, err := testutil.ScenarioDir()
	if err != nil {
		t.Fatalf("ScenarioDir failed: %v", err)
	}
	scenarios, err := agentserver.LoadScenarios(scenarioDir)
	if err != nil {
		t.Fatalf("LoadScenarios failed: %v", err)
	}

	backend := agentserver.New(agentserver.WithScript(
		agentserver.ScenarioScript(scenarios, agentserver.EchoScript, time.Millisecond)))
	srv := backend.Start()
	t.Cleanup(srv.Close)

	if err := testutil.WaitForServer(srv.URL+"/api/chat/session/none", 5*time.Second); err != nil {
		t.Fatalf("backend not ready: %v", err)
	}

	storePath, err := appdir.StorePath()
	if err != nil {
		t.Fatalf("StorePath failed: %v", err)
	}
	return &testEnv{backend: backend, url: srv.URL, storePath: storePath}
}

func (e *testEnv) controller(t *testing.T, s *store.Store, opts ...session.Option) *session.Controller {
	t.Helper()
	api := client.New(e.url, client.WithTimeout(5*time.Second))
	ctl, err := session.NewDefault(s, api, transport.Config{BackoffStep: time.Millisecond}, opts...)
	if err != nil {
		t.Fatalf("NewDefault failed: %v", err)
	}
	ctl.Start(context.Background())
	t.Cleanup(func() { ctl.Close() })
	return ctl
}

func ask(t *testing.T, ctl *session.Controller, query string, ans session.Answers) *session.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := ctl.Ask(ctx, query, ans)
	if err != nil {
		t.Fatalf("Ask(%q) failed: %v", query, err)
	}
	return res
}

func TestScenario_ToolAndStream(t *testing.T) {
	env := setup(t)
	ctl := env.controller(t, store.New())

	res := ask(t, ctl, "what is the weather?", session.Answers{})
	if res.Status != store.StatusIdle {
		t.Fatalf("Status = %q, want idle", res.Status)
	}
	if got := res.Reply(); got != "It is sunny today." {
		t.Errorf("Reply = %q, want %q", got, "It is sunny today.")
	}

	last := res.Messages[len(res.Messages)-1]
	if len(last.ToolCalls) != 1 || last.ToolCalls[0].ToolName != "get_weather" {
		t.Errorf("ToolCalls = %+v, want one get_weather call", last.ToolCalls)
	}
	if ctl.Room().StreamingMessage != nil {
		t.Error("streaming message should be cleared after completion")
	}
}

func TestScenario_ConfirmationAndInput(t *testing.T) {
	env := setup(t)
	ctl := env.controller(t, store.New())

	var asked string
	var fields []string
	res := ask(t, ctl, "deploy the service", session.Answers{
		Confirm: func(req store.ConfirmationRequest) bool {
			asked = req.Message
			return true
		},
		Input: func(req []store.UserInputRequest) map[string]string {
			for _, f := range req {
				fields = append(fields, f.Name)
			}
			return map[string]string{"version": "1.2.3"}
		},
	})

	if asked != "Deploy to production?" {
		t.Errorf("confirmation message = %q", asked)
	}
	if len(fields) != 1 || fields[0] != "version" {
		t.Errorf("input fields = %v, want [version]", fields)
	}
	if res.Status != store.StatusIdle || res.Reply() != "Deployed." {
		t.Errorf("got status %q reply %q", res.Status, res.Reply())
	}

	types := env.backend.ReceivedTypes(res.SessionID)
	if len(types) != 2 || types[0] != "confirm" || types[1] != "user_input" {
		t.Errorf("backend received %v, want [confirm user_input]", types)
	}
}

func TestScenario_Failure(t *testing.T) {
	env := setup(t)
	ctl := env.controller(t, store.New())

	res := ask(t, ctl, "please fail now", session.Answers{})
	if res.Status != store.StatusError {
		t.Errorf("Status = %q, want error", res.Status)
	}
	if res.Retry == nil || res.Retry.Error != "model overloaded" {
		t.Errorf("Retry = %+v, want error %q", res.Retry, "model overloaded")
	}
}

func TestScenario_RetryPrompt(t *testing.T) {
	env := setup(t)
	ctl := env.controller(t, store.New(), session.WithMode(client.ModeWorkflow), session.WithRoom(store.RoomWorkflow))

	res := ask(t, ctl, "run the flaky job", session.Answers{})
	if res.Status != store.StatusFailed {
		t.Fatalf("Status = %q, want failed", res.Status)
	}
	if res.Retry == nil || !res.Retry.CanRetry {
		t.Fatalf("Retry = %+v, want a retryable prompt", res.Retry)
	}

	if err := ctl.HandleRetry(false); err != nil {
		t.Fatalf("HandleRetry failed: %v", err)
	}
	if st := ctl.Room().Status; st != store.StatusNotRetried {
		t.Errorf("Status = %q, want not_retried", st)
	}
}

func TestScenario_FallbackEcho(t *testing.T) {
	env := setup(t)
	ctl := env.controller(t, store.New(), session.WithRoom(store.RoomTeam), session.WithMode(client.ModeTeam))

	res := ask(t, ctl, "hello there", session.Answers{})
	if got := res.Reply(); got != "You said: hello there" {
		t.Errorf("Reply = %q", got)
	}
}

func TestPersistence_AcrossRestarts(t *testing.T) {
	env := setup(t)
	if filepath.Base(env.storePath) != store.FileName {
		t.Fatalf("store path = %s", env.storePath)
	}

	s, err := store.Open(env.storePath, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	ctl := env.controller(t, s)
	res := ask(t, ctl, "weather please", session.Answers{})
	if res.Status != store.StatusIdle {
		t.Fatalf("Status = %q, want idle", res.Status)
	}
	ctl.Close()
	if err := s.Close(); err != nil {
		t.Fatalf("store Close failed: %v", err)
	}

	reopened, err := store.Open(env.storePath, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	r, _ := reopened.Room(store.RoomAgent)
	if len(r.Messages) != 2 {
		t.Fatalf("restored %d messages, want 2", len(r.Messages))
	}
	if r.Messages[0].Content != "weather please" || r.Messages[1].Content != "It is sunny today." {
		t.Errorf("restored messages = %q, %q", r.Messages[0].Content, r.Messages[1].Content)
	}
	if r.Status.Busy() {
		t.Errorf("restored status = %q, should not be busy", r.Status)
	}
}
