package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/kelgrand/agentstream/internal/agents"
	"github.com/kelgrand/agentstream/internal/api"
	"github.com/kelgrand/agentstream/internal/hub"
	"github.com/kelgrand/agentstream/internal/runner"
	"github.com/kelgrand/agentstream/internal/state"
	"github.com/kelgrand/agentstream/internal/testutil"
)

func setupServer(t *testing.T, fr *testutil.FakeRunner) (*api.Server, *state.Store, *hub.Hub, func()) {
	t.Helper()
	db, closeFn := testutil.OpenTestDB(t)
	store := state.NewStore(db)
	h := hub.New()
	manager := agents.NewManager(store, h, fr)
	server := &api.Server{Store: store, Hub: h, Agents: manager, StartedAt: time.Now()}
	return server, store, h, closeFn
}

func doJSON(t *testing.T, client *http.Client, method, path string, body []byte, dest any) int {
	t.Helper()
	resp, err := client.Do(testutil.NewRequest(method, path, body))
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	data, err := testutil.ReadAll(resp)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if dest != nil {
		if err := json.Unmarshal(data, dest); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	server, _, _, closeFn := setupServer(t, &testutil.FakeRunner{})
	defer closeFn()
	client := testutil.NewInProcessClient(server.Handler())

	var payload map[string]any
	if code := doJSON(t, client, http.MethodGet, "/api/health", nil, &payload); code != http.StatusOK {
		t.Fatalf("health: %d", code)
	}
	if payload["status"] != "ok" {
		t.Fatalf("unexpected health payload: %v", payload)
	}
}

func TestAgentLifecycleOverREST(t *testing.T) {
	proc := testutil.NewFakeProcess(11, func(ctx context.Context, obs runner.Observer) error {
		if err := obs.OnStatusChange(ctx, state.StatusRunning); err != nil {
			return err
		}
		for _, content := range []string{"one", "two"} {
			if err := obs.OnMessage(ctx, state.Draft{Type: "assistant", Content: content}); err != nil {
				return err
			}
		}
		return obs.OnComplete(ctx, nil)
	})
	server, store, _, closeFn := setupServer(t, &testutil.FakeRunner{Proc: proc})
	defer closeFn()
	client := testutil.NewInProcessClient(server.Handler())

	var agent state.Agent
	code := doJSON(t, client, http.MethodPost, "/api/agents",
		[]byte(`{"prompt":"summarize the logs","model":"m-1"}`), &agent)
	if code != http.StatusCreated {
		t.Fatalf("create agent: %d", code)
	}
	if agent.ID == "" || agent.Status != state.StatusInitializing {
		t.Fatalf("unexpected agent: %+v", agent)
	}

	// The fake process runs to completion on its own.
	deadline := time.Now().Add(2 * time.Second)
	for {
		var got state.Agent
		if code := doJSON(t, client, http.MethodGet, "/api/agents/"+agent.ID, nil, &got); code != http.StatusOK {
			t.Fatalf("get agent: %d", code)
		}
		if got.Status == state.StatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("agent never completed, status %s", got.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}

	var msgs []state.Message
	if code := doJSON(t, client, http.MethodGet, "/api/agents/"+agent.ID+"/messages", nil, &msgs); code != http.StatusOK {
		t.Fatalf("list messages: %d", code)
	}
	if len(msgs) != 2 || msgs[0].SequenceNumber != 1 || msgs[1].SequenceNumber != 2 {
		t.Fatalf("unexpected messages: %+v", msgs)
	}

	msgs = nil
	if code := doJSON(t, client, http.MethodGet, "/api/agents/"+agent.ID+"/messages?since=1", nil, &msgs); code != http.StatusOK {
		t.Fatalf("list messages since: %d", code)
	}
	if len(msgs) != 1 || msgs[0].Content != "two" {
		t.Fatalf("since filter broken: %+v", msgs)
	}

	// Terminating a completed agent is an invalid transition.
	if code := doJSON(t, client, http.MethodPost, "/api/agents/"+agent.ID+"/terminate", nil, nil); code != http.StatusConflict {
		t.Fatalf("expected 409 for terminate after completion, got %d", code)
	}

	if code := doJSON(t, client, http.MethodDelete, "/api/agents/"+agent.ID, nil, nil); code != http.StatusOK {
		t.Fatalf("delete agent: %d", code)
	}
	if code := doJSON(t, client, http.MethodGet, "/api/agents/"+agent.ID, nil, nil); code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", code)
	}

	// The log went with the agent.
	left, err := store.ListMessages(context.Background(), agent.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(left) != 0 {
		t.Fatalf("expected cascade delete, %d messages remain", len(left))
	}
}

func TestTerminateRunningAgent(t *testing.T) {
	proc := testutil.NewFakeProcess(5, nil)
	proc.RunFn = func(ctx context.Context, obs runner.Observer) error {
		if err := obs.OnStatusChange(ctx, state.StatusRunning); err != nil {
			return err
		}
		<-proc.Stopped
		return nil
	}
	server, store, _, closeFn := setupServer(t, &testutil.FakeRunner{Proc: proc})
	defer closeFn()
	client := testutil.NewInProcessClient(server.Handler())

	var agent state.Agent
	if code := doJSON(t, client, http.MethodPost, "/api/agents", []byte(`{"prompt":"x"}`), &agent); code != http.StatusCreated {
		t.Fatalf("create agent: %d", code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := store.GetAgent(context.Background(), agent.ID)
		if err != nil {
			t.Fatalf("get agent: %v", err)
		}
		if got.Status == state.StatusRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("agent never started running")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if code := doJSON(t, client, http.MethodPost, "/api/agents/"+agent.ID+"/terminate", nil, nil); code != http.StatusOK {
		t.Fatalf("terminate: %d", code)
	}
	select {
	case <-proc.Stopped:
	case <-time.After(time.Second):
		t.Fatalf("terminate did not signal the process")
	}

	if code := doJSON(t, client, http.MethodPost, "/api/agents/"+agent.ID+"/terminate", nil, nil); code != http.StatusConflict {
		t.Fatalf("expected 409 for double terminate, got %d", code)
	}
}

func TestMessagesForUnknownAgent(t *testing.T) {
	server, _, _, closeFn := setupServer(t, &testutil.FakeRunner{})
	defer closeFn()
	client := testutil.NewInProcessClient(server.Handler())

	if code := doJSON(t, client, http.MethodGet, "/api/agents/missing/messages", nil, nil); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
}

func TestStartAgentValidation(t *testing.T) {
	server, _, _, closeFn := setupServer(t, &testutil.FakeRunner{})
	defer closeFn()
	client := testutil.NewInProcessClient(server.Handler())

	if code := doJSON(t, client, http.MethodPost, "/api/agents", []byte(`{"prompt":""}`), nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty prompt, got %d", code)
	}
	if code := doJSON(t, client, http.MethodPost, "/api/agents", []byte(`{"bogus":true}`), nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", code)
	}
}
