package agents_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kelgrand/agentstream/internal/agents"
	"github.com/kelgrand/agentstream/internal/hub"
	"github.com/kelgrand/agentstream/internal/runner"
	"github.com/kelgrand/agentstream/internal/state"
	"github.com/kelgrand/agentstream/internal/testutil"
)

func waitForStatus(t *testing.T, store *state.Store, agentID string, want state.Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		agent, err := store.GetAgent(context.Background(), agentID)
		if err != nil {
			t.Fatalf("get agent: %v", err)
		}
		if agent.Status == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("agent never reached %s, stuck at %s", want, agent.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartRunsFullLifecycle(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	store := state.NewStore(db)
	h := hub.New()
	ctx := context.Background()

	watcher := h.Attach(ctx)
	defer h.Detach(watcher)

	joined := make(chan struct{})
	proc := testutil.NewFakeProcess(77, func(ctx context.Context, obs runner.Observer) error {
		if err := obs.OnStatusChange(ctx, state.StatusRunning); err != nil {
			return err
		}
		<-joined // hold the stream until the test subscribed to the room
		if err := obs.OnMessage(ctx, state.Draft{Type: "assistant", Content: "output"}); err != nil {
			return err
		}
		return obs.OnComplete(ctx, map[string]any{"exit_code": 0})
	})
	fr := &testutil.FakeRunner{Proc: proc}

	m := agents.NewManager(store, h, fr)
	agent, err := m.Start(ctx, agents.StartSpec{Prompt: "do it", Model: "m-1"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if fr.Last.Prompt != "do it" || fr.Last.Model != "m-1" {
		t.Fatalf("runner options not forwarded: %+v", fr.Last)
	}
	if agent.PID != 77 {
		t.Fatalf("expected recorded pid, got %d", agent.PID)
	}

	// The creation announcement reaches clients that joined nothing.
	select {
	case evt := <-watcher.Events():
		if evt.Name != hub.EventAgentCreated {
			t.Fatalf("expected %s, got %s", hub.EventAgentCreated, evt.Name)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no agent:created announcement")
	}

	h.Join(watcher, agent.ID)
	close(joined)

	waitForStatus(t, store, agent.ID, state.StatusCompleted)

	msgs, err := store.ListMessages(ctx, agent.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].SequenceNumber != 1 || msgs[0].Content != "output" {
		t.Fatalf("unexpected log: %+v", msgs)
	}
}

func TestStartCleansUpWhenSpawnFails(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	store := state.NewStore(db)
	ctx := context.Background()

	m := agents.NewManager(store, hub.New(), &testutil.FakeRunner{Err: errors.New("no such binary")})
	if _, err := m.Start(ctx, agents.StartSpec{Prompt: "x"}); err == nil {
		t.Fatalf("expected spawn failure to surface")
	}

	listed, err := store.ListAgents(ctx, 10)
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("expected no agent rows after failed spawn, got %d", len(listed))
	}
}

func TestStartRequiresPrompt(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	m := agents.NewManager(state.NewStore(db), hub.New(), &testutil.FakeRunner{})
	if _, err := m.Start(context.Background(), agents.StartSpec{}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestTerminatePersistsBeforeSignaling(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	store := state.NewStore(db)
	h := hub.New()
	ctx := context.Background()

	proc := testutil.NewFakeProcess(9, nil)
	proc.RunFn = func(ctx context.Context, obs runner.Observer) error {
		if err := obs.OnStatusChange(ctx, state.StatusRunning); err != nil {
			return err
		}
		<-proc.Stopped // stays alive until terminated
		// The trailing error arrives after the terminal state and must be a
		// no-op, not a crash or a status change.
		return obs.OnError(ctx, errors.New("signal: terminated"))
	}

	m := agents.NewManager(store, h, &testutil.FakeRunner{Proc: proc})
	agent, err := m.Start(ctx, agents.StartSpec{Prompt: "x"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForStatus(t, store, agent.ID, state.StatusRunning)

	conn := h.Attach(ctx)
	defer h.Detach(conn)
	h.Join(conn, agent.ID)

	if err := m.Terminate(ctx, agent.ID); err != nil {
		t.Fatalf("terminate: %v", err)
	}

	select {
	case evt := <-conn.Events():
		if evt.Name != hub.EventAgentStatus {
			t.Fatalf("expected status event, got %s", evt.Name)
		}
		// By the time the event is visible the status must be durable.
		got, err := store.GetAgent(ctx, agent.ID)
		if err != nil {
			t.Fatalf("get agent: %v", err)
		}
		if got.Status != state.StatusTerminated {
			t.Fatalf("status not durable at broadcast time: %s", got.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no terminated status event")
	}

	deadline := time.Now().Add(2 * time.Second)
	for m.ActiveCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("process not released after terminate")
		}
		time.Sleep(5 * time.Millisecond)
	}

	got, err := store.GetAgent(ctx, agent.ID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got.Status != state.StatusTerminated {
		t.Fatalf("late process error overwrote terminal status: %s", got.Status)
	}
}

func TestStartRejectsBeyondMaxActive(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	store := state.NewStore(db)
	ctx := context.Background()

	proc := testutil.NewFakeProcess(4, nil)
	proc.RunFn = func(ctx context.Context, obs runner.Observer) error {
		if err := obs.OnStatusChange(ctx, state.StatusRunning); err != nil {
			return err
		}
		<-proc.Stopped
		return nil
	}

	m := agents.NewManager(store, hub.New(), &testutil.FakeRunner{Proc: proc}, agents.WithMaxActive(1))
	agent, err := m.Start(ctx, agents.StartSpec{Prompt: "x"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForStatus(t, store, agent.ID, state.StatusRunning)

	if _, err := m.Start(ctx, agents.StartSpec{Prompt: "y"}); !errors.Is(err, agents.ErrTooManyAgents) {
		t.Fatalf("expected ErrTooManyAgents, got %v", err)
	}

	if err := m.Terminate(ctx, agent.ID); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for m.ActiveCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("slot not released")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := m.Start(ctx, agents.StartSpec{Prompt: "y"}); err != nil {
		t.Fatalf("start after release: %v", err)
	}
}

func TestTerminateUnknownAgent(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	m := agents.NewManager(state.NewStore(db), hub.New(), &testutil.FakeRunner{})
	if err := m.Terminate(context.Background(), "missing"); !errors.Is(err, state.ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestShutdownStopsEverything(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	store := state.NewStore(db)
	ctx := context.Background()

	proc := testutil.NewFakeProcess(3, nil)
	proc.RunFn = func(ctx context.Context, obs runner.Observer) error {
		if err := obs.OnStatusChange(ctx, state.StatusRunning); err != nil {
			return err
		}
		<-proc.Stopped
		return nil
	}

	m := agents.NewManager(store, hub.New(), &testutil.FakeRunner{Proc: proc})
	agent, err := m.Start(ctx, agents.StartSpec{Prompt: "x"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForStatus(t, store, agent.ID, state.StatusRunning)

	m.Shutdown(ctx)

	select {
	case <-proc.Stopped:
	case <-time.After(time.Second):
		t.Fatalf("process not stopped on shutdown")
	}
	waitForStatus(t, store, agent.ID, state.StatusTerminated)
}
