// Package agents owns the lifecycle of managed agent processes: creation,
// the running transition, best-effort termination, and deletion. The
// streaming engine itself lives in state, observer, and hub; the manager
// wires them to live processes.
package agents

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kelgrand/agentstream/internal/hub"
	"github.com/kelgrand/agentstream/internal/metrics"
	"github.com/kelgrand/agentstream/internal/observer"
	"github.com/kelgrand/agentstream/internal/runner"
	"github.com/kelgrand/agentstream/internal/state"
)

// Process is the manager's view of a live CLI process.
type Process interface {
	PID() int
	Stop() error
	Observe(ctx context.Context, obs runner.Observer) error
}

// ProcessRunner spawns processes. Satisfied by NewCLIRunner in production and
// by fakes in tests.
type ProcessRunner interface {
	Start(ctx context.Context, opts runner.Options) (Process, error)
}

type cliRunner struct {
	r *runner.Runner
}

func (c cliRunner) Start(ctx context.Context, opts runner.Options) (Process, error) {
	p, err := c.r.Start(ctx, opts)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func NewCLIRunner(cfg runner.Config) ProcessRunner {
	return cliRunner{r: runner.New(cfg)}
}

type StartSpec struct {
	Prompt     string `json:"prompt"`
	SessionID  string `json:"session_id,omitempty"`
	Model      string `json:"model,omitempty"`
	WorkingDir string `json:"working_directory,omitempty"`
}

// ErrTooManyAgents is returned by Start when the configured concurrency cap
// is reached.
var ErrTooManyAgents = errors.New("too many active agents")

type Manager struct {
	store  *state.Store
	hub    *hub.Hub
	runner ProcessRunner
	nowFn  func() time.Time
	sem    *semaphore.Weighted

	mu    sync.Mutex
	procs map[string]Process
}

type Option func(*Manager)

func WithClock(nowFn func() time.Time) Option {
	return func(m *Manager) {
		if nowFn != nil {
			m.nowFn = nowFn
		}
	}
}

// WithMaxActive caps how many agent processes may run at once. Zero or
// negative means unlimited.
func WithMaxActive(n int64) Option {
	return func(m *Manager) {
		if n > 0 {
			m.sem = semaphore.NewWeighted(n)
		}
	}
}

func NewManager(store *state.Store, h *hub.Hub, pr ProcessRunner, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		hub:    h,
		runner: pr,
		nowFn:  time.Now,
		procs:  map[string]Process{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start creates the agent, spawns its process, announces it globally, and
// hands the process stream to an observer goroutine. The agent:created
// announcement goes out only after the row is durable.
func (m *Manager) Start(ctx context.Context, spec StartSpec) (state.Agent, error) {
	if strings.TrimSpace(spec.Prompt) == "" {
		return state.Agent{}, fmt.Errorf("prompt is required")
	}
	if m.sem != nil && !m.sem.TryAcquire(1) {
		return state.Agent{}, ErrTooManyAgents
	}

	agent, err := m.store.CreateAgent(ctx, state.AgentSpec{
		Prompt:     spec.Prompt,
		SessionID:  spec.SessionID,
		Model:      spec.Model,
		WorkingDir: spec.WorkingDir,
	})
	if err != nil {
		m.releaseSlot()
		return state.Agent{}, err
	}

	proc, err := m.runner.Start(ctx, runner.Options{
		Prompt:     spec.Prompt,
		SessionID:  spec.SessionID,
		Model:      spec.Model,
		WorkingDir: spec.WorkingDir,
	})
	if err != nil {
		// Never announced, so remove the row rather than leave a zombie.
		if delErr := m.store.DeleteAgent(ctx, agent.ID); delErr != nil {
			log.Printf("agent %s: cleanup after failed spawn: %v", agent.ID, delErr)
		}
		m.releaseSlot()
		return state.Agent{}, fmt.Errorf("start agent process: %w", err)
	}

	if err := m.store.SetPID(ctx, agent.ID, proc.PID()); err != nil {
		log.Printf("agent %s: record pid: %v", agent.ID, err)
	}
	agent.PID = proc.PID()

	m.mu.Lock()
	m.procs[agent.ID] = proc
	m.mu.Unlock()
	metrics.ActiveAgents.Inc()

	if err := m.hub.PublishGlobal(hub.EventAgentCreated, hub.StatusPayload{
		AgentID:   agent.ID,
		Status:    agent.Status,
		Timestamp: m.nowFn().UTC(),
	}); err != nil {
		log.Printf("agent %s: created broadcast failed: %v", agent.ID, err)
	}

	obs := observer.New(agent.ID, m.store, m.hub)
	go func() {
		defer m.release(agent.ID)
		// The process outlives the start request; its stream does too.
		if err := proc.Observe(context.Background(), obs); err != nil {
			log.Printf("agent %s: observer stopped: %v", agent.ID, err)
		}
	}()

	return agent, nil
}

func (m *Manager) release(agentID string) {
	m.mu.Lock()
	_, ok := m.procs[agentID]
	delete(m.procs, agentID)
	m.mu.Unlock()
	if ok {
		metrics.ActiveAgents.Dec()
		m.releaseSlot()
	}
}

func (m *Manager) releaseSlot() {
	if m.sem != nil {
		m.sem.Release(1)
	}
}

// Terminate persists and broadcasts the terminal status, then asks the
// process to stop. It does not wait for the process to actually exit.
func (m *Manager) Terminate(ctx context.Context, agentID string) error {
	if err := m.store.MarkTerminated(ctx, agentID); err != nil {
		return err
	}
	if err := m.hub.Publish(agentID, hub.EventAgentStatus, hub.StatusPayload{
		AgentID:   agentID,
		Status:    state.StatusTerminated,
		Timestamp: m.nowFn().UTC(),
	}); err != nil {
		log.Printf("agent %s: terminated broadcast failed: %v", agentID, err)
	}

	m.mu.Lock()
	proc := m.procs[agentID]
	m.mu.Unlock()
	if proc != nil {
		if err := proc.Stop(); err != nil {
			log.Printf("agent %s: stop process: %v", agentID, err)
		}
	}
	return nil
}

// Delete removes the agent and its message log. A live process is stopped
// first, best effort.
func (m *Manager) Delete(ctx context.Context, agentID string) error {
	m.mu.Lock()
	proc := m.procs[agentID]
	m.mu.Unlock()
	if proc != nil {
		if err := proc.Stop(); err != nil {
			log.Printf("agent %s: stop before delete: %v", agentID, err)
		}
	}
	return m.store.DeleteAgent(ctx, agentID)
}

func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.procs)
}

// Shutdown stops every live process and marks it terminated. Each step's
// failure is logged and the sequence continues; shutdown never aborts early.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	procs := make(map[string]Process, len(m.procs))
	for id, p := range m.procs {
		procs[id] = p
	}
	m.mu.Unlock()

	for id, proc := range procs {
		if err := proc.Stop(); err != nil {
			log.Printf("shutdown: stop agent %s: %v", id, err)
		}
		if err := m.store.MarkTerminated(ctx, id); err != nil {
			log.Printf("shutdown: mark agent %s terminated: %v", id, err)
		}
	}
}
