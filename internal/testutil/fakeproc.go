package testutil

import (
	"context"
	"sync"

	"github.com/kelgrand/agentstream/internal/agents"
	"github.com/kelgrand/agentstream/internal/runner"
)

// FakeProcess scripts a process's event stream for tests. RunFn plays the
// role of the CLI's stdout; Stopped is closed when Stop is called, so a
// script can block on it to simulate a long-lived process.
type FakeProcess struct {
	Pid     int
	RunFn   func(ctx context.Context, obs runner.Observer) error
	Stopped chan struct{}

	stopOnce sync.Once
}

func NewFakeProcess(pid int, run func(ctx context.Context, obs runner.Observer) error) *FakeProcess {
	return &FakeProcess{Pid: pid, RunFn: run, Stopped: make(chan struct{})}
}

func (p *FakeProcess) PID() int { return p.Pid }

func (p *FakeProcess) Stop() error {
	p.stopOnce.Do(func() { close(p.Stopped) })
	return nil
}

func (p *FakeProcess) Observe(ctx context.Context, obs runner.Observer) error {
	if p.RunFn == nil {
		return nil
	}
	return p.RunFn(ctx, obs)
}

type FakeRunner struct {
	Proc agents.Process
	Err  error
	Last runner.Options
}

func (r *FakeRunner) Start(_ context.Context, opts runner.Options) (agents.Process, error) {
	r.Last = opts
	if r.Err != nil {
		return nil, r.Err
	}
	return r.Proc, nil
}
