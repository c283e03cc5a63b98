// Package runner spawns and supervises the external CLI process behind an
// agent and feeds its output through the observer contract, one awaited
// callback at a time.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/kelgrand/agentstream/internal/state"
)

// Observer receives an agent's events. The runner awaits each callback
// before reading the next line, so at most one persistence operation per
// agent is in flight at any time.
type Observer interface {
	OnMessage(ctx context.Context, draft state.Draft) error
	OnStatusChange(ctx context.Context, status state.Status) error
	OnComplete(ctx context.Context, result map[string]any) error
	OnError(ctx context.Context, err error) error
}

type Config struct {
	CLIPath         string
	DefaultModel    string
	UseSubscription bool
	StopGrace       time.Duration
}

type Options struct {
	Prompt     string
	SessionID  string
	Model      string
	WorkingDir string
}

type Runner struct {
	cfg Config
}

func New(cfg Config) *Runner {
	if cfg.CLIPath == "" {
		cfg.CLIPath = "claude"
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	return &Runner{cfg: cfg}
}

// Process is one live CLI process.
type Process struct {
	cmd      *exec.Cmd
	stdout   io.ReadCloser
	stderr   bytes.Buffer
	grace    time.Duration
	waitDone chan struct{}
}

// Start spawns the CLI. The process outlives the request context; use Stop
// to end it.
func (r *Runner) Start(_ context.Context, opts Options) (*Process, error) {
	cwd, err := resolveWorkingDir(opts.WorkingDir)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(r.cfg.CLIPath, buildArgs(r.cfg, opts)...)
	cmd.Dir = cwd
	cmd.Env = prepareEnv(r.cfg, os.Environ())

	p := &Process{cmd: cmd, grace: r.cfg.StopGrace, waitDone: make(chan struct{})}
	cmd.Stderr = &p.stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	p.stdout = stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", r.cfg.CLIPath, err)
	}
	return p, nil
}

func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Stop terminates the process: SIGTERM, a grace period, then SIGKILL. It
// returns once the signal is sent and the grace handling is scheduled; it
// does not wait for Observe to finish.
func (p *Process) Stop() error {
	if p.cmd.Process == nil {
		return nil
	}
	select {
	case <-p.waitDone:
		return nil // already exited
	default:
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("terminate pid %d: %w", p.PID(), err)
	}
	go func() {
		select {
		case <-p.waitDone:
		case <-time.After(p.grace):
			_ = p.cmd.Process.Kill()
		}
	}()
	return nil
}

// Observe reads stdout line by line, awaiting one observer callback per
// event, and finishes with OnComplete or OnError once the process exits.
// Run it in exactly one goroutine per process.
func (p *Process) Observe(ctx context.Context, obs Observer) error {
	if err := obs.OnStatusChange(ctx, state.StatusRunning); err != nil {
		return err
	}

	scanner := bufio.NewScanner(p.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := obs.OnMessage(ctx, classifyLine(line)); err != nil {
			return err
		}
	}
	scanErr := scanner.Err()

	waitErr := p.cmd.Wait()
	close(p.waitDone)

	switch {
	case scanErr != nil:
		return obs.OnError(ctx, fmt.Errorf("read process stream: %w", scanErr))
	case waitErr != nil:
		return obs.OnError(ctx, exitError(waitErr, p.stderr.String()))
	default:
		return obs.OnComplete(ctx, map[string]any{"exit_code": 0})
	}
}

func exitError(waitErr error, stderr string) error {
	stderr = strings.TrimSpace(stderr)
	if stderr == "" {
		return fmt.Errorf("process exited: %w", waitErr)
	}
	if len(stderr) > 512 {
		stderr = stderr[len(stderr)-512:]
	}
	return fmt.Errorf("process exited: %w: %s", waitErr, stderr)
}
