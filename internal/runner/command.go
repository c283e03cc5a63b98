package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelgrand/agentstream/internal/state"
)

func buildArgs(cfg Config, opts Options) []string {
	args := []string{
		"-p", opts.Prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
	}
	if opts.SessionID != "" {
		args = append(args, "--session-id", opts.SessionID)
	}
	model := opts.Model
	if model == "" {
		model = cfg.DefaultModel
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	return args
}

// prepareEnv strips the API key so the CLI authenticates with the
// subscription instead.
func prepareEnv(cfg Config, base []string) []string {
	env := make([]string, 0, len(base)+1)
	for _, kv := range base {
		if strings.HasPrefix(kv, "ANTHROPIC_API_KEY=") {
			continue
		}
		env = append(env, kv)
	}
	if cfg.UseSubscription {
		env = append(env, "CLAUDE_USE_SUBSCRIPTION=true")
	}
	return env
}

func resolveWorkingDir(dir string) (string, error) {
	if dir == "" {
		return "", nil
	}
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve working dir: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("working directory does not exist: %s", abs)
	}
	return abs, nil
}

// classifyLine turns one stream-json stdout line into a message draft. Lines
// that are not JSON are kept verbatim as type "output" rather than dropped.
func classifyLine(line string) state.Draft {
	draft := state.Draft{Type: "output", Content: line}
	var probe struct {
		Type      string `json:"type"`
		Subtype   string `json:"subtype"`
		SessionID string `json:"session_id"`
		Message   struct {
			Role string `json:"role"`
		} `json:"message"`
	}
	if err := json.Unmarshal([]byte(line), &probe); err != nil {
		return draft
	}
	if probe.Type != "" {
		draft.Type = probe.Type
	}
	draft.Role = probe.Message.Role
	meta := map[string]any{}
	if probe.SessionID != "" {
		meta["session_id"] = probe.SessionID
	}
	if probe.Subtype != "" {
		meta["subtype"] = probe.Subtype
	}
	if len(meta) > 0 {
		draft.Metadata = meta
	}
	return draft
}
