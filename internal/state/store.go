package state

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/kelgrand/agentstream/internal/idgen"
)

type Status string

const (
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusTerminated   Status = "terminated"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTerminated:
		return true
	}
	return false
}

// allowedFrom lists the statuses a transition to the given status is valid
// from. Completed and failed are reachable only from running; terminated may
// be requested any time before a terminal state.
func allowedFrom(to Status) []Status {
	switch to {
	case StatusRunning:
		return []Status{StatusInitializing}
	case StatusCompleted, StatusFailed:
		return []Status{StatusRunning}
	case StatusTerminated:
		return []Status{StatusInitializing, StatusRunning}
	}
	return nil
}

type Agent struct {
	ID         string    `json:"id"`
	Status     Status    `json:"status"`
	Prompt     string    `json:"prompt,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	Model      string    `json:"model,omitempty"`
	WorkingDir string    `json:"working_dir,omitempty"`
	PID        int       `json:"pid,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type Message struct {
	ID             string         `json:"id"`
	AgentID        string         `json:"agent_id"`
	SequenceNumber int64          `json:"sequence_number"`
	Type           string         `json:"type"`
	Role           string         `json:"role,omitempty"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Draft is a message before persistence assigns its id and sequence number.
type Draft struct {
	Type     string
	Role     string
	Content  string
	Metadata map[string]any
}

type AgentSpec struct {
	Prompt     string
	SessionID  string
	Model      string
	WorkingDir string
}

type Store struct {
	db *sql.DB

	nowFn   func() time.Time
	newIDFn func() string
}

type Option func(*Store)

func WithClock(nowFn func() time.Time) Option {
	return func(s *Store) {
		if nowFn != nil {
			s.nowFn = nowFn
		}
	}
}

func WithIDGenerator(newIDFn func() string) Option {
	return func(s *Store) {
		if newIDFn != nil {
			s.newIDFn = newIDFn
		}
	}
}

func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, nowFn: time.Now, newIDFn: idgen.New}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) CreateAgent(ctx context.Context, spec AgentSpec) (Agent, error) {
	id := s.newIDFn()
	now := s.nowFn().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, status, prompt, session_id, model, working_dir, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, StatusInitializing, nullString(spec.Prompt), nullString(spec.SessionID), nullString(spec.Model),
		nullString(spec.WorkingDir), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return Agent{}, persistErr("insert agent", err)
	}
	return Agent{
		ID:         id,
		Status:     StatusInitializing,
		Prompt:     spec.Prompt,
		SessionID:  spec.SessionID,
		Model:      spec.Model,
		WorkingDir: spec.WorkingDir,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func (s *Store) GetAgent(ctx context.Context, agentID string) (Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, prompt, session_id, model, working_dir, pid, created_at, updated_at
		FROM agents WHERE id = ?
	`, agentID)
	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return Agent{}, fmt.Errorf("agent %s: %w", agentID, ErrAgentNotFound)
	}
	if err != nil {
		return Agent{}, persistErr("get agent", err)
	}
	return agent, nil
}

func (s *Store) ListAgents(ctx context.Context, limit int) ([]Agent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, prompt, session_id, model, working_dir, pid, created_at, updated_at
		FROM agents ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, persistErr("list agents", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, persistErr("scan agent", err)
		}
		out = append(out, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("iterate agents", err)
	}
	return out, nil
}

// UpdateStatus applies a guarded status transition. The guard runs in the
// UPDATE itself so a concurrent transition cannot slip between a read and a
// write.
func (s *Store) UpdateStatus(ctx context.Context, agentID string, to Status) error {
	froms := allowedFrom(to)
	if len(froms) == 0 {
		return &TransitionError{AgentID: agentID, To: to}
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(froms)), ",")
	args := []any{to, s.nowFn().UTC().Format(time.RFC3339Nano), agentID}
	for _, from := range froms {
		args = append(args, from)
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE agents SET status = ?, updated_at = ? WHERE id = ? AND status IN (%s)`, placeholders),
		args...)
	if err != nil {
		return persistErr("update agent status", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return persistErr("update agent status", err)
	}
	if affected == 0 {
		agent, getErr := s.GetAgent(ctx, agentID)
		if getErr != nil {
			return getErr
		}
		return &TransitionError{AgentID: agentID, From: agent.Status, To: to}
	}
	return nil
}

func (s *Store) MarkRunning(ctx context.Context, agentID string) error {
	return s.UpdateStatus(ctx, agentID, StatusRunning)
}

func (s *Store) SetPID(ctx context.Context, agentID string, pid int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET pid = ? WHERE id = ?`, pid, agentID)
	if err != nil {
		return persistErr("update agent pid", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return persistErr("update agent pid", err)
	}
	if affected == 0 {
		return fmt.Errorf("agent %s: %w", agentID, ErrAgentNotFound)
	}
	return nil
}

func (s *Store) MarkCompleted(ctx context.Context, agentID string) error {
	return s.UpdateStatus(ctx, agentID, StatusCompleted)
}

func (s *Store) MarkFailed(ctx context.Context, agentID string) error {
	return s.UpdateStatus(ctx, agentID, StatusFailed)
}

func (s *Store) MarkTerminated(ctx context.Context, agentID string) error {
	return s.UpdateStatus(ctx, agentID, StatusTerminated)
}

// AppendMessage persists a draft with the next sequence number for the agent.
// The sequence is computed inside the INSERT so assignment and insertion are
// one atomic statement; appends for different agents may run concurrently.
// Appends for the same agent must be serialized by the caller (the observer
// adapter's contract), which the unique (agent_id, seq) index backstops.
func (s *Store) AppendMessage(ctx context.Context, agentID string, draft Draft) (Message, error) {
	if strings.TrimSpace(draft.Type) == "" {
		return Message{}, fmt.Errorf("message type is required")
	}
	id := s.newIDFn()
	now := s.nowFn().UTC()
	metadataJSON, err := encodeJSON(draft.Metadata)
	if err != nil {
		return Message{}, persistErr("encode metadata", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, agent_id, seq, type, role, content, metadata, created_at)
		SELECT ?, ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?, ?
		FROM messages WHERE agent_id = ?
	`, id, agentID, draft.Type, nullString(draft.Role), draft.Content, nullString(metadataJSON),
		now.Format(time.RFC3339Nano), agentID)
	if err != nil {
		return Message{}, persistErr("insert message", err)
	}
	var seq int64
	if err := s.db.QueryRowContext(ctx, `SELECT seq FROM messages WHERE id = ?`, id).Scan(&seq); err != nil {
		return Message{}, persistErr("read back sequence", err)
	}
	return Message{
		ID:             id,
		AgentID:        agentID,
		SequenceNumber: seq,
		Type:           draft.Type,
		Role:           draft.Role,
		Content:        draft.Content,
		Metadata:       draft.Metadata,
		CreatedAt:      now,
	}, nil
}

func (s *Store) ListMessages(ctx context.Context, agentID string) ([]Message, error) {
	return s.listMessages(ctx, agentID, 0)
}

// ListMessagesSince returns messages with a sequence number strictly greater
// than since, ascending. Used by clients to backfill detected gaps.
func (s *Store) ListMessagesSince(ctx context.Context, agentID string, since int64) ([]Message, error) {
	return s.listMessages(ctx, agentID, since)
}

func (s *Store) listMessages(ctx context.Context, agentID string, since int64) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, seq, type, role, content, metadata, created_at
		FROM messages WHERE agent_id = ? AND seq > ? ORDER BY seq ASC
	`, agentID, since)
	if err != nil {
		return nil, persistErr("list messages", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var msg Message
		var role, metadataStr sql.NullString
		var createdAtStr string
		if err := rows.Scan(&msg.ID, &msg.AgentID, &msg.SequenceNumber, &msg.Type, &role, &msg.Content, &metadataStr, &createdAtStr); err != nil {
			return nil, persistErr("scan message", err)
		}
		msg.Role = role.String
		msg.Metadata = decodeJSONMap(metadataStr.String)
		msg.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("iterate messages", err)
	}
	return out, nil
}

// DeleteAgent removes the agent and, through the foreign key cascade, its
// entire message log.
func (s *Store) DeleteAgent(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, agentID)
	if err != nil {
		return persistErr("delete agent", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return persistErr("delete agent", err)
	}
	if affected == 0 {
		return fmt.Errorf("agent %s: %w", agentID, ErrAgentNotFound)
	}
	return nil
}

func (s *Store) CountActive(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents WHERE status IN (?, ?)`,
		StatusInitializing, StatusRunning).Scan(&count)
	if err != nil {
		return 0, persistErr("count active agents", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (Agent, error) {
	var agent Agent
	var prompt, sessionID, model, workingDir sql.NullString
	var pid sql.NullInt64
	var createdAtStr, updatedAtStr string
	err := row.Scan(&agent.ID, &agent.Status, &prompt, &sessionID, &model, &workingDir, &pid, &createdAtStr, &updatedAtStr)
	if err != nil {
		return Agent{}, err
	}
	agent.Prompt = prompt.String
	agent.SessionID = sessionID.String
	agent.Model = model.String
	agent.WorkingDir = workingDir.String
	agent.PID = int(pid.Int64)
	agent.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	agent.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAtStr)
	return agent, nil
}
