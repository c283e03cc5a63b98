package hub

import (
	"encoding/json"
	"time"

	"github.com/kelgrand/agentstream/internal/state"
)

// Event names form the stable contract consumed by clients.
const (
	EventAgentCreated = "agent:created"
	EventAgentMessage = "agent:message"
	EventAgentStatus  = "agent:status"
	EventAgentError   = "agent:error"
)

// Event is one fanout delivery. Payload is marshaled once per publish so
// every subscriber observes identical bytes.
type Event struct {
	Name    string          `json:"event"`
	AgentID string          `json:"agent_id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// ControlFrame is the client-to-gateway subscription command sent over the
// websocket: join or leave one agent's room.
type ControlFrame struct {
	Action  string `json:"action"`
	AgentID string `json:"agent_id"`
}

const (
	ActionJoin  = "join"
	ActionLeave = "leave"
)

type MessagePayload struct {
	AgentID   string        `json:"agent_id"`
	Timestamp time.Time     `json:"timestamp"`
	Message   state.Message `json:"message"`
}

type StatusPayload struct {
	AgentID   string       `json:"agent_id"`
	Status    state.Status `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
}

type ErrorDetail struct {
	Message string `json:"message"`
	Name    string `json:"name"`
}

type ErrorPayload struct {
	AgentID   string      `json:"agent_id"`
	Error     ErrorDetail `json:"error"`
	Timestamp time.Time   `json:"timestamp"`
}
