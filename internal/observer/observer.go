// Package observer bridges a process adapter's raw event stream to the store
// and the broadcast fanout. Every callback persists before it broadcasts, so
// by the time a client observes an event the data is durable.
package observer

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/kelgrand/agentstream/internal/hub"
	"github.com/kelgrand/agentstream/internal/metrics"
	"github.com/kelgrand/agentstream/internal/state"
)

// Observer handles one agent's events. The process adapter must await each
// callback before delivering the next event for the same agent; that
// serialization is what keeps sequence assignment gap-free. Callbacks never
// return persistence failures to the adapter: doing so could abort the whole
// session, so they are contained here and surfaced as agent:error broadcasts.
type Observer struct {
	agentID string
	store   *state.Store
	hub     *hub.Hub
	nowFn   func() time.Time
}

type Option func(*Observer)

func WithClock(nowFn func() time.Time) Option {
	return func(o *Observer) {
		if nowFn != nil {
			o.nowFn = nowFn
		}
	}
}

func New(agentID string, store *state.Store, h *hub.Hub, opts ...Option) *Observer {
	o := &Observer{agentID: agentID, store: store, hub: h, nowFn: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// OnMessage appends the draft to the store, then broadcasts the persisted
// message. An append failure does not propagate: it becomes a best-effort
// agent:error broadcast and the callback still resolves.
func (o *Observer) OnMessage(ctx context.Context, draft state.Draft) error {
	msg, err := o.store.AppendMessage(ctx, o.agentID, draft)
	if err != nil {
		log.Printf("agent %s: message persist failed: %v", o.agentID, err)
		metrics.PersistFailures.Inc()
		o.broadcastError("Message broadcast failed: "+err.Error(), errorName(err))
		return nil
	}
	metrics.MessagesPersisted.Inc()

	if err := o.hub.Publish(o.agentID, hub.EventAgentMessage, hub.MessagePayload{
		AgentID:   o.agentID,
		Timestamp: o.nowFn().UTC(),
		Message:   msg,
	}); err != nil {
		log.Printf("agent %s: message broadcast failed: %v", o.agentID, err)
	}
	return nil
}

// OnStatusChange persists the transition, then broadcasts it.
func (o *Observer) OnStatusChange(ctx context.Context, status state.Status) error {
	if err := o.store.UpdateStatus(ctx, o.agentID, status); err != nil {
		o.containTransition("status change", status, err)
		return nil
	}
	o.broadcastStatus(status)
	return nil
}

// OnComplete marks the agent completed. Valid only from running; a late
// completion after a terminal state is logged and skipped.
func (o *Observer) OnComplete(ctx context.Context, result map[string]any) error {
	if err := o.store.MarkCompleted(ctx, o.agentID); err != nil {
		o.containTransition("complete", state.StatusCompleted, err)
		return nil
	}
	if len(result) > 0 {
		log.Printf("agent %s completed: %v", o.agentID, result)
	}
	o.broadcastStatus(state.StatusCompleted)
	return nil
}

// OnError marks the agent failed and broadcasts the error, then the status.
func (o *Observer) OnError(ctx context.Context, procErr error) error {
	if err := o.store.MarkFailed(ctx, o.agentID); err != nil {
		o.containTransition("fail", state.StatusFailed, err)
		return nil
	}
	o.broadcastError(procErr.Error(), errorName(procErr))
	o.broadcastStatus(state.StatusFailed)
	return nil
}

func (o *Observer) containTransition(op string, to state.Status, err error) {
	if errors.Is(err, state.ErrInvalidTransition) {
		// Late event after a terminal state: not an error, just stale.
		log.Printf("agent %s: %s to %s skipped: %v", o.agentID, op, to, err)
		return
	}
	log.Printf("agent %s: %s persist failed: %v", o.agentID, op, err)
	metrics.PersistFailures.Inc()
	o.broadcastError("Message broadcast failed: "+err.Error(), errorName(err))
}

func (o *Observer) broadcastStatus(status state.Status) {
	if err := o.hub.Publish(o.agentID, hub.EventAgentStatus, hub.StatusPayload{
		AgentID:   o.agentID,
		Status:    status,
		Timestamp: o.nowFn().UTC(),
	}); err != nil {
		log.Printf("agent %s: status broadcast failed: %v", o.agentID, err)
	}
}

func (o *Observer) broadcastError(message, name string) {
	if err := o.hub.Publish(o.agentID, hub.EventAgentError, hub.ErrorPayload{
		AgentID:   o.agentID,
		Error:     hub.ErrorDetail{Message: message, Name: name},
		Timestamp: o.nowFn().UTC(),
	}); err != nil {
		log.Printf("agent %s: error broadcast failed: %v", o.agentID, err)
	}
}

func errorName(err error) string {
	var perr *state.PersistenceError
	if errors.As(err, &perr) {
		return "PersistenceError"
	}
	return "Error"
}
