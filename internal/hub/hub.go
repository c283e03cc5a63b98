package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/kelgrand/agentstream/internal/metrics"
)

// Hub is the process-wide subscription registry and broadcast fanout. It
// tracks which connections joined which agent room and delivers each
// published event to the room's members (or to everyone, for global events).
// Delivery is best effort: a slow subscriber's event is dropped and the
// client-side reconciliation layer repairs the gap from the store.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// Conn is one attached client connection.
type Conn struct {
	id     string
	ch     chan Event
	rooms  map[string]struct{} // guarded by the hub mutex
	closed bool                // guarded by the hub mutex
}

func New() *Hub {
	return &Hub{conns: map[string]*Conn{}}
}

// Attach registers a connection. It is detached automatically when ctx is
// done; Detach may also be called directly.
func (h *Hub) Attach(ctx context.Context) *Conn {
	c := &Conn{
		id:    ulid.Make().String(),
		ch:    make(chan Event, 64),
		rooms: map[string]struct{}{},
	}
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.Detach(c)
	}()
	return c
}

func (h *Hub) Detach(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	delete(h.conns, c.id)
	close(c.ch)
}

func (c *Conn) ID() string {
	return c.id
}

// Events yields the connection's ordered event feed.
func (c *Conn) Events() <-chan Event {
	return c.ch
}

// Join subscribes the connection to an agent's room.
func (h *Hub) Join(c *Conn, agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return
	}
	c.rooms[agentID] = struct{}{}
}

func (h *Hub) Leave(c *Conn, agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(c.rooms, agentID)
}

// Subscribers resolves the connection ids currently joined to an agent's room.
func (h *Hub) Subscribers(agentID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	for id, c := range h.conns {
		if _, ok := c.rooms[agentID]; ok {
			out = append(out, id)
		}
	}
	return out
}

func (h *Hub) SubscriberCount(agentID string) int {
	return len(h.Subscribers(agentID))
}

func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Publish delivers an event to every member of the agent's room. The payload
// is marshaled once, so all subscribers receive identical content.
func (h *Hub) Publish(agentID, name string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", name, err)
	}
	event := Event{Name: name, AgentID: agentID, Payload: raw}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns {
		if _, ok := c.rooms[agentID]; !ok {
			continue
		}
		h.deliver(c, event)
	}
	metrics.EventsBroadcast.Inc()
	return nil
}

// PublishGlobal delivers an event to every attached connection, joined or
// not. Used for agent creation announcements, which a client cannot have
// subscribed to in advance.
func (h *Hub) PublishGlobal(name string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", name, err)
	}
	event := Event{Name: name, Payload: raw}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns {
		h.deliver(c, event)
	}
	metrics.EventsBroadcast.Inc()
	return nil
}

func (h *Hub) deliver(c *Conn, event Event) {
	select {
	case c.ch <- event:
	default:
		// Drop if subscriber is slow.
		metrics.DeliveriesDropped.Inc()
	}
}
