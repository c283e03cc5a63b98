package client

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/kelgrand/agentstream/internal/hub"
)

// Consumer maintains a websocket connection to the gateway, keeps one View
// per watched agent, and survives disconnects: on reconnect it rejoins every
// room and resyncs every view, because fanout deliveries missed while
// disconnected exist only in the store.
type Consumer struct {
	url      string
	backfill Backfiller

	reconnectWait time.Duration
	resyncEvery   time.Duration

	mu    sync.Mutex
	views map[string]*View
	conn  *websocket.Conn
}

type ConsumerOption func(*Consumer)

func WithReconnectWait(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if d > 0 {
			c.reconnectWait = d
		}
	}
}

func WithResyncInterval(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if d > 0 {
			c.resyncEvery = d
		}
	}
}

func NewConsumer(url string, backfill Backfiller, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		url:           url,
		backfill:      backfill,
		reconnectWait: time.Second,
		resyncEvery:   5 * time.Second,
		views:         map[string]*View{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Watch starts tracking an agent. If the consumer is connected the room is
// joined immediately; otherwise it is joined on the next (re)connect.
func (c *Consumer) Watch(ctx context.Context, agentID string) (*View, error) {
	c.mu.Lock()
	view, ok := c.views[agentID]
	if !ok {
		view = NewView(agentID, c.backfill)
		c.views[agentID] = view
	}
	conn := c.conn
	c.mu.Unlock()
	if ok {
		return view, nil
	}

	if err := view.Bootstrap(ctx); err != nil {
		return view, err
	}
	if conn != nil {
		if err := writeControl(ctx, conn, hub.ActionJoin, agentID); err != nil {
			return view, err
		}
	}
	return view, nil
}

// View returns the tracked view for an agent, or nil.
func (c *Consumer) View(agentID string) *View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.views[agentID]
}

// Run connects and consumes events until ctx is done, reconnecting with a
// fixed wait between attempts.
func (c *Consumer) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.resyncEvery)
	defer ticker.Stop()
	go c.resyncLoop(ctx, ticker.C)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		conn, _, err := websocket.Dial(ctx, c.url, nil)
		if err != nil {
			log.Printf("consumer: dial %s: %v", c.url, err)
			if !sleepCtx(ctx, c.reconnectWait) {
				return ctx.Err()
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		err = c.session(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "done")

		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("consumer: connection lost: %v", err)
		if !sleepCtx(ctx, c.reconnectWait) {
			return ctx.Err()
		}
	}
}

func (c *Consumer) session(ctx context.Context, conn *websocket.Conn) error {
	// Rejoin everything, then repair whatever was missed while disconnected.
	for _, agentID := range c.watched() {
		if err := writeControl(ctx, conn, hub.ActionJoin, agentID); err != nil {
			return err
		}
	}
	c.resyncAll(ctx, true)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var evt hub.Event
		if err := json.Unmarshal(data, &evt); err != nil {
			log.Printf("consumer: bad event frame: %v", err)
			continue
		}
		c.dispatch(ctx, evt)
	}
}

func (c *Consumer) dispatch(ctx context.Context, evt hub.Event) {
	switch evt.Name {
	case hub.EventAgentMessage:
		var payload hub.MessagePayload
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			log.Printf("consumer: bad message payload: %v", err)
			return
		}
		view := c.View(payload.AgentID)
		if view == nil {
			return
		}
		if err := view.Apply(ctx, payload.Message); err != nil {
			// Left to the resync schedule; the view tracks its own staleness.
			log.Printf("consumer: apply for agent %s: %v", payload.AgentID, err)
		}
	case hub.EventAgentStatus, hub.EventAgentError, hub.EventAgentCreated:
		// Lifecycle events carry no log entries; nothing to reconcile.
	}
}

func (c *Consumer) watched() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.views))
	for agentID := range c.views {
		out = append(out, agentID)
	}
	return out
}

func (c *Consumer) resyncLoop(ctx context.Context, tick <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			c.resyncAll(ctx, false)
		}
	}
}

func (c *Consumer) resyncAll(ctx context.Context, force bool) {
	for _, agentID := range c.watched() {
		view := c.View(agentID)
		if view == nil || (!force && !view.NeedsResync()) {
			continue
		}
		if err := view.Resync(ctx); err != nil {
			log.Printf("consumer: resync agent %s: %v", agentID, err)
		}
	}
}

func writeControl(ctx context.Context, conn *websocket.Conn, action, agentID string) error {
	frame, err := json.Marshal(hub.ControlFrame{Action: action, AgentID: agentID})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, frame)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
