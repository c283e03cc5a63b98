// Package client reconstructs a correct ordered view of an agent's message
// log on the consuming side, from an initial fetch plus the broadcast stream.
// Broadcasts are best effort, so the view deduplicates, detects sequence
// gaps, and backfills them from the store.
package client

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kelgrand/agentstream/internal/metrics"
	"github.com/kelgrand/agentstream/internal/state"
)

// Backfiller fetches persisted messages past a sequence number. Satisfied by
// *state.Store directly, or by an HTTP client hitting the messages endpoint.
type Backfiller interface {
	ListMessagesSince(ctx context.Context, agentID string, since int64) ([]state.Message, error)
}

// DefaultMaxBackfillFailures is how many consecutive backfill failures are
// tolerated before the view reports itself stale.
const DefaultMaxBackfillFailures = 3

// View is one agent's reconciled message log.
type View struct {
	agentID  string
	backfill Backfiller

	mu          sync.Mutex
	known       map[string]struct{}
	msgs        []state.Message // ascending by sequence number
	last        int64           // highest sequence contiguous from 1
	pending     bool            // a detected gap has not been repaired yet
	failures    int
	stale       bool
	maxFailures int
}

type ViewOption func(*View)

func WithMaxBackfillFailures(n int) ViewOption {
	return func(v *View) {
		if n > 0 {
			v.maxFailures = n
		}
	}
}

func NewView(agentID string, backfill Backfiller, opts ...ViewOption) *View {
	v := &View{
		agentID:     agentID,
		backfill:    backfill,
		known:       map[string]struct{}{},
		maxFailures: DefaultMaxBackfillFailures,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Bootstrap loads the full persisted log. Call once before consuming the
// event stream.
func (v *View) Bootstrap(ctx context.Context) error {
	return v.Resync(ctx)
}

// Apply merges one broadcast message. A message already seen is discarded. A
// sequence number beyond last+1 means deliveries were missed; the gap is
// repaired from the store before Apply returns.
func (v *View) Apply(ctx context.Context, msg state.Message) error {
	v.mu.Lock()
	if _, ok := v.known[msg.ID]; ok {
		v.mu.Unlock()
		return nil
	}
	gap := msg.SequenceNumber > v.last+1
	v.insertLocked(msg)
	if !gap {
		v.advanceLocked()
		v.mu.Unlock()
		return nil
	}
	v.pending = true
	v.mu.Unlock()

	metrics.GapsDetected.Inc()
	return v.Resync(ctx)
}

// Resync fetches everything past the contiguous frontier and merges it. Used
// for gap repair, bootstrap, and after a transport reconnect, since events
// broadcast while disconnected are only recoverable from the store. Failures
// are counted; past the bound the view reports stale until a fetch succeeds.
func (v *View) Resync(ctx context.Context) error {
	v.mu.Lock()
	since := v.last
	v.mu.Unlock()

	metrics.BackfillsRun.Inc()
	msgs, err := v.backfill.ListMessagesSince(ctx, v.agentID, since)
	if err != nil {
		metrics.BackfillFailures.Inc()
		v.mu.Lock()
		v.failures++
		if v.failures >= v.maxFailures {
			v.stale = true
		}
		v.mu.Unlock()
		return fmt.Errorf("backfill agent %s after %d: %w", v.agentID, since, err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	for _, msg := range msgs {
		if _, ok := v.known[msg.ID]; ok {
			continue
		}
		v.insertLocked(msg)
	}
	v.advanceLocked()
	v.failures = 0
	v.stale = false
	v.pending = len(v.msgs) > 0 && v.msgs[len(v.msgs)-1].SequenceNumber > v.last
	return nil
}

func (v *View) insertLocked(msg state.Message) {
	v.known[msg.ID] = struct{}{}
	i := sort.Search(len(v.msgs), func(i int) bool {
		return v.msgs[i].SequenceNumber >= msg.SequenceNumber
	})
	v.msgs = append(v.msgs, state.Message{})
	copy(v.msgs[i+1:], v.msgs[i:])
	v.msgs[i] = msg
}

func (v *View) advanceLocked() {
	i := sort.Search(len(v.msgs), func(i int) bool {
		return v.msgs[i].SequenceNumber > v.last
	})
	for ; i < len(v.msgs); i++ {
		if v.msgs[i].SequenceNumber != v.last+1 {
			break
		}
		v.last++
	}
}

// Messages returns the ordered view.
func (v *View) Messages() []state.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]state.Message, len(v.msgs))
	copy(out, v.msgs)
	return out
}

// LastSequence is the highest sequence number contiguous from 1.
func (v *View) LastSequence() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.last
}

// Stale reports whether repeated backfill failures left the view degraded.
func (v *View) Stale() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stale
}

// NeedsResync reports whether a gap or a failed backfill is outstanding.
func (v *View) NeedsResync() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pending || v.stale || v.failures > 0
}
