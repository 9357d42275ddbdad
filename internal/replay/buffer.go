// Package replay holds events that arrive before a subscription is caught up.
package replay

import "github.com/hal-o-swarm/sessionsync/internal/aggregator"

// Buffer queues one attempt's pre-caught-up traffic. Domain events and
// history rows are kept in separate lists, each in arrival order.
type Buffer struct {
	mode    aggregator.ReplayMode
	events  []aggregator.Event
	history []aggregator.Message
}

func NewBuffer() *Buffer {
	return &Buffer{}
}

// Begin starts a new attempt in the given mode, discarding anything queued.
func (b *Buffer) Begin(mode aggregator.ReplayMode) {
	b.Reset()
	b.mode = mode
}

// Add queues ev. It reports false for events the fold does not handle.
func (b *Buffer) Add(ev aggregator.Event) bool {
	if ev == nil {
		return false
	}
	if hm, ok := ev.(*aggregator.HistoryMessage); ok {
		b.history = append(b.history, hm.Message)
		return true
	}
	if !aggregator.IsFoldKind(ev.Kind()) {
		return false
	}
	b.events = append(b.events, ev)
	return true
}

// Drain returns and clears the queued history rows and events.
func (b *Buffer) Drain() ([]aggregator.Message, []aggregator.Event) {
	history, events := b.history, b.events
	b.history, b.events = nil, nil
	return history, events
}

func (b *Buffer) Reset() {
	b.mode = ""
	b.events = nil
	b.history = nil
}

func (b *Buffer) Mode() aggregator.ReplayMode { return b.mode }

func (b *Buffer) Len() int { return len(b.events) + len(b.history) }

// Replay folds drained buffer contents into agg: history first as one batch,
// then the events in arrival order.
func Replay(agg *aggregator.Aggregator, history []aggregator.Message, events []aggregator.Event, replace bool) {
	if replace || len(history) > 0 {
		agg.ApplyHistory(history, replace)
	}
	for _, ev := range events {
		agg.Apply(ev)
	}
}
