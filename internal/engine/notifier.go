package engine

import (
	"sort"
	"sync"
	"time"
)

type topic int

const (
	topicSnapshot topic = iota
	topicUsage
	topicBreakdown
)

type notifyKey struct {
	sessionID string
	topic     topic
}

// notifier defers listener callbacks and coalesces every mark made within
// one delay window into a single delivery per key. State is updated by the
// caller before marking; only the callback is deferred.
type notifier struct {
	delay   time.Duration
	deliver func(notifyKey)

	mu      sync.Mutex
	pending map[notifyKey]struct{}
	timer   *time.Timer
	closed  bool
}

func newNotifier(delay time.Duration, deliver func(notifyKey)) *notifier {
	return &notifier{
		delay:   delay,
		deliver: deliver,
		pending: make(map[notifyKey]struct{}),
	}
}

func (n *notifier) mark(sessionID string, topics ...topic) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	for _, t := range topics {
		n.pending[notifyKey{sessionID: sessionID, topic: t}] = struct{}{}
	}
	if n.timer == nil {
		n.timer = time.AfterFunc(n.delay, n.flush)
	}
}

func (n *notifier) flush() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	keys := make([]notifyKey, 0, len(n.pending))
	for k := range n.pending {
		keys = append(keys, k)
	}
	n.pending = make(map[notifyKey]struct{})
	n.timer = nil
	n.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].sessionID != keys[j].sessionID {
			return keys[i].sessionID < keys[j].sessionID
		}
		return keys[i].topic < keys[j].topic
	})
	for _, k := range keys {
		n.deliver(k)
	}
}

func (n *notifier) close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	n.pending = make(map[notifyKey]struct{})
}
