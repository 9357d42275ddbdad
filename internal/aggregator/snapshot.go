package aggregator

import (
	"sort"

	"github.com/samber/lo"
)

// SessionSnapshot is the renderable state of a session. Snapshots are
// immutable once returned.
type SessionSnapshot struct {
	SessionID        string        `json:"sessionId"`
	Messages         []Message     `json:"messages"`
	ActiveStreams    []StreamState `json:"activeStreams"`
	LiveToolCalls    []ToolCall    `json:"liveToolCalls"`
	Todos            []Todo        `json:"todos"`
	Status           AgentStatus   `json:"status"`
	QueuedMessages   []string      `json:"queuedMessages"`
	QueuedText       string        `json:"queuedText,omitempty"`
	ChildTasks       []ChildTask   `json:"childTasks"`
	LastError        *StreamError  `json:"lastError,omitempty"`
	RecencyTimestamp int64         `json:"recencyTimestamp"`
	Flags
}

// Snapshot builds the current state. It does not mutate the aggregator.
func (a *Aggregator) Snapshot() SessionSnapshot {
	streams := lo.Map(lo.Values(a.streams), func(s *StreamState, _ int) StreamState { return *s })
	sort.Slice(streams, func(i, j int) bool { return streams[i].MessageID < streams[j].MessageID })

	live := lo.Map(lo.Values(a.liveTools), func(tc *ToolCall, _ int) ToolCall { return *tc })
	sortToolCalls(live)

	children := lo.Values(a.children)
	sort.Slice(children, func(i, j int) bool {
		if children[i].CreatedAt != children[j].CreatedAt {
			return children[i].CreatedAt < children[j].CreatedAt
		}
		return children[i].TaskID < children[j].TaskID
	})

	var lastErr *StreamError
	if a.lastError != nil {
		e := *a.lastError
		lastErr = &e
	}

	return SessionSnapshot{
		SessionID:        a.meta.SessionID,
		Messages:         a.Messages(),
		ActiveStreams:    streams,
		LiveToolCalls:    live,
		Todos:            append([]Todo{}, a.todos...),
		Status:           a.status,
		QueuedMessages:   append([]string{}, a.queued...),
		QueuedText:       a.queuedTxt,
		ChildTasks:       children,
		LastError:        lastErr,
		RecencyTimestamp: a.RecencyTimestamp(),
		Flags:            a.flags,
	}
}

// RecencyTimestamp is the latest of creation, unarchive, the newest user
// message and the newest compaction boundary, in epoch milliseconds.
func (a *Aggregator) RecencyTimestamp() int64 {
	var ts int64
	if !a.meta.CreatedAt.IsZero() {
		ts = a.meta.CreatedAt.UnixMilli()
	}
	if a.meta.UnarchivedAt != nil {
		ts = max(ts, a.meta.UnarchivedAt.UnixMilli())
	}
	for _, msg := range a.messages {
		if msg.Role == RoleUser || msg.Metadata.CompactionBoundary {
			ts = max(ts, msg.CreatedAt)
		}
	}
	return ts
}
