package aggregator

import (
	"encoding/json"
	"time"

	"github.com/hal-o-swarm/sessionsync/internal/shared"
)

type ReplayMode string

const (
	ReplayFull  ReplayMode = "full"
	ReplaySince ReplayMode = "since"
)

// HistoryPosition is the confirmed transcript position of a session.
type HistoryPosition struct {
	LastMessageID  string `json:"lastMessageId"`
	LastSequence   int64  `json:"lastSequence"`
	OldestSequence int64  `json:"oldestSequence"`
}

// StreamPosition identifies the stream that was live when the cursor was taken.
type StreamPosition struct {
	ActiveMessageID    string `json:"activeMessageId"`
	LastEventTimestamp int64  `json:"lastEventTimestamp"`
}

// ReplayCursor is the minimal state needed to resume a subscription
// incrementally.
type ReplayCursor struct {
	History HistoryPosition `json:"history"`
	Stream  *StreamPosition `json:"stream,omitempty"`
}

// SessionMeta is the registration metadata of a session.
type SessionMeta struct {
	SessionID    string     `json:"sessionId"`
	CreatedAt    time.Time  `json:"createdAt"`
	UnarchivedAt *time.Time `json:"unarchivedAt,omitempty"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// MessageMetadata carries per-message accounting data.
type MessageMetadata struct {
	Model        string             `json:"model,omitempty"`
	Usage        *shared.TokenUsage `json:"usage,omitempty"`
	ContextUsage *shared.TokenUsage `json:"contextUsage,omitempty"`
	// CostsIncluded marks usage already billed by the provider.
	CostsIncluded bool     `json:"costsIncluded,omitempty"`
	CostUSD       *float64 `json:"costUsd,omitempty"`
	Aborted       bool     `json:"aborted,omitempty"`

	// CompactionBoundary marks a summary row that starts a new context epoch.
	CompactionBoundary   bool  `json:"compactionBoundary,omitempty"`
	PostCompactionTokens int64 `json:"postCompactionTokens,omitempty"`
}

type Message struct {
	ID        string          `json:"id"`
	Role      string          `json:"role"`
	Sequence  int64           `json:"historySequence"`
	Text      string          `json:"text"`
	CreatedAt int64           `json:"timestamp"`
	ToolCalls []ToolCall      `json:"toolCalls,omitempty"`
	Metadata  MessageMetadata `json:"metadata"`
}

// Model returns the model recorded for the message, if any.
func (m Message) Model() string {
	return m.Metadata.Model
}

type ToolCallState string

const (
	ToolCallRunning   ToolCallState = "running"
	ToolCallCompleted ToolCallState = "completed"
	ToolCallFailed    ToolCallState = "failed"
)

type ToolCall struct {
	ID        string          `json:"id"`
	MessageID string          `json:"messageId"`
	Name      string          `json:"name"`
	Args      json.RawMessage `json:"args,omitempty"`
	ArgsText  string          `json:"argsText,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Output    string          `json:"output,omitempty"`
	State     ToolCallState   `json:"state"`
	StartedAt int64           `json:"startedAt"`
	EndedAt   int64           `json:"endedAt,omitempty"`
}

type Todo struct {
	Content    string `json:"content"`
	Status     string `json:"status"`
	ActiveForm string `json:"activeForm,omitempty"`
}

type ChildTask struct {
	TaskID         string `json:"taskId"`
	ToolCallID     string `json:"toolCallId,omitempty"`
	ChildSessionID string `json:"childSessionId,omitempty"`
	Title          string `json:"title,omitempty"`
	CreatedAt      int64  `json:"createdAt"`
}

// StreamState is an assistant reply that is still being produced.
type StreamState struct {
	MessageID       string            `json:"messageId"`
	Model           string            `json:"model"`
	HistorySequence int64             `json:"historySequence"`
	Text            string            `json:"text"`
	Tokens          int64             `json:"tokens"`
	Usage           shared.TokenUsage `json:"usage"`
	StartedAt       int64             `json:"startedAt"`
	LastEventAt     int64             `json:"lastEventAt"`
}

type AgentStatus struct {
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	UpdatedAt int64  `json:"updatedAt,omitempty"`
}

// Flags are owned by the subscription manager and survive Clear.
type Flags struct {
	Hydrating       bool `json:"isHydrating"`
	CaughtUp        bool `json:"isCaughtUp"`
	HasOlderHistory bool `json:"hasOlderHistory"`
	LoadingOlder    bool `json:"loadingOlder"`
}
