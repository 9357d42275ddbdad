package aggregator

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hal-o-swarm/sessionsync/internal/shared"
)

// Kind identifies one member of the closed set of session events.
type Kind string

const (
	KindStreamStart          Kind = "stream-start"
	KindStreamDelta          Kind = "stream-delta"
	KindStreamEnd            Kind = "stream-end"
	KindStreamAbort          Kind = "stream-abort"
	KindToolCallStart        Kind = "tool-call-start"
	KindToolCallDelta        Kind = "tool-call-delta"
	KindToolCallEnd          Kind = "tool-call-end"
	KindBashOutput           Kind = "bash-output"
	KindChildTaskCreated     Kind = "child-task-created"
	KindUsageDelta           Kind = "usage-delta"
	KindQueuedMessageChanged Kind = "queued-message-changed"
	KindRuntimeStatus        Kind = "runtime-status"
	KindCaughtUp             Kind = "caught-up"
	KindHeartbeat            Kind = "heartbeat"
	KindError                Kind = "error"

	// KindMessage is a plain transcript row. It is not part of the domain
	// event set; during replay it is buffered separately as history.
	KindMessage Kind = "message"
)

var (
	ErrUnknownKind    = errors.New("unknown event kind")
	ErrMalformedEvent = errors.New("malformed event")
)

// Event is implemented only by the types in this file.
type Event interface {
	Kind() Kind
	isEvent()
}

type StreamStart struct {
	MessageID       string `json:"messageId"`
	Model           string `json:"model"`
	HistorySequence int64  `json:"historySequence"`
	Timestamp       int64  `json:"timestamp"`
}

type StreamDelta struct {
	MessageID string `json:"messageId"`
	Delta     string `json:"delta"`
	Tokens    int64  `json:"tokens,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// StreamEnd finalizes a stream into a transcript message. Text, when set,
// replaces the accumulated deltas.
type StreamEnd struct {
	MessageID string          `json:"messageId"`
	Text      *string         `json:"text,omitempty"`
	Metadata  MessageMetadata `json:"metadata"`
	Timestamp int64           `json:"timestamp"`
}

type StreamAbort struct {
	MessageID string          `json:"messageId"`
	Metadata  MessageMetadata `json:"metadata"`
	Timestamp int64           `json:"timestamp"`
}

type ToolCallStart struct {
	MessageID  string          `json:"messageId"`
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args,omitempty"`
	Timestamp  int64           `json:"timestamp"`
}

type ToolCallDelta struct {
	MessageID  string `json:"messageId"`
	ToolCallID string `json:"toolCallId"`
	Delta      string `json:"delta"`
	Timestamp  int64  `json:"timestamp"`
}

type ToolCallEnd struct {
	MessageID  string          `json:"messageId"`
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Failed     bool            `json:"failed,omitempty"`
	Timestamp  int64           `json:"timestamp"`
}

type BashOutput struct {
	ToolCallID string `json:"toolCallId"`
	Text       string `json:"text"`
	IsError    bool   `json:"isError,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

type ChildTaskCreated struct {
	TaskID         string `json:"taskId"`
	ToolCallID     string `json:"toolCallId,omitempty"`
	ChildSessionID string `json:"childSessionId,omitempty"`
	Title          string `json:"title,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}

// UsageDelta reports incremental usage of an in-flight stream. Usage is a
// delta and is added, never assigned. ContextUsage is the current context
// window occupancy as of this step.
type UsageDelta struct {
	MessageID    string             `json:"messageId"`
	Model        string             `json:"model"`
	Usage        shared.TokenUsage  `json:"usage"`
	ContextUsage *shared.TokenUsage `json:"contextUsage,omitempty"`
	Timestamp    int64              `json:"timestamp"`
}

type QueuedMessageChanged struct {
	QueuedMessages []string `json:"queuedMessages"`
	DisplayText    string   `json:"displayText"`
	Timestamp      int64    `json:"timestamp"`
}

type RuntimeStatus struct {
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// CaughtUp marks the end of replay. HasOlderHistory is a pointer because its
// absence under incremental replay means "keep what you have".
type CaughtUp struct {
	ReplayMode      ReplayMode    `json:"replayMode"`
	HasOlderHistory *bool         `json:"hasOlderHistory,omitempty"`
	Cursor          *ReplayCursor `json:"cursor,omitempty"`
}

type Heartbeat struct {
	Timestamp int64 `json:"timestamp"`
}

type StreamError struct {
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error"`
	ErrorType string `json:"errorType,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// HistoryMessage wraps a transcript row delivered on the event stream.
type HistoryMessage struct {
	Message
}

func (*StreamStart) Kind() Kind          { return KindStreamStart }
func (*StreamDelta) Kind() Kind          { return KindStreamDelta }
func (*StreamEnd) Kind() Kind            { return KindStreamEnd }
func (*StreamAbort) Kind() Kind          { return KindStreamAbort }
func (*ToolCallStart) Kind() Kind        { return KindToolCallStart }
func (*ToolCallDelta) Kind() Kind        { return KindToolCallDelta }
func (*ToolCallEnd) Kind() Kind          { return KindToolCallEnd }
func (*BashOutput) Kind() Kind           { return KindBashOutput }
func (*ChildTaskCreated) Kind() Kind     { return KindChildTaskCreated }
func (*UsageDelta) Kind() Kind           { return KindUsageDelta }
func (*QueuedMessageChanged) Kind() Kind { return KindQueuedMessageChanged }
func (*RuntimeStatus) Kind() Kind        { return KindRuntimeStatus }
func (*CaughtUp) Kind() Kind             { return KindCaughtUp }
func (*Heartbeat) Kind() Kind            { return KindHeartbeat }
func (*StreamError) Kind() Kind          { return KindError }
func (*HistoryMessage) Kind() Kind       { return KindMessage }

func (*StreamStart) isEvent()          {}
func (*StreamDelta) isEvent()          {}
func (*StreamEnd) isEvent()            {}
func (*StreamAbort) isEvent()          {}
func (*ToolCallStart) isEvent()        {}
func (*ToolCallDelta) isEvent()        {}
func (*ToolCallEnd) isEvent()          {}
func (*BashOutput) isEvent()           {}
func (*ChildTaskCreated) isEvent()     {}
func (*UsageDelta) isEvent()           {}
func (*QueuedMessageChanged) isEvent() {}
func (*RuntimeStatus) isEvent()        {}
func (*CaughtUp) isEvent()             {}
func (*Heartbeat) isEvent()            {}
func (*StreamError) isEvent()          {}
func (*HistoryMessage) isEvent()       {}

type decoder func(payload []byte) (Event, error)

func decodeAs[T any, P interface {
	*T
	Event
}]() decoder {
	return func(payload []byte) (Event, error) {
		var v T
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, err
		}
		return P(&v), nil
	}
}

var decoders = map[Kind]decoder{
	KindStreamStart:          decodeAs[StreamStart](),
	KindStreamDelta:          decodeAs[StreamDelta](),
	KindStreamEnd:            decodeAs[StreamEnd](),
	KindStreamAbort:          decodeAs[StreamAbort](),
	KindToolCallStart:        decodeAs[ToolCallStart](),
	KindToolCallDelta:        decodeAs[ToolCallDelta](),
	KindToolCallEnd:          decodeAs[ToolCallEnd](),
	KindBashOutput:           decodeAs[BashOutput](),
	KindChildTaskCreated:     decodeAs[ChildTaskCreated](),
	KindUsageDelta:           decodeAs[UsageDelta](),
	KindQueuedMessageChanged: decodeAs[QueuedMessageChanged](),
	KindRuntimeStatus:        decodeAs[RuntimeStatus](),
	KindCaughtUp:             decodeAs[CaughtUp](),
	KindHeartbeat:            decodeAs[Heartbeat](),
	KindError:                decodeAs[StreamError](),
	KindMessage:              decodeAs[HistoryMessage](),
}

// Decode turns a wire payload into a typed event.
func Decode(kind string, payload []byte) (Event, error) {
	dec, ok := decoders[Kind(kind)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	ev, err := dec(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrMalformedEvent, kind, err)
	}
	return ev, nil
}

// Encode is the inverse of Decode and returns the wire kind and payload.
func Encode(ev Event) (string, json.RawMessage, error) {
	if ev == nil {
		return "", nil, fmt.Errorf("%w: nil event", ErrMalformedEvent)
	}
	var (
		payload []byte
		err     error
	)
	if hm, ok := ev.(*HistoryMessage); ok {
		payload, err = json.Marshal(hm.Message)
	} else {
		payload, err = json.Marshal(ev)
	}
	if err != nil {
		return "", nil, fmt.Errorf("encode %s: %w", ev.Kind(), err)
	}
	return string(ev.Kind()), payload, nil
}
