package replay

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/hal-o-swarm/sessionsync/internal/aggregator"
	"github.com/hal-o-swarm/sessionsync/internal/shared"
)

func sampleSequence() []aggregator.Event {
	return []aggregator.Event{
		&aggregator.HistoryMessage{Message: aggregator.Message{ID: "u-1", Role: aggregator.RoleUser, Sequence: 1, Text: "hi", CreatedAt: 10}},
		&aggregator.HistoryMessage{Message: aggregator.Message{ID: "a-2", Role: aggregator.RoleAssistant, Sequence: 2, Text: "hello", CreatedAt: 11}},
		&aggregator.StreamStart{MessageID: "a-4", Model: "claude-sonnet", HistorySequence: 4, Timestamp: 20},
		&aggregator.StreamDelta{MessageID: "a-4", Delta: "work", Timestamp: 21},
		&aggregator.ToolCallStart{MessageID: "a-4", ToolCallID: "tc-1", ToolName: "bash", Timestamp: 22},
		&aggregator.BashOutput{ToolCallID: "tc-1", Text: "line\n", Timestamp: 23},
		&aggregator.ToolCallEnd{MessageID: "a-4", ToolCallID: "tc-1", ToolName: "bash", Result: json.RawMessage(`"done"`), Timestamp: 24},
		&aggregator.UsageDelta{MessageID: "a-4", Model: "claude-sonnet", Usage: shared.TokenUsage{InputTokens: 3}, Timestamp: 25},
		&aggregator.StreamDelta{MessageID: "a-4", Delta: "ing", Timestamp: 26},
		&aggregator.RuntimeStatus{Status: "working", Timestamp: 27},
		&aggregator.QueuedMessageChanged{QueuedMessages: []string{"next"}, DisplayText: "next", Timestamp: 28},
		&aggregator.ChildTaskCreated{TaskID: "task", ChildSessionID: "child", Timestamp: 29},
		&aggregator.StreamStart{MessageID: "a-5", HistorySequence: 5, Timestamp: 30},
		&aggregator.StreamDelta{MessageID: "a-5", Delta: "still going", Timestamp: 31},
	}
}

func TestBufferedReplayMatchesDirectApply(t *testing.T) {
	meta := aggregator.SessionMeta{SessionID: "s", CreatedAt: time.UnixMilli(1)}

	direct := aggregator.New(meta, nil, nil)
	for _, ev := range sampleSequence() {
		direct.Apply(ev)
	}

	buffered := aggregator.New(meta, nil, nil)
	buf := NewBuffer()
	buf.Begin(aggregator.ReplayFull)
	for _, ev := range sampleSequence() {
		if !buf.Add(ev) {
			t.Fatalf("buffer rejected %s", ev.Kind())
		}
	}
	history, events := buf.Drain()
	Replay(buffered, history, events, true)

	if !reflect.DeepEqual(direct.Snapshot(), buffered.Snapshot()) {
		t.Fatalf("snapshots differ:\ndirect:   %+v\nbuffered: %+v", direct.Snapshot(), buffered.Snapshot())
	}
	if !reflect.DeepEqual(direct.Cursor(), buffered.Cursor()) {
		t.Fatalf("cursors differ: %+v vs %+v", direct.Cursor(), buffered.Cursor())
	}
}

func TestBufferSeparatesHistoryRows(t *testing.T) {
	buf := NewBuffer()
	buf.Begin(aggregator.ReplaySince)

	buf.Add(&aggregator.StreamStart{MessageID: "a"})
	buf.Add(&aggregator.HistoryMessage{Message: aggregator.Message{ID: "m"}})
	buf.Add(&aggregator.StreamDelta{MessageID: "a", Delta: "x"})

	if buf.Add(&aggregator.Heartbeat{}) {
		t.Fatal("heartbeat must not be buffered")
	}
	if buf.Add(&aggregator.CaughtUp{}) {
		t.Fatal("caught-up must not be buffered")
	}
	if buf.Len() != 3 || buf.Mode() != aggregator.ReplaySince {
		t.Fatalf("unexpected buffer state len=%d mode=%s", buf.Len(), buf.Mode())
	}

	history, events := buf.Drain()
	if len(history) != 1 || history[0].ID != "m" {
		t.Fatalf("unexpected history %+v", history)
	}
	if len(events) != 2 || events[0].Kind() != aggregator.KindStreamStart || events[1].Kind() != aggregator.KindStreamDelta {
		t.Fatalf("unexpected event order %+v", events)
	}
	if buf.Len() != 0 {
		t.Fatal("expected drained buffer to be empty")
	}
}

func TestBeginDiscardsPreviousAttempt(t *testing.T) {
	buf := NewBuffer()
	buf.Begin(aggregator.ReplayFull)
	buf.Add(&aggregator.StreamStart{MessageID: "a"})

	buf.Begin(aggregator.ReplaySince)
	if buf.Len() != 0 {
		t.Fatalf("expected empty buffer, got %d", buf.Len())
	}
}
