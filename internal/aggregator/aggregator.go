package aggregator

import (
	"encoding/json"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/hal-o-swarm/sessionsync/internal/shared"
)

const todoWriteTool = "todo_write"

// Observer receives accounting-relevant fold results. The usage ledger
// implements it.
type Observer interface {
	MessageCompleted(msg Message)
	UsageObserved(delta *UsageDelta)
	StreamDropped(messageID string)
	Reset()
}

// Aggregator folds the ordered events of one session into a renderable
// state. It is not safe for concurrent use; the owner serializes access.
type Aggregator struct {
	logger   *zap.Logger
	observer Observer

	meta SessionMeta

	messages  map[string]*Message
	toolIndex map[string]string // tool call id -> finalized message id
	streams   map[string]*StreamState
	liveTools map[string]*ToolCall
	todos     []Todo
	status    AgentStatus
	queued    []string
	queuedTxt string
	children  map[string]ChildTask
	lastError *StreamError

	// Transcript summary kept current as messages are stored. When a
	// replacement lowers either value, tip is rebuilt on next read.
	tip      transcriptTip
	tipStale bool

	flags   Flags
	applied bool
	version uint64
	epoch   uint64
}

func New(meta SessionMeta, logger *zap.Logger, observer Observer) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &Aggregator{
		logger:   logger.With(zap.String("session_id", meta.SessionID)),
		observer: observer,
		meta:     meta,
	}
	a.reset()
	return a
}

func (a *Aggregator) reset() {
	a.messages = make(map[string]*Message)
	a.tip = transcriptTip{}
	a.tipStale = false
	a.toolIndex = make(map[string]string)
	a.streams = make(map[string]*StreamState)
	a.liveTools = make(map[string]*ToolCall)
	a.children = make(map[string]ChildTask)
	a.todos = nil
	a.status = AgentStatus{}
	a.queued = nil
	a.queuedTxt = ""
	a.lastError = nil
	a.applied = false
}

type handler func(a *Aggregator, ev Event) error

func on[T Event](fn func(*Aggregator, T) error) handler {
	return func(a *Aggregator, ev Event) error {
		typed, ok := ev.(T)
		if !ok {
			return fmt.Errorf("%w: %s carries %T", ErrMalformedEvent, ev.Kind(), ev)
		}
		return fn(a, typed)
	}
}

// handlers is the single source of truth for the fold: a kind is buffered
// during replay if and only if it has an entry here.
var handlers map[Kind]handler

func init() {
	handlers = map[Kind]handler{
		KindStreamStart:          on((*Aggregator).onStreamStart),
		KindStreamDelta:          on((*Aggregator).onStreamDelta),
		KindStreamEnd:            on((*Aggregator).onStreamEnd),
		KindStreamAbort:          on((*Aggregator).onStreamAbort),
		KindToolCallStart:        on((*Aggregator).onToolCallStart),
		KindToolCallDelta:        on((*Aggregator).onToolCallDelta),
		KindToolCallEnd:          on((*Aggregator).onToolCallEnd),
		KindBashOutput:           on((*Aggregator).onBashOutput),
		KindChildTaskCreated:     on((*Aggregator).onChildTaskCreated),
		KindUsageDelta:           on((*Aggregator).onUsageDelta),
		KindQueuedMessageChanged: on((*Aggregator).onQueuedMessageChanged),
		KindRuntimeStatus:        on((*Aggregator).onRuntimeStatus),
		KindError:                on((*Aggregator).onError),
		KindMessage:              on((*Aggregator).onMessage),
	}
}

// IsFoldKind reports whether events of kind k are folded by Apply.
func IsFoldKind(k Kind) bool {
	_, ok := handlers[k]
	return ok
}

// Apply folds one event. Malformed or unexpected events are logged and
// dropped.
func (a *Aggregator) Apply(ev Event) {
	if ev == nil {
		a.logger.Warn("dropping nil event")
		return
	}
	h, ok := handlers[ev.Kind()]
	if !ok {
		a.logger.Warn("dropping event without fold handler", zap.String("kind", string(ev.Kind())))
		return
	}
	if err := h(a, ev); err != nil {
		a.logger.Warn("dropping malformed event", zap.String("kind", string(ev.Kind())), zap.Error(err))
		return
	}
	a.applied = true
	a.version++
}

// Clear resets all fold state. Flags are kept.
func (a *Aggregator) Clear() {
	a.reset()
	a.epoch++
	a.version++
	if a.observer != nil {
		a.observer.Reset()
	}
}

// Epoch changes on every Clear. Async results captured under an older epoch
// are stale.
func (a *Aggregator) Epoch() uint64 { return a.epoch }

// Version changes whenever the snapshot may have changed.
func (a *Aggregator) Version() uint64 { return a.version }

func (a *Aggregator) Meta() SessionMeta { return a.meta }

func (a *Aggregator) SetMeta(meta SessionMeta) {
	a.meta = meta
	a.version++
}

func (a *Aggregator) Flags() Flags { return a.flags }

func (a *Aggregator) SetFlags(f Flags) {
	if a.flags == f {
		return
	}
	a.flags = f
	a.version++
}

// Cursor returns the confirmed position, or nil if nothing has been applied.
func (a *Aggregator) Cursor() *ReplayCursor {
	if !a.applied {
		return nil
	}

	c := &ReplayCursor{}
	first := true
	for _, msg := range a.messages {
		if first || msg.Sequence > c.History.LastSequence ||
			(msg.Sequence == c.History.LastSequence && msg.ID > c.History.LastMessageID) {
			c.History.LastSequence = msg.Sequence
			c.History.LastMessageID = msg.ID
		}
		if first || msg.Sequence < c.History.OldestSequence {
			c.History.OldestSequence = msg.Sequence
		}
		first = false
	}

	var latest *StreamState
	for _, s := range a.streams {
		if latest == nil || s.LastEventAt > latest.LastEventAt ||
			(s.LastEventAt == latest.LastEventAt && s.MessageID > latest.MessageID) {
			latest = s
		}
	}
	if latest != nil {
		c.Stream = &StreamPosition{
			ActiveMessageID:    latest.MessageID,
			LastEventTimestamp: latest.LastEventAt,
		}
	}
	return c
}

// ApplyHistory applies a batch of transcript rows. With replace the current
// transcript is dropped first.
func (a *Aggregator) ApplyHistory(rows []Message, replace bool) {
	if replace {
		a.messages = make(map[string]*Message)
		a.tip = transcriptTip{}
		a.tipStale = false
		a.toolIndex = make(map[string]string)
		a.todos = nil
	}
	for i := range rows {
		if err := a.upsertMessage(rows[i]); err != nil {
			a.logger.Warn("dropping malformed history row", zap.Error(err))
			continue
		}
		a.applied = true
	}
	a.version++
}

// PrependHistory merges an older page fetched by backward pagination.
func (a *Aggregator) PrependHistory(rows []Message) {
	for i := range rows {
		if _, exists := a.messages[rows[i].ID]; exists {
			continue
		}
		if err := a.upsertMessage(rows[i]); err != nil {
			a.logger.Warn("dropping malformed history row", zap.Error(err))
		}
	}
	a.version++
}

// WipeLiveState drops active streams and live tool calls. When keep is set,
// state belonging to that message survives.
func (a *Aggregator) WipeLiveState(keep string) {
	changed := false
	for id := range a.streams {
		if keep != "" && id == keep {
			continue
		}
		delete(a.streams, id)
		changed = true
		if a.observer != nil {
			a.observer.StreamDropped(id)
		}
	}
	for id, tc := range a.liveTools {
		if keep != "" && tc.MessageID == keep {
			continue
		}
		delete(a.liveTools, id)
		changed = true
	}
	if changed {
		a.version++
	}
}

// MessageCount and MaxHistorySequence describe the transcript for
// breakdown keys.
func (a *Aggregator) MessageCount() int { return len(a.messages) }

func (a *Aggregator) MaxHistorySequence() int64 {
	return a.currentTip().maxSeq
}

// transcriptTip tracks the highest sequence and the newest assistant model
// among stored messages.
type transcriptTip struct {
	maxSeq   int64
	modelID  string
	modelSeq int64
	model    string
}

func (t *transcriptTip) observe(msg *Message) {
	if msg.Sequence > t.maxSeq {
		t.maxSeq = msg.Sequence
	}
	if msg.Role == RoleAssistant && msg.Model() != "" && (t.modelID == "" || msg.ID == t.modelID || msg.Sequence > t.modelSeq) {
		t.modelID = msg.ID
		t.modelSeq = msg.Sequence
		t.model = msg.Model()
	}
}

func (a *Aggregator) currentTip() transcriptTip {
	if a.tipStale {
		a.tip = transcriptTip{}
		for _, msg := range a.messages {
			a.tip.observe(msg)
		}
		a.tipStale = false
	}
	return a.tip
}

func (a *Aggregator) trackStored(prev, msg *Message) {
	if prev != nil {
		if prev.Sequence == a.tip.maxSeq && msg.Sequence < prev.Sequence {
			a.tipStale = true
		}
		if prev.ID == a.tip.modelID && (msg.Role != RoleAssistant || msg.Model() == "" || msg.Sequence < prev.Sequence) {
			a.tipStale = true
		}
	}
	if !a.tipStale {
		a.tip.observe(msg)
	}
}

// Messages returns the transcript in history order.
func (a *Aggregator) Messages() []Message {
	out := make([]Message, 0, len(a.messages))
	for _, msg := range a.messages {
		out = append(out, cloneMessage(*msg))
	}
	sortMessages(out)
	return out
}

// CurrentModel is the model of the newest assistant activity.
func (a *Aggregator) CurrentModel() string {
	tip := a.currentTip()
	model := tip.model
	seq := int64(-1)
	if tip.modelID != "" {
		seq = tip.modelSeq
	}
	for _, s := range a.streams {
		if s.Model != "" && s.HistorySequence > seq {
			seq = s.HistorySequence
			model = s.Model
		}
	}
	return model
}

func (a *Aggregator) onStreamStart(ev *StreamStart) error {
	if ev.MessageID == "" {
		return fmt.Errorf("%w: stream-start without messageId", ErrMalformedEvent)
	}
	for id, tc := range a.liveTools {
		if tc.MessageID == ev.MessageID {
			delete(a.liveTools, id)
		}
	}
	a.streams[ev.MessageID] = &StreamState{
		MessageID:       ev.MessageID,
		Model:           ev.Model,
		HistorySequence: ev.HistorySequence,
		StartedAt:       ev.Timestamp,
		LastEventAt:     ev.Timestamp,
	}
	return nil
}

func (a *Aggregator) onStreamDelta(ev *StreamDelta) error {
	s, ok := a.streams[ev.MessageID]
	if !ok {
		return fmt.Errorf("%w: delta for unknown stream %q", ErrMalformedEvent, ev.MessageID)
	}
	s.Text += ev.Delta
	s.Tokens += ev.Tokens
	if ev.Timestamp > s.LastEventAt {
		s.LastEventAt = ev.Timestamp
	}
	return nil
}

func (a *Aggregator) onStreamEnd(ev *StreamEnd) error {
	if ev.MessageID == "" {
		return fmt.Errorf("%w: stream-end without messageId", ErrMalformedEvent)
	}
	a.finalizeStream(ev.MessageID, ev.Text, ev.Metadata, ev.Timestamp, false)
	return nil
}

func (a *Aggregator) onStreamAbort(ev *StreamAbort) error {
	if ev.MessageID == "" {
		return fmt.Errorf("%w: stream-abort without messageId", ErrMalformedEvent)
	}
	a.finalizeStream(ev.MessageID, nil, ev.Metadata, ev.Timestamp, true)
	return nil
}

func (a *Aggregator) finalizeStream(id string, text *string, meta MessageMetadata, ts int64, aborted bool) {
	stream := a.streams[id]
	existing := a.messages[id]

	msg := Message{ID: id, Role: RoleAssistant, CreatedAt: ts, Metadata: meta}
	if existing != nil {
		msg = cloneMessage(*existing)
		msg.Metadata = mergeMetadata(existing.Metadata, meta)
	}
	if stream != nil {
		msg.Sequence = stream.HistorySequence
		msg.CreatedAt = stream.StartedAt
		msg.Text = stream.Text
		if msg.Metadata.Model == "" {
			msg.Metadata.Model = stream.Model
		}
		if msg.Metadata.Usage == nil && !stream.Usage.IsZero() {
			u := stream.Usage
			msg.Metadata.Usage = &u
		}
	}
	if text != nil {
		msg.Text = *text
	}
	if aborted {
		msg.Metadata.Aborted = true
	}

	live := make([]ToolCall, 0)
	for tcID, tc := range a.liveTools {
		if tc.MessageID == id {
			live = append(live, *tc)
			delete(a.liveTools, tcID)
		}
	}
	sortToolCalls(live)
	msg.ToolCalls = mergeToolCalls(msg.ToolCalls, live)
	delete(a.streams, id)

	if aborted && existing == nil && msg.Text == "" && len(msg.ToolCalls) == 0 && msg.Metadata.Usage == nil {
		if a.observer != nil {
			a.observer.StreamDropped(id)
		}
		return
	}
	a.storeMessage(msg)
}

func (a *Aggregator) onToolCallStart(ev *ToolCallStart) error {
	if ev.MessageID == "" || ev.ToolCallID == "" {
		return fmt.Errorf("%w: tool-call-start needs messageId and toolCallId", ErrMalformedEvent)
	}
	if tc, ok := a.liveTools[ev.ToolCallID]; ok {
		tc.Name = ev.ToolName
		if len(ev.Args) > 0 {
			tc.Args = cloneRaw(ev.Args)
		}
		return nil
	}
	if _, finalized := a.toolIndex[ev.ToolCallID]; finalized {
		return nil
	}
	a.liveTools[ev.ToolCallID] = &ToolCall{
		ID:        ev.ToolCallID,
		MessageID: ev.MessageID,
		Name:      ev.ToolName,
		Args:      cloneRaw(ev.Args),
		State:     ToolCallRunning,
		StartedAt: ev.Timestamp,
	}
	return nil
}

func (a *Aggregator) onToolCallDelta(ev *ToolCallDelta) error {
	tc, ok := a.liveTools[ev.ToolCallID]
	if !ok {
		return fmt.Errorf("%w: delta for unknown tool call %q", ErrMalformedEvent, ev.ToolCallID)
	}
	tc.ArgsText += ev.Delta
	return nil
}

func (a *Aggregator) onToolCallEnd(ev *ToolCallEnd) error {
	if ev.ToolCallID == "" {
		return fmt.Errorf("%w: tool-call-end without toolCallId", ErrMalformedEvent)
	}

	end := func(tc *ToolCall) {
		if ev.ToolName != "" {
			tc.Name = ev.ToolName
		}
		if len(ev.Args) > 0 {
			tc.Args = cloneRaw(ev.Args)
		}
		tc.Result = cloneRaw(ev.Result)
		tc.State = ToolCallCompleted
		if ev.Failed {
			tc.State = ToolCallFailed
		}
		tc.EndedAt = ev.Timestamp
	}

	var ended *ToolCall
	switch {
	case a.liveTools[ev.ToolCallID] != nil:
		ended = a.liveTools[ev.ToolCallID]
		end(ended)
	case a.toolIndex[ev.ToolCallID] != "":
		msg := a.messages[a.toolIndex[ev.ToolCallID]]
		for i := range msg.ToolCalls {
			if msg.ToolCalls[i].ID == ev.ToolCallID {
				ended = &msg.ToolCalls[i]
				end(ended)
				break
			}
		}
	default:
		if ev.MessageID == "" {
			return fmt.Errorf("%w: tool-call-end for unknown call %q without messageId", ErrMalformedEvent, ev.ToolCallID)
		}
		tc := &ToolCall{ID: ev.ToolCallID, MessageID: ev.MessageID, StartedAt: ev.Timestamp}
		end(tc)
		if msg, ok := a.messages[ev.MessageID]; ok {
			msg.ToolCalls = append(msg.ToolCalls, *tc)
			a.toolIndex[tc.ID] = msg.ID
			ended = &msg.ToolCalls[len(msg.ToolCalls)-1]
		} else {
			a.liveTools[tc.ID] = tc
			ended = tc
		}
	}

	if ended != nil && ended.Name == todoWriteTool && ended.State == ToolCallCompleted {
		a.applyTodoWrite(ended.Args)
	}
	return nil
}

func (a *Aggregator) applyTodoWrite(args json.RawMessage) {
	if len(args) == 0 {
		return
	}
	var payload struct {
		Todos []Todo `json:"todos"`
	}
	if err := json.Unmarshal(args, &payload); err != nil {
		a.logger.Warn("ignoring unreadable todo list", zap.Error(err))
		return
	}
	a.todos = payload.Todos
}

func (a *Aggregator) onBashOutput(ev *BashOutput) error {
	if tc, ok := a.liveTools[ev.ToolCallID]; ok {
		tc.Output += ev.Text
		return nil
	}
	if msgID, ok := a.toolIndex[ev.ToolCallID]; ok {
		msg := a.messages[msgID]
		for i := range msg.ToolCalls {
			if msg.ToolCalls[i].ID == ev.ToolCallID {
				msg.ToolCalls[i].Output += ev.Text
				return nil
			}
		}
	}
	return fmt.Errorf("%w: bash output for unknown tool call %q", ErrMalformedEvent, ev.ToolCallID)
}

func (a *Aggregator) onChildTaskCreated(ev *ChildTaskCreated) error {
	if ev.TaskID == "" {
		return fmt.Errorf("%w: child-task-created without taskId", ErrMalformedEvent)
	}
	a.children[ev.TaskID] = ChildTask{
		TaskID:         ev.TaskID,
		ToolCallID:     ev.ToolCallID,
		ChildSessionID: ev.ChildSessionID,
		Title:          ev.Title,
		CreatedAt:      ev.Timestamp,
	}
	return nil
}

func (a *Aggregator) onUsageDelta(ev *UsageDelta) error {
	if ev.MessageID == "" {
		return fmt.Errorf("%w: usage-delta without messageId", ErrMalformedEvent)
	}
	if s, ok := a.streams[ev.MessageID]; ok {
		s.Usage = s.Usage.Add(ev.Usage)
		if s.Model == "" {
			s.Model = ev.Model
		}
	}
	if a.observer != nil {
		a.observer.UsageObserved(ev)
	}
	return nil
}

func (a *Aggregator) onQueuedMessageChanged(ev *QueuedMessageChanged) error {
	a.queued = append([]string(nil), ev.QueuedMessages...)
	a.queuedTxt = ev.DisplayText
	return nil
}

func (a *Aggregator) onRuntimeStatus(ev *RuntimeStatus) error {
	a.status = AgentStatus{Status: ev.Status, Detail: ev.Detail, UpdatedAt: ev.Timestamp}
	return nil
}

func (a *Aggregator) onError(ev *StreamError) error {
	e := *ev
	a.lastError = &e
	return nil
}

func (a *Aggregator) onMessage(ev *HistoryMessage) error {
	return a.upsertMessage(ev.Message)
}

func (a *Aggregator) upsertMessage(row Message) error {
	if row.ID == "" {
		return fmt.Errorf("%w: message without id", ErrMalformedEvent)
	}
	msg := cloneMessage(row)
	for i := range msg.ToolCalls {
		msg.ToolCalls[i].MessageID = msg.ID
	}
	if existing, ok := a.messages[msg.ID]; ok {
		msg.ToolCalls = mergeToolCalls(existing.ToolCalls, msg.ToolCalls)
	}
	a.storeMessage(msg)
	for _, tc := range msg.ToolCalls {
		if tc.Name == todoWriteTool && tc.State == ToolCallCompleted {
			a.applyTodoWrite(tc.Args)
		}
	}
	return nil
}

func (a *Aggregator) storeMessage(msg Message) {
	for _, tc := range msg.ToolCalls {
		a.toolIndex[tc.ID] = msg.ID
		delete(a.liveTools, tc.ID)
	}
	stored := msg
	a.trackStored(a.messages[msg.ID], &stored)
	a.messages[msg.ID] = &stored
	if a.observer != nil {
		a.observer.MessageCompleted(cloneMessage(msg))
	}
}

func mergeMetadata(prev, next MessageMetadata) MessageMetadata {
	out := next
	if out.Model == "" {
		out.Model = prev.Model
	}
	if out.Usage == nil {
		out.Usage = prev.Usage
	}
	if out.ContextUsage == nil {
		out.ContextUsage = prev.ContextUsage
	}
	if out.CostUSD == nil {
		out.CostUSD = prev.CostUSD
	}
	out.CostsIncluded = out.CostsIncluded || prev.CostsIncluded
	return out
}

// mergeToolCalls keeps the order of base and replaces entries by id.
func mergeToolCalls(base, incoming []ToolCall) []ToolCall {
	if len(incoming) == 0 {
		return base
	}
	out := append([]ToolCall(nil), base...)
	pos := make(map[string]int, len(out))
	for i, tc := range out {
		pos[tc.ID] = i
	}
	for _, tc := range incoming {
		if i, ok := pos[tc.ID]; ok {
			out[i] = tc
			continue
		}
		pos[tc.ID] = len(out)
		out = append(out, tc)
	}
	return out
}

func cloneMessage(m Message) Message {
	out := m
	if m.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		copy(out.ToolCalls, m.ToolCalls)
	}
	out.Metadata.Usage = cloneUsage(m.Metadata.Usage)
	out.Metadata.ContextUsage = cloneUsage(m.Metadata.ContextUsage)
	return out
}

func cloneUsage(u *shared.TokenUsage) *shared.TokenUsage {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Sequence != msgs[j].Sequence {
			return msgs[i].Sequence < msgs[j].Sequence
		}
		if msgs[i].CreatedAt != msgs[j].CreatedAt {
			return msgs[i].CreatedAt < msgs[j].CreatedAt
		}
		return msgs[i].ID < msgs[j].ID
	})
}

func sortToolCalls(calls []ToolCall) {
	sort.SliceStable(calls, func(i, j int) bool {
		if calls[i].StartedAt != calls[j].StartedAt {
			return calls[i].StartedAt < calls[j].StartedAt
		}
		return calls[i].ID < calls[j].ID
	})
}
