package transport

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hal-o-swarm/sessionsync/internal/aggregator"
	"github.com/hal-o-swarm/sessionsync/internal/tokens"
	"github.com/hal-o-swarm/sessionsync/internal/usage"
)

// SubscribeCall records one Subscribe invocation on a MockTransport.
type SubscribeCall struct {
	SessionID string
	Since     *aggregator.ReplayCursor
}

type (
	HistoryFunc    func(ctx context.Context, sessionID string, cursor *HistoryCursor) (HistoryPage, error)
	UsageFunc      func(ctx context.Context, sessionID string) (*usage.Snapshot, error)
	CalculatorFunc func(ctx context.Context, sessionID string, messages []aggregator.Message, model string) (tokens.Breakdown, error)
)

// MockTransport is an in-memory Transport. Every Subscribe hands out a
// MockStream the caller drives with Emit and End.
type MockTransport struct {
	mu         sync.Mutex
	calls      []SubscribeCall
	failures   map[string][]error
	streams    []*MockStream
	history    HistoryFunc
	usageFn    UsageFunc
	usage      map[string]*usage.Snapshot
	calculator CalculatorFunc

	opened     chan *MockStream
	tokenCalls atomic.Int64
}

var _ Transport = (*MockTransport)(nil)

func NewMockTransport() *MockTransport {
	return &MockTransport{
		failures: make(map[string][]error),
		usage:    make(map[string]*usage.Snapshot),
		opened:   make(chan *MockStream, 256),
	}
}

// FailNextSubscribe makes the next Subscribe for sessionID return err.
// Calls queue.
func (m *MockTransport) FailNextSubscribe(sessionID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[sessionID] = append(m.failures[sessionID], err)
}

func (m *MockTransport) Subscribe(ctx context.Context, sessionID string, since *aggregator.ReplayCursor) (EventStream, error) {
	m.mu.Lock()
	call := SubscribeCall{SessionID: sessionID}
	if since != nil {
		c := cloneCursor(*since)
		call.Since = &c
	}
	m.calls = append(m.calls, call)

	if queued := m.failures[sessionID]; len(queued) > 0 {
		err := queued[0]
		m.failures[sessionID] = queued[1:]
		m.mu.Unlock()
		return nil, err
	}

	s := &MockStream{
		SessionID: sessionID,
		Since:     call.Since,
		ctx:       ctx,
		events:    make(chan aggregator.Event, 1024),
		ended:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	m.streams = append(m.streams, s)
	m.mu.Unlock()

	select {
	case m.opened <- s:
	default:
	}
	return s, nil
}

// WaitStream returns the next stream opened by Subscribe, or nil after
// timeout.
func (m *MockTransport) WaitStream(timeout time.Duration) *MockStream {
	select {
	case s := <-m.opened:
		return s
	case <-time.After(timeout):
		return nil
	}
}

func (m *MockTransport) SubscribeCalls() []SubscribeCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SubscribeCall, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *MockTransport) Streams() []*MockStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*MockStream, len(m.streams))
	copy(out, m.streams)
	return out
}

func (m *MockTransport) SetHistory(fn HistoryFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = fn
}

func (m *MockTransport) LoadHistoryPage(ctx context.Context, sessionID string, cursor *HistoryCursor) (HistoryPage, error) {
	m.mu.Lock()
	fn := m.history
	m.mu.Unlock()
	if fn == nil {
		return HistoryPage{}, nil
	}
	return fn(ctx, sessionID, cursor)
}

func (m *MockTransport) SetPersistedUsage(sessionID string, snap *usage.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage[sessionID] = snap
}

// SetUsageFunc overrides SetPersistedUsage for every session.
func (m *MockTransport) SetUsageFunc(fn UsageFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usageFn = fn
}

func (m *MockTransport) GetPersistedUsage(ctx context.Context, sessionID string) (*usage.Snapshot, error) {
	m.mu.Lock()
	fn := m.usageFn
	snap := m.usage[sessionID]
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, sessionID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return snap, nil
}

func (m *MockTransport) SetCalculator(fn CalculatorFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calculator = fn
}

// TokenCalls counts CalculateTokenStats invocations.
func (m *MockTransport) TokenCalls() int64 {
	return m.tokenCalls.Load()
}

func (m *MockTransport) CalculateTokenStats(ctx context.Context, sessionID string, messages []aggregator.Message, model string) (tokens.Breakdown, error) {
	m.tokenCalls.Add(1)
	m.mu.Lock()
	fn := m.calculator
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, sessionID, messages, model)
	}
	if err := ctx.Err(); err != nil {
		return tokens.Breakdown{}, err
	}
	return roleBreakdown(messages), nil
}

// roleBreakdown approximates four characters per token, grouped by role.
func roleBreakdown(messages []aggregator.Message) tokens.Breakdown {
	byRole := make(map[string]int64)
	var total int64
	for _, msg := range messages {
		n := int64(len([]rune(msg.Text))+3) / 4
		byRole[msg.Role] += n
		total += n
	}

	out := tokens.Breakdown{TotalTokens: total, Tokenizer: "approx-4", Status: tokens.StatusReady}
	for role, n := range byRole {
		c := tokens.Consumer{Name: role, Tokens: n}
		if total > 0 {
			c.Percentage = float64(n) * 100 / float64(total)
		}
		out.Consumers = append(out.Consumers, c)
	}
	sort.Slice(out.Consumers, func(i, j int) bool { return out.Consumers[i].Name < out.Consumers[j].Name })
	return out
}

// MockStream is a scripted EventStream.
type MockStream struct {
	SessionID string
	Since     *aggregator.ReplayCursor

	ctx    context.Context
	events chan aggregator.Event
	ended  chan struct{}
	done   chan struct{}

	endOnce   sync.Once
	closeOnce sync.Once
	endErr    error

	cur aggregator.Event
	err error
}

// Emit queues events for Next. It reports false once the stream is closed.
func (s *MockStream) Emit(events ...aggregator.Event) bool {
	for _, ev := range events {
		select {
		case s.events <- ev:
		case <-s.done:
			return false
		}
	}
	return true
}

// End finishes the stream after queued events drain. A nil err is a clean
// server-side close.
func (s *MockStream) End(err error) {
	s.endOnce.Do(func() {
		s.endErr = err
		close(s.ended)
	})
}

func (s *MockStream) Next() bool {
	for {
		select {
		case ev := <-s.events:
			s.cur = ev
			return true
		default:
		}

		select {
		case ev := <-s.events:
			s.cur = ev
			return true
		case <-s.ended:
			if len(s.events) > 0 {
				continue
			}
			s.cur = nil
			s.err = s.endErr
			return false
		case <-s.done:
			s.cur = nil
			return false
		case <-s.ctx.Done():
			s.cur = nil
			return false
		}
	}
}

func (s *MockStream) Current() aggregator.Event { return s.cur }

func (s *MockStream) Err() error { return s.err }

func (s *MockStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Closed reports whether the consumer closed the stream or cancelled its
// context.
func (s *MockStream) Closed() bool {
	select {
	case <-s.done:
		return true
	case <-s.ctx.Done():
		return true
	default:
		return false
	}
}

func cloneCursor(c aggregator.ReplayCursor) aggregator.ReplayCursor {
	if c.Stream != nil {
		st := *c.Stream
		c.Stream = &st
	}
	return c
}
