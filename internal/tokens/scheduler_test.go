package tokens

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hal-o-swarm/sessionsync/internal/aggregator"
)

type countingCalculator struct {
	calls   atomic.Int32
	gate    chan struct{}
	ignore  bool
	started chan struct{}

	mu  sync.Mutex
	err error
}

func (c *countingCalculator) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *countingCalculator) Calculate(ctx context.Context, sessionID string, messages []aggregator.Message, model string) (Breakdown, error) {
	c.calls.Add(1)
	if c.started != nil {
		select {
		case c.started <- struct{}{}:
		default:
		}
	}
	if c.gate != nil {
		if c.ignore {
			<-c.gate
		} else {
			select {
			case <-c.gate:
			case <-ctx.Done():
				return Breakdown{}, ctx.Err()
			}
		}
	}
	c.mu.Lock()
	err := c.err
	c.mu.Unlock()
	if err != nil {
		return Breakdown{}, err
	}
	return Breakdown{
		Consumers:   []Consumer{{Name: "user", Tokens: int64(len(messages)) * 10, Percentage: 100}},
		TotalTokens: int64(len(messages)) * 10,
		Tokenizer:   model,
	}, nil
}

type memoryStore struct {
	mu    sync.Mutex
	items map[string]Breakdown
	loads int
	saves int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{items: make(map[string]Breakdown)}
}

func (m *memoryStore) LoadBreakdown(_ context.Context, sessionID string) (*Breakdown, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	b, ok := m.items[sessionID]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (m *memoryStore) SaveBreakdown(_ context.Context, sessionID string, b Breakdown) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.items[sessionID] = b
	return nil
}

func (m *memoryStore) DeleteBreakdown(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, sessionID)
	return nil
}

func fold(count int, maxSeq int64) FoldState {
	msgs := make([]aggregator.Message, count)
	for i := range msgs {
		msgs[i] = aggregator.Message{ID: string(rune('a' + i)), Sequence: int64(i + 1)}
	}
	return FoldState{Model: "gpt-4o", MessageCount: count, MaxHistorySequence: maxSeq, Messages: msgs}
}

func newTestScheduler(t *testing.T, calc Calculator, store Store, mutate func(*Options)) *Scheduler {
	t.Helper()
	opts := Options{
		Debounce:   10 * time.Millisecond,
		Timeout:    time.Second,
		Calculator: calc,
		Store:      store,
		Logger:     zap.NewNop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := NewScheduler(opts)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func waitForStatus(t *testing.T, s *Scheduler, sessionID string, want Status) Breakdown {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b, ok := s.Get(sessionID); ok && b.Status == want {
			return b
		}
		time.Sleep(5 * time.Millisecond)
	}
	b, ok := s.Get(sessionID)
	t.Fatalf("breakdown for %s = %+v (present=%v), want status %s", sessionID, b, ok, want)
	return Breakdown{}
}

func TestScheduleDebouncesBursts(t *testing.T) {
	calc := &countingCalculator{}
	s := newTestScheduler(t, calc, nil, nil)
	s.SetFingerprint("fp")

	for i := 1; i <= 5; i++ {
		s.Schedule("s-1", fold(i, int64(i)))
	}

	b := waitForStatus(t, s, "s-1", StatusReady)
	if got := calc.calls.Load(); got != 1 {
		t.Fatalf("expected 1 calculation, got %d", got)
	}
	if b.Key.MessageCount != 5 || b.Key.ConfigFingerprint != "fp" {
		t.Fatalf("unexpected key %+v", b.Key)
	}
}

func TestUnknownFingerprintCachesBlocked(t *testing.T) {
	calc := &countingCalculator{}
	var updates atomic.Int32
	s := newTestScheduler(t, calc, nil, func(o *Options) {
		o.OnUpdate = func(string) { updates.Add(1) }
	})

	s.Schedule("s-1", fold(2, 2))
	s.Schedule("s-1", fold(2, 2))

	b, ok := s.Get("s-1")
	if !ok || b.Status != StatusBlocked {
		t.Fatalf("expected blocked breakdown, got %+v", b)
	}
	if got := updates.Load(); got != 1 {
		t.Fatalf("expected one update for a stable blocked result, got %d", got)
	}
	time.Sleep(50 * time.Millisecond)
	if got := calc.calls.Load(); got != 0 {
		t.Fatalf("expected no calculation while blocked, got %d", got)
	}

	s.SetFingerprint("fp")
	waitForStatus(t, s, "s-1", StatusReady)
	if got := calc.calls.Load(); got != 1 {
		t.Fatalf("expected 1 calculation after unblock, got %d", got)
	}
}

func TestScheduleWhileRunningQueuesOneFollowUp(t *testing.T) {
	calc := &countingCalculator{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	s := newTestScheduler(t, calc, nil, nil)
	s.SetFingerprint("fp")

	s.Schedule("s-1", fold(1, 1))
	<-calc.started

	for i := 2; i <= 6; i++ {
		s.Schedule("s-1", fold(i, int64(i)))
	}
	calc.gate <- struct{}{}
	<-calc.started
	calc.gate <- struct{}{}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b, ok := s.Get("s-1"); ok && b.Key.MessageCount == 6 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if b, _ := s.Get("s-1"); b.Key.MessageCount != 6 {
		t.Fatalf("expected follow-up result for 6 messages, got %+v", b.Key)
	}
	time.Sleep(50 * time.Millisecond)
	if got := calc.calls.Load(); got != 2 {
		t.Fatalf("expected 2 calculations, got %d", got)
	}
}

func TestFingerprintChangeSupersedesRunningCalculation(t *testing.T) {
	calc := &countingCalculator{gate: make(chan struct{}), started: make(chan struct{}, 1), ignore: true}
	s := newTestScheduler(t, calc, nil, nil)
	s.SetFingerprint("fp-1")

	s.Schedule("s-1", fold(3, 3))
	<-calc.started

	s.SetFingerprint("fp-2")
	// the first request resolves after the second was issued
	calc.gate <- struct{}{}
	<-calc.started
	calc.gate <- struct{}{}

	b := waitForStatus(t, s, "s-1", StatusReady)
	if b.Key.ConfigFingerprint != "fp-2" {
		t.Fatalf("stale result won: %+v", b.Key)
	}
	time.Sleep(30 * time.Millisecond)
	if b, _ := s.Get("s-1"); b.Key.ConfigFingerprint != "fp-2" {
		t.Fatalf("stale result overwrote newer one: %+v", b.Key)
	}
}

func TestHydratesFromStoreOnExactKey(t *testing.T) {
	calc := &countingCalculator{}
	store := newMemoryStore()
	store.items["s-1"] = Breakdown{
		Key:         Key{Model: "gpt-4o", MessageCount: 2, MaxHistorySequence: 2, ConfigFingerprint: "fp"},
		TotalTokens: 42,
		Status:      StatusReady,
	}
	s := newTestScheduler(t, calc, store, nil)
	s.SetFingerprint("fp")

	s.Schedule("s-1", fold(2, 2))
	b := waitForStatus(t, s, "s-1", StatusReady)
	if b.TotalTokens != 42 || calc.calls.Load() != 0 {
		t.Fatalf("expected hydrated breakdown without calculation, got %+v calls=%d", b, calc.calls.Load())
	}

	s.Schedule("s-1", fold(3, 3))
	waitForStatus(t, s, "s-1", StatusReady)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && calc.calls.Load() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if calc.calls.Load() != 1 {
		t.Fatalf("expected a calculation for a changed key, got %d", calc.calls.Load())
	}
}

func TestCachedBreakdownIsReused(t *testing.T) {
	calc := &countingCalculator{}
	store := newMemoryStore()
	s := newTestScheduler(t, calc, store, nil)
	s.SetFingerprint("fp")

	s.Schedule("s-1", fold(2, 2))
	waitForStatus(t, s, "s-1", StatusReady)

	s.Schedule("s-1", fold(2, 2))
	time.Sleep(50 * time.Millisecond)
	if got := calc.calls.Load(); got != 1 {
		t.Fatalf("expected cached breakdown reuse, got %d calculations", got)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.saves != 1 {
		t.Fatalf("expected breakdown persisted once, got %d", store.saves)
	}
}

func TestTimeoutCachesFailedBreakdown(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	calc := &countingCalculator{gate: make(chan struct{})}
	s := newTestScheduler(t, calc, nil, func(o *Options) {
		o.Timeout = 20 * time.Millisecond
		o.Logger = zap.New(core)
	})
	s.SetFingerprint("fp")

	s.Schedule("s-1", fold(1, 1))
	b := waitForStatus(t, s, "s-1", StatusFailed)
	if len(b.Consumers) != 0 || b.Error != "timeout" {
		t.Fatalf("expected empty failed breakdown, got %+v", b)
	}
	if logs.FilterMessage("tokenization timed out").Len() != 1 {
		t.Fatalf("expected timeout warning, got %v", logs.All())
	}
}

func TestSupersededErrorIsNotLogged(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	calc := &countingCalculator{err: ErrSuperseded}
	s := newTestScheduler(t, calc, nil, func(o *Options) { o.Logger = zap.New(core) })
	s.SetFingerprint("fp")

	s.Schedule("s-1", fold(1, 1))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && calc.calls.Load() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(30 * time.Millisecond)
	if logs.Len() != 0 {
		t.Fatalf("expected no log entries, got %v", logs.All())
	}

	// The session must not stay marked as running.
	calc.setErr(nil)
	s.Schedule("s-1", fold(2, 2))
	b := waitForStatus(t, s, "s-1", StatusReady)
	if b.Key.MessageCount != 2 || calc.calls.Load() != 2 {
		t.Fatalf("expected a fresh calculation after supersede, got %+v (%d calls)", b, calc.calls.Load())
	}
}

func TestSupersededRunRearmsFollowUp(t *testing.T) {
	var calls atomic.Int32
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	calc := CalculatorFunc(func(ctx context.Context, sessionID string, messages []aggregator.Message, model string) (Breakdown, error) {
		if calls.Add(1) == 1 {
			started <- struct{}{}
			<-release
			return Breakdown{}, ErrSuperseded
		}
		return Breakdown{TotalTokens: int64(len(messages))}, nil
	})
	s := newTestScheduler(t, calc, nil, nil)
	s.SetFingerprint("fp")

	s.Schedule("s-1", fold(1, 1))
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("calculation did not start")
	}
	s.Schedule("s-1", fold(3, 3))
	close(release)

	b := waitForStatus(t, s, "s-1", StatusReady)
	if b.Key.MessageCount != 3 || calls.Load() != 2 {
		t.Fatalf("expected the follow-up fold to be calculated, got %+v (%d calls)", b, calls.Load())
	}
}

func TestCalculationFailureIsRetriedOnNextSchedule(t *testing.T) {
	calc := &countingCalculator{err: errors.New("tokenizer down")}
	s := newTestScheduler(t, calc, nil, nil)
	s.SetFingerprint("fp")

	s.Schedule("s-1", fold(1, 1))
	waitForStatus(t, s, "s-1", StatusFailed)

	s.Schedule("s-1", fold(1, 1))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && calc.calls.Load() < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	if got := calc.calls.Load(); got != 2 {
		t.Fatalf("expected retry after failure, got %d calls", got)
	}
}

func TestEmptyTranscriptSkipsCalculator(t *testing.T) {
	calc := &countingCalculator{}
	s := newTestScheduler(t, calc, nil, nil)
	s.SetFingerprint("fp")

	s.Schedule("s-1", FoldState{})
	waitForStatus(t, s, "s-1", StatusEmpty)
	if calc.calls.Load() != 0 {
		t.Fatal("expected no calculation for an empty transcript")
	}
}

func TestRemoveDropsSession(t *testing.T) {
	calc := &countingCalculator{}
	s := newTestScheduler(t, calc, nil, nil)
	s.SetFingerprint("fp")

	s.Schedule("s-1", fold(1, 1))
	s.Remove("s-1")
	time.Sleep(50 * time.Millisecond)

	if _, ok := s.Get("s-1"); ok {
		t.Fatal("expected no breakdown after remove")
	}
	if calc.calls.Load() != 0 {
		t.Fatal("expected pending calculation to be dropped")
	}
}

type blockingStore struct {
	loading chan struct{}
}

func (b *blockingStore) LoadBreakdown(ctx context.Context, _ string) (*Breakdown, error) {
	b.loading <- struct{}{}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (b *blockingStore) SaveBreakdown(context.Context, string, Breakdown) error { return nil }

func (b *blockingStore) DeleteBreakdown(context.Context, string) error { return nil }

func TestCancelledHydrationIsNotLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	store := &blockingStore{loading: make(chan struct{}, 1)}
	s := newTestScheduler(t, &countingCalculator{}, store, func(o *Options) { o.Logger = zap.New(core) })
	s.SetFingerprint("fp")

	s.Schedule("s-1", fold(1, 1))
	select {
	case <-store.loading:
	case <-time.After(2 * time.Second):
		t.Fatal("hydration did not start")
	}
	s.Remove("s-1")
	time.Sleep(30 * time.Millisecond)

	if n := logs.FilterMessage("load persisted breakdown failed").Len(); n != 0 {
		t.Fatalf("expected no warning for a cancelled load, got %v", logs.All())
	}
}
