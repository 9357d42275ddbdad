package tokens

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const (
	defaultDebounce  = 150 * time.Millisecond
	defaultTimeout   = 30 * time.Second
	defaultCacheSize = 256
)

type Options struct {
	Debounce   time.Duration
	Timeout    time.Duration
	CacheSize  int
	Calculator Calculator
	Store      Store
	Logger     *zap.Logger

	// OnUpdate is called after the cached breakdown of a session changed.
	OnUpdate func(sessionID string)
	// OnCalculated is called once per finished, non-superseded calculation.
	OnCalculated func(status Status, took time.Duration)

	Now func() time.Time
}

type sessionState struct {
	pending  *FoldState
	timer    *time.Timer
	running  bool
	followUp bool
	seq      uint64
	cancel   context.CancelFunc
}

// Scheduler debounces breakdown requests per session and runs at most one
// calculation per session at a time.
type Scheduler struct {
	opts   Options
	logger *zap.Logger
	cache  *lru.Cache[string, Breakdown]

	ctx        context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	mu          sync.Mutex
	fingerprint string
	sessions    map[string]*sessionState
	closed      bool
}

func NewScheduler(opts Options) (*Scheduler, error) {
	if opts.Calculator == nil {
		return nil, fmt.Errorf("calculator is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	cache, err := lru.New[string, Breakdown](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create breakdown cache: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		opts:       opts,
		logger:     opts.Logger,
		cache:      cache,
		ctx:        ctx,
		rootCancel: cancel,
		sessions:   make(map[string]*sessionState),
	}, nil
}

// Schedule requests a breakdown for the given fold state.
func (s *Scheduler) Schedule(sessionID string, fold FoldState) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	st := s.sessions[sessionID]
	if st == nil {
		st = &sessionState{}
		s.sessions[sessionID] = st
	}
	pending := fold
	st.pending = &pending

	if s.fingerprint == "" {
		blocked := Breakdown{Key: fold.key(""), Status: StatusBlocked}
		prev, had := s.cache.Peek(sessionID)
		s.cache.Add(sessionID, blocked)
		s.mu.Unlock()
		if !had || prev.Key != blocked.Key || prev.Status != StatusBlocked {
			s.notify(sessionID)
		}
		return
	}

	if cached, ok := s.cache.Peek(sessionID); ok && cached.Reusable(fold.key(s.fingerprint)) {
		s.mu.Unlock()
		return
	}

	if st.running {
		st.followUp = true
		s.mu.Unlock()
		return
	}
	s.armLocked(sessionID, st)
	s.mu.Unlock()
}

func (s *Scheduler) armLocked(sessionID string, st *sessionState) {
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(s.opts.Debounce, func() { s.fire(sessionID, st) })
}

func (s *Scheduler) fire(sessionID string, st *sessionState) {
	s.mu.Lock()
	if s.closed || s.sessions[sessionID] != st {
		s.mu.Unlock()
		return
	}
	st.timer = nil
	if st.running {
		st.followUp = true
		s.mu.Unlock()
		return
	}
	if st.pending == nil || s.fingerprint == "" {
		s.mu.Unlock()
		return
	}

	fold := *st.pending
	key := fold.key(s.fingerprint)
	if cached, ok := s.cache.Peek(sessionID); ok && cached.Reusable(key) {
		s.mu.Unlock()
		return
	}

	st.seq++
	seq := st.seq
	st.running = true
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.Timeout)
	st.cancel = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(ctx, cancel, sessionID, st, seq, key, fold)
}

func (s *Scheduler) run(ctx context.Context, cancel context.CancelFunc, sessionID string, st *sessionState, seq uint64, key Key, fold FoldState) {
	defer s.wg.Done()
	defer cancel()

	started := s.opts.Now()
	logger := s.logger.With(zap.String("session_id", sessionID), zap.Uint64("request", seq))

	if b, ok := s.hydrate(ctx, sessionID, key); ok {
		s.complete(sessionID, st, seq, b, true, 0)
		return
	}

	var (
		result Breakdown
		err    error
	)
	if fold.MessageCount == 0 {
		result = Breakdown{Status: StatusEmpty, Consumers: []Consumer{}}
	} else {
		result, err = s.opts.Calculator.Calculate(ctx, sessionID, fold.Messages, fold.Model)
	}

	switch {
	case err == nil:
		if result.Status == "" {
			result.Status = StatusReady
		}
	case errors.Is(err, ErrSuperseded), errors.Is(ctx.Err(), context.Canceled):
		s.abandon(sessionID, st, seq)
		return
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		logger.Warn("tokenization timed out", zap.Duration("timeout", s.opts.Timeout))
		result = Breakdown{Status: StatusFailed, Consumers: []Consumer{}, Error: "timeout"}
	default:
		logger.Warn("tokenization failed", zap.Error(err))
		result = Breakdown{Status: StatusFailed, Consumers: []Consumer{}, Error: err.Error()}
	}

	result.Key = key
	result.CalculatedAt = s.opts.Now().UnixMilli()
	s.complete(sessionID, st, seq, result, false, s.opts.Now().Sub(started))
}

func (s *Scheduler) hydrate(ctx context.Context, sessionID string, key Key) (Breakdown, bool) {
	if s.opts.Store == nil {
		return Breakdown{}, false
	}
	stored, err := s.opts.Store.LoadBreakdown(ctx, sessionID)
	if err != nil {
		if ctx.Err() != nil {
			return Breakdown{}, false
		}
		s.logger.Warn("load persisted breakdown failed", zap.String("session_id", sessionID), zap.Error(err))
		return Breakdown{}, false
	}
	if stored == nil || stored.Key != key || stored.Status != StatusReady {
		return Breakdown{}, false
	}
	return *stored, true
}

// abandon releases a run that ended without a result. A request that
// arrived while it ran is armed again.
func (s *Scheduler) abandon(sessionID string, st *sessionState, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.sessions[sessionID] != st || st.seq != seq {
		return
	}
	st.running = false
	st.cancel = nil
	if st.followUp {
		st.followUp = false
		if st.pending != nil && s.fingerprint != "" {
			s.armLocked(sessionID, st)
		}
	}
}

func (s *Scheduler) complete(sessionID string, st *sessionState, seq uint64, result Breakdown, hydrated bool, took time.Duration) {
	s.mu.Lock()
	if s.closed || s.sessions[sessionID] != st || st.seq != seq {
		s.mu.Unlock()
		return
	}
	st.running = false
	st.cancel = nil
	if result.Key.ConfigFingerprint != s.fingerprint {
		s.mu.Unlock()
		return
	}
	s.cache.Add(sessionID, result)
	if st.followUp {
		st.followUp = false
		if st.pending != nil && !result.Reusable(st.pending.key(s.fingerprint)) {
			s.armLocked(sessionID, st)
		}
	}
	s.mu.Unlock()

	if !hydrated {
		if s.opts.OnCalculated != nil {
			s.opts.OnCalculated(result.Status, took)
		}
		if s.opts.Store != nil && result.Status == StatusReady {
			if err := s.opts.Store.SaveBreakdown(s.ctx, sessionID, result); err != nil {
				s.logger.Warn("persist breakdown failed", zap.String("session_id", sessionID), zap.Error(err))
			}
		}
	}
	s.notify(sessionID)
}

// SetFingerprint installs a new configuration fingerprint. Every cached
// breakdown is dropped, running calculations are superseded and pending
// sessions are rescheduled.
func (s *Scheduler) SetFingerprint(fp string) {
	s.mu.Lock()
	if s.closed || fp == s.fingerprint {
		s.mu.Unlock()
		return
	}
	s.fingerprint = fp
	s.cache.Purge()

	affected := make([]string, 0, len(s.sessions))
	for id, st := range s.sessions {
		if st.running {
			st.seq++
			if st.cancel != nil {
				st.cancel()
				st.cancel = nil
			}
			st.running = false
		}
		st.followUp = false
		if st.pending != nil && fp != "" {
			s.armLocked(id, st)
		}
		affected = append(affected, id)
	}
	s.mu.Unlock()

	for _, id := range affected {
		s.notify(id)
	}
}

func (s *Scheduler) Fingerprint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fingerprint
}

// Get returns the cached breakdown of a session.
func (s *Scheduler) Get(sessionID string) (Breakdown, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Get(sessionID)
}

// Remove forgets a session and supersedes its running calculation.
func (s *Scheduler) Remove(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sessions[sessionID]; ok {
		if st.timer != nil {
			st.timer.Stop()
		}
		if st.cancel != nil {
			st.cancel()
		}
		st.seq++
		delete(s.sessions, sessionID)
	}
	s.cache.Remove(sessionID)
}

// Close stops timers, cancels running calculations and waits for them.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, st := range s.sessions {
		if st.timer != nil {
			st.timer.Stop()
		}
	}
	s.mu.Unlock()

	s.rootCancel()
	s.wg.Wait()
}

func (s *Scheduler) notify(sessionID string) {
	if s.opts.OnUpdate != nil {
		s.opts.OnUpdate(sessionID)
	}
}
