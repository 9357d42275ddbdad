// Package engine keeps a local, renderable mirror of server-side session
// event logs. It owns the session registry, runs at most one live
// subscription attempt (for the active session) and fans change
// notifications out to listeners.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hal-o-swarm/sessionsync/internal/aggregator"
	"github.com/hal-o-swarm/sessionsync/internal/config"
	"github.com/hal-o-swarm/sessionsync/internal/pricing"
	"github.com/hal-o-swarm/sessionsync/internal/shared"
	"github.com/hal-o-swarm/sessionsync/internal/tokens"
	"github.com/hal-o-swarm/sessionsync/internal/transport"
	"github.com/hal-o-swarm/sessionsync/internal/usage"
)

var ErrClosed = errors.New("engine closed")

const (
	defaultStallTimeout          = 30 * time.Second
	defaultStallCheckInterval    = 5 * time.Second
	defaultBackoffBase           = 500 * time.Millisecond
	defaultBackoffCap            = 30 * time.Second
	defaultHydrationFailureLimit = 3
	defaultNotifyDelay           = 16 * time.Millisecond
)

// Listener is called, after a short coalescing delay, when the observed
// state of a session changed.
type Listener func(sessionID string)

type Options struct {
	Transport transport.Transport
	// Pricing is optional. Without it every breakdown stays blocked and
	// costs are zero.
	Pricing        pricing.Source
	UsageStore     usage.Store
	BreakdownStore tokens.Store
	Logger         *zap.Logger
	Metrics        *Metrics
	Now            func() time.Time

	StallTimeout          time.Duration
	StallCheckInterval    time.Duration
	BackoffBase           time.Duration
	BackoffCap            time.Duration
	BackoffJitter         float64
	HydrationFailureLimit int
	NotifyDelay           time.Duration

	TokenDebounce  time.Duration
	TokenTimeout   time.Duration
	TokenCacheSize int
}

// OptionsFromConfig copies the tunables of cfg into Options. Collaborators
// are left for the caller to fill in.
func OptionsFromConfig(cfg *config.EngineConfig) Options {
	return Options{
		StallTimeout:          cfg.Subscription.StallTimeout(),
		StallCheckInterval:    cfg.Subscription.StallCheckInterval(),
		BackoffBase:           cfg.Subscription.BackoffBase(),
		BackoffCap:            cfg.Subscription.BackoffCap(),
		BackoffJitter:         cfg.Subscription.BackoffJitter,
		HydrationFailureLimit: cfg.Subscription.HydrationFailureLimit,
		NotifyDelay:           cfg.Notification.Delay(),
		TokenDebounce:         cfg.Tokenization.Debounce(),
		TokenTimeout:          cfg.Tokenization.Timeout(),
		TokenCacheSize:        cfg.Tokenization.CacheSize,
	}
}

// Engine is the session registry. All methods are safe for concurrent use.
type Engine struct {
	opts      Options
	transport transport.Transport
	logger    *zap.Logger
	metrics   *Metrics
	now       func() time.Time

	scheduler *tokens.Scheduler
	notifier  *notifier

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	sessions      map[string]*sessionEntry
	active        string
	activeVersion uint64
	pricingCfg    pricing.Config
	fingerprint   string
	configVersion uint64
	started       bool
	closed        bool
}

func New(opts Options) (*Engine, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = defaultStallTimeout
	}
	if opts.StallCheckInterval <= 0 {
		opts.StallCheckInterval = defaultStallCheckInterval
	}
	if opts.StallCheckInterval > opts.StallTimeout {
		opts.StallCheckInterval = opts.StallTimeout
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaultBackoffBase
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = defaultBackoffCap
	}
	if opts.HydrationFailureLimit <= 0 {
		opts.HydrationFailureLimit = defaultHydrationFailureLimit
	}
	if opts.NotifyDelay <= 0 {
		opts.NotifyDelay = defaultNotifyDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		opts:      opts,
		transport: opts.Transport,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		now:       opts.Now,
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[string]*sessionEntry),
	}
	e.notifier = newNotifier(opts.NotifyDelay, e.deliver)

	scheduler, err := tokens.NewScheduler(tokens.Options{
		Debounce:   opts.TokenDebounce,
		Timeout:    opts.TokenTimeout,
		CacheSize:  opts.TokenCacheSize,
		Calculator: transport.Calculator(opts.Transport),
		Store:      opts.BreakdownStore,
		Logger:     opts.Logger.Named("tokens"),
		OnUpdate: func(sessionID string) {
			e.notifier.mark(sessionID, topicBreakdown)
		},
		OnCalculated: func(status tokens.Status, took time.Duration) {
			e.metrics.RecordTokenization(string(status), took.Seconds())
		},
		Now: opts.Now,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	e.scheduler = scheduler
	return e, nil
}

// Start loads the pricing configuration and follows its changes until Close.
// Without a pricing source Start only marks the engine started.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	if e.opts.Pricing == nil {
		return nil
	}
	if err := e.syncConfig(ctx); err != nil {
		e.logger.Warn("initial pricing load failed", zap.Error(err))
	}

	e.wg.Add(1)
	go e.followConfig()
	return nil
}

func (e *Engine) followConfig() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case _, ok := <-e.opts.Pricing.Changes():
			if !ok {
				return
			}
			if err := e.syncConfig(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Warn("pricing reload failed", zap.Error(err))
			}
		}
	}
}

// syncConfig loads the pricing configuration and, if it is still the latest
// request when it resolves, reprices every ledger and hands the fingerprint
// to the scheduler.
func (e *Engine) syncConfig(ctx context.Context) error {
	e.mu.Lock()
	e.configVersion++
	version := e.configVersion
	e.mu.Unlock()

	cfg, err := e.opts.Pricing.Load(ctx)
	if err != nil {
		return fmt.Errorf("load pricing: %w", err)
	}
	fp, err := pricing.Fingerprint(cfg)
	if err != nil {
		return fmt.Errorf("fingerprint pricing: %w", err)
	}

	e.mu.Lock()
	if version != e.configVersion || e.closed {
		e.mu.Unlock()
		return nil
	}
	changed := fp != e.fingerprint
	e.pricingCfg = cfg
	e.fingerprint = fp
	entries := make([]*sessionEntry, 0, len(e.sessions))
	for _, entry := range e.sessions {
		entries = append(entries, entry)
	}
	e.mu.Unlock()

	for _, entry := range entries {
		entry.mu.Lock()
		repriced := entry.ledger.Reprice(cfg, fp)
		entry.mu.Unlock()
		if repriced {
			e.notifier.mark(entry.id, topicUsage)
		}
	}
	e.scheduler.SetFingerprint(fp)

	if changed {
		e.logger.Info("pricing configuration applied",
			zap.String("fingerprint", fp),
			zap.Int("models", len(cfg.Models)),
		)
	}
	return nil
}

// Fingerprint returns the fingerprint of the applied pricing configuration,
// or "" before one was loaded.
func (e *Engine) Fingerprint() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fingerprint
}

// Register adds a session. Registering a known session only refreshes its
// metadata.
func (e *Engine) Register(meta aggregator.SessionMeta) error {
	if meta.SessionID == "" {
		return fmt.Errorf("%w: empty session id", shared.ErrInvalidPayload)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	if entry, ok := e.sessions[meta.SessionID]; ok {
		entry.mu.Lock()
		entry.agg.SetMeta(meta)
		entry.mu.Unlock()
		e.notifier.mark(meta.SessionID, topicSnapshot)
		return nil
	}

	entry := newSessionEntry(meta, e.opts, e.logger)
	entry.ledger.Reprice(e.pricingCfg, e.fingerprint)
	e.sessions[meta.SessionID] = entry
	e.metrics.SetSessions(len(e.sessions))
	e.logger.Debug("session registered", zap.String("session_id", meta.SessionID))
	return nil
}

// Remove cancels any live attempt of the session and purges every cache it
// owns before returning.
func (e *Engine) Remove(sessionID string) error {
	e.mu.Lock()
	entry, ok := e.sessions[sessionID]
	if !ok {
		e.mu.Unlock()
		return e.unregistered("Remove", sessionID)
	}
	delete(e.sessions, sessionID)
	if e.active == sessionID {
		e.active = ""
		e.activeVersion++
	}
	e.metrics.SetSessions(len(e.sessions))

	entry.mu.Lock()
	entry.removed = true
	e.detachLocked(entry)
	entry.purgeLocked()
	entry.mu.Unlock()
	e.mu.Unlock()

	e.scheduler.Remove(sessionID)
	e.logger.Debug("session removed", zap.String("session_id", sessionID))
	return nil
}

// SetActiveSession switches the session allowed to hold a live attempt.
// The outgoing session's buffers are cleared and its attempt cancelled
// before the incoming session is attached. An empty id deactivates all.
func (e *Engine) SetActiveSession(sessionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	var next *sessionEntry
	if sessionID != "" {
		var ok bool
		if next, ok = e.sessions[sessionID]; !ok {
			return e.unregistered("SetActiveSession", sessionID)
		}
	}
	if sessionID == e.active {
		return nil
	}

	if prev, ok := e.sessions[e.active]; ok {
		prev.mu.Lock()
		e.detachLocked(prev)
		prev.mu.Unlock()
	}

	e.active = sessionID
	e.activeVersion++

	if next != nil {
		next.mu.Lock()
		e.reconcileLocked(next)
		next.mu.Unlock()
	}
	return nil
}

// ActiveSession returns the active session id, or "".
func (e *Engine) ActiveSession() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Subscribe registers a snapshot listener. The active session is live while
// it has at least one snapshot listener.
func (e *Engine) Subscribe(sessionID string, listener Listener) (func(), error) {
	return e.addListener(sessionID, topicSnapshot, listener)
}

// SubscribeUsage registers a usage listener. It does not keep the session
// live.
func (e *Engine) SubscribeUsage(sessionID string, listener Listener) (func(), error) {
	return e.addListener(sessionID, topicUsage, listener)
}

// SubscribeBreakdown registers a breakdown listener. It does not keep the
// session live.
func (e *Engine) SubscribeBreakdown(sessionID string, listener Listener) (func(), error) {
	return e.addListener(sessionID, topicBreakdown, listener)
}

func (e *Engine) addListener(sessionID string, t topic, listener Listener) (func(), error) {
	if listener == nil {
		return nil, fmt.Errorf("listener is required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	entry, ok := e.sessions[sessionID]
	if !ok {
		return nil, e.unregistered("Subscribe", sessionID)
	}

	entry.mu.Lock()
	id := entry.addListener(t, listener)
	if t == topicSnapshot {
		e.reconcileLocked(entry)
	}
	entry.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { e.removeListener(entry, t, id) })
	}, nil
}

func (e *Engine) removeListener(entry *sessionEntry, t topic, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.removeListener(t, id)
	if t == topicSnapshot && !entry.removed {
		e.reconcileLocked(entry)
	}
}

// GetSnapshot returns the cached snapshot of a session. The same pointer is
// returned until the session state changes. Callers must not modify it.
func (e *Engine) GetSnapshot(sessionID string) *aggregator.SessionSnapshot {
	entry, err := e.lookup("GetSnapshot", sessionID)
	if err != nil {
		return nil
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.snapshotLocked()
}

// GetUsage returns the displayable usage of a session.
func (e *Engine) GetUsage(sessionID string) (usage.Summary, error) {
	entry, err := e.lookup("GetUsage", sessionID)
	if err != nil {
		return usage.Summary{}, err
	}
	entry.mu.Lock()
	ledger := entry.ledger
	entry.mu.Unlock()
	return ledger.View(), nil
}

// GetBreakdown returns the cached consumer breakdown of a session.
func (e *Engine) GetBreakdown(sessionID string) (tokens.Breakdown, bool, error) {
	if _, err := e.lookup("GetBreakdown", sessionID); err != nil {
		return tokens.Breakdown{}, false, err
	}
	b, ok := e.scheduler.Get(sessionID)
	return b, ok, nil
}

// State returns the replay state of a session.
func (e *Engine) State(sessionID string) (State, error) {
	entry, err := e.lookup("State", sessionID)
	if err != nil {
		return StateIdle, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.state, nil
}

// Close detaches every session, stops background work and waits for it.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for _, entry := range e.sessions {
		entry.mu.Lock()
		e.detachLocked(entry)
		entry.mu.Unlock()
	}
	e.active = ""
	e.activeVersion++
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	e.scheduler.Close()
	e.notifier.close()
	return nil
}

func (e *Engine) lookup(op, sessionID string) (*sessionEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.sessions[sessionID]
	if !ok {
		return nil, e.unregistered(op, sessionID)
	}
	return entry, nil
}

// unregistered reports a programmer error: the caller forgot Register. It
// panics under development loggers.
func (e *Engine) unregistered(op, sessionID string) error {
	e.logger.DPanic("operation on unregistered session",
		zap.String("op", op),
		zap.String("session_id", sessionID),
	)
	return fmt.Errorf("%s %q: %w", op, sessionID, shared.ErrSessionNotRegistered)
}

func (e *Engine) deliver(k notifyKey) {
	e.mu.Lock()
	entry, ok := e.sessions[k.sessionID]
	e.mu.Unlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	listeners := entry.listenersFor(k.topic)
	entry.mu.Unlock()

	for _, l := range listeners {
		l(k.sessionID)
	}
}
