package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hal-o-swarm/sessionsync/internal/aggregator"
	"github.com/hal-o-swarm/sessionsync/internal/replay"
	"github.com/hal-o-swarm/sessionsync/internal/shared"
	"github.com/hal-o-swarm/sessionsync/internal/transport"
	"github.com/hal-o-swarm/sessionsync/internal/usage"
)

var (
	errStalled     = errors.New("no events within stall timeout")
	errStreamEnded = errors.New("stream ended")
	errSubscribe   = errors.New("subscribe failed")
	errRead        = errors.New("stream read failed")
)

const saveUsageTimeout = 5 * time.Second

// attempt is the live subscription of one session. It outlives individual
// connections: each connection try runs inside it until it is cancelled.
type attempt struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
}

// reconcileLocked starts or stops the attempt of entry so that it is live
// exactly when the session is active, has a snapshot listener and was not
// removed. Caller holds e.mu and entry.mu.
func (e *Engine) reconcileLocked(entry *sessionEntry) {
	live := !e.closed && !entry.removed && e.active == entry.id && entry.listenerCount(topicSnapshot) > 0
	switch {
	case live && entry.attempt == nil:
		e.attachLocked(entry)
	case !live && entry.attempt != nil:
		e.detachLocked(entry)
	}
}

func (e *Engine) attachLocked(entry *sessionEntry) {
	ctx, cancel := context.WithCancel(e.ctx)
	ctx = shared.WithCorrelationID(ctx, shared.NewCorrelationID())
	att := &attempt{
		ctx:    ctx,
		cancel: cancel,
		logger: shared.LoggerFor(ctx, entry.logger),
	}

	entry.attempt = att
	entry.failures = 0
	entry.backoff.Reset()
	entry.state = StateAttaching
	flags := entry.agg.Flags()
	flags.Hydrating = true
	flags.CaughtUp = false
	entry.agg.SetFlags(flags)
	e.changedLocked(entry)
	e.metrics.AddLiveAttempts(1)
	att.logger.Debug("subscription attached")

	e.fetchPersistedUsageLocked(entry)

	e.wg.Add(1)
	go e.run(entry, att)
}

// detachLocked clears buffers, forgets the attempt and only then cancels it.
func (e *Engine) detachLocked(entry *sessionEntry) {
	entry.buf.Reset()
	att := entry.attempt
	entry.attempt = nil
	if att == nil {
		return
	}
	att.cancel()

	e.metrics.AddLiveAttempts(-1)
	entry.state = StateDetached
	flags := entry.agg.Flags()
	flags.Hydrating = false
	flags.CaughtUp = false
	entry.agg.SetFlags(flags)
	e.changedLocked(entry)
	att.logger.Debug("subscription detached")
}

func (e *Engine) run(entry *sessionEntry, att *attempt) {
	defer e.wg.Done()

	for {
		err := e.runOnce(entry, att)
		if att.ctx.Err() != nil {
			return
		}

		entry.mu.Lock()
		if entry.attempt != att {
			entry.mu.Unlock()
			return
		}
		entry.buf.Reset()
		entry.failures++
		flags := entry.agg.Flags()
		flags.CaughtUp = false
		if entry.failures >= e.opts.HydrationFailureLimit && flags.Hydrating {
			flags.Hydrating = false
			att.logger.Warn("giving up hydration after repeated failures", zap.Int("failures", entry.failures))
		}
		entry.agg.SetFlags(flags)
		entry.state = StateRetrying
		wait := entry.backoff.Duration()
		attemptNo := entry.backoff.Attempt()
		e.changedLocked(entry)
		entry.mu.Unlock()

		reason := retryReason(err)
		e.metrics.RecordRetry(reason)
		fields := []zap.Field{
			zap.Error(err),
			zap.String("reason", reason),
			zap.Int("attempt", attemptNo),
			zap.Duration("backoff", wait),
		}
		if transport.IsRecoverable(err) {
			att.logger.Warn("subscription attempt failed", fields...)
		} else {
			att.logger.Error("subscription attempt failed", fields...)
		}

		timer := time.NewTimer(wait)
		select {
		case <-att.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func retryReason(err error) string {
	switch {
	case errors.Is(err, errStalled):
		return "stall"
	case errors.Is(err, errSubscribe):
		return "subscribe"
	case errors.Is(err, errRead):
		return "read"
	default:
		return "ended"
	}
}

// runOnce opens one connection and consumes it until it fails, stalls or the
// attempt is cancelled. It never returns nil.
func (e *Engine) runOnce(entry *sessionEntry, att *attempt) error {
	entry.mu.Lock()
	if entry.attempt != att {
		entry.mu.Unlock()
		return context.Canceled
	}
	cursor := entry.agg.Cursor()
	mode := aggregator.ReplaySince
	if cursor == nil {
		mode = aggregator.ReplayFull
		entry.ledger.CaptureFallback()
	}
	entry.buf.Begin(mode)
	entry.state = StateAttaching
	flags := entry.agg.Flags()
	flags.CaughtUp = false
	flags.Hydrating = entry.failures < e.opts.HydrationFailureLimit
	entry.agg.SetFlags(flags)
	e.changedLocked(entry)
	entry.mu.Unlock()

	e.metrics.RecordAttempt(string(mode))
	att.logger.Debug("subscribing", zap.String("mode", string(mode)))

	tryCtx, tryCancel := context.WithCancel(att.ctx)
	defer tryCancel()

	stream, err := e.transport.Subscribe(tryCtx, entry.id, cursor)
	if err != nil {
		return fmt.Errorf("%w: %w", errSubscribe, err)
	}
	defer stream.Close()

	entry.mu.Lock()
	if entry.attempt != att {
		entry.mu.Unlock()
		return context.Canceled
	}
	entry.state = StateBuffering
	entry.mu.Unlock()

	var lastEvent atomic.Int64
	var stalled atomic.Bool
	lastEvent.Store(e.now().UnixNano())

	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		e.watch(tryCtx, tryCancel, &lastEvent, &stalled, att.logger)
	}()
	defer func() {
		tryCancel()
		<-watchDone
	}()

	for stream.Next() {
		lastEvent.Store(e.now().UnixNano())
		res := e.handleEvent(entry, att, stream.Current())
		if res.stale {
			return context.Canceled
		}
		if res.export != nil {
			e.saveUsage(att.ctx, entry.id, *res.export, att.logger)
		}
	}

	if att.ctx.Err() != nil {
		return att.ctx.Err()
	}
	if stalled.Load() {
		return errStalled
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("%w: %w", errRead, err)
	}
	return errStreamEnded
}

// watch cancels the connection when no event arrived for StallTimeout.
func (e *Engine) watch(ctx context.Context, cancel context.CancelFunc, lastEvent *atomic.Int64, stalled *atomic.Bool, logger *zap.Logger) {
	ticker := time.NewTicker(e.opts.StallCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle := e.now().Sub(time.Unix(0, lastEvent.Load()))
			if idle >= e.opts.StallTimeout {
				stalled.Store(true)
				logger.Warn("subscription stalled", zap.Duration("idle", idle))
				cancel()
				return
			}
		}
	}
}

type eventResult struct {
	stale  bool
	export *usage.Snapshot
}

func (e *Engine) handleEvent(entry *sessionEntry, att *attempt, ev aggregator.Event) eventResult {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.removed || entry.attempt != att {
		return eventResult{stale: true}
	}
	if ev == nil {
		return eventResult{}
	}
	entry.backoff.Reset()
	e.metrics.RecordEvent(string(ev.Kind()))

	switch ev := ev.(type) {
	case *aggregator.Heartbeat:
		return eventResult{}
	case *aggregator.CaughtUp:
		if entry.state != StateBuffering {
			att.logger.Debug("ignoring repeated caught-up marker")
			return eventResult{}
		}
		snap := e.processCaughtUpLocked(entry, att, ev)
		return eventResult{export: &snap}
	}

	if entry.state == StateBuffering {
		if !entry.buf.Add(ev) {
			att.logger.Warn("dropping event that cannot be buffered", zap.String("kind", string(ev.Kind())))
		}
		return eventResult{}
	}

	entry.agg.Apply(ev)
	e.changedLocked(entry)
	e.scheduleBreakdownLocked(entry, false)
	return eventResult{}
}

// processCaughtUpLocked folds the buffered replay into the aggregator and
// switches the session to live application. It returns the usage snapshot to
// persist.
func (e *Engine) processCaughtUpLocked(entry *sessionEntry, att *attempt, cu *aggregator.CaughtUp) usage.Snapshot {
	requested := entry.buf.Mode()
	history, events := entry.buf.Drain()

	mode := cu.ReplayMode
	if mode == "" {
		mode = requested
	}
	full := mode == aggregator.ReplayFull

	if full {
		entry.agg.Clear()
		entry.agg.WipeLiveState("")
		entry.historyCursor = nil
		entry.historyReq++
		entry.loadingOlder = false
	} else {
		keep := ""
		if cu.Cursor != nil && cu.Cursor.Stream != nil {
			keep = cu.Cursor.Stream.ActiveMessageID
		}
		entry.agg.WipeLiveState(keep)
	}

	replay.Replay(entry.agg, history, events, full)

	flags := entry.agg.Flags()
	flags.Hydrating = false
	flags.CaughtUp = true
	switch {
	case cu.HasOlderHistory != nil:
		flags.HasOlderHistory = *cu.HasOlderHistory
	case full:
		flags.HasOlderHistory = false
	}
	if full {
		flags.LoadingOlder = false
	}
	entry.agg.SetFlags(flags)

	entry.ledger.DiscardFallback()
	entry.failures = 0
	entry.state = StateCaughtUp
	e.metrics.RecordCaughtUp(string(mode))
	att.logger.Info("caught up",
		zap.String("mode", string(mode)),
		zap.Int("history_rows", len(history)),
		zap.Int("buffered_events", len(events)),
		zap.Int("messages", entry.agg.MessageCount()),
	)

	e.changedLocked(entry)
	e.scheduleBreakdownLocked(entry, true)
	return entry.ledger.Export()
}

func (e *Engine) saveUsage(ctx context.Context, sessionID string, snap usage.Snapshot, logger *zap.Logger) {
	if e.opts.UsageStore == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, saveUsageTimeout)
	defer cancel()
	if err := e.opts.UsageStore.SaveUsage(ctx, sessionID, snap); err != nil && ctx.Err() == nil {
		logger.Warn("failed to save usage snapshot", zap.Error(err))
	}
}

// fetchPersistedUsageLocked loads the persisted usage snapshot in the
// background. A response is dropped if another fetch started meanwhile or
// the session was removed.
func (e *Engine) fetchPersistedUsageLocked(entry *sessionEntry) {
	entry.usageReq++
	req := entry.usageReq
	logger := entry.logger

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx := e.ctx

		snap, err := e.transport.GetPersistedUsage(ctx, entry.id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("persisted usage fetch failed", zap.Error(err))
			snap = nil
		}
		if snap == nil && e.opts.UsageStore != nil {
			local, err := e.opts.UsageStore.LoadUsage(ctx, entry.id)
			if err != nil {
				logger.Warn("local usage load failed", zap.Error(err))
			}
			snap = local
		}
		if snap == nil {
			return
		}

		entry.mu.Lock()
		defer entry.mu.Unlock()
		if entry.removed || req != entry.usageReq {
			logger.Debug("discarding stale usage snapshot")
			return
		}
		entry.ledger.SetPersisted(*snap)
		e.notifier.mark(entry.id, topicUsage)
	}()
}
