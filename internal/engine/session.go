package engine

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/hal-o-swarm/sessionsync/internal/aggregator"
	"github.com/hal-o-swarm/sessionsync/internal/replay"
	"github.com/hal-o-swarm/sessionsync/internal/tokens"
	"github.com/hal-o-swarm/sessionsync/internal/transport"
	"github.com/hal-o-swarm/sessionsync/internal/usage"
)

// State is the replay state of one session.
type State int

const (
	StateIdle State = iota
	StateAttaching
	StateBuffering
	StateCaughtUp
	StateRetrying
	StateDetached
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAttaching:
		return "attaching"
	case StateBuffering:
		return "buffering"
	case StateCaughtUp:
		return "caught-up"
	case StateRetrying:
		return "retrying"
	case StateDetached:
		return "detached"
	default:
		return "unknown"
	}
}

type foldKey struct {
	model  string
	count  int
	maxSeq int64
}

// sessionEntry is everything the engine owns for one session. All fields
// are guarded by mu.
type sessionEntry struct {
	id     string
	logger *zap.Logger

	mu       sync.Mutex
	agg      *aggregator.Aggregator
	buf      *replay.Buffer
	ledger   *usage.Ledger
	state    State
	attempt  *attempt
	backoff  *Backoff
	failures int
	removed  bool

	listeners      map[topic]map[uint64]Listener
	nextListenerID uint64

	snap        *aggregator.SessionSnapshot
	snapVersion uint64

	lastFold *foldKey

	historyReq    uint64
	historyCursor *transport.HistoryCursor
	loadingOlder  bool
	usageReq      uint64
}

func newSessionEntry(meta aggregator.SessionMeta, opts Options, logger *zap.Logger) *sessionEntry {
	logger = logger.With(zap.String("session_id", meta.SessionID))
	ledger := usage.NewLedger(logger.Named("usage"))
	return &sessionEntry{
		id:        meta.SessionID,
		logger:    logger,
		agg:       aggregator.New(meta, logger.Named("aggregator"), ledger),
		buf:       replay.NewBuffer(),
		ledger:    ledger,
		backoff:   NewBackoff(opts.BackoffBase, opts.BackoffCap, opts.BackoffJitter),
		listeners: make(map[topic]map[uint64]Listener),
	}
}

func (s *sessionEntry) addListener(t topic, l Listener) uint64 {
	s.nextListenerID++
	id := s.nextListenerID
	if s.listeners[t] == nil {
		s.listeners[t] = make(map[uint64]Listener)
	}
	s.listeners[t][id] = l
	return id
}

func (s *sessionEntry) removeListener(t topic, id uint64) {
	delete(s.listeners[t], id)
}

func (s *sessionEntry) listenerCount(t topic) int {
	return len(s.listeners[t])
}

// listenersFor returns listeners in registration order.
func (s *sessionEntry) listenersFor(t topic) []Listener {
	ids := make([]uint64, 0, len(s.listeners[t]))
	for id := range s.listeners[t] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]Listener, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.listeners[t][id])
	}
	return out
}

func (s *sessionEntry) snapshotLocked() *aggregator.SessionSnapshot {
	if v := s.agg.Version(); s.snap == nil || s.snapVersion != v {
		snap := s.agg.Snapshot()
		s.snap = &snap
		s.snapVersion = v
	}
	return s.snap
}

// purgeLocked drops every in-memory cache of a removed session.
func (s *sessionEntry) purgeLocked() {
	s.buf.Reset()
	s.ledger = usage.NewLedger(s.logger.Named("usage"))
	s.agg = aggregator.New(s.agg.Meta(), s.logger.Named("aggregator"), s.ledger)
	s.snap = nil
	s.lastFold = nil
	s.historyCursor = nil
	s.historyReq++
	s.usageReq++
	s.loadingOlder = false
	s.listeners = make(map[topic]map[uint64]Listener)
}

func (s *sessionEntry) currentFold() tokens.FoldState {
	return tokens.FoldState{
		Model:              s.agg.CurrentModel(),
		MessageCount:       s.agg.MessageCount(),
		MaxHistorySequence: s.agg.MaxHistorySequence(),
		Messages:           s.agg.Messages(),
	}
}

// scheduleBreakdownLocked asks the scheduler for a breakdown when the
// transcript shape moved since the last request, or always when force is
// set. The scheduler itself skips reusable results.
func (e *Engine) scheduleBreakdownLocked(entry *sessionEntry, force bool) {
	key := foldKey{
		model:  entry.agg.CurrentModel(),
		count:  entry.agg.MessageCount(),
		maxSeq: entry.agg.MaxHistorySequence(),
	}
	if !force && entry.lastFold != nil && *entry.lastFold == key {
		return
	}
	entry.lastFold = &key
	e.scheduler.Schedule(entry.id, entry.currentFold())
}

// changedLocked marks the session for snapshot and usage notification.
func (e *Engine) changedLocked(entry *sessionEntry) {
	e.notifier.mark(entry.id, topicSnapshot, topicUsage)
}
