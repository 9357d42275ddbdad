package usage

import (
	"errors"
	"sort"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/hal-o-swarm/sessionsync/internal/aggregator"
	"github.com/hal-o-swarm/sessionsync/internal/pricing"
)

// ContextSource names where a context-window reading came from.
type ContextSource string

const (
	ContextFromStream     ContextSource = "stream"
	ContextFromMessage    ContextSource = "message"
	ContextFromCompaction ContextSource = "compaction"
	ContextFromFallback   ContextSource = "fallback"
)

// ContextWindow is the current context occupancy indicator.
type ContextWindow struct {
	Tokens int64         `json:"tokens"`
	Source ContextSource `json:"source"`
}

// Summary is the displayable usage of a session.
type Summary struct {
	ByModel     map[string]Record `json:"byModel"`
	Total       Record            `json:"total"`
	LastRequest *Record           `json:"lastRequest,omitempty"`
	Context     *ContextWindow    `json:"context,omitempty"`
	Fingerprint string            `json:"fingerprint,omitempty"`
}

type countedMessage struct {
	seq int64
	rec Record
}

type sequenced struct {
	seq    int64
	tokens int64
}

type streamContext struct {
	messageID string
	tokens    int64
}

// Ledger merges a persisted usage snapshot with live transcript usage. It
// implements aggregator.Observer.
type Ledger struct {
	logger *zap.Logger

	mu           sync.Mutex
	persisted    Snapshot
	hasPersisted bool
	counted      map[string]countedMessage
	inflight     map[string]Record
	lastRequest  *Record

	lastContext   *sequenced
	boundary      *sequenced
	streamContext *streamContext
	fallback      *ContextWindow

	pricing     pricing.Config
	fingerprint string
}

var _ aggregator.Observer = (*Ledger)(nil)

func NewLedger(logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		logger:    logger,
		persisted: Snapshot{ByModel: make(map[string]Record)},
		counted:   make(map[string]countedMessage),
		inflight:  make(map[string]Record),
	}
}

func (l *Ledger) MessageCompleted(msg aggregator.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()

	meta := msg.Metadata
	if meta.CompactionBoundary {
		if l.boundary == nil || msg.Sequence >= l.boundary.seq {
			l.boundary = &sequenced{seq: msg.Sequence, tokens: meta.PostCompactionTokens}
		}
		return
	}

	if msg.Role == aggregator.RoleAssistant && meta.ContextUsage != nil &&
		(l.lastContext == nil || msg.Sequence >= l.lastContext.seq) {
		l.lastContext = &sequenced{seq: msg.Sequence, tokens: meta.ContextUsage.Total()}
	}
	if l.streamContext != nil && l.streamContext.messageID == msg.ID {
		l.streamContext = nil
	}

	live, hadLive := l.inflight[msg.ID]
	delete(l.inflight, msg.ID)

	var rec Record
	switch {
	case meta.Usage != nil && !meta.Usage.IsZero():
		rec = Record{Model: msg.Model(), Tokens: *meta.Usage, CostsIncluded: meta.CostsIncluded}
	case hadLive:
		rec = live
		rec.CostsIncluded = meta.CostsIncluded
		if rec.Model == "" {
			rec.Model = msg.Model()
		}
	default:
		return
	}

	if l.hasPersisted && msg.Sequence <= l.persisted.ThroughSequence {
		return
	}

	if rec.CostsIncluded {
		rec.Costs = pricing.Costs{}
		if meta.CostUSD != nil {
			rec.Costs.Billed = *meta.CostUSD
		}
	} else {
		rec.Costs = l.price(rec)
	}

	l.counted[msg.ID] = countedMessage{seq: msg.Sequence, rec: rec}
	last := rec
	l.lastRequest = &last
}

func (l *Ledger) UsageObserved(delta *aggregator.UsageDelta) {
	if delta == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := Record{Model: delta.Model, Tokens: delta.Usage}
	rec.Costs = l.price(rec)
	l.inflight[delta.MessageID] = l.inflight[delta.MessageID].Merge(rec)

	if delta.ContextUsage != nil {
		l.streamContext = &streamContext{messageID: delta.MessageID, tokens: delta.ContextUsage.Total()}
	}
}

func (l *Ledger) StreamDropped(messageID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inflight, messageID)
	if l.streamContext != nil && l.streamContext.messageID == messageID {
		l.streamContext = nil
	}
}

// Reset drops live state. The persisted snapshot and the fallback survive.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counted = make(map[string]countedMessage)
	l.inflight = make(map[string]Record)
	l.lastRequest = nil
	l.lastContext = nil
	l.boundary = nil
	l.streamContext = nil
}

// CaptureFallback remembers the current context reading so a full replay
// reset does not blank the indicator.
func (l *Ledger) CaptureFallback() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cw := l.contextLocked(); cw != nil {
		l.fallback = &ContextWindow{Tokens: cw.Tokens, Source: ContextFromFallback}
	}
}

func (l *Ledger) DiscardFallback() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fallback = nil
}

// SetPersisted reconciles with a persisted snapshot. Live entries already
// covered by the snapshot are dropped.
func (l *Ledger) SetPersisted(snap Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.persisted = snap.clone()
	l.hasPersisted = true
	for id, c := range l.counted {
		if c.seq <= snap.ThroughSequence {
			delete(l.counted, id)
		}
	}
	if l.fingerprint != "" && snap.Fingerprint != l.fingerprint {
		l.repricePersistedLocked()
		l.persisted.Fingerprint = l.fingerprint
	}
}

// Reprice recomputes costs for a new pricing configuration. It reports
// whether anything was recomputed; an unchanged fingerprint is a no-op.
func (l *Ledger) Reprice(cfg pricing.Config, fingerprint string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pricing = cfg
	if fingerprint == l.fingerprint {
		return false
	}
	l.fingerprint = fingerprint

	l.repricePersistedLocked()
	l.persisted.Fingerprint = fingerprint
	for id, c := range l.counted {
		c.rec = l.repriceRecord(c.rec)
		l.counted[id] = c
	}
	for id, rec := range l.inflight {
		l.inflight[id] = l.repriceRecord(rec)
	}
	if l.lastRequest != nil {
		lr := l.repriceRecord(*l.lastRequest)
		l.lastRequest = &lr
	}
	return true
}

func (l *Ledger) repricePersistedLocked() {
	for key, rec := range l.persisted.ByModel {
		l.persisted.ByModel[key] = l.repriceRecord(rec)
	}
	if l.persisted.LastRequest != nil {
		lr := l.repriceRecord(*l.persisted.LastRequest)
		l.persisted.LastRequest = &lr
	}
}

// repriceRecord leaves provider-billed entries alone, and also legacy
// all-zero entries whose model is listed with zero billable rates.
func (l *Ledger) repriceRecord(rec Record) Record {
	if rec.CostsIncluded {
		return rec
	}
	if rec.Costs.IsZero() {
		if rate, ok := l.pricing.DirectRate(rec.Model); ok && rate.ZeroBillable() {
			return rec
		}
	}
	rec.Costs = l.price(rec)
	return rec
}

func (l *Ledger) price(rec Record) pricing.Costs {
	costs, err := l.pricing.Cost(rec.Model, rec.Tokens)
	if err != nil {
		if errors.Is(err, pricing.ErrUnknownModel) {
			l.logger.Debug("no price for model", zap.String("model", rec.Model))
		}
		return pricing.Costs{}
	}
	return costs
}

// Context returns the context indicator by priority: live stream, latest
// in-epoch assistant message, compaction estimate, fallback.
func (l *Ledger) Context() *ContextWindow {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.contextLocked()
}

func (l *Ledger) contextLocked() *ContextWindow {
	if l.streamContext != nil {
		return &ContextWindow{Tokens: l.streamContext.tokens, Source: ContextFromStream}
	}
	if l.lastContext != nil && (l.boundary == nil || l.lastContext.seq > l.boundary.seq) {
		return &ContextWindow{Tokens: l.lastContext.tokens, Source: ContextFromMessage}
	}
	if l.boundary != nil {
		return &ContextWindow{Tokens: l.boundary.tokens, Source: ContextFromCompaction}
	}
	if l.fallback != nil {
		cw := *l.fallback
		return &cw
	}
	return nil
}

// Export returns the completed-message totals for persistence. In-flight
// usage is not included.
func (l *Ledger) Export() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := l.persisted.clone()
	for _, id := range sortedKeys(l.counted) {
		c := l.counted[id]
		out.ByModel = MergeRecords(out.ByModel, c.rec)
		if c.seq > out.ThroughSequence {
			out.ThroughSequence = c.seq
		}
	}
	if l.lastRequest != nil {
		lr := *l.lastRequest
		out.LastRequest = &lr
	}
	out.Fingerprint = l.fingerprint
	return out
}

// View returns the display summary including in-flight usage.
func (l *Ledger) View() Summary {
	l.mu.Lock()
	defer l.mu.Unlock()

	byModel := make(map[string]Record, len(l.persisted.ByModel))
	for k, v := range l.persisted.ByModel {
		byModel[k] = v
	}
	for _, id := range sortedKeys(l.counted) {
		byModel = MergeRecords(byModel, l.counted[id].rec)
	}
	for _, id := range sortedKeys(l.inflight) {
		byModel = MergeRecords(byModel, l.inflight[id])
	}

	s := Summary{
		ByModel:     byModel,
		Total:       Snapshot{ByModel: byModel}.Total(),
		Context:     l.contextLocked(),
		Fingerprint: l.fingerprint,
	}
	switch {
	case l.lastRequest != nil:
		lr := *l.lastRequest
		s.LastRequest = &lr
	case l.persisted.LastRequest != nil:
		lr := *l.persisted.LastRequest
		s.LastRequest = &lr
	}
	return s
}

func sortedKeys[V any](m map[string]V) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}
