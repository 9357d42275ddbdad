// Package usage keeps per-session token and cost totals.
package usage

import (
	"context"
	"sort"

	"github.com/samber/lo"

	"github.com/hal-o-swarm/sessionsync/internal/pricing"
	"github.com/hal-o-swarm/sessionsync/internal/shared"
)

// Record is the accumulated usage of one model.
type Record struct {
	Model  string            `json:"model" cbor:"model"`
	Tokens shared.TokenUsage `json:"tokens" cbor:"tokens"`
	Costs  pricing.Costs     `json:"costs" cbor:"costs"`
	// CostsIncluded marks provider-billed usage. Its costs are never
	// recomputed locally.
	CostsIncluded bool `json:"costsIncluded,omitempty" cbor:"costs_included"`
}

// Key separates provider-billed usage from locally priced usage of the same
// model so repricing can treat them differently.
func (r Record) Key() string {
	if r.CostsIncluded {
		return r.Model + "#billed"
	}
	return r.Model
}

// Merge adds o to r. Accumulation is additive only.
func (r Record) Merge(o Record) Record {
	out := r
	if out.Model == "" {
		out.Model = o.Model
	}
	out.Tokens = r.Tokens.Add(o.Tokens)
	out.Costs = r.Costs.Add(o.Costs)
	out.CostsIncluded = r.CostsIncluded || o.CostsIncluded
	return out
}

// Snapshot is a persisted usage total. ThroughSequence is the highest
// history sequence the totals account for.
type Snapshot struct {
	ByModel         map[string]Record `json:"byModel" cbor:"by_model"`
	LastRequest     *Record           `json:"lastRequest,omitempty" cbor:"last_request"`
	ThroughSequence int64             `json:"throughSequence" cbor:"through_sequence"`
	Fingerprint     string            `json:"fingerprint,omitempty" cbor:"fingerprint"`
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.ByModel = make(map[string]Record, len(s.ByModel))
	for k, v := range s.ByModel {
		out.ByModel[k] = v
	}
	if s.LastRequest != nil {
		lr := *s.LastRequest
		out.LastRequest = &lr
	}
	return out
}

// Total sums every per-model record.
func (s Snapshot) Total() Record {
	var total Record
	for _, key := range s.Models() {
		total = total.Merge(Record{Tokens: s.ByModel[key].Tokens, Costs: s.ByModel[key].Costs})
	}
	return total
}

// Models lists record keys in stable order.
func (s Snapshot) Models() []string {
	keys := lo.Keys(s.ByModel)
	sort.Strings(keys)
	return keys
}

// MergeRecords folds records into one per-key map.
func MergeRecords(into map[string]Record, records ...Record) map[string]Record {
	if into == nil {
		into = make(map[string]Record)
	}
	for _, rec := range records {
		key := rec.Key()
		into[key] = into[key].Merge(rec)
	}
	return into
}

// Store persists usage snapshots between runs.
type Store interface {
	LoadUsage(ctx context.Context, sessionID string) (*Snapshot, error)
	SaveUsage(ctx context.Context, sessionID string, snap Snapshot) error
	DeleteUsage(ctx context.Context, sessionID string) error
}
