// Package tokens schedules per-session consumer breakdown calculations.
package tokens

import (
	"context"
	"errors"

	"github.com/hal-o-swarm/sessionsync/internal/aggregator"
)

// ErrSuperseded reports a calculation whose result is no longer wanted. It
// is expected and never logged.
var ErrSuperseded = errors.New("calculation superseded")

type Status string

const (
	StatusReady   Status = "ready"
	StatusBlocked Status = "blocked"
	StatusFailed  Status = "failed"
	StatusEmpty   Status = "empty"
)

// Key stamps a breakdown with the state it was computed from. A cached or
// persisted breakdown is reusable only when its key matches exactly.
type Key struct {
	Model              string `json:"model" cbor:"model"`
	MessageCount       int    `json:"messageCount" cbor:"message_count"`
	MaxHistorySequence int64  `json:"maxHistorySequence" cbor:"max_history_sequence"`
	ConfigFingerprint  string `json:"configFingerprint" cbor:"config_fingerprint"`
}

type Consumer struct {
	Name       string  `json:"name" cbor:"name"`
	Tokens     int64   `json:"tokens" cbor:"tokens"`
	Percentage float64 `json:"percentage" cbor:"percentage"`
}

type Breakdown struct {
	Key          Key        `json:"key" cbor:"key"`
	Consumers    []Consumer `json:"consumers" cbor:"consumers"`
	TotalTokens  int64      `json:"totalTokens" cbor:"total_tokens"`
	Tokenizer    string     `json:"tokenizer,omitempty" cbor:"tokenizer"`
	Status       Status     `json:"status" cbor:"status"`
	Error        string     `json:"error,omitempty" cbor:"error"`
	CalculatedAt int64      `json:"calculatedAt" cbor:"calculated_at"`
}

// Reusable reports whether b may be served for key without recalculating.
func (b Breakdown) Reusable(key Key) bool {
	return b.Key == key && (b.Status == StatusReady || b.Status == StatusEmpty)
}

// FoldState is the transcript state a breakdown is computed from.
type FoldState struct {
	Model              string
	MessageCount       int
	MaxHistorySequence int64
	Messages           []aggregator.Message
}

func (f FoldState) key(fingerprint string) Key {
	return Key{
		Model:              f.Model,
		MessageCount:       f.MessageCount,
		MaxHistorySequence: f.MaxHistorySequence,
		ConfigFingerprint:  fingerprint,
	}
}

// Calculator performs the expensive tokenization.
type Calculator interface {
	Calculate(ctx context.Context, sessionID string, messages []aggregator.Message, model string) (Breakdown, error)
}

// CalculatorFunc adapts a function to Calculator.
type CalculatorFunc func(ctx context.Context, sessionID string, messages []aggregator.Message, model string) (Breakdown, error)

func (f CalculatorFunc) Calculate(ctx context.Context, sessionID string, messages []aggregator.Message, model string) (Breakdown, error) {
	return f(ctx, sessionID, messages, model)
}

// Store persists breakdowns so they can be reused after a restart.
type Store interface {
	LoadBreakdown(ctx context.Context, sessionID string) (*Breakdown, error)
	SaveBreakdown(ctx context.Context, sessionID string, b Breakdown) error
	DeleteBreakdown(ctx context.Context, sessionID string) error
}
