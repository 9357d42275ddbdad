package shared

import "errors"

// Protocol version constant
const ProtocolVersion = 1

// Error types for protocol validation
var (
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrMissingType        = errors.New("missing required field: type")
	ErrMissingTimestamp   = errors.New("missing required field: timestamp")
	ErrInvalidPayload     = errors.New("invalid payload")
)

// ErrSessionNotRegistered is returned when an operation names a session the
// registry does not know about. Callers are expected to Register first.
var ErrSessionNotRegistered = errors.New("session not registered")

// TokenUsage is a raw token count split by billing category. Counts are
// never negative and only ever grow by addition.
type TokenUsage struct {
	InputTokens       int64 `json:"inputTokens"`
	CachedInputTokens int64 `json:"cachedInputTokens,omitempty"`
	CacheCreateTokens int64 `json:"cacheCreateTokens,omitempty"`
	OutputTokens      int64 `json:"outputTokens"`
	ReasoningTokens   int64 `json:"reasoningTokens,omitempty"`
}

// Add returns the field-wise sum of u and o.
func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{
		InputTokens:       u.InputTokens + o.InputTokens,
		CachedInputTokens: u.CachedInputTokens + o.CachedInputTokens,
		CacheCreateTokens: u.CacheCreateTokens + o.CacheCreateTokens,
		OutputTokens:      u.OutputTokens + o.OutputTokens,
		ReasoningTokens:   u.ReasoningTokens + o.ReasoningTokens,
	}
}

// Total is the number of tokens across all categories.
func (u TokenUsage) Total() int64 {
	return u.InputTokens + u.CachedInputTokens + u.CacheCreateTokens + u.OutputTokens + u.ReasoningTokens
}

func (u TokenUsage) IsZero() bool {
	return u == TokenUsage{}
}
