// Package pricing holds model pricing and model-name mapping, and derives the
// configuration fingerprint that gates cost-dependent caches.
package pricing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hal-o-swarm/sessionsync/internal/shared"
)

const perMillion = 1_000_000.0

// maxMappingHops bounds alias resolution so a cyclic mapping cannot spin.
const maxMappingHops = 8

var ErrUnknownModel = errors.New("unknown model")

// ModelRate is a price list in USD per million tokens.
type ModelRate struct {
	InputPerMTok         float64 `json:"input_per_mtok" yaml:"input_per_mtok" toml:"input_per_mtok" cbor:"input"`
	OutputPerMTok        float64 `json:"output_per_mtok" yaml:"output_per_mtok" toml:"output_per_mtok" cbor:"output"`
	CachedInputPerMTok   float64 `json:"cached_input_per_mtok,omitempty" yaml:"cached_input_per_mtok,omitempty" toml:"cached_input_per_mtok,omitempty" cbor:"cached_input"`
	CacheCreationPerMTok float64 `json:"cache_creation_per_mtok,omitempty" yaml:"cache_creation_per_mtok,omitempty" toml:"cache_creation_per_mtok,omitempty" cbor:"cache_creation"`
	ReasoningPerMTok     float64 `json:"reasoning_per_mtok,omitempty" yaml:"reasoning_per_mtok,omitempty" toml:"reasoning_per_mtok,omitempty" cbor:"reasoning"`
}

// ZeroBillable reports whether every rate is zero.
func (r ModelRate) ZeroBillable() bool {
	return r == ModelRate{}
}

// Config is the pricing table plus alias mapping (alias -> model name).
type Config struct {
	Models  map[string]ModelRate `json:"models" yaml:"models" toml:"models" cbor:"models"`
	Mapping map[string]string    `json:"mapping,omitempty" yaml:"mapping,omitempty" toml:"mapping,omitempty" cbor:"mapping"`
}

// Costs is a cost split by billing category, in USD.
type Costs struct {
	Input         float64 `json:"input" cbor:"input"`
	CachedInput   float64 `json:"cachedInput" cbor:"cached_input"`
	CacheCreation float64 `json:"cacheCreation" cbor:"cache_creation"`
	Output        float64 `json:"output" cbor:"output"`
	Reasoning     float64 `json:"reasoning" cbor:"reasoning"`
	// Billed is a provider-reported amount that is not split by category.
	Billed float64 `json:"billed,omitempty" cbor:"billed"`
}

func (c Costs) Add(o Costs) Costs {
	return Costs{
		Input:         c.Input + o.Input,
		CachedInput:   c.CachedInput + o.CachedInput,
		CacheCreation: c.CacheCreation + o.CacheCreation,
		Output:        c.Output + o.Output,
		Reasoning:     c.Reasoning + o.Reasoning,
		Billed:        c.Billed + o.Billed,
	}
}

func (c Costs) Total() float64 {
	return c.Input + c.CachedInput + c.CacheCreation + c.Output + c.Reasoning + c.Billed
}

func (c Costs) IsZero() bool {
	return c == Costs{}
}

// Resolve follows the alias mapping and provider prefixes ("openai/gpt-4o")
// until a priced model is found. A mapping entry takes precedence over a
// direct price for the same name.
func (c Config) Resolve(model string) (string, ModelRate, bool) {
	name := model
	seen := make(map[string]struct{}, 2)
	for hop := 0; hop < maxMappingHops; hop++ {
		if _, loop := seen[name]; loop {
			break
		}
		seen[name] = struct{}{}

		if target, ok := c.Mapping[name]; ok && target != "" {
			name = target
			continue
		}
		if rate, ok := c.Models[name]; ok {
			return name, rate, true
		}
		if idx := strings.LastIndex(name, "/"); idx >= 0 && idx < len(name)-1 {
			name = name[idx+1:]
			continue
		}
		break
	}
	return "", ModelRate{}, false
}

// DirectRate looks the model up without mapping or prefix stripping.
func (c Config) DirectRate(model string) (ModelRate, bool) {
	rate, ok := c.Models[model]
	return rate, ok
}

// Cost prices usage for model. Unknown models cost nothing and report
// ErrUnknownModel.
func (c Config) Cost(model string, usage shared.TokenUsage) (Costs, error) {
	_, rate, ok := c.Resolve(model)
	if !ok {
		return Costs{}, fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}
	return rate.Cost(usage), nil
}

func (r ModelRate) Cost(usage shared.TokenUsage) Costs {
	return Costs{
		Input:         float64(usage.InputTokens) * r.InputPerMTok / perMillion,
		CachedInput:   float64(usage.CachedInputTokens) * r.CachedInputPerMTok / perMillion,
		CacheCreation: float64(usage.CacheCreateTokens) * r.CacheCreationPerMTok / perMillion,
		Output:        float64(usage.OutputTokens) * r.OutputPerMTok / perMillion,
		Reasoning:     float64(usage.ReasoningTokens) * r.ReasoningPerMTok / perMillion,
	}
}

// Validate rejects negative rates and empty mapping targets.
func (c Config) Validate() error {
	for name, rate := range c.Models {
		if name == "" {
			return fmt.Errorf("validation error: model name is required")
		}
		if rate.InputPerMTok < 0 || rate.OutputPerMTok < 0 || rate.CachedInputPerMTok < 0 ||
			rate.CacheCreationPerMTok < 0 || rate.ReasoningPerMTok < 0 {
			return fmt.Errorf("validation error: model %s has a negative rate", name)
		}
	}
	for alias, target := range c.Mapping {
		if target == "" {
			return fmt.Errorf("validation error: mapping for %s has no target", alias)
		}
	}
	return nil
}
