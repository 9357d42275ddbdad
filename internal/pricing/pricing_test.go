package pricing

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hal-o-swarm/sessionsync/internal/shared"
)

func testConfig() Config {
	return Config{
		Models: map[string]ModelRate{
			"gpt-4o":        {InputPerMTok: 2.5, OutputPerMTok: 10, CachedInputPerMTok: 1.25},
			"claude-sonnet": {InputPerMTok: 3, OutputPerMTok: 15, CacheCreationPerMTok: 3.75},
			"local-free":    {},
		},
		Mapping: map[string]string{
			"sonnet-latest": "claude-sonnet",
			"loop-a":        "loop-b",
			"loop-b":        "loop-a",
		},
	}
}

func TestResolve(t *testing.T) {
	cfg := testConfig()
	tests := []struct {
		model string
		want  string
		ok    bool
	}{
		{"gpt-4o", "gpt-4o", true},
		{"sonnet-latest", "claude-sonnet", true},
		{"openai/gpt-4o", "gpt-4o", true},
		{"anthropic/sonnet-latest", "claude-sonnet", true},
		{"loop-a", "", false},
		{"unknown", "", false},
		{"trailing/", "", false},
	}
	for _, tt := range tests {
		got, _, ok := cfg.Resolve(tt.model)
		if got != tt.want || ok != tt.ok {
			t.Fatalf("Resolve(%q) = %q, %v; want %q, %v", tt.model, got, ok, tt.want, tt.ok)
		}
	}
}

func TestCost(t *testing.T) {
	cfg := testConfig()
	costs, err := cfg.Cost("gpt-4o", shared.TokenUsage{InputTokens: 1_000_000, OutputTokens: 500_000, CachedInputTokens: 200_000})
	if err != nil {
		t.Fatalf("cost: %v", err)
	}
	if math.Abs(costs.Total()-(2.5+5+0.25)) > 1e-9 {
		t.Fatalf("unexpected total %f", costs.Total())
	}

	if _, err := cfg.Cost("nope", shared.TokenUsage{InputTokens: 1}); !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}
}

func TestFingerprintStableAndSensitive(t *testing.T) {
	a, err := Fingerprint(testConfig())
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	for i := 0; i < 10; i++ {
		b, err := Fingerprint(testConfig())
		if err != nil {
			t.Fatalf("fingerprint: %v", err)
		}
		if a != b {
			t.Fatalf("fingerprint not stable: %s vs %s", a, b)
		}
	}

	changed := testConfig()
	changed.Models["gpt-4o"] = ModelRate{InputPerMTok: 2.5, OutputPerMTok: 11}
	c, err := Fingerprint(changed)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if c == a {
		t.Fatal("expected rate change to alter fingerprint")
	}

	empty, _ := Fingerprint(Config{})
	emptyMaps, _ := Fingerprint(Config{Models: map[string]ModelRate{}, Mapping: map[string]string{}})
	if empty != emptyMaps {
		t.Fatal("nil and empty maps must fingerprint the same")
	}
}

func TestParseFormatsAgree(t *testing.T) {
	jsonDoc := `{"models":{"gpt-4o":{"input_per_mtok":2.5,"output_per_mtok":10.0}},"mapping":{"latest":"gpt-4o"}}`
	yamlDoc := "models:\n  gpt-4o:\n    input_per_mtok: 2.5\n    output_per_mtok: 10.0\nmapping:\n  latest: gpt-4o\n"
	tomlDoc := "[models.\"gpt-4o\"]\ninput_per_mtok = 2.5\noutput_per_mtok = 10.0\n\n[mapping]\nlatest = \"gpt-4o\"\n"

	var prints []string
	for ext, doc := range map[string]string{".json": jsonDoc, ".yaml": yamlDoc, ".toml": tomlDoc} {
		cfg, err := Parse(ext, []byte(doc))
		if err != nil {
			t.Fatalf("parse %s: %v", ext, err)
		}
		fp, err := Fingerprint(cfg)
		if err != nil {
			t.Fatalf("fingerprint %s: %v", ext, err)
		}
		prints = append(prints, fp)
	}
	for _, fp := range prints[1:] {
		if fp != prints[0] {
			t.Fatalf("formats disagree: %v", prints)
		}
	}

	if _, err := Parse(".ini", []byte("x")); err == nil {
		t.Fatal("expected unsupported format error")
	}
	if _, err := Parse(".json", []byte(`{"models":{"x":{"input_per_mtok":-1}}}`)); err == nil {
		t.Fatal("expected validation error for negative rate")
	}
}

func TestFileSourceSignalsChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pricing.json")
	if err := os.WriteFile(path, []byte(`{"models":{"a":{"input_per_mtok":1}}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	src, err := NewFileSource(path, 20*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("new source: %v", err)
	}
	defer src.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := src.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	cfg, err := src.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Models["a"].InputPerMTok != 1 {
		t.Fatalf("unexpected config %+v", cfg)
	}

	if err := os.WriteFile(path, []byte(`{"models":{"a":{"input_per_mtok":2}}}`), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case <-src.Changes():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for change notification")
	}

	cfg, err = src.Load(ctx)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.Models["a"].InputPerMTok != 2 {
		t.Fatalf("expected updated rate, got %+v", cfg.Models["a"])
	}
}

func TestStaticSource(t *testing.T) {
	src := NewStaticSource(testConfig())
	src.Set(Config{})
	src.Set(testConfig())

	select {
	case <-src.Changes():
	default:
		t.Fatal("expected a pending change")
	}
	select {
	case <-src.Changes():
		t.Fatal("changes must coalesce")
	default:
	}

	boom := errors.New("boom")
	src.Fail(boom)
	if _, err := src.Load(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}
