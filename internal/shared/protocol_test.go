package shared

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env := &Envelope{
		Version:   ProtocolVersion,
		Type:      "stream-delta",
		SessionID: "sess-1",
		RequestID: "req-123",
		Timestamp: time.Now().UnixMilli(),
		Payload:   json.RawMessage(`{"messageId":"m1","delta":"hi"}`),
	}

	data, err := MarshalEnvelope(env)
	if err != nil {
		t.Fatalf("MarshalEnvelope failed: %v", err)
	}

	got, err := UnmarshalEnvelope(data)
	if err != nil {
		t.Fatalf("UnmarshalEnvelope failed: %v", err)
	}

	if got.Type != env.Type || got.SessionID != env.SessionID || got.RequestID != env.RequestID {
		t.Fatalf("envelope header mismatch: got %+v", got)
	}
	if got.Timestamp != env.Timestamp {
		t.Fatalf("timestamp mismatch: got %d, want %d", got.Timestamp, env.Timestamp)
	}
	if string(got.Payload) != string(env.Payload) {
		t.Fatalf("payload mismatch: got %s", got.Payload)
	}
}

func TestEnvelopeUnsupportedVersionUnmarshal(t *testing.T) {
	data := []byte(`{"version":999,"type":"heartbeat","timestamp":1234567890,"payload":{}}`)

	_, err := UnmarshalEnvelope(data)
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestEnvelopeValidation(t *testing.T) {
	tests := []struct {
		name string
		env  *Envelope
		want error
	}{
		{"missing type", &Envelope{Version: ProtocolVersion, Timestamp: 1}, ErrMissingType},
		{"missing timestamp", &Envelope{Version: ProtocolVersion, Type: "heartbeat"}, ErrMissingTimestamp},
		{"nil envelope", nil, ErrInvalidPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := MarshalEnvelope(tt.env)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestEnvelopeMissingPayloadDefaultsToEmptyObject(t *testing.T) {
	got, err := UnmarshalEnvelope([]byte(`{"version":1,"type":"heartbeat","timestamp":5}`))
	if err != nil {
		t.Fatalf("UnmarshalEnvelope failed: %v", err)
	}
	if string(got.Payload) != "{}" {
		t.Fatalf("payload = %s, want {}", got.Payload)
	}
}

func TestTokenUsageAddIsAssociative(t *testing.T) {
	a := TokenUsage{InputTokens: 10, OutputTokens: 3}
	b := TokenUsage{InputTokens: 5, CachedInputTokens: 7, ReasoningTokens: 1}
	c := TokenUsage{OutputTokens: 9, CacheCreateTokens: 2}

	left := a.Add(b).Add(c)
	right := a.Add(b.Add(c))
	if left != right {
		t.Fatalf("add not associative: %+v vs %+v", left, right)
	}
	if left.Total() != 37 {
		t.Fatalf("total = %d, want 37", left.Total())
	}
	if !(TokenUsage{}).IsZero() || left.IsZero() {
		t.Fatal("IsZero mismatch")
	}
}

func TestLoggerForAddsCorrelationID(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)

	ctx := WithCorrelationID(context.Background(), "attempt-1")
	LoggerFor(ctx, logger).Info("attached")
	LogErrorWithContext(ctx, logger, "failed", errors.New("boom"))

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(entries))
	}
	for _, entry := range entries {
		if entry.ContextMap()["correlation_id"] != "attempt-1" {
			t.Fatalf("missing correlation id in %v", entry.ContextMap())
		}
	}
	if CorrelationID(context.Background()) != "" {
		t.Fatal("expected empty correlation id for bare context")
	}
	if NewCorrelationID() == NewCorrelationID() {
		t.Fatal("correlation ids should be unique")
	}
}
