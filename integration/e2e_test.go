package integration

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/hal-o-swarm/sessionsync/internal/aggregator"
	"github.com/hal-o-swarm/sessionsync/internal/shared"
)

func seedConversation(h *sessionServer, sessionID string) {
	h.seed(sessionID, 0,
		row("u1", aggregator.RoleUser, 1, "please count the words in this file", nil),
		row("a2", aggregator.RoleAssistant, 2, "there are twelve words", &shared.TokenUsage{InputTokens: 1000, OutputTokens: 200}),
	)
}

func TestSessionLifecycle(t *testing.T) {
	h := newSessionServer(t)
	seedConversation(h, "s-1")
	c := newClientHarness(t, h, tempDBPath(t), nil)
	c.follow(t, "s-1")

	snap := c.waitForMessages(t, "s-1", 2, 3*time.Second)
	if snap.Hydrating || snap.HasOlderHistory {
		t.Fatalf("unexpected flags after hydration: %+v", snap.Flags)
	}
	subs := h.subscribeLog()
	if len(subs) != 1 || subs[0].mode != aggregator.ReplayFull || subs[0].cursor != nil {
		t.Fatalf("expected one full replay subscription, got %+v", subs)
	}

	b := c.waitForBreakdown(t, "s-1", 2, 3*time.Second)
	if b.Tokenizer != "server-"+testModel || b.Key.MaxHistorySequence != 2 {
		t.Fatalf("unexpected breakdown: %+v", b)
	}
	if n := h.tokenCalls.Load(); n != 1 {
		t.Fatalf("expected 1 token-stats call, got %d", n)
	}

	waitFor(t, 3*time.Second, func() bool {
		stored, err := c.store.LoadUsage(context.Background(), "s-1")
		return err == nil && stored != nil && stored.ThroughSequence == 2 && stored.Total().Tokens.Total() == 1200
	}, "usage persisted at caught-up")

	h.push("s-1",
		&aggregator.StreamStart{MessageID: "a3", Model: testModel, HistorySequence: 3, Timestamp: 2000},
		&aggregator.StreamDelta{MessageID: "a3", Delta: "still ", Timestamp: 2001},
		&aggregator.UsageDelta{MessageID: "a3", Model: testModel, Usage: shared.TokenUsage{InputTokens: 500}, Timestamp: 2002},
		&aggregator.StreamDelta{MessageID: "a3", Delta: "counting", Timestamp: 2003},
	)
	waitFor(t, 3*time.Second, func() bool {
		snap := c.engine.GetSnapshot("s-1")
		return len(snap.ActiveStreams) == 1 && snap.ActiveStreams[0].MessageID == "a3" &&
			snap.ActiveStreams[0].Text == "still counting"
	}, "live stream text")
	waitFor(t, 3*time.Second, func() bool {
		u, err := c.engine.GetUsage("s-1")
		return err == nil && u.Total.Tokens.Total() == 1700
	}, "in-flight usage")

	h.push("s-1", &aggregator.StreamEnd{
		MessageID: "a3",
		Metadata: aggregator.MessageMetadata{
			Model: testModel,
			Usage: &shared.TokenUsage{InputTokens: 500, OutputTokens: 50},
		},
		Timestamp: 2010,
	})
	snap = c.waitForMessages(t, "s-1", 3, 3*time.Second)
	if len(snap.ActiveStreams) != 0 {
		t.Fatalf("expected no active streams, got %d", len(snap.ActiveStreams))
	}
	if last := snap.Messages[2]; last.ID != "a3" || last.Text != "still counting" {
		t.Fatalf("unexpected finalized message: %+v", last)
	}

	waitFor(t, 3*time.Second, func() bool {
		u, err := c.engine.GetUsage("s-1")
		return err == nil && u.Total.Tokens.Total() == 1750
	}, "final usage")
	u, _ := c.engine.GetUsage("s-1")
	// 1500 input at $2/M plus 250 output at $8/M.
	if got := u.Total.Costs.Total(); math.Abs(got-0.005) > 1e-9 {
		t.Fatalf("expected $0.005 total, got %v", got)
	}

	c.waitForBreakdown(t, "s-1", 3, 3*time.Second)
	if n := h.tokenCalls.Load(); n != 2 {
		t.Fatalf("expected 2 token-stats calls, got %d", n)
	}
}

func TestLoadOlderHistoryPages(t *testing.T) {
	h := newSessionServer(t)
	h.seed("s-1", 4,
		row("m1", aggregator.RoleUser, 1, "one", nil),
		row("m2", aggregator.RoleAssistant, 2, "two", nil),
		row("m3", aggregator.RoleUser, 3, "three", nil),
		row("m4", aggregator.RoleAssistant, 4, "four", nil),
		row("m5", aggregator.RoleUser, 5, "five", nil),
	)
	c := newClientHarness(t, h, tempDBPath(t), nil)
	c.follow(t, "s-1")

	snap := c.waitForMessages(t, "s-1", 2, 3*time.Second)
	if !snap.HasOlderHistory {
		t.Fatal("expected older history after partial replay")
	}

	ctx := context.Background()
	if err := c.engine.LoadOlderHistory(ctx, "s-1"); err != nil {
		t.Fatalf("LoadOlderHistory: %v", err)
	}
	snap = c.engine.GetSnapshot("s-1")
	if len(snap.Messages) != 4 || snap.Messages[0].ID != "m2" || !snap.HasOlderHistory || snap.LoadingOlder {
		t.Fatalf("unexpected state after first page: %d messages, flags %+v", len(snap.Messages), snap.Flags)
	}

	if err := c.engine.LoadOlderHistory(ctx, "s-1"); err != nil {
		t.Fatalf("LoadOlderHistory: %v", err)
	}
	snap = c.engine.GetSnapshot("s-1")
	if len(snap.Messages) != 5 || snap.Messages[0].ID != "m1" || snap.HasOlderHistory {
		t.Fatalf("unexpected state after last page: %d messages, flags %+v", len(snap.Messages), snap.Flags)
	}
	for i, msg := range snap.Messages {
		if msg.Sequence != int64(i+1) {
			t.Fatalf("messages out of order: %+v", snap.Messages)
		}
	}

	c.waitForBreakdown(t, "s-1", 5, 3*time.Second)
}

func TestRestartReusesStoredState(t *testing.T) {
	h := newSessionServer(t)
	seedConversation(h, "s-1")
	dbPath := tempDBPath(t)

	first := newClientHarness(t, h, dbPath, nil)
	first.follow(t, "s-1")
	first.waitForMessages(t, "s-1", 2, 3*time.Second)
	first.waitForBreakdown(t, "s-1", 2, 3*time.Second)
	waitFor(t, 3*time.Second, func() bool {
		stored, err := first.store.LoadUsage(context.Background(), "s-1")
		return err == nil && stored != nil && stored.ThroughSequence == 2
	}, "usage persisted")
	first.stop()

	second := newClientHarness(t, h, dbPath, nil)
	second.follow(t, "s-1")
	second.waitForMessages(t, "s-1", 2, 3*time.Second)
	b := second.waitForBreakdown(t, "s-1", 2, 3*time.Second)
	time.Sleep(100 * time.Millisecond)

	if n := h.tokenCalls.Load(); n != 1 {
		t.Fatalf("expected the stored breakdown to be reused, got %d token-stats calls", n)
	}
	if b.Key.ConfigFingerprint != second.engine.Fingerprint() {
		t.Fatalf("breakdown fingerprint %q does not match engine %q", b.Key.ConfigFingerprint, second.engine.Fingerprint())
	}

	u, err := second.engine.GetUsage("s-1")
	if err != nil {
		t.Fatalf("GetUsage: %v", err)
	}
	if got := u.Total.Tokens.Total(); got != 1200 {
		t.Fatalf("expected replayed rows not to be counted twice, got %d tokens", got)
	}
}

func TestRemoveStopsStreaming(t *testing.T) {
	h := newSessionServer(t)
	seedConversation(h, "s-1")
	c := newClientHarness(t, h, tempDBPath(t), nil)
	c.follow(t, "s-1")
	c.waitForMessages(t, "s-1", 2, 3*time.Second)

	if err := c.engine.Remove("s-1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool { return !h.connected("s-1") }, "server to see the stream closed")
	if c.engine.GetSnapshot("s-1") != nil {
		t.Fatal("expected snapshot to be gone after Remove")
	}
	if _, err := c.engine.State("s-1"); err == nil {
		t.Fatal("expected removed session to be unknown")
	}
}
