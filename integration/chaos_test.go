package integration

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hal-o-swarm/sessionsync/internal/aggregator"
	"github.com/hal-o-swarm/sessionsync/internal/engine"
	"github.com/hal-o-swarm/sessionsync/internal/shared"
)

func TestNetworkPartitionRecovery(t *testing.T) {
	h := newSessionServer(t)
	seedConversation(h, "s-1")
	c := newClientHarness(t, h, tempDBPath(t), nil)
	c.follow(t, "s-1")
	c.waitForMessages(t, "s-1", 2, 3*time.Second)
	c.waitForBreakdown(t, "s-1", 2, 3*time.Second)

	// The server moves on while the client is cut off.
	h.appendRow("s-1", row("u3", aggregator.RoleUser, 3, "are you still there", nil))
	h.dropConnections()

	waitFor(t, 5*time.Second, func() bool { return len(h.subscribeLog()) >= 2 }, "reconnect")
	subs := h.subscribeLog()
	resumed := subs[1]
	if resumed.mode != aggregator.ReplaySince || resumed.cursor == nil {
		t.Fatalf("expected incremental reconnect, got %+v", resumed)
	}
	if resumed.cursor.History.LastSequence != 2 || resumed.cursor.History.LastMessageID != "a2" {
		t.Fatalf("unexpected resume cursor: %+v", resumed.cursor.History)
	}

	snap := c.waitForMessages(t, "s-1", 3, 5*time.Second)
	if snap.Messages[2].ID != "u3" || snap.Hydrating {
		t.Fatalf("unexpected snapshot after recovery: %+v", snap)
	}
	c.waitForState(t, "s-1", engine.StateCaughtUp, 3*time.Second)
	c.waitForBreakdown(t, "s-1", 3, 3*time.Second)
}

func TestPartitionDropsInterruptedStream(t *testing.T) {
	h := newSessionServer(t)
	seedConversation(h, "s-1")
	c := newClientHarness(t, h, tempDBPath(t), nil)
	c.follow(t, "s-1")
	c.waitForMessages(t, "s-1", 2, 3*time.Second)

	h.push("s-1",
		&aggregator.StreamStart{MessageID: "a3", Model: testModel, HistorySequence: 3, Timestamp: 2000},
		&aggregator.StreamDelta{MessageID: "a3", Delta: "half an answ", Timestamp: 2001},
		&aggregator.UsageDelta{MessageID: "a3", Model: testModel, Usage: shared.TokenUsage{InputTokens: 400}, Timestamp: 2002},
	)
	waitFor(t, 3*time.Second, func() bool {
		return len(c.engine.GetSnapshot("s-1").ActiveStreams) == 1
	}, "live stream")

	// The stream died with the connection; the server no longer reports it.
	h.dropConnections()
	waitFor(t, 5*time.Second, func() bool { return len(h.subscribeLog()) >= 2 }, "reconnect")
	if cur := h.subscribeLog()[1].cursor; cur == nil || cur.Stream == nil || cur.Stream.ActiveMessageID != "a3" {
		t.Fatalf("expected resume cursor to name the live stream, got %+v", cur)
	}

	waitFor(t, 5*time.Second, func() bool {
		snap := c.engine.GetSnapshot("s-1")
		return snap != nil && snap.CaughtUp && len(snap.ActiveStreams) == 0
	}, "stale stream wiped")
	u, err := c.engine.GetUsage("s-1")
	if err != nil {
		t.Fatalf("GetUsage: %v", err)
	}
	if got := u.Total.Tokens.Total(); got != 1200 {
		t.Fatalf("expected in-flight usage of the dropped stream to be discarded, got %d tokens", got)
	}
}

func TestServerRestartForcesFullReplay(t *testing.T) {
	h := newSessionServer(t)
	seedConversation(h, "s-1")
	c := newClientHarness(t, h, tempDBPath(t), nil)
	c.follow(t, "s-1")
	c.waitForMessages(t, "s-1", 2, 3*time.Second)
	c.waitForBreakdown(t, "s-1", 2, 3*time.Second)

	// A restarted server has lost its cursors and answers with full replay.
	h.setForceFull(true)
	h.dropConnections()
	waitFor(t, 5*time.Second, func() bool { return len(h.subscribeLog()) >= 2 }, "reconnect")
	if h.subscribeLog()[1].mode != aggregator.ReplaySince {
		t.Fatal("expected the client to ask for incremental replay")
	}
	c.waitForState(t, "s-1", engine.StateCaughtUp, 5*time.Second)

	snap := c.waitForMessages(t, "s-1", 2, 3*time.Second)
	if snap.Messages[0].ID != "u1" || snap.Messages[1].ID != "a2" {
		t.Fatalf("unexpected transcript after full replay: %+v", snap.Messages)
	}
	time.Sleep(100 * time.Millisecond)
	if n := h.tokenCalls.Load(); n != 1 {
		t.Fatalf("expected the unchanged transcript to keep its breakdown, got %d token-stats calls", n)
	}
	u, err := c.engine.GetUsage("s-1")
	if err != nil {
		t.Fatalf("GetUsage: %v", err)
	}
	if got := u.Total.Tokens.Total(); got != 1200 {
		t.Fatalf("expected full replay not to double count usage, got %d tokens", got)
	}
}

func TestIncompatibleServerIsRetried(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	h := newSessionServer(t)
	seedConversation(h, "s-1")
	h.setVersion("2.1.0")

	c := newClientHarness(t, h, tempDBPath(t), zap.New(core))
	c.follow(t, "s-1")

	waitFor(t, 5*time.Second, func() bool {
		snap := c.engine.GetSnapshot("s-1")
		return snap != nil && !snap.Hydrating
	}, "hydration to give up")
	if snap := c.engine.GetSnapshot("s-1"); snap.CaughtUp || len(snap.Messages) != 0 {
		t.Fatalf("expected nothing applied from an incompatible server: %+v", snap)
	}
	if logs.FilterMessage("giving up hydration after repeated failures").Len() == 0 {
		t.Fatal("expected hydration give-up warning")
	}

	// Once the server is upgraded the engine recovers on its own.
	h.setVersion("1.5.0")
	c.waitForMessages(t, "s-1", 2, 5*time.Second)
	c.waitForState(t, "s-1", engine.StateCaughtUp, 3*time.Second)

	waitFor(t, 3*time.Second, func() bool {
		stored, err := c.store.LoadUsage(context.Background(), "s-1")
		return err == nil && stored != nil && stored.ThroughSequence == 2
	}, "usage persisted after recovery")
}
