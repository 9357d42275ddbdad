package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/hal-o-swarm/sessionsync/internal/aggregator"
	"github.com/hal-o-swarm/sessionsync/internal/engine"
	"github.com/hal-o-swarm/sessionsync/internal/pricing"
	"github.com/hal-o-swarm/sessionsync/internal/shared"
	"github.com/hal-o-swarm/sessionsync/internal/storage"
	"github.com/hal-o-swarm/sessionsync/internal/tokens"
	"github.com/hal-o-swarm/sessionsync/internal/transport"
	"github.com/hal-o-swarm/sessionsync/internal/usage"
)

const (
	serverVersion = "1.4.0"
	testModel     = "gpt-4o"
)

type subscribeRecord struct {
	sessionID string
	mode      aggregator.ReplayMode
	cursor    *aggregator.ReplayCursor
}

// sessionServer plays the remote side of the protocol: a websocket event
// stream per session plus the JSON endpoints for history, usage and token
// statistics. All writes to a connection happen under mu.
type sessionServer struct {
	t   *testing.T
	srv *httptest.Server

	mu         sync.Mutex
	version    string
	forceFull  bool
	rows       map[string][]aggregator.Message
	replayFrom map[string]int64
	usage      map[string]*usage.Snapshot
	conns      map[string]*websocket.Conn
	subscribes []subscribeRecord

	tokenCalls atomic.Int64
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func newSessionServer(t *testing.T) *sessionServer {
	t.Helper()
	h := &sessionServer{
		t:          t,
		version:    serverVersion,
		rows:       make(map[string][]aggregator.Message),
		replayFrom: make(map[string]int64),
		usage:      make(map[string]*usage.Snapshot),
		conns:      make(map[string]*websocket.Conn),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /sessions/{id}/events", h.handleEvents)
	mux.HandleFunc("GET /sessions/{id}/history", h.handleHistory)
	mux.HandleFunc("GET /sessions/{id}/usage", h.handleUsage)
	mux.HandleFunc("POST /sessions/{id}/token-stats", h.handleTokenStats)
	h.srv = httptest.NewServer(mux)
	t.Cleanup(h.stop)
	return h
}

func (h *sessionServer) URL() string { return h.srv.URL }

func (h *sessionServer) stop() {
	h.dropConnections()
	h.srv.Close()
}

// seed replaces the transcript of sessionID. Full replay only sends rows at
// or after replayFrom; older rows are left for the history endpoint.
func (h *sessionServer) seed(sessionID string, replayFrom int64, rows ...aggregator.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rows[sessionID] = append([]aggregator.Message(nil), rows...)
	h.replayFrom[sessionID] = replayFrom
}

// appendRow extends the transcript without notifying a connected client.
func (h *sessionServer) appendRow(sessionID string, row aggregator.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rows[sessionID] = append(h.rows[sessionID], row)
}

// setVersion changes the protocol version reported from now on.
func (h *sessionServer) setVersion(v string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.version = v
}

// setForceFull makes the server ignore resume cursors.
func (h *sessionServer) setForceFull(v bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.forceFull = v
}

func (h *sessionServer) reportedVersion() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.version
}

func (h *sessionServer) setUsage(sessionID string, snap *usage.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.usage[sessionID] = snap
}

// push sends events to the connected client of sessionID. History rows are
// also added to the transcript; streamed messages are not, use appendRow.
func (h *sessionServer) push(sessionID string, events ...aggregator.Event) {
	h.t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()

	conn := h.conns[sessionID]
	for _, ev := range events {
		if hm, ok := ev.(*aggregator.HistoryMessage); ok {
			h.rows[sessionID] = append(h.rows[sessionID], hm.Message)
		}
		if conn == nil {
			continue
		}
		if err := h.writeLocked(conn, ev); err != nil {
			h.t.Logf("push %s to %s failed: %v", ev.Kind(), sessionID, err)
		}
	}
}

// dropConnections closes every socket without a close frame, the way a
// network partition looks to the client.
func (h *sessionServer) dropConnections() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, conn := range h.conns {
		_ = conn.Close()
		delete(h.conns, id)
	}
}

func (h *sessionServer) connected(sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[sessionID] != nil
}

func (h *sessionServer) subscribeLog() []subscribeRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]subscribeRecord(nil), h.subscribes...)
}

func (h *sessionServer) writeLocked(conn *websocket.Conn, ev aggregator.Event) error {
	kind, payload, err := aggregator.Encode(ev)
	if err != nil {
		return err
	}
	data, err := shared.MarshalEnvelope(&shared.Envelope{
		Version:   shared.ProtocolVersion,
		Type:      kind,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	})
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (h *sessionServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	rec := subscribeRecord{sessionID: sessionID, mode: aggregator.ReplayMode(r.URL.Query().Get("mode"))}
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		var cursor aggregator.ReplayCursor
		if err := json.Unmarshal([]byte(raw), &cursor); err != nil {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}
		rec.cursor = &cursor
	}

	header := http.Header{}
	header.Set(transport.VersionHeader, h.reportedVersion())
	conn, err := upgrader.Upgrade(w, r, header)
	if err != nil {
		return
	}

	h.mu.Lock()
	h.subscribes = append(h.subscribes, rec)
	if prev := h.conns[sessionID]; prev != nil {
		_ = prev.Close()
	}
	h.conns[sessionID] = conn

	rows := h.rows[sessionID]
	marker := &aggregator.CaughtUp{ReplayMode: aggregator.ReplayFull}
	var replay []aggregator.Message
	if rec.mode == aggregator.ReplaySince && rec.cursor != nil && !h.forceFull {
		marker.ReplayMode = aggregator.ReplaySince
		for _, row := range rows {
			if row.Sequence > rec.cursor.History.LastSequence {
				replay = append(replay, row)
			}
		}
	} else {
		from := h.replayFrom[sessionID]
		hasOlder := false
		for _, row := range rows {
			if row.Sequence >= from {
				replay = append(replay, row)
			} else {
				hasOlder = true
			}
		}
		marker.HasOlderHistory = &hasOlder
	}
	for _, row := range replay {
		if err := h.writeLocked(conn, &aggregator.HistoryMessage{Message: row}); err != nil {
			h.mu.Unlock()
			return
		}
	}
	_ = h.writeLocked(conn, marker)
	h.mu.Unlock()

	// Hold the connection open until the client or the harness closes it.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.mu.Lock()
	if h.conns[sessionID] == conn {
		delete(h.conns, sessionID)
	}
	h.mu.Unlock()
	_ = conn.Close()
}

func (h *sessionServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	before, err := strconv.ParseInt(r.URL.Query().Get("before"), 10, 64)
	if err != nil {
		http.Error(w, "missing before", http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	var older []aggregator.Message
	for _, row := range h.rows[sessionID] {
		if row.Sequence < before {
			older = append(older, row)
		}
	}
	h.mu.Unlock()
	sort.Slice(older, func(i, j int) bool { return older[i].Sequence < older[j].Sequence })

	page := transport.HistoryPage{Messages: older}
	if len(older) > limit {
		page.Messages = older[len(older)-limit:]
		page.HasOlder = true
	}
	if len(page.Messages) > 0 {
		first := page.Messages[0]
		page.NextCursor = &transport.HistoryCursor{BeforeSequence: first.Sequence, BeforeMessageID: first.ID}
	}
	h.writeJSON(w, page)
}

func (h *sessionServer) handleUsage(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	snap := h.usage[r.PathValue("id")]
	h.mu.Unlock()
	if snap == nil {
		http.NotFound(w, r)
		return
	}
	h.writeJSON(w, snap)
}

func (h *sessionServer) handleTokenStats(w http.ResponseWriter, r *http.Request) {
	h.tokenCalls.Add(1)
	var req struct {
		Model    string               `json:"model"`
		Messages []aggregator.Message `json:"messages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	byRole := make(map[string]int64)
	var total int64
	for _, msg := range req.Messages {
		n := int64(len([]rune(msg.Text))+3) / 4
		byRole[msg.Role] += n
		total += n
	}
	out := tokens.Breakdown{TotalTokens: total, Tokenizer: "server-" + req.Model, Status: tokens.StatusReady}
	for role, n := range byRole {
		c := tokens.Consumer{Name: role, Tokens: n}
		if total > 0 {
			c.Percentage = float64(n) * 100 / float64(total)
		}
		out.Consumers = append(out.Consumers, c)
	}
	sort.Slice(out.Consumers, func(i, j int) bool { return out.Consumers[i].Name < out.Consumers[j].Name })
	h.writeJSON(w, out)
}

func (h *sessionServer) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set(transport.VersionHeader, h.reportedVersion())
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// clientHarness is one engine process talking to the server through the
// websocket transport and persisting to sqlite.
type clientHarness struct {
	engine *engine.Engine
	store  *storage.SQLiteStore
	unsubs []func()
	once   sync.Once
}

func newClientHarness(t *testing.T, h *sessionServer, dbPath string, logger *zap.Logger) *clientHarness {
	t.Helper()
	if logger == nil {
		logger = zap.NewNop()
	}

	store, err := storage.OpenSQLite(context.Background(), dbPath, logger.Named("storage"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	tr, err := transport.NewWSTransport(h.URL(), "test-token", logger.Named("transport"),
		transport.WithRequestTimeout(2*time.Second),
		transport.WithVersionConstraint(">= 1.0.0, < 2.0.0"),
		transport.WithHistoryPageSize(2),
	)
	if err != nil {
		t.Fatalf("NewWSTransport: %v", err)
	}

	eng, err := engine.New(engine.Options{
		Transport:          tr,
		Pricing:            pricing.NewStaticSource(testPricing()),
		UsageStore:         store,
		BreakdownStore:     store,
		Logger:             logger.Named("engine"),
		Metrics:            engine.NewMetrics(prometheus.NewRegistry()),
		StallTimeout:       10 * time.Second,
		StallCheckInterval: 20 * time.Millisecond,
		BackoffBase:        10 * time.Millisecond,
		BackoffCap:         50 * time.Millisecond,
		NotifyDelay:        5 * time.Millisecond,
		TokenDebounce:      5 * time.Millisecond,
		TokenTimeout:       2 * time.Second,
	})
	if err != nil {
		store.Close()
		t.Fatalf("engine.New: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	c := &clientHarness{engine: eng, store: store}
	t.Cleanup(c.stop)
	return c
}

func testPricing() pricing.Config {
	return pricing.Config{
		Models: map[string]pricing.ModelRate{
			testModel: {InputPerMTok: 2, OutputPerMTok: 8},
		},
	}
}

// follow registers sessionID, makes it active and keeps it live with a
// snapshot listener.
func (c *clientHarness) follow(t *testing.T, sessionID string) {
	t.Helper()
	if err := c.engine.Register(aggregator.SessionMeta{SessionID: sessionID, CreatedAt: time.UnixMilli(1000)}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := c.engine.SetActiveSession(sessionID); err != nil {
		t.Fatalf("SetActiveSession: %v", err)
	}
	unsub, err := c.engine.Subscribe(sessionID, func(string) {})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	c.unsubs = append(c.unsubs, unsub)
}

func (c *clientHarness) stop() {
	c.once.Do(func() {
		for _, unsub := range c.unsubs {
			unsub()
		}
		_ = c.engine.Close()
		_ = c.store.Close()
	})
}

func (c *clientHarness) waitForState(t *testing.T, sessionID string, want engine.State, timeout time.Duration) {
	t.Helper()
	waitFor(t, timeout, func() bool {
		st, err := c.engine.State(sessionID)
		return err == nil && st == want
	}, "state "+want.String())
}

func (c *clientHarness) waitForMessages(t *testing.T, sessionID string, n int, timeout time.Duration) *aggregator.SessionSnapshot {
	t.Helper()
	var snap *aggregator.SessionSnapshot
	waitFor(t, timeout, func() bool {
		snap = c.engine.GetSnapshot(sessionID)
		return snap != nil && snap.CaughtUp && len(snap.Messages) == n
	}, strconv.Itoa(n)+" messages")
	return snap
}

func (c *clientHarness) waitForBreakdown(t *testing.T, sessionID string, messages int, timeout time.Duration) tokens.Breakdown {
	t.Helper()
	var b tokens.Breakdown
	waitFor(t, timeout, func() bool {
		var ok bool
		b, ok, _ = c.engine.GetBreakdown(sessionID)
		return ok && b.Status == tokens.StatusReady && b.Key.MessageCount == messages
	}, "ready breakdown over "+strconv.Itoa(messages)+" messages")
	return b
}

func row(id, role string, seq int64, text string, u *shared.TokenUsage) aggregator.Message {
	return aggregator.Message{
		ID:        id,
		Role:      role,
		Sequence:  seq,
		Text:      text,
		CreatedAt: 1000 + seq,
		Metadata:  aggregator.MessageMetadata{Model: testModel, Usage: u},
	}
}

func tempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "sessionsync.db")
}

func waitFor(t *testing.T, timeout time.Duration, fn func() bool, label string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", label)
}
