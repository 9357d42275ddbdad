package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/hal-o-swarm/sessionsync/internal/engine"
	"github.com/hal-o-swarm/sessionsync/internal/shared"
	"github.com/hal-o-swarm/sessionsync/internal/storage"
)

type fakeStates struct {
	state engine.State
	err   error
}

func (f fakeStates) State(string) (engine.State, error) { return f.state, f.err }

func openTestDB(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "health.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func readiness(t *testing.T, hc *healthChecker) (int, healthResult) {
	t.Helper()
	srv := httptest.NewServer(newHTTPMux(hc))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	defer resp.Body.Close()
	var result healthResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode readiness: %v", err)
	}
	return resp.StatusCode, result
}

func TestReadinessHealthyWhenCaughtUp(t *testing.T) {
	db := openTestDB(t)
	code, result := readiness(t, &healthChecker{db: db.DB(), sessions: fakeStates{state: engine.StateCaughtUp}, sessionID: "s-1"})
	if code != http.StatusOK || result.Status != healthHealthy {
		t.Fatalf("expected healthy, got %d %+v", code, result)
	}
	if result.Components["session"].State != engine.StateCaughtUp.String() {
		t.Fatalf("unexpected session component: %+v", result.Components["session"])
	}
}

func TestReadinessDegradedWhileRetrying(t *testing.T) {
	db := openTestDB(t)
	code, result := readiness(t, &healthChecker{db: db.DB(), sessions: fakeStates{state: engine.StateRetrying}, sessionID: "s-1"})
	if code != http.StatusServiceUnavailable || result.Status != healthDegraded {
		t.Fatalf("expected degraded, got %d %+v", code, result)
	}
}

func TestReadinessUnhealthyForUnknownSession(t *testing.T) {
	db := openTestDB(t)
	code, result := readiness(t, &healthChecker{db: db.DB(), sessions: fakeStates{err: shared.ErrSessionNotRegistered}, sessionID: "s-1"})
	if code != http.StatusServiceUnavailable || result.Status != healthUnhealthy {
		t.Fatalf("expected unhealthy, got %d %+v", code, result)
	}
}

func TestReadinessUnhealthyWhenDatabaseClosed(t *testing.T) {
	db := openTestDB(t)
	db.Close()
	_, result := readiness(t, &healthChecker{db: db.DB(), sessions: fakeStates{state: engine.StateCaughtUp}, sessionID: "s-1"})
	if result.Components["database"].Status != statusError || result.Status != healthUnhealthy {
		t.Fatalf("expected database error, got %+v", result)
	}
}

func TestLivenessAlwaysOK(t *testing.T) {
	srv := httptest.NewServer(newHTTPMux(&healthChecker{}))
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
