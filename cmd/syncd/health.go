package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hal-o-swarm/sessionsync/internal/engine"
)

type componentStatus string

const (
	statusOK          componentStatus = "ok"
	statusError       componentStatus = "error"
	statusUnavailable componentStatus = "unavailable"
)

type healthStatus string

const (
	healthHealthy   healthStatus = "healthy"
	healthDegraded  healthStatus = "degraded"
	healthUnhealthy healthStatus = "unhealthy"
)

type componentHealth struct {
	Status componentStatus `json:"status"`
	Error  string          `json:"error,omitempty"`
	State  string          `json:"state,omitempty"`
}

type healthResult struct {
	Status     healthStatus               `json:"status"`
	Components map[string]componentHealth `json:"components"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// stateReporter is the part of the engine readiness looks at.
type stateReporter interface {
	State(sessionID string) (engine.State, error)
}

type healthChecker struct {
	db        *sql.DB
	sessions  stateReporter
	sessionID string
}

func (hc *healthChecker) readiness(ctx context.Context) healthResult {
	components := map[string]componentHealth{
		"database": hc.checkDatabase(ctx),
		"session":  hc.checkSession(),
	}

	overall := healthHealthy
	for _, comp := range components {
		if comp.Status == statusError {
			overall = healthUnhealthy
			break
		}
		if comp.Status == statusUnavailable {
			overall = healthDegraded
		}
	}
	return healthResult{Status: overall, Components: components, Timestamp: time.Now().UTC()}
}

func (hc *healthChecker) checkDatabase(ctx context.Context) componentHealth {
	if hc.db == nil {
		return componentHealth{Status: statusUnavailable, Error: "database not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := hc.db.PingContext(ctx); err != nil {
		return componentHealth{Status: statusError, Error: err.Error()}
	}
	return componentHealth{Status: statusOK}
}

// checkSession reports the followed session as unavailable until it has
// caught up, so a reconnecting daemon reads as degraded, not broken.
func (hc *healthChecker) checkSession() componentHealth {
	if hc.sessions == nil {
		return componentHealth{Status: statusUnavailable, Error: "engine not running"}
	}
	st, err := hc.sessions.State(hc.sessionID)
	if err != nil {
		return componentHealth{Status: statusError, Error: err.Error()}
	}
	if st != engine.StateCaughtUp {
		return componentHealth{Status: statusUnavailable, State: st.String()}
	}
	return componentHealth{Status: statusOK, State: st.String()}
}

func newHTTPMux(hc *healthChecker) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeHealth(w, http.StatusOK, healthResult{
			Status:     healthHealthy,
			Components: map[string]componentHealth{},
			Timestamp:  time.Now().UTC(),
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		result := hc.readiness(r.Context())
		code := http.StatusOK
		if result.Status != healthHealthy {
			code = http.StatusServiceUnavailable
		}
		writeHealth(w, code, result)
	})
	return mux
}

func writeHealth(w http.ResponseWriter, code int, result healthResult) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(result)
}
