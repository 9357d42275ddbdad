// Package storage persists per-session usage snapshots and token
// breakdowns so a restarted engine can hydrate without recomputing.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/hal-o-swarm/sessionsync/internal/tokens"
	"github.com/hal-o-swarm/sessionsync/internal/usage"
)

// SQLiteStore implements usage.Store and tokens.Store.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

var (
	_ usage.Store  = (*SQLiteStore)(nil)
	_ tokens.Store = (*SQLiteStore)(nil)
)

// OpenSQLite opens (creating if needed) the database at path and applies
// pending migrations.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer keeps modernc sqlite from returning SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)

	if err := NewMigrationRunner(db).Migrate(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logger.Error("failed to close database after migration error", zap.Error(closeErr))
		}
		return nil, err
	}

	logger.Info("session store opened", zap.String("path", path))
	return &SQLiteStore{db: db, logger: logger}, nil
}

func NewSQLiteStore(db *sql.DB, logger *zap.Logger) *SQLiteStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLiteStore{db: db, logger: logger}
}

func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) LoadUsage(ctx context.Context, sessionID string) (*usage.Snapshot, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT payload FROM session_usage WHERE session_id = ?",
		sessionID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load usage for %s: %w", sessionID, err)
	}

	var snap usage.Snapshot
	if err := decodeBlob(payload, &snap); err != nil {
		return nil, fmt.Errorf("failed to load usage for %s: %w", sessionID, err)
	}
	return &snap, nil
}

func (s *SQLiteStore) SaveUsage(ctx context.Context, sessionID string, snap usage.Snapshot) error {
	payload, err := encodeBlob(snap)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_usage (session_id, through_sequence, fingerprint, payload, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(session_id) DO UPDATE SET
			through_sequence = excluded.through_sequence,
			fingerprint = excluded.fingerprint,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, sessionID, snap.ThroughSequence, snap.Fingerprint, payload)
	if err != nil {
		return fmt.Errorf("failed to save usage for %s: %w", sessionID, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteUsage(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM session_usage WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("failed to delete usage for %s: %w", sessionID, err)
	}
	return nil
}

func (s *SQLiteStore) LoadBreakdown(ctx context.Context, sessionID string) (*tokens.Breakdown, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT payload FROM token_breakdowns WHERE session_id = ?",
		sessionID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load breakdown for %s: %w", sessionID, err)
	}

	var b tokens.Breakdown
	if err := decodeBlob(payload, &b); err != nil {
		return nil, fmt.Errorf("failed to load breakdown for %s: %w", sessionID, err)
	}
	return &b, nil
}

func (s *SQLiteStore) SaveBreakdown(ctx context.Context, sessionID string, b tokens.Breakdown) error {
	payload, err := encodeBlob(b)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO token_breakdowns (session_id, model, message_count, max_history_sequence, config_fingerprint, status, payload, calculated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			model = excluded.model,
			message_count = excluded.message_count,
			max_history_sequence = excluded.max_history_sequence,
			config_fingerprint = excluded.config_fingerprint,
			status = excluded.status,
			payload = excluded.payload,
			calculated_at = excluded.calculated_at
	`, sessionID, b.Key.Model, b.Key.MessageCount, b.Key.MaxHistorySequence, b.Key.ConfigFingerprint, string(b.Status), payload, b.CalculatedAt)
	if err != nil {
		return fmt.Errorf("failed to save breakdown for %s: %w", sessionID, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteBreakdown(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM token_breakdowns WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("failed to delete breakdown for %s: %w", sessionID, err)
	}
	return nil
}

// PruneBreakdowns deletes persisted breakdowns computed under any config
// fingerprint other than keep and returns how many were removed.
func (s *SQLiteStore) PruneBreakdowns(ctx context.Context, keep string) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM token_breakdowns WHERE config_fingerprint != ?", keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune breakdowns: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("pruned stale breakdowns", zap.Int64("count", n), zap.String("fingerprint", keep))
	}
	return n, nil
}

// SessionIDs lists every session with persisted usage, in order.
func (s *SQLiteStore) SessionIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT session_id FROM session_usage ORDER BY session_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
