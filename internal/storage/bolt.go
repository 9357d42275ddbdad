package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/hal-o-swarm/sessionsync/internal/tokens"
)

var bucketBreakdowns = []byte("breakdowns")

// BoltBreakdownStore keeps token breakdowns in an embedded bbolt file, for
// deployments that want breakdowns outside the usage database.
type BoltBreakdownStore struct {
	db     *bolt.DB
	logger *zap.Logger
}

var _ tokens.Store = (*BoltBreakdownStore)(nil)

func OpenBolt(path string, timeout time.Duration, logger *zap.Logger) (*BoltBreakdownStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketBreakdowns); err != nil {
			return fmt.Errorf("failed to create breakdowns bucket: %w", err)
		}
		return nil
	}); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logger.Error("failed to close database after initialization error", zap.Error(closeErr))
		}
		return nil, err
	}

	logger.Info("breakdown store opened", zap.String("path", path))
	return &BoltBreakdownStore{db: db, logger: logger}, nil
}

func (s *BoltBreakdownStore) Close() error {
	return s.db.Close()
}

func (s *BoltBreakdownStore) LoadBreakdown(ctx context.Context, sessionID string) (*tokens.Breakdown, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out *tokens.Breakdown
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketBreakdowns).Get([]byte(sessionID))
		if raw == nil {
			return nil
		}
		var b tokens.Breakdown
		if err := decodeBlob(raw, &b); err != nil {
			return err
		}
		out = &b
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load breakdown for %s: %w", sessionID, err)
	}
	return out, nil
}

func (s *BoltBreakdownStore) SaveBreakdown(ctx context.Context, sessionID string, b tokens.Breakdown) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := encodeBlob(b)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBreakdowns).Put([]byte(sessionID), payload)
	})
}

func (s *BoltBreakdownStore) DeleteBreakdown(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBreakdowns).Delete([]byte(sessionID))
	})
}
