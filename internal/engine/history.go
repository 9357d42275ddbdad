package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hal-o-swarm/sessionsync/internal/transport"
)

// LoadOlderHistory fetches the page before the oldest loaded message and
// prepends it. It is a no-op while a page is already loading or when the
// server reported no older history. A page resolving after the session was
// removed, reset by a full replay or superseded by another request is
// dropped.
func (e *Engine) LoadOlderHistory(ctx context.Context, sessionID string) error {
	entry, err := e.lookup("LoadOlderHistory", sessionID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	flags := entry.agg.Flags()
	if entry.loadingOlder || !flags.HasOlderHistory {
		entry.mu.Unlock()
		return nil
	}
	cursor := entry.historyCursor
	if cursor == nil {
		c := entry.agg.Cursor()
		if c == nil {
			entry.mu.Unlock()
			return nil
		}
		cursor = &transport.HistoryCursor{BeforeSequence: c.History.OldestSequence}
	}
	entry.historyReq++
	req := entry.historyReq
	epoch := entry.agg.Epoch()
	entry.loadingOlder = true
	flags.LoadingOlder = true
	entry.agg.SetFlags(flags)
	e.changedLocked(entry)
	logger := entry.logger
	entry.mu.Unlock()

	page, err := e.transport.LoadHistoryPage(ctx, sessionID, cursor)

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.removed || req != entry.historyReq || epoch != entry.agg.Epoch() {
		logger.Debug("discarding stale history page", zap.Int64("before_sequence", cursor.BeforeSequence))
		return nil
	}

	entry.loadingOlder = false
	flags = entry.agg.Flags()
	flags.LoadingOlder = false
	if err != nil {
		entry.agg.SetFlags(flags)
		e.changedLocked(entry)
		logger.Warn("failed to load older history", zap.Error(err))
		return fmt.Errorf("load older history of %q: %w", sessionID, err)
	}

	entry.agg.PrependHistory(page.Messages)
	flags.HasOlderHistory = page.HasOlder
	entry.agg.SetFlags(flags)
	entry.historyCursor = page.NextCursor
	logger.Debug("older history loaded",
		zap.Int("messages", len(page.Messages)),
		zap.Bool("has_older", page.HasOlder),
	)
	e.changedLocked(entry)
	e.scheduleBreakdownLocked(entry, false)
	return nil
}
