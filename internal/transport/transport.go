// Package transport is the engine's view of the server: a cancellable ordered
// event stream per session plus request/response calls for history pages,
// persisted usage and token statistics.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/hal-o-swarm/sessionsync/internal/aggregator"
	"github.com/hal-o-swarm/sessionsync/internal/tokens"
	"github.com/hal-o-swarm/sessionsync/internal/usage"
)

var (
	ErrRecoverable    = errors.New("transport recoverable error")
	ErrNonRecoverable = errors.New("transport non-recoverable error")
)

// EventStream yields decoded events in server order. Next blocks until an
// event arrives or the stream ends; Err reports why it ended (nil when the
// server closed it cleanly or Close was called).
type EventStream interface {
	Next() bool
	Current() aggregator.Event
	Err() error
	Close() error
}

// HistoryCursor points before the oldest loaded message.
type HistoryCursor struct {
	BeforeSequence  int64  `json:"beforeSequence"`
	BeforeMessageID string `json:"beforeMessageId,omitempty"`
}

type HistoryPage struct {
	Messages   []aggregator.Message `json:"messages"`
	NextCursor *HistoryCursor       `json:"nextCursor,omitempty"`
	HasOlder   bool                 `json:"hasOlder"`
}

// Transport is implemented by WSTransport and MockTransport.
type Transport interface {
	// Subscribe opens a stream. A nil cursor asks for full replay, otherwise
	// the server resumes after the cursor.
	Subscribe(ctx context.Context, sessionID string, since *aggregator.ReplayCursor) (EventStream, error)
	LoadHistoryPage(ctx context.Context, sessionID string, cursor *HistoryCursor) (HistoryPage, error)
	// GetPersistedUsage returns nil when the server holds no snapshot.
	GetPersistedUsage(ctx context.Context, sessionID string) (*usage.Snapshot, error)
	CalculateTokenStats(ctx context.Context, sessionID string, messages []aggregator.Message, model string) (tokens.Breakdown, error)
}

// Calculator adapts t to the tokenization scheduler.
func Calculator(t Transport) tokens.Calculator {
	return tokens.CalculatorFunc(t.CalculateTokenStats)
}

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Body)
}

// IsRecoverable reports whether a retry may succeed.
func IsRecoverable(err error) bool {
	return err != nil && !errors.Is(err, ErrNonRecoverable)
}

func mapTransportError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrRecoverable) || errors.Is(err, ErrNonRecoverable) {
		return err
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrRecoverable, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", ErrRecoverable, err)
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusBadRequest:
			return fmt.Errorf("%w: %w", ErrNonRecoverable, err)
		case http.StatusTooManyRequests, http.StatusRequestTimeout, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusInternalServerError:
			return fmt.Errorf("%w: %w", ErrRecoverable, err)
		default:
			if statusErr.StatusCode >= 500 {
				return fmt.Errorf("%w: %w", ErrRecoverable, err)
			}
			return fmt.Errorf("%w: %w", ErrNonRecoverable, err)
		}
	}

	return fmt.Errorf("%w: %w", ErrRecoverable, err)
}
