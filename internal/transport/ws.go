package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hal-o-swarm/sessionsync/internal/aggregator"
	"github.com/hal-o-swarm/sessionsync/internal/shared"
	"github.com/hal-o-swarm/sessionsync/internal/tokens"
	"github.com/hal-o-swarm/sessionsync/internal/usage"
)

const (
	// VersionHeader carries the server's protocol version on every response.
	VersionHeader = "X-Sessionsync-Version"

	wsWriteDeadline       = 10 * time.Second
	wsHandshakeTimeout    = 10 * time.Second
	defaultRequestTimeout = 15 * time.Second
	defaultHistoryLimit   = 50
	maxErrorBody          = 4 << 10
)

// WSTransport streams events over a websocket and issues the remaining calls
// as JSON over HTTP against the same host.
type WSTransport struct {
	httpBase   *url.URL
	wsBase     *url.URL
	authToken  string
	constraint *semver.Constraints
	httpClient *http.Client
	dialer     *websocket.Dialer
	pageSize   int
	logger     *zap.Logger
}

type WSOption func(*WSTransport) error

func WithHTTPClient(c *http.Client) WSOption {
	return func(t *WSTransport) error {
		t.httpClient = c
		return nil
	}
}

func WithRequestTimeout(d time.Duration) WSOption {
	return func(t *WSTransport) error {
		if d > 0 {
			t.httpClient.Timeout = d
		}
		return nil
	}
}

// WithVersionConstraint rejects servers whose reported version does not
// satisfy constraint. An empty constraint disables the check.
func WithVersionConstraint(constraint string) WSOption {
	return func(t *WSTransport) error {
		if constraint == "" {
			t.constraint = nil
			return nil
		}
		c, err := semver.NewConstraint(constraint)
		if err != nil {
			return fmt.Errorf("invalid version constraint %q: %w", constraint, err)
		}
		t.constraint = c
		return nil
	}
}

func WithHistoryPageSize(n int) WSOption {
	return func(t *WSTransport) error {
		if n > 0 {
			t.pageSize = n
		}
		return nil
	}
}

func NewWSTransport(rawURL, authToken string, logger *zap.Logger, opts ...WSOption) (*WSTransport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	base, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}

	httpBase, wsBase := *base, *base
	switch base.Scheme {
	case "http", "ws":
		httpBase.Scheme, wsBase.Scheme = "http", "ws"
	case "https", "wss":
		httpBase.Scheme, wsBase.Scheme = "https", "wss"
	default:
		return nil, fmt.Errorf("unsupported server url scheme %q", base.Scheme)
	}

	t := &WSTransport{
		httpBase:   &httpBase,
		wsBase:     &wsBase,
		authToken:  authToken,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		dialer:     &websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout},
		pageSize:   defaultHistoryLimit,
		logger:     logger,
	}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *WSTransport) endpoint(base *url.URL, sessionID, suffix string, q url.Values) string {
	u := *base
	u.Path = strings.TrimRight(base.Path, "/") + "/sessions/" + url.PathEscape(sessionID) + suffix
	u.RawQuery = q.Encode()
	return u.String()
}

func (t *WSTransport) header() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+t.authToken)
	return h
}

func (t *WSTransport) checkVersion(h http.Header) error {
	if t.constraint == nil {
		return nil
	}
	reported := h.Get(VersionHeader)
	if reported == "" {
		return fmt.Errorf("%w: %w: server did not report a version", ErrNonRecoverable, shared.ErrUnsupportedVersion)
	}
	v, err := semver.NewVersion(reported)
	if err != nil {
		return fmt.Errorf("%w: %w: %q: %v", ErrNonRecoverable, shared.ErrUnsupportedVersion, reported, err)
	}
	if !t.constraint.Check(v) {
		return fmt.Errorf("%w: %w: server %s does not satisfy %s", ErrNonRecoverable, shared.ErrUnsupportedVersion, v, t.constraint)
	}
	return nil
}

func (t *WSTransport) Subscribe(ctx context.Context, sessionID string, since *aggregator.ReplayCursor) (EventStream, error) {
	q := url.Values{}
	if since == nil {
		q.Set("mode", string(aggregator.ReplayFull))
	} else {
		cursor, err := json.Marshal(since)
		if err != nil {
			return nil, fmt.Errorf("%w: marshal cursor: %v", ErrNonRecoverable, err)
		}
		q.Set("mode", string(aggregator.ReplaySince))
		q.Set("cursor", string(cursor))
	}

	target := t.endpoint(t.wsBase, sessionID, "/events", q)
	conn, resp, err := t.dialer.DialContext(ctx, target, t.header())
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w: %w", &StatusError{StatusCode: resp.StatusCode}, err)
		}
		return nil, fmt.Errorf("dial: %w", mapTransportError(err))
	}
	if err := t.checkVersion(resp.Header); err != nil {
		conn.Close()
		return nil, err
	}

	logger := shared.LoggerFor(ctx, t.logger).With(zap.String("session_id", sessionID))
	s := &wsStream{conn: conn, logger: logger}
	s.stop = context.AfterFunc(ctx, func() { s.Close() })
	logger.Debug("event stream opened", zap.String("mode", q.Get("mode")))
	return s, nil
}

type wsStream struct {
	conn   *websocket.Conn
	logger *zap.Logger
	stop   func() bool

	cur       aggregator.Event
	err       error
	closed    atomic.Bool
	closeOnce sync.Once
}

func (s *wsStream) Next() bool {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.cur = nil
			if s.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return false
			}
			s.err = mapTransportError(fmt.Errorf("read: %w", err))
			return false
		}

		env, err := shared.UnmarshalEnvelope(data)
		if err != nil {
			s.logger.Warn("invalid frame from server", zap.Error(err))
			continue
		}
		ev, err := aggregator.Decode(env.Type, env.Payload)
		if err != nil {
			s.logger.Warn("dropping undecodable event", zap.String("kind", env.Type), zap.Error(err))
			continue
		}
		s.cur = ev
		return true
	}
}

func (s *wsStream) Current() aggregator.Event { return s.cur }

func (s *wsStream) Err() error { return s.err }

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.stop != nil {
			s.stop()
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteDeadline))
		err = s.conn.Close()
	})
	return err
}

// doJSON sends body (when non-nil) and decodes a 2xx response into out. A
// non-2xx response is returned as *StatusError.
func (t *WSTransport) doJSON(ctx context.Context, method, target string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: marshal request: %v", ErrNonRecoverable, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrNonRecoverable, err)
	}
	req.Header = t.header()
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return mapTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return mapTransportError(&StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))})
	}
	if err := t.checkVersion(resp.Header); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrRecoverable, err)
	}
	return nil
}

func (t *WSTransport) LoadHistoryPage(ctx context.Context, sessionID string, cursor *HistoryCursor) (HistoryPage, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(t.pageSize))
	if cursor != nil {
		q.Set("before", strconv.FormatInt(cursor.BeforeSequence, 10))
		if cursor.BeforeMessageID != "" {
			q.Set("beforeId", cursor.BeforeMessageID)
		}
	}

	var page HistoryPage
	if err := t.doJSON(ctx, http.MethodGet, t.endpoint(t.httpBase, sessionID, "/history", q), nil, &page); err != nil {
		return HistoryPage{}, fmt.Errorf("load history page: %w", err)
	}
	return page, nil
}

func (t *WSTransport) GetPersistedUsage(ctx context.Context, sessionID string) (*usage.Snapshot, error) {
	var snap usage.Snapshot
	err := t.doJSON(ctx, http.MethodGet, t.endpoint(t.httpBase, sessionID, "/usage", nil), nil, &snap)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get persisted usage: %w", err)
	}
	return &snap, nil
}

type tokenStatsRequest struct {
	Model    string               `json:"model"`
	Messages []aggregator.Message `json:"messages"`
}

func (t *WSTransport) CalculateTokenStats(ctx context.Context, sessionID string, messages []aggregator.Message, model string) (tokens.Breakdown, error) {
	var out tokens.Breakdown
	body := tokenStatsRequest{Model: model, Messages: messages}
	if err := t.doJSON(ctx, http.MethodPost, t.endpoint(t.httpBase, sessionID, "/token-stats", nil), body, &out); err != nil {
		return tokens.Breakdown{}, fmt.Errorf("calculate token stats: %w", err)
	}
	return out, nil
}
