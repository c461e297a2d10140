// Package ws is the websocket feed session.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"trading_bot/internal/domain"
	"trading_bot/internal/event"
	"trading_bot/internal/feed"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultReadTimeout      = 60 * time.Second
	defaultWriteTimeout     = 5 * time.Second
)

var errNotConnected = errors.New("not connected")

// Config for a websocket session.
type Config struct {
	URL              string
	Token            string           // sent as LOGIN; empty skips login
	OnLogin          func(raw []byte) // receives the LOGIN_OK reply; may be nil
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
}

// Session is a feed.Session over one websocket connection at a time.
// Inbound frames are returned verbatim; the caller routes them.
type Session struct {
	cfg    Config
	dialer websocket.Dialer
	logger *slog.Logger

	mu      sync.RWMutex
	conn    *websocket.Conn
	writeMu sync.Mutex
}

var _ feed.Session = (*Session)(nil)

type loginMessage struct {
	Type  string `json:"type"`
	Token string `json:"token"`
	TZ    string `json:"tz"`
}

type subscribeMessage struct {
	Type        string   `json:"type"`
	Instruments []string `json:"instruments"`
}

// New validates cfg and creates an unconnected session.
func New(cfg Config) (*Session, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, &domain.ConfigError{Field: "feed.url", Err: err}
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, &domain.ConfigError{Field: "feed.url", Err: fmt.Errorf("scheme must be ws or wss, got %q", u.Scheme)}
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	return &Session{
		cfg:    cfg,
		dialer: websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger: slog.Default().With("module", "ws_session", "secure", u.Scheme == "wss"),
	}, nil
}

// Connect dials and, when a token is configured, logs in and waits for LOGIN_OK.
func (s *Session) Connect(ctx context.Context) error {
	conn, resp, err := s.dialer.DialContext(ctx, s.cfg.URL, make(http.Header))
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return domain.NewFatalNetworkError("dial", fmt.Errorf("status %d: %w", resp.StatusCode, err))
		}
		return domain.NewNetworkError("dial", err)
	}

	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.conn = conn
	s.mu.Unlock()

	if s.cfg.Token != "" {
		if err := s.login(); err != nil {
			_ = s.Close()
			return err
		}
	}
	s.logger.Info("Websocket connected", slog.String("url", s.cfg.URL))
	return nil
}

func (s *Session) login() error {
	if err := s.writeJSON(loginMessage{Type: "LOGIN", Token: s.cfg.Token, TZ: "UTC"}); err != nil {
		return domain.NewNetworkError("login", err)
	}

	conn := s.current()
	if conn == nil {
		return domain.NewNetworkError("login", errNotConnected)
	}
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return domain.NewNetworkError("login", err)
	}

	switch event.Classify(msg) {
	case event.TypeLoginOK:
		if s.cfg.OnLogin != nil {
			s.cfg.OnLogin(msg)
		}
		return nil
	case event.TypeError:
		reason := gjson.GetBytes(msg, "reason").String()
		return domain.NewFatalNetworkError("login", fmt.Errorf("rejected: %s", reason))
	default:
		return domain.NewNetworkError("login", fmt.Errorf("unexpected reply %.64s", msg))
	}
}

// Subscribe asks for market data on instruments.
func (s *Session) Subscribe(_ context.Context, instruments []string) error {
	if err := s.writeJSON(subscribeMessage{Type: "SUBSCRIBE", Instruments: instruments}); err != nil {
		return domain.NewNetworkError("subscribe", err)
	}
	return nil
}

// Read blocks for the next frame or until the read deadline passes.
func (s *Session) Read(_ context.Context) ([]byte, error) {
	conn := s.current()
	if conn == nil {
		return nil, domain.NewNetworkError("read", errNotConnected)
	}
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, domain.NewNetworkError("read", err)
	}
	return msg, nil
}

// Heartbeat sends a PING text frame; the server's PONG counts as inbound traffic.
func (s *Session) Heartbeat(_ context.Context) error {
	if err := s.writeJSON(map[string]string{"type": "PING"}); err != nil {
		return domain.NewNetworkError("ping", err)
	}
	return nil
}

// Close closes the current connection, if any.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *Session) current() *websocket.Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

func (s *Session) writeJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn := s.current()
	if conn == nil {
		return errNotConnected
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}
