package murf

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/voxrelay/pkg/adapters/tts"
	"github.com/harunnryd/voxrelay/pkg/errorsx"
	"github.com/harunnryd/voxrelay/pkg/redact"
	"github.com/harunnryd/voxrelay/pkg/resilience"
)

// BearerSource supplies short-lived bearer tokens for the stream handshake.
type BearerSource interface {
	Token(ctx context.Context) (string, error)
}

type StreamConfig struct {
	URL               string
	APIKey            string
	TokenHeader       string
	KeepaliveInterval time.Duration
	HandshakeTimeout  time.Duration
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.TokenHeader == "" {
		c.TokenHeader = "murf-api-token"
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 20 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	return c
}

// Connector dials streaming synthesis connections.
type Connector struct {
	cfg    StreamConfig
	tokens BearerSource
	dialer *websocket.Dialer
	log    *slog.Logger
}

func NewConnector(cfg StreamConfig, tokens BearerSource, log *slog.Logger) *Connector {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Connector{
		cfg:    cfg,
		tokens: tokens,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		log: log,
	}
}

func (c *Connector) Name() string { return "murf_stream" }

// Dial opens the upstream socket, sends the handshake frame and starts the
// keepalive and read loops. A bearer token failure is logged and the
// connection proceeds with the API key alone.
func (c *Connector) Dial(ctx context.Context, h tts.StreamHandler) (tts.Stream, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	target, err := c.buildURL()
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonUpstreamConnect)
	}

	header := http.Header{}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			c.log.Warn("murf_bearer_unavailable",
				slog.String("reason_code", string(errorsx.Reason(err))),
				slog.String("error", redact.Text(err.Error())))
		} else {
			header.Set(c.cfg.TokenHeader, token)
		}
	}

	c.log.Debug("connecting to murf", slog.String("url", redact.URL(target)))
	conn, resp, err := c.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return nil, errorsx.Wrap(resilience.RateLimitError{Provider: "murf", Message: resp.Status}, errorsx.ReasonUpstreamConnect)
		}
		if resp != nil {
			err = fmt.Errorf("%w (status %s)", err, resp.Status)
		}
		return nil, errorsx.Wrap(fmt.Errorf("dial murf stream: %w", err), errorsx.ReasonUpstreamConnect)
	}

	s := &Stream{
		conn:      conn,
		handler:   h,
		keepalive: c.cfg.KeepaliveInterval,
		done:      make(chan struct{}),
		log:       c.log,
	}
	s.state = newStateMachine(func(ev StateChange) {
		c.log.Debug("murf_stream_state", slog.String("from", ev.From.String()), slog.String("to", ev.To.String()), slog.String("reason", ev.Reason))
	})
	if err := s.state.Transition(StateOpen, "handshake complete"); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := s.SendJSON(map[string]any{"type": "hello", "api_key": c.cfg.APIKey}); err != nil {
		_ = s.Close(websocket.CloseInternalServerErr, "handshake failed")
		return nil, err
	}

	go s.keepaliveLoop()
	go s.readLoop()
	c.log.Info("connected to murf", slog.String("url", redact.URL(target)))
	return s, nil
}

func (c *Connector) buildURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse stream url: %w", err)
	}
	q := u.Query()
	q.Set("api_key", c.cfg.APIKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Stream is one open upstream connection, owned by a single client session.
type Stream struct {
	conn      *websocket.Conn
	handler   tts.StreamHandler
	state     *stateMachine
	keepalive time.Duration
	log       *slog.Logger

	writeMu   sync.Mutex
	closing   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

func (s *Stream) State() State { return s.state.State() }

func (s *Stream) Send(payload []byte) error {
	return s.write(websocket.TextMessage, payload)
}

func (s *Stream) SendBinary(payload []byte) error {
	return s.write(websocket.BinaryMessage, payload)
}

func (s *Stream) SendJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("encode upstream frame: %w", err), errorsx.ReasonUpstreamSend)
	}
	return s.Send(b)
}

func (s *Stream) write(messageType int, payload []byte) error {
	if st := s.state.State(); st != StateOpen {
		return errorsx.New(errorsx.ReasonUpstreamSend, "upstream not open: "+st.String())
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(messageType, payload); err != nil {
		return errorsx.Wrap(fmt.Errorf("write upstream: %w", err), errorsx.ReasonUpstreamSend)
	}
	return nil
}

// Close sends a close frame and releases the socket. Safe to call more than once.
func (s *Stream) Close(code int, reason string) error {
	var err error
	s.closing.Store(true)
	s.closeOnce.Do(func() {
		close(s.done)
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		err = s.conn.Close()
		_ = s.state.Transition(StateClosed, reason)
	})
	return err
}

// finish releases resources after the remote side ended the connection.
func (s *Stream) finish(to State, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
	_ = s.state.Transition(to, reason)
}

func (s *Stream) keepaliveLoop() {
	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if s.state.State() != StateOpen {
				return
			}
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				s.log.Debug("murf keepalive ping failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (s *Stream) readLoop() {
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.handleReadError(err)
			return
		}
		switch messageType {
		case websocket.BinaryMessage:
			s.handler.OnAudio(data)
		case websocket.TextMessage:
			s.handler.OnText(data)
		}
	}
}

func (s *Stream) handleReadError(err error) {
	var ce *websocket.CloseError
	// 1006 is synthesized locally when the socket drops without a close frame.
	if errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure {
		if ce.Code == websocket.ClosePolicyViolation {
			s.log.Warn("murf closed with 1008, check that the API key and token header match the account",
				slog.String("reason", ce.Text))
		}
		s.finish(StateClosed, "remote close")
		if !s.closing.Load() {
			s.handler.OnClose(ce.Code, ce.Text)
		}
		return
	}
	if s.closing.Load() {
		s.finish(StateClosed, "local close")
		return
	}
	s.finish(StateErrored, err.Error())
	s.handler.OnError(errorsx.Wrap(fmt.Errorf("read upstream: %w", err), errorsx.ReasonUpstreamRead))
}

var (
	_ tts.StreamDialer = (*Connector)(nil)
	_ tts.Stream       = (*Stream)(nil)
)
