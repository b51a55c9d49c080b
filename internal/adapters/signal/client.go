package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/dkeye/Lesson/internal/core"
	"github.com/dkeye/Lesson/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// ParticipantHeader names the caller. The relay honors it only next to a
	// valid ServiceTokenHeader; everyone else is identified by cookie.
	ParticipantHeader  = "X-Participant-ID"
	ServiceTokenHeader = "X-Service-Token"
)

type ClientConfig struct {
	// URL of the relay's signaling endpoint, e.g. ws://host:8080/api/ws/signal.
	URL string
	// Participant is asserted with ServiceToken. Without a token the
	// identity cookie in Jar is used.
	Participant       domain.ParticipantID
	ServiceToken      string
	Jar               http.CookieJar
	DisplayName       string
	ReconnectAttempts int
	ReconnectBackoff  time.Duration
	JoinTimeout       time.Duration
	Dialer            *websocket.Dialer
}

// Client is the participant side of the relay. A broken connection is
// redialed with exponential backoff and the last joined room is rejoined.
type Client struct {
	cfg ClientConfig

	writeMu sync.Mutex
	mu      sync.Mutex
	conn    *websocket.Conn
	joined  domain.SessionID
	role    domain.Role
	ackCh   chan core.Envelope

	handlers core.Subscribers[func(core.Envelope)]
	states   core.Subscribers[func(core.ChannelState, error)]

	closeOnce sync.Once
	closed    chan struct{}
}

var _ core.SignalingChannel = (*Client)(nil)

// Dial connects to the relay and starts the read loop.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	d := *websocket.DefaultDialer
	if cfg.Dialer != nil {
		d = *cfg.Dialer
	}
	if cfg.Jar != nil {
		d.Jar = cfg.Jar
	}
	cfg.Dialer = &d
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = 500 * time.Millisecond
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 10 * time.Second
	}
	c := &Client{cfg: cfg, closed: make(chan struct{})}
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	go c.readLoop(conn)
	return c, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse signal url: %w", err)
	}
	if c.cfg.DisplayName != "" {
		q := u.Query()
		q.Set("name", c.cfg.DisplayName)
		u.RawQuery = q.Encode()
	}
	header := http.Header{}
	if c.cfg.ServiceToken != "" {
		header.Set(ServiceTokenHeader, c.cfg.ServiceToken)
		header.Set(ParticipantHeader, string(c.cfg.Participant))
	}
	conn, _, err := c.cfg.Dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	log.Debug().Str("module", "signal.client").Str("url", u.String()).Msg("connected")
	return conn, nil
}

func (c *Client) Join(ctx context.Context, sessionID domain.SessionID, role domain.Role) (core.Envelope, error) {
	ack := make(chan core.Envelope, 1)
	c.mu.Lock()
	c.ackCh = ack
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.ackCh == ack {
			c.ackCh = nil
		}
		c.mu.Unlock()
	}()

	if err := c.Send(ctx, core.Envelope{Type: core.MsgJoin, SessionID: sessionID, Role: role, Resume: true}); err != nil {
		return core.Envelope{}, err
	}
	timer := time.NewTimer(c.cfg.JoinTimeout)
	defer timer.Stop()
	select {
	case env := <-ack:
		if env.Type == core.MsgError {
			return env, core.ErrorFromCode(env.Code, env.Message)
		}
		c.mu.Lock()
		c.joined, c.role = sessionID, role
		c.mu.Unlock()
		return env, nil
	case <-timer.C:
		return core.Envelope{}, fmt.Errorf("join %s: %w", sessionID, context.DeadlineExceeded)
	case <-ctx.Done():
		return core.Envelope{}, ctx.Err()
	case <-c.closed:
		return core.Envelope{}, domain.ErrTransportDisconnected
	}
}

func (c *Client) Send(ctx context.Context, env core.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return domain.ErrTransportDisconnected
	}
	return c.write(ctx, conn, data)
}

func (c *Client) write(ctx context.Context, conn *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransportDisconnected, err)
	}
	return nil
}

func (c *Client) Subscribe(handler func(core.Envelope)) core.Subscription {
	return c.handlers.Add(handler)
}

func (c *Client) OnState(handler func(core.ChannelState, error)) core.Subscription {
	return c.states.Add(handler)
}

func (c *Client) Leave(ctx context.Context, sessionID domain.SessionID) error {
	c.mu.Lock()
	if c.joined == sessionID {
		c.joined, c.role = "", ""
	}
	c.mu.Unlock()
	return c.Send(ctx, core.Envelope{Type: core.MsgLeave, SessionID: sessionID})
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()
		if conn != nil {
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			c.writeMu.Unlock()
			_ = conn.Close()
		}
		c.handlers.Clear()
		c.states.Clear()
	})
	return nil
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.isClosed() {
				return
			}
			log.Warn().Err(err).Str("module", "signal.client").Msg("read error")
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			_ = conn.Close()
			go c.reconnect()
			return
		}
		env, err := core.ParseEnvelope(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "signal.client").Msg("bad frame")
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env core.Envelope) {
	if env.Type == core.MsgJoined || env.Type == core.MsgError {
		c.mu.Lock()
		ack := c.ackCh
		if ack != nil {
			c.ackCh = nil
		}
		c.mu.Unlock()
		if ack != nil {
			ack <- env
			return
		}
	}
	for _, h := range c.handlers.Snapshot() {
		h(env)
	}
}

func (c *Client) notify(state core.ChannelState, err error) {
	log.Info().Err(err).Str("module", "signal.client").Str("state", string(state)).Msg("channel state")
	for _, h := range c.states.Snapshot() {
		h(state, err)
	}
}

func (c *Client) reconnect() {
	c.notify(core.ChannelReconnecting, domain.ErrTransportDisconnected)
	backoff := c.cfg.ReconnectBackoff
	var lastErr error
	for attempt := 1; attempt <= c.cfg.ReconnectAttempts; attempt++ {
		select {
		case <-time.After(backoff):
		case <-c.closed:
			return
		}
		backoff *= 2

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.JoinTimeout)
		conn, err := c.dial(ctx)
		if err == nil {
			err = c.rejoin(ctx, conn)
		}
		cancel()
		if err != nil {
			lastErr = err
			log.Warn().Err(err).Str("module", "signal.client").Int("attempt", attempt).Msg("reconnect failed")
			if conn != nil {
				_ = conn.Close()
			}
			if errors.Is(err, domain.ErrSessionEnded) || errors.Is(err, domain.ErrNotAuthorized) {
				break
			}
			continue
		}

		c.mu.Lock()
		if c.isClosed() {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		c.mu.Unlock()
		go c.readLoop(conn)
		c.notify(core.ChannelRestored, nil)
		return
	}
	if lastErr == nil {
		lastErr = errors.New("no reconnect attempts configured")
	}
	c.notify(core.ChannelLost, fmt.Errorf("%w: %v", domain.ErrTransportDisconnected, lastErr))
}

// rejoin restores room membership on a fresh connection before it is handed
// to the read loop.
func (c *Client) rejoin(ctx context.Context, conn *websocket.Conn) error {
	c.mu.Lock()
	sessionID, role := c.joined, c.role
	c.mu.Unlock()
	if sessionID == "" {
		return nil
	}
	data, err := json.Marshal(core.Envelope{Type: core.MsgJoin, SessionID: sessionID, Role: role, Resume: true})
	if err != nil {
		return err
	}
	if err := c.write(ctx, conn, data); err != nil {
		return err
	}
	if d, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(d)
	}
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		env, err := core.ParseEnvelope(data)
		if err != nil {
			continue
		}
		switch env.Type {
		case core.MsgJoined:
			return nil
		case core.MsgError:
			return core.ErrorFromCode(env.Code, env.Message)
		default:
			c.dispatch(env)
		}
	}
}
