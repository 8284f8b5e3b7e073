package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/pkg/config"
	"peercall/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrHandshakeRejected is returned when the relay refuses the upgrade with
// a 4xx status. It is not retried.
var ErrHandshakeRejected = errors.New("relay rejected handshake")

type ClientConfig struct {
	URL           string
	ParticipantID domain.ParticipantID
	Token         string
	SendQueueSize int

	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration

	Reconnect retry.Config
}

func ClientConfigFromConfig(cfg *config.Config) ClientConfig {
	rc := cfg.Client.Reconnect
	return ClientConfig{
		URL:           cfg.Client.RelayURL,
		ParticipantID: domain.ParticipantID(cfg.Client.ParticipantID),
		Token:         cfg.Client.Token,
		SendQueueSize: cfg.Client.SendQueueSize,
		PingInterval:  cfg.Signal.PingInterval,
		PongTimeout:   cfg.Signal.PongTimeout,
		WriteTimeout:  cfg.Signal.WriteTimeout,
		Reconnect: retry.Config{
			Enabled:      rc.MaxAttempts > 0,
			MaxAttempts:  rc.MaxAttempts,
			InitialDelay: rc.InitialDelay,
			MaxDelay:     rc.MaxDelay,
			Multiplier:   2.0,
			Jitter:       true,
		},
	}
}

// Client is the websocket Transport to the relay. Emit never blocks: frames
// wait in a bounded queue and survive reconnects.
type Client struct {
	cfg    ClientConfig
	dialer *websocket.Dialer
	router *Router
	send   chan []byte
	logger *zap.SugaredLogger

	connected atomic.Bool
	closed    chan struct{}
	closeOnce sync.Once
	running   atomic.Bool
}

var _ ports.Transport = (*Client)(nil)

func NewClient(cfg ClientConfig, logger *zap.SugaredLogger) *Client {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 128
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Client{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		router: NewRouter(logger),
		send:   make(chan []byte, cfg.SendQueueSize),
		logger: logger,
		closed: make(chan struct{}),
	}
}

// Emit queues payload under event.
func (c *Client) Emit(ctx context.Context, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.closed:
		return domain.ErrTransportClosed
	default:
	}

	msg, err := encodeEnvelope(event, payload)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}

	select {
	case c.send <- msg:
		return nil
	default:
		return fmt.Errorf("%w: %s", domain.ErrSendQueueFull, event)
	}
}

func (c *Client) On(event string, handler ports.EventHandler) (func(), error) {
	return c.router.On(event, handler)
}

func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Check implements monitoring.Checker.
func (c *Client) Check(ctx context.Context) error {
	if !c.Connected() {
		return fmt.Errorf("not connected to relay %s", c.cfg.URL)
	}
	return nil
}

// Close stops Run and fails further Emits.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Run connects and serves until ctx is done or Close is called, redialing
// with backoff whenever the connection drops. It returns the dial error once
// reconnect attempts are exhausted.
func (c *Client) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("client already running")
	}
	defer c.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	reconnect := c.cfg.Reconnect
	reconnect.NonRetryableErrors = append(reconnect.NonRetryableErrors, ErrHandshakeRejected)
	reconnect.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.logger.Warnw("relay dial failed, retrying", "attempt", attempt, "delay", delay, "error", err)
	}

	for {
		conn, err := retry.RetryWithResult(ctx, reconnect, func() (*websocket.Conn, error) {
			return c.dial(ctx)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("connect to relay: %w", err)
		}

		c.logger.Infow("connected to relay", "url", c.cfg.URL, "participant_id", c.cfg.ParticipantID)
		err = c.serve(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warnw("relay connection lost", "error", err)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeRejected, err)
	}
	q := u.Query()
	if c.cfg.ParticipantID != "" {
		q.Set("participant_id", string(c.cfg.ParticipantID))
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, fmt.Errorf("%w: status %d", ErrHandshakeRejected, resp.StatusCode)
		}
		return nil, err
	}
	return conn, nil
}

// serve pumps one connection. Inbound frames are dispatched from the read
// goroutine in receipt order.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	c.connected.Store(true)
	defer c.connected.Store(false)
	defer conn.Close()

	readErr := make(chan error, 1)
	go func() {
		readErr <- c.readLoop(conn)
	}()

	var pings <-chan time.Time
	if c.cfg.PingInterval > 0 {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		pings = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			c.flush(conn)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.cfg.WriteTimeout))
			return ctx.Err()

		case err := <-readErr:
			return err

		case msg := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Warnw("dropping frame after write failure", "error", err)
				return err
			}

		case <-pings:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				return err
			}
		}
	}
}

// flush writes whatever is already queued, so frames emitted just before
// shutdown (a final endCall) still reach the relay.
func (c *Client) flush(conn *websocket.Conn) {
	for {
		select {
		case msg := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	if c.cfg.PongTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		})
		conn.SetPingHandler(func(data string) error {
			conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
			err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.cfg.WriteTimeout))
			if errors.Is(err, websocket.ErrCloseSent) {
				return nil
			}
			return err
		})
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if c.cfg.PongTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
			c.logger.Warnw("ignoring malformed frame from relay", "error", err)
			continue
		}
		c.router.Dispatch(env.Event, env.Data)
	}
}
