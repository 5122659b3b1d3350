package speech

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	maxReconnectDelay = 30 * time.Second
	connectPollEvery  = 10 * time.Millisecond
)

// conn owns one outbound websocket to a cloud speech service. It handles
// dialing, reconnect backoff, ping/pong liveness, and idle close; the
// recognizer and synthesizer layer session semantics on top of it.
type conn struct {
	name   string
	cfg    Config
	logger *zap.Logger

	onMessage    func(data []byte)
	onDisconnect func(err error)
	idleEligible func() bool

	mu         sync.Mutex
	ws         *websocket.Conn
	connected  bool
	connecting bool
	destroyed  bool
	cleanClose bool
	attempts   int

	pingStop       chan struct{}
	pongTimer      *time.Timer
	idleTimer      *time.Timer
	reconnectTimer *time.Timer

	writeMu sync.Mutex
}

func newConn(name string, cfg Config, logger *zap.Logger) *conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &conn{
		name:   name,
		cfg:    cfg,
		logger: logger,
	}
}

// ensureConnected opens the socket if needed. If another connect is already
// in flight it waits for that one instead of opening a second socket.
func (c *conn) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrClientDestroyed
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	if c.connecting {
		c.mu.Unlock()
		return c.waitConnected(ctx)
	}
	c.connecting = true
	c.mu.Unlock()

	return c.dial(ctx)
}

func (c *conn) waitConnected(ctx context.Context) error {
	timer := time.NewTimer(c.cfg.ConnectTimeout)
	defer timer.Stop()
	ticker := time.NewTicker(connectPollEvery)
	defer ticker.Stop()

	for {
		c.mu.Lock()
		connected := c.connected
		connecting := c.connecting
		destroyed := c.destroyed
		c.mu.Unlock()

		if destroyed {
			return ErrClientDestroyed
		}
		if connected {
			return nil
		}
		if !connecting {
			return ErrNotConnected
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return ErrConnectTimeout
		case <-ticker.C:
		}
	}
}

func (c *conn) dial(ctx context.Context) error {
	headers := http.Header{}
	if c.cfg.AccessToken != "" {
		headers.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}
	ws, resp, err := dialer.DialContext(ctx, c.cfg.URL, headers)
	if err != nil {
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			authErr := &AuthError{Status: resp.StatusCode}
			c.logger.Error("speech connect rejected",
				zap.String("client", c.name),
				zap.Error(authErr),
			)
			return authErr
		}
		c.logger.Warn("speech connect failed",
			zap.String("client", c.name),
			zap.Error(err),
		)
		c.scheduleReconnect()
		return err
	}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		_ = ws.Close()
		return ErrClientDestroyed
	}
	if c.ws != nil {
		_ = c.ws.Close()
	}
	c.ws = ws
	c.connected = true
	c.connecting = false
	c.cleanClose = false
	c.attempts = 0
	pingStop := make(chan struct{})
	c.pingStop = pingStop
	c.mu.Unlock()

	ws.SetPongHandler(func(string) error {
		c.clearPongTimer()
		return nil
	})

	c.logger.Info("speech connected",
		zap.String("client", c.name),
		zap.String("url", c.cfg.URL),
	)

	go c.readLoop(ws)
	go c.pingLoop(ws, pingStop)
	return nil
}

func (c *conn) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.handleDisconnect(ws, err)
			return
		}
		if c.onMessage != nil {
			c.onMessage(data)
		}
	}
}

func (c *conn) pingLoop(ws *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.PongTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
			c.armPongTimer(ws)
		}
	}
}

// armPongTimer starts the pong deadline for one ping. An unanswered pong
// terminates the socket abruptly so the reconnect path takes over.
func (c *conn) armPongTimer(ws *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed || c.ws != ws {
		return
	}
	if c.pongTimer != nil {
		c.pongTimer.Stop()
	}
	c.pongTimer = time.AfterFunc(c.cfg.PongTimeout, func() {
		c.logger.Warn("speech pong timeout, terminating connection",
			zap.String("client", c.name),
		)
		_ = ws.Close()
	})
}

func (c *conn) clearPongTimer() {
	c.mu.Lock()
	if c.pongTimer != nil {
		c.pongTimer.Stop()
		c.pongTimer = nil
	}
	c.mu.Unlock()
}

func (c *conn) handleDisconnect(ws *websocket.Conn, err error) {
	c.mu.Lock()
	if c.ws != ws {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.connected = false
	if c.pingStop != nil {
		close(c.pingStop)
		c.pingStop = nil
	}
	if c.pongTimer != nil {
		c.pongTimer.Stop()
		c.pongTimer = nil
	}
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
	destroyed := c.destroyed
	clean := c.cleanClose || websocket.IsCloseError(err, websocket.CloseNormalClosure)
	c.cleanClose = false
	c.mu.Unlock()

	_ = ws.Close()

	if c.onDisconnect != nil {
		c.onDisconnect(err)
	}
	if destroyed || clean {
		return
	}
	c.logger.Warn("speech connection lost",
		zap.String("client", c.name),
		zap.Error(err),
	)
	c.scheduleReconnect()
}

// reconnectDelay grows linearly with the attempt number and is capped.
func (c *conn) reconnectDelay(attempt int) time.Duration {
	delay := c.cfg.ReconnectDelay * time.Duration(attempt)
	if delay > maxReconnectDelay {
		delay = maxReconnectDelay
	}
	return delay
}

func (c *conn) scheduleReconnect() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.attempts++
	attempt := c.attempts
	if attempt > c.cfg.MaxReconnectAttempts {
		c.mu.Unlock()
		c.logger.Error("speech reconnect attempts exhausted",
			zap.String("client", c.name),
			zap.Int("attempts", attempt-1),
		)
		return
	}
	delay := c.reconnectDelay(attempt)
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.destroyed || c.connected || c.connecting {
			c.mu.Unlock()
			return
		}
		c.connecting = true
		c.mu.Unlock()
		_ = c.dial(context.Background())
	})
	c.mu.Unlock()

	c.logger.Info("speech reconnect scheduled",
		zap.String("client", c.name),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
	)
}

// armIdle starts the idle-close countdown. When it fires and the owner still
// has no active session, the connection is closed cleanly to release
// server-side resources.
func (c *conn) armIdle() {
	c.mu.Lock()
	if c.destroyed || c.cfg.IdleClose <= 0 {
		c.mu.Unlock()
		return
	}
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.idleTimer = time.AfterFunc(c.cfg.IdleClose, func() {
		if c.idleEligible != nil && !c.idleEligible() {
			return
		}
		c.logger.Info("speech idle close", zap.String("client", c.name))
		c.closeGraceful()
	})
	c.mu.Unlock()
}

func (c *conn) clearIdle() {
	c.mu.Lock()
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
	c.mu.Unlock()
}

func (c *conn) closeGraceful() {
	c.mu.Lock()
	ws := c.ws
	if ws == nil {
		c.mu.Unlock()
		return
	}
	c.cleanClose = true
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = ws.Close()
}

func (c *conn) isConnected() bool {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	return connected
}

func (c *conn) sendBinary(data []byte) error {
	c.mu.Lock()
	ws := c.ws
	connected := c.connected
	c.mu.Unlock()
	if !connected || ws == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteMessage(websocket.BinaryMessage, data)
}

// destroy tears the connection down for good. Every timer set anywhere in
// this type is cleared here.
func (c *conn) destroy() {
	c.mu.Lock()
	c.destroyed = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.pongTimer != nil {
		c.pongTimer.Stop()
		c.pongTimer = nil
	}
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
	if c.pingStop != nil {
		close(c.pingStop)
		c.pingStop = nil
	}
	ws := c.ws
	c.ws = nil
	c.connected = false
	c.connecting = false
	c.mu.Unlock()

	if ws != nil {
		_ = ws.Close()
	}
}
