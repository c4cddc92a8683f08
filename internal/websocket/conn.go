package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/kephasrpc"
)

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = 54 * time.Second
	closeGracePeriod = time.Second
	sendBufferSize   = 256
	maxFrameSize     = 10 * 1024 * 1024 // 10MB max frame size
)

var (
	// ErrConnClosed is returned by Send once the connection is closing.
	ErrConnClosed = errors.New(kephasrpc.ErrMsgConnectionClosed)

	// ErrRateLimited is returned by ReadFrame after the peer exceeded its
	// rate limit; the connection has been closed with 1008.
	ErrRateLimited = errors.New(kephasrpc.ErrMsgRateLimitExceeded)
)

// CheckOriginFn validates the origin of a WebSocket connection request.
type CheckOriginFn = func(r *http.Request) bool

// RateLimitConfig defines rate limiting of inbound frames per connection
type RateLimitConfig struct {
	// MessagesPerSecond defines how many frames a peer can send per second
	MessagesPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if rate limiting is active
	Enabled bool
}

// DefaultRateLimitConfig returns the default rate limit configuration
// Allows 100 frames per second with burst of 200
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MessagesPerSecond: 100,
		Burst:             200,
		Enabled:           true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled: false,
	}
}

// Conn is one WebSocket connection carrying envelope text frames. Writes go
// through a single write pump; reads are done by one reader calling ReadFrame.
type Conn struct {
	id          string
	conn        *websocket.Conn
	remoteAddr  string
	ctx         context.Context
	cancel      context.CancelFunc
	sendCh      chan []byte
	mu          sync.RWMutex
	closed      bool
	closeMsg    []byte
	rateLimiter *rate.Limiter // Rate limiter for incoming frames
	logger      *zap.Logger
}

// NewConn wraps an established connection and starts its write pump.
func NewConn(conn *websocket.Conn, remoteAddr string, rateLimitConfig *RateLimitConfig, logger *zap.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())

	var limiter *rate.Limiter
	if rateLimitConfig != nil && rateLimitConfig.Enabled {
		limiter = rate.NewLimiter(rateLimitConfig.MessagesPerSecond, rateLimitConfig.Burst)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	id := uuid.New().String()
	c := &Conn{
		id:          id,
		conn:        conn,
		remoteAddr:  remoteAddr,
		ctx:         ctx,
		cancel:      cancel,
		sendCh:      make(chan []byte, sendBufferSize),
		closeMsg:    websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		rateLimiter: limiter,
		logger:      logger.With(zap.String("conn_id", id), zap.String("remote_addr", remoteAddr)),
	}

	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.writePump()

	return c
}

// Upgrade performs the server side handshake and wraps the connection.
func Upgrade(w http.ResponseWriter, r *http.Request, checkOrigin CheckOriginFn, rateLimitConfig *RateLimitConfig, logger *zap.Logger) (*Conn, error) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewConn(conn, r.RemoteAddr, rateLimitConfig, logger), nil
}

// Dial opens a client connection to url. Client connections are not rate limited.
func Dial(ctx context.Context, url string, header http.Header, logger *zap.Logger) (*Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, &kephasrpc.SecurityError{}
		}
		return nil, err
	}
	return NewConn(conn, conn.RemoteAddr().String(), nil, logger), nil
}

// ID returns a unique identifier for the connection
func (c *Conn) ID() string {
	return c.id
}

// RemoteAddr returns the peer's network address
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// Context is cancelled once the connection is gone.
func (c *Conn) Context() context.Context {
	return c.ctx
}

// Logger returns the connection's logger.
func (c *Conn) Logger() *zap.Logger {
	return c.logger
}

// Send queues one text frame for the write pump.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return ErrConnClosed
	}

	// Keep the lock while sending to prevent race with Close()
	select {
	case c.sendCh <- data:
		c.mu.RUnlock()
		return nil
	case <-ctx.Done():
		c.mu.RUnlock()
		return ctx.Err()
	case <-c.ctx.Done():
		c.mu.RUnlock()
		return ErrConnClosed
	}
}

// ReadFrame blocks for the next frame from the peer. A peer over its rate
// limit gets the connection closed with 1008 and ErrRateLimited is returned.
// Any read error cancels the connection context.
func (c *Conn) ReadFrame() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
			c.logger.Debug("unexpected websocket close", zap.Error(err))
		}
		c.cancel()
		return nil, err
	}

	// Reset read deadline after successful read
	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	if !c.CheckRateLimit() {
		c.logger.Warn("rate limit exceeded")
		c.CloseWithCode(websocket.ClosePolicyViolation, kephasrpc.ErrMsgRateLimitExceeded)
		return nil, ErrRateLimited
	}
	return data, nil
}

// Shutdown flushes the frames already queued, then sends a close frame with
// code and reason and waits briefly for the peer's reply before closing.
func (c *Conn) Shutdown(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.closeMsg = websocket.FormatCloseMessage(code, reason)
	close(c.sendCh)
}

// Close aborts the connection with a normal closure code.
func (c *Conn) Close() error {
	return c.CloseWithCode(websocket.CloseNormalClosure, "")
}

// CloseWithCode aborts the connection with a close code and optional reason.
// Frames still queued are dropped.
func (c *Conn) CloseWithCode(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cancel()
	if c.closed {
		return c.conn.Close()
	}
	c.closed = true

	message := websocket.FormatCloseMessage(code, reason)
	c.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))

	close(c.sendCh)
	return c.conn.Close()
}

// IsAlive returns true if the connection is still active
func (c *Conn) IsAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed && c.ctx.Err() == nil
}

// CheckRateLimit reports whether one more inbound frame is allowed.
func (c *Conn) CheckRateLimit() bool {
	if c.rateLimiter == nil {
		// Rate limiting disabled
		return true
	}
	return c.rateLimiter.Allow()
}

// writePump pumps frames from the send channel to the websocket connection
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.cancel()
	}()

	for {
		select {
		case message, ok := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed: say goodbye and give the peer a moment to answer
				c.conn.WriteMessage(websocket.CloseMessage, c.closeMsg)
				timer := time.NewTimer(closeGracePeriod)
				defer timer.Stop()
				select {
				case <-c.ctx.Done():
				case <-timer.C:
				}
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("websocket write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			// Send ping to keep connection alive
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// IsUpgrade reports whether r asks for a WebSocket handshake.
func IsUpgrade(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}
