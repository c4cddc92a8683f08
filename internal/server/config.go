package server

import (
	"time"

	"go.uber.org/zap"

	"github.com/luciancaetano/kephasrpc"
	"github.com/luciancaetano/kephasrpc/internal/websocket"
)

// OnConnectFn is called when a duplex or push session opens, before the
// bound method starts.
type OnConnectFn = func(session kephasrpc.Session)

// OnDisconnectFn is called when a session ends. voluntary is true when the
// session ended without error.
type OnDisconnectFn = func(session kephasrpc.Session, voluntary bool)

// Config holds the settings of a Server.
type Config struct {
	// Addr is the network address to listen on (e.g. ":8080").
	Addr string
	// AdvertiseURL is the base URL published for discovery. Empty means
	// http://<listen address>.
	AdvertiseURL string
	// RateLimitConfig limits inbound WebSocket frames per connection.
	RateLimitConfig *websocket.RateLimitConfig
	// CheckOrigin validates WebSocket handshakes.
	CheckOrigin websocket.CheckOriginFn
	OnConnect   OnConnectFn
	// OnClientDisconnect is called when a session ends.
	OnClientDisconnect OnDisconnectFn
	// Logger receives faults and connection events. Nil disables logging.
	Logger *zap.Logger
	// Exceptions is the set of domain errors whose type survives the wire.
	Exceptions *kephasrpc.Exceptions
	// Middlewares wrap every unary call, outermost first.
	Middlewares []Middleware
	// Publisher announces the server on Start when set.
	Publisher kephasrpc.Publisher
	// MaxBodySize bounds unary request bodies. Zero means 10MB.
	MaxBodySize int64
	// PushKeepAlive is the interval of comment lines on idle event streams.
	// Zero means 30s; a negative value disables them.
	PushKeepAlive time.Duration
}
