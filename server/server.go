// Package server is the public entry point for hosting services.
package server

import (
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/kephasrpc"
	iserver "github.com/luciancaetano/kephasrpc/internal/server"
	"github.com/luciancaetano/kephasrpc/internal/websocket"
)

type RateLimitConfig = websocket.RateLimitConfig
type CheckOriginFn = websocket.CheckOriginFn
type OnConnectFn = iserver.OnConnectFn
type OnDisconnectFn = iserver.OnDisconnectFn
type ServerConfig = *iserver.Config

// Unary middleware types.
type (
	Middleware  = iserver.Middleware
	HandlerFunc = iserver.HandlerFunc
	Call        = iserver.Call
	Outcome     = iserver.Outcome
)

// New creates a server with rate limiting and connection callbacks.
//
// Example:
//
//	cfg := server.NewConfig(":8080", server.DefaultRateLimitConfig(), server.AllOrigins(), nil, nil)
//	cfg.Logger = logger
//	cfg.Exceptions = bank.Exceptions()
//	srv := server.New(cfg)
func New(cfg ServerConfig) kephasrpc.Server {
	return iserver.New(cfg)
}

// NewConfig builds a configuration. The remaining fields (Logger, Exceptions,
// Middlewares, Publisher, AdvertiseURL) can be set on the result.
func NewConfig(addr string, rateLimitConfig *RateLimitConfig, checkOrigin CheckOriginFn, onConnect OnConnectFn, onDisconnect OnDisconnectFn) ServerConfig {
	return &iserver.Config{
		Addr:               addr,
		RateLimitConfig:    rateLimitConfig,
		CheckOrigin:        checkOrigin,
		OnConnect:          onConnect,
		OnClientDisconnect: onDisconnect,
	}
}

// AllOrigins returns the default checkOrigin function that allows all origins
func AllOrigins() CheckOriginFn {
	return func(r *http.Request) bool {
		return true
	}
}

// DefaultRateLimitConfig returns the default rate limit configuration
func DefaultRateLimitConfig() *RateLimitConfig {
	return websocket.DefaultRateLimitConfig()
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return websocket.NoRateLimit()
}

// Chain composes middlewares; the first one is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return iserver.Chain(middlewares...)
}

// LoggingMiddleware logs every unary call at Debug.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return iserver.LoggingMiddleware(logger)
}

// TimeoutMiddleware fails unary calls running longer than timeout.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return iserver.TimeoutMiddleware(timeout)
}

// RateLimitMiddleware admits r unary calls per second with the given burst.
func RateLimitMiddleware(r rate.Limit, burst int) Middleware {
	return iserver.RateLimitMiddleware(r, burst)
}
