package kephasrpc

import (
	"context"
	"net/http"
)

// Server hosts bound services: unary methods over plain HTTP, duplex methods
// over WebSocket and push methods over Server-Sent Events.
//
// Example usage:
//
//	srv := server.New(server.NewConfig(":8080", server.DefaultRateLimitConfig(), server.AllOrigins(), nil, nil))
//	if err := srv.RegisterService(ctx, bank.Provide(bank.NewService())); err != nil {
//	    log.Fatal(err)
//	}
//	srv.Start(ctx)
type Server interface {
	// Start begins listening on the configured address and publishes every
	// registered service when a Publisher is configured.
	//
	// Returns an error if the server is already running or if there's a problem
	// binding to the network address.
	Start(ctx context.Context) error

	// Stop deregisters the services, closes every open session and shuts the
	// HTTP server down.
	Stop(ctx context.Context) error

	// RegisterService adds every endpoint of svc to the route table.
	//
	// Services must be registered before the server starts serving. A route
	// already taken by another service is an error and nothing of svc is
	// registered.
	RegisterService(ctx context.Context, svc Service) error

	// Handler returns the server as an http.Handler, for mounting in another
	// mux or in httptest. The route table is frozen on first use.
	Handler() http.Handler

	// Routes lists every registered route ordered by verb and path.
	Routes() []RouteInfo

	// Addr returns the listening address once started, or the configured one.
	Addr() string
}

// Session is one open duplex or push connection.
//
// Each session has a unique identifier; its context is cancelled when the
// connection ends.
type Session interface {
	// ID returns a unique identifier for the session.
	ID() string

	// RemoteAddr returns the peer's network address.
	RemoteAddr() string

	// Context returns the session's lifecycle context.
	Context() context.Context

	// IsAlive returns true if the connection is still active.
	IsAlive() bool
}

// RouteInfo describes one registered route.
type RouteInfo struct {
	Service string `json:"service"`
	Method  string `json:"method"`
	Verb    Verb   `json:"verb"`
	Path    string `json:"path"`
	Kind    string `json:"kind"`
}

// Publisher announces the base URL of a running server under each of its
// service names, for clients that discover servers instead of dialing a
// fixed address.
type Publisher interface {
	Register(ctx context.Context, service, baseURL string) error
	Deregister(ctx context.Context, service, baseURL string) error
}
