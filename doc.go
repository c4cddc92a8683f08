// Package kephasrpc lets a Go service contract be called over HTTP, WebSocket
// and Server-Sent Events with a small JSON envelope protocol.
//
// A contract is a Go interface. A Manager binds its methods once, and the same
// bindings drive both the server (package server) and the client (package
// client), so both sides agree on routes, verbs and value codecs.
//
// # Method kinds
//
//   - Unary: request/response over HTTP. Up to 6 parameters, any verb. GET
//     calls carry their arguments as p0..pN query parameters.
//   - Duplex: a WebSocket carrying a stream of values in each direction.
//   - Push: a Server-Sent Events stream of values from server to client.
//
// # Quick Start
//
//	type Greeter interface {
//	    Hello(ctx context.Context, name string) (string, error)
//	    Ticks(ctx context.Context, out *kephasrpc.Outbound[int]) error
//	}
//
//	m := kephasrpc.NewManager[Greeter]("Greeter")
//	kephasrpc.Bind1(m, "Hello", Greeter.Hello, kephasrpc.WithVerb(kephasrpc.GET))
//	kephasrpc.BindPush(m, "Ticks", Greeter.Ticks)
//
//	// Server
//	srv := server.New(server.NewConfig(":8080", server.DefaultRateLimitConfig(), server.AllOrigins(), nil, nil))
//	srv.RegisterService(ctx, m.Provide(kephasrpc.Singleton[Greeter](impl)))
//	srv.Start(ctx)
//
//	// Client
//	c := client.New(client.DefaultConfig("http://localhost:8080"))
//	msg, err := client.Call[string](ctx, c, m.MustLookup("Hello"), "world")
//
// # Routes
//
// Unless a method names its own route, it is served at
// <prefix>route<Service><n>, where the prefix is /rpc/, /rpcws/ or /rpcsse/
// by kind and n counts the methods bound without an explicit route. The
// prefixes are set per Manager with WithRoutePrefix, WithWebsocketPrefix and
// WithSSEPrefix.
//
// # Protocol Format
//
// Every unary call and every streamed value travels in an envelope whose
// parameters and result are themselves JSON text:
//
//	{"id":1,"method":"/rpc/routeGreeter0","params":["\"world\""]}
//	{"id":1,"result":"\"hello world\""}
//	{"id":1,"error":"balance too low","errorKind":"bank.InsufficientFunds","errorPayload":"{...}"}
//
// # Errors
//
//   - *SecurityError: HTTP 401, rebuilt as *SecurityError.
//   - *ServiceError: an expected business failure, not logged by the server.
//   - DomainError types registered in Exceptions keep their concrete type.
//   - Anything else arrives as *RemoteError carrying the message and type name.
//
// # Streams
//
// A stream ends when either side finishes. Values already sent are delivered
// first; the receiving end then yields io.EOF, or the error the remote method
// returned. Leaving a client handler cancels the context of the server method.
//
// # Important
//
//   - Bind methods before the server's Handler or Start is called; the route
//     table is frozen afterwards.
//   - Configure CheckOriginFn in production (never use server.AllOrigins() in production)
package kephasrpc
