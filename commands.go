package kephasrpc

// Default route prefixes. Unary methods live under RoutePrefix, duplex
// streams under WebsocketPrefix and push streams under SSEPrefix.
const (
	RoutePrefix     = "/rpc/"
	WebsocketPrefix = "/rpcws/"
	SSEPrefix       = "/rpcsse/"

	// DefaultRouteName starts every generated route: route<Service><n>.
	DefaultRouteName = "route"

	// MetaPath serves the JSON-RPC 2.0 route introspection service.
	MetaPath = "/rpcmeta"
)

// MaxArity is the largest supported number of unary method parameters.
const MaxArity = 6

// Error kinds carried in the errorKind field of a response envelope.
const (
	KindSecurity = "kephasrpc.SecurityError"
	KindService  = "kephasrpc.ServiceError"
)

// Standard error messages
const (
	// Protocol errors
	ErrMsgInvalidParams     = "Invalid parameters"
	ErrMsgInvalidRequest    = "Invalid request"
	ErrMsgInvalidResponse   = "Invalid response"
	ErrMsgInvalidResponseID = "Invalid response ID"
	ErrMsgMethodNotFound    = "Method not found"
	ErrMsgInternalError     = "Internal error"

	// Connection errors
	ErrMsgConnectionClosed  = "connection is closed"
	ErrMsgRateLimitExceeded = "Rate limit exceeded"
	ErrMsgServerRunning     = "server already running"
	ErrMsgRouteTaken        = "route already registered"
)
