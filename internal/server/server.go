package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luciancaetano/kephasrpc"
	"github.com/luciancaetano/kephasrpc/internal/protocol"
	"github.com/luciancaetano/kephasrpc/internal/route"
	"github.com/luciancaetano/kephasrpc/internal/websocket"
)

const (
	defaultMaxBodySize   = 10 * 1024 * 1024
	defaultPushKeepAlive = 30 * time.Second
)

// endpoint is a registered route: the bound method and its HTTP handler.
type endpoint struct {
	ep    *kephasrpc.Endpoint
	serve http.HandlerFunc
}

// closer is an open session the server can end on Stop.
type closer interface {
	kephasrpc.Session
	Close() error
}

// Server implements kephasrpc.Server on net/http.
type Server struct {
	cfg      Config
	logger   *zap.Logger
	registry *route.Registry[*endpoint]
	services []kephasrpc.Service
	dispatch HandlerFunc
	meta     http.Handler
	sessions sync.Map // map[string]closer

	mu       sync.RWMutex
	frozen   bool
	running  bool
	server   *http.Server
	listener net.Listener
	baseURL  string
}

// New creates a server instance with the specified configuration.
//
// A nil RateLimitConfig means websocket.DefaultRateLimitConfig(); a nil
// Logger disables logging.
func New(cfg *Config) *Server {
	c := *cfg
	if c.RateLimitConfig == nil {
		c.RateLimitConfig = websocket.DefaultRateLimitConfig()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = defaultMaxBodySize
	}

	s := &Server{
		cfg:      c,
		logger:   c.Logger,
		registry: route.New[*endpoint](),
	}
	d := &dispatcher{exceptions: c.Exceptions}
	s.dispatch = Chain(c.Middlewares...)(d.dispatch)
	s.meta = newMeta(s)
	return s
}

// RegisterService adds every endpoint of svc to the route table.
func (s *Server) RegisterService(ctx context.Context, svc kephasrpc.Service) error {
	if err := svc.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frozen {
		return errors.New(kephasrpc.ErrMsgServerRunning)
	}

	eps := svc.Endpoints()
	for i := range eps {
		ep := &eps[i]
		if other, ok := s.registry.FindHandler(string(ep.Verb), ep.Path); ok {
			return fmt.Errorf("%s: %s %s of %s.%s is taken by %s.%s", kephasrpc.ErrMsgRouteTaken,
				ep.Verb, ep.Path, ep.Service, ep.Name, other.ep.Service, other.ep.Name)
		}
		if ep.Path == kephasrpc.MetaPath {
			return fmt.Errorf("%s: %s is reserved", kephasrpc.ErrMsgRouteTaken, ep.Path)
		}
	}

	for i := range eps {
		ep := &eps[i]
		e := &endpoint{ep: ep}
		switch ep.Kind {
		case kephasrpc.Unary:
			e.serve = s.serveUnary(ep)
		case kephasrpc.Duplex:
			e.serve = s.serveDuplex(ep)
		case kephasrpc.Push:
			e.serve = s.servePush(ep)
		}
		s.registry.AddRoute(string(ep.Verb), ep.Path, e)
		s.logger.Debug("route registered", zap.Stringer("endpoint", ep.Descriptor))
	}
	s.services = append(s.services, svc)
	return nil
}

// Routes lists every registered route ordered by verb and path.
func (s *Server) Routes() []kephasrpc.RouteInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.registry.All()
	routes := make([]kephasrpc.RouteInfo, len(entries))
	for i, e := range entries {
		routes[i] = kephasrpc.RouteInfo{
			Service: e.Handler.ep.Service,
			Method:  e.Handler.ep.Name,
			Verb:    kephasrpc.Verb(e.Verb),
			Path:    e.Path,
			Kind:    e.Handler.ep.Kind.String(),
		}
	}
	return routes
}

// Handler freezes the route table and returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	s.mu.Lock()
	s.frozen = true
	s.mu.Unlock()
	return s
}

// ServeHTTP routes r to its endpoint. The route table is read without locks:
// it no longer changes once frozen.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == kephasrpc.MetaPath {
		s.meta.ServeHTTP(w, r)
		return
	}

	verb, ok := kephasrpc.ParseVerb(r.Method)
	if websocket.IsUpgrade(r) {
		// Handshakes are GETs; duplex routes are bound as POST.
		verb, ok = kephasrpc.POST, true
	}
	if !ok {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	e, found := s.registry.FindHandler(string(verb), r.URL.Path)
	if !found || (e.ep.Kind == kephasrpc.Duplex) != websocket.IsUpgrade(r) {
		http.Error(w, kephasrpc.ErrMsgMethodNotFound, http.StatusNotFound)
		return
	}
	e.serve(w, r)
}

// Start starts listening on the configured address.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New(kephasrpc.ErrMsgServerRunning)
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.running = true
	s.frozen = true
	s.listener = ln
	s.server = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(s.logger),
	}
	s.baseURL = s.cfg.AdvertiseURL
	if s.baseURL == "" {
		s.baseURL = "http://" + ln.Addr().String()
	}
	srv, services, baseURL := s.server, s.services, s.baseURL
	routes := s.registry.Len()
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("server stopped", zap.Error(err))
		}
	}()
	s.logger.Info("server started", zap.String("addr", ln.Addr().String()),
		zap.Int("routes", routes), zap.Strings("exceptions", s.cfg.Exceptions.Kinds()))

	if s.cfg.Publisher != nil {
		for _, svc := range services {
			if err := s.cfg.Publisher.Register(ctx, svc.Name(), baseURL); err != nil {
				stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				s.Stop(stopCtx)
				return fmt.Errorf("publish %s: %w", svc.Name(), err)
			}
		}
	}
	return nil
}

// Stop deregisters the services, closes all sessions and shuts down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	srv, services, baseURL := s.server, s.services, s.baseURL
	s.mu.Unlock()

	if s.cfg.Publisher != nil {
		for _, svc := range services {
			if err := s.cfg.Publisher.Deregister(ctx, svc.Name(), baseURL); err != nil {
				s.logger.Warn("deregister failed", zap.String("service", svc.Name()), zap.Error(err))
			}
		}
	}

	// Close all open sessions
	s.sessions.Range(func(key, value any) bool {
		if c, ok := value.(closer); ok {
			c.Close()
		}
		return true
	})

	return srv.Shutdown(ctx)
}

// Addr returns the listening address once started, or the configured one.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// serveUnary answers one unary call with a response envelope, or with a
// plain 401 for security errors.
func (s *Server) serveUnary(ep *kephasrpc.Endpoint) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		call := &Call{Endpoint: ep, Request: r}

		if ep.Verb == kephasrpc.GET {
			call.Params = protocol.DecodeQuery(r.URL.Query(), ep.Arity())
		} else {
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodySize))
			if err != nil {
				status := http.StatusBadRequest
				if errors.As(err, new(*http.MaxBytesError)) {
					status = http.StatusRequestEntityTooLarge
				}
				s.writeEnvelope(w, status, protocol.Failure(0, kephasrpc.ErrMsgInvalidRequest, "", nil))
				return
			}
			req, err := protocol.DecodeRequest(body)
			if err != nil {
				s.writeEnvelope(w, http.StatusBadRequest, protocol.Failure(0, kephasrpc.ErrMsgInvalidRequest, "", nil))
				return
			}
			call.ID, call.Params = req.ID, req.Params
		}

		out := s.dispatch(r.Context(), call)
		s.logOutcome(ep, out)

		if out.Kind == OutcomeSecurity {
			http.Error(w, out.Message, http.StatusUnauthorized)
			return
		}
		s.writeEnvelope(w, http.StatusOK, out.Response(call.ID))
	}
}

func (s *Server) writeEnvelope(w http.ResponseWriter, status int, resp *protocol.Response) {
	data, err := protocol.EncodeResponse(resp)
	if err != nil {
		s.logger.Error("cannot encode response", zap.Error(err))
		data, _ = protocol.EncodeResponse(protocol.Failure(resp.ID, kephasrpc.ErrMsgInternalError, "", nil))
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", protocol.ContentType)
	w.WriteHeader(status)
	w.Write(data)
}

// logOutcome logs faults. Domain, security and parameter errors are expected
// outcomes and stay quiet.
func (s *Server) logOutcome(ep *kephasrpc.Endpoint, out Outcome) {
	if out.Kind != OutcomeFault {
		return
	}
	s.logger.Error("call failed",
		zap.String("method", ep.Service+"."+ep.Name),
		zap.String("path", ep.Path),
		zap.String("error_type", out.ErrorKind),
		zap.Error(out.Err))
}

// resolve gets the service instance for a stream before the connection is
// taken over, so that factory failures can still be answered over HTTP.
func (s *Server) resolve(w http.ResponseWriter, r *http.Request, ep *kephasrpc.Endpoint) (any, bool) {
	svc, err := ep.Resolve(r)
	if err == nil {
		return svc, true
	}
	out := Classify(err, s.cfg.Exceptions)
	s.logOutcome(ep, out)
	if out.Kind == OutcomeSecurity {
		http.Error(w, out.Message, http.StatusUnauthorized)
		return nil, false
	}
	http.Error(w, strings.TrimSpace(out.Message), http.StatusInternalServerError)
	return nil, false
}
