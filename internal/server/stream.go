package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/luciancaetano/kephasrpc"
	"github.com/luciancaetano/kephasrpc/internal/protocol"
	"github.com/luciancaetano/kephasrpc/internal/queue"
	"github.com/luciancaetano/kephasrpc/internal/sse"
	"github.com/luciancaetano/kephasrpc/internal/websocket"
)

// framing reads request envelopes from clients and writes result envelopes
// back. A failure ends the stream with one error envelope.
func (s *Server) framing(ep *kephasrpc.Endpoint) websocket.Framing {
	return websocket.Framing{
		Wrap: func(value string) ([]byte, error) {
			return protocol.EncodeResponse(protocol.Result(0, value))
		},
		Unwrap: func(frame []byte) (string, error) {
			req, err := protocol.DecodeRequest(frame)
			if err != nil {
				return "", fmt.Errorf("%w: %v", websocket.ErrMalformedFrame, err)
			}
			if len(req.Params) == 0 || req.Params[0] == nil {
				return "null", nil
			}
			return *req.Params[0], nil
		},
		Failure: func(err error) []byte {
			return s.failureFrame(ep, err)
		},
	}
}

func (s *Server) failureFrame(ep *kephasrpc.Endpoint, err error) []byte {
	out := Classify(err, s.cfg.Exceptions)
	s.logOutcome(ep, out)
	data, encErr := protocol.EncodeResponse(out.Response(0))
	if encErr != nil {
		return nil
	}
	return data
}

// serveDuplex upgrades the request and runs the bound method over the
// connection until either side ends it.
func (s *Server) serveDuplex(ep *kephasrpc.Endpoint) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc, ok := s.resolve(w, r, ep)
		if !ok {
			return
		}

		conn, err := websocket.Upgrade(w, r, s.cfg.CheckOrigin, s.cfg.RateLimitConfig,
			s.logger.With(zap.String("path", ep.Path)))
		if err != nil {
			// The upgrader has already answered the request.
			s.logger.Debug("websocket upgrade failed", zap.Error(err))
			return
		}

		s.sessions.Store(conn.ID(), conn)
		defer s.sessions.Delete(conn.ID())

		if s.cfg.OnConnect != nil {
			s.cfg.OnConnect(conn)
		}

		bridge := websocket.NewBridge(conn, s.framing(ep))
		err = bridge.Run(r.Context(), func(ctx context.Context, in kephasrpc.RawInbound, out kephasrpc.RawOutbound) error {
			return ep.Duplex(ctx, svc, in, out)
		})

		if s.cfg.OnClientDisconnect != nil {
			s.cfg.OnClientDisconnect(conn, err == nil || errors.Is(err, context.Canceled))
		}
	}
}

// pushSession is the Session of one event stream.
type pushSession struct {
	id         string
	remoteAddr string
	ctx        context.Context
	cancel     context.CancelFunc
}

func (p *pushSession) ID() string               { return p.id }
func (p *pushSession) RemoteAddr() string       { return p.remoteAddr }
func (p *pushSession) Context() context.Context { return p.ctx }
func (p *pushSession) IsAlive() bool            { return p.ctx.Err() == nil }

func (p *pushSession) Close() error {
	p.cancel()
	return nil
}

// servePush streams the values produced by the bound method as events. The
// method's context ends when the client goes away.
func (s *Server) servePush(ep *kephasrpc.Endpoint) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc, ok := s.resolve(w, r, ep)
		if !ok {
			return
		}

		writer, err := sse.NewWriter(w)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		session := &pushSession{id: uuid.New().String(), remoteAddr: r.RemoteAddr, ctx: ctx, cancel: cancel}
		logger := s.logger.With(zap.String("conn_id", session.id), zap.String("path", ep.Path))
		s.sessions.Store(session.id, session)
		defer s.sessions.Delete(session.id)

		if s.cfg.OnConnect != nil {
			s.cfg.OnConnect(session)
		}
		logger.Debug("push session opened")

		out := queue.New[string]()
		done := make(chan error, 1)
		go func() {
			err := runPush(ctx, ep, svc, out)
			out.Close()
			done <- err
		}()

		stopKeepAlive := keepAlive(ctx, cancel, writer, s.cfg.PushKeepAlive)
		pumpErr := pumpEvents(ctx, writer, out)
		if pumpErr != nil {
			// Client gone or write failed: stop the method, including sends
			// made under a context of its own.
			cancel()
			out.Close()
		}
		err = <-done
		stopKeepAlive()

		if pumpErr == nil && err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, kephasrpc.ErrClosed) {
			if frame := s.failureFrame(ep, err); frame != nil {
				writer.Event(frame)
			}
		}

		logger.Debug("push session closed", zap.Int("undelivered", out.Len()), zap.Error(err))
		if s.cfg.OnClientDisconnect != nil {
			s.cfg.OnClientDisconnect(session, err == nil || errors.Is(err, context.Canceled) || errors.Is(err, kephasrpc.ErrClosed))
		}
	}
}

// keepAlive writes a comment every interval until the returned stop function
// is called. A failed write cancels the session.
func keepAlive(ctx context.Context, cancel context.CancelFunc, writer *sse.Writer, interval time.Duration) (stop func()) {
	if interval < 0 {
		return func() {}
	}
	if interval == 0 {
		interval = defaultPushKeepAlive
	}

	quit := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := writer.Comment("keepalive"); err != nil {
					cancel()
					return
				}
			case <-quit:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() {
		close(quit)
		<-stopped
	}
}

func runPush(ctx context.Context, ep *kephasrpc.Endpoint, svc any, out *queue.Queue[string]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s.%s: %v", ep.Service, ep.Name, r)
		}
	}()
	return ep.Push(ctx, svc, out)
}

// pumpEvents writes queued values until the queue is closed and drained. It
// returns nil in that case and the failure otherwise.
func pumpEvents(ctx context.Context, writer *sse.Writer, out *queue.Queue[string]) error {
	for {
		value, err := out.Receive(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		data, err := protocol.EncodeResponse(protocol.Result(0, value))
		if err != nil {
			return err
		}
		if err := writer.Event(data); err != nil {
			return err
		}
	}
}
