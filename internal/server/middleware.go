package server

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/kephasrpc"
)

// Middleware wraps the dispatch of unary calls.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares; the first one is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// LoggingMiddleware logs every call with a fresh request id, its duration
// and its outcome at Debug.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) Outcome {
			start := time.Now()
			out := next(ctx, call)
			logger.Debug("call",
				zap.String("request_id", uuid.NewString()),
				zap.String("method", call.Endpoint.Service+"."+call.Endpoint.Name),
				zap.String("path", call.Endpoint.Path),
				zap.Duration("duration", time.Since(start)),
				zap.Stringer("outcome", out.Kind))
			return out
		}
	}
}

// TimeoutMiddleware fails calls that run longer than timeout. The method's
// context is cancelled so it can stop early.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) Outcome {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan Outcome, 1)
			go func() {
				done <- next(ctx, call)
			}()

			select {
			case out := <-done:
				return out
			case <-ctx.Done():
				return Fault(ctx.Err())
			}
		}
	}
}

// RateLimitMiddleware admits r calls per second with the given burst across
// all clients. Rejected calls fail with a ServiceError.
func RateLimitMiddleware(r rate.Limit, burst int) Middleware {
	limiter := rate.NewLimiter(r, burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) Outcome {
			if !limiter.Allow() {
				return Classify(&kephasrpc.ServiceError{Message: kephasrpc.ErrMsgRateLimitExceeded}, nil)
			}
			return next(ctx, call)
		}
	}
}
