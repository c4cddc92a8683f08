package websocket

import (
	"context"
	"errors"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/luciancaetano/kephasrpc"
	"github.com/luciancaetano/kephasrpc/internal/queue"
)

// Logic is the business side of a duplex session. It reads values from in and
// writes values to out until it returns.
type Logic func(ctx context.Context, in kephasrpc.RawInbound, out kephasrpc.RawOutbound) error

// Framing converts between queued values and wire frames for one side of the
// connection.
type Framing struct {
	// Wrap turns an outbound value into a frame.
	Wrap func(value string) ([]byte, error)
	// Unwrap turns an inbound frame into a value. A non-nil error ends the
	// inbound stream with that error; ErrMalformedFrame additionally closes
	// the connection with a protocol error code.
	Unwrap func(frame []byte) (string, error)
	// Failure turns the error returned by Logic into a final frame, or nil
	// to send none.
	Failure func(err error) []byte
}

// ErrMalformedFrame is returned by Framing.Unwrap for frames that are not
// envelopes.
var ErrMalformedFrame = errors.New(kephasrpc.ErrMsgInvalidRequest)

// Bridge runs one duplex session over a Conn: a reader relays frames into the
// inbound queue, the logic consumes and produces values, and a writer relays
// the outbound queue to the connection. Whichever of peer close, socket error
// and logic return comes first ends the other two.
type Bridge struct {
	conn    *Conn
	framing Framing
	in      *queue.Queue[string]
	out     *queue.Queue[string]
}

// NewBridge creates a session over conn with fresh unbounded queues.
func NewBridge(conn *Conn, framing Framing) *Bridge {
	return &Bridge{
		conn:    conn,
		framing: framing,
		in:      queue.New[string](),
		out:     queue.New[string](),
	}
}

// Run serves the session until all three activities have stopped and returns
// the error returned by logic.
func (b *Bridge) Run(ctx context.Context, logic Logic) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := b.conn.Logger()
	logger.Debug("duplex session opened")

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		b.readLoop(cancel)
	}()

	logicErr := make(chan error, 1)
	go func() {
		err := b.runLogic(ctx, logic)
		b.out.Close()
		b.in.Close()
		logicErr <- err
	}()

	err := b.writeLoop(ctx, logicErr)

	cancel()
	<-readDone
	logger.Debug("duplex session closed", zap.Error(err))
	return err
}

func (b *Bridge) runLogic(ctx context.Context, logic Logic) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.conn.Logger().Error("duplex logic panicked", zap.Any("panic", r))
			err = errors.New(kephasrpc.ErrMsgInternalError)
		}
	}()
	return logic(ctx, b.in, b.out)
}

// readLoop relays inbound frames until the connection ends.
func (b *Bridge) readLoop(cancel context.CancelFunc) {
	for {
		frame, err := b.conn.ReadFrame()
		if err != nil {
			// Peer gone: close the queues before cancelling so logic drains
			// what already arrived and sees io.EOF rather than a cancellation.
			b.in.Close()
			b.out.Close()
			cancel()
			return
		}

		value, err := b.framing.Unwrap(frame)
		if errors.Is(err, ErrMalformedFrame) {
			b.conn.Logger().Debug("malformed frame", zap.Error(err))
			b.conn.CloseWithCode(websocket.CloseProtocolError, kephasrpc.ErrMsgInvalidRequest)
			continue
		}
		if err != nil {
			b.in.CloseWithError(err)
			continue
		}
		if err := b.in.Send(b.conn.Context(), value); err != nil {
			// Logic no longer reads; keep draining so close frames are seen.
			continue
		}
	}
}

// writeLoop relays outbound values until logic has finished and the queue is
// drained, then closes the connection gracefully.
func (b *Bridge) writeLoop(ctx context.Context, logicErr <-chan error) error {
	for {
		value, err := b.out.Receive(ctx)
		if err != nil {
			break
		}
		frame, err := b.framing.Wrap(value)
		if err != nil {
			b.conn.Logger().Error("cannot wrap outbound value", zap.Error(err))
			continue
		}
		if err := b.conn.Send(ctx, frame); err != nil {
			break
		}
	}

	if ctx.Err() != nil || !b.conn.IsAlive() {
		// Peer or socket ended the session; wait for logic to observe it.
		b.conn.Close()
		return <-logicErr
	}

	err := <-logicErr
	if err != nil && b.framing.Failure != nil && !isCancellation(err) {
		if frame := b.framing.Failure(err); frame != nil {
			b.conn.Send(ctx, frame)
		}
	}
	b.conn.Shutdown(websocket.CloseNormalClosure, "")
	<-b.conn.Context().Done()
	return err
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, kephasrpc.ErrClosed)
}
