package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/luciancaetano/kephasrpc"
	"github.com/luciancaetano/kephasrpc/internal/protocol"
	"github.com/luciancaetano/kephasrpc/internal/queue"
	"github.com/luciancaetano/kephasrpc/internal/sse"
	"github.com/luciancaetano/kephasrpc/internal/websocket"
)

// DuplexHandler drives the client side of a duplex stream: it receives the
// server's RES values on in and sends REQ values on out.
type DuplexHandler[REQ, RES any] func(ctx context.Context, in *kephasrpc.Inbound[RES], out *kephasrpc.Outbound[REQ]) error

// PushHandler consumes the V values pushed by the server.
type PushHandler[V any] func(ctx context.Context, in *kephasrpc.Inbound[V]) error

// OpenDuplex connects to a duplex method and runs handler until the stream
// ends. When the server finishes, in yields io.EOF, or the error the server
// method returned. When handler returns, the connection is closed and the
// server method's context is cancelled.
func OpenDuplex[REQ, RES any](ctx context.Context, c *Client, d *kephasrpc.Descriptor, handler DuplexHandler[REQ, RES]) error {
	if d.Kind != kephasrpc.Duplex {
		return fmt.Errorf("%s is a %s method", d, d.Kind)
	}

	base, err := c.baseURL(ctx, d.Service)
	if err != nil {
		return err
	}
	url := base + d.Path
	switch {
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		url = "ws://" + strings.TrimPrefix(url, "http://")
	}

	// The handshake gets the same headers as any other request.
	hs, err := http.NewRequestWithContext(ctx, http.MethodGet, base+d.Path, nil)
	if err != nil {
		return err
	}
	if err := c.filter(hs); err != nil {
		return err
	}

	conn, err := websocket.Dial(ctx, url, hs.Header, c.logger.With(zap.String("path", d.Path)))
	if err != nil {
		return err
	}

	framing := websocket.Framing{
		Wrap: func(value string) ([]byte, error) {
			return protocol.EncodeRequest(0, d.Path, []*string{&value})
		},
		Unwrap: func(frame []byte) (string, error) {
			env, err := protocol.DecodeResponse(frame)
			if err != nil {
				return "", fmt.Errorf("%w: %v", websocket.ErrMalformedFrame, err)
			}
			if env.Failed() {
				return "", c.remoteError(env)
			}
			if env.Result == nil {
				return "null", nil
			}
			return *env.Result, nil
		},
	}

	return websocket.NewBridge(conn, framing).Run(ctx, func(ctx context.Context, in kephasrpc.RawInbound, out kephasrpc.RawOutbound) error {
		return handler(ctx, kephasrpc.NewInbound[RES](in, d.Result()), kephasrpc.NewOutbound[REQ](out, d.Param(0)))
	})
}

// OpenPush subscribes to a push method and runs handler until it returns.
// When the server finishes, in yields io.EOF, or the error the server method
// returned.
func OpenPush[V any](ctx context.Context, c *Client, d *kephasrpc.Descriptor, handler PushHandler[V]) error {
	if d.Kind != kephasrpc.Push {
		return fmt.Errorf("%s is a %s method", d, d.Kind)
	}

	base, err := c.baseURL(ctx, d.Service)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+d.Path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", sse.ContentType)
	req.Header.Set("Cache-Control", "no-cache")
	if err := c.filter(req); err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); {
	case resp.StatusCode == http.StatusUnauthorized:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		return &kephasrpc.SecurityError{Message: strings.TrimSpace(string(data))}
	case resp.StatusCode != http.StatusOK:
		return &kephasrpc.RemoteError{Message: http.StatusText(resp.StatusCode), Status: resp.StatusCode}
	case mediaType != sse.ContentType:
		return &kephasrpc.ContentTypeError{ContentType: resp.Header.Get("Content-Type")}
	}

	in := queue.New[string]()
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		c.readEvents(ctx, resp.Body, in)
	}()

	err = handler(ctx, kephasrpc.NewInbound[V](in, d.Result()))

	// Leaving ends the request, which the server sees as the client going away.
	cancel()
	resp.Body.Close()
	<-readDone
	return err
}

// readEvents relays the events of a push stream into in until it ends.
func (c *Client) readEvents(ctx context.Context, body io.Reader, in *queue.Queue[string]) {
	r := sse.NewReader(body)
	for {
		ev, err := r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				in.Close()
			} else {
				in.CloseWithError(err)
			}
			return
		}

		env, err := protocol.DecodeResponse([]byte(ev.Data))
		if err != nil {
			in.CloseWithError(fmt.Errorf("%w: %v", kephasrpc.ErrInvalidResponse, err))
			return
		}
		if env.Failed() {
			in.CloseWithError(c.remoteError(env))
			return
		}

		value := "null"
		if env.Result != nil {
			value = *env.Result
		}
		if err := in.Send(ctx, value); err != nil {
			return
		}
	}
}
