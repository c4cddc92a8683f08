package client

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/rpc/v2/json2"

	"github.com/luciancaetano/kephasrpc"
	"github.com/luciancaetano/kephasrpc/internal/protocol"
)

const routesTimeout = 10 * time.Second

type routesArgs struct {
	Service string `json:"service,omitempty"`
}

type routesReply struct {
	Routes []kephasrpc.RouteInfo `json:"routes"`
}

// Routes asks the server for its route table through the JSON-RPC 2.0
// introspection endpoint. An empty service lists every route.
func (c *Client) Routes(ctx context.Context, service string) ([]kephasrpc.RouteInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, routesTimeout)
	defer cancel()

	body, err := json2.EncodeClientRequest("Meta.Routes", &routesArgs{Service: service})
	if err != nil {
		return nil, fmt.Errorf("failed to encode client params: %w", err)
	}

	base, err := c.baseURL(ctx, service)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+kephasrpc.MetaPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", protocol.ContentType)
	if err := c.filter(req); err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to issue request: %w", err)
	}
	defer cleanlyCloseBody(resp.Body)

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, &kephasrpc.SecurityError{}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &kephasrpc.RemoteError{Message: http.StatusText(resp.StatusCode), Status: resp.StatusCode}
	}

	var reply routesReply
	if err := json2.DecodeClientResponse(resp.Body, &reply); err != nil {
		return nil, fmt.Errorf("failed to decode client response: %w", err)
	}
	return reply.Routes, nil
}
