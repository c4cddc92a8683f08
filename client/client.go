// Package client calls services hosted by a kephasrpc server.
//
// A Client carries unary calls over HTTP and opens duplex (WebSocket) and
// push (Server-Sent Events) streams. Calls are made through the descriptors
// of the same Manager the server was built from:
//
//	c := client.New(client.DefaultConfig("http://localhost:8080"))
//	balance, err := client.Call[int](ctx, c, accounts.MustLookup("Balance"), "alice")
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/luciancaetano/kephasrpc"
	"github.com/luciancaetano/kephasrpc/internal/protocol"
)

const maxResponseSize = 10 * 1024 * 1024

// RequestFilter adjusts every outgoing request, e.g. to add credentials.
type RequestFilter func(r *http.Request) error

// Resolver picks the base URL of a server hosting service.
type Resolver interface {
	Resolve(ctx context.Context, service string) (string, error)
}

// Config holds the settings of a Client.
type Config struct {
	// BaseURL is the server URL. A path prefix is kept in front of every route.
	BaseURL string
	// Resolver, when set, replaces BaseURL with a per-service lookup.
	Resolver Resolver
	// HTTPClient carries unary calls and push streams.
	HTTPClient *http.Client
	// Exceptions is the set of domain errors reconstructed with their type.
	Exceptions *kephasrpc.Exceptions
	// RequestFilter is applied to every request, handshakes included.
	RequestFilter RequestFilter
	// Logger receives connection events. Nil disables logging.
	Logger *zap.Logger
}

// DefaultConfig returns a configuration for the server at baseURL.
func DefaultConfig(baseURL string) *Config {
	return &Config{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{},
	}
}

// Client issues calls against bound descriptors. It is safe for concurrent use.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
	nextID atomic.Int64
}

// New creates a client.
func New(cfg *Config) *Client {
	c := &Client{cfg: *cfg, http: cfg.HTTPClient, logger: cfg.Logger}
	if c.http == nil {
		c.http = http.DefaultClient
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// Call invokes a unary method and decodes its result as R.
func Call[R any](ctx context.Context, c *Client, d *kephasrpc.Descriptor, args ...any) (R, error) {
	var zero R

	raw, err := c.CallRaw(ctx, d, args...)
	if err != nil {
		return zero, err
	}
	v, err := d.Result().Decode(&raw)
	if err != nil {
		return zero, fmt.Errorf("%w: %v", kephasrpc.ErrInvalidResponse, err)
	}
	r, ok := v.(R)
	if !ok {
		return zero, fmt.Errorf("%s returns %T, not %T", d, v, zero)
	}
	return r, nil
}

// CallRaw invokes a unary method and returns its serialized result.
func (c *Client) CallRaw(ctx context.Context, d *kephasrpc.Descriptor, args ...any) (string, error) {
	if d.Kind != kephasrpc.Unary {
		return "", fmt.Errorf("%s is a %s method", d, d.Kind)
	}
	if len(args) != d.Arity() {
		return "", fmt.Errorf("%w: %s takes %d arguments, got %d", kephasrpc.ErrInvalidParams, d, d.Arity(), len(args))
	}

	query := d.Verb == kephasrpc.GET
	params := make([]*string, len(args))
	for i, a := range args {
		p, err := kephasrpc.EncodeParam(d.Param(i), a, query)
		if err != nil {
			return "", fmt.Errorf("encode argument %d of %s: %w", i, d, err)
		}
		params[i] = p
	}

	base, err := c.baseURL(ctx, d.Service)
	if err != nil {
		return "", err
	}

	id := int(c.nextID.Add(1))
	req, err := c.newRequest(ctx, d, base, id, params)
	if err != nil {
		return "", err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer cleanlyCloseBody(resp.Body)

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", err
	}

	decode := protocol.DecodeResponse
	if !query {
		decode = func(data []byte) (*protocol.Response, error) { return protocol.DecodeResponseFor(data, id) }
	}
	env, err := c.checkResponse(resp, data, decode)
	if err != nil {
		return "", err
	}
	if env.Failed() {
		return "", c.remoteError(env)
	}
	if env.Result == nil {
		return "", kephasrpc.ErrInvalidResponse
	}
	return *env.Result, nil
}

func (c *Client) newRequest(ctx context.Context, d *kephasrpc.Descriptor, base string, id int, params []*string) (*http.Request, error) {
	var (
		req *http.Request
		err error
	)
	if d.Verb == kephasrpc.GET {
		url := base + d.Path
		if q := protocol.EncodeQuery(params); q != "" {
			url += "?" + q
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	} else {
		var body []byte
		body, err = protocol.EncodeRequest(id, d.Path, params)
		if err != nil {
			return nil, err
		}
		req, err = http.NewRequestWithContext(ctx, string(d.Verb), base+d.Path, bytes.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", protocol.ContentType)
		}
	}
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", protocol.ContentType)
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	if err := c.filter(req); err != nil {
		return nil, err
	}
	return req, nil
}

// checkResponse maps the HTTP status and content type, then decodes the
// envelope of a successful response with decode.
func (c *Client) checkResponse(resp *http.Response, data []byte, decode func([]byte) (*protocol.Response, error)) (*protocol.Response, error) {
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, &kephasrpc.SecurityError{Message: strings.TrimSpace(string(data))}
	}

	contentType := resp.Header.Get("Content-Type")
	mediaType, _, _ := mime.ParseMediaType(contentType)
	ok := resp.StatusCode >= 200 && resp.StatusCode < 300

	if ok && mediaType != protocol.ContentType {
		return nil, &kephasrpc.ContentTypeError{ContentType: contentType}
	}

	if !ok {
		if env, err := protocol.DecodeResponse(data); err == nil && env.Failed() {
			return nil, &kephasrpc.RemoteError{Message: *env.Error, Kind: env.ErrorKind, Status: resp.StatusCode}
		}
		return nil, &kephasrpc.RemoteError{Message: http.StatusText(resp.StatusCode), Status: resp.StatusCode}
	}

	env, err := decode(data)
	switch {
	case errors.Is(err, protocol.ErrIDMismatch):
		return nil, kephasrpc.ErrInvalidResponseID
	case err != nil:
		return nil, fmt.Errorf("%w: %v", kephasrpc.ErrInvalidResponse, err)
	}
	return env, nil
}

// remoteError rebuilds the error carried by a failed envelope.
func (c *Client) remoteError(env *protocol.Response) error {
	msg := *env.Error
	switch {
	case env.ErrorKind == kephasrpc.KindSecurity:
		return &kephasrpc.SecurityError{Message: msg}
	case env.ErrorKind == kephasrpc.KindService:
		return &kephasrpc.ServiceError{Message: msg}
	case env.ErrorKind == "" && msg == kephasrpc.ErrMsgInvalidParams:
		return kephasrpc.ErrInvalidParams
	case env.ErrorPayload != nil && c.cfg.Exceptions.Known(env.ErrorKind):
		domainErr, err := c.cfg.Exceptions.Decode(env.ErrorKind, *env.ErrorPayload)
		if err == nil {
			return domainErr
		}
		c.logger.Warn("cannot decode domain error", zap.String("kind", env.ErrorKind), zap.Error(err))
	}
	return &kephasrpc.RemoteError{Message: msg, Kind: env.ErrorKind}
}

func (c *Client) baseURL(ctx context.Context, service string) (string, error) {
	base := c.cfg.BaseURL
	if c.cfg.Resolver != nil {
		var err error
		if base, err = c.cfg.Resolver.Resolve(ctx, service); err != nil {
			return "", fmt.Errorf("resolve %s: %w", service, err)
		}
	}
	if base == "" {
		return "", errors.New("client: no base URL")
	}
	return strings.TrimSuffix(base, "/"), nil
}

func (c *Client) filter(req *http.Request) error {
	if c.cfg.RequestFilter == nil {
		return nil
	}
	return c.cfg.RequestFilter(req)
}

// cleanlyCloseBody drains and closes a response body so the connection can
// be reused.
func cleanlyCloseBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxResponseSize))
	return body.Close()
}
