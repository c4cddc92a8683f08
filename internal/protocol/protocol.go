package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	// Version is carried in every envelope for JSON-RPC 2.0 lookalike tooling.
	Version = "2.0"

	// ContentType is the media type of every envelope sent over HTTP.
	ContentType = "application/json"

	// QueryParamPrefix names GET arguments: p0, p1, ...
	QueryParamPrefix = "p"

	maxEnvelopeSize = 10 * 1024 * 1024 // 10MB max envelope size
)

var (
	ErrEnvelopeTooLarge = errors.New("envelope exceeds maximum size")
	ErrMalformed        = errors.New("malformed envelope")
	ErrIDMismatch       = errors.New("response id does not match request id")
)

// Request is the envelope sent by a caller. Every parameter is pre-serialized
// on its own; a nil slot is an absent argument.
type Request struct {
	ID      int       `json:"id"`
	Method  string    `json:"method"`
	Params  []*string `json:"params"`
	JSONRPC string    `json:"jsonrpc,omitempty"`
}

// Response is the envelope sent back for a Request, and the frame format of
// every streamed value. Exactly one of Result and Error is set.
type Response struct {
	ID           int     `json:"id"`
	Result       *string `json:"result,omitempty"`
	Error        *string `json:"error,omitempty"`
	ErrorKind    string  `json:"errorKind,omitempty"`
	ErrorPayload *string `json:"errorPayload,omitempty"`
	JSONRPC      string  `json:"jsonrpc,omitempty"`
}

// Failed reports whether the response carries an error.
func (r *Response) Failed() bool {
	return r.Error != nil
}

// Result builds a successful response.
func Result(id int, result string) *Response {
	return &Response{ID: id, Result: &result, JSONRPC: Version}
}

// Failure builds an error response. payload may be nil.
func Failure(id int, message, kind string, payload *string) *Response {
	return &Response{ID: id, Error: &message, ErrorKind: kind, ErrorPayload: payload, JSONRPC: Version}
}

// EncodeRequest encodes a request envelope as JSON.
func EncodeRequest(id int, method string, params []*string) ([]byte, error) {
	if params == nil {
		params = []*string{}
	}
	return encode(&Request{ID: id, Method: method, Params: params, JSONRPC: Version})
}

// DecodeRequest decodes a request envelope. A missing params list decodes as empty.
func DecodeRequest(data []byte) (*Request, error) {
	if len(data) > maxEnvelopeSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrEnvelopeTooLarge, len(data))
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if req.Params == nil {
		req.Params = []*string{}
	}
	return &req, nil
}

// EncodeResponse encodes a response envelope as JSON.
func EncodeResponse(resp *Response) ([]byte, error) {
	if resp.JSONRPC == "" {
		resp.JSONRPC = Version
	}
	return encode(resp)
}

// DecodeResponse decodes a response envelope without checking its id.
func DecodeResponse(data []byte) (*Response, error) {
	if len(data) > maxEnvelopeSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrEnvelopeTooLarge, len(data))
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &resp, nil
}

// DecodeResponseFor decodes a response envelope and rejects it when its id is
// not the id of the outstanding request.
func DecodeResponseFor(data []byte, id int) (*Response, error) {
	resp, err := DecodeResponse(data)
	if err != nil {
		return nil, err
	}
	if resp.ID != id {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrIDMismatch, resp.ID, id)
	}
	return resp, nil
}

// EncodeQuery carries params as p0..pN query parameters. Nil slots are left
// out. Spaces are written as %20, never '+'.
func EncodeQuery(params []*string) string {
	var sb strings.Builder
	for i, p := range params {
		if p == nil {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(QueryParamPrefix)
		sb.WriteString(strconv.Itoa(i))
		sb.WriteByte('=')
		// QueryEscape turns a literal '+' into %2B, so every '+' left is a space.
		sb.WriteString(strings.ReplaceAll(url.QueryEscape(*p), "+", "%20"))
	}
	return sb.String()
}

// DecodeQuery reads arity params from p0..p(arity-1). A missing parameter
// becomes a nil slot.
func DecodeQuery(values url.Values, arity int) []*string {
	params := make([]*string, arity)
	for i := range params {
		key := QueryParamPrefix + strconv.Itoa(i)
		if _, ok := values[key]; ok {
			v := values.Get(key)
			params[i] = &v
		}
	}
	return params
}

func encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(data) > maxEnvelopeSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrEnvelopeTooLarge, len(data))
	}
	return data, nil
}
