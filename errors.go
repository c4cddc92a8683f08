package kephasrpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"

	"github.com/luciancaetano/kephasrpc/internal/queue"
)

var (
	// ErrClosed is returned when sending on a stream end that has been closed.
	ErrClosed = queue.ErrClosed

	// ErrInvalidParams reports a parameter count or decoding mismatch.
	ErrInvalidParams = errors.New(ErrMsgInvalidParams)

	// ErrInvalidResponseID reports a response envelope whose id is not the
	// id of the request it answers.
	ErrInvalidResponseID = errors.New(ErrMsgInvalidResponseID)

	// ErrInvalidResponse reports an envelope with neither result nor error.
	ErrInvalidResponse = errors.New(ErrMsgInvalidResponse)
)

// SecurityError is the sentinel authorization failure. Servers answer it with
// HTTP 401; clients receive it for every 401 response.
type SecurityError struct {
	Message string
}

func (e *SecurityError) Error() string {
	if e.Message == "" {
		return "unauthorized"
	}
	return e.Message
}

// ServiceError is an expected, message-only business failure. It is not
// logged by the server and arrives at the client as a *ServiceError.
type ServiceError struct {
	Message string
}

func (e *ServiceError) Error() string {
	return e.Message
}

// ContentTypeError is returned when a successful HTTP response is not JSON,
// which usually means a misconfigured server or proxy.
type ContentTypeError struct {
	ContentType string
}

func (e *ContentTypeError) Error() string {
	return fmt.Sprintf("Invalid response content type: %s", e.ContentType)
}

// RemoteError is an unexpected server-side failure. Only the message and the
// error type name cross the wire.
type RemoteError struct {
	Message string
	Kind    string
	Status  int
}

func (e *RemoteError) Error() string {
	if e.Kind == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Kind)
}

// DomainError is a business error whose concrete type survives the network
// hop. Its JSON form is the payload; ErrorKind is the key clients use to pick
// the type to decode it into.
//
// Example:
//
//	type InsufficientFunds struct {
//	    Message string `json:"message"`
//	}
//
//	func (e *InsufficientFunds) Error() string     { return e.Message }
//	func (e *InsufficientFunds) ErrorKind() string { return "bank.InsufficientFunds" }
type DomainError interface {
	error
	ErrorKind() string
}

// Exceptions is the closed set of domain errors known to both ends. Build it
// once at startup and share it; it is not modified while serving.
type Exceptions struct {
	factories map[string]func() DomainError
}

// NewExceptions creates a set holding the given domain error factories.
func NewExceptions(factories ...func() DomainError) *Exceptions {
	x := &Exceptions{factories: make(map[string]func() DomainError)}
	for _, f := range factories {
		x.Register(f)
	}
	return x
}

// Register adds a domain error type. The factory must return a new pointer
// each time; its ErrorKind is the registration key.
func (x *Exceptions) Register(factory func() DomainError) {
	x.factories[factory().ErrorKind()] = factory
}

// Known reports whether kind names a registered domain error.
func (x *Exceptions) Known(kind string) bool {
	if x == nil {
		return false
	}
	_, ok := x.factories[kind]
	return ok
}

// Kinds returns the registered kinds in sorted order.
func (x *Exceptions) Kinds() []string {
	if x == nil {
		return nil
	}
	kinds := make([]string, 0, len(x.factories))
	for k := range x.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Encode serializes a registered domain error into its payload.
func (x *Exceptions) Encode(err DomainError) (string, error) {
	if !x.Known(err.ErrorKind()) {
		return "", fmt.Errorf("domain error %q is not registered", err.ErrorKind())
	}
	data, mErr := json.Marshal(err)
	if mErr != nil {
		return "", mErr
	}
	return string(data), nil
}

// Decode rebuilds the domain error registered under kind from its payload.
func (x *Exceptions) Decode(kind, payload string) (DomainError, error) {
	if !x.Known(kind) {
		return nil, fmt.Errorf("domain error %q is not registered", kind)
	}
	e := x.factories[kind]()
	if err := json.Unmarshal([]byte(payload), e); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return e, nil
}

// TypeName is the wire name of an unexpected error's type: the import path
// and name of the type, pointers stripped. Unnamed types fall back to %T.
func TypeName(err error) string {
	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Name() == "" || t.PkgPath() == "" {
		return fmt.Sprintf("%T", err)
	}
	return t.PkgPath() + "." + t.Name()
}
