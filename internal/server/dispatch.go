package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/luciancaetano/kephasrpc"
	"github.com/luciancaetano/kephasrpc/internal/protocol"
)

// OutcomeKind tags the result of one dispatched call.
type OutcomeKind int

const (
	// OutcomeOK carries the serialized result.
	OutcomeOK OutcomeKind = iota
	// OutcomeDomain is an expected business failure: a registered domain
	// error or a *kephasrpc.ServiceError. Never logged.
	OutcomeDomain
	// OutcomeSecurity is answered with HTTP 401. Never logged.
	OutcomeSecurity
	// OutcomeFault is an unexpected error. Logged; only its message and type
	// name reach the caller.
	OutcomeFault
	// OutcomeInvalidParams reports an arity or decoding mismatch.
	OutcomeInvalidParams
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return "ok"
	case OutcomeDomain:
		return "domain"
	case OutcomeSecurity:
		return "security"
	case OutcomeFault:
		return "fault"
	case OutcomeInvalidParams:
		return "invalid_params"
	}
	return fmt.Sprintf("outcome(%d)", int(k))
}

// Outcome is the tagged result of a call. Which fields are set depends on Kind.
type Outcome struct {
	Kind OutcomeKind
	// Result is the serialized result of an OutcomeOK.
	Result string
	// Message is the error text of every failure kind.
	Message string
	// ErrorKind is the registered kind of a domain error or the type name of a fault.
	ErrorKind string
	// Payload is the serialized domain error, if any.
	Payload *string
	// Err is the original error, kept for logging.
	Err error
}

// Ok builds a successful outcome.
func Ok(result string) Outcome {
	return Outcome{Kind: OutcomeOK, Result: result}
}

// InvalidParams builds the outcome of a parameter mismatch.
func InvalidParams(err error) Outcome {
	return Outcome{Kind: OutcomeInvalidParams, Message: kephasrpc.ErrMsgInvalidParams, Err: err}
}

// Fault builds the outcome of an unexpected error.
func Fault(err error) Outcome {
	return Outcome{Kind: OutcomeFault, Message: err.Error(), ErrorKind: kephasrpc.TypeName(err), Err: err}
}

// Classify sorts err into the error taxonomy. Domain errors are encoded with
// exceptions; a domain error that is not registered there is a fault.
func Classify(err error, exceptions *kephasrpc.Exceptions) Outcome {
	var (
		secErr    *kephasrpc.SecurityError
		svcErr    *kephasrpc.ServiceError
		domainErr kephasrpc.DomainError
	)
	switch {
	case errors.As(err, &secErr):
		return Outcome{Kind: OutcomeSecurity, Message: secErr.Error(), ErrorKind: kephasrpc.KindSecurity, Err: err}
	case errors.As(err, &svcErr):
		return Outcome{Kind: OutcomeDomain, Message: svcErr.Error(), ErrorKind: kephasrpc.KindService, Err: err}
	case errors.As(err, &domainErr) && exceptions.Known(domainErr.ErrorKind()):
		payload, encErr := exceptions.Encode(domainErr)
		if encErr != nil {
			return Fault(fmt.Errorf("encode %s: %w", domainErr.ErrorKind(), encErr))
		}
		return Outcome{Kind: OutcomeDomain, Message: domainErr.Error(), ErrorKind: domainErr.ErrorKind(), Payload: &payload, Err: err}
	case errors.Is(err, kephasrpc.ErrInvalidParams):
		return InvalidParams(err)
	}
	return Fault(err)
}

// Response converts the outcome into the envelope answering request id.
func (o Outcome) Response(id int) *protocol.Response {
	switch o.Kind {
	case OutcomeOK:
		return protocol.Result(id, o.Result)
	case OutcomeInvalidParams:
		return protocol.Failure(id, o.Message, "", nil)
	}
	return protocol.Failure(id, o.Message, o.ErrorKind, o.Payload)
}

// Call is one unary invocation travelling through the middleware chain.
type Call struct {
	Endpoint *kephasrpc.Endpoint
	Request  *http.Request
	ID       int
	Params   []*string
}

// HandlerFunc dispatches a call.
type HandlerFunc func(ctx context.Context, call *Call) Outcome

// dispatcher decodes the arguments of a call, resolves the service instance
// and invokes the bound method.
type dispatcher struct {
	exceptions *kephasrpc.Exceptions
}

func (d *dispatcher) dispatch(ctx context.Context, call *Call) Outcome {
	ep := call.Endpoint
	if len(call.Params) != ep.Arity() {
		return InvalidParams(fmt.Errorf("%s takes %d parameters, got %d", ep.Name, ep.Arity(), len(call.Params)))
	}

	query := ep.Verb == kephasrpc.GET
	args := make([]any, len(call.Params))
	for i, p := range call.Params {
		v, err := kephasrpc.DecodeParam(ep.Param(i), p, query)
		if err != nil {
			return InvalidParams(fmt.Errorf("parameter %d of %s: %w", i, ep.Name, err))
		}
		args[i] = v
	}

	svc, err := ep.Resolve(call.Request)
	if err != nil {
		return Classify(err, d.exceptions)
	}

	result, err := invoke(ctx, ep, svc, args)
	if err != nil {
		return Classify(err, d.exceptions)
	}

	data, err := ep.Result().Encode(result)
	if err != nil {
		return Fault(fmt.Errorf("encode result of %s: %w", ep.Name, err))
	}
	return Ok(data)
}

// invoke calls the method, turning a panic into an error.
func invoke(ctx context.Context, ep *kephasrpc.Endpoint, svc any, args []any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s.%s: %v", ep.Service, ep.Name, r)
		}
	}()
	return ep.Invoke(ctx, svc, args)
}
