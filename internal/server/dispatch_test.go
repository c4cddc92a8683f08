package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"

	"github.com/luciancaetano/kephasrpc"
)

type outOfStock struct {
	Item string `json:"item"`
}

func (e *outOfStock) Error() string     { return e.Item + " is out of stock" }
func (e *outOfStock) ErrorKind() string { return "shop.OutOfStock" }

type unregistered struct{}

func (unregistered) Error() string     { return "unregistered" }
func (unregistered) ErrorKind() string { return "shop.Unregistered" }

type pathError struct{}

func (*pathError) Error() string { return "bad path" }

var testExceptions = kephasrpc.NewExceptions(func() kephasrpc.DomainError { return &outOfStock{} })

// TestClassify tests the mapping of errors onto outcomes
func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		err     error
		kind    OutcomeKind
		message string
		errKind string
		payload bool
	}{
		{name: "security", err: &kephasrpc.SecurityError{Message: "login required"}, kind: OutcomeSecurity, message: "login required", errKind: kephasrpc.KindSecurity},
		{name: "wrapped security", err: fmt.Errorf("auth: %w", &kephasrpc.SecurityError{}), kind: OutcomeSecurity, message: "unauthorized", errKind: kephasrpc.KindSecurity},
		{name: "service", err: &kephasrpc.ServiceError{Message: "closed"}, kind: OutcomeDomain, message: "closed", errKind: kephasrpc.KindService},
		{name: "domain", err: &outOfStock{Item: "apple"}, kind: OutcomeDomain, message: "apple is out of stock", errKind: "shop.OutOfStock", payload: true},
		{name: "unregistered domain", err: unregistered{}, kind: OutcomeFault, message: "unregistered", errKind: "github.com/luciancaetano/kephasrpc/internal/server.unregistered"},
		{name: "invalid params", err: fmt.Errorf("x: %w", kephasrpc.ErrInvalidParams), kind: OutcomeInvalidParams, message: kephasrpc.ErrMsgInvalidParams},
		{name: "fault", err: errors.New("disk on fire"), kind: OutcomeFault, message: "disk on fire", errKind: "errors.errorString"},
		{name: "fault with import path", err: &net.OpError{Op: "dial", Err: errors.New("refused")}, kind: OutcomeFault, message: "dial: refused", errKind: "net.OpError"},
		{name: "fault in this package", err: &pathError{}, kind: OutcomeFault, message: "bad path", errKind: "github.com/luciancaetano/kephasrpc/internal/server.pathError"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			out := Classify(tt.err, testExceptions)
			if out.Kind != tt.kind {
				t.Errorf("Kind = %s, want %s", out.Kind, tt.kind)
			}
			if out.Message != tt.message {
				t.Errorf("Message = %q, want %q", out.Message, tt.message)
			}
			if out.ErrorKind != tt.errKind {
				t.Errorf("ErrorKind = %q, want %q", out.ErrorKind, tt.errKind)
			}
			if (out.Payload != nil) != tt.payload {
				t.Errorf("Payload set = %v, want %v", out.Payload != nil, tt.payload)
			}
		})
	}
}

// TestOutcomeResponse tests the envelope of each outcome kind
func TestOutcomeResponse(t *testing.T) {
	t.Parallel()

	resp := Ok(`"x"`).Response(4)
	if resp.ID != 4 || resp.Failed() || *resp.Result != `"x"` {
		t.Errorf("Ok response = %+v", resp)
	}

	resp = InvalidParams(nil).Response(5)
	if !resp.Failed() || *resp.Error != kephasrpc.ErrMsgInvalidParams || resp.ErrorKind != "" {
		t.Errorf("InvalidParams response = %+v", resp)
	}

	resp = Classify(&outOfStock{Item: "pear"}, testExceptions).Response(6)
	if resp.ErrorKind != "shop.OutOfStock" || resp.ErrorPayload == nil || !strings.Contains(*resp.ErrorPayload, "pear") {
		t.Errorf("domain response = %+v", resp)
	}
}

type adder struct{}

func (adder) Add(_ context.Context, a, b int) (int, error) { return a + b, nil }
func (adder) Boom(context.Context) (int, error)            { panic("kaboom") }

func adderEndpoints(t *testing.T) []kephasrpc.Endpoint {
	t.Helper()

	m := kephasrpc.NewManager[adder]("Adder")
	kephasrpc.Bind2(m, "Add", adder.Add)
	kephasrpc.Bind0(m, "Boom", adder.Boom)
	kephasrpc.Bind2(m, "AddGet", adder.Add, kephasrpc.WithVerb(kephasrpc.GET))
	if err := m.Err(); err != nil {
		t.Fatal(err)
	}
	return m.Provide(kephasrpc.Singleton(adder{})).Endpoints()
}

func strp(s string) *string { return &s }

// TestDispatch tests argument decoding, invocation and failures
func TestDispatch(t *testing.T) {
	t.Parallel()

	eps := adderEndpoints(t)
	d := &dispatcher{exceptions: testExceptions}

	tests := []struct {
		name   string
		ep     *kephasrpc.Endpoint
		params []*string
		kind   OutcomeKind
		result string
	}{
		{name: "ok", ep: &eps[0], params: []*string{strp("2"), strp("3")}, kind: OutcomeOK, result: "5"},
		{name: "absent param is zero", ep: &eps[0], params: []*string{strp("2"), nil}, kind: OutcomeOK, result: "2"},
		{name: "too few params", ep: &eps[0], params: []*string{strp("2")}, kind: OutcomeInvalidParams},
		{name: "too many params", ep: &eps[0], params: []*string{strp("2"), strp("3"), strp("4")}, kind: OutcomeInvalidParams},
		{name: "undecodable param", ep: &eps[0], params: []*string{strp(`"two"`), strp("3")}, kind: OutcomeInvalidParams},
		{name: "panic", ep: &eps[1], params: nil, kind: OutcomeFault},
		{name: "query form", ep: &eps[2], params: []*string{strp("40"), strp("2")}, kind: OutcomeOK, result: "42"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			out := d.dispatch(context.Background(), &Call{Endpoint: tt.ep, Params: tt.params})
			if out.Kind != tt.kind {
				t.Fatalf("Kind = %s (%v), want %s", out.Kind, out.Err, tt.kind)
			}
			if tt.kind == OutcomeOK && out.Result != tt.result {
				t.Errorf("Result = %q, want %q", out.Result, tt.result)
			}
		})
	}
}
