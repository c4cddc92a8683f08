package kephasrpc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// Kind tells how a bound method is carried over the network.
type Kind int

const (
	// Unary methods are one HTTP request and one response envelope.
	Unary Kind = iota
	// Duplex methods own a WebSocket connection with one stream each way.
	Duplex
	// Push methods own a Server-Sent-Events stream from server to client.
	Push
)

func (k Kind) String() string {
	switch k {
	case Unary:
		return "unary"
	case Duplex:
		return "duplex"
	case Push:
		return "push"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Descriptor is the bound form of one service method, shared by the client
// and the server side of a contract.
type Descriptor struct {
	Service    string
	Name       string
	Verb       Verb
	Path       string
	Kind       Kind
	RemoteData bool

	params []func() Codec
	result func() Codec
}

// Arity returns the number of parameter slots. Duplex methods have one slot,
// the type of the values sent by the client.
func (d *Descriptor) Arity() int {
	return len(d.params)
}

// Param returns the codec of parameter slot i, building it on first use.
func (d *Descriptor) Param(i int) Codec {
	return d.params[i]()
}

// Result returns the result codec, building it on first use. For streams it
// is the codec of the values sent by the server.
func (d *Descriptor) Result() Codec {
	return d.result()
}

func (d *Descriptor) String() string {
	return fmt.Sprintf("%s.%s %s %s (%s)", d.Service, d.Name, d.Verb, d.Path, d.Kind)
}

// Method declares one service method for Manager.Bind. Exactly one of Invoke,
// Duplex and Push must be set; which one decides the method's Kind.
//
// The typed helpers Bind0..Bind6, BindRemoteData, BindDuplex and BindPush
// fill a Method from a method expression and are what generated stubs call.
type Method[T any] struct {
	Name string
	// Verb of a unary method; POST when empty. Streams ignore it.
	Verb Verb
	// Route replaces the generated route<Service><n> name when set.
	Route string
	// Params are lazily built codecs, one per parameter slot.
	Params []func() Codec
	// Result is the lazily built codec of the result or of streamed values.
	Result func() Codec
	// RemoteData marks a paginated listing; it is always bound as POST.
	RemoteData bool

	Invoke func(ctx context.Context, svc T, args []any) (any, error)
	Duplex func(ctx context.Context, svc T, in RawInbound, out RawOutbound) error
	Push   func(ctx context.Context, svc T, out RawOutbound) error
}

type binding[T any] struct {
	desc   *Descriptor
	invoke func(ctx context.Context, svc T, args []any) (any, error)
	duplex func(ctx context.Context, svc T, in RawInbound, out RawOutbound) error
	push   func(ctx context.Context, svc T, out RawOutbound) error
}

// ManagerOption configures a Manager.
type ManagerOption func(*managerOptions)

type managerOptions struct {
	routePrefix     string
	websocketPrefix string
	ssePrefix       string
}

// WithRoutePrefix sets the prefix of unary routes. Default "/rpc/".
func WithRoutePrefix(p string) ManagerOption {
	return func(o *managerOptions) { o.routePrefix = p }
}

// WithWebsocketPrefix sets the prefix of duplex routes. Default "/rpcws/".
func WithWebsocketPrefix(p string) ManagerOption {
	return func(o *managerOptions) { o.websocketPrefix = p }
}

// WithSSEPrefix sets the prefix of push routes. Default "/rpcsse/".
func WithSSEPrefix(p string) ManagerOption {
	return func(o *managerOptions) { o.ssePrefix = p }
}

// Manager binds the methods of service contract T to routes. Bind methods in
// declaration order: generated route names are numbered in that order.
//
// Both ends of a connection build the same Manager. The client looks up
// descriptors by method name; the server turns the manager into a Service
// with Provide.
//
// Example:
//
//	m := kephasrpc.NewManager[AccountService]("AccountService")
//	kephasrpc.Bind1(m, "Balance", AccountService.Balance, kephasrpc.WithVerb(kephasrpc.GET))
//	kephasrpc.Bind2(m, "Withdraw", AccountService.Withdraw)
//	if err := m.Err(); err != nil {
//	    log.Fatal(err)
//	}
type Manager[T any] struct {
	name    string
	opts    managerOptions
	counter int
	methods []*binding[T]
	byName  map[string]*binding[T]
	paths   map[string]string
	err     error
}

// NewManager creates an empty manager for the service called name.
func NewManager[T any](name string, opts ...ManagerOption) *Manager[T] {
	o := managerOptions{
		routePrefix:     RoutePrefix,
		websocketPrefix: WebsocketPrefix,
		ssePrefix:       SSEPrefix,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Manager[T]{
		name:   name,
		opts:   o,
		byName: make(map[string]*binding[T]),
		paths:  make(map[string]string),
	}
}

// Name returns the service name.
func (m *Manager[T]) Name() string {
	return m.name
}

// Err returns the first error reported by Bind, if any.
func (m *Manager[T]) Err() error {
	return m.err
}

// Bind classifies method, assigns its verb and route and records it.
// Errors are also kept for Err, so a sequence of binds can be checked once.
func (m *Manager[T]) Bind(method Method[T]) (*Descriptor, error) {
	d, err := m.bind(method)
	if err != nil {
		err = fmt.Errorf("bind %s.%s: %w", m.name, method.Name, err)
		if m.err == nil {
			m.err = err
		}
		return nil, err
	}
	return d, nil
}

func (m *Manager[T]) bind(method Method[T]) (*Descriptor, error) {
	if method.Name == "" {
		return nil, errors.New("method name is empty")
	}
	if _, ok := m.byName[method.Name]; ok {
		return nil, errors.New("method already bound")
	}

	set := 0
	for _, ok := range []bool{method.Invoke != nil, method.Duplex != nil, method.Push != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return nil, errors.New("exactly one of Invoke, Duplex and Push must be set")
	}
	if method.Result == nil {
		return nil, errors.New("result codec is missing")
	}
	for i, p := range method.Params {
		if p == nil {
			return nil, fmt.Errorf("codec of parameter %d is missing", i)
		}
	}

	d := &Descriptor{
		Service:    m.name,
		Name:       method.Name,
		RemoteData: method.RemoteData,
		result:     lazy(method.Result),
	}
	for _, p := range method.Params {
		d.params = append(d.params, lazy(p))
	}

	var prefix string
	switch {
	case method.Duplex != nil:
		if len(method.Params) != 1 {
			return nil, errors.New("a duplex method takes exactly one inbound and one outbound stream")
		}
		if method.Verb == GET {
			return nil, errors.New("streams cannot be bound to GET")
		}
		d.Kind, d.Verb, prefix = Duplex, POST, m.opts.websocketPrefix
	case method.Push != nil:
		if len(method.Params) != 0 {
			return nil, errors.New("a push method takes only its outbound stream")
		}
		d.Kind, d.Verb, prefix = Push, GET, m.opts.ssePrefix
	case method.RemoteData:
		d.Kind, d.Verb, prefix = Unary, POST, m.opts.routePrefix
	default:
		if len(method.Params) > MaxArity {
			return nil, fmt.Errorf("%d parameters, at most %d are supported", len(method.Params), MaxArity)
		}
		verb := method.Verb
		if verb == "" {
			verb = POST
		}
		if !verb.Valid() {
			return nil, fmt.Errorf("unsupported verb %q", verb)
		}
		d.Kind, d.Verb, prefix = Unary, verb, m.opts.routePrefix
	}

	if method.Route != "" {
		d.Path = prefix + strings.TrimPrefix(method.Route, "/")
		if owner, ok := m.paths[d.Path]; ok {
			return nil, fmt.Errorf("route %q is already used by %s", d.Path, owner)
		}
	} else {
		d.Path = prefix + DefaultRouteName + m.name + strconv.Itoa(m.counter)
		m.counter++
	}

	b := &binding[T]{desc: d, invoke: method.Invoke, duplex: method.Duplex, push: method.Push}
	m.methods = append(m.methods, b)
	m.byName[method.Name] = b
	m.paths[d.Path] = method.Name
	return d, nil
}

// Lookup returns the descriptor of the method called name.
func (m *Manager[T]) Lookup(name string) (*Descriptor, bool) {
	b, ok := m.byName[name]
	if !ok {
		return nil, false
	}
	return b.desc, true
}

// MustLookup is like Lookup but panics when name is not bound.
func (m *Manager[T]) MustLookup(name string) *Descriptor {
	d, ok := m.Lookup(name)
	if !ok {
		panic(fmt.Sprintf("kephasrpc: %s.%s is not bound", m.name, name))
	}
	return d
}

// Descriptors returns every bound method in binding order.
func (m *Manager[T]) Descriptors() []*Descriptor {
	out := make([]*Descriptor, len(m.methods))
	for i, b := range m.methods {
		out[i] = b.desc
	}
	return out
}

// BindOption adjusts a method bound through the typed helpers.
type BindOption func(*bindOptions)

type bindOptions struct {
	verb  Verb
	route string
}

// WithVerb binds a unary method to verb instead of POST.
func WithVerb(v Verb) BindOption {
	return func(o *bindOptions) { o.verb = v }
}

// WithRoute gives the method an explicit route name.
func WithRoute(route string) BindOption {
	return func(o *bindOptions) { o.route = route }
}

func unary[T any](m *Manager[T], name string, opts []BindOption, params []func() Codec, result func() Codec,
	invoke func(ctx context.Context, svc T, args []any) (any, error)) (*Descriptor, error) {
	var o bindOptions
	for _, opt := range opts {
		opt(&o)
	}
	return m.Bind(Method[T]{
		Name:   name,
		Verb:   o.verb,
		Route:  o.route,
		Params: params,
		Result: result,
		Invoke: invoke,
	})
}

// Bind0 binds a unary method without parameters.
func Bind0[T, R any](m *Manager[T], name string, fn func(T, context.Context) (R, error), opts ...BindOption) (*Descriptor, error) {
	return unary(m, name, opts, nil, JSON[R],
		func(ctx context.Context, svc T, _ []any) (any, error) {
			return fn(svc, ctx)
		})
}

// Bind1 binds a unary method with one parameter.
func Bind1[T, P1, R any](m *Manager[T], name string, fn func(T, context.Context, P1) (R, error), opts ...BindOption) (*Descriptor, error) {
	return unary(m, name, opts, []func() Codec{JSON[P1]}, JSON[R],
		func(ctx context.Context, svc T, a []any) (any, error) {
			return fn(svc, ctx, as[P1](a[0]))
		})
}

// Bind2 binds a unary method with two parameters.
func Bind2[T, P1, P2, R any](m *Manager[T], name string, fn func(T, context.Context, P1, P2) (R, error), opts ...BindOption) (*Descriptor, error) {
	return unary(m, name, opts, []func() Codec{JSON[P1], JSON[P2]}, JSON[R],
		func(ctx context.Context, svc T, a []any) (any, error) {
			return fn(svc, ctx, as[P1](a[0]), as[P2](a[1]))
		})
}

// Bind3 binds a unary method with three parameters.
func Bind3[T, P1, P2, P3, R any](m *Manager[T], name string, fn func(T, context.Context, P1, P2, P3) (R, error), opts ...BindOption) (*Descriptor, error) {
	return unary(m, name, opts, []func() Codec{JSON[P1], JSON[P2], JSON[P3]}, JSON[R],
		func(ctx context.Context, svc T, a []any) (any, error) {
			return fn(svc, ctx, as[P1](a[0]), as[P2](a[1]), as[P3](a[2]))
		})
}

// Bind4 binds a unary method with four parameters.
func Bind4[T, P1, P2, P3, P4, R any](m *Manager[T], name string, fn func(T, context.Context, P1, P2, P3, P4) (R, error), opts ...BindOption) (*Descriptor, error) {
	return unary(m, name, opts, []func() Codec{JSON[P1], JSON[P2], JSON[P3], JSON[P4]}, JSON[R],
		func(ctx context.Context, svc T, a []any) (any, error) {
			return fn(svc, ctx, as[P1](a[0]), as[P2](a[1]), as[P3](a[2]), as[P4](a[3]))
		})
}

// Bind5 binds a unary method with five parameters.
func Bind5[T, P1, P2, P3, P4, P5, R any](m *Manager[T], name string, fn func(T, context.Context, P1, P2, P3, P4, P5) (R, error), opts ...BindOption) (*Descriptor, error) {
	return unary(m, name, opts, []func() Codec{JSON[P1], JSON[P2], JSON[P3], JSON[P4], JSON[P5]}, JSON[R],
		func(ctx context.Context, svc T, a []any) (any, error) {
			return fn(svc, ctx, as[P1](a[0]), as[P2](a[1]), as[P3](a[2]), as[P4](a[3]), as[P5](a[4]))
		})
}

// Bind6 binds a unary method with six parameters.
func Bind6[T, P1, P2, P3, P4, P5, P6, R any](m *Manager[T], name string, fn func(T, context.Context, P1, P2, P3, P4, P5, P6) (R, error), opts ...BindOption) (*Descriptor, error) {
	return unary(m, name, opts, []func() Codec{JSON[P1], JSON[P2], JSON[P3], JSON[P4], JSON[P5], JSON[P6]}, JSON[R],
		func(ctx context.Context, svc T, a []any) (any, error) {
			return fn(svc, ctx, as[P1](a[0]), as[P2](a[1]), as[P3](a[2]), as[P4](a[3]), as[P5](a[4]), as[P6](a[5]))
		})
}

// RemoteDataFunc is the shape of a paginated listing method.
type RemoteDataFunc[T, R any] func(svc T, ctx context.Context, page, size *int, filter []RemoteFilter, sorter []RemoteSorter, state *string) (RemoteData[R], error)

// BindRemoteData binds a paginated listing. It is always a POST route.
func BindRemoteData[T, R any](m *Manager[T], name string, fn RemoteDataFunc[T, R], opts ...BindOption) (*Descriptor, error) {
	var o bindOptions
	for _, opt := range opts {
		opt(&o)
	}
	return m.Bind(Method[T]{
		Name:       name,
		Route:      o.route,
		RemoteData: true,
		Params:     []func() Codec{JSON[*int], JSON[*int], JSON[[]RemoteFilter], JSON[[]RemoteSorter], JSON[*string]},
		Result:     JSON[RemoteData[R]],
		Invoke: func(ctx context.Context, svc T, a []any) (any, error) {
			return fn(svc, ctx, as[*int](a[0]), as[*int](a[1]), as[[]RemoteFilter](a[2]), as[[]RemoteSorter](a[3]), as[*string](a[4]))
		},
	})
}

// BindDuplex binds a method that receives REQ values from the client and
// sends RES values back over one WebSocket connection.
func BindDuplex[T, REQ, RES any](m *Manager[T], name string, fn func(T, context.Context, *Inbound[REQ], *Outbound[RES]) error, opts ...BindOption) (*Descriptor, error) {
	var o bindOptions
	for _, opt := range opts {
		opt(&o)
	}
	in, out := lazy(JSON[REQ]), lazy(JSON[RES])
	return m.Bind(Method[T]{
		Name:   name,
		Verb:   o.verb,
		Route:  o.route,
		Params: []func() Codec{in},
		Result: out,
		Duplex: func(ctx context.Context, svc T, rawIn RawInbound, rawOut RawOutbound) error {
			return fn(svc, ctx, NewInbound[REQ](rawIn, in()), NewOutbound[RES](rawOut, out()))
		},
	})
}

// BindPush binds a method that streams V values to the client over
// Server-Sent Events.
func BindPush[T, V any](m *Manager[T], name string, fn func(T, context.Context, *Outbound[V]) error, opts ...BindOption) (*Descriptor, error) {
	var o bindOptions
	for _, opt := range opts {
		opt(&o)
	}
	out := lazy(JSON[V])
	return m.Bind(Method[T]{
		Name:   name,
		Route:  o.route,
		Result: out,
		Push: func(ctx context.Context, svc T, rawOut RawOutbound) error {
			return fn(svc, ctx, NewOutbound[V](rawOut, out()))
		},
	})
}

// Factory supplies the service instance for one request or connection.
type Factory[T any] func(r *http.Request) (T, error)

// Singleton returns a Factory that always hands out svc.
func Singleton[T any](svc T) Factory[T] {
	return func(*http.Request) (T, error) { return svc, nil }
}

// Endpoint is a bound method ready to serve: its descriptor plus untyped
// entry points over the service instance returned by Resolve.
type Endpoint struct {
	*Descriptor

	Resolve func(r *http.Request) (any, error)
	Invoke  func(ctx context.Context, svc any, args []any) (any, error)
	Duplex  func(ctx context.Context, svc any, in RawInbound, out RawOutbound) error
	Push    func(ctx context.Context, svc any, out RawOutbound) error
}

// Service is a contract bound to an implementation, ready to be registered
// with a server.
type Service interface {
	Name() string
	Endpoints() []Endpoint
	Err() error
}

// Provide turns the manager into a Service whose instances come from factory.
func (m *Manager[T]) Provide(factory Factory[T]) Service {
	return &provided[T]{m: m, factory: factory}
}

type provided[T any] struct {
	m       *Manager[T]
	factory Factory[T]
}

func (p *provided[T]) Name() string { return p.m.name }

func (p *provided[T]) Err() error { return p.m.err }

func (p *provided[T]) Endpoints() []Endpoint {
	resolve := func(r *http.Request) (any, error) {
		return p.factory(r)
	}

	eps := make([]Endpoint, 0, len(p.m.methods))
	for _, b := range p.m.methods {
		ep := Endpoint{Descriptor: b.desc, Resolve: resolve}
		switch b.desc.Kind {
		case Unary:
			invoke := b.invoke
			ep.Invoke = func(ctx context.Context, svc any, args []any) (any, error) {
				return invoke(ctx, as[T](svc), args)
			}
		case Duplex:
			duplex := b.duplex
			ep.Duplex = func(ctx context.Context, svc any, in RawInbound, out RawOutbound) error {
				return duplex(ctx, as[T](svc), in, out)
			}
		case Push:
			push := b.push
			ep.Push = func(ctx context.Context, svc any, out RawOutbound) error {
				return push(ctx, as[T](svc), out)
			}
		}
		eps = append(eps, ep)
	}
	return eps
}
