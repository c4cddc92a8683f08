package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrNoInstances is returned when no server hosts the requested service.
var ErrNoInstances = errors.New("no instances available")

// Source lists the hosts of a service. Registry is the etcd-backed Source.
type Source interface {
	Discover(ctx context.Context, service string) ([]Instance, error)
	// Watch emits the host list whenever it changes. A nil channel means the
	// list never changes.
	Watch(ctx context.Context, service string) <-chan []Instance
}

// Static is a fixed Source, keyed by service name.
type Static map[string][]string

// Discover returns the configured hosts of service.
func (s Static) Discover(_ context.Context, service string) ([]Instance, error) {
	urls := s[service]
	instances := make([]Instance, len(urls))
	for i, u := range urls {
		instances[i] = Instance{Service: service, BaseURL: u, Weight: 1}
	}
	return instances, nil
}

// Watch returns nil; a Static source never changes.
func (Static) Watch(context.Context, string) <-chan []Instance {
	return nil
}

// Balancer picks one instance per call. Implementations must be safe for
// concurrent use.
type Balancer interface {
	Pick(instances []Instance) (Instance, error)
	Name() string
}

// RoundRobin cycles through the instances in order.
type RoundRobin struct {
	counter atomic.Int64
}

// Pick returns the next instance.
func (b *RoundRobin) Pick(instances []Instance) (Instance, error) {
	if len(instances) == 0 {
		return Instance{}, ErrNoInstances
	}
	index := (b.counter.Add(1) - 1) % int64(len(instances))
	return instances[index], nil
}

func (*RoundRobin) Name() string {
	return "RoundRobin"
}

// Resolver maps service names to base URLs for a client. The host list of a
// service is fetched on first use and then kept current by watching the Source.
type Resolver struct {
	source  Source
	newBal  func() Balancer
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	ready     chan struct{}
	err       error
	instances atomic.Pointer[[]Instance]
	balancer  Balancer
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithBalancer sets the strategy used per service. The default is RoundRobin.
func WithBalancer(newBalancer func() Balancer) ResolverOption {
	return func(r *Resolver) {
		r.newBal = newBalancer
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// NewResolver creates a resolver over source. Close stops its watches.
func NewResolver(source Source, opts ...ResolverOption) *Resolver {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Resolver{
		source:  source,
		newBal:  func() Balancer { return &RoundRobin{} },
		logger:  zap.NewNop(),
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the base URL of a server hosting service.
func (r *Resolver) Resolve(ctx context.Context, service string) (string, error) {
	e, err := r.entry(ctx, service)
	if err != nil {
		return "", err
	}
	inst, err := e.balancer.Pick(*e.instances.Load())
	if err != nil {
		return "", fmt.Errorf("%s: %w", service, err)
	}
	return inst.BaseURL, nil
}

func (r *Resolver) entry(ctx context.Context, service string) (*entry, error) {
	r.mu.Lock()
	e, ok := r.entries[service]
	if !ok {
		e = &entry{ready: make(chan struct{}), balancer: r.newBal()}
		r.entries[service] = e
		go r.load(service, e)
	}
	r.mu.Unlock()

	select {
	case <-e.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if e.err != nil {
		r.mu.Lock()
		if r.entries[service] == e {
			delete(r.entries, service)
		}
		r.mu.Unlock()
		return nil, e.err
	}
	return e, nil
}

// load fetches the host list of service, then follows its changes.
func (r *Resolver) load(service string, e *entry) {
	instances, err := r.source.Discover(r.ctx, service)
	if err != nil {
		e.err = fmt.Errorf("discover %s: %w", service, err)
		close(e.ready)
		return
	}
	e.instances.Store(&instances)
	close(e.ready)
	r.logger.Debug("service resolved", zap.String("service", service), zap.Int("instances", len(instances)))

	updates := r.source.Watch(r.ctx, service)
	if updates == nil {
		return
	}
	for instances := range updates {
		e.instances.Store(&instances)
		r.logger.Debug("service hosts changed", zap.String("service", service), zap.Int("instances", len(instances)))
	}
}

// Close stops all watches.
func (r *Resolver) Close() {
	r.cancel()
}
