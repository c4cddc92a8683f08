// Package discovery publishes kephasrpc servers in etcd and resolves service
// names to server base URLs on the calling side.
//
// Each hosted service is stored under a lease:
//
//	Key:   /kephasrpc/<service>/<baseURL>
//	Value: JSON-encoded Instance
//
// If a server dies without deregistering, its lease expires and the entry
// disappears.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const (
	// KeyPrefix starts every key written by a Registry.
	KeyPrefix = "/kephasrpc/"

	// DefaultTTL is the lease time-to-live in seconds.
	DefaultTTL = 10

	defaultDialTimeout = 5 * time.Second
)

// Instance is one server hosting a service.
type Instance struct {
	Service string `json:"service"`
	BaseURL string `json:"baseUrl"`
	Weight  int    `json:"weight,omitempty"`
	Version string `json:"version,omitempty"`
}

// Config holds the settings of a Registry.
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	// TTL is the lease time-to-live in seconds. Zero means DefaultTTL.
	TTL     int64
	Version string
	Logger  *zap.Logger
}

// Registry stores instances in etcd. It publishes the services of a server
// (it implements kephasrpc.Publisher) and serves lookups to Resolvers.
type Registry struct {
	client *clientv3.Client
	ttl    int64
	ver    string
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]lease
}

type lease struct {
	id     clientv3.LeaseID
	cancel context.CancelFunc
}

// NewRegistry connects to etcd.
func NewRegistry(cfg Config) (*Registry, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = defaultDialTimeout
	}
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}

	c, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}
	return &Registry{
		client: c,
		ttl:    ttl,
		ver:    cfg.Version,
		logger: logger,
		leases: make(map[string]lease),
	}, nil
}

func key(service, baseURL string) string {
	return KeyPrefix + service + "/" + baseURL
}

func prefix(service string) string {
	return KeyPrefix + service + "/"
}

// Register publishes baseURL as a host of service and keeps its lease alive
// until Deregister or Close.
func (r *Registry) Register(ctx context.Context, service, baseURL string) error {
	grant, err := r.client.Grant(ctx, r.ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(Instance{Service: service, BaseURL: baseURL, Weight: 1, Version: r.ver})
	if err != nil {
		return err
	}

	k := key(service, baseURL)
	if _, err := r.client.Put(ctx, k, string(val), clientv3.WithLease(grant.ID)); err != nil {
		return err
	}

	// The keepalive outlives ctx, which only bounds registration.
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, grant.ID)
	if err != nil {
		cancel()
		return err
	}
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive stopped", zap.String("key", k))
	}()

	r.mu.Lock()
	if old, ok := r.leases[k]; ok {
		old.cancel()
	}
	r.leases[k] = lease{id: grant.ID, cancel: cancel}
	r.mu.Unlock()

	r.logger.Info("service registered", zap.String("service", service), zap.String("url", baseURL), zap.Int64("ttl", r.ttl))
	return nil
}

// Deregister removes baseURL from the hosts of service.
func (r *Registry) Deregister(ctx context.Context, service, baseURL string) error {
	k := key(service, baseURL)

	r.mu.Lock()
	l, ok := r.leases[k]
	delete(r.leases, k)
	r.mu.Unlock()

	if ok {
		l.cancel()
		if _, err := r.client.Revoke(ctx, l.id); err != nil {
			r.logger.Warn("lease revoke failed", zap.String("key", k), zap.Error(err))
		}
	}
	if _, err := r.client.Delete(ctx, k); err != nil {
		return err
	}
	r.logger.Info("service deregistered", zap.String("service", service), zap.String("url", baseURL))
	return nil
}

// Discover returns the current hosts of service.
func (r *Registry) Discover(ctx context.Context, service string) ([]Instance, error) {
	resp, err := r.client.Get(ctx, prefix(service), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		inst, ok := r.decode(kv)
		if ok {
			instances = append(instances, inst)
		}
	}
	return instances, nil
}

// Watch emits the full host list of service every time it changes. The
// channel is closed when ctx ends.
func (r *Registry) Watch(ctx context.Context, service string) <-chan []Instance {
	ch := make(chan []Instance, 1)

	go func() {
		defer close(ch)

		current := make(map[string]Instance)
		resp, err := r.client.Get(ctx, prefix(service), clientv3.WithPrefix())
		if err != nil {
			r.logger.Warn("watch initial fetch failed", zap.String("service", service), zap.Error(err))
			return
		}
		for _, kv := range resp.Kvs {
			if inst, ok := r.decode(kv); ok {
				current[string(kv.Key)] = inst
			}
		}

		wch := r.client.Watch(ctx, prefix(service), clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
		for wresp := range wch {
			if err := wresp.Err(); err != nil {
				r.logger.Warn("watch failed", zap.String("service", service), zap.Error(err))
				return
			}
			for _, ev := range wresp.Events {
				switch ev.Type {
				case mvccpb.PUT:
					if inst, ok := r.decode(ev.Kv); ok {
						current[string(ev.Kv.Key)] = inst
					}
				case mvccpb.DELETE:
					delete(current, string(ev.Kv.Key))
				}
			}

			instances := make([]Instance, 0, len(current))
			for _, inst := range current {
				instances = append(instances, inst)
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

func (r *Registry) decode(kv *mvccpb.KeyValue) (Instance, bool) {
	var inst Instance
	if err := json.Unmarshal(kv.Value, &inst); err != nil {
		r.logger.Debug("skipping malformed entry", zap.String("key", string(kv.Key)), zap.Error(err))
		return Instance{}, false
	}
	if inst.BaseURL == "" {
		inst.BaseURL = strings.TrimPrefix(string(kv.Key), KeyPrefix+inst.Service+"/")
	}
	return inst, true
}

// Close stops every keepalive and disconnects from etcd. Leases that were not
// deregistered expire after their TTL.
func (r *Registry) Close() error {
	r.mu.Lock()
	for k, l := range r.leases {
		l.cancel()
		delete(r.leases, k)
	}
	r.mu.Unlock()

	err := r.client.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
