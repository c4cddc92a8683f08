package discovery

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// etcdRegistry connects to the etcd cluster named by KEPHASRPC_ETCD_ENDPOINTS
// or skips the test.
func etcdRegistry(t *testing.T) *Registry {
	t.Helper()

	endpoints := os.Getenv("KEPHASRPC_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("KEPHASRPC_ETCD_ENDPOINTS not set")
	}
	reg, err := NewRegistry(Config{
		Endpoints: strings.Split(endpoints, ","),
		TTL:       5,
		Logger:    zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel)),
	})
	if err != nil {
		t.Fatalf("NewRegistry() failed: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestRegisterAndDiscover(t *testing.T) {
	reg := etcdRegistry(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	service := "Test" + strings.ReplaceAll(t.Name(), "/", "")
	if err := reg.Register(ctx, service, "http://127.0.0.1:8001"); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ctx, service, "http://127.0.0.1:8002"); err != nil {
		t.Fatal(err)
	}

	instances, err := reg.Discover(ctx, service)
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 {
		t.Fatalf("expect 2 instances, got %d", len(instances))
	}

	if err := reg.Deregister(ctx, service, "http://127.0.0.1:8001"); err != nil {
		t.Fatal(err)
	}

	instances, err = reg.Discover(ctx, service)
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 1 || instances[0].BaseURL != "http://127.0.0.1:8002" {
		t.Fatalf("expect only 8002 after deregister, got %v", instances)
	}

	reg.Deregister(ctx, service, "http://127.0.0.1:8002")
}

func TestWatch(t *testing.T) {
	reg := etcdRegistry(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	service := "Test" + strings.ReplaceAll(t.Name(), "/", "")
	updates := reg.Watch(ctx, service)

	// Let the watch start before writing.
	time.Sleep(200 * time.Millisecond)
	if err := reg.Register(ctx, service, "http://127.0.0.1:9001"); err != nil {
		t.Fatal(err)
	}
	defer reg.Deregister(context.Background(), service, "http://127.0.0.1:9001")

	select {
	case instances := <-updates:
		if len(instances) != 1 || instances[0].BaseURL != "http://127.0.0.1:9001" {
			t.Fatalf("watch emitted %v", instances)
		}
	case <-ctx.Done():
		t.Fatal("no watch update")
	}
}

func TestResolverOverEtcd(t *testing.T) {
	reg := etcdRegistry(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	service := "Test" + strings.ReplaceAll(t.Name(), "/", "")
	if err := reg.Register(ctx, service, "http://127.0.0.1:7001"); err != nil {
		t.Fatal(err)
	}
	defer reg.Deregister(context.Background(), service, "http://127.0.0.1:7001")

	r := NewResolver(reg)
	defer r.Close()

	url, err := r.Resolve(ctx, service)
	if err != nil {
		t.Fatal(err)
	}
	if url != "http://127.0.0.1:7001" {
		t.Fatalf("Resolve() = %q", url)
	}
}
