package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// TestRoundRobin tests that instances are picked in turn
func TestRoundRobin(t *testing.T) {
	t.Parallel()

	instances := []Instance{{BaseURL: "a"}, {BaseURL: "b"}, {BaseURL: "c"}}
	b := &RoundRobin{}

	var got []string
	for i := 0; i < 6; i++ {
		inst, err := b.Pick(instances)
		if err != nil {
			t.Fatalf("Pick() failed: %v", err)
		}
		got = append(got, inst.BaseURL)
	}

	want := []string{"a", "b", "c", "a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("picks = %v, want %v", got, want)
		}
	}

	if _, err := b.Pick(nil); !errors.Is(err, ErrNoInstances) {
		t.Errorf("Pick(nil) error = %v, want ErrNoInstances", err)
	}
}

// TestStaticResolver tests resolving from a fixed host list
func TestStaticResolver(t *testing.T) {
	t.Parallel()

	r := NewResolver(Static{"Bank": {"http://a:1", "http://b:2"}})
	defer r.Close()

	ctx := context.Background()
	seen := make(map[string]int)
	for i := 0; i < 4; i++ {
		url, err := r.Resolve(ctx, "Bank")
		if err != nil {
			t.Fatalf("Resolve() failed: %v", err)
		}
		seen[url]++
	}
	if seen["http://a:1"] != 2 || seen["http://b:2"] != 2 {
		t.Errorf("distribution = %v, want 2 each", seen)
	}

	if _, err := r.Resolve(ctx, "Unknown"); !errors.Is(err, ErrNoInstances) {
		t.Errorf("Resolve(Unknown) error = %v, want ErrNoInstances", err)
	}
}

// watchSource is a Source whose host list is pushed by the test.
type watchSource struct {
	mu      sync.Mutex
	initial []Instance
	fail    error
	updates chan []Instance
}

func (s *watchSource) Discover(context.Context, string) ([]Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initial, s.fail
}

func (s *watchSource) Watch(ctx context.Context, _ string) <-chan []Instance {
	return s.updates
}

// TestResolverFollowsChanges tests that watch updates replace the host list
func TestResolverFollowsChanges(t *testing.T) {
	t.Parallel()

	src := &watchSource{
		initial: []Instance{{BaseURL: "http://old"}},
		updates: make(chan []Instance),
	}
	r := NewResolver(src)
	defer r.Close()

	ctx := context.Background()
	if url, err := r.Resolve(ctx, "Bank"); err != nil || url != "http://old" {
		t.Fatalf("Resolve() = %q, %v; want http://old", url, err)
	}

	src.updates <- []Instance{{BaseURL: "http://new"}}

	deadline := time.Now().Add(2 * time.Second)
	for {
		url, err := r.Resolve(ctx, "Bank")
		if err == nil && url == "http://new" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Resolve() = %q, %v; want http://new", url, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	src.updates <- nil
	deadline = time.Now().Add(2 * time.Second)
	for {
		_, err := r.Resolve(ctx, "Bank")
		if errors.Is(err, ErrNoInstances) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Resolve() error = %v, want ErrNoInstances", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestResolverRetriesFailedDiscovery tests that a failed lookup is not cached
func TestResolverRetriesFailedDiscovery(t *testing.T) {
	t.Parallel()

	src := &watchSource{fail: errors.New("etcd unavailable")}
	r := NewResolver(src)
	defer r.Close()

	if _, err := r.Resolve(context.Background(), "Bank"); err == nil {
		t.Fatal("Resolve() succeeded with a failing source")
	}

	src.mu.Lock()
	src.fail = nil
	src.initial = []Instance{{BaseURL: "http://up"}}
	src.mu.Unlock()

	url, err := r.Resolve(context.Background(), "Bank")
	if err != nil || url != "http://up" {
		t.Errorf("Resolve() = %q, %v; want http://up", url, err)
	}
}
