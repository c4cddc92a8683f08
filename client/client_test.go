package client_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/luciancaetano/kephasrpc"
	"github.com/luciancaetano/kephasrpc/client"
	"github.com/luciancaetano/kephasrpc/server"
)

type insufficientFunds struct {
	Message string `json:"message"`
	Missing int    `json:"missing"`
}

func (e *insufficientFunds) Error() string     { return e.Message }
func (e *insufficientFunds) ErrorKind() string { return "test.InsufficientFunds" }

var exceptions = kephasrpc.NewExceptions(func() kephasrpc.DomainError { return &insufficientFunds{} })

type wallet struct {
	cancelled chan error
}

func (*wallet) Echo(_ context.Context, s string, n int) (string, error) {
	return fmt.Sprintf("%s|%d", s, n), nil
}

func (*wallet) Add(_ context.Context, a, b int) (int, error) {
	time.Sleep(time.Duration(a%5) * time.Millisecond)
	return a + b, nil
}

func (*wallet) Withdraw(_ context.Context, amount int) (int, error) {
	if amount > 10 {
		return 0, &insufficientFunds{Message: "balance too low", Missing: amount - 10}
	}
	return 10 - amount, nil
}

func (*wallet) Secret(context.Context) (string, error) {
	return "", &kephasrpc.SecurityError{Message: "login required"}
}

func (*wallet) Pair(ctx context.Context, in *kephasrpc.Inbound[string], out *kephasrpc.Outbound[string]) error {
	for i := 0; i < 2; i++ {
		v, err := in.Receive(ctx)
		if err != nil {
			return err
		}
		if err := out.Send(ctx, strings.ToUpper(v)); err != nil {
			return err
		}
	}
	return nil
}

func (w *wallet) Count(ctx context.Context, out *kephasrpc.Outbound[int]) error {
	for i := 0; ; i++ {
		if err := out.Send(ctx, i); err != nil {
			w.cancelled <- err
			return err
		}
		select {
		case <-ctx.Done():
			w.cancelled <- ctx.Err()
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (*wallet) Closing(ctx context.Context, out *kephasrpc.Outbound[int]) error {
	out.Send(ctx, 1)
	return &kephasrpc.ServiceError{Message: "market closed"}
}

type fixture struct {
	manager *kephasrpc.Manager[*wallet]
	wallet  *wallet
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	m := kephasrpc.NewManager[*wallet]("Wallet")
	kephasrpc.Bind2(m, "Echo", (*wallet).Echo, kephasrpc.WithVerb(kephasrpc.GET))
	kephasrpc.Bind2(m, "Add", (*wallet).Add)
	kephasrpc.Bind1(m, "Withdraw", (*wallet).Withdraw)
	kephasrpc.Bind0(m, "Secret", (*wallet).Secret)
	kephasrpc.BindDuplex(m, "Pair", (*wallet).Pair)
	kephasrpc.BindPush(m, "Count", (*wallet).Count)
	kephasrpc.BindPush(m, "Closing", (*wallet).Closing)
	if err := m.Err(); err != nil {
		t.Fatal(err)
	}
	return &fixture{manager: m, wallet: &wallet{cancelled: make(chan error, 1)}}
}

// serve hosts the fixture under prefix and returns the base URL.
func (f *fixture) serve(t *testing.T, prefix string) string {
	t.Helper()

	cfg := server.NewConfig("", server.NoRateLimit(), server.AllOrigins(), nil, nil)
	cfg.Exceptions = exceptions
	srv := server.New(cfg)
	if err := srv.RegisterService(context.Background(), f.manager.Provide(kephasrpc.Singleton(f.wallet))); err != nil {
		t.Fatalf("RegisterService() failed: %v", err)
	}

	var h http.Handler = srv.Handler()
	if prefix != "" {
		h = http.StripPrefix(prefix, h)
	}
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return ts.URL + prefix
}

func (f *fixture) client(t *testing.T, baseURL string) *client.Client {
	t.Helper()

	cfg := client.DefaultConfig(baseURL)
	cfg.Exceptions = exceptions
	return client.New(cfg)
}

// TestCallGet tests that GET arguments travel as p0..pN query parameters
func TestCallGet(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	var (
		mu    sync.Mutex
		query string
	)
	cfg := client.DefaultConfig(f.serve(t, ""))
	cfg.RequestFilter = func(r *http.Request) error {
		mu.Lock()
		query = r.URL.RawQuery
		mu.Unlock()
		return nil
	}
	c := client.New(cfg)

	got, err := client.Call[string](context.Background(), c, f.manager.MustLookup("Echo"), "hello world", 42)
	if err != nil {
		t.Fatalf("Call() failed: %v", err)
	}
	if got != "hello world|42" {
		t.Errorf("Call() = %q, want %q", got, "hello world|42")
	}

	mu.Lock()
	defer mu.Unlock()
	if query != "p0=hello%20world&p1=42" {
		t.Errorf("query = %q, want %q", query, "p0=hello%20world&p1=42")
	}
}

// TestConcurrentCalls tests that concurrent calls each get their own result
func TestConcurrentCalls(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	c := f.client(t, f.serve(t, ""))
	add := f.manager.MustLookup("Add")

	const calls = 50
	var wg sync.WaitGroup
	errs := make(chan error, calls)
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := client.Call[int](context.Background(), c, add, i, 1000)
			if err != nil {
				errs <- err
				return
			}
			if got != i+1000 {
				errs <- fmt.Errorf("Add(%d, 1000) = %d", i, got)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

// TestCallErrors tests how failures are rebuilt on the calling side
func TestCallErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	c := f.client(t, f.serve(t, ""))
	ctx := context.Background()

	t.Run("domain error keeps its type", func(t *testing.T) {
		_, err := client.Call[int](ctx, c, f.manager.MustLookup("Withdraw"), 15)
		var funds *insufficientFunds
		if !errors.As(err, &funds) {
			t.Fatalf("Call() error = %v (%T), want *insufficientFunds", err, err)
		}
		if funds.Message != "balance too low" || funds.Missing != 5 {
			t.Errorf("error = %+v, want balance too low / 5", funds)
		}
	})

	t.Run("security error", func(t *testing.T) {
		_, err := client.Call[string](ctx, c, f.manager.MustLookup("Secret"))
		var sec *kephasrpc.SecurityError
		if !errors.As(err, &sec) {
			t.Fatalf("Call() error = %v (%T), want *SecurityError", err, err)
		}
		if sec.Message != "login required" {
			t.Errorf("Message = %q, want login required", sec.Message)
		}
	})

	t.Run("wrong argument count", func(t *testing.T) {
		_, err := client.Call[int](ctx, c, f.manager.MustLookup("Add"), 1)
		if !errors.Is(err, kephasrpc.ErrInvalidParams) {
			t.Errorf("Call() error = %v, want ErrInvalidParams", err)
		}
	})

	t.Run("stream method", func(t *testing.T) {
		if _, err := c.CallRaw(ctx, f.manager.MustLookup("Count")); err == nil {
			t.Error("CallRaw() on a push method succeeded")
		}
	})
}

// TestCallBadServers tests responses that do not come from a well-behaved server
func TestCallBadServers(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	add := f.manager.MustLookup("Add")

	tests := []struct {
		name    string
		handler http.HandlerFunc
		check   func(t *testing.T, err error)
	}{
		{
			name: "mismatched id",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				io.WriteString(w, `{"id":999,"result":"3"}`)
			},
			check: func(t *testing.T, err error) {
				if !errors.Is(err, kephasrpc.ErrInvalidResponseID) {
					t.Errorf("error = %v, want ErrInvalidResponseID", err)
				}
			},
		},
		{
			name: "mismatched id on failure",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				io.WriteString(w, `{"id":999,"error":"boom"}`)
			},
			check: func(t *testing.T, err error) {
				if !errors.Is(err, kephasrpc.ErrInvalidResponseID) {
					t.Errorf("error = %v, want ErrInvalidResponseID", err)
				}
			},
		},
		{
			name: "html page",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/html; charset=utf-8")
				io.WriteString(w, "<html>login</html>")
			},
			check: func(t *testing.T, err error) {
				var cte *kephasrpc.ContentTypeError
				if !errors.As(err, &cte) {
					t.Fatalf("error = %v (%T), want *ContentTypeError", err, err)
				}
				if !strings.HasPrefix(cte.ContentType, "text/html") {
					t.Errorf("ContentType = %q", cte.ContentType)
				}
			},
		},
		{
			name: "unauthorized",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "token expired", http.StatusUnauthorized)
			},
			check: func(t *testing.T, err error) {
				var sec *kephasrpc.SecurityError
				if !errors.As(err, &sec) || sec.Message != "token expired" {
					t.Errorf("error = %v, want SecurityError(token expired)", err)
				}
			},
		},
		{
			name: "bad gateway",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "upstream down", http.StatusBadGateway)
			},
			check: func(t *testing.T, err error) {
				var re *kephasrpc.RemoteError
				if !errors.As(err, &re) || re.Status != http.StatusBadGateway {
					t.Errorf("error = %v, want RemoteError with status 502", err)
				}
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ts := httptest.NewServer(tt.handler)
			defer ts.Close()

			_, err := client.Call[int](context.Background(), f.client(t, ts.URL), add, 1, 2)
			tt.check(t, err)
		})
	}
}

// TestBaseURLPrefix tests a server mounted below a path prefix
func TestBaseURLPrefix(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	c := f.client(t, f.serve(t, "/api")+"/")

	got, err := client.Call[int](context.Background(), c, f.manager.MustLookup("Add"), 2, 3)
	if err != nil {
		t.Fatalf("Call() failed: %v", err)
	}
	if got != 5 {
		t.Errorf("Call() = %d, want 5", got)
	}
}

// TestRoutes tests route introspection over JSON-RPC 2.0
func TestRoutes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	c := f.client(t, f.serve(t, ""))

	routes, err := c.Routes(context.Background(), "Wallet")
	if err != nil {
		t.Fatalf("Routes() failed: %v", err)
	}
	if len(routes) != len(f.manager.Descriptors()) {
		t.Fatalf("len(Routes()) = %d, want %d", len(routes), len(f.manager.Descriptors()))
	}

	found := false
	for _, r := range routes {
		if r.Method == "Echo" {
			found = true
			if r.Verb != "GET" || r.Path != "/rpc/routeWallet0" {
				t.Errorf("Echo route = %s %s", r.Verb, r.Path)
			}
		}
	}
	if !found {
		t.Error("Echo route missing")
	}

	none, err := c.Routes(context.Background(), "Nobody")
	if err != nil {
		t.Fatalf("Routes() failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("Routes(Nobody) = %v, want none", none)
	}
}

type staticResolver map[string]string

func (r staticResolver) Resolve(_ context.Context, service string) (string, error) {
	url, ok := r[service]
	if !ok {
		return "", errors.New("unknown service")
	}
	return url, nil
}

// TestResolver tests per-service base URL lookup
func TestResolver(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	cfg := client.DefaultConfig("")
	cfg.Resolver = staticResolver{"Wallet": f.serve(t, "")}
	c := client.New(cfg)

	if _, err := client.Call[int](context.Background(), c, f.manager.MustLookup("Add"), 1, 1); err != nil {
		t.Fatalf("Call() failed: %v", err)
	}

	other := kephasrpc.NewManager[*wallet]("Other")
	d, _ := kephasrpc.Bind2(other, "Add", (*wallet).Add)
	if _, err := client.Call[int](context.Background(), c, d, 1, 1); err == nil {
		t.Error("Call() to an unresolvable service succeeded")
	}
}
