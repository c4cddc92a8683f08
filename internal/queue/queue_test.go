package queue

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

// TestFIFO tests ordering and unbounded buffering
func TestFIFO(t *testing.T) {
	t.Parallel()

	q := New[int]()
	ctx := context.Background()
	for i := 0; i < 10000; i++ {
		if err := q.Send(ctx, i); err != nil {
			t.Fatalf("Send(%d) failed: %v", i, err)
		}
	}
	if q.Len() != 10000 {
		t.Fatalf("Len() = %d, want 10000", q.Len())
	}

	for i := 0; i < 10000; i++ {
		v, err := q.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive() failed: %v", err)
		}
		if v != i {
			t.Fatalf("Receive() = %d, want %d", v, i)
		}
	}
}

// TestCloseDrains tests that values sent before Close are delivered before EOF
func TestCloseDrains(t *testing.T) {
	t.Parallel()

	q := New[string]()
	ctx := context.Background()
	q.Send(ctx, "a")
	q.Send(ctx, "b")
	q.Close()
	q.Close()

	if err := q.Send(ctx, "c"); !errors.Is(err, ErrClosed) {
		t.Errorf("Send() after Close error = %v, want ErrClosed", err)
	}

	for _, want := range []string{"a", "b"} {
		got, err := q.Receive(ctx)
		if err != nil || got != want {
			t.Fatalf("Receive() = %q, %v; want %q", got, err, want)
		}
	}
	if _, err := q.Receive(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("Receive() on drained queue error = %v, want io.EOF", err)
	}
}

// TestCloseWithError tests custom termination errors
func TestCloseWithError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	q := New[int]()
	q.CloseWithError(boom)
	q.CloseWithError(errors.New("ignored"))

	if _, err := q.Receive(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Receive() error = %v, want boom", err)
	}
}

// TestReceiveUnblocksOnClose tests that a blocked receiver observes closure
func TestReceiveUnblocksOnClose(t *testing.T) {
	t.Parallel()

	q := New[int]()
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Receive(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, io.EOF) {
			t.Errorf("Receive() error = %v, want io.EOF", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Receive() did not return after Close")
	}
}

// TestReceiveContextCancel tests that cancellation interrupts a blocked receiver
func TestReceiveContextCancel(t *testing.T) {
	t.Parallel()

	q := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := q.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Receive() error = %v, want context.DeadlineExceeded", err)
	}
}

// TestConcurrentSenders tests many senders with one receiver
func TestConcurrentSenders(t *testing.T) {
	t.Parallel()

	q := New[int]()
	ctx := context.Background()

	const senders, perSender = 8, 500
	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				q.Send(ctx, i)
			}
		}()
	}
	go func() {
		wg.Wait()
		q.Close()
	}()

	count := 0
	for {
		_, err := q.Receive(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Receive() failed: %v", err)
		}
		count++
	}
	if count != senders*perSender {
		t.Errorf("received %d values, want %d", count, senders*perSender)
	}
}
