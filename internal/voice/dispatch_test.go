package voice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestDispatcherPreservesOrder(t *testing.T) {
	var (
		mu  sync.Mutex
		got []int
	)
	d := newDispatcher(4, zaptest.NewLogger(t), func(_ context.Context, v int) error {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
		return nil
	})
	for i := 0; i < 100; i++ {
		if !d.Enqueue(context.Background(), i) {
			t.Fatalf("Enqueue(%d) rejected", i)
		}
	}
	d.Close(context.Background())

	if len(got) != 100 {
		t.Fatalf("delivered %d items, want 100", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("got[%d] = %d, want %d", i, v, i)
		}
	}
	if d.Enqueue(context.Background(), 101) {
		t.Fatalf("Enqueue() after Close should be rejected")
	}
}

func TestDispatcherDeliveryErrorsAreSwallowed(t *testing.T) {
	var calls int
	d := newDispatcher(8, zaptest.NewLogger(t), func(_ context.Context, v int) error {
		calls++
		if v%2 == 0 {
			return errors.New("downstream closed")
		}
		return nil
	})
	for i := 0; i < 6; i++ {
		d.Enqueue(context.Background(), i)
	}
	d.Close(context.Background())
	if calls != 6 {
		t.Fatalf("calls = %d, want 6", calls)
	}
	if d.Failures() != 3 {
		t.Fatalf("Failures() = %d, want 3", d.Failures())
	}
}

func TestDispatcherCancelDropsPending(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var (
		mu        sync.Mutex
		delivered int
	)
	d := newDispatcher(16, zaptest.NewLogger(t), func(ctx context.Context, _ int) error {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		mu.Lock()
		delivered++
		mu.Unlock()
		return nil
	})
	for i := 0; i < 10; i++ {
		d.Enqueue(context.Background(), i)
	}
	<-started
	d.Cancel()
	d.Cancel()
	close(release)

	select {
	case <-d.done:
	case <-time.After(time.Second):
		t.Fatalf("dispatcher did not stop after Cancel")
	}
	mu.Lock()
	defer mu.Unlock()
	if delivered != 1 {
		t.Fatalf("delivered = %d, want only the in-flight item", delivered)
	}
}
