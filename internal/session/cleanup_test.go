package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type flakySweeper struct {
	calls atomic.Int64
	idle  atomic.Int64
}

func (f *flakySweeper) CleanupExpired(idle time.Duration) int {
	n := f.calls.Add(1)
	f.idle.Store(int64(idle))
	if n == 1 {
		panic("store exploded")
	}
	return 2
}

func TestCleanupServiceSurvivesPanicsAndStopsOnCancel(t *testing.T) {
	sweeper := &flakySweeper{}
	svc := NewCleanupService(sweeper, 5*time.Millisecond, 7*time.Minute, nil, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for sweeper.calls.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("sweeps = %d, want at least 3", sweeper.calls.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Run() did not stop after cancel")
	}
	if got := time.Duration(sweeper.idle.Load()); got != 7*time.Minute {
		t.Fatalf("idle timeout passed = %v, want 7m", got)
	}
}

func TestCleanupServiceDefaults(t *testing.T) {
	svc := NewCleanupService(&flakySweeper{}, 0, 0, nil, nil)
	if svc.interval != DefaultCleanupInterval || svc.idleTimeout != DefaultIdleTimeout {
		t.Fatalf("defaults = %v/%v", svc.interval, svc.idleTimeout)
	}
}

func TestCleanupServiceEndsIdleSessions(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock, 3)
	s, _ := m.CreateSession("u1", CreateOptions{})
	clock.Advance(31 * time.Minute)

	svc := NewCleanupService(m, 5*time.Millisecond, 30*time.Minute, nil, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = svc.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := m.GetSession(s.ID)
		if got.State == StateEnded {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session was not ended by the cleanup loop")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}
