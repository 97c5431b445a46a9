package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type fakeSnapshotStore struct {
	mu       sync.Mutex
	failures int
	puts     map[string]VoiceSession
	ttls     map[string]time.Duration
	deletes  []string
	written  chan string
}

func newFakeSnapshotStore(failures int) *fakeSnapshotStore {
	return &fakeSnapshotStore{
		failures: failures,
		puts:     make(map[string]VoiceSession),
		ttls:     make(map[string]time.Duration),
		written:  make(chan string, 16),
	}
}

func (f *fakeSnapshotStore) Put(_ context.Context, s VoiceSession, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("connection reset by peer")
	}
	f.puts[s.ID] = s
	f.ttls[s.ID] = ttl
	f.written <- s.ID
	return nil
}

func (f *fakeSnapshotStore) Get(_ context.Context, id string) (*VoiceSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.puts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (f *fakeSnapshotStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.puts, id)
	f.deletes = append(f.deletes, id)
	f.written <- id
	return nil
}

func TestAsyncMirrorRetriesAndDeletes(t *testing.T) {
	store := newFakeSnapshotStore(2)
	mirror := NewAsyncMirror(store, 90*time.Minute, nil, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = mirror.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	mirror.Save(VoiceSession{ID: "s1", UserID: "u1", State: StateListening})
	waitWritten(t, store)

	got, err := mirror.Lookup(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if got.State != StateListening {
		t.Fatalf("Lookup() = %+v", got)
	}
	store.mu.Lock()
	ttl := store.ttls["s1"]
	store.mu.Unlock()
	if ttl != 90*time.Minute {
		t.Fatalf("ttl = %v, want 90m", ttl)
	}

	mirror.Remove("s1")
	waitWritten(t, store)
	if _, err := mirror.Lookup(context.Background(), "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Lookup() after Remove error = %v, want ErrNotFound", err)
	}
}

func TestAsyncMirrorDrainsOnShutdown(t *testing.T) {
	store := newFakeSnapshotStore(0)
	mirror := NewAsyncMirror(store, time.Hour, nil, zaptest.NewLogger(t))
	mirror.Save(VoiceSession{ID: "a"})
	mirror.Save(VoiceSession{ID: "b"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := mirror.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.puts) != 2 {
		t.Fatalf("puts = %d, want 2 flushed on shutdown", len(store.puts))
	}
}

func waitWritten(t *testing.T, store *fakeSnapshotStore) {
	t.Helper()
	select {
	case <-store.written:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for mirror write")
	}
}
