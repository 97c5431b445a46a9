package voice

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"
)

type audioRecorder struct {
	mu     sync.Mutex
	chunks [][]byte
	notify chan struct{}
}

func newAudioRecorder() *audioRecorder {
	return &audioRecorder{notify: make(chan struct{}, 1024)}
}

func (r *audioRecorder) handle(_ context.Context, chunk []byte) error {
	r.mu.Lock()
	r.chunks = append(r.chunks, append([]byte(nil), chunk...))
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

func (r *audioRecorder) emit(ctx context.Context, _ string, chunk []byte) error {
	return r.handle(ctx, chunk)
}

func (r *audioRecorder) snapshot() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.chunks))
	copy(out, r.chunks)
	return out
}

func (r *audioRecorder) joined() []byte {
	return bytes.Join(r.snapshot(), nil)
}

func (r *audioRecorder) waitFor(t *testing.T, n int) [][]byte {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if got := r.snapshot(); len(got) >= n {
			return got
		}
		select {
		case <-r.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d audio chunks, have %d", n, len(r.snapshot()))
		}
	}
}

type transcriptRecorder struct {
	mu     sync.Mutex
	events []TranscriptEvent
	notify chan struct{}
}

func newTranscriptRecorder() *transcriptRecorder {
	return &transcriptRecorder{notify: make(chan struct{}, 1024)}
}

func (r *transcriptRecorder) handle(_ context.Context, ev TranscriptEvent) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

func (r *transcriptRecorder) waitFor(t *testing.T, n int) []TranscriptEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		r.mu.Lock()
		got := append([]TranscriptEvent(nil), r.events...)
		r.mu.Unlock()
		if len(got) >= n {
			return got
		}
		select {
		case <-r.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d transcript events, have %d", n, len(got))
		}
	}
}
