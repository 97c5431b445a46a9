package voice

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const ProviderMock = "mock"

// MockProvider is a local provider used when no vendor is configured. Synthesis
// echoes the text bytes back as audio; transcription reports a fixed phrase.
type MockProvider struct {
	name string
	log  *zap.Logger

	// ConnectDelay slows Connect down so tests can overlap callers.
	ConnectDelay time.Duration
	// ConnectErr makes every Connect fail.
	ConnectErr error
	// ReinitAfterFlush emulates providers whose flush closes the generation context.
	ReinitAfterFlush bool
	// Unavailable is returned from Available when set.
	Unavailable error

	connects atomic.Int64

	mu       sync.Mutex
	sessions []*mockSynthesisSession
}

func NewMockProvider(log *zap.Logger) *MockProvider {
	return NewNamedMockProvider(ProviderMock, log)
}

func NewNamedMockProvider(name string, log *zap.Logger) *MockProvider {
	if log == nil {
		log = zap.NewNop()
	}
	return &MockProvider{name: name, log: log.With(zap.String("provider", name))}
}

func (p *MockProvider) Name() string { return p.name }

func (p *MockProvider) Available() error { return p.Unavailable }

// Connects counts successful and failed connect attempts.
func (p *MockProvider) Connects() int64 { return p.connects.Load() }

// DropConnections simulates the provider closing every open socket.
func (p *MockProvider) DropConnections() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.sessions {
		s.drop()
	}
}

func (p *MockProvider) NewSynthesisSession(opts SynthesisOptions, onAudio AudioHandler) (SynthesisSession, error) {
	if p.Unavailable != nil {
		return nil, p.Unavailable
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	s := &mockSynthesisSession{
		id:       opts.SessionID,
		provider: p,
		format:   opts.OutputFormat,
		state:    SynthesisDisconnected,
		audio: newDispatcher(defaultDispatchQueue, p.log, func(ctx context.Context, chunk []byte) error {
			return onAudio(ctx, chunk)
		}),
	}
	p.mu.Lock()
	p.sessions = append(p.sessions, s)
	p.mu.Unlock()
	return s, nil
}

func (p *MockProvider) NewTranscriptionSession(opts TranscriptionOptions, onEvent TranscriptHandler) (TranscriptionSession, error) {
	if p.Unavailable != nil {
		return nil, p.Unavailable
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	return &mockTranscriptionSession{
		id:       opts.SessionID,
		provider: p,
		events:   newDispatcher(defaultDispatchQueue, p.log, func(ctx context.Context, ev TranscriptEvent) error { return onEvent(ctx, ev) }),
	}, nil
}

type mockSynthesisSession struct {
	id       string
	provider *MockProvider
	format   string
	audio    *dispatcher[[]byte]

	mu            sync.Mutex
	state         SynthesisState
	closed        bool
	contextClosed bool
}

func (s *mockSynthesisSession) ID() string       { return s.id }
func (s *mockSynthesisSession) Provider() string { return s.provider.name }

func (s *mockSynthesisSession) OutputFormat() string {
	if s.format == "" {
		return defaultOutputFormat
	}
	return s.format
}

func (s *mockSynthesisSession) State() SynthesisState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *mockSynthesisSession) IsConnected() bool { return s.State() == SynthesisConnected }

func (s *mockSynthesisSession) Connect(ctx context.Context) error {
	s.provider.connects.Add(1)
	if d := s.provider.ConnectDelay; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.provider.ConnectErr != nil {
		return s.provider.ConnectErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.state = SynthesisConnected
	return nil
}

func (s *mockSynthesisSession) SendText(ctx context.Context, text string, _ bool) error {
	s.mu.Lock()
	if err := s.writableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	if strings.TrimSpace(text) == "" {
		return nil
	}
	s.audio.Enqueue(ctx, []byte(text))
	return nil
}

func (s *mockSynthesisSession) SendTextAndFlush(ctx context.Context, text string) error {
	return s.SendText(ctx, text, true)
}

func (s *mockSynthesisSession) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.provider.ReinitAfterFlush {
		s.contextClosed = true
	}
	return nil
}

func (s *mockSynthesisSession) RequiresReinitialize() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contextClosed
}

func (s *mockSynthesisSession) Reinitialize(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.state != SynthesisConnected {
		return ErrNotConnected
	}
	s.contextClosed = false
	return nil
}

func (s *mockSynthesisSession) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.state = SynthesisDisconnected
	s.audio.Cancel()
}

func (s *mockSynthesisSession) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state = SynthesisDisconnected
	s.mu.Unlock()
	s.audio.Close(ctx)
}

func (s *mockSynthesisSession) writableLocked() error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.state != SynthesisConnected {
		return ErrNotConnected
	}
	if s.contextClosed {
		return ErrReinitializeRequired
	}
	return nil
}

func (s *mockSynthesisSession) drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.state = SynthesisDisconnected
	}
}

type mockTranscriptionSession struct {
	id       string
	provider *MockProvider
	events   *dispatcher[TranscriptEvent]

	mu        sync.Mutex
	connected bool
	closed    bool
	heard     bool
}

func (s *mockTranscriptionSession) ID() string       { return s.id }
func (s *mockTranscriptionSession) Provider() string { return s.provider.name }

func (s *mockTranscriptionSession) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected && !s.closed
}

func (s *mockTranscriptionSession) Connect(_ context.Context) error {
	if s.provider.ConnectErr != nil {
		return s.provider.ConnectErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.connected = true
	return nil
}

func (s *mockTranscriptionSession) SendAudio(ctx context.Context, pcm []byte) error {
	s.mu.Lock()
	if s.closed || !s.connected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if len(pcm) > 0 {
		s.heard = true
	}
	s.mu.Unlock()
	if len(pcm) > 0 {
		s.events.Enqueue(ctx, TranscriptEvent{Type: TranscriptPartial, Text: "...", Confidence: 0.5, At: time.Now().UTC()})
	}
	return nil
}

func (s *mockTranscriptionSession) Commit(ctx context.Context) error {
	s.mu.Lock()
	if s.closed || !s.connected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	heard := s.heard
	s.heard = false
	s.mu.Unlock()
	text := ""
	if heard {
		text = "simulated voice input"
	}
	s.events.Enqueue(ctx, TranscriptEvent{Type: TranscriptFinal, Text: text, Confidence: 0.7, At: time.Now().UTC()})
	return nil
}

func (s *mockTranscriptionSession) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.events.Cancel()
}

func (s *mockTranscriptionSession) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.events.Close(ctx)
}
