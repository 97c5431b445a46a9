package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Registry maps provider names to implementations. It is built once at
// startup and handed to the components that open sessions.
type Registry struct {
	log *zap.Logger

	mu              sync.RWMutex
	synthesis       map[string]SynthesisProvider
	transcription   map[string]TranscriptionProvider
	synthesisOrder  []string
	transcribeOrder []string
}

func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		log:           log,
		synthesis:     make(map[string]SynthesisProvider),
		transcription: make(map[string]TranscriptionProvider),
	}
}

func (r *Registry) RegisterSynthesis(p SynthesisProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := normalizeProviderName(p.Name())
	if _, ok := r.synthesis[name]; !ok {
		r.synthesisOrder = append(r.synthesisOrder, name)
	}
	r.synthesis[name] = p
}

func (r *Registry) RegisterTranscription(p TranscriptionProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := normalizeProviderName(p.Name())
	if _, ok := r.transcription[name]; !ok {
		r.transcribeOrder = append(r.transcribeOrder, name)
	}
	r.transcription[name] = p
}

func (r *Registry) Synthesis(name string) (SynthesisProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.synthesis[normalizeProviderName(name)]
	if !ok {
		return nil, fmt.Errorf("tts %q: %w", name, ErrUnknownProvider)
	}
	return p, nil
}

func (r *Registry) Transcription(name string) (TranscriptionProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.transcription[normalizeProviderName(name)]
	if !ok {
		return nil, fmt.Errorf("stt %q: %w", name, ErrUnknownProvider)
	}
	return p, nil
}

type ProviderStatus struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

// Statuses reports configuration health for every registered provider.
func (r *Registry) Statuses() []ProviderStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProviderStatus, 0, len(r.synthesisOrder)+len(r.transcribeOrder))
	for _, name := range r.synthesisOrder {
		out = append(out, providerStatus(name, "tts", r.synthesis[name].Available()))
	}
	for _, name := range r.transcribeOrder {
		out = append(out, providerStatus(name, "stt", r.transcription[name].Available()))
	}
	return out
}

func providerStatus(name, kind string, err error) ProviderStatus {
	st := ProviderStatus{Name: name, Kind: kind, Available: err == nil}
	if err != nil {
		st.Reason = err.Error()
	}
	return st
}

// OpenSynthesis creates and connects a synthesis session, walking the
// preference list until one provider succeeds.
func (r *Registry) OpenSynthesis(ctx context.Context, preference []string, opts SynthesisOptions, onAudio AudioHandler) (SynthesisSession, error) {
	fb := &FallbackError{Kind: "tts"}
	for _, name := range r.order(preference, true) {
		p, err := r.Synthesis(name)
		if err != nil {
			fb.add(name, err)
			continue
		}
		if err := p.Available(); err != nil {
			fb.add(name, err)
			continue
		}
		s, err := p.NewSynthesisSession(opts, onAudio)
		if err != nil {
			fb.add(name, err)
			continue
		}
		if err := s.Connect(ctx); err != nil {
			s.Cancel()
			r.log.Warn("tts provider connect failed", zap.String("provider", name), zap.Error(err))
			fb.add(name, err)
			continue
		}
		if len(fb.Attempts) > 0 {
			r.log.Info("tts provider fallback", zap.String("provider", name), zap.Int("skipped", len(fb.Attempts)))
		}
		return s, nil
	}
	return nil, fb
}

// OpenTranscription mirrors OpenSynthesis for speech-to-text.
func (r *Registry) OpenTranscription(ctx context.Context, preference []string, opts TranscriptionOptions, onEvent TranscriptHandler) (TranscriptionSession, error) {
	fb := &FallbackError{Kind: "stt"}
	for _, name := range r.order(preference, false) {
		p, err := r.Transcription(name)
		if err != nil {
			fb.add(name, err)
			continue
		}
		if err := p.Available(); err != nil {
			fb.add(name, err)
			continue
		}
		s, err := p.NewTranscriptionSession(opts, onEvent)
		if err != nil {
			fb.add(name, err)
			continue
		}
		if err := s.Connect(ctx); err != nil {
			s.Cancel()
			r.log.Warn("stt provider connect failed", zap.String("provider", name), zap.Error(err))
			fb.add(name, err)
			continue
		}
		return s, nil
	}
	return nil, fb
}

// CheckSynthesis reports whether any preferred provider is configured,
// without opening a connection.
func (r *Registry) CheckSynthesis(preference []string) error {
	fb := &FallbackError{Kind: "tts"}
	for _, name := range r.order(preference, true) {
		p, err := r.Synthesis(name)
		if err == nil {
			err = p.Available()
		}
		if err == nil {
			return nil
		}
		fb.add(name, err)
	}
	return fb
}

func (r *Registry) order(preference []string, synthesis bool) []string {
	if len(preference) > 0 {
		return preference
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if synthesis {
		return append([]string(nil), r.synthesisOrder...)
	}
	return append([]string(nil), r.transcribeOrder...)
}

func normalizeProviderName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

type FallbackAttempt struct {
	Provider string
	Err      error
}

// FallbackError is returned when every candidate provider failed.
type FallbackError struct {
	Kind     string
	Attempts []FallbackAttempt
}

func (e *FallbackError) add(provider string, err error) {
	e.Attempts = append(e.Attempts, FallbackAttempt{Provider: provider, Err: err})
}

func (e *FallbackError) Error() string {
	if len(e.Attempts) == 0 {
		return e.Kind + ": no providers registered"
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Provider, a.Err))
	}
	return e.Kind + " providers exhausted: " + strings.Join(parts, "; ")
}

func (e *FallbackError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}

// Providers lists every provider that was attempted, in order.
func (e *FallbackError) Providers() []string {
	out := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		out = append(out, a.Provider)
	}
	return out
}

func isConfigError(err error) bool {
	return errors.Is(err, ErrProviderDisabled) || errors.Is(err, ErrMissingAPIKey) || errors.Is(err, ErrUnknownProvider)
}
