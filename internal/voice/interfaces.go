package voice

import (
	"context"
	"errors"
	"time"
)

var (
	ErrProviderDisabled     = errors.New("provider disabled")
	ErrMissingAPIKey        = errors.New("provider api key not configured")
	ErrUnknownProvider      = errors.New("unknown provider")
	ErrSessionClosed        = errors.New("session closed")
	ErrNotConnected         = errors.New("session not connected")
	ErrReinitializeRequired = errors.New("generation context closed by flush; reinitialize before sending")
)

// SynthesisState tracks a synthesis transport through its lifecycle.
type SynthesisState string

const (
	SynthesisDisconnected SynthesisState = "disconnected"
	SynthesisConnecting   SynthesisState = "connecting"
	SynthesisConnected    SynthesisState = "connected"
	SynthesisFlushing     SynthesisState = "flushing"
)

// AudioHandler receives raw audio bytes in provider arrival order.
type AudioHandler func(ctx context.Context, chunk []byte) error

type SynthesisOptions struct {
	SessionID       string
	VoiceID         string
	ModelID         string
	OutputFormat    string
	Stability       float64
	SimilarityBoost float64
	Speed           float64
}

// SynthesisSession is one provider connection that turns text into audio.
type SynthesisSession interface {
	ID() string
	Provider() string
	// OutputFormat names the encoding of delivered audio, such as pcm_24000.
	OutputFormat() string
	State() SynthesisState
	IsConnected() bool
	Connect(ctx context.Context) error
	SendText(ctx context.Context, text string, tryTrigger bool) error
	// SendTextAndFlush forces generation without closing the generation stream.
	SendTextAndFlush(ctx context.Context, text string) error
	// Flush ends the current utterance.
	Flush(ctx context.Context) error
	// RequiresReinitialize reports whether Flush closed the generation context.
	RequiresReinitialize() bool
	Reinitialize(ctx context.Context) error
	// Cancel aborts generation and tears the transport down. Safe to repeat.
	Cancel()
	// Close flushes and closes. Errors are logged, never returned.
	Close(ctx context.Context)
}

type SynthesisProvider interface {
	Name() string
	// Available reports configuration problems without touching the network.
	Available() error
	NewSynthesisSession(opts SynthesisOptions, onAudio AudioHandler) (SynthesisSession, error)
}

type TranscriptEventType string

const (
	TranscriptPartial TranscriptEventType = "partial"
	TranscriptFinal   TranscriptEventType = "final"
	TranscriptError   TranscriptEventType = "error"
)

type TranscriptEvent struct {
	Type       TranscriptEventType
	Text       string
	Confidence float64
	Code       string
	Detail     string
	Retryable  bool
	At         time.Time
}

// TranscriptHandler receives transcript events in provider arrival order.
type TranscriptHandler func(ctx context.Context, ev TranscriptEvent) error

type TranscriptionOptions struct {
	SessionID  string
	ModelID    string
	Language   string
	SampleRate int
}

// TranscriptionSession is one provider connection that turns PCM audio into text.
type TranscriptionSession interface {
	ID() string
	Provider() string
	IsConnected() bool
	Connect(ctx context.Context) error
	SendAudio(ctx context.Context, pcm []byte) error
	// Commit marks the end of an utterance so the provider finalizes it.
	Commit(ctx context.Context) error
	Cancel()
	Close(ctx context.Context)
}

type TranscriptionProvider interface {
	Name() string
	Available() error
	NewTranscriptionSession(opts TranscriptionOptions, onEvent TranscriptHandler) (TranscriptionSession, error)
}
