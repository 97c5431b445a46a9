package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/antoniostano/secondbrain/internal/observability"
)

const (
	DefaultFlushSettle    = 500 * time.Millisecond
	defaultConnectTimeout = 10 * time.Second
)

var (
	ErrNotInitialized     = errors.New("tts orchestrator not initialized")
	ErrAlreadyInitialized = errors.New("tts orchestrator already initialized")
)

type OrchestratorState string

const (
	OrchestratorUninitialized OrchestratorState = "uninitialized"
	OrchestratorInitialized   OrchestratorState = "initialized"
	OrchestratorConnected     OrchestratorState = "connected"
	OrchestratorDisposed      OrchestratorState = "disposed"
)

// AudioEmitter forwards synthesized audio for one voice session downstream.
type AudioEmitter func(ctx context.Context, sessionID string, chunk []byte) error

type TTSOptions struct {
	// Providers is the preference order used when opening a session.
	Providers []string
	Synthesis SynthesisOptions
	// FlushSettle is how long Flush waits for in-flight audio to drain.
	FlushSettle    time.Duration
	ConnectTimeout time.Duration
}

type activeSynthesis struct {
	session SynthesisSession
}

// TTSOrchestrator owns at most one SynthesisSession for a voice session and
// reconnects it lazily. Only session creation and replacement are locked;
// the current session is read atomically on the hot path.
type TTSOrchestrator struct {
	registry *Registry
	log      *zap.Logger
	metrics  *observability.Metrics

	opts      TTSOptions
	emitter   AudioEmitter
	sessionID string

	initMu      sync.Mutex
	initialized atomic.Bool
	disposed    atomic.Bool
	connectMu   sync.Mutex
	active      atomic.Pointer[activeSynthesis]

	turnOpen    atomic.Bool
	turnStarted atomic.Int64
}

func NewTTSOrchestrator(registry *Registry, metrics *observability.Metrics, log *zap.Logger) *TTSOrchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &TTSOrchestrator{registry: registry, metrics: metrics, log: log}
}

// Initialize must be called once before any other operation. The fields it
// sets are published by the final store to initialized.
func (o *TTSOrchestrator) Initialize(opts TTSOptions, emitter AudioEmitter, sessionID string) error {
	o.initMu.Lock()
	defer o.initMu.Unlock()
	if o.disposed.Load() {
		return ErrSessionClosed
	}
	if o.initialized.Load() {
		return ErrAlreadyInitialized
	}
	if emitter == nil {
		return fmt.Errorf("tts orchestrator: emitter is required")
	}
	if opts.FlushSettle <= 0 {
		opts.FlushSettle = DefaultFlushSettle
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	o.opts = opts
	o.emitter = emitter
	o.sessionID = sessionID
	o.log = o.log.With(zap.String("voice_session_id", sessionID))
	o.initialized.Store(true)
	return nil
}

func (o *TTSOrchestrator) State() OrchestratorState {
	switch {
	case o.disposed.Load():
		return OrchestratorDisposed
	case !o.initialized.Load():
		return OrchestratorUninitialized
	}
	if s := o.current(); s != nil && s.IsConnected() {
		return OrchestratorConnected
	}
	return OrchestratorInitialized
}

// OutputFormat labels delivered audio with the active session's encoding,
// which differs per provider.
func (o *TTSOrchestrator) OutputFormat() string {
	if s := o.current(); s != nil {
		return s.OutputFormat()
	}
	return o.opts.Synthesis.OutputFormat
}

func (o *TTSOrchestrator) current() SynthesisSession {
	if a := o.active.Load(); a != nil {
		return a.session
	}
	return nil
}

// EnsureConnected opens a synthesis session unless a connected one exists.
// Concurrent callers collapse into a single connect. After Close it is a no-op.
func (o *TTSOrchestrator) EnsureConnected(ctx context.Context) error {
	if !o.initialized.Load() {
		return ErrNotInitialized
	}
	if o.disposed.Load() {
		return nil
	}
	if s := o.current(); s != nil && s.IsConnected() {
		return nil
	}

	o.connectMu.Lock()
	defer o.connectMu.Unlock()
	if o.disposed.Load() {
		return nil
	}
	if s := o.current(); s != nil && s.IsConnected() {
		return nil
	}
	if stale := o.active.Swap(nil); stale != nil {
		o.log.Debug("disposing stale synthesis session", zap.String("session_id", stale.session.ID()))
		stale.session.Cancel()
	}

	cctx, cancel := context.WithTimeout(ctx, o.opts.ConnectTimeout)
	defer cancel()
	s, err := o.registry.OpenSynthesis(cctx, o.opts.Providers, o.opts.Synthesis, o.deliver)
	if err != nil {
		o.observeConnectFailure(err)
		o.log.Error("synthesis connect failed", zap.Error(err))
		return err
	}
	if o.disposed.Load() {
		s.Cancel()
		return nil
	}
	o.active.Store(&activeSynthesis{session: s})
	if o.metrics != nil {
		o.metrics.SynthesisConnects.WithLabelValues(s.Provider(), "ok").Inc()
	}
	o.log.Info("synthesis session connected", zap.String("provider", s.Provider()), zap.String("session_id", s.ID()))
	return nil
}

// SendText forwards text after ensuring a connection. Text is dropped if the
// provider went away between the ensure step and the send.
func (o *TTSOrchestrator) SendText(ctx context.Context, text string, tryTrigger bool) error {
	if err := o.EnsureConnected(ctx); err != nil {
		return err
	}
	s := o.current()
	if s == nil || !s.IsConnected() {
		o.log.Debug("synthesis session gone, dropping text", zap.Int("chars", len(text)))
		return nil
	}
	o.markTurnStart()
	return o.sendResult(s, o.sendReopening(ctx, s, func() error {
		return s.SendText(ctx, text, tryTrigger)
	}))
}

// SpeakImmediately sends text and forces generation without ending the stream.
func (o *TTSOrchestrator) SpeakImmediately(ctx context.Context, text string) error {
	if err := o.EnsureConnected(ctx); err != nil {
		return err
	}
	s := o.current()
	if s == nil || !s.IsConnected() {
		return nil
	}
	o.markTurnStart()
	return o.sendResult(s, o.sendReopening(ctx, s, func() error {
		return s.SendTextAndFlush(ctx, text+" ")
	}))
}

// sendReopening runs send once more after reopening a generation context that
// an earlier flush closed. If the context cannot be reopened the session is
// dropped and the text with it; the next send reconnects.
func (o *TTSOrchestrator) sendReopening(ctx context.Context, s SynthesisSession, send func() error) error {
	err := send()
	if !errors.Is(err, ErrReinitializeRequired) {
		return err
	}
	if rerr := s.Reinitialize(ctx); rerr != nil {
		o.log.Warn("synthesis reinitialize failed, will reconnect", zap.Error(rerr))
		o.discard(s)
		return nil
	}
	return send()
}

func (o *TTSOrchestrator) sendResult(s SynthesisSession, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotConnected), errors.Is(err, ErrSessionClosed):
		o.log.Debug("synthesis send dropped", zap.String("session_id", s.ID()), zap.Error(err))
		return nil
	default:
		if o.metrics != nil {
			o.metrics.ProviderErrors.WithLabelValues(s.Provider(), "send").Inc()
		}
		return fmt.Errorf("tts send: %w", err)
	}
}

// Flush ends the utterance, waits for trailing audio to settle, and
// reopens the generation context when the provider requires it.
func (o *TTSOrchestrator) Flush(ctx context.Context) error {
	if !o.initialized.Load() {
		return ErrNotInitialized
	}
	s := o.current()
	if s == nil || o.disposed.Load() {
		return nil
	}
	if err := s.Flush(ctx); err != nil {
		if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrSessionClosed) {
			return nil
		}
		return fmt.Errorf("tts flush: %w", err)
	}

	var settleErr error
	timer := time.NewTimer(o.opts.FlushSettle)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		settleErr = ctx.Err()
	}

	// The context closed by the flush is reopened even when the wait was
	// interrupted, so the next turn does not start on a dead context.
	o.endTurn()
	if s.RequiresReinitialize() {
		if err := s.Reinitialize(context.WithoutCancel(ctx)); err != nil {
			o.log.Warn("synthesis reinitialize failed, will reconnect", zap.Error(err))
			o.discard(s)
		}
	}
	return settleErr
}

// Cancel aborts in-flight generation. The next send reconnects.
func (o *TTSOrchestrator) Cancel() {
	o.endTurn()
	if s := o.current(); s != nil {
		s.Cancel()
	}
}

// Close marks the orchestrator disposed before taking the connect lock, then
// closes the active session.
func (o *TTSOrchestrator) Close(ctx context.Context) {
	if o.disposed.Swap(true) {
		return
	}
	o.connectMu.Lock()
	a := o.active.Swap(nil)
	o.connectMu.Unlock()
	if a != nil {
		a.session.Close(ctx)
	}
}

func (o *TTSOrchestrator) discard(s SynthesisSession) {
	o.connectMu.Lock()
	defer o.connectMu.Unlock()
	if a := o.active.Load(); a != nil && a.session == s {
		o.active.CompareAndSwap(a, nil)
	}
	s.Cancel()
}

func (o *TTSOrchestrator) deliver(ctx context.Context, chunk []byte) error {
	if started := o.turnStarted.Swap(0); started != 0 && o.metrics != nil {
		o.metrics.ObserveFirstAudioLatency(time.Since(time.Unix(0, started)))
	}
	if o.metrics != nil {
		o.metrics.AudioChunks.WithLabelValues("outbound").Inc()
	}
	return o.emitter(ctx, o.sessionID, chunk)
}

func (o *TTSOrchestrator) markTurnStart() {
	if o.turnOpen.CompareAndSwap(false, true) {
		o.turnStarted.Store(time.Now().UnixNano())
	}
}

func (o *TTSOrchestrator) endTurn() {
	o.turnOpen.Store(false)
	o.turnStarted.Store(0)
}

func (o *TTSOrchestrator) observeConnectFailure(err error) {
	if o.metrics == nil {
		return
	}
	var fb *FallbackError
	if !errors.As(err, &fb) {
		o.metrics.SynthesisConnects.WithLabelValues("unknown", "error").Inc()
		return
	}
	for _, a := range fb.Attempts {
		result := "error"
		if isConfigError(a.Err) {
			result = "unavailable"
		}
		o.metrics.SynthesisConnects.WithLabelValues(a.Provider, result).Inc()
	}
}
