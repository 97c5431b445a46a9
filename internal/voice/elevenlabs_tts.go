package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/antoniostano/secondbrain/internal/reliability"
)

// elevenTTSSession drives the multi-context stream-input endpoint. Each
// utterance runs in its own context_id; Flush closes the context and
// Reinitialize opens the next one on the same socket.
//
// mu guards the generation context and is never held across a socket write,
// so Cancel and Close are not queued behind a stalled provider.
type elevenTTSSession struct {
	id    string
	cfg   ElevenLabsConfig
	opts  SynthesisOptions
	log   *zap.Logger
	audio *dispatcher[[]byte]

	closed atomic.Bool
	conn   atomic.Pointer[wsConn]

	dialMu        sync.Mutex
	mu            sync.Mutex
	state         SynthesisState
	contextID     string
	contextClosed bool
}

func newElevenTTSSession(cfg ElevenLabsConfig, opts SynthesisOptions, onAudio AudioHandler, log *zap.Logger) *elevenTTSSession {
	log = log.With(zap.String("session_id", opts.SessionID), zap.String("base_url", cfg.WSBaseURL))
	return &elevenTTSSession{
		id:    opts.SessionID,
		cfg:   cfg,
		opts:  opts,
		log:   log,
		state: SynthesisDisconnected,
		audio: newDispatcher(defaultDispatchQueue, log, func(ctx context.Context, chunk []byte) error {
			return onAudio(ctx, chunk)
		}),
	}
}

func (s *elevenTTSSession) ID() string           { return s.id }
func (s *elevenTTSSession) Provider() string     { return ProviderElevenLabs }
func (s *elevenTTSSession) OutputFormat() string { return s.opts.OutputFormat }

func (s *elevenTTSSession) State() SynthesisState {
	if s.closed.Load() {
		return SynthesisDisconnected
	}
	if conn := s.conn.Load(); conn != nil && !conn.alive() {
		return SynthesisDisconnected
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *elevenTTSSession) IsConnected() bool {
	switch s.State() {
	case SynthesisConnected, SynthesisFlushing:
		return true
	default:
		return false
	}
}

func (s *elevenTTSSession) Connect(ctx context.Context) error {
	s.dialMu.Lock()
	defer s.dialMu.Unlock()
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if conn := s.conn.Load(); conn != nil && conn.alive() {
		return nil
	}

	s.setState(SynthesisConnecting)
	wsURL, err := elevenTTSURL(s.cfg.WSBaseURL, s.opts.VoiceID, s.opts.ModelID, s.opts.OutputFormat)
	if err != nil {
		s.setState(SynthesisDisconnected)
		return fmt.Errorf("%s tts url: %w", ProviderElevenLabs, err)
	}
	conn, err := dialProvider(ctx, wsURL, elevenHeaders(s.cfg.APIKey), s.cfg.Timeout)
	if err != nil {
		s.setState(SynthesisDisconnected)
		s.log.Error("tts connect failed", zap.Error(err))
		return fmt.Errorf("%s tts session %s: dial: %w", ProviderElevenLabs, s.id, err)
	}
	s.conn.Store(conn)
	if s.closed.Load() {
		// Cancel ran during the dial and saw no socket to close.
		_ = conn.close()
		return ErrSessionClosed
	}
	go conn.readLoop(s.log, s.handleMessage)

	if err := conn.writeJSON(s.openContext()); err != nil {
		_ = conn.close()
		s.setState(SynthesisDisconnected)
		return fmt.Errorf("%s tts session %s: begin stream: %w", ProviderElevenLabs, s.id, err)
	}
	s.setState(SynthesisConnected)
	s.log.Debug("tts connected")
	return nil
}

func (s *elevenTTSSession) setState(st SynthesisState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// openContext starts a fresh generation context and returns the
// begin-of-stream message carrying voice settings.
func (s *elevenTTSSession) openContext() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contextID = uuid.NewString()
	s.contextClosed = false
	return map[string]any{
		"text":           " ",
		"voice_settings": normalizeVoiceSettings(s.opts),
		"context_id":     s.contextID,
	}
}

func (s *elevenTTSSession) liveConn() (*wsConn, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	conn := s.conn.Load()
	if conn == nil || !conn.alive() {
		return nil, ErrNotConnected
	}
	return conn, nil
}

// generation returns the socket and the open context id for a text write.
func (s *elevenTTSSession) generation() (*wsConn, string, error) {
	conn, err := s.liveConn()
	if err != nil {
		return nil, "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.contextClosed {
		return nil, "", ErrReinitializeRequired
	}
	return conn, s.contextID, nil
}

func (s *elevenTTSSession) SendText(_ context.Context, text string, tryTrigger bool) error {
	conn, contextID, err := s.generation()
	if err != nil {
		return err
	}
	payload := map[string]any{
		"text":       text,
		"context_id": contextID,
	}
	if tryTrigger {
		payload["try_trigger_generation"] = true
	}
	return conn.writeJSON(payload)
}

func (s *elevenTTSSession) SendTextAndFlush(_ context.Context, text string) error {
	conn, contextID, err := s.generation()
	if err != nil {
		return err
	}
	return conn.writeJSON(map[string]any{
		"text":       text,
		"context_id": contextID,
		"flush":      true,
	})
}

// Flush sends the empty-text end-of-stream message for the current context.
func (s *elevenTTSSession) Flush(_ context.Context) error {
	conn, err := s.liveConn()
	s.mu.Lock()
	if s.contextClosed {
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		s.mu.Unlock()
		return err
	}
	contextID := s.contextID
	s.contextClosed = true
	s.state = SynthesisFlushing
	s.mu.Unlock()

	err = conn.writeJSON(closeContextMessage(contextID))

	s.mu.Lock()
	if s.state == SynthesisFlushing {
		s.state = SynthesisConnected
	}
	s.mu.Unlock()
	return err
}

func closeContextMessage(contextID string) map[string]any {
	return map[string]any{
		"text":          "",
		"context_id":    contextID,
		"close_context": true,
	}
}

func (s *elevenTTSSession) RequiresReinitialize() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contextClosed
}

func (s *elevenTTSSession) Reinitialize(_ context.Context) error {
	conn, err := s.liveConn()
	if err != nil {
		return err
	}
	if !s.RequiresReinitialize() {
		return nil
	}
	if err := conn.writeJSON(s.openContext()); err != nil {
		return fmt.Errorf("%s tts session %s: reinitialize: %w", ProviderElevenLabs, s.id, err)
	}
	return nil
}

// Cancel closes the socket without taking any lock a writer may hold; a
// write stalled on the provider fails as soon as the socket is gone.
func (s *elevenTTSSession) Cancel() {
	if s.closed.Swap(true) {
		return
	}
	s.audio.Cancel()
	if conn := s.conn.Load(); conn != nil {
		if err := conn.close(); err != nil {
			s.log.Debug("tts cancel close", zap.Error(err))
		}
	}
}

// Close ends the open context, asks the provider to hang up, and waits a
// bounded grace period for trailing audio before closing the socket.
func (s *elevenTTSSession) Close(ctx context.Context) {
	if s.closed.Swap(true) {
		return
	}
	if conn := s.conn.Load(); conn != nil {
		if conn.alive() {
			s.mu.Lock()
			contextID, open := s.contextID, !s.contextClosed
			s.contextClosed = true
			s.mu.Unlock()
			if open {
				if err := conn.writeJSON(closeContextMessage(contextID)); err != nil {
					s.log.Debug("tts close flush", zap.Error(err))
				}
			}
			if err := conn.writeJSON(map[string]any{"close_socket": true}); err == nil {
				conn.awaitClose(ctx, providerCloseGrace)
			}
		}
		if err := conn.close(); err != nil {
			s.log.Debug("tts close", zap.Error(err))
		}
	}
	s.audio.Close(ctx)
}

func (s *elevenTTSSession) handleMessage(msgType int, data []byte) {
	if msgType != websocket.TextMessage {
		return
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		s.log.Warn("malformed tts message", zap.String("preview", previewPayload(data)), zap.Error(err))
		return
	}

	if encoded := asString(raw["audio"]); encoded != "" {
		chunk, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			s.log.Warn("undecodable tts audio", zap.String("preview", previewPayload(data)), zap.Error(err))
		} else if len(chunk) > 0 {
			s.audio.Enqueue(context.Background(), chunk)
		}
	}
	if errMsg := asString(raw["error"]); errMsg != "" {
		code := asString(raw["message_type"])
		s.log.Warn("tts provider error",
			zap.String("code", code),
			zap.String("detail", errMsg),
			zap.Bool("retryable", reliability.IsRetryableProviderCode(code)))
	}
	if asBool(raw["isFinal"]) || asBool(raw["is_final"]) {
		s.log.Debug("tts context final", zap.String("context_id", asString(raw["contextId"])))
	}
}
