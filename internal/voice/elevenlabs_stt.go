package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/antoniostano/secondbrain/internal/reliability"
)

type elevenSTTSession struct {
	id     string
	cfg    ElevenLabsConfig
	opts   TranscriptionOptions
	log    *zap.Logger
	events *dispatcher[TranscriptEvent]

	closed atomic.Bool
	conn   atomic.Pointer[wsConn]
	dialMu sync.Mutex
}

func newElevenSTTSession(cfg ElevenLabsConfig, opts TranscriptionOptions, onEvent TranscriptHandler, log *zap.Logger) *elevenSTTSession {
	log = log.With(zap.String("session_id", opts.SessionID), zap.String("base_url", cfg.WSBaseURL))
	return &elevenSTTSession{
		id:     opts.SessionID,
		cfg:    cfg,
		opts:   opts,
		log:    log,
		events: newDispatcher(defaultDispatchQueue, log, func(ctx context.Context, ev TranscriptEvent) error { return onEvent(ctx, ev) }),
	}
}

func (s *elevenSTTSession) ID() string       { return s.id }
func (s *elevenSTTSession) Provider() string { return ProviderElevenLabs }

func (s *elevenSTTSession) IsConnected() bool {
	_, err := s.liveConn()
	return err == nil
}

func (s *elevenSTTSession) Connect(ctx context.Context) error {
	s.dialMu.Lock()
	defer s.dialMu.Unlock()
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if conn := s.conn.Load(); conn != nil && conn.alive() {
		return nil
	}
	wsURL, err := elevenSTTURL(s.cfg.WSBaseURL, s.opts.ModelID, s.opts.SampleRate)
	if err != nil {
		return fmt.Errorf("%s stt url: %w", ProviderElevenLabs, err)
	}
	conn, err := dialProvider(ctx, wsURL, elevenHeaders(s.cfg.APIKey), s.cfg.Timeout)
	if err != nil {
		s.log.Error("stt connect failed", zap.Error(err))
		return fmt.Errorf("%s stt session %s: dial: %w", ProviderElevenLabs, s.id, err)
	}
	s.conn.Store(conn)
	if s.closed.Load() {
		_ = conn.close()
		return ErrSessionClosed
	}
	go conn.readLoop(s.log, s.handleMessage)
	return nil
}

func (s *elevenSTTSession) SendAudio(_ context.Context, pcm []byte) error {
	return s.send(pcm, false)
}

func (s *elevenSTTSession) Commit(_ context.Context) error {
	return s.send(nil, true)
}

func (s *elevenSTTSession) send(pcm []byte, commit bool) error {
	conn, err := s.liveConn()
	if err != nil {
		return err
	}
	return conn.writeJSON(map[string]any{
		"message_type":  "input_audio_chunk",
		"audio_base_64": base64.StdEncoding.EncodeToString(pcm),
		"commit":        commit,
		"sample_rate":   s.opts.SampleRate,
	})
}

func (s *elevenSTTSession) liveConn() (*wsConn, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	conn := s.conn.Load()
	if conn == nil || !conn.alive() {
		return nil, ErrNotConnected
	}
	return conn, nil
}

func (s *elevenSTTSession) Cancel() {
	if s.closed.Swap(true) {
		return
	}
	s.events.Cancel()
	s.closeConn()
}

// Close stops intake and delivers transcripts already received. Uncommitted
// audio is discarded; the realtime endpoint has no end-of-stream message.
func (s *elevenSTTSession) Close(ctx context.Context) {
	if s.closed.Swap(true) {
		return
	}
	s.closeConn()
	s.events.Close(ctx)
}

func (s *elevenSTTSession) closeConn() {
	if conn := s.conn.Load(); conn != nil {
		if err := conn.close(); err != nil {
			s.log.Debug("stt close", zap.Error(err))
		}
	}
}

func (s *elevenSTTSession) handleMessage(msgType int, data []byte) {
	ctx := context.Background()
	if msgType != websocket.TextMessage {
		return
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		s.log.Warn("malformed stt message", zap.String("preview", previewPayload(data)), zap.Error(err))
		return
	}
	now := time.Now().UTC()
	messageType := asString(raw["message_type"])
	switch messageType {
	case "partial_transcript":
		s.events.Enqueue(ctx, TranscriptEvent{Type: TranscriptPartial, Text: asString(raw["text"]), At: now})
	case "committed_transcript", "committed_transcript_with_timestamps":
		s.events.Enqueue(ctx, TranscriptEvent{Type: TranscriptFinal, Text: asString(raw["text"]), Confidence: 1, At: now})
	case "session_started", "", "input_audio_chunk":
	default:
		s.events.Enqueue(ctx, TranscriptEvent{
			Type:      TranscriptError,
			Code:      messageType,
			Detail:    asString(raw["error"]),
			Retryable: reliability.IsRetryableProviderCode(messageType),
			At:        now,
		})
	}
}
