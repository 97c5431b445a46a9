package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/antoniostano/secondbrain/internal/reliability"
)

const (
	ProviderDeepgram = "deepgram"

	defaultDeepgramWSBase = "wss://api.deepgram.com"
)

type DeepgramConfig struct {
	Enabled   bool
	APIKey    string
	WSBaseURL string
	Model     string
	Language  string
	Timeout   time.Duration
}

// DeepgramProvider streams raw PCM frames to the live listen endpoint.
type DeepgramProvider struct {
	cfg DeepgramConfig
	log *zap.Logger
}

func NewDeepgramProvider(cfg DeepgramConfig, log *zap.Logger) *DeepgramProvider {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = defaultDeepgramWSBase
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "nova-2"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &DeepgramProvider{cfg: cfg, log: log.With(zap.String("provider", ProviderDeepgram))}
}

func (p *DeepgramProvider) Name() string { return ProviderDeepgram }

func (p *DeepgramProvider) Available() error {
	if !p.cfg.Enabled {
		return fmt.Errorf("%s: %w", ProviderDeepgram, ErrProviderDisabled)
	}
	if strings.TrimSpace(p.cfg.APIKey) == "" {
		return fmt.Errorf("%s: %w", ProviderDeepgram, ErrMissingAPIKey)
	}
	return nil
}

func (p *DeepgramProvider) NewTranscriptionSession(opts TranscriptionOptions, onEvent TranscriptHandler) (TranscriptionSession, error) {
	if err := p.Available(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(opts.ModelID) == "" {
		opts.ModelID = p.cfg.Model
	}
	if strings.TrimSpace(opts.Language) == "" {
		opts.Language = p.cfg.Language
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	log := p.log.With(zap.String("session_id", opts.SessionID), zap.String("base_url", p.cfg.WSBaseURL))
	return &deepgramSession{
		id:     opts.SessionID,
		cfg:    p.cfg,
		opts:   opts,
		log:    log,
		events: newDispatcher(defaultDispatchQueue, log, func(ctx context.Context, ev TranscriptEvent) error { return onEvent(ctx, ev) }),
	}, nil
}

func deepgramListenURL(base string, opts TranscriptionOptions) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/") + "/v1/listen")
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", opts.ModelID)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(opts.SampleRate))
	q.Set("channels", "1")
	q.Set("interim_results", "true")
	q.Set("punctuate", "true")
	if opts.Language != "" {
		q.Set("language", opts.Language)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type deepgramMessage struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	Description string `json:"description"`
	Message     string `json:"message"`
	ErrCode     string `json:"err_code"`
}

type deepgramSession struct {
	id     string
	cfg    DeepgramConfig
	opts   TranscriptionOptions
	log    *zap.Logger
	events *dispatcher[TranscriptEvent]

	closed atomic.Bool
	conn   atomic.Pointer[wsConn]
	dialMu sync.Mutex
}

func (s *deepgramSession) ID() string       { return s.id }
func (s *deepgramSession) Provider() string { return ProviderDeepgram }

func (s *deepgramSession) IsConnected() bool {
	_, err := s.liveConn()
	return err == nil
}

func (s *deepgramSession) Connect(ctx context.Context) error {
	s.dialMu.Lock()
	defer s.dialMu.Unlock()
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if conn := s.conn.Load(); conn != nil && conn.alive() {
		return nil
	}
	wsURL, err := deepgramListenURL(s.cfg.WSBaseURL, s.opts)
	if err != nil {
		return fmt.Errorf("%s listen url: %w", ProviderDeepgram, err)
	}
	headers := http.Header{}
	headers.Set("Authorization", "Token "+s.cfg.APIKey)
	conn, err := dialProvider(ctx, wsURL, headers, s.cfg.Timeout)
	if err != nil {
		s.log.Error("stt connect failed", zap.Error(err))
		return fmt.Errorf("%s stt session %s: dial: %w", ProviderDeepgram, s.id, err)
	}
	s.conn.Store(conn)
	if s.closed.Load() {
		_ = conn.close()
		return ErrSessionClosed
	}
	go conn.readLoop(s.log, s.handleMessage)
	return nil
}

func (s *deepgramSession) SendAudio(_ context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	conn, err := s.liveConn()
	if err != nil {
		return err
	}
	return conn.writeBinary(pcm)
}

// Commit asks the provider to finalize whatever audio it has buffered.
func (s *deepgramSession) Commit(_ context.Context) error {
	conn, err := s.liveConn()
	if err != nil {
		return err
	}
	return conn.writeJSON(map[string]string{"type": "Finalize"})
}

func (s *deepgramSession) liveConn() (*wsConn, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	conn := s.conn.Load()
	if conn == nil || !conn.alive() {
		return nil, ErrNotConnected
	}
	return conn, nil
}

func (s *deepgramSession) Cancel() {
	if s.closed.Swap(true) {
		return
	}
	s.events.Cancel()
	if conn := s.conn.Load(); conn != nil {
		if err := conn.close(); err != nil {
			s.log.Debug("stt close", zap.Error(err))
		}
	}
}

// Close sends CloseStream and lets Deepgram deliver its trailing results
// and hang up, bounded by a grace period, before tearing the socket down.
func (s *deepgramSession) Close(ctx context.Context) {
	if s.closed.Swap(true) {
		return
	}
	if conn := s.conn.Load(); conn != nil {
		if conn.alive() {
			if err := conn.writeJSON(map[string]string{"type": "CloseStream"}); err != nil {
				s.log.Debug("stt close stream", zap.Error(err))
			} else {
				conn.awaitClose(ctx, providerCloseGrace)
			}
		}
		if err := conn.close(); err != nil {
			s.log.Debug("stt close", zap.Error(err))
		}
	}
	s.events.Close(ctx)
}

func (s *deepgramSession) handleMessage(msgType int, data []byte) {
	ctx := context.Background()
	if msgType != websocket.TextMessage {
		return
	}
	var msg deepgramMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Warn("malformed stt message", zap.String("preview", previewPayload(data)), zap.Error(err))
		return
	}
	now := time.Now().UTC()
	switch msg.Type {
	case "Results":
		if len(msg.Channel.Alternatives) == 0 {
			return
		}
		alt := msg.Channel.Alternatives[0]
		if strings.TrimSpace(alt.Transcript) == "" {
			return
		}
		ev := TranscriptEvent{Type: TranscriptPartial, Text: alt.Transcript, Confidence: alt.Confidence, At: now}
		if msg.IsFinal {
			ev.Type = TranscriptFinal
		}
		s.events.Enqueue(ctx, ev)
	case "Error":
		detail := msg.Description
		if detail == "" {
			detail = msg.Message
		}
		s.events.Enqueue(ctx, TranscriptEvent{
			Type:      TranscriptError,
			Code:      msg.ErrCode,
			Detail:    detail,
			Retryable: reliability.IsRetryableProviderCode(msg.ErrCode),
			At:        now,
		})
	case "Metadata", "SpeechStarted", "UtteranceEnd":
	default:
		s.log.Debug("unhandled stt message", zap.String("type", msg.Type))
	}
}
