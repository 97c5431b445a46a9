package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"

	"github.com/antoniostano/secondbrain/internal/reliability"
)

const (
	ProviderOpenAI = "openai"

	openAIAudioChunkBytes = 4096
	openAIPCMFormat       = "pcm_24000"
)

type OpenAIConfig struct {
	Enabled bool
	APIKey  string
	BaseURL string
	Model   string
	Voice   string
	Timeout time.Duration
}

// OpenAIProvider synthesizes over plain HTTP. It has no streaming socket, so
// sessions buffer text and issue one speech request per flush.
type OpenAIProvider struct {
	cfg    OpenAIConfig
	client openai.Client
	log    *zap.Logger
}

func NewOpenAIProvider(cfg OpenAIConfig, log *zap.Logger) *OpenAIProvider {
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = string(openai.SpeechModelTTS1)
	}
	if strings.TrimSpace(cfg.Voice) == "" {
		cfg.Voice = string(openai.AudioSpeechNewParamsVoiceAlloy)
	}
	if log == nil {
		log = zap.NewNop()
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(1)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	return &OpenAIProvider{
		cfg:    cfg,
		client: openai.NewClient(opts...),
		log:    log.With(zap.String("provider", ProviderOpenAI)),
	}
}

func (p *OpenAIProvider) Name() string { return ProviderOpenAI }

func (p *OpenAIProvider) Available() error {
	if !p.cfg.Enabled {
		return fmt.Errorf("%s: %w", ProviderOpenAI, ErrProviderDisabled)
	}
	if strings.TrimSpace(p.cfg.APIKey) == "" {
		return fmt.Errorf("%s: %w", ProviderOpenAI, ErrMissingAPIKey)
	}
	return nil
}

func (p *OpenAIProvider) NewSynthesisSession(opts SynthesisOptions, onAudio AudioHandler) (SynthesisSession, error) {
	if err := p.Available(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(opts.VoiceID) == "" {
		opts.VoiceID = p.cfg.Voice
	}
	if strings.TrimSpace(opts.ModelID) == "" {
		opts.ModelID = p.cfg.Model
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	log := p.log.With(zap.String("session_id", opts.SessionID), zap.String("base_url", p.cfg.BaseURL))
	life, cancel := context.WithCancel(context.Background())
	return &openAITTSSession{
		id:       opts.SessionID,
		client:   p.client,
		opts:     opts,
		log:      log,
		state:    SynthesisDisconnected,
		life:     life,
		stopLife: cancel,
		audio: newDispatcher(defaultDispatchQueue, log, func(ctx context.Context, chunk []byte) error {
			return onAudio(ctx, chunk)
		}),
	}, nil
}

type openAITTSSession struct {
	id     string
	client openai.Client
	opts   SynthesisOptions
	log    *zap.Logger
	audio  *dispatcher[[]byte]

	life     context.Context
	stopLife context.CancelFunc

	mu      sync.Mutex
	pending strings.Builder
	state   SynthesisState
	closed  bool
}

func (s *openAITTSSession) ID() string       { return s.id }
func (s *openAITTSSession) Provider() string { return ProviderOpenAI }

// OutputFormat reports what the speech endpoint actually returns; raw pcm
// from OpenAI is always 24 kHz mono.
func (s *openAITTSSession) OutputFormat() string {
	format := openAIResponseFormat(s.opts.OutputFormat)
	if format == openai.AudioSpeechNewParamsResponseFormatPCM {
		return openAIPCMFormat
	}
	return string(format)
}

func (s *openAITTSSession) State() SynthesisState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *openAITTSSession) IsConnected() bool {
	st := s.State()
	return st == SynthesisConnected || st == SynthesisFlushing
}

// Connect only marks the session ready; configuration was checked when the
// session was created.
func (s *openAITTSSession) Connect(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.state = SynthesisConnected
	return nil
}

func (s *openAITTSSession) SendText(_ context.Context, text string, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.state == SynthesisDisconnected {
		return ErrNotConnected
	}
	s.pending.WriteString(text)
	return nil
}

func (s *openAITTSSession) SendTextAndFlush(ctx context.Context, text string) error {
	if err := s.SendText(ctx, text, true); err != nil {
		return err
	}
	return s.Flush(ctx)
}

func (s *openAITTSSession) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	text := s.pending.String()
	s.pending.Reset()
	if strings.TrimSpace(text) == "" {
		s.mu.Unlock()
		return nil
	}
	s.state = SynthesisFlushing
	s.mu.Unlock()

	err := s.synthesize(ctx, text)

	s.mu.Lock()
	if !s.closed {
		s.state = SynthesisConnected
	}
	s.mu.Unlock()
	return err
}

func (s *openAITTSSession) synthesize(ctx context.Context, text string) error {
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.life, cancel)
	defer stop()

	params := openai.AudioSpeechNewParams{
		Input:          text,
		Model:          openai.SpeechModel(s.opts.ModelID),
		Voice:          openai.AudioSpeechNewParamsVoice(s.opts.VoiceID),
		ResponseFormat: openAIResponseFormat(s.opts.OutputFormat),
	}
	if s.opts.Speed > 0 {
		params.Speed = openai.Float(clampOrDefault(s.opts.Speed, 1.0, 0.25, 4.0))
	}

	resp, err := s.client.Audio.Speech.New(reqCtx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			s.log.Warn("speech request rejected",
				zap.Int("status", apiErr.StatusCode),
				zap.Bool("retryable", reliability.IsRetryableHTTPStatus(apiErr.StatusCode)))
		} else {
			s.log.Warn("speech request failed", zap.Error(err))
		}
		return fmt.Errorf("%s tts session %s: speech: %w", ProviderOpenAI, s.id, err)
	}
	defer resp.Body.Close()

	return emitChunks(reqCtx, resp.Body, openAIAudioChunkBytes, func(chunk []byte) bool {
		return s.audio.Enqueue(reqCtx, chunk)
	})
}

// emitChunks reads body in fixed-size pieces; only the last may be shorter.
func emitChunks(ctx context.Context, body io.Reader, size int, emit func([]byte) bool) error {
	buf := make([]byte, size)
	for {
		n, err := io.ReadFull(body, buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !emit(chunk) {
				return ctx.Err()
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return nil
		default:
			return fmt.Errorf("read speech body: %w", err)
		}
	}
}

func (s *openAITTSSession) RequiresReinitialize() bool { return false }

func (s *openAITTSSession) Reinitialize(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}

func (s *openAITTSSession) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.state = SynthesisDisconnected
	s.pending.Reset()
	s.stopLife()
	s.audio.Cancel()
}

func (s *openAITTSSession) Close(ctx context.Context) {
	if err := s.Flush(ctx); err != nil && !errors.Is(err, ErrSessionClosed) {
		s.log.Debug("tts close flush", zap.Error(err))
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state = SynthesisDisconnected
	s.mu.Unlock()
	s.audio.Close(ctx)
	s.stopLife()
}

func openAIResponseFormat(format string) openai.AudioSpeechNewParamsResponseFormat {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "mp3":
		return openai.AudioSpeechNewParamsResponseFormatMP3
	case "wav":
		return openai.AudioSpeechNewParamsResponseFormatWAV
	case "opus":
		return openai.AudioSpeechNewParamsResponseFormatOpus
	case "aac":
		return openai.AudioSpeechNewParamsResponseFormatAAC
	case "flac":
		return openai.AudioSpeechNewParamsResponseFormatFLAC
	default:
		return openai.AudioSpeechNewParamsResponseFormatPCM
	}
}
