package voice

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	ProviderElevenLabs = "elevenlabs"

	defaultElevenLabsWSBase = "wss://api.elevenlabs.io"
)

type ElevenLabsConfig struct {
	Enabled      bool
	APIKey       string
	WSBaseURL    string
	TTSModelID   string
	VoiceID      string
	STTModelID   string
	OutputFormat string
	Timeout      time.Duration
}

// ElevenLabsProvider serves both realtime synthesis and transcription over websockets.
type ElevenLabsProvider struct {
	cfg ElevenLabsConfig
	log *zap.Logger
}

func NewElevenLabsProvider(cfg ElevenLabsConfig, log *zap.Logger) *ElevenLabsProvider {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = defaultElevenLabsWSBase
	}
	if strings.TrimSpace(cfg.TTSModelID) == "" {
		cfg.TTSModelID = "eleven_multilingual_v2"
	}
	if strings.TrimSpace(cfg.STTModelID) == "" {
		cfg.STTModelID = "scribe_v2_realtime"
	}
	if strings.TrimSpace(cfg.OutputFormat) == "" {
		cfg.OutputFormat = "pcm_16000"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ElevenLabsProvider{cfg: cfg, log: log.With(zap.String("provider", ProviderElevenLabs))}
}

func (p *ElevenLabsProvider) Name() string { return ProviderElevenLabs }

func (p *ElevenLabsProvider) Available() error {
	if !p.cfg.Enabled {
		return fmt.Errorf("%s: %w", ProviderElevenLabs, ErrProviderDisabled)
	}
	if strings.TrimSpace(p.cfg.APIKey) == "" {
		return fmt.Errorf("%s: %w", ProviderElevenLabs, ErrMissingAPIKey)
	}
	return nil
}

func (p *ElevenLabsProvider) NewSynthesisSession(opts SynthesisOptions, onAudio AudioHandler) (SynthesisSession, error) {
	if err := p.Available(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(opts.VoiceID) == "" {
		opts.VoiceID = p.cfg.VoiceID
	}
	if strings.TrimSpace(opts.VoiceID) == "" {
		return nil, fmt.Errorf("%s: voice_id is required", ProviderElevenLabs)
	}
	if strings.TrimSpace(opts.ModelID) == "" {
		opts.ModelID = p.cfg.TTSModelID
	}
	if strings.TrimSpace(opts.OutputFormat) == "" {
		opts.OutputFormat = p.cfg.OutputFormat
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	return newElevenTTSSession(p.cfg, opts, onAudio, p.log), nil
}

func (p *ElevenLabsProvider) NewTranscriptionSession(opts TranscriptionOptions, onEvent TranscriptHandler) (TranscriptionSession, error) {
	if err := p.Available(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(opts.ModelID) == "" {
		opts.ModelID = p.cfg.STTModelID
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	return newElevenSTTSession(p.cfg, opts, onEvent, p.log), nil
}

func elevenTTSURL(base, voiceID, modelID, outputFormat string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/") + "/v1/text-to-speech/" + url.PathEscape(voiceID) + "/multi-stream-input")
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model_id", modelID)
	q.Set("output_format", outputFormat)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func elevenSTTURL(base, modelID string, sampleRate int) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/") + "/v1/speech-to-text/realtime")
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model_id", modelID)
	q.Set("commit_strategy", "manual")
	q.Set("audio_format", "pcm_"+strconv.Itoa(sampleRate))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func elevenHeaders(apiKey string) http.Header {
	headers := http.Header{}
	headers.Set("xi-api-key", apiKey)
	return headers
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed"`
}

func normalizeVoiceSettings(opts SynthesisOptions) voiceSettings {
	return voiceSettings{
		Stability:       clampOrDefault(opts.Stability, 0.42, 0, 1),
		SimilarityBoost: clampOrDefault(opts.SimilarityBoost, 0.85, 0, 1),
		Speed:           clampOrDefault(opts.Speed, 1.0, 0.7, 1.2),
	}
}

func clampOrDefault(v, def, lo, hi float64) float64 {
	if v <= 0 {
		v = def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func asBool(v any) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return false
}
