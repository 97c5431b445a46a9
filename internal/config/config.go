package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice gateway.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool
	LogLevel         string

	DatabaseURL string
	RedisURL    string

	Voice      VoiceConfig
	ElevenLabs ElevenLabsConfig
	OpenAI     OpenAIConfig
	Deepgram   DeepgramConfig
}

type VoiceConfig struct {
	TTSProviders          []string
	STTProviders          []string
	MaxConcurrentSessions int
	CleanupInterval       time.Duration
	IdleTimeout           time.Duration
	FlushSettle           time.Duration
}

type ElevenLabsConfig struct {
	Enabled      bool
	APIKey       string
	BaseURL      string
	TTSModelID   string
	TTSVoiceID   string
	STTModelID   string
	OutputFormat string
	Timeout      time.Duration
}

type OpenAIConfig struct {
	TTSEnabled bool
	APIKey     string
	BaseURL    string
	TTSModel   string
	TTSVoice   string
	Timeout    time.Duration
}

type DeepgramConfig struct {
	Enabled  bool
	APIKey   string
	BaseURL  string
	Model    string
	Language string
	Timeout  time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "voicegateway"),
		LogLevel:         envOrDefault("LOG_LEVEL", "info"),
		DatabaseURL:      trimmedEnv("DATABASE_URL"),
		RedisURL:         trimmedEnv("REDIS_URL"),
		ShutdownTimeout:  15 * time.Second,
		Voice: VoiceConfig{
			TTSProviders:          listFromEnv("VOICE_TTS_PROVIDERS", "elevenlabs,openai,mock"),
			STTProviders:          listFromEnv("VOICE_STT_PROVIDERS", "elevenlabs,deepgram,mock"),
			MaxConcurrentSessions: 3,
			CleanupInterval:       5 * time.Minute,
			IdleTimeout:           30 * time.Minute,
			FlushSettle:           500 * time.Millisecond,
		},
		ElevenLabs: ElevenLabsConfig{
			APIKey:     trimmedEnv("ELEVENLABS_API_KEY"),
			BaseURL:    envOrDefault("ELEVENLABS_BASE_URL", "wss://api.elevenlabs.io"),
			TTSModelID: envOrDefault("ELEVENLABS_TTS_MODEL_ID", "eleven_flash_v2_5"),
			TTSVoiceID: envOrDefault("ELEVENLABS_TTS_VOICE_ID", "21m00Tcm4TlvDq8ikWAM"),
			STTModelID: envOrDefault("ELEVENLABS_STT_MODEL_ID", "scribe_v2_realtime"),
			// Low-latency PCM for realtime playback.
			OutputFormat: envOrDefault("ELEVENLABS_OUTPUT_FORMAT", "pcm_16000"),
			Timeout:      10 * time.Second,
		},
		OpenAI: OpenAIConfig{
			APIKey:   trimmedEnv("OPENAI_API_KEY"),
			BaseURL:  envOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1/"),
			TTSModel: envOrDefault("OPENAI_TTS_MODEL", "tts-1"),
			TTSVoice: envOrDefault("OPENAI_TTS_VOICE", "alloy"),
			Timeout:  30 * time.Second,
		},
		Deepgram: DeepgramConfig{
			APIKey:   trimmedEnv("DEEPGRAM_API_KEY"),
			BaseURL:  envOrDefault("DEEPGRAM_BASE_URL", "wss://api.deepgram.com"),
			Model:    envOrDefault("DEEPGRAM_MODEL", "nova-2"),
			Language: envOrDefault("DEEPGRAM_LANGUAGE", "en"),
			Timeout:  10 * time.Second,
		},
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", false); err != nil {
		return Config{}, err
	}
	if cfg.Voice.MaxConcurrentSessions, err = intFromEnv("VOICE_MAX_CONCURRENT_SESSIONS", cfg.Voice.MaxConcurrentSessions); err != nil {
		return Config{}, err
	}
	if cfg.Voice.CleanupInterval, err = minutesFromEnv("VOICE_CLEANUP_INTERVAL_MINUTES", cfg.Voice.CleanupInterval); err != nil {
		return Config{}, err
	}
	if cfg.Voice.IdleTimeout, err = minutesFromEnv("VOICE_IDLE_TIMEOUT_MINUTES", cfg.Voice.IdleTimeout); err != nil {
		return Config{}, err
	}
	if cfg.Voice.FlushSettle, err = durationFromEnv("VOICE_FLUSH_SETTLE", cfg.Voice.FlushSettle); err != nil {
		return Config{}, err
	}

	// Providers default to enabled when their key is present.
	if cfg.ElevenLabs.Enabled, err = boolFromEnv("ELEVENLABS_ENABLED", cfg.ElevenLabs.APIKey != ""); err != nil {
		return Config{}, err
	}
	if cfg.ElevenLabs.Timeout, err = secondsFromEnv("ELEVENLABS_TIMEOUT_SECONDS", cfg.ElevenLabs.Timeout); err != nil {
		return Config{}, err
	}
	if cfg.OpenAI.TTSEnabled, err = boolFromEnv("OPENAI_TTS_ENABLED", cfg.OpenAI.APIKey != ""); err != nil {
		return Config{}, err
	}
	if cfg.OpenAI.Timeout, err = secondsFromEnv("OPENAI_TIMEOUT_SECONDS", cfg.OpenAI.Timeout); err != nil {
		return Config{}, err
	}
	if cfg.Deepgram.Enabled, err = boolFromEnv("DEEPGRAM_ENABLED", cfg.Deepgram.APIKey != ""); err != nil {
		return Config{}, err
	}
	if cfg.Deepgram.Timeout, err = secondsFromEnv("DEEPGRAM_TIMEOUT_SECONDS", cfg.Deepgram.Timeout); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Voice.MaxConcurrentSessions <= 0 {
		return fmt.Errorf("VOICE_MAX_CONCURRENT_SESSIONS must be positive")
	}
	if c.Voice.CleanupInterval <= 0 {
		return fmt.Errorf("VOICE_CLEANUP_INTERVAL_MINUTES must be positive")
	}
	if c.Voice.IdleTimeout <= 0 {
		return fmt.Errorf("VOICE_IDLE_TIMEOUT_MINUTES must be positive")
	}
	if c.Voice.FlushSettle < 0 {
		return fmt.Errorf("VOICE_FLUSH_SETTLE must not be negative")
	}
	if len(c.Voice.TTSProviders) == 0 {
		return fmt.Errorf("VOICE_TTS_PROVIDERS must name at least one provider")
	}
	if len(c.Voice.STTProviders) == 0 {
		return fmt.Errorf("VOICE_STT_PROVIDERS must name at least one provider")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := trimmedEnv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func listFromEnv(key, fallback string) []string {
	var out []string
	for _, part := range strings.Split(envOrDefault(key, fallback), ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func minutesFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	return unitsFromEnv(key, fallback, time.Minute)
}

func secondsFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	return unitsFromEnv(key, fallback, time.Second)
}

func unitsFromEnv(key string, fallback, unit time.Duration) (time.Duration, error) {
	n, err := intFromEnv(key, int(fallback/unit))
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * unit, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
