package app

import (
	"strings"

	"go.uber.org/zap"

	"github.com/antoniostano/secondbrain/internal/config"
	"github.com/antoniostano/secondbrain/internal/voice"
)

// buildRegistry registers every provider the process knows about. Disabled or
// keyless vendors stay registered so /v1/voice/providers can explain why they
// are skipped; the registry's fallback order does the rest.
func buildRegistry(cfg config.Config, log *zap.Logger) *voice.Registry {
	reg := voice.NewRegistry(log)

	eleven := voice.NewElevenLabsProvider(voice.ElevenLabsConfig{
		Enabled:      cfg.ElevenLabs.Enabled,
		APIKey:       cfg.ElevenLabs.APIKey,
		WSBaseURL:    cfg.ElevenLabs.BaseURL,
		TTSModelID:   cfg.ElevenLabs.TTSModelID,
		VoiceID:      cfg.ElevenLabs.TTSVoiceID,
		STTModelID:   cfg.ElevenLabs.STTModelID,
		OutputFormat: cfg.ElevenLabs.OutputFormat,
		Timeout:      cfg.ElevenLabs.Timeout,
	}, log)
	reg.RegisterSynthesis(eleven)
	reg.RegisterTranscription(eleven)

	reg.RegisterSynthesis(voice.NewOpenAIProvider(voice.OpenAIConfig{
		Enabled: cfg.OpenAI.TTSEnabled,
		APIKey:  cfg.OpenAI.APIKey,
		BaseURL: cfg.OpenAI.BaseURL,
		Model:   cfg.OpenAI.TTSModel,
		Voice:   cfg.OpenAI.TTSVoice,
		Timeout: cfg.OpenAI.Timeout,
	}, log))

	reg.RegisterTranscription(voice.NewDeepgramProvider(voice.DeepgramConfig{
		Enabled:   cfg.Deepgram.Enabled,
		APIKey:    cfg.Deepgram.APIKey,
		WSBaseURL: cfg.Deepgram.BaseURL,
		Model:     cfg.Deepgram.Model,
		Language:  cfg.Deepgram.Language,
		Timeout:   cfg.Deepgram.Timeout,
	}, log))

	// The mock only joins when an operator lists it. Production deployments
	// drop it from VOICE_TTS_PROVIDERS and VOICE_STT_PROVIDERS.
	if listed(cfg.Voice.TTSProviders, voice.ProviderMock) || listed(cfg.Voice.STTProviders, voice.ProviderMock) {
		mock := voice.NewMockProvider(log)
		reg.RegisterSynthesis(mock)
		reg.RegisterTranscription(mock)
	}

	for _, st := range reg.Statuses() {
		if st.Available {
			log.Info("voice provider ready", zap.String("provider", st.Name), zap.String("kind", st.Kind))
			continue
		}
		log.Info("voice provider skipped", zap.String("provider", st.Name), zap.String("kind", st.Kind), zap.String("reason", st.Reason))
	}
	return reg
}

func listed(names []string, want string) bool {
	for _, name := range names {
		if strings.EqualFold(strings.TrimSpace(name), want) {
			return true
		}
	}
	return false
}
