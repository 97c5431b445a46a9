package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeAssistantToken MessageType = "assistant_token"
	TypeAssistantDone  MessageType = "assistant_done"
	TypeSpeak          MessageType = "speak"
	TypeBargeIn        MessageType = "barge_in"
	TypeAudioChunk     MessageType = "audio_chunk"
	TypeAudioCommit    MessageType = "audio_commit"

	TypeAssistantAudio MessageType = "assistant_audio_chunk"
	TypeSTTPartial     MessageType = "stt_partial"
	TypeSTTFinal       MessageType = "stt_final"
	TypeTurnEnd        MessageType = "turn_end"
	TypeSystemEvent    MessageType = "system_event"
	TypeErrorEvent     MessageType = "error_event"
)

// Error codes carried by ErrorEvent.
const (
	CodeTTSUnavailable = "tts_unavailable"
	CodeSTTUnavailable = "stt_unavailable"
	CodeInvalidMessage = "invalid_message"
	CodeSessionEnded   = "session_ended"
	CodeProviderError  = "provider_error"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// AssistantToken carries one token of LLM output to be spoken.
type AssistantToken struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id,omitempty"`
	Token     string      `json:"token"`
}

type AssistantDone struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id,omitempty"`
}

// Speak bypasses buffering and is synthesized right away.
type Speak struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
}

type BargeIn struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type AudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Seq         int         `json:"seq"`
	PCM16Base64 string      `json:"pcm16_base64"`
	SampleRate  int         `json:"sample_rate"`
}

type AudioCommit struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type AssistantAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	TurnID      string      `json:"turn_id"`
	Seq         int         `json:"seq"`
	Format      string      `json:"format"`
	AudioBase64 string      `json:"audio_base64"`
}

type STTPartial struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence"`
	TSMs       int64       `json:"ts_ms"`
}

type STTFinal struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence"`
	TSMs       int64       `json:"ts_ms"`
}

type TurnEnd struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Reason    string      `json:"reason"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

// ParseClientMessage decodes and validates one inbound frame.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeAssistantToken:
		var msg AssistantToken
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Token == "" {
			return nil, errors.New("invalid assistant_token")
		}
		return msg, nil
	case TypeAssistantDone:
		var msg AssistantDone
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid assistant_done")
		}
		return msg, nil
	case TypeSpeak:
		var msg Speak
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Text == "" {
			return nil, errors.New("invalid speak")
		}
		return msg, nil
	case TypeBargeIn:
		var msg BargeIn
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid barge_in")
		}
		return msg, nil
	case TypeAudioChunk:
		var msg AudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.PCM16Base64 == "" || msg.SampleRate <= 0 {
			return nil, errors.New("invalid audio_chunk")
		}
		return msg, nil
	case TypeAudioCommit:
		var msg AudioCommit
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid audio_commit")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
