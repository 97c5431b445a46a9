package session

import "time"

type State string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StateSpeaking   State = "speaking"
	StateEnded      State = "ended"
)

// ParseState accepts the lowercase wire names.
func ParseState(raw string) (State, bool) {
	switch s := State(raw); s {
	case StateIdle, StateListening, StateProcessing, StateSpeaking, StateEnded:
		return s, true
	default:
		return "", false
	}
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

const (
	EndReasonUser        = "user"
	EndReasonIdleTimeout = "idle_timeout"
	EndReasonShutdown    = "shutdown"
)

type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// VoiceSession is one voice conversation. Copies handed out by the Manager
// are detached from the store.
type VoiceSession struct {
	ID             string     `json:"session_id"`
	UserID         string     `json:"user_id"`
	State          State      `json:"state"`
	Provider       string     `json:"provider,omitempty"`
	Model          string     `json:"model,omitempty"`
	VoiceID        string     `json:"voice_id,omitempty"`
	Turns          []Turn     `json:"turns"`
	StartedAt      time.Time  `json:"started_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	EndReason      string     `json:"end_reason,omitempty"`
}

func (s *VoiceSession) Active() bool { return s.State != StateEnded }

type CreateOptions struct {
	Provider string
	Model    string
	VoiceID  string
}

// CreateRequest defines payload for creating a new voice session.
type CreateRequest struct {
	UserID   string `json:"user_id"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	VoiceID  string `json:"voice_id"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID      string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	State          State     `json:"state"`
	Provider       string    `json:"provider,omitempty"`
	Model          string    `json:"model,omitempty"`
	VoiceID        string    `json:"voice_id,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	IdleTimeoutMS  int64     `json:"idle_timeout_ms"`
	WebSocketRoute string    `json:"ws_path"`
}

type UpdateStateRequest struct {
	State  State  `json:"state"`
	Reason string `json:"reason,omitempty"`
}

type AddTurnRequest struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type EndRequest struct {
	Reason string `json:"reason,omitempty"`
}
