package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/antoniostano/secondbrain/internal/config"
	"github.com/antoniostano/secondbrain/internal/memory"
	"github.com/antoniostano/secondbrain/internal/observability"
	"github.com/antoniostano/secondbrain/internal/protocol"
	"github.com/antoniostano/secondbrain/internal/session"
	"github.com/antoniostano/secondbrain/internal/voice"
)

const (
	wsQueueSize    = 256
	wsReadLimit    = 2 << 20
	wsReadTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// Pipeline runs one voice WebSocket connection.
type Pipeline interface {
	RunConnection(ctx context.Context, s *session.VoiceSession, inbound <-chan any, outbound chan<- any) error
}

type ProviderDirectory interface {
	Statuses() []voice.ProviderStatus
}

// SnapshotLookup reads session snapshots mirrored by other replicas.
type SnapshotLookup interface {
	Lookup(ctx context.Context, id string) (*session.VoiceSession, error)
}

// Dependencies are the collaborators the router serves. Pipeline, Providers,
// Snapshots and Turns are optional.
type Dependencies struct {
	Sessions  *session.Manager
	Pipeline  Pipeline
	Providers ProviderDirectory
	Snapshots SnapshotLookup
	Turns     memory.Store
	Metrics   *observability.Metrics
	Log       *zap.Logger
}

type Server struct {
	cfg       config.Config
	sessions  *session.Manager
	pipeline  Pipeline
	providers ProviderDirectory
	snapshots SnapshotLookup
	turns     memory.Store
	metrics   *observability.Metrics
	log       *zap.Logger
	upgrader  websocket.Upgrader
}

func New(cfg config.Config, deps Dependencies) *Server {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:       cfg,
		sessions:  deps.Sessions,
		pipeline:  deps.Pipeline,
		providers: deps.Providers,
		snapshots: deps.Snapshots,
		turns:     deps.Turns,
		metrics:   deps.Metrics,
		log:       log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only drive a session from the gateway's own origin.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Route("/v1/voice", func(r chi.Router) {
		r.Get("/providers", s.handleListProviders)
		r.Get("/latency", s.handleLatency)
		r.Post("/sessions", s.handleCreateSession)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Post("/state", s.handleUpdateState)
			r.Post("/turns", s.handleAddTurn)
			r.Post("/touch", s.handleTouch)
			r.Post("/end", s.handleEndSession)
			r.Get("/archive", s.handleSessionArchive)
			r.Get("/ws", s.handleSessionWS)
		})
		r.Get("/users/{userID}/sessions", s.handleListUserSessions)
		r.Get("/users/{userID}/turns", s.handleRecentTurns)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"tracked_session": s.sessions.Len(),
	})
}

// handleReady reports ready once at least one synthesis provider is usable.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.providers == nil {
		respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
		return
	}
	statuses := s.providers.Statuses()
	for _, st := range statuses {
		if st.Kind == "tts" && st.Available {
			respondJSON(w, http.StatusOK, map[string]any{"status": "ready", "providers": statuses})
			return
		}
	}
	respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "providers": statuses})
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if s.pipeline == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "voice pipeline not configured")
		return
	}

	sess, err := s.sessions.GetSession(sessionID)
	if err != nil {
		respondSessionError(w, err)
		return
	}
	if !sess.Active() {
		respondError(w, http.StatusConflict, "session_ended", "voice session has ended")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	defer conn.Close()
	s.event("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, wsQueueSize)
	outbound := make(chan any, wsQueueSize)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		defer cancel()
		if err := s.pipeline.RunConnection(ctx, sess, inbound, outbound); err != nil {
			s.log.Warn("voice connection failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				s.flushOutbound(conn, outbound)
				return
			case msg := <-outbound:
				if !s.writeMessage(conn, msg) {
					cancel()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	// ReadMessage does not watch ctx; closing the socket unblocks it.
	go func() {
		<-ctx.Done()
		<-writerDone
		_ = conn.Close()
	}()

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			errEvent := protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      protocol.CodeInvalidMessage,
				Source:    "gateway",
				Retryable: false,
				Detail:    err.Error(),
			}
			select {
			case outbound <- errEvent:
			default:
				// Writes stay single-threaded; drop when the queue is saturated.
				s.event("outbound_drop")
			}
			continue
		}

		if t, ok := messageTypeOf(parsed); ok {
			s.countMessage("inbound", t)
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	s.event("ws_disconnected")
}

func (s *Server) writeMessage(conn *websocket.Conn, msg any) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		s.event("ws_write_error")
		return false
	}
	if t, ok := messageTypeOf(msg); ok {
		s.countMessage("outbound", t)
	}
	return true
}

// flushOutbound writes what the pipeline queued before it stopped, such as
// a final session_ended error.
func (s *Server) flushOutbound(conn *websocket.Conn, outbound <-chan any) {
	for {
		select {
		case msg := <-outbound:
			if !s.writeMessage(conn, msg) {
				return
			}
		default:
			return
		}
	}
}

func (s *Server) event(name string) {
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues(name).Inc()
	}
}

func (s *Server) countMessage(direction string, t protocol.MessageType) {
	if s.metrics != nil {
		s.metrics.WSMessages.WithLabelValues(direction, string(t)).Inc()
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.AssistantToken:
		return m.Type, true
	case protocol.AssistantDone:
		return m.Type, true
	case protocol.Speak:
		return m.Type, true
	case protocol.BargeIn:
		return m.Type, true
	case protocol.AudioChunk:
		return m.Type, true
	case protocol.AudioCommit:
		return m.Type, true
	case protocol.AssistantAudioChunk:
		return m.Type, true
	case protocol.STTPartial:
		return m.Type, true
	case protocol.STTFinal:
		return m.Type, true
	case protocol.TurnEnd:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
