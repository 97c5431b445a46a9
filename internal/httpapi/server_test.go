package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/antoniostano/secondbrain/internal/config"
	"github.com/antoniostano/secondbrain/internal/memory"
	"github.com/antoniostano/secondbrain/internal/observability"
	"github.com/antoniostano/secondbrain/internal/protocol"
	"github.com/antoniostano/secondbrain/internal/session"
	"github.com/antoniostano/secondbrain/internal/voice"
)

var metricsSeq atomic.Int64

func testConfig() config.Config {
	return config.Config{
		Voice: config.VoiceConfig{
			TTSProviders: []string{"mock"},
			STTProviders: []string{"mock"},
			IdleTimeout:  30 * time.Minute,
			FlushSettle:  10 * time.Millisecond,
		},
	}
}

func newTestServer(t *testing.T, sessions *session.Manager, deps Dependencies) *httptest.Server {
	t.Helper()
	deps.Sessions = sessions
	if deps.Metrics == nil {
		deps.Metrics = observability.NewMetrics(fmt.Sprintf("test_httpapi_%d", metricsSeq.Add(1)))
	}
	if deps.Log == nil {
		deps.Log = zaptest.NewLogger(t)
	}
	ts := httptest.NewServer(New(testConfig(), deps).Router())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, _ := json.Marshal(body)
	res, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func getJSON(t *testing.T, url string) *http.Response {
	t.Helper()
	res, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s error = %v", url, err)
	}
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func decodeBody[T any](t *testing.T, res *http.Response) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func createSession(t *testing.T, baseURL, userID string) session.CreateResponse {
	t.Helper()
	res := postJSON(t, baseURL+"/v1/voice/sessions", map[string]string{"user_id": userID, "voice_id": "voice-a"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	return decodeBody[session.CreateResponse](t, res)
}

func TestSessionLifecycle(t *testing.T) {
	sessions := session.NewManager(session.Options{}, zaptest.NewLogger(t))
	ts := newTestServer(t, sessions, Dependencies{})

	created := createSession(t, ts.URL, "user-1")
	if created.SessionID == "" || created.State != session.StateIdle {
		t.Fatalf("create response = %+v", created)
	}
	if created.IdleTimeoutMS != (30 * time.Minute).Milliseconds() {
		t.Fatalf("idle_timeout_ms = %d", created.IdleTimeoutMS)
	}
	if created.WebSocketRoute != "/v1/voice/sessions/"+created.SessionID+"/ws" {
		t.Fatalf("ws_path = %q", created.WebSocketRoute)
	}
	base := ts.URL + "/v1/voice/sessions/" + created.SessionID

	res := postJSON(t, base+"/turns", session.AddTurnRequest{Role: session.RoleUser, Content: "hello"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("add turn status = %d", res.StatusCode)
	}
	res = postJSON(t, base+"/state", session.UpdateStateRequest{State: session.StateListening})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update state status = %d", res.StatusCode)
	}
	res = postJSON(t, base+"/state", session.UpdateStateRequest{State: "dancing"})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid state status = %d, want 400", res.StatusCode)
	}
	res = postJSON(t, base+"/touch", nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("touch status = %d, want 204", res.StatusCode)
	}

	got := decodeBody[session.VoiceSession](t, getJSON(t, base))
	if got.State != session.StateListening || len(got.Turns) != 1 || got.VoiceID != "voice-a" {
		t.Fatalf("get session = %+v", got)
	}

	list := decodeBody[struct {
		Count int `json:"count"`
	}](t, getJSON(t, ts.URL+"/v1/voice/users/user-1/sessions"))
	if list.Count != 1 {
		t.Fatalf("active sessions = %d, want 1", list.Count)
	}

	res = postJSON(t, base+"/end", session.EndRequest{})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d", res.StatusCode)
	}
	ended := decodeBody[session.VoiceSession](t, res)
	if ended.State != session.StateEnded || ended.EndReason != session.EndReasonUser {
		t.Fatalf("ended session = %+v", ended)
	}

	res = postJSON(t, base+"/state", session.UpdateStateRequest{State: session.StateListening})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("revive status = %d, want 409", res.StatusCode)
	}
	res = postJSON(t, ts.URL+"/v1/voice/sessions/missing/end", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("end missing status = %d, want 404", res.StatusCode)
	}
}

func TestCreateSessionOverCapacity(t *testing.T) {
	sessions := session.NewManager(session.Options{MaxPerUser: 1}, zaptest.NewLogger(t))
	ts := newTestServer(t, sessions, Dependencies{})

	createSession(t, ts.URL, "user-1")
	res := postJSON(t, ts.URL+"/v1/voice/sessions", map[string]string{"user_id": "user-1"})
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", res.StatusCode)
	}
	body := decodeBody[errorResponse](t, res)
	if body.Code != "too_many_sessions" {
		t.Fatalf("code = %q, want too_many_sessions", body.Code)
	}
	// Another user is unaffected.
	createSession(t, ts.URL, "user-2")
}

type stubSnapshots struct {
	snaps map[string]session.VoiceSession
}

func (s stubSnapshots) Lookup(_ context.Context, id string) (*session.VoiceSession, error) {
	snap, ok := s.snaps[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	return &snap, nil
}

func TestGetSessionOwnershipAndMirrorFallback(t *testing.T) {
	sessions := session.NewManager(session.Options{}, zaptest.NewLogger(t))
	snaps := stubSnapshots{snaps: map[string]session.VoiceSession{
		"remote-1": {ID: "remote-1", UserID: "user-9", State: session.StateSpeaking},
	}}
	ts := newTestServer(t, sessions, Dependencies{Snapshots: snaps})

	created := createSession(t, ts.URL, "user-1")
	res := getJSON(t, ts.URL+"/v1/voice/sessions/"+created.SessionID+"?user_id=someone-else")
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign owner status = %d, want 404", res.StatusCode)
	}

	res = getJSON(t, ts.URL+"/v1/voice/sessions/remote-1")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("mirrored status = %d, want 200", res.StatusCode)
	}
	if got := res.Header.Get("X-Session-Source"); got != "mirror" {
		t.Fatalf("X-Session-Source = %q, want mirror", got)
	}
	if snap := decodeBody[session.VoiceSession](t, res); snap.State != session.StateSpeaking {
		t.Fatalf("mirrored session = %+v", snap)
	}

	res = getJSON(t, ts.URL+"/v1/voice/sessions/remote-1?user_id=user-1")
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("mirrored foreign owner status = %d, want 404", res.StatusCode)
	}
}

func TestProvidersAndReadiness(t *testing.T) {
	reg := voice.NewRegistry(zap.NewNop())
	mock := voice.NewMockProvider(nil)
	reg.RegisterSynthesis(mock)
	reg.RegisterTranscription(mock)
	sessions := session.NewManager(session.Options{}, zaptest.NewLogger(t))
	ts := newTestServer(t, sessions, Dependencies{Providers: reg})

	payload := decodeBody[struct {
		Providers []voice.ProviderStatus `json:"providers"`
	}](t, getJSON(t, ts.URL+"/v1/voice/providers"))
	if len(payload.Providers) != 2 {
		t.Fatalf("providers = %+v, want tts and stt entries", payload.Providers)
	}
	if res := getJSON(t, ts.URL+"/readyz"); res.StatusCode != http.StatusOK {
		t.Fatalf("readyz status = %d, want 200", res.StatusCode)
	}

	mock.Unavailable = errors.New("api key not configured")
	if res := getJSON(t, ts.URL+"/readyz"); res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz status = %d, want 503", res.StatusCode)
	}
}

func TestArchivedTurnRoutes(t *testing.T) {
	store := memory.NewInMemoryStore()
	now := time.Now().UTC()
	ended := session.VoiceSession{
		ID:     "s-archived",
		UserID: "user-1",
		Turns: []session.Turn{
			{Role: session.RoleUser, Content: "mail me at jane@example.com", Timestamp: now},
			{Role: session.RoleAssistant, Content: "Sure.", Timestamp: now.Add(time.Second)},
		},
	}
	if err := store.SaveTurns(context.Background(), memory.Records(ended)); err != nil {
		t.Fatalf("SaveTurns() error = %v", err)
	}
	sessions := session.NewManager(session.Options{}, zaptest.NewLogger(t))
	ts := newTestServer(t, sessions, Dependencies{Turns: store})

	bySession := decodeBody[struct {
		Turns []memory.TurnRecord `json:"turns"`
	}](t, getJSON(t, ts.URL+"/v1/voice/sessions/s-archived/archive"))
	if len(bySession.Turns) != 2 {
		t.Fatalf("session archive = %+v", bySession.Turns)
	}
	if strings.Contains(bySession.Turns[0].Content, "jane@example.com") {
		t.Fatalf("archived content was not redacted: %q", bySession.Turns[0].Content)
	}

	recent := decodeBody[struct {
		Turns []memory.TurnRecord `json:"turns"`
	}](t, getJSON(t, ts.URL+"/v1/voice/users/user-1/turns?limit=1"))
	if len(recent.Turns) != 1 {
		t.Fatalf("recent turns = %d, want 1", len(recent.Turns))
	}
	if res := getJSON(t, ts.URL+"/v1/voice/users/user-1/turns?limit=-3"); res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d, want 400", res.StatusCode)
	}
}

func TestSessionWebSocketSpeaksTokens(t *testing.T) {
	log := zap.NewNop()
	reg := voice.NewRegistry(log)
	mock := voice.NewMockProvider(log)
	reg.RegisterSynthesis(mock)
	reg.RegisterTranscription(mock)
	sessions := session.NewManager(session.Options{}, log)
	cfg := testConfig()
	pipeline := voice.NewPipeline(reg, sessions, voice.PipelineOptions{
		TTSProviders: cfg.Voice.TTSProviders,
		STTProviders: cfg.Voice.STTProviders,
		FlushSettle:  cfg.Voice.FlushSettle,
	}, nil, log)
	ts := newTestServer(t, sessions, Dependencies{Pipeline: pipeline, Providers: reg, Log: log})

	created := createSession(t, ts.URL, "user-1")
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + created.WebSocketRoute
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"nonsense"}`)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	for _, msg := range []any{
		protocol.AssistantToken{Type: protocol.TypeAssistantToken, SessionID: created.SessionID, Token: "Hi there."},
		protocol.AssistantDone{Type: protocol.TypeAssistantDone, SessionID: created.SessionID},
	} {
		if err := conn.WriteJSON(msg); err != nil {
			t.Fatalf("WriteJSON() error = %v", err)
		}
	}

	seen := map[protocol.MessageType]map[string]any{}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for seen[protocol.TypeTurnEnd] == nil {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("ReadJSON() error = %v (seen %v)", err, seen)
		}
		typ, _ := msg["type"].(string)
		seen[protocol.MessageType(typ)] = msg
	}
	if ev := seen[protocol.TypeErrorEvent]; ev == nil || ev["code"] != protocol.CodeInvalidMessage {
		t.Fatalf("error_event = %v, want invalid_message", ev)
	}
	if seen[protocol.TypeAssistantAudio] == nil {
		t.Fatalf("no assistant_audio_chunk before turn_end")
	}

	got, err := sessions.GetSession(created.SessionID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.State != session.StateListening || len(got.Turns) != 1 {
		t.Fatalf("session after turn = %+v", got)
	}
}

func TestLatencySnapshot(t *testing.T) {
	metrics := observability.NewMetrics(fmt.Sprintf("test_httpapi_%d", metricsSeq.Add(1)))
	metrics.ObserveFirstAudioLatency(420 * time.Millisecond)
	sessions := session.NewManager(session.Options{}, zaptest.NewLogger(t))
	ts := newTestServer(t, sessions, Dependencies{Metrics: metrics})

	res := getJSON(t, ts.URL+"/v1/voice/latency")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("latency status = %d", res.StatusCode)
	}
	snap := decodeBody[observability.LatencySnapshot](t, res)
	if len(snap.Stages) != 1 || snap.Stages[0].Stage != observability.StageFirstAudio || snap.Stages[0].LastMS != 420 {
		t.Fatalf("latency snapshot = %+v", snap)
	}
}

func TestSessionWebSocketRejectsEndedSession(t *testing.T) {
	sessions := session.NewManager(session.Options{}, zaptest.NewLogger(t))
	pipeline := voice.NewPipeline(voice.NewRegistry(nil), sessions, voice.PipelineOptions{}, nil, nil)
	ts := newTestServer(t, sessions, Dependencies{Pipeline: pipeline})

	created := createSession(t, ts.URL, "user-1")
	if _, err := sessions.EndSession(created.SessionID, ""); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	res := getJSON(t, ts.URL+created.WebSocketRoute)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", res.StatusCode)
	}
}
