package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/antoniostano/secondbrain/internal/config"
	"github.com/antoniostano/secondbrain/internal/memory"
	"github.com/antoniostano/secondbrain/internal/session"
	"github.com/antoniostano/secondbrain/internal/voice"
)

var namespaceSeq atomic.Int64

func testConfig() config.Config {
	return config.Config{
		MetricsNamespace: fmt.Sprintf("test_app_%d", namespaceSeq.Add(1)),
		Voice: config.VoiceConfig{
			TTSProviders:          []string{"elevenlabs", "mock"},
			STTProviders:          []string{"mock"},
			MaxConcurrentSessions: 2,
			CleanupInterval:       time.Minute,
			IdleTimeout:           time.Minute,
			FlushSettle:           10 * time.Millisecond,
		},
		ElevenLabs: config.ElevenLabsConfig{OutputFormat: "pcm_16000"},
		Deepgram:   config.DeepgramConfig{Language: "en"},
	}
}

func TestBuildInMemoryArchivesEndedSessions(t *testing.T) {
	res, err := Build(context.Background(), testConfig(), zap.NewNop())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	t.Cleanup(func() { _ = res.Close() })
	if res.Mirror != nil {
		t.Fatalf("Mirror should be nil without REDIS_URL")
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = res.Archiver.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	ts := httptest.NewServer(res.API.Router())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/readyz status = %d, want 200 with mock registered", resp.StatusCode)
	}

	s, err := res.Sessions.CreateSession("u1", session.CreateOptions{})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if _, err := res.Sessions.AddTurn(s.ID, session.Turn{Role: session.RoleUser, Content: "call me at 555-123-4567"}); err != nil {
		t.Fatalf("AddTurn() error = %v", err)
	}
	if _, err := res.Sessions.EndSession(s.ID, ""); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		turns := recentTurns(t, ts.URL, "u1")
		if len(turns) == 1 {
			if turns[0].SessionID != s.ID || turns[0].Content == "call me at 555-123-4567" {
				t.Fatalf("archived turn = %+v, want redacted record of %s", turns[0], s.ID)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("archived turns = %d, want 1", len(turns))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func recentTurns(t *testing.T, baseURL, userID string) []memory.TurnRecord {
	t.Helper()
	resp, err := http.Get(baseURL + "/v1/voice/users/" + userID + "/turns")
	if err != nil {
		t.Fatalf("GET turns error = %v", err)
	}
	defer resp.Body.Close()
	var out struct {
		Turns []memory.TurnRecord `json:"turns"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode turns error = %v", err)
	}
	return out.Turns
}

func TestBuildRejectsBadRedisURL(t *testing.T) {
	cfg := testConfig()
	cfg.RedisURL = "not-a-redis-url"
	if _, err := Build(context.Background(), cfg, zap.NewNop()); err == nil {
		t.Fatalf("Build() error = nil, want REDIS_URL parse error")
	}
}

func TestBuildRegistryMockOnlyWhenListed(t *testing.T) {
	cfg := testConfig()
	cfg.Voice.TTSProviders = []string{"elevenlabs"}
	cfg.Voice.STTProviders = []string{"deepgram"}

	reg := buildRegistry(cfg, zap.NewNop())
	for _, st := range reg.Statuses() {
		if st.Name == voice.ProviderMock {
			t.Fatalf("mock registered without being listed: %+v", st)
		}
		if st.Available {
			t.Fatalf("keyless provider reported available: %+v", st)
		}
	}

	cfg.Voice.TTSProviders = []string{"elevenlabs", " MOCK "}
	reg = buildRegistry(cfg, zap.NewNop())
	found := false
	for _, st := range reg.Statuses() {
		if st.Name == voice.ProviderMock && st.Kind == "tts" && st.Available {
			found = true
		}
	}
	if !found {
		t.Fatalf("mock tts provider missing from %+v", reg.Statuses())
	}
}
