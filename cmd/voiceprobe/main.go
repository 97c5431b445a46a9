// Command voiceprobe drives one voice session against a running gateway: it
// streams assistant text for synthesis, optionally replays a WAV file for
// transcription, and reports first-audio latency.
package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/secondbrain/internal/audio"
	"github.com/antoniostano/secondbrain/internal/protocol"
	"github.com/antoniostano/secondbrain/internal/session"
)

type options struct {
	baseURL    string
	userID     string
	provider   string
	voiceID    string
	text       string
	listenWAV  string
	outWAV     string
	chunkMS    int
	tokenDelay time.Duration
	timeout    time.Duration
	verbose    bool
}

// serverEvent covers the fields voiceprobe reads from any server message.
type serverEvent struct {
	Type        protocol.MessageType `json:"type"`
	TurnID      string               `json:"turn_id,omitempty"`
	Code        string               `json:"code,omitempty"`
	Detail      string               `json:"detail,omitempty"`
	Text        string               `json:"text,omitempty"`
	Format      string               `json:"format,omitempty"`
	AudioBase64 string               `json:"audio_base64,omitempty"`
	Reason      string               `json:"reason,omitempty"`
}

type speakResult struct {
	firstAudio time.Duration
	chunks     int
	audio      []byte
	format     string
	reason     string
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "voiceprobe: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "voiceprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	fs := flag.NewFlagSet("voiceprobe", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "gateway base URL")
	fs.StringVar(&cfg.userID, "user-id", "voiceprobe", "user_id for the probe session")
	fs.StringVar(&cfg.provider, "provider", "", "preferred TTS provider")
	fs.StringVar(&cfg.voiceID, "voice-id", "", "optional voice_id")
	fs.StringVar(&cfg.text, "text", "Hello there. This is a short synthesis probe.", "assistant text to synthesize")
	fs.StringVar(&cfg.listenWAV, "listen-wav", "", "PCM16 WAV file to stream for transcription")
	fs.StringVar(&cfg.outWAV, "out-wav", "", "write synthesized PCM audio to this WAV path")
	fs.IntVar(&cfg.chunkMS, "chunk-ms", 40, "audio chunk size in milliseconds")
	fs.DurationVar(&cfg.tokenDelay, "token-delay", 20*time.Millisecond, "delay between streamed tokens")
	fs.DurationVar(&cfg.timeout, "timeout", 30*time.Second, "per-phase timeout")
	fs.BoolVar(&cfg.verbose, "verbose", false, "print every server event")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, errors.New("base-url is required")
	}
	if strings.TrimSpace(cfg.text) == "" && cfg.listenWAV == "" {
		return options{}, errors.New("nothing to do: set -text or -listen-wav")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, errors.New("chunk-ms must be in [10,2000]")
	}
	if cfg.timeout < time.Second {
		cfg.timeout = time.Second
	}
	if cfg.tokenDelay < 0 {
		cfg.tokenDelay = 0
	}
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 4*cfg.timeout)
	defer cancel()

	client := &http.Client{Timeout: 15 * time.Second}
	created, err := createSession(ctx, client, cfg)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = endSession(context.Background(), client, cfg.baseURL, created.SessionID)
	}()
	fmt.Printf("voiceprobe: session=%s provider=%s\n", created.SessionID, created.Provider)

	wsURL, err := wsURL(cfg.baseURL, created.WebSocketRoute)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	events := make(chan serverEvent, 64)
	readErr := make(chan error, 1)
	go readLoop(conn, events, readErr, cfg.verbose)

	if strings.TrimSpace(cfg.text) != "" {
		res, err := speak(conn, created.SessionID, cfg, events, readErr)
		if err != nil {
			return fmt.Errorf("speak: %w", err)
		}
		fmt.Printf("voiceprobe: turn_end reason=%s first_audio=%s chunks=%d bytes=%d format=%s\n",
			res.reason, res.firstAudio.Round(time.Millisecond), res.chunks, len(res.audio), res.format)
		if cfg.outWAV != "" {
			if err := writeAudio(cfg.outWAV, res); err != nil {
				return fmt.Errorf("write %s: %w", cfg.outWAV, err)
			}
			fmt.Printf("voiceprobe: wrote %s\n", cfg.outWAV)
		}
	}

	if cfg.listenWAV != "" {
		text, err := listen(conn, created.SessionID, cfg, events, readErr)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		fmt.Printf("voiceprobe: stt_final %q\n", text)
	}
	return nil
}

func createSession(ctx context.Context, client *http.Client, cfg options) (session.CreateResponse, error) {
	payload, err := json.Marshal(session.CreateRequest{
		UserID:   cfg.userID,
		Provider: strings.TrimSpace(cfg.provider),
		VoiceID:  strings.TrimSpace(cfg.voiceID),
	})
	if err != nil {
		return session.CreateResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/voice/sessions", bytes.NewReader(payload))
	if err != nil {
		return session.CreateResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return session.CreateResponse{}, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return session.CreateResponse{}, err
	}
	if res.StatusCode != http.StatusCreated {
		return session.CreateResponse{}, fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out session.CreateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return session.CreateResponse{}, err
	}
	if out.SessionID == "" || out.WebSocketRoute == "" {
		return session.CreateResponse{}, errors.New("response missing session_id or ws_path")
	}
	return out, nil
}

func endSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/voice/sessions/"+url.PathEscape(sessionID)+"/end", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func wsURL(baseURL, path string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	u.RawQuery = ""
	return u.String(), nil
}

// splitTokens breaks text into word tokens that keep their trailing space,
// the way an LLM stream usually arrives.
func splitTokens(text string) []string {
	words := strings.Fields(text)
	out := make([]string, 0, len(words))
	for i, w := range words {
		if i < len(words)-1 {
			w += " "
		}
		out = append(out, w)
	}
	return out
}

func readLoop(conn *websocket.Conn, events chan<- serverEvent, readErr chan<- error, verbose bool) {
	defer close(events)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErr <- err:
			default:
			}
			return
		}
		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		if verbose && ev.Type != protocol.TypeAssistantAudio {
			fmt.Printf("voiceprobe: <- %s %s\n", ev.Type, strings.TrimSpace(ev.Code+" "+ev.Text+" "+ev.Reason))
		}
		events <- ev
	}
}

func speak(conn *websocket.Conn, sessionID string, cfg options, events <-chan serverEvent, readErr <-chan error) (speakResult, error) {
	turnID := fmt.Sprintf("probe-%d", time.Now().UnixNano())
	start := time.Now()
	for _, tok := range splitTokens(cfg.text) {
		msg := protocol.AssistantToken{
			Type:      protocol.TypeAssistantToken,
			SessionID: sessionID,
			TurnID:    turnID,
			Token:     tok,
		}
		if err := conn.WriteJSON(msg); err != nil {
			return speakResult{}, err
		}
		if cfg.tokenDelay > 0 {
			time.Sleep(cfg.tokenDelay)
		}
	}
	done := protocol.AssistantDone{Type: protocol.TypeAssistantDone, SessionID: sessionID, TurnID: turnID}
	if err := conn.WriteJSON(done); err != nil {
		return speakResult{}, err
	}

	var res speakResult
	timer := time.NewTimer(cfg.timeout)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return res, errors.New("connection closed before turn_end")
			}
			switch ev.Type {
			case protocol.TypeAssistantAudio:
				if ev.TurnID != turnID {
					continue
				}
				chunk, err := base64.StdEncoding.DecodeString(ev.AudioBase64)
				if err != nil {
					return res, fmt.Errorf("decode audio chunk: %w", err)
				}
				if res.chunks == 0 {
					res.firstAudio = time.Since(start)
				}
				res.chunks++
				res.format = ev.Format
				res.audio = append(res.audio, chunk...)
			case protocol.TypeTurnEnd:
				if ev.TurnID == turnID {
					res.reason = ev.Reason
					return res, nil
				}
			case protocol.TypeErrorEvent:
				if ev.Code == "tts_unavailable" || ev.Code == "session_ended" {
					return res, fmt.Errorf("%s: %s", ev.Code, ev.Detail)
				}
				fmt.Fprintf(os.Stderr, "voiceprobe: error_event code=%s detail=%s\n", ev.Code, ev.Detail)
			}
		case err := <-readErr:
			return res, err
		case <-timer.C:
			return res, fmt.Errorf("no turn_end after %s", cfg.timeout)
		}
	}
}

func writeAudio(path string, res speakResult) error {
	if !strings.HasPrefix(res.format, "pcm_") {
		// Compressed formats are already containerized.
		return os.WriteFile(path, res.audio, 0o644)
	}
	rate, ok := audio.SampleRateFromFormat(res.format)
	if !ok {
		rate = audio.DefaultSampleRate
	}
	return audio.WriteWAVPCM16LEFile(path, res.audio, rate)
}

func listen(conn *websocket.Conn, sessionID string, cfg options, events <-chan serverEvent, readErr <-chan error) (string, error) {
	data, err := os.ReadFile(cfg.listenWAV)
	if err != nil {
		return "", err
	}
	pcm, rate, err := audio.DecodeWAVPCM16(data)
	if err != nil {
		return "", err
	}

	frameDur := time.Duration(cfg.chunkMS) * time.Millisecond
	for i, frame := range audio.Frames(pcm, rate, cfg.chunkMS) {
		msg := protocol.AudioChunk{
			Type:        protocol.TypeAudioChunk,
			SessionID:   sessionID,
			Seq:         i + 1,
			PCM16Base64: base64.StdEncoding.EncodeToString(frame),
			SampleRate:  rate,
		}
		if err := conn.WriteJSON(msg); err != nil {
			return "", err
		}
		time.Sleep(frameDur)
	}
	if err := conn.WriteJSON(protocol.AudioCommit{Type: protocol.TypeAudioCommit, SessionID: sessionID}); err != nil {
		return "", err
	}

	timer := time.NewTimer(cfg.timeout)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return "", errors.New("connection closed before stt_final")
			}
			switch ev.Type {
			case protocol.TypeSTTFinal:
				return ev.Text, nil
			case protocol.TypeErrorEvent:
				return "", fmt.Errorf("%s: %s", ev.Code, ev.Detail)
			}
		case err := <-readErr:
			return "", err
		case <-timer.C:
			return "", fmt.Errorf("no stt_final after %s", cfg.timeout)
		}
	}
}
