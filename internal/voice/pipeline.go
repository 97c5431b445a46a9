package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/antoniostano/secondbrain/internal/observability"
	"github.com/antoniostano/secondbrain/internal/protocol"
	"github.com/antoniostano/secondbrain/internal/session"
)

const (
	defaultOutputFormat = "pcm_16000"
	closeDrainTimeout   = 2 * time.Second
)

var errSessionGone = errors.New("voice session ended")

// SessionStore is the part of the session manager a connection writes to.
type SessionStore interface {
	GetSession(id string) (*session.VoiceSession, error)
	UpdateState(id string, state session.State, reason string) (*session.VoiceSession, error)
	AddTurn(id string, turn session.Turn) (*session.VoiceSession, error)
	Touch(id string) error
}

type PipelineOptions struct {
	TTSProviders []string
	STTProviders []string
	FlushSettle  time.Duration
	OutputFormat string
	STTModel     string
	Language     string
	// NewBuffering builds one strategy per connection. Defaults to sentence buffering.
	NewBuffering func() BufferingStrategy
}

// Pipeline bridges gateway WebSocket connections to the synthesis and
// transcription providers.
type Pipeline struct {
	registry *Registry
	sessions SessionStore
	opts     PipelineOptions
	metrics  *observability.Metrics
	log      *zap.Logger
}

func NewPipeline(registry *Registry, sessions SessionStore, opts PipelineOptions, metrics *observability.Metrics, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.OutputFormat == "" {
		opts.OutputFormat = defaultOutputFormat
	}
	if opts.NewBuffering == nil {
		opts.NewBuffering = func() BufferingStrategy { return NewSentenceBuffering() }
	}
	return &Pipeline{registry: registry, sessions: sessions, opts: opts, metrics: metrics, log: log}
}

// connection is the per-socket state. Inbound messages are handled on the
// RunConnection goroutine; audio and transcript callbacks arrive on provider
// dispatch goroutines and only touch the atomic fields.
type connection struct {
	p        *Pipeline
	s        *session.VoiceSession
	outbound chan<- any
	done     <-chan struct{}
	cancel   context.CancelFunc
	log      *zap.Logger

	tts       *TTSOrchestrator
	stt       TranscriptionSession
	buffering BufferingStrategy
	buf       strings.Builder
	spoken    strings.Builder
	speaking  bool

	turnID      atomic.Value
	sttProvider atomic.Value
	audioSeq    atomic.Int64
	// Unix nanos of the last audio_commit; zero once the final arrived.
	committedAt atomic.Int64
	goneOnce    sync.Once
}

// RunConnection serves one WebSocket until ctx is cancelled, inbound is
// closed, or the voice session ends.
func (p *Pipeline) RunConnection(ctx context.Context, s *session.VoiceSession, inbound <-chan any, outbound chan<- any) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := &connection{
		p:         p,
		s:         s,
		outbound:  outbound,
		done:      ctx.Done(),
		cancel:    cancel,
		log:       p.log.With(zap.String("voice_session_id", s.ID)),
		buffering: p.opts.NewBuffering(),
	}
	c.turnID.Store("")
	c.sttProvider.Store("unknown")

	providers := preferFirst(s.Provider, p.opts.TTSProviders)
	if err := p.registry.CheckSynthesis(providers); err != nil {
		c.log.Warn("no synthesis provider available", zap.Error(err))
		c.sendError(ctx, protocol.CodeTTSUnavailable, "tts", false, err.Error())
	}

	c.tts = NewTTSOrchestrator(p.registry, p.metrics, c.log)
	err := c.tts.Initialize(TTSOptions{
		Providers: providers,
		Synthesis: SynthesisOptions{
			SessionID:    s.ID,
			VoiceID:      s.VoiceID,
			ModelID:      s.Model,
			OutputFormat: p.opts.OutputFormat,
		},
		FlushSettle: p.opts.FlushSettle,
	}, c.emitAudio, s.ID)
	if err != nil {
		return err
	}
	defer c.close(ctx)

	c.send(ctx, protocol.SystemEvent{
		Type:      protocol.TypeSystemEvent,
		SessionID: s.ID,
		Code:      "connected",
		Detail:    string(s.State),
	})

	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-inbound:
			if !ok {
				return nil
			}
			if err := c.handle(ctx, raw); err != nil {
				if errors.Is(err, errSessionGone) {
					return nil
				}
				return err
			}
		}
	}
}

func (c *connection) handle(ctx context.Context, raw any) error {
	if err := c.p.sessions.Touch(c.s.ID); err != nil {
		return c.sessionGone(ctx, err)
	}

	switch m := raw.(type) {
	case protocol.AssistantToken:
		c.beginTurn(m.TurnID)
		c.spoken.WriteString(m.Token)
		d := c.buffering.ProcessToken(&c.buf, m.Token)
		if d.ShouldSend {
			return c.speak(ctx, d.Content, d.IsSentenceEnd)
		}
	case protocol.AssistantDone:
		c.beginTurn(m.TurnID)
		return c.finishTurn(ctx)
	case protocol.Speak:
		return c.speakNow(ctx, m.Text)
	case protocol.BargeIn:
		return c.bargeIn(ctx)
	case protocol.AudioChunk:
		return c.forwardAudio(ctx, m)
	case protocol.AudioCommit:
		if c.stt == nil {
			return nil
		}
		c.committedAt.Store(time.Now().UnixNano())
		if err := c.stt.Commit(ctx); err != nil {
			c.log.Debug("transcription commit failed", zap.Error(err))
		}
	default:
		c.log.Debug("ignoring unsupported message")
	}
	return nil
}

func (c *connection) beginTurn(turnID string) {
	if c.currentTurn() != "" {
		return
	}
	if turnID == "" {
		turnID = uuid.NewString()
	}
	c.turnID.Store(turnID)
}

func (c *connection) currentTurn() string {
	id, _ := c.turnID.Load().(string)
	return id
}

func (c *connection) speak(ctx context.Context, content string, sentenceEnd bool) error {
	text := speakableChunk(content)
	if text == "" {
		return nil
	}
	if err := c.markSpeaking(); err != nil {
		return c.sessionGone(ctx, err)
	}
	if err := c.tts.SendText(ctx, text, sentenceEnd); err != nil {
		c.reportTTSError(ctx, err)
	}
	return nil
}

func (c *connection) speakNow(ctx context.Context, raw string) error {
	text := sanitizeSpeechText(raw)
	if text == "" {
		return nil
	}
	if err := c.markSpeaking(); err != nil {
		return c.sessionGone(ctx, err)
	}
	if err := c.tts.SpeakImmediately(ctx, text); err != nil {
		c.reportTTSError(ctx, err)
		return nil
	}
	if _, err := c.p.sessions.AddTurn(c.s.ID, session.Turn{Role: session.RoleAssistant, Content: raw}); err != nil {
		return c.sessionGone(ctx, err)
	}
	return nil
}

func (c *connection) markSpeaking() error {
	if c.speaking {
		return nil
	}
	if _, err := c.p.sessions.UpdateState(c.s.ID, session.StateSpeaking, "assistant_audio"); err != nil {
		return err
	}
	c.speaking = true
	return nil
}

// finishTurn speaks the buffer remainder, waits for trailing audio, records
// the assistant turn and hands the floor back to the user.
func (c *connection) finishTurn(ctx context.Context) error {
	if err := c.speak(ctx, c.buffering.FlushContent(&c.buf), true); err != nil {
		return err
	}
	if err := c.tts.Flush(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		c.reportTTSError(ctx, err)
	}

	content := strings.TrimSpace(c.spoken.String())
	if content != "" {
		if _, err := c.p.sessions.AddTurn(c.s.ID, session.Turn{Role: session.RoleAssistant, Content: content}); err != nil {
			return c.sessionGone(ctx, err)
		}
	}
	if _, err := c.p.sessions.UpdateState(c.s.ID, session.StateListening, "assistant_done"); err != nil {
		return c.sessionGone(ctx, err)
	}
	c.endTurn(ctx, "completed")
	return nil
}

func (c *connection) bargeIn(ctx context.Context) error {
	c.tts.Cancel()
	c.buf.Reset()
	c.speaking = false
	if c.p.metrics != nil {
		c.p.metrics.SessionEvents.WithLabelValues("barge_in").Inc()
	}
	if _, err := c.p.sessions.UpdateState(c.s.ID, session.StateListening, "barge_in"); err != nil {
		return c.sessionGone(ctx, err)
	}
	if c.currentTurn() != "" {
		c.endTurn(ctx, "interrupted")
	}
	return nil
}

func (c *connection) endTurn(ctx context.Context, reason string) {
	turnID := c.currentTurn()
	c.spoken.Reset()
	c.speaking = false
	c.turnID.Store("")
	c.audioSeq.Store(0)
	c.send(ctx, protocol.TurnEnd{
		Type:      protocol.TypeTurnEnd,
		SessionID: c.s.ID,
		TurnID:    turnID,
		Reason:    reason,
	})
}

func (c *connection) forwardAudio(ctx context.Context, m protocol.AudioChunk) error {
	pcm, err := base64.StdEncoding.DecodeString(m.PCM16Base64)
	if err != nil {
		c.sendError(ctx, protocol.CodeInvalidMessage, "client", false, "audio_chunk is not valid base64")
		return nil
	}
	if c.stt == nil {
		if !c.openTranscription(ctx, m.SampleRate) {
			return nil
		}
	}
	if c.p.metrics != nil {
		c.p.metrics.AudioChunks.WithLabelValues("inbound").Inc()
	}
	if err := c.stt.SendAudio(ctx, pcm); err != nil {
		c.log.Warn("transcription send failed, reconnecting on next chunk", zap.Error(err))
		c.stt.Cancel()
		c.stt = nil
	}
	return nil
}

func (c *connection) openTranscription(ctx context.Context, sampleRate int) bool {
	stt, err := c.p.registry.OpenTranscription(ctx, c.p.opts.STTProviders, TranscriptionOptions{
		SessionID:  c.s.ID,
		ModelID:    c.p.opts.STTModel,
		Language:   c.p.opts.Language,
		SampleRate: sampleRate,
	}, c.onTranscript)
	if err != nil {
		c.log.Warn("transcription connect failed", zap.Error(err))
		c.sendError(ctx, protocol.CodeSTTUnavailable, "stt", true, err.Error())
		return false
	}
	c.stt = stt
	c.sttProvider.Store(stt.Provider())
	c.log.Info("transcription session connected", zap.String("provider", stt.Provider()))
	return true
}

func (c *connection) onTranscript(ctx context.Context, ev TranscriptEvent) error {
	ts := ev.At.UnixMilli()
	switch ev.Type {
	case TranscriptPartial:
		if strings.TrimSpace(ev.Text) == "" {
			return nil
		}
		c.send(ctx, protocol.STTPartial{
			Type:       protocol.TypeSTTPartial,
			SessionID:  c.s.ID,
			Text:       ev.Text,
			Confidence: ev.Confidence,
			TSMs:       ts,
		})
	case TranscriptFinal:
		text := strings.TrimSpace(ev.Text)
		if text == "" {
			return nil
		}
		if at := c.committedAt.Swap(0); at != 0 {
			c.p.metrics.ObserveTranscriptLatency(time.Since(time.Unix(0, at)))
		}
		if _, err := c.p.sessions.AddTurn(c.s.ID, session.Turn{Role: session.RoleUser, Content: text}); err != nil {
			return c.sessionGone(ctx, err)
		}
		if _, err := c.p.sessions.UpdateState(c.s.ID, session.StateProcessing, "transcript_final"); err != nil {
			return c.sessionGone(ctx, err)
		}
		c.send(ctx, protocol.STTFinal{
			Type:       protocol.TypeSTTFinal,
			SessionID:  c.s.ID,
			Text:       text,
			Confidence: ev.Confidence,
			TSMs:       ts,
		})
	case TranscriptError:
		provider, _ := c.sttProvider.Load().(string)
		if c.p.metrics != nil {
			c.p.metrics.ProviderErrors.WithLabelValues(provider, ev.Code).Inc()
		}
		detail := ev.Code
		if ev.Detail != "" {
			detail += ": " + ev.Detail
		}
		c.sendError(ctx, protocol.CodeProviderError, "stt", ev.Retryable, detail)
	}
	return nil
}

func (c *connection) emitAudio(ctx context.Context, sessionID string, chunk []byte) error {
	c.send(ctx, protocol.AssistantAudioChunk{
		Type:        protocol.TypeAssistantAudio,
		SessionID:   sessionID,
		TurnID:      c.currentTurn(),
		Seq:         int(c.audioSeq.Add(1)),
		Format:      c.tts.OutputFormat(),
		AudioBase64: base64.StdEncoding.EncodeToString(chunk),
	})
	return nil
}

func (c *connection) reportTTSError(ctx context.Context, err error) {
	code := protocol.CodeProviderError
	var fb *FallbackError
	if errors.As(err, &fb) {
		code = protocol.CodeTTSUnavailable
	}
	c.log.Warn("synthesis failed", zap.Error(err))
	c.sendError(ctx, code, "tts", true, err.Error())
}

// sessionGone converts a session store error into a terminal error_event.
// It also stops the connection when called from a provider callback.
func (c *connection) sessionGone(ctx context.Context, err error) error {
	if !errors.Is(err, session.ErrSessionEnded) && !errors.Is(err, session.ErrNotFound) {
		c.log.Warn("session update failed", zap.Error(err))
		return nil
	}
	c.goneOnce.Do(func() {
		c.sendError(ctx, protocol.CodeSessionEnded, "session", false, err.Error())
		c.cancel()
	})
	return errSessionGone
}

func (c *connection) sendError(ctx context.Context, code, source string, retryable bool, detail string) {
	c.send(ctx, protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: c.s.ID,
		Code:      code,
		Source:    source,
		Retryable: retryable,
		Detail:    detail,
	})
}

// send blocks until the writer takes msg, so audio backpressure reaches
// the provider dispatch queue. Once the connection is done, messages are dropped.
func (c *connection) send(ctx context.Context, msg any) {
	select {
	case c.outbound <- msg:
	case <-ctx.Done():
	case <-c.done:
	}
}

func (c *connection) close(ctx context.Context) {
	c.cancel()
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeDrainTimeout)
	defer cancel()
	c.tts.Close(closeCtx)
	if c.stt != nil {
		c.stt.Close(closeCtx)
	}
}

// preferFirst puts the session's chosen provider ahead of the configured order.
func preferFirst(first string, rest []string) []string {
	first = normalizeProviderName(first)
	if first == "" {
		return rest
	}
	out := []string{first}
	for _, name := range rest {
		if normalizeProviderName(name) != first {
			out = append(out, name)
		}
	}
	return out
}
