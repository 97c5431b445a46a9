package voice

import (
	"strings"
	"unicode/utf8"
)

const (
	defaultSoftFlushRunes = 150
	defaultHardFlushRunes = 250
)

// FlushDecision is the result of feeding one token into a BufferingStrategy.
type FlushDecision struct {
	ShouldSend    bool
	IsSentenceEnd bool
	Content       string
}

// BufferingStrategy decides when accumulated assistant text is speakable.
// The buffer is owned by the caller and is reset on every flush.
type BufferingStrategy interface {
	ProcessToken(buf *strings.Builder, token string) FlushDecision
	FlushContent(buf *strings.Builder) string
}

// SentenceBuffering flushes on sentence punctuation and falls back to
// clause and length limits so long unpunctuated runs still reach the synthesizer.
type SentenceBuffering struct {
	SoftLimit int
	HardLimit int
}

func NewSentenceBuffering() *SentenceBuffering {
	return &SentenceBuffering{SoftLimit: defaultSoftFlushRunes, HardLimit: defaultHardFlushRunes}
}

func (s *SentenceBuffering) ProcessToken(buf *strings.Builder, token string) FlushDecision {
	buf.WriteString(token)

	switch lastRune(token) {
	case '.', '!', '?':
		return FlushDecision{ShouldSend: true, IsSentenceEnd: true, Content: drain(buf)}
	case ':', ';':
		return FlushDecision{ShouldSend: true, Content: drain(buf)}
	}

	text := buf.String()
	n := utf8.RuneCountInString(text)
	if n > s.softLimit() && (endsAtClause(text) || token == " ") {
		return FlushDecision{ShouldSend: true, Content: drain(buf)}
	}
	if n > s.hardLimit() && strings.HasSuffix(token, " ") {
		return FlushDecision{ShouldSend: true, Content: drain(buf)}
	}
	return FlushDecision{}
}

// FlushContent drains whatever is left, typically at end of an assistant turn.
func (s *SentenceBuffering) FlushContent(buf *strings.Builder) string {
	return drain(buf)
}

func (s *SentenceBuffering) softLimit() int {
	if s.SoftLimit <= 0 {
		return defaultSoftFlushRunes
	}
	return s.SoftLimit
}

func (s *SentenceBuffering) hardLimit() int {
	if s.HardLimit <= 0 {
		return defaultHardFlushRunes
	}
	return s.HardLimit
}

func endsAtClause(text string) bool {
	for _, suffix := range []string{", ", "— ", "– ", "- "} {
		if strings.HasSuffix(text, suffix) {
			return true
		}
	}
	return false
}

func lastRune(s string) rune {
	if s == "" {
		return utf8.RuneError
	}
	r, _ := utf8.DecodeLastRuneInString(s)
	return r
}

func drain(buf *strings.Builder) string {
	out := buf.String()
	buf.Reset()
	return out
}
