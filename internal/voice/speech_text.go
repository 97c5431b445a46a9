package voice

import (
	"regexp"
	"strings"
	"unicode"
)

type markupRule struct {
	pattern *regexp.Regexp
	replace string
}

// Applied in order: code before links, links before bare URLs.
var markupRules = []markupRule{
	{regexp.MustCompile("(?s)```.*?```"), " "},
	{regexp.MustCompile("`[^`]*`"), " "},
	{regexp.MustCompile(`\[(.*?)\]\((.*?)\)`), "$1"},
	{regexp.MustCompile(`https?://\S+`), " "},
}

var markdownMarkers = strings.NewReplacer(
	"*", " ", "_", " ", "\\", " ", "/", " ", "|", " ",
	"#", " ", "~", " ", "<", " ", ">", " ",
)

// sanitizeSpeechText strips markdown, code, links and symbol glyphs from
// assistant text so the synthesizer only sees words and prosody punctuation.
func sanitizeSpeechText(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	for _, rule := range markupRules {
		raw = rule.pattern.ReplaceAllString(raw, rule.replace)
	}
	raw = markdownMarkers.Replace(raw)

	var b strings.Builder
	b.Grow(len(raw))
	pendingSpace := false
	for _, r := range raw {
		switch {
		case isJoiner(r), unicode.IsControl(r) && !unicode.IsSpace(r):
			continue
		case unicode.IsSpace(r):
			pendingSpace = true
			continue
		case unicode.In(r, unicode.So, unicode.Sm, unicode.Sk):
			// emoji and symbols
			continue
		case unicode.IsPunct(r) && !isSpeechSafePunctuation(r):
			pendingSpace = true
			continue
		}
		if pendingSpace && b.Len() > 0 {
			b.WriteByte(' ')
		}
		pendingSpace = false
		b.WriteRune(r)
	}
	return b.String()
}

// speakableChunk prepares one flushed buffer for the synthesizer. Chunks are
// sent back to back, so a trailing space keeps words from fusing.
func speakableChunk(raw string) string {
	text := sanitizeSpeechText(raw)
	if text == "" {
		return ""
	}
	return text + " "
}

func isJoiner(r rune) bool {
	return r == '\u200d' || r == '\ufe0f' || r == '\u20e3'
}

func isSpeechSafePunctuation(r rune) bool {
	switch r {
	case '.', ',', '!', '?', ':', ';', '\'', '"', '-', '(', ')':
		return true
	default:
		return false
	}
}
