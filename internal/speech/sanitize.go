// Package speech turns oracle answers into voice messages.
//
// Synthesis is fire-and-forget off the oracle completion path: the text
// reply is already delivered, so Synthesize never returns a Go error, only a
// Result the caller may surface or ignore. Artifacts are idempotent per
// (session, persona, sanitized text) and a background sweeper keeps their
// total disk footprint bounded.
package speech

import (
	"regexp"
	"strings"
	"unicode"
)

// speakablePunct is the punctuation worth keeping for a voice engine.
const speakablePunct = `.,;:!?()"'%-+/$€@&°ªº`

var (
	fencePattern      = regexp.MustCompile("(?m)^```.*$")
	linkPattern       = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	lineMarkerPattern = regexp.MustCompile(`(?m)^\s*(?:#{1,6}|[-*>•]|\d{1,2}[.)])\s+`)
)

// Sanitize strips markdown decoration and non-speakable glyphs from an
// oracle answer and collapses all whitespace, leaving plain text a TTS
// engine can read aloud.
func Sanitize(text string) string {
	t := strings.ReplaceAll(text, "\r\n", "\n")
	t = fencePattern.ReplaceAllString(t, " ")
	t = linkPattern.ReplaceAllString(t, "$1")
	t = lineMarkerPattern.ReplaceAllString(t, "")

	var b strings.Builder
	b.Grow(len(t))
	for _, r := range t {
		switch {
		case r == '*' || r == '_' || r == '~' || r == '`' || r == '#' || r == '|':
			// formatting glyphs
		case r == '—' || r == '–':
			b.WriteRune(',')
		case unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.IsSpace(r):
			b.WriteRune(r)
		case strings.ContainsRune(speakablePunct, r):
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}

	out := strings.Join(strings.Fields(b.String()), " ")
	out = strings.ReplaceAll(out, " ,", ",")
	return out
}
