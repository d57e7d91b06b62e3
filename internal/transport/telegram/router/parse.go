package router

import (
	"strings"

	"github.com/google/uuid"
)

// newReqID returns a short id for correlating logs with replies.
func newReqID() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")[:12]
}

// closingQuote maps each accepted opening quote to its closer. Phone
// keyboards often substitute typographic quotes.
var closingQuote = map[rune]rune{
	'"':  '"',
	'\'': '\'',
	'“':  '”',
	'‘':  '’',
}

// tokenizeCommandLine splits on whitespace, keeping quoted spans together
// and honouring backslash escapes:
//
//	/upload "my title" x  ->  [/upload, my title, x]
func tokenizeCommandLine(s string) []string {
	var (
		out     []string
		tok     strings.Builder
		started bool
		closer  rune
		escaped bool
	)
	for _, r := range s {
		switch {
		case escaped:
			tok.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped, started = true, true
		case closer != 0:
			if r == closer {
				closer = 0
			} else {
				tok.WriteRune(r)
			}
		case closingQuote[r] != 0:
			closer, started = closingQuote[r], true
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			if started {
				out = append(out, tok.String())
				tok.Reset()
				started = false
			}
		default:
			tok.WriteRune(r)
			started = true
		}
	}
	if started {
		out = append(out, tok.String())
	}
	return out
}
