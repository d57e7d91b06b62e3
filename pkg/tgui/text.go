package tgui

import "unicode/utf8"

// TruncRunes keeps at most n runes of s, ending in "…" when it cuts.
func TruncRunes(s string, n int) string {
	switch {
	case n <= 0:
		return ""
	case utf8.RuneCountInString(s) <= n:
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "…"
}
