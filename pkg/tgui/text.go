package tgui

import "strings"

// Snippet collapses whitespace in s and cuts it to at most n runes,
// appending "…" when cut.
func Snippet(s string, n int) string {
	if n <= 0 {
		return ""
	}
	s = strings.Join(strings.Fields(s), " ")
	count := 0
	for i := range s {
		if count == n {
			return s[:i] + "…"
		}
		count++
	}
	return s
}
