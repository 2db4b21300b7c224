package telegram

import "strings"

const maxMessageRunes = 4096

// SplitMessage cuts text into parts of at most limit runes, preferring to
// break after a newline, then after a space.
func SplitMessage(text string, limit int) []string {
	if strings.TrimSpace(text) == "" {
		return []string{"(empty reply)"}
	}
	runes := []rune(text)
	var parts []string
	for len(runes) > limit {
		cut := lastBreak(runes[:limit], '\n')
		if cut <= 0 {
			cut = lastBreak(runes[:limit], ' ')
		}
		if cut <= 0 {
			cut = limit
		}
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
	}
	return append(parts, string(runes))
}

// lastBreak returns the index just after the last sep, or -1.
func lastBreak(runes []rune, sep rune) int {
	for i := len(runes) - 1; i > 0; i-- {
		if runes[i] == sep {
			return i + 1
		}
	}
	return -1
}
