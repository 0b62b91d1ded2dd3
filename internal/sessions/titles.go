package sessions

import "strings"

const maxTitleLen = 60

// DeriveTitle produces a session title from the first user message:
// whitespace collapsed, truncated at a word boundary.
func DeriveTitle(message string) string {
	title := strings.Join(strings.Fields(message), " ")
	if title == "" {
		return "New chat"
	}
	runes := []rune(title)
	if len(runes) <= maxTitleLen {
		return title
	}
	cut := string(runes[:maxTitleLen])
	if idx := strings.LastIndex(cut, " "); idx > maxTitleLen/2 {
		cut = cut[:idx]
	}
	return cut + "..."
}
