package session

import "strings"

const maxTitleRunes = 60

// DeriveTitle turns the first user message of a conversation into a thread
// title: whitespace collapsed, truncated to at most maxTitleRunes runes,
// preferring to cut at the last space so words stay whole.
func DeriveTitle(firstMessage string) string {
	title := strings.Join(strings.Fields(firstMessage), " ")
	runes := []rune(title)
	if len(runes) <= maxTitleRunes {
		return title
	}
	cut := string(runes[:maxTitleRunes])
	if i := strings.LastIndex(cut, " "); i > 0 {
		cut = cut[:i]
	}
	return cut
}
