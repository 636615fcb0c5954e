package tracing

import (
	"strings"
	"unicode/utf8"
)

const (
	DefaultTraceName = "Agent execution"
	maxNameRunes     = 100
)

// SanitizeName trims text, collapses whitespace runs into single spaces and
// truncates to 100 runes with a trailing "...". Blank input yields "".
func SanitizeName(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= maxNameRunes {
		return text
	}
	runes := []rune(text)
	return strings.TrimRight(string(runes[:maxNameRunes]), " ") + "..."
}

// GenerateName picks a trace name: the agent name, else the first user
// message, else DefaultTraceName.
func GenerateName(agentName, firstMessage string) string {
	if name := SanitizeName(agentName); name != "" {
		return name
	}
	if name := SanitizeName(firstMessage); name != "" {
		return name
	}
	return DefaultTraceName
}
