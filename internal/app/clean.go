package app

import (
	"regexp"
	"strings"
)

var urlPattern = regexp.MustCompile(`https?://\S+|www\.\S+`)

// CleanText prepares a unit for speech: links are dropped, newlines become
// spaces, and runs of whitespace collapse to one space.
func CleanText(text string) string {
	text = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(text)
	text = urlPattern.ReplaceAllString(text, "")
	return strings.Join(strings.Fields(text), " ")
}
