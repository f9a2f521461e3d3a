package app

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/postreader/internal/router"
)

// NoMatchError reports a URL that no routing rule accepts.
type NoMatchError struct {
	URL   string
	Rules []router.Rule
}

func (e *NoMatchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "no scraper matches %s\nSupported patterns:", e.URL)
	for _, rule := range e.Rules {
		fmt.Fprintf(&b, "\n  %s: %s", rule.Name, rule.Description)
	}
	return b.String()
}
