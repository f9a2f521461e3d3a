package router

import "fmt"

// ConfigError reports a routing document that cannot be used. Rule is the
// zero-based index of the offending entry, or -1 for document level problems.
type ConfigError struct {
	Source string
	Rule   int
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Rule >= 0 {
		return fmt.Sprintf("routing config %s: rule %d: %v", e.Source, e.Rule, e.Err)
	}
	return fmt.Sprintf("routing config %s: %v", e.Source, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
