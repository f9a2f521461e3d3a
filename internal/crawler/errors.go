package crawler

import (
	"fmt"
	"net/http"
)

// FetchError reports a page that could not be retrieved. StatusCode is zero
// when no response arrived.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying the request could help.
func (e *FetchError) Temporary() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == http.StatusTooManyRequests, e.StatusCode == http.StatusRequestTimeout:
		return true
	default:
		return e.StatusCode >= 500
	}
}

// ParseError reports a page whose content did not have the expected shape.
type ParseError struct {
	URL   string
	Stage string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s (%s): %v", e.URL, e.Stage, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Parse stages.
const (
	StageDocument = "document"
	StageCatalog  = "catalog"
)
