package crawler

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

// UnitKind tells a consumer where a Unit came from.
type UnitKind int

// Unit kinds.
const (
	// UnitMarker announces the start of a thread during a catalog crawl.
	UnitMarker UnitKind = iota
	UnitOP
	UnitReply
)

func (k UnitKind) String() string {
	switch k {
	case UnitMarker:
		return "marker"
	case UnitOP:
		return "op"
	case UnitReply:
		return "reply"
	default:
		return "unknown"
	}
}

// Unit is one piece of extracted text, ready for delivery.
type Unit struct {
	Text      string
	SourceURL string
	// Seq is the 1-based emission order within a crawl.
	Seq  uint64
	Kind UnitKind
}

// Request describes one crawl.
type Request struct {
	RootURL  string
	Strategy Strategy
	// MaxThreads bounds how many catalog threads are dispatched. Zero means
	// DefaultMaxThreads.
	MaxThreads int
	// MaxPosts caps emitted units, markers included. Zero means unbounded.
	MaxPosts int
}

// DefaultMaxThreads applies when Request.MaxThreads is zero.
const DefaultMaxThreads = 10

// Result summarizes a finished crawl.
type Result struct {
	CrawlID           uuid.UUID
	Emitted           int
	ThreadsDispatched int
	ThreadsSkipped    int
	ThreadsFailed     int
	// Capped is set when MaxPosts stopped the crawl early.
	Capped   bool
	Duration time.Duration
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	CrawlID uuid.UUID
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	FinalURL   string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}
