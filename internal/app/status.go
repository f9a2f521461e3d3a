package app

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/postreader/internal/api"
	"github.com/JakeFAU/postreader/internal/crawler"
	"github.com/JakeFAU/postreader/internal/speech"
)

// statusTracker backs the /status endpoint.
type statusTracker struct {
	mu    sync.Mutex
	crawl api.CrawlStatus
	queue *speech.Queue
}

func (s *statusTracker) begin(url, rule string, strategy crawler.Strategy, q *speech.Queue, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crawl = api.CrawlStatus{
		URL:       url,
		Rule:      rule,
		Strategy:  strategy.String(),
		Running:   true,
		StartedAt: now,
	}
	s.queue = q
}

func (s *statusTracker) unitEmitted() {
	s.mu.Lock()
	s.crawl.Emitted++
	s.mu.Unlock()
}

func (s *statusTracker) finish(res crawler.Result, err error, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crawl.Running = false
	s.crawl.FinishedAt = now
	if res.CrawlID != uuid.Nil {
		s.crawl.CrawlID = res.CrawlID.String()
	}
	s.crawl.Emitted = res.Emitted
	s.crawl.Threads = res.ThreadsDispatched
	s.crawl.Failed = res.ThreadsFailed
	s.crawl.Capped = res.Capped
	if err != nil {
		s.crawl.Error = err.Error()
	}
}

// Status implements api.StatusSource.
func (s *statusTracker) Status() api.Status {
	s.mu.Lock()
	crawl, q := s.crawl, s.queue
	s.mu.Unlock()
	out := api.Status{Crawl: crawl}
	if q != nil {
		stats := q.Stats()
		out.Speech = &stats
	}
	return out
}
