package crawler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/postreader/internal/progress"
)

// errCapReached is the cancellation cause once MaxPosts units were emitted.
var errCapReached = errors.New("post cap reached")

// EngineConfig holds optional collaborators for an Engine.
type EngineConfig struct {
	Clock Clock
}

// Engine runs crawls against a Fetcher. It keeps no per-crawl state and may
// serve several Run calls at once.
type Engine struct {
	fetcher  Fetcher
	clock    Clock
	progress progress.Emitter
	logger   *zap.Logger
}

// NewEngine wires an Engine. A nil emitter or logger disables that output.
func NewEngine(fetcher Fetcher, cfg EngineConfig, emitter progress.Emitter, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if emitter == nil {
		emitter = progress.Nop{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Engine{fetcher: fetcher, clock: clock, progress: emitter, logger: logger}
}

// Run crawls req.RootURL and sends every extracted unit to out in emission
// order. It returns when the crawl is complete, the post cap is reached, or
// ctx is cancelled. Run never closes out.
//
// A failed thread inside a catalog crawl is logged and skipped. A root page
// that cannot be fetched returns a *FetchError, and a catalog page without a
// usable catalog blob returns a *ParseError.
func (e *Engine) Run(ctx context.Context, req Request, out chan<- Unit) (Result, error) {
	if e.fetcher == nil {
		return Result{}, errors.New("crawler: fetcher is required")
	}
	if out == nil {
		return Result{}, errors.New("crawler: output channel is required")
	}
	if req.MaxThreads < 0 || req.MaxPosts < 0 {
		return Result{}, fmt.Errorf("crawler: limits must be >= 0 (threads=%d posts=%d)", req.MaxThreads, req.MaxPosts)
	}
	if req.MaxThreads == 0 {
		req.MaxThreads = DefaultMaxThreads
	}

	crawlCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	c := &crawl{
		engine:  e,
		id:      uuid.New(),
		req:     req,
		out:     out,
		counter: newEmissionCounter(req.MaxPosts),
		cancel:  cancel,
		logger: e.logger.With(
			zap.String("url", req.RootURL),
			zap.String("strategy", req.Strategy.String()),
		),
	}
	c.logger = c.logger.With(zap.String("crawl_id", c.id.String()))

	start := e.clock.Now()
	c.event(progress.Event{Stage: progress.StageCrawlStart, URL: req.RootURL})
	c.logger.Info("crawl started", zap.Int("max_threads", req.MaxThreads), zap.Int("max_posts", req.MaxPosts))

	var err error
	switch req.Strategy {
	case StrategyThread:
		err = c.runThread(crawlCtx)
	case StrategyCatalog:
		err = c.runCatalog(crawlCtx)
	default:
		err = fmt.Errorf("crawler: unsupported strategy %s", req.Strategy)
	}

	res := c.result()
	res.Duration = e.clock.Now().Sub(start)
	switch {
	case ctx.Err() != nil:
		err = ctx.Err()
	case c.capped.Load(), errors.Is(err, errCapReached):
		err = nil
	}

	if err != nil {
		c.event(progress.Event{
			Stage: progress.StageCrawlError,
			URL:   req.RootURL,
			Units: int64(res.Emitted),
			Dur:   res.Duration,
			Note:  err.Error(),
		})
		c.logger.Warn("crawl ended with error", zap.Error(err), zap.Int("units", res.Emitted))
		return res, err
	}
	c.event(progress.Event{
		Stage: progress.StageCrawlDone,
		URL:   req.RootURL,
		Units: int64(res.Emitted),
		Dur:   res.Duration,
	})
	c.logger.Info("crawl finished",
		zap.Int("units", res.Emitted),
		zap.Int("threads_dispatched", res.ThreadsDispatched),
		zap.Int("threads_failed", res.ThreadsFailed),
		zap.Bool("capped", res.Capped),
		zap.Duration("dur", res.Duration),
	)
	return res, nil
}

// crawl is the state of a single Run.
type crawl struct {
	engine  *Engine
	id      uuid.UUID
	req     Request
	out     chan<- Unit
	counter *emissionCounter
	cancel  context.CancelCauseFunc
	logger  *zap.Logger

	emitMu     sync.Mutex
	emitted    atomic.Int64
	capped     atomic.Bool
	dispatched int
	skipped    int
	failed     atomic.Int64
}

func (c *crawl) result() Result {
	return Result{
		CrawlID:           c.id,
		Emitted:           int(c.emitted.Load()),
		ThreadsDispatched: c.dispatched,
		ThreadsSkipped:    c.skipped,
		ThreadsFailed:     int(c.failed.Load()),
		Capped:            c.capped.Load(),
	}
}

func (c *crawl) runThread(ctx context.Context) error {
	doc, err := c.fetchDocument(ctx, c.req.RootURL)
	if err != nil {
		return err
	}
	return c.emitThread(ctx, c.req.RootURL, "", ExtractThreadUnits(doc))
}

func (c *crawl) runCatalog(ctx context.Context) error {
	resp, err := c.fetch(ctx, c.req.RootURL)
	if err != nil {
		return err
	}
	builder, err := newThreadURLBuilder(c.req.RootURL)
	if err != nil {
		return &ParseError{URL: c.req.RootURL, Stage: StageCatalog, Err: err}
	}
	ids, err := ParseCatalogThreadIDs(resp.Body)
	if err != nil {
		return &ParseError{URL: c.req.RootURL, Stage: StageCatalog, Err: err}
	}

	dispatch := ids[:min(len(ids), c.req.MaxThreads)]
	c.dispatched = len(dispatch)
	c.skipped = len(ids) - len(dispatch)
	for _, id := range ids[len(dispatch):] {
		c.logger.Debug("skipping thread", zap.String("thread_id", id))
	}
	c.logger.Info("catalog parsed",
		zap.String("board", builder.board),
		zap.Int("threads", len(ids)),
		zap.Int("dispatched", c.dispatched),
		zap.Int("skipped", c.skipped),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.req.MaxThreads)
	// turns[i] closes once thread i has emitted or given up, so threads are
	// fetched concurrently but spoken in catalog order.
	turns := make([]chan struct{}, len(dispatch))
	for i := range turns {
		turns[i] = make(chan struct{})
	}
	for i, id := range dispatch {
		var prev <-chan struct{}
		if i > 0 {
			prev = turns[i-1]
		}
		done := turns[i]
		threadURL := builder.threadURL(id)
		g.Go(func() error {
			defer close(done)
			return c.runCatalogThread(gctx, id, threadURL, prev)
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, errCapReached) {
		return err
	}
	return nil
}

func (c *crawl) runCatalogThread(ctx context.Context, id, threadURL string, prev <-chan struct{}) error {
	if ctx.Err() != nil {
		return c.stopped(ctx)
	}
	c.logger.Info("processing thread", zap.String("thread_url", threadURL))
	doc, fetchErr := c.fetchDocument(ctx, threadURL)
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return c.stopped(ctx)
		}
	}
	if ctx.Err() != nil {
		return c.stopped(ctx)
	}
	if fetchErr != nil {
		c.failed.Add(1)
		c.logger.Warn("thread skipped", zap.String("thread_url", threadURL), zap.Error(fetchErr))
		return nil
	}
	return c.emitThread(ctx, threadURL, "Thread "+id, ExtractThreadUnits(doc))
}

// emitThread sends an optional marker, the OP, then replies as one
// uninterrupted block.
func (c *crawl) emitThread(ctx context.Context, sourceURL, marker string, units []Unit) error {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if marker != "" {
		if err := c.emit(ctx, Unit{Text: marker, SourceURL: sourceURL, Kind: UnitMarker}); err != nil {
			return err
		}
	}
	for _, unit := range units {
		unit.SourceURL = sourceURL
		if err := c.emit(ctx, unit); err != nil {
			return err
		}
	}
	return nil
}

func (c *crawl) emit(ctx context.Context, unit Unit) error {
	seq, ok := c.counter.reserve()
	if !ok {
		c.markCapped()
		return errCapReached
	}
	unit.Seq = seq
	select {
	case c.out <- unit:
		c.emitted.Add(1)
	case <-ctx.Done():
		return c.stopped(ctx)
	}
	// The last allowed unit stops pending thread fetches. Capped is only set
	// once another unit is actually refused.
	if c.counter.full() {
		c.logger.Debug("post limit filled", zap.Int("max_posts", c.req.MaxPosts))
		c.cancel(errCapReached)
	}
	return nil
}

func (c *crawl) markCapped() {
	if c.capped.CompareAndSwap(false, true) {
		c.logger.Info("post cap reached, stopping crawl", zap.Int("max_posts", c.req.MaxPosts))
	}
	c.cancel(errCapReached)
}

// stopped returns why ctx ended. A thread cut off by a filled post limit
// counts as refused output.
func (c *crawl) stopped(ctx context.Context) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, errCapReached) {
		c.markCapped()
	}
	return cause
}

func (c *crawl) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, error) {
	resp, err := c.fetch(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, &ParseError{URL: pageURL, Stage: StageDocument, Err: err}
	}
	return doc, nil
}

func (c *crawl) fetch(ctx context.Context, pageURL string) (FetchResponse, error) {
	site := siteOf(pageURL)
	c.event(progress.Event{Stage: progress.StageFetchStart, Site: site, URL: pageURL})
	start := c.engine.clock.Now()
	resp, err := c.engine.fetcher.Fetch(ctx, FetchRequest{CrawlID: c.id, URL: pageURL})
	dur := resp.Duration
	if dur <= 0 {
		dur = max(c.engine.clock.Now().Sub(start), 0)
	}

	status := resp.StatusCode
	var fetchErr *FetchError
	if err != nil {
		if !errors.As(err, &fetchErr) {
			fetchErr = &FetchError{URL: pageURL, StatusCode: status, Err: err}
		}
		status = fetchErr.StatusCode
	} else if status < 200 || status >= 300 {
		fetchErr = &FetchError{URL: pageURL, StatusCode: status}
	}

	evt := progress.Event{
		Stage:       progress.StageFetchDone,
		Site:        site,
		URL:         pageURL,
		Bytes:       int64(len(resp.Body)),
		StatusClass: progress.ClassifyStatus(status),
		Dur:         dur,
	}
	if fetchErr != nil {
		evt.Note = fetchErr.Error()
	}
	c.event(evt)

	if fetchErr != nil {
		return FetchResponse{}, fetchErr
	}
	return resp, nil
}

func (c *crawl) event(evt progress.Event) {
	evt.CrawlID = c.id
	evt.TS = c.engine.clock.Now()
	c.engine.progress.Emit(evt)
}

func siteOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
