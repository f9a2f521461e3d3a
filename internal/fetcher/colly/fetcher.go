// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/corpix/uarand"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/postreader/internal/config"
	"github.com/JakeFAU/postreader/internal/crawler"
	"github.com/JakeFAU/postreader/internal/metrics"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	// UserAgent defaults to config.DefaultUserAgent.
	UserAgent string
	// RandomUserAgent draws a browser user agent per request and ignores
	// UserAgent.
	RandomUserAgent bool
	Timeout         time.Duration
	// MaxInFlight caps concurrent requests across all hosts. Zero means one.
	MaxInFlight int
	MaxRetries  int
}

// Limiter paces requests per host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) (time.Duration, error)
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	inFlight      *semaphore.Weighted
	limiter       Limiter
	retry         crawler.RetryPolicy
	logger        *zap.Logger
	sleep         func(ctx context.Context, d time.Duration) error
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. A nil limiter disables pacing.
func New(cfg Config, limiter Limiter, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 1
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = config.DefaultUserAgent
	}
	c := colly.NewCollector(colly.Async(false))
	// Clones share the visited store, so retries would be refused otherwise.
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	// Status handling happens in fetchOnce; OnError only sees transport failures.
	c.ParseHTTPErrorResponse = true
	c.WithTransport(newHTTPTransport(cfg.MaxInFlight))
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
		inFlight:      semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		limiter:       limiter,
		retry:         crawler.NewExponentialRetryPolicy(cfg.MaxRetries),
		logger:        logger,
		sleep:         sleepCtx,
	}
}

// Fetch performs a GET, retrying transient failures. Non-2xx responses are
// returned as *crawler.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	site := metrics.SanitizeSite(request.URL)
	for attempt := 0; ; attempt++ {
		resp, err := f.fetchOnce(ctx, request)
		if err == nil {
			metrics.ObserveFetch(site, resp.StatusCode, len(resp.Body))
			return resp, nil
		}
		var fetchErr *crawler.FetchError
		status := 0
		if errors.As(err, &fetchErr) {
			status = fetchErr.StatusCode
		}
		metrics.ObserveFetch(site, status, 0)
		if !f.retry.ShouldRetry(err, attempt) {
			return crawler.FetchResponse{}, err
		}
		wait := f.retry.Backoff(attempt)
		f.logger.Debug("retrying fetch",
			zap.String("url", request.URL),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if err := f.sleep(ctx, wait); err != nil {
			return crawler.FetchResponse{}, &crawler.FetchError{URL: request.URL, Err: err}
		}
	}
}

func (f *Fetcher) fetchOnce(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if err := f.inFlight.Acquire(ctx, 1); err != nil {
		return crawler.FetchResponse{}, &crawler.FetchError{URL: request.URL, Err: err}
	}
	defer f.inFlight.Release(1)

	if f.limiter != nil {
		waited, err := f.limiter.Wait(ctx, request.URL)
		if err != nil {
			return crawler.FetchResponse{}, &crawler.FetchError{URL: request.URL, Err: err}
		}
		metrics.ObserveRateLimitDelay(metrics.SanitizeSite(request.URL), waited)
	}

	var (
		result   crawler.FetchResponse
		status   int
		fetchErr error
	)
	collector := f.buildCollector(ctx, request, time.Now(), &result, &status, &fetchErr)
	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		if errors.Is(err, errVisitCanceled) {
			return crawler.FetchResponse{}, &crawler.FetchError{URL: request.URL, Err: err}
		}
		return crawler.FetchResponse{}, &crawler.FetchError{URL: request.URL, StatusCode: status, Err: err}
	}
	if result.StatusCode < 200 || result.StatusCode >= 300 {
		return crawler.FetchResponse{}, &crawler.FetchError{URL: request.URL, StatusCode: result.StatusCode}
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	ctx context.Context,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	status *int,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	collector.UserAgent = f.userAgent()
	f.configureCollectorHooks(collector, request, start, result, status, fetchErr)
	return collector
}

func (f *Fetcher) userAgent() string {
	if f.cfg.RandomUserAgent {
		return uarand.GetRandom()
	}
	return f.cfg.UserAgent
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	status *int,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = crawler.FetchResponse{
			URL:        request.URL,
			FinalURL:   r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    cloneHeader(r.Headers),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			*status = r.StatusCode
		}
		if err == nil {
			err = errors.New("unknown colly error")
		}
		*fetchErr = err
	})
}

var errVisitCanceled = errors.New("colly fetch canceled")

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		// The hooks write into fetchOnce's locals, so Visit must return
		// before anything is read or the in-flight slot is released.
		<-done
		return fmt.Errorf("%w: %w", errVisitCanceled, ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func copyHeaders(request crawler.FetchRequest, r *colly.Request) {
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func cloneHeader(h *http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	return h.Clone()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func newHTTPTransport(maxConnsPerHost int) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          16,
		MaxConnsPerHost:       maxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}
