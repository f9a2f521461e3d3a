// Package app wires routing, crawling, and speech delivery into a single run.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/postreader/internal/api"
	"github.com/JakeFAU/postreader/internal/config"
	"github.com/JakeFAU/postreader/internal/crawler"
	collyfetcher "github.com/JakeFAU/postreader/internal/fetcher/colly"
	"github.com/JakeFAU/postreader/internal/metrics"
	"github.com/JakeFAU/postreader/internal/policy/ratelimit"
	"github.com/JakeFAU/postreader/internal/progress"
	"github.com/JakeFAU/postreader/internal/progress/sinks"
	"github.com/JakeFAU/postreader/internal/router"
	"github.com/JakeFAU/postreader/internal/speech"
	"github.com/JakeFAU/postreader/internal/storage"
)

// drainTimeout bounds the final queue Close after the backlog is spoken.
const drainTimeout = 10 * time.Second

// Options are the per-run inputs. Zero Rate, MaxThreads, and MaxPosts fall
// back to configuration.
type Options struct {
	URL        string
	Rate       int
	Volume     float64
	MaxThreads int
	MaxPosts   int
	// NoSpeech prints units directly and skips the speech queue.
	NoSpeech bool
	// SaveFile overrides speech.save_file.
	SaveFile string
}

// Runner executes crawls. It is safe to reuse for consecutive runs.
type Runner struct {
	cfg     config.Config
	routes  *router.Router
	logger  *zap.Logger
	fetcher crawler.Fetcher
	synth   speech.Synthesizer
	store   speech.ArtifactStore
	out     io.Writer
	promReg prometheus.Registerer
	prom    *sinks.PrometheusSink
	status  *statusTracker
}

// Option customizes a Runner.
type Option func(*Runner)

// WithFetcher replaces the colly fetcher.
func WithFetcher(f crawler.Fetcher) Option {
	return func(r *Runner) { r.fetcher = f }
}

// WithSynthesizer replaces the configured speech engine.
func WithSynthesizer(s speech.Synthesizer) Option {
	return func(r *Runner) { r.synth = s }
}

// WithArtifactStore writes saved transcripts to s instead of resolving the
// save target.
func WithArtifactStore(s speech.ArtifactStore) Option {
	return func(r *Runner) { r.store = s }
}

// WithOutput sets where text goes when speech is off. Defaults to stdout.
func WithOutput(w io.Writer) Option {
	return func(r *Runner) { r.out = w }
}

// WithRegisterer registers crawl metrics somewhere other than the default
// Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(r *Runner) { r.promReg = reg }
}

// New builds a Runner.
func New(cfg config.Config, routes *router.Router, logger *zap.Logger, opts ...Option) (*Runner, error) {
	if routes == nil {
		return nil, errors.New("app: router is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		cfg:     cfg,
		routes:  routes,
		logger:  logger,
		out:     os.Stdout,
		promReg: prometheus.DefaultRegisterer,
		status:  &statusTracker{},
	}
	for _, opt := range opts {
		opt(r)
	}
	prom, err := sinks.NewPrometheusSink(r.promReg)
	if err != nil {
		return nil, fmt.Errorf("app: crawl metrics: %w", err)
	}
	r.prom = prom
	if r.fetcher == nil {
		r.fetcher = collyfetcher.New(collyfetcher.Config{
			UserAgent:       cfg.Crawler.UserAgent,
			RandomUserAgent: cfg.Crawler.RandomUserAgent,
			Timeout:         cfg.Crawler.RequestTimeout,
			MaxInFlight:     cfg.Crawler.MaxInFlight,
			MaxRetries:      cfg.Crawler.MaxRetries,
		}, ratelimit.New(ratelimit.Config{Delay: cfg.Crawler.Delay}), logger.Named("fetcher"))
	}
	return r, nil
}

// Status reports the current or most recent crawl.
func (r *Runner) Status() api.Status {
	return r.status.Status()
}

// Run crawls opts.URL and delivers every unit. Only a URL without a routing
// rule or invalid options produce an error; crawl failures and interrupts are
// logged and whatever was already queued is still delivered.
func (r *Runner) Run(ctx context.Context, opts Options) error {
	match, ok := r.routes.Match(opts.URL)
	if !ok {
		return &NoMatchError{URL: opts.URL, Rules: r.routes.Rules()}
	}
	opts = r.withDefaults(opts)
	if err := validate(opts); err != nil {
		return err
	}
	logger := r.logger.With(zap.String("rule", match.Name), zap.String("url", opts.URL))
	logger.Info("matched scraper",
		zap.String("strategy", match.Strategy.String()),
		zap.String("description", match.Description),
	)

	queue, closeStore, err := r.buildQueue(ctx, opts, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	r.status.begin(opts.URL, match.Name, match.Strategy, queue, time.Now())
	stopServer := r.startStatusServer(ctx)
	defer stopServer()

	hub := progress.NewHub(progress.Config{Logger: logger.Named("progress")}, sinks.NewLogSink(logger.Named("progress")), r.prom)

	if queue != nil {
		if err := queue.Start(ctx); err != nil {
			logger.Warn("speech queue failed to start, draining inline", zap.Error(err))
		}
	}

	units := make(chan crawler.Unit)
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		r.forward(units, queue)
	}()

	engine := crawler.NewEngine(r.fetcher, crawler.EngineConfig{}, hub, logger.Named("crawler"))
	res, crawlErr := engine.Run(ctx, crawler.Request{
		RootURL:    opts.URL,
		Strategy:   match.Strategy,
		MaxThreads: opts.MaxThreads,
		MaxPosts:   opts.MaxPosts,
	}, units)
	close(units)
	<-forwarded
	r.status.finish(res, crawlErr, time.Now())

	switch {
	case crawlErr == nil:
	case errors.Is(crawlErr, context.Canceled):
		logger.Info("crawl interrupted, finishing queued units", zap.Int("units", res.Emitted))
	default:
		logger.Error("crawl failed", zap.Error(crawlErr))
	}

	// The backlog is delivered even when ctx was interrupted.
	drainCtx := context.WithoutCancel(ctx)
	if queue != nil {
		if err := queue.WaitUntilDone(drainCtx); err != nil {
			logger.Error("speech queue drain failed", zap.Error(err))
		}
		closeCtx, cancel := context.WithTimeout(drainCtx, drainTimeout)
		if err := queue.Close(closeCtx); err != nil {
			logger.Warn("speech queue close", zap.Error(err))
		}
		cancel()
	}

	closeCtx, cancel := context.WithTimeout(drainCtx, drainTimeout)
	defer cancel()
	if err := hub.Close(closeCtx); err != nil {
		logger.Warn("progress hub close", zap.Error(err))
	}
	if dropped := hub.Dropped(); dropped > 0 {
		logger.Debug("progress events dropped", zap.Int64("dropped", dropped))
	}
	return nil
}

func (r *Runner) withDefaults(opts Options) Options {
	if opts.Rate <= 0 {
		opts.Rate = r.cfg.Speech.Rate
	}
	if opts.MaxThreads <= 0 {
		opts.MaxThreads = r.cfg.Crawler.MaxThreads
	}
	if opts.MaxPosts == 0 {
		opts.MaxPosts = r.cfg.Crawler.MaxPosts
	}
	if opts.SaveFile == "" {
		opts.SaveFile = r.cfg.Speech.SaveFile
	}
	return opts
}

func validate(opts Options) error {
	if opts.Volume < 0 || opts.Volume > 1 {
		return fmt.Errorf("volume must be between 0.0 and 1.0, got %v", opts.Volume)
	}
	if opts.MaxPosts < 0 {
		return fmt.Errorf("posts must be >= 0, got %d", opts.MaxPosts)
	}
	return nil
}

// buildQueue returns a nil queue when speech is off.
func (r *Runner) buildQueue(ctx context.Context, opts Options, logger *zap.Logger) (*speech.Queue, func(), error) {
	noop := func() {}
	if opts.NoSpeech || !r.cfg.Speech.Enabled {
		if opts.SaveFile != "" {
			logger.Warn("save file ignored without speech", zap.String("save_file", opts.SaveFile))
		}
		return nil, noop, nil
	}

	qcfg := speech.Config{
		Rate:         opts.Rate,
		Volume:       opts.Volume,
		PollInterval: r.cfg.Speech.PollInterval,
		StopTimeout:  r.cfg.Speech.StopTimeout,
	}
	store := r.store
	closeStore := noop
	if opts.SaveFile != "" {
		qcfg.SaveFile = opts.SaveFile
		if store == nil {
			target, err := storage.ForTarget(ctx, opts.SaveFile)
			if err != nil {
				return nil, noop, fmt.Errorf("save target: %w", err)
			}
			store, qcfg.SaveFile = target.Store, target.Object
			closeStore = func() {
				if err := target.Close(); err != nil {
					logger.Warn("close artifact store", zap.Error(err))
				}
			}
		}
	}
	return speech.NewQueue(r.synthesizer(logger), qcfg, r.out, store, logger.Named("speech")), closeStore, nil
}

func (r *Runner) synthesizer(logger *zap.Logger) speech.Synthesizer {
	if r.synth != nil {
		return r.synth
	}
	sc := r.cfg.Speech
	if sc.Engine == "none" {
		return speech.TextOnly{}
	}
	return speech.NewCommandSynth(speech.CommandConfig{
		Engine:    sc.Engine,
		Voice:     sc.Voice,
		AutoVoice: sc.AutoVoice,
		Logger:    logger.Named("synth"),
	})
}

// forward cleans units and hands them to the queue, or prints them when
// there is no queue.
func (r *Runner) forward(units <-chan crawler.Unit, queue *speech.Queue) {
	for unit := range units {
		metrics.ObserveUnitEmitted(unit.Kind.String())
		r.status.unitEmitted()
		text := CleanText(unit.Text)
		if text == "" {
			continue
		}
		if queue != nil {
			queue.Enqueue(text)
			continue
		}
		if _, err := fmt.Fprintln(r.out, text); err != nil {
			r.logger.Warn("text output failed", zap.Error(err))
			continue
		}
		metrics.ObserveUnitRendered("text")
	}
}

// startStatusServer serves /status until the returned stop is called.
func (r *Runner) startStatusServer(ctx context.Context) func() {
	addr := r.cfg.Status.ListenAddr
	if addr == "" {
		return func() {}
	}
	srvCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	srv := api.NewServer(r.status, r.logger.Named("status"))
	go func() {
		defer close(done)
		if err := srv.Serve(srvCtx, addr); err != nil {
			r.logger.Warn("status server stopped", zap.Error(err))
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
