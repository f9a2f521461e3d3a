// Package cmd implements the postreader command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/JakeFAU/postreader/internal/app"
	"github.com/JakeFAU/postreader/internal/config"
	"github.com/JakeFAU/postreader/internal/logging"
	"github.com/JakeFAU/postreader/internal/router"
)

// env carries process level collaborators so tests can substitute them.
type env struct {
	stdout     io.Writer
	stderr     io.Writer
	registerer prometheus.Registerer
}

var flagAliases = map[string]string{
	"no-speech":  "no-tts",
	"maxThreads": "threads",
	"maxPosts":   "posts",
}

type rootOptions struct {
	settings   string
	routes     string
	rate       int
	volume     float64
	noSpeech   bool
	save       string
	threads    int
	posts      int
	statusAddr string
}

// Execute runs the root command with the process arguments and returns the
// exit code.
func Execute() int {
	return run(context.Background(), os.Args[1:], env{
		stdout:     os.Stdout,
		stderr:     os.Stderr,
		registerer: prometheus.DefaultRegisterer,
	})
}

func run(ctx context.Context, args []string, e env) int {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		// A second interrupt falls through to the default handler.
		<-ctx.Done()
		stop()
	}()

	cmd := newRootCmd(e)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		var noMatch *app.NoMatchError
		if errors.As(err, &noMatch) {
			_, _ = fmt.Fprintln(e.stderr, noMatch.Error())
		} else {
			_, _ = fmt.Fprintf(e.stderr, "error: %v\n", err)
		}
		return 1
	}
	return 0
}

func newRootCmd(e env) *cobra.Command {
	o := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "postreader URL",
		Short: "Read forum threads aloud.",
		Long: `postreader fetches a forum thread or board catalog and reads every post
aloud through a local speech engine, one post at a time. Without a speech
engine the posts are printed instead.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, args[0], e)
		},
	}
	cmd.SetOut(e.stdout)
	cmd.SetErr(e.stderr)

	f := cmd.Flags()
	f.StringVar(&o.settings, "settings", "", "settings file (YAML or JSON)")
	f.StringVar(&o.routes, "config", "", "routing rules file (default: built-in rules)")
	f.IntVar(&o.rate, "rate", 150, "speech rate in words per minute")
	f.Float64Var(&o.volume, "volume", 0.9, "speech volume between 0.0 and 1.0")
	f.BoolVar(&o.noSpeech, "no-tts", false, "print posts instead of speaking them")
	f.StringVar(&o.save, "save", "", "save the spoken transcript to a path or gs://bucket/object")
	f.IntVar(&o.threads, "threads", 10, "maximum catalog threads to read")
	f.IntVar(&o.posts, "posts", 0, "maximum posts to read, 0 for no limit")
	f.StringVar(&o.statusAddr, "status-addr", "", "serve /status and /metrics on this address")
	f.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		if alias, ok := flagAliases[name]; ok {
			name = alias
		}
		return pflag.NormalizedName(name)
	})
	return cmd
}

func (o *rootOptions) run(cmd *cobra.Command, url string, e env) error {
	cfg, err := config.Load(o.settings)
	if err != nil {
		return err
	}
	opts := o.apply(cmd.Flags(), &cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closeLogger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		File:        cfg.Logging.File,
		MaxSizeMB:   cfg.Logging.MaxSizeMB,
		MaxBackups:  cfg.Logging.MaxBackups,
		MaxAgeDays:  cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	defer func() {
		if err := closeLogger(); err != nil {
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
		}
	}()
	defer zap.ReplaceGlobals(logger)()

	routesPath := o.routes
	if routesPath == "" {
		routesPath = cfg.Routes.Path
	}
	routes, err := router.New(routesPath, logger.Named("router"))
	if err != nil {
		return err
	}
	runner, err := app.New(cfg, routes, logger,
		app.WithOutput(e.stdout),
		app.WithRegisterer(e.registerer),
	)
	if err != nil {
		return err
	}
	opts.URL = url
	return runner.Run(cmd.Context(), opts)
}

// apply copies explicitly set flags over cfg and returns the run options.
func (o *rootOptions) apply(flags *pflag.FlagSet, cfg *config.Config) app.Options {
	if flags.Changed("rate") {
		cfg.Speech.Rate = o.rate
	}
	if flags.Changed("volume") {
		cfg.Speech.Volume = o.volume
	}
	if flags.Changed("threads") {
		cfg.Crawler.MaxThreads = o.threads
	}
	if flags.Changed("posts") {
		cfg.Crawler.MaxPosts = o.posts
	}
	if flags.Changed("save") {
		cfg.Speech.SaveFile = o.save
	}
	if flags.Changed("status-addr") {
		cfg.Status.ListenAddr = o.statusAddr
	}
	return app.Options{
		Rate:       cfg.Speech.Rate,
		Volume:     cfg.Speech.Volume,
		MaxThreads: cfg.Crawler.MaxThreads,
		MaxPosts:   cfg.Crawler.MaxPosts,
		NoSpeech:   o.noSpeech,
		SaveFile:   cfg.Speech.SaveFile,
	}
}
