package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/postreader/internal/metrics"
)

// State describes the consumer goroutine.
type State int

// Queue states.
const (
	// StateIdle means no consumer is running; WaitUntilDone drains inline.
	StateIdle State = iota
	StateRunning
	// StateDraining means Stop was requested and the current item is finishing.
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

const (
	defaultPollInterval = time.Second
	defaultStopTimeout  = 5 * time.Second
	textContentType     = "text/plain; charset=utf-8"
	logPreviewRunes     = 50
)

// Config tunes a Queue.
type Config struct {
	Rate   int
	Volume float64
	// SaveFile, when set, is the object path the transcript is stored under
	// after each drain.
	SaveFile string
	// PollInterval bounds how long the idle consumer sleeps before checking
	// for a stop request.
	PollInterval time.Duration
	StopTimeout  time.Duration
}

// ArtifactStore persists the saved transcript.
type ArtifactStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Stats is a point-in-time view of a Queue.
type Stats struct {
	Enqueued uint64 `json:"enqueued"`
	Rendered uint64 `json:"rendered"`
	Failed   uint64 `json:"failed"`
	Pending  int    `json:"pending"`
	State    string `json:"state"`
	TextOnly bool   `json:"text_only"`
}

// Queue is a FIFO of text units rendered strictly one at a time. Enqueue never
// blocks. A single consumer goroutine renders items after Start; without one,
// WaitUntilDone renders the backlog on the caller's goroutine.
type Queue struct {
	synth  Synthesizer
	cfg    Config
	out    io.Writer
	store  ArtifactStore
	logger *zap.Logger

	// renderMu is held for the whole pop-render-record step, which keeps
	// renders from overlapping and preserves FIFO order across renderers.
	renderMu sync.Mutex

	mu         sync.Mutex
	items      []string
	enqueued   uint64
	finished   uint64
	rendered   uint64
	failed     uint64
	transcript []string
	savedLen   int
	textOnly   bool
	initDone   bool
	state      State
	progress   chan struct{}
	wake       chan struct{}
	stopCh     chan struct{}
	exited     chan struct{}
	cancel     context.CancelFunc
}

// NewQueue builds an idle Queue. out receives text in plain output mode and
// defaults to os.Stdout. store may be nil when SaveFile is empty.
func NewQueue(synth Synthesizer, cfg Config, out io.Writer, store ArtifactStore, logger *zap.Logger) *Queue {
	if synth == nil {
		synth = TextOnly{}
	}
	if out == nil {
		out = os.Stdout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	return &Queue{
		synth:    synth,
		cfg:      cfg,
		out:      out,
		store:    store,
		logger:   logger,
		progress: make(chan struct{}),
		wake:     make(chan struct{}, 1),
	}
}

// Start initializes the synthesizer and launches the consumer. An engine that
// fails to initialize switches the queue to plain output; Start still
// succeeds. Calling Start on a running queue logs a warning and does nothing.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.state != StateIdle {
		q.mu.Unlock()
		q.logger.Warn("speech queue already running")
		return nil
	}
	q.state = StateRunning
	stop := make(chan struct{})
	exited := make(chan struct{})
	q.stopCh, q.exited = stop, exited
	// Rendering outlives an interrupt of the caller's context; Stop cancels it.
	renderCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	q.cancel = cancel
	q.mu.Unlock()

	q.ensureInit(ctx)
	go q.consume(renderCtx, stop, exited)
	q.logger.Info("speech queue started", zap.Bool("text_only", q.isTextOnly()))
	return nil
}

// Enqueue appends text to the queue. It is safe at any time, including before
// Start and after Stop. Blank text is ignored.
func (q *Queue) Enqueue(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, text)
	q.enqueued++
	depth := len(q.items)
	q.mu.Unlock()
	metrics.SetQueueDepth(depth)

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// WaitUntilDone blocks until every unit enqueued before the call has been
// rendered or skipped. When no consumer is running the backlog is rendered on
// the calling goroutine. If SaveFile is set and new units were rendered
// since the last save, the transcript is then persisted.
func (q *Queue) WaitUntilDone(ctx context.Context) error {
	q.mu.Lock()
	target := q.enqueued
	q.mu.Unlock()

	for {
		q.mu.Lock()
		if q.finished >= target {
			q.mu.Unlock()
			break
		}
		running := q.state == StateRunning
		progress, exited := q.progress, q.exited
		q.mu.Unlock()

		if !running {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("speech queue wait: %w", err)
			}
			if !q.processNext(ctx) {
				break
			}
			continue
		}
		select {
		case <-progress:
		case <-exited:
		case <-ctx.Done():
			return fmt.Errorf("speech queue wait: %w", ctx.Err())
		}
	}
	return q.persistTranscript(ctx)
}

// Stop asks the consumer to exit after the current item and waits up to
// StopTimeout for it. Items still queued stay queued. Stop is idempotent.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.state != StateRunning {
		q.mu.Unlock()
		return nil
	}
	q.state = StateDraining
	close(q.stopCh)
	exited, cancel := q.exited, q.cancel
	q.mu.Unlock()

	timer := time.NewTimer(q.cfg.StopTimeout)
	defer timer.Stop()
	var err error
	select {
	case <-exited:
	case <-timer.C:
		cancel()
		err = fmt.Errorf("speech queue stop: consumer still busy after %s", q.cfg.StopTimeout)
	case <-ctx.Done():
		cancel()
		err = fmt.Errorf("speech queue stop: %w", ctx.Err())
	}

	q.mu.Lock()
	q.state = StateIdle
	pending := len(q.items)
	q.mu.Unlock()
	cancel()
	q.logger.Info("speech queue stopped", zap.Int("pending", pending))
	return err
}

// Close stops the consumer and releases the synthesizer.
func (q *Queue) Close(ctx context.Context) error {
	stopErr := q.Stop(ctx)
	if err := q.synth.Close(); err != nil {
		return fmt.Errorf("close synthesizer: %w", err)
	}
	return stopErr
}

// Stats reports queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Enqueued: q.enqueued,
		Rendered: q.rendered,
		Failed:   q.failed,
		Pending:  len(q.items),
		State:    q.state.String(),
		TextOnly: q.textOnly,
	}
}

func (q *Queue) consume(ctx context.Context, stop, exited chan struct{}) {
	defer close(exited)
	timer := time.NewTimer(q.cfg.PollInterval)
	defer timer.Stop()
	for {
		select {
		case <-stop:
			return
		default:
		}
		if q.processNext(ctx) {
			continue
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(q.cfg.PollInterval)
		select {
		case <-stop:
			return
		case <-q.wake:
		case <-timer.C:
		}
	}
}

// processNext renders the head of the queue. It reports false when the queue
// was empty.
func (q *Queue) processNext(ctx context.Context) bool {
	q.renderMu.Lock()
	defer q.renderMu.Unlock()

	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return false
	}
	text := q.items[0]
	q.items[0] = ""
	q.items = q.items[1:]
	depth := len(q.items)
	q.mu.Unlock()
	metrics.SetQueueDepth(depth)

	ok := q.render(ctx, text)

	q.mu.Lock()
	q.finished++
	if ok {
		q.rendered++
		q.transcript = append(q.transcript, text)
	} else {
		q.failed++
	}
	close(q.progress)
	q.progress = make(chan struct{})
	q.mu.Unlock()
	return true
}

func (q *Queue) render(ctx context.Context, text string) bool {
	q.ensureInit(ctx)
	if q.isTextOnly() {
		return q.writeText(text)
	}
	q.logger.Info("speaking", zap.String("text", preview(text)))
	err := q.synth.Speak(ctx, text)
	switch {
	case err == nil:
		metrics.ObserveUnitRendered("speech")
		return true
	case isUnavailable(err):
		q.disable(err, true)
		return q.writeText(text)
	default:
		metrics.ObserveRenderFailure()
		q.logger.Warn("speech render failed, skipping unit", zap.String("text", preview(text)), zap.Error(err))
		return false
	}
}

func (q *Queue) writeText(text string) bool {
	if _, err := fmt.Fprintln(q.out, text); err != nil {
		metrics.ObserveRenderFailure()
		q.logger.Warn("text output failed", zap.Error(err))
		return false
	}
	metrics.ObserveUnitRendered("text")
	return true
}

func (q *Queue) ensureInit(ctx context.Context) {
	q.mu.Lock()
	if q.initDone {
		q.mu.Unlock()
		return
	}
	q.initDone = true
	q.mu.Unlock()

	if err := q.synth.Init(ctx, Settings{Rate: q.cfg.Rate, Volume: q.cfg.Volume}); err != nil {
		q.disable(err, false)
	}
}

// disable switches to plain output once. Mid-run failures log at error level.
func (q *Queue) disable(cause error, midRun bool) {
	q.mu.Lock()
	already := q.textOnly
	q.textOnly = true
	q.mu.Unlock()
	if already {
		return
	}
	if midRun {
		q.logger.Error("speech engine became unavailable, printing text instead", zap.Error(cause))
		return
	}
	q.logger.Warn("speech engine unavailable, printing text instead", zap.Error(cause))
}

func (q *Queue) isTextOnly() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.textOnly
}

func (q *Queue) persistTranscript(ctx context.Context) error {
	q.mu.Lock()
	if q.cfg.SaveFile == "" || len(q.transcript) == q.savedLen {
		q.mu.Unlock()
		return nil
	}
	text := strings.Join(q.transcript, " ")
	n := len(q.transcript)
	textOnly := q.textOnly
	q.mu.Unlock()

	if q.store == nil {
		q.logger.Warn("no artifact store configured, transcript not saved", zap.String("path", q.cfg.SaveFile))
		return nil
	}

	q.renderMu.Lock()
	uri, err := q.saveArtifact(ctx, text, textOnly)
	q.renderMu.Unlock()
	if err != nil {
		return fmt.Errorf("save transcript: %w", err)
	}

	q.mu.Lock()
	q.savedLen = n
	q.mu.Unlock()
	q.logger.Info("transcript saved", zap.String("uri", uri), zap.Int("units", n))
	return nil
}

func (q *Queue) saveArtifact(ctx context.Context, text string, textOnly bool) (string, error) {
	if !textOnly {
		uri, err := q.saveAudio(ctx, text)
		if err == nil {
			return uri, nil
		}
		if !isUnavailable(err) {
			return "", err
		}
		q.disable(err, true)
	}
	return q.store.PutObject(ctx, q.cfg.SaveFile, textContentType, strings.NewReader(text))
}

// saveAudio renders into a temporary file and hands it to the store.
func (q *Queue) saveAudio(ctx context.Context, text string) (string, error) {
	tmpDir, err := os.MkdirTemp("", "postreader-audio-")
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(tmpDir)
	}()

	format := q.audioFormat()
	tmpPath := filepath.Join(tmpDir, "speech"+format.Ext)
	if err := q.synth.SpeakToFile(ctx, text, tmpPath); err != nil {
		return "", err
	}
	f, err := os.Open(tmpPath) // #nosec G304 -- path built from our own temp dir.
	if err != nil {
		return "", fmt.Errorf("open rendered audio: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	return q.store.PutObject(ctx, q.cfg.SaveFile, format.ContentType, f)
}

// audioFormat prefers what the synthesizer says it writes over the save file
// extension, and warns when the two disagree.
func (q *Queue) audioFormat() AudioFormat {
	requested := filepath.Ext(q.cfg.SaveFile)
	if reporter, ok := q.synth.(FormatReporter); ok {
		if format := reporter.AudioFormat(); format.Ext != "" {
			if !strings.EqualFold(requested, format.Ext) {
				q.logger.Warn("save file extension does not match engine output",
					zap.String("path", q.cfg.SaveFile),
					zap.String("engine_format", format.Ext),
					zap.String("content_type", format.ContentType),
				)
			}
			return format
		}
	}
	contentType := mime.TypeByExtension(requested)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return AudioFormat{Ext: requested, ContentType: contentType}
}

func isUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

func preview(text string) string {
	if utf8.RuneCountInString(text) <= logPreviewRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:logPreviewRunes]) + "..."
}
