package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/postreader/internal/progress"
)

const catalogURL = "https://boards.4chan.org/g/catalog"

type fakePage struct {
	status int
	body   string
	err    error
	delay  time.Duration
}

type fakeFetcher struct {
	mu      sync.Mutex
	pages   map[string]fakePage
	fetched []string
}

func newFakeFetcher(pages map[string]fakePage) *fakeFetcher {
	return &fakeFetcher{pages: pages}
}

func (f *fakeFetcher) Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, req.URL)
	page, ok := f.pages[req.URL]
	f.mu.Unlock()
	if !ok {
		return FetchResponse{}, &FetchError{URL: req.URL, StatusCode: http.StatusNotFound}
	}
	if page.delay > 0 {
		select {
		case <-time.After(page.delay):
		case <-ctx.Done():
			return FetchResponse{}, ctx.Err()
		}
	}
	if page.err != nil {
		return FetchResponse{}, page.err
	}
	status := page.status
	if status == 0 {
		status = http.StatusOK
	}
	return FetchResponse{URL: req.URL, FinalURL: req.URL, StatusCode: status, Body: []byte(page.body)}, nil
}

func (f *fakeFetcher) Fetched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetched...)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) Stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Stage, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Stage)
	}
	return out
}

func threadHTML(op string, replies ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<div class="opContainer"><blockquote class="postMessage">%s</blockquote></div>`, op)
	for _, r := range replies {
		fmt.Fprintf(&b, `<div class="replyContainer"><blockquote class="postMessage">%s</blockquote></div>`, r)
	}
	return b.String()
}

func catalogHTML(ids ...string) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf(`"%s":{"sub":"t%s"}`, id, id))
	}
	return `<html><script>var catalog = {"threads":{` + strings.Join(parts, ",") + `},"count":0};</script></html>`
}

// runCollect runs the engine and gathers every unit it sends.
func runCollect(t *testing.T, e *Engine, req Request) ([]Unit, Result, error) {
	t.Helper()
	out := make(chan Unit)
	var units []Unit
	done := make(chan struct{})
	go func() {
		defer close(done)
		for u := range out {
			units = append(units, u)
		}
	}()
	res, err := e.Run(context.Background(), req, out)
	close(out)
	<-done
	return units, res, err
}

func texts(units []Unit) []string {
	out := make([]string, 0, len(units))
	for _, u := range units {
		out = append(out, u.Text)
	}
	return out
}

func TestEngineThreadStrategy(t *testing.T) {
	t.Parallel()

	raw, err := os.ReadFile("testdata/thread.html")
	require.NoError(t, err)
	threadURL := "https://boards.4chan.org/g/thread/1"
	fetcher := newFakeFetcher(map[string]fakePage{threadURL: {body: string(raw)}})
	emitter := &recordingEmitter{}
	e := NewEngine(fetcher, EngineConfig{}, emitter, zap.NewNop())

	units, res, err := runCollect(t, e, Request{RootURL: threadURL, Strategy: StrategyThread})
	require.NoError(t, err)
	assert.Equal(t, []string{"hello", "a", "b"}, texts(units))
	assert.Equal(t, []UnitKind{UnitOP, UnitReply, UnitReply}, []UnitKind{units[0].Kind, units[1].Kind, units[2].Kind})
	for i, u := range units {
		assert.Equal(t, uint64(i+1), u.Seq)
		assert.Equal(t, threadURL, u.SourceURL)
	}
	assert.Equal(t, 3, res.Emitted)
	assert.False(t, res.Capped)
	assert.Equal(t, []progress.Stage{
		progress.StageCrawlStart, progress.StageFetchStart, progress.StageFetchDone, progress.StageCrawlDone,
	}, emitter.Stages())
}

func TestEngineThreadFetchFailure(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher(map[string]fakePage{
		"https://boards.4chan.org/g/thread/1": {status: http.StatusInternalServerError},
	})
	e := NewEngine(fetcher, EngineConfig{}, nil, nil)

	units, _, err := runCollect(t, e, Request{RootURL: "https://boards.4chan.org/g/thread/1", Strategy: StrategyThread})
	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, http.StatusInternalServerError, fetchErr.StatusCode)
	assert.Empty(t, units)
}

func TestEngineCatalogDispatchesFirstThreadsInOrder(t *testing.T) {
	t.Parallel()

	pages := map[string]fakePage{
		catalogURL: {body: catalogHTML("1", "2", "3", "4", "5")},
	}
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		pages["https://boards.4chan.org/g/thread/"+id] = fakePage{body: threadHTML("op"+id, "r"+id)}
	}
	// The first thread answers last; its units must still come first.
	pages["https://boards.4chan.org/g/thread/1"] = fakePage{body: threadHTML("op1", "r1"), delay: 50 * time.Millisecond}
	fetcher := newFakeFetcher(pages)
	e := NewEngine(fetcher, EngineConfig{}, nil, zap.NewNop())

	units, res, err := runCollect(t, e, Request{RootURL: catalogURL, Strategy: StrategyCatalog, MaxThreads: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"Thread 1", "op1", "r1", "Thread 2", "op2", "r2"}, texts(units))
	assert.Equal(t, UnitMarker, units[0].Kind)
	assert.Equal(t, 2, res.ThreadsDispatched)
	assert.Equal(t, 3, res.ThreadsSkipped)
	assert.ElementsMatch(t, []string{
		catalogURL,
		"https://boards.4chan.org/g/thread/1",
		"https://boards.4chan.org/g/thread/2",
	}, fetcher.Fetched())
}

func TestEngineCatalogPostCap(t *testing.T) {
	t.Parallel()

	pages := map[string]fakePage{catalogURL: {body: catalogHTML("1", "2", "3")}}
	for _, id := range []string{"1", "2", "3"} {
		pages["https://boards.4chan.org/g/thread/"+id] = fakePage{body: threadHTML("op"+id, "a"+id, "b"+id)}
	}
	e := NewEngine(newFakeFetcher(pages), EngineConfig{}, nil, zap.NewNop())

	units, res, err := runCollect(t, e, Request{RootURL: catalogURL, Strategy: StrategyCatalog, MaxPosts: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"Thread 1", "op1", "a1"}, texts(units))
	assert.True(t, res.Capped)
	assert.Equal(t, 3, res.Emitted)
}

func TestEngineThreadPostCapExactFit(t *testing.T) {
	t.Parallel()

	threadURL := "https://boards.4chan.org/g/thread/7"
	e := NewEngine(newFakeFetcher(map[string]fakePage{threadURL: {body: threadHTML("op", "r")}}), EngineConfig{}, nil, nil)

	units, res, err := runCollect(t, e, Request{RootURL: threadURL, Strategy: StrategyThread, MaxPosts: 2})
	require.NoError(t, err)
	assert.Len(t, units, 2)
	assert.False(t, res.Capped)
}

func TestEngineCatalogFilledCapAbandonsPendingThreads(t *testing.T) {
	t.Parallel()

	pages := map[string]fakePage{
		catalogURL:                            {body: catalogHTML("1", "2", "3")},
		"https://boards.4chan.org/g/thread/1": {body: threadHTML("op1", "a1")},
		"https://boards.4chan.org/g/thread/2": {body: threadHTML("op2"), delay: 10 * time.Second},
		"https://boards.4chan.org/g/thread/3": {body: threadHTML("op3"), delay: 10 * time.Second},
	}
	e := NewEngine(newFakeFetcher(pages), EngineConfig{}, nil, zap.NewNop())

	start := time.Now()
	units, res, err := runCollect(t, e, Request{RootURL: catalogURL, Strategy: StrategyCatalog, MaxPosts: 3})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, []string{"Thread 1", "op1", "a1"}, texts(units))
	assert.True(t, res.Capped)
}

func TestEngineCatalogPostCapExactFit(t *testing.T) {
	t.Parallel()

	pages := map[string]fakePage{
		catalogURL:                            {body: catalogHTML("1", "2")},
		"https://boards.4chan.org/g/thread/1": {body: threadHTML("op1", "a1")},
		"https://boards.4chan.org/g/thread/2": {body: threadHTML("op2", "a2")},
	}
	e := NewEngine(newFakeFetcher(pages), EngineConfig{}, nil, zap.NewNop())

	units, res, err := runCollect(t, e, Request{RootURL: catalogURL, Strategy: StrategyCatalog, MaxPosts: 6})
	require.NoError(t, err)
	assert.Equal(t, []string{"Thread 1", "op1", "a1", "Thread 2", "op2", "a2"}, texts(units))
	assert.False(t, res.Capped)
	assert.Equal(t, 6, res.Emitted)
}

func TestEngineCatalogSkipsFailedThread(t *testing.T) {
	t.Parallel()

	pages := map[string]fakePage{
		catalogURL:                            {body: catalogHTML("1", "2", "3")},
		"https://boards.4chan.org/g/thread/1": {body: threadHTML("op1")},
		"https://boards.4chan.org/g/thread/2": {err: errors.New("connection reset")},
		"https://boards.4chan.org/g/thread/3": {body: threadHTML("op3")},
	}
	e := NewEngine(newFakeFetcher(pages), EngineConfig{}, nil, zap.NewNop())

	units, res, err := runCollect(t, e, Request{RootURL: catalogURL, Strategy: StrategyCatalog})
	require.NoError(t, err)
	assert.Equal(t, []string{"Thread 1", "op1", "Thread 3", "op3"}, texts(units))
	assert.Equal(t, 1, res.ThreadsFailed)
	assert.Equal(t, 3, res.ThreadsDispatched)
}

func TestEngineCatalogBadBlob(t *testing.T) {
	t.Parallel()

	emitter := &recordingEmitter{}
	e := NewEngine(newFakeFetcher(map[string]fakePage{
		catalogURL: {body: `<script>var catalog = {"threads": oops};</script>`},
	}), EngineConfig{}, emitter, zap.NewNop())

	units, _, err := runCollect(t, e, Request{RootURL: catalogURL, Strategy: StrategyCatalog})
	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, StageCatalog, parseErr.Stage)
	assert.Empty(t, units)
	stages := emitter.Stages()
	assert.Equal(t, progress.StageCrawlError, stages[len(stages)-1])
}

func TestEngineCancelledContext(t *testing.T) {
	t.Parallel()

	threadURL := "https://boards.4chan.org/g/thread/1"
	e := NewEngine(newFakeFetcher(map[string]fakePage{
		threadURL: {body: threadHTML("op"), delay: time.Minute},
	}), EngineConfig{}, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Unit, 4)
	errCh := make(chan error, 1)
	go func() {
		_, err := e.Run(ctx, Request{RootURL: threadURL, Strategy: StrategyThread}, out)
		errCh <- err
	}()
	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop after cancel")
	}
}

func TestEngineRejectsBadRequests(t *testing.T) {
	t.Parallel()

	e := NewEngine(newFakeFetcher(nil), EngineConfig{}, nil, nil)
	_, err := e.Run(context.Background(), Request{RootURL: "x", Strategy: StrategyThread}, nil)
	require.Error(t, err)
	_, err = e.Run(context.Background(), Request{RootURL: "x", Strategy: StrategyThread, MaxPosts: -1}, make(chan Unit))
	require.Error(t, err)
	_, err = e.Run(context.Background(), Request{RootURL: "x", Strategy: StrategyUnknown}, make(chan Unit, 1))
	require.ErrorContains(t, err, "unsupported strategy")
}
