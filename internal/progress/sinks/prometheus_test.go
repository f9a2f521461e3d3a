package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/postreader/internal/progress"
)

func TestPrometheusSinkRecordsCrawl(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	id := uuid.New()
	now := time.Now().UTC()
	batch := []progress.Event{
		{CrawlID: id, TS: now, Stage: progress.StageCrawlStart},
		{
			CrawlID:     id,
			TS:          now,
			Stage:       progress.StageFetchDone,
			Site:        "boards.4chan.org",
			Bytes:       2048,
			Units:       3,
			StatusClass: progress.Status2xx,
			Dur:         150 * time.Millisecond,
		},
		{CrawlID: id, TS: now, Stage: progress.StageCrawlDone, Units: 3, Dur: 2 * time.Second},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.crawlsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.crawlsCompleted.WithLabelValues("success")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.crawlsRunning))
	require.Equal(t, 3.0, testutil.ToFloat64(sink.crawlUnits))
	require.InDelta(t, 1.0,
		testutil.ToFloat64(sink.fetchRequests.WithLabelValues("boards.4chan.org", "2xx")), 1e-9)
	require.InDelta(t, 2048.0, testutil.ToFloat64(sink.fetchBytes.WithLabelValues("boards.4chan.org")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.fetchDuration, "postreader_fetch_duration_seconds"))
}

func TestPrometheusSinkRunningGauge(t *testing.T) {
	t.Parallel()

	sink, err := NewPrometheusSink(prometheus.NewRegistry())
	require.NoError(t, err)

	id := uuid.New()
	now := time.Now().UTC()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{CrawlID: id, TS: now, Stage: progress.StageCrawlStart},
		{CrawlID: id, TS: now, Stage: progress.StageCrawlStart},
	}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.crawlsRunning))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{CrawlID: id, TS: now, Stage: progress.StageCrawlError, Note: "boom"},
		{CrawlID: id, TS: now, Stage: progress.StageCrawlError},
	}))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.crawlsRunning))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.crawlsCompleted.WithLabelValues("error")))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

func TestLogSinkWritesFields(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	sink := NewLogSink(zap.New(core))
	evt := progress.Event{
		CrawlID:     uuid.New(),
		TS:          time.Now().UTC(),
		Stage:       progress.StageFetchDone,
		Site:        "boards.4chan.org",
		URL:         "https://boards.4chan.org/g/thread/1",
		StatusClass: progress.Status4xx,
		Note:        "not found",
	}
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{evt}))
	require.NoError(t, sink.Close(context.Background()))

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "FETCH_DONE", fields["stage"])
	require.Equal(t, "4xx", fields["status_class"])
	require.Equal(t, "not found", fields["note"])
	require.Equal(t, evt.CrawlID.String(), fields["crawl_id"])
}
