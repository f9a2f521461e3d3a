// Package progress carries crawl lifecycle and fetch events from the engine to
// pluggable sinks. Events are buffered by a non-blocking Hub and flushed in
// batches on a background goroutine, so the crawl never waits on a sink.
package progress
