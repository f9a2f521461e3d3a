// Package crawler fetches discussion board pages and turns them into ordered
// text units. An Engine runs one of two strategies: a single thread page, or a
// board catalog whose threads are fetched concurrently up to a limit.
package crawler
