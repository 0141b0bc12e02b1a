// Package progress provides the crawl event type, a non-blocking batching hub
// and the emitter/sink interfaces. Crawl jobs emit phase, percent and
// per-advertiser events; the hub fans them out to sinks such as Prometheus,
// structured logs or the Postgres progress repository.
package progress
