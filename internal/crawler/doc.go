// Package crawler holds the crawl job state machine and the domain types it
// works with.
//
// A Job moves through init, seed fetch, advertiser resolution, per-advertiser
// result pages and aggregation, then always tears its browser session down.
// Cancellation is polled between phases, between targets and between ad
// cards; a canceled job ends with an empty result and no error. Only
// initialization and whole-phase failures are returned; a single target that
// fails to load is skipped.
//
// Collaborators (browser, extractor, notifier, dimension cache, pacer and
// stores) are interfaces so the engine can be driven entirely by fakes.
package crawler
