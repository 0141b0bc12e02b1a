// Package main hosts the ad library crawl service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server accepts crawl requests keyed by origin (the chat that asked), reports queue
//     positions, accepts cancellations and serves finished result tables as JSON, records or CSV. When
//     pubsub.request_subscription is set, internal/intake/pubsub admits requests published by chat bridges too;
//     both front doors go through internal/admission.
//   - Queue: internal/queue admits jobs into a single active slot. Waiting originators receive a position card every
//     time the line moves; a failed job gets one error reply. Only one job ever holds the browser.
//   - Crawl: internal/crawler runs the phase machine (init, seed fetch, advertiser resolution, per-advertiser pages,
//     aggregation, teardown) against a chromedp session from internal/driver/headless. Advertiser lists are cached
//     on disk per keyword by internal/dimcache, and ad cards are parsed with goquery by internal/extract.
//   - Persistence & fanout: the worker exports the cleaned table as CSV to the configured BlobStore
//     (memory/local/GCS), upserts ads to Postgres when a DSN is set, and announces a summary on Pub/Sub.
//     Chat cards and replies are published as envelopes on the notify topic and mirrored to the monthly chat log.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging; Prometheus
//     metrics are exported on /metrics; the progress Hub batches crawl lifecycle events for log, metric and
//     Postgres sinks. With tracing.enabled each job runs inside an OpenTelemetry crawl.job span.
//
// Quick checklist:
//   - Configure env vars: ADCRAWLER_SERVER_PORT, ADCRAWLER_HEADLESS_EXEC_PATH, ADCRAWLER_STORAGE_BACKEND,
//     ADCRAWLER_DB_DSN, ADCRAWLER_PUBSUB_PROJECT_ID, ADCRAWLER_PUBSUB_REQUEST_SUBSCRIPTION,
//     ADCRAWLER_TRACING_ENABLED and friends.
//   - Run locally: go run ./cmd/adcrawler -config config.yaml (or rely solely on env overrides).
//   - SIGINT/SIGTERM stop admission, cancel the running crawl at its next checkpoint and drop waiting jobs.
package main
