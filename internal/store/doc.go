// Package store declares the repository contract used to persist crawl run
// progress. Implementations live under internal/storage.
package store
