package crawler

import (
	"context"
	"io"
	"time"
)

// Element is an opaque handle to a node on the current page.
type Element interface {
	Attribute(name string) (string, bool)
}

// PageDriver is one browser session. Implementations are used by a single goroutine.
type PageDriver interface {
	Navigate(ctx context.Context, url string) error
	// WaitForSelector reports whether selector matched before timeout elapsed.
	WaitForSelector(ctx context.Context, selector string, timeout time.Duration) bool
	// RunScript calls the JavaScript function declaration script with this bound
	// to el and decodes its JSON result into out.
	RunScript(ctx context.Context, script string, el Element, out any) error
	FindAll(ctx context.Context, selector string) ([]Element, error)
	Click(ctx context.Context, selector string) error
	ScrollIntoView(ctx context.Context, el Element) error
	// Quit releases the session. It is safe to call more than once.
	Quit() error
}

// DriverFactory starts browser sessions.
type DriverFactory interface {
	New(ctx context.Context) (PageDriver, error)
}

// RecordExtractor turns an ad card element into a RawRecord. It reports false
// for elements that are not ad cards or could not be parsed.
type RecordExtractor interface {
	Extract(ctx context.Context, driver PageDriver, el Element) (RawRecord, bool)
}

// Notifier delivers messages back to the originator of a crawl. Delivery is
// at-most-once with no retry.
type Notifier interface {
	Update(ctx context.Context, messageID string, card Card) error
	Reply(ctx context.Context, messageID string, text string) error
}

// DimensionFunc computes the dimension list when the cache has none.
type DimensionFunc func(ctx context.Context) ([]Dimension, error)

// DimensionCache is a read-through cache of per-keyword dimension lists.
type DimensionCache interface {
	Get(ctx context.Context, keyword string, compute DimensionFunc) ([]Dimension, error)
}

// CancelSignal reports externally requested cancellation for an origin.
type CancelSignal interface {
	ShouldStop(originID string) bool
}

// Pacer delays navigations to keep request rates polite.
type Pacer interface {
	Wait(ctx context.Context, url string) error
}

// JobStore persists job metadata and final result tables.
type JobStore interface {
	CreateJob(ctx context.Context, job JobRecord) error
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errText string) error
	SaveResult(ctx context.Context, jobID string, result Table, recordsFound int, uri string) error
	GetJob(ctx context.Context, jobID string) (JobRecord, error)
	GetResult(ctx context.Context, jobID string) (Table, error)
}

// AdStore persists cleaned ad rows for downstream analysis.
type AdStore interface {
	StoreAds(ctx context.Context, job JobRecord, ads []CleanedRecord) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes payloads to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for naming exported artifacts.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
