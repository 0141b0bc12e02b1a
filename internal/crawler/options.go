package crawler

import (
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/adlibrary-crawler/internal/progress"
)

// Defaults for Options.
const (
	DefaultSearchBaseURL = "https://www.facebook.com/ads/library/"
	DefaultCardClasses   = "x1plvlek xryxfnj x1gzqxud x178xt8z x1lun4ml xso031l xpilrb4 xb9moi8 xe76qn7 x21b0me " +
		"x142aazg x1i5p2am x1whfx0g xr2y4jy x1ihp6rs x1kmqopl x13fuv20 x18b5jzi x1q0q8m5 x1t7ytsu x9f619"
	DefaultWaitTimeout       = 10 * time.Second
	DefaultFilterWaitTimeout = 5 * time.Second
	DefaultMaxRecords        = 500
	DefaultMaxScrolls        = 20
	DefaultNotifyEvery       = 3
	DefaultUISettle          = time.Second
	DefaultScrollSettle      = 800 * time.Millisecond
	DefaultNotifyTimeout     = 5 * time.Second
)

// Options tunes a crawl.
type Options struct {
	SearchBaseURL     string
	CardSelector      string
	WaitTimeout       time.Duration
	FilterWaitTimeout time.Duration
	// MaxRecords stops target iteration once more records than this were collected.
	MaxRecords int
	MaxScrolls int
	// NotifyEvery sends a progress card every n-th target (and on the last one).
	NotifyEvery   int
	UISettle      time.Duration
	ScrollSettle  time.Duration
	NotifyTimeout time.Duration
}

// DefaultOptions returns the production tuning.
func DefaultOptions() Options {
	return Options{
		SearchBaseURL:     DefaultSearchBaseURL,
		CardSelector:      ClassSelector(DefaultCardClasses),
		WaitTimeout:       DefaultWaitTimeout,
		FilterWaitTimeout: DefaultFilterWaitTimeout,
		MaxRecords:        DefaultMaxRecords,
		MaxScrolls:        DefaultMaxScrolls,
		NotifyEvery:       DefaultNotifyEvery,
		UISettle:          DefaultUISettle,
		ScrollSettle:      DefaultScrollSettle,
		NotifyTimeout:     DefaultNotifyTimeout,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SearchBaseURL == "" {
		o.SearchBaseURL = d.SearchBaseURL
	}
	if o.CardSelector == "" {
		o.CardSelector = d.CardSelector
	}
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = d.WaitTimeout
	}
	if o.FilterWaitTimeout <= 0 {
		o.FilterWaitTimeout = d.FilterWaitTimeout
	}
	if o.MaxRecords <= 0 {
		o.MaxRecords = d.MaxRecords
	}
	if o.MaxScrolls <= 0 {
		o.MaxScrolls = d.MaxScrolls
	}
	if o.NotifyEvery <= 0 {
		o.NotifyEvery = d.NotifyEvery
	}
	if o.NotifyTimeout <= 0 {
		o.NotifyTimeout = d.NotifyTimeout
	}
	return o
}

// Env bundles the collaborators a Job needs to execute. It is built once by
// the composition root and shared by every job.
type Env struct {
	Drivers   DriverFactory
	Extractor RecordExtractor
	Notifier  Notifier
	Cache     DimensionCache
	Cancel    CancelSignal
	Pacer     Pacer
	Emitter   progress.Emitter
	Clock     Clock
	Logger    *zap.Logger
	Options   Options
}

func (e Env) withDefaults() Env {
	if e.Emitter == nil {
		e.Emitter = progress.Nop{}
	}
	if e.Clock == nil {
		e.Clock = utcClock{}
	}
	if e.Logger == nil {
		e.Logger = zap.NewNop()
	}
	e.Options = e.Options.withDefaults()
	return e
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }
