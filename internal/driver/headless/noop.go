package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/adlibrary-crawler/internal/crawler"
)

// ErrDisabled is returned by Noop when no browser is configured.
var ErrDisabled = errors.New("headless browser disabled")

// Noop implements crawler.DriverFactory for deployments without a browser.
// Every job fails during initialization.
type Noop struct{}

// NewNoop creates a new Noop factory.
func NewNoop() *Noop {
	return &Noop{}
}

// New always fails.
func (Noop) New(context.Context) (crawler.PageDriver, error) {
	return nil, ErrDisabled
}
