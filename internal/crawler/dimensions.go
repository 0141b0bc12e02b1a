package crawler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Filter panel locators. Selectors starting with "/" are XPath.
const (
	filterButtonSelector       = `//div[@role='button' and contains(., 'Filters')]`
	advertiserDropdownSelector = `//div[@role='combobox' and .//text()='All advertisers']`
	advertiserListSelector     = `//div[@role='listbox']`
	advertiserOptionSelector   = `//div[@role='listbox']//div[@role='option']`

	textContentScript = `function() { return this.textContent || ""; }`
)

var errStopped = errors.New("crawl stopped")

// ScrapeDimensions opens the advertiser filter on the current results page and
// collects its options, scrolling the list until it stops growing or
// opts.MaxScrolls is reached. Options are deduplicated by element id.
func ScrapeDimensions(
	ctx context.Context,
	driver PageDriver,
	keyword string,
	opts Options,
	stopped func() bool,
) ([]Dimension, error) {
	if err := driver.Click(ctx, filterButtonSelector); err != nil {
		return nil, fmt.Errorf("open filters: %w", err)
	}
	if !pause(ctx, opts.UISettle) {
		return nil, errStopped
	}
	if err := driver.Click(ctx, advertiserDropdownSelector); err != nil {
		return nil, fmt.Errorf("open advertiser dropdown: %w", err)
	}
	if !pause(ctx, opts.UISettle) {
		return nil, errStopped
	}
	if !driver.WaitForSelector(ctx, advertiserListSelector, opts.FilterWaitTimeout) {
		return nil, errors.New("advertiser list did not open")
	}

	seen := make(map[string]struct{})
	var dims []Dimension
	last := -1
	for scroll := 0; scroll < opts.MaxScrolls; scroll++ {
		if stopped() {
			break
		}
		options, err := driver.FindAll(ctx, advertiserOptionSelector)
		if err != nil {
			return nil, fmt.Errorf("list advertiser options: %w", err)
		}
		for _, opt := range options {
			id, ok := opt.Attribute("id")
			if !ok || id == "" {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			var name string
			if err := driver.RunScript(ctx, textContentScript, opt, &name); err != nil {
				name = ""
			}
			dims = append(dims, Dimension{ID: id, Name: strings.TrimSpace(name), Keyword: keyword})
		}
		if len(options) == 0 || len(options) == last {
			break
		}
		last = len(options)
		if err := driver.ScrollIntoView(ctx, options[len(options)-1]); err != nil {
			break
		}
		if !pause(ctx, opts.ScrollSettle) {
			break
		}
	}
	if stopped() {
		return nil, errStopped
	}
	return CleanDimensions(dims), nil
}

// CleanDimensions fills NameClean with the first token of each name.
func CleanDimensions(dims []Dimension) []Dimension {
	out := make([]Dimension, 0, len(dims))
	for _, d := range dims {
		d.NameClean = firstToken(d.Name)
		out = append(out, d)
	}
	return out
}

// pause sleeps for d and reports false if ctx ended first.
func pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
