// Package extract parses ad cards into crawler.RawRecord values. The browser
// hands over the card's rendered HTML and visible text in one script call and
// the markup is then walked with goquery.
package extract

import (
	"context"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/adlibrary-crawler/internal/crawler"
)

const (
	libraryIDMarker = "Library ID"
	snippetRunes    = 100

	// DefaultPrimaryTextSelector locates the ad body copy.
	DefaultPrimaryTextSelector = "._7jyr._a25-"
	// DefaultHeadlineSelector locates the link headline under the creative.
	DefaultHeadlineSelector = ".x6s0dn4.x2izyaf.x78zum5.x1qughib.x15mokao.x1ga7v0g.xde0f50.x15x8krk.xexx8yu" +
		".xf159sx.xwib8y2.xmzvs34"

	outboundHost = "l.facebook.com"
	pixelParam   = "pixelId"

	cardScript = `function() { return {html: this.outerHTML || "", text: this.innerText || ""}; }`
)

var (
	libraryIDPattern = regexp.MustCompile(`Library ID:\s*(\d+)`)
	datePattern      = regexp.MustCompile(`\b\d{1,2}\s\w{3}\s\d{4}\b`)
)

// Config overrides the selectors used inside a card.
type Config struct {
	PrimaryTextSelector string
	HeadlineSelector    string
	Logger              *zap.Logger
}

// Extractor implements crawler.RecordExtractor.
type Extractor struct {
	primary  string
	headline string
	logger   *zap.Logger
}

// New returns an Extractor with defaults applied.
func New(cfg Config) *Extractor {
	if cfg.PrimaryTextSelector == "" {
		cfg.PrimaryTextSelector = DefaultPrimaryTextSelector
	}
	if cfg.HeadlineSelector == "" {
		cfg.HeadlineSelector = DefaultHeadlineSelector
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Extractor{primary: cfg.PrimaryTextSelector, headline: cfg.HeadlineSelector, logger: cfg.Logger}
}

// card is the script result for one element.
type card struct {
	HTML string `json:"html"`
	Text string `json:"text"`
}

// Extract implements crawler.RecordExtractor. It never fails loudly: script
// errors, cards without a library id and unparsable markup all report false.
func (e *Extractor) Extract(ctx context.Context, driver crawler.PageDriver, el crawler.Element) (crawler.RawRecord, bool) {
	var c card
	if err := driver.RunScript(ctx, cardScript, el, &c); err != nil {
		e.logger.Debug("card script failed", zap.Error(err))
		return crawler.RawRecord{}, false
	}
	return e.Parse(c.HTML, c.Text)
}

// Parse builds a record from a card's outer HTML and its rendered text.
func (e *Extractor) Parse(html, text string) (crawler.RawRecord, bool) {
	if !strings.Contains(text, libraryIDMarker) {
		return crawler.RawRecord{}, false
	}
	m := libraryIDPattern.FindStringSubmatch(text)
	if m == nil {
		return crawler.RawRecord{}, false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		e.logger.Debug("card markup unparsable", zap.String("library_id", m[1]), zap.Error(err))
		return crawler.RawRecord{}, false
	}

	rec := crawler.RawRecord{
		LibraryID:   m[1],
		TextSnippet: Snippet(text),
		StartDate:   crawler.Some(datePattern.FindString(text)),
	}
	e.images(doc, &rec)
	if video := doc.Find("video").First(); video.Length() > 0 {
		rec.VideoURL = crawler.Some(video.AttrOr("src", ""))
		if poster := video.AttrOr("poster", ""); poster != "" {
			rec.ThumbnailURL = crawler.Some(poster)
		}
	}
	links(doc, &rec)
	rec.PrimaryText = crawler.Some(innerText(doc.Find(e.primary).First()))
	rec.HeadlineText = crawler.Some(innerText(doc.Find(e.headline).First()))
	return rec, true
}

// images takes the first image with alt text as the advertiser avatar and the
// first remaining image as the creative.
func (e *Extractor) images(doc *goquery.Document, rec *crawler.RawRecord) {
	doc.Find("img").Each(func(_ int, img *goquery.Selection) {
		src := img.AttrOr("src", "")
		if alt := img.AttrOr("alt", ""); alt != "" && !rec.Company.Present {
			rec.Company = crawler.Some(strings.TrimSpace(alt))
			rec.AvatarURL = crawler.Some(src)
			return
		}
		if !rec.ImageURL.Present {
			rec.ImageURL = crawler.Some(src)
			rec.ThumbnailURL = crawler.Some(src)
		}
	})
}

// links scans outbound redirect links. Links carrying a pixel id set both the
// pixel and destination; the first plain outbound link wins and ends the scan.
func links(doc *goquery.Document, rec *crawler.RawRecord) {
	doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href := a.AttrOr("href", "")
		if !strings.Contains(href, outboundHost) {
			return true
		}
		if strings.Contains(href, pixelParam) {
			rec.PixelID = crawler.Some(PixelID(href))
			rec.DestinationURL = crawler.Some(href)
			return true
		}
		rec.DestinationURL = crawler.Some(href)
		return false
	})
}

// PixelID returns the value following "pixelId" in href up to the next '&',
// with the separating '=' and any encoded '=' removed.
func PixelID(href string) string {
	_, after, ok := strings.Cut(href, pixelParam)
	if !ok {
		return ""
	}
	value, _, _ := strings.Cut(after, "&")
	return strings.TrimPrefix(strings.ReplaceAll(value, "%3D", ""), "=")
}

// Snippet returns the first 100 characters of text on one line followed by "...".
func Snippet(text string) string {
	if utf8.RuneCountInString(text) > snippetRunes {
		text = string([]rune(text)[:snippetRunes])
	}
	return strings.ReplaceAll(text, "\n", " ") + "..."
}

func innerText(sel *goquery.Selection) string {
	if sel.Length() == 0 {
		return ""
	}
	return strings.TrimSpace(sel.Text())
}
