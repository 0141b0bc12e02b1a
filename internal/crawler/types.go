// Package crawler defines core types shared across subsystems.
package crawler

import (
	"time"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCanceled:
		return true
	default:
		return false
	}
}

// JobRecord is the metadata persisted for each submitted crawl request.
type JobRecord struct {
	ID           string     `json:"id"`
	Keyword      string     `json:"keyword"`
	OriginID     string     `json:"origin_id"`
	MessageID    string     `json:"message_id,omitempty"`
	Status       JobStatus  `json:"status"`
	Submitted    time.Time  `json:"submitted_at"`
	Started      *time.Time `json:"started_at,omitempty"`
	Finished     *time.Time `json:"finished_at,omitempty"`
	ErrorText    string     `json:"error_text,omitempty"`
	RecordsFound int        `json:"records_found"`
	RowsKept     int        `json:"rows_kept"`
	ResultURI    string     `json:"result_uri,omitempty"`
}

// Field is an optional scraped value. The zero value is absent.
type Field struct {
	Value   string
	Present bool
}

// Some returns a present Field, or an absent one when v is empty.
func Some(v string) Field {
	if v == "" {
		return Field{}
	}
	return Field{Value: v, Present: true}
}

// String returns the value or "" when absent.
func (f Field) String() string {
	if !f.Present {
		return ""
	}
	return f.Value
}

// RawRecord is one ad card as scraped from a results page.
type RawRecord struct {
	LibraryID      string
	TextSnippet    string
	StartDate      Field
	Company        Field
	AvatarURL      Field
	ImageURL       Field
	VideoURL       Field
	ThumbnailURL   Field
	DestinationURL Field
	PixelID        Field
	PrimaryText    Field
	HeadlineText   Field
}

// AdType classifies the creative of a cleaned record.
type AdType string

// Supported creative types.
const (
	AdTypeImage AdType = "image"
	AdTypeVideo AdType = "video"
)

// CleanedRecord is a RawRecord with exactly one creative URL resolved.
type CleanedRecord struct {
	LibraryID      string `json:"library_id"`
	StartDate      string `json:"ad_start_date,omitempty"`
	Company        string `json:"company,omitempty"`
	PixelID        string `json:"pixel_id,omitempty"`
	DestinationURL string `json:"destination_url,omitempty"`
	AdType         AdType `json:"ad_type"`
	AdURL          string `json:"ad_url"`
	ThumbnailURL   string `json:"thumbnail_url,omitempty"`
	PrimaryText    string `json:"primary_text,omitempty"`
	HeadlineText   string `json:"headline_text,omitempty"`
}

// Dimension is one sub-target (advertiser) offered by the search filter for a keyword.
type Dimension struct {
	ID        string
	Name      string
	Keyword   string
	NameClean string
}

// CardKind selects which progress card a Notifier renders.
type CardKind string

// Card kinds sent to originators.
const (
	CardQueue    CardKind = "queue"
	CardProgress CardKind = "progress"
)

// Card is the payload of an in-place message update.
type Card struct {
	Kind     CardKind `json:"kind"`
	Keyword  string   `json:"keyword"`
	Position int      `json:"position,omitempty"`
	Percent  int      `json:"percent,omitempty"`
}

// QueueCard tells a waiting originator its place in line.
func QueueCard(keyword string, position int) Card {
	return Card{Kind: CardQueue, Keyword: keyword, Position: position}
}

// ProgressCard reports crawl completion percentage.
func ProgressCard(keyword string, percent int) Card {
	return Card{Kind: CardProgress, Keyword: keyword, Percent: percent}
}
