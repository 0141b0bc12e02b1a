package crawler

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
)

// OutputColumns is the projection of a cleaned result table.
var OutputColumns = []string{
	"library_id",
	"ad_start_date",
	"company",
	"pixel_id",
	"destination_url",
	"ad_type",
	"ad_url",
	"thumbnail_url",
	"primary_text",
	"headline_text",
}

// RawColumns is the layout of an uncleaned result table.
var RawColumns = []string{
	"text_snippet",
	"library_id",
	"ad_start_date",
	"company",
	"avatar_url",
	"image_url",
	"video_url",
	"thumbnail_url",
	"destination_url",
	"pixel_id",
	"primary_text",
	"headline_text",
}

// pixelArtifact is left behind when the pixel id is cut out of an encoded URL.
const pixelArtifact = "%3D"

// Table is the tabular result of a crawl.
type Table struct {
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
	// Cleaned is false when aggregation fell back to the raw records.
	Cleaned bool `json:"cleaned"`
}

// Len returns the number of rows.
func (t Table) Len() int {
	return len(t.Rows)
}

// Maps returns one column-keyed map per row.
func (t Table) Maps() []map[string]string {
	out := make([]map[string]string, 0, len(t.Rows))
	for _, row := range t.Rows {
		m := make(map[string]string, len(t.Columns))
		for i, col := range t.Columns {
			if i < len(row) {
				m[col] = row[i]
			}
		}
		out = append(out, m)
	}
	return out
}

// WriteCSV renders the table with a header row.
func (t Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Columns); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if err := cw.WriteAll(t.Rows); err != nil {
		return fmt.Errorf("write rows: %w", err)
	}
	return nil
}

// Aggregation is the outcome of Aggregate.
type Aggregation struct {
	Table Table
	// Ads holds the cleaned rows; nil when the fallback was used.
	Ads []CleanedRecord
	// Fallback carries the reason cleaning was abandoned, if it was.
	Fallback error
}

// Aggregate cleans and deduplicates records. If cleaning fails for any reason
// the raw records are returned unfiltered instead.
func Aggregate(records []RawRecord) (agg Aggregation) {
	if len(records) == 0 {
		return Aggregation{Table: Table{Columns: OutputColumns, Cleaned: true}}
	}
	defer func() {
		if rec := recover(); rec != nil {
			agg = Aggregation{Table: RawTable(records), Fallback: fmt.Errorf("clean records: %v", rec)}
		}
	}()
	ads, err := Clean(records)
	if err != nil {
		return Aggregation{Table: RawTable(records), Fallback: err}
	}
	return Aggregation{Table: CleanedTable(ads), Ads: ads}
}

// Clean drops rows without exactly one creative URL, resolves ad_url/ad_type,
// strips the pixel id artifact and keeps the first row per (library id, company).
func Clean(records []RawRecord) ([]CleanedRecord, error) {
	type key struct{ id, company string }
	seen := make(map[key]struct{}, len(records))
	out := make([]CleanedRecord, 0, len(records))
	for i, rec := range records {
		if strings.TrimSpace(rec.LibraryID) == "" {
			return nil, fmt.Errorf("record %d has no library id", i)
		}
		if rec.ImageURL.Present == rec.VideoURL.Present {
			continue
		}
		k := key{rec.LibraryID, rec.Company.String()}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}

		cleaned := CleanedRecord{
			LibraryID:      rec.LibraryID,
			StartDate:      rec.StartDate.String(),
			Company:        rec.Company.String(),
			PixelID:        strings.ReplaceAll(rec.PixelID.String(), pixelArtifact, ""),
			DestinationURL: rec.DestinationURL.String(),
			ThumbnailURL:   rec.ThumbnailURL.String(),
			PrimaryText:    rec.PrimaryText.String(),
			HeadlineText:   rec.HeadlineText.String(),
		}
		if rec.ImageURL.Present {
			cleaned.AdType, cleaned.AdURL = AdTypeImage, rec.ImageURL.Value
		} else {
			cleaned.AdType, cleaned.AdURL = AdTypeVideo, rec.VideoURL.Value
		}
		out = append(out, cleaned)
	}
	return out, nil
}

// CleanedTable renders cleaned records in OutputColumns order.
func CleanedTable(ads []CleanedRecord) Table {
	rows := make([][]string, 0, len(ads))
	for _, ad := range ads {
		rows = append(rows, []string{
			ad.LibraryID,
			ad.StartDate,
			ad.Company,
			ad.PixelID,
			ad.DestinationURL,
			string(ad.AdType),
			ad.AdURL,
			ad.ThumbnailURL,
			ad.PrimaryText,
			ad.HeadlineText,
		})
	}
	return Table{Columns: OutputColumns, Rows: rows, Cleaned: true}
}

// RawTable renders records unfiltered in RawColumns order.
func RawTable(records []RawRecord) Table {
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		rows = append(rows, []string{
			rec.TextSnippet,
			rec.LibraryID,
			rec.StartDate.String(),
			rec.Company.String(),
			rec.AvatarURL.String(),
			rec.ImageURL.String(),
			rec.VideoURL.String(),
			rec.ThumbnailURL.String(),
			rec.DestinationURL.String(),
			rec.PixelID.String(),
			rec.PrimaryText.String(),
			rec.HeadlineText.String(),
		})
	}
	return Table{Columns: RawColumns, Rows: rows}
}
