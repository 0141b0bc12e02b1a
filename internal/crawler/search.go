package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// allTargets is the dropdown entry meaning "no advertiser filter".
const allTargets = "All"

// SearchURL builds the ad library search URL for keyword, narrowed by filter when non-empty.
func SearchURL(base, keyword, filter string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse search base url: %w", err)
	}
	q := u.Query()
	q.Set("active_status", "active")
	q.Set("ad_type", "all")
	q.Set("country", "ALL")
	q.Set("is_targeted_country", "false")
	q.Set("media_type", "all")
	q.Set("q", strings.TrimSpace(keyword+" "+filter))
	q.Set("search_type", "keyword_unordered")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ClassSelector turns a space separated class list into a compound CSS selector.
func ClassSelector(classes string) string {
	fields := strings.Fields(classes)
	if len(fields) == 0 {
		return ""
	}
	return "." + strings.Join(fields, ".")
}

// FilterValue returns the search term used for a sub-target: its first token,
// or "" for the unfiltered entry.
func FilterValue(name string) string {
	token := firstToken(name)
	if token == allTargets {
		return ""
	}
	return token
}

func firstToken(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// Targets derives the ordered, distinct sub-target names from dimensions.
func Targets(dims []Dimension) []string {
	seen := make(map[string]struct{}, len(dims))
	out := make([]string, 0, len(dims))
	for _, d := range dims {
		name := d.NameClean
		if name == "" {
			name = firstToken(d.Name)
		}
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

// ProgressPercent maps target idx (1-based) of total onto the 10-90% band.
func ProgressPercent(idx, total int) int {
	return 10 + 80*idx/max(1, total)
}

// ShouldNotify reports whether target idx of total gets a progress card.
func ShouldNotify(idx, total, every int) bool {
	if every <= 0 {
		every = 1
	}
	return idx%every == 0 || idx == total
}
