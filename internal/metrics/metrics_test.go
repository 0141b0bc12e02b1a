package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	first := crawlQueueDepth
	Init()
	require.Same(t, first, crawlQueueDepth)
}

func TestSetQueueState(t *testing.T) {
	SetQueueState(3, true)
	require.InDelta(t, 3, testutil.ToFloat64(crawlQueueDepth), 0.001)
	require.InDelta(t, 1, testutil.ToFloat64(crawlQueueActive), 0.001)

	SetQueueState(0, false)
	require.InDelta(t, 0, testutil.ToFloat64(crawlQueueDepth), 0.001)
	require.InDelta(t, 0, testutil.ToFloat64(crawlQueueActive), 0.001)
}

func TestObserveMisc(t *testing.T) {
	hits := testutil.ToFloat64(dimensionCacheTotal.WithLabelValues("hit"))
	ObserveDimensionCache(true)
	require.InDelta(t, hits+1, testutil.ToFloat64(dimensionCacheTotal.WithLabelValues("hit")), 0.001)

	dropped := testutil.ToFloat64(notificationsDroppedTotal.WithLabelValues("progress"))
	ObserveDroppedNotification("progress")
	require.InDelta(t, dropped+1, testutil.ToFloat64(notificationsDroppedTotal.WithLabelValues("progress")), 0.001)

	ObserveRateLimitDelay("www.facebook.com", 250*time.Millisecond)
	require.Positive(t, testutil.CollectAndCount(rateLimitDelaysSeconds))
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://www.facebook.com/ads/library/", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
