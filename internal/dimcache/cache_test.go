package dimcache

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/adlibrary-crawler/internal/crawler"
)

func sampleDims() []crawler.Dimension {
	return []crawler.Dimension{
		{ID: "opt-1", Name: "All advertisers", Keyword: "shoes", NameClean: "All"},
		{ID: "opt-2", Name: "Acme, Inc.", Keyword: "shoes", NameClean: "Acme,"},
	}
}

func TestGetComputesOnceThenHits(t *testing.T) {
	t.Parallel()

	cache := New(Config{Dir: filepath.Join(t.TempDir(), "ref_data")})
	calls := 0
	compute := func(context.Context) ([]crawler.Dimension, error) {
		calls++
		return sampleDims(), nil
	}

	first, err := cache.Get(context.Background(), "shoes", compute)
	require.NoError(t, err)
	require.Equal(t, sampleDims(), first)
	require.FileExists(t, cache.Path("shoes"))

	second, err := cache.Get(context.Background(), "shoes", compute)
	require.NoError(t, err)
	require.Equal(t, sampleDims(), second)
	require.Equal(t, 1, calls)
}

func TestGetComputeFailureYieldsEmptyList(t *testing.T) {
	t.Parallel()

	cache := New(Config{Dir: t.TempDir()})
	dims, err := cache.Get(context.Background(), "boots", func(context.Context) ([]crawler.Dimension, error) {
		return nil, errors.New("filter panel missing")
	})
	require.NoError(t, err)
	require.NotNil(t, dims)
	require.Empty(t, dims)
	require.NoFileExists(t, cache.Path("boots"))
}

func TestGetDoesNotCacheEmptyResults(t *testing.T) {
	t.Parallel()

	cache := New(Config{Dir: t.TempDir()})
	calls := 0
	compute := func(context.Context) ([]crawler.Dimension, error) {
		calls++
		return nil, nil
	}
	for range 2 {
		dims, err := cache.Get(context.Background(), "hats", compute)
		require.NoError(t, err)
		require.Empty(t, dims)
	}
	require.Equal(t, 2, calls)
}

func TestGetRecomputesUnreadableFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cache := New(Config{Dir: dir})
	require.NoError(t, os.WriteFile(cache.Path("shoes"), []byte("id,keyword\n1,shoes\n"), 0o600))

	dims, err := cache.Get(context.Background(), "shoes", func(context.Context) ([]crawler.Dimension, error) {
		return sampleDims(), nil
	})
	require.NoError(t, err)
	require.Equal(t, sampleDims(), dims)

	reread, err := readFile(cache.Path("shoes"))
	require.NoError(t, err)
	require.Equal(t, sampleDims(), reread)
}

func TestGetPersistFailureStillReturnsRows(t *testing.T) {
	t.Parallel()

	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))
	cache := New(Config{Dir: filepath.Join(blocker, "sub")})

	dims, err := cache.Get(context.Background(), "shoes", func(context.Context) ([]crawler.Dimension, error) {
		return sampleDims(), nil
	})
	require.NoError(t, err)
	require.Equal(t, sampleDims(), dims)
}

func TestReadAcceptsFilesWithoutNameClean(t *testing.T) {
	t.Parallel()

	dims, err := Read(strings.NewReader("\ufeffid,name,keyword\nopt-9,Bolt Shoes,shoes\n"))
	require.NoError(t, err)
	require.Equal(t, []crawler.Dimension{{ID: "opt-9", Name: "Bolt Shoes", Keyword: "shoes"}}, dims)

	dims, err = Read(strings.NewReader(""))
	require.NoError(t, err)
	require.Empty(t, dims)
}

func TestWriteReadRoundTripsQuotedNames(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sampleDims()))
	require.True(t, strings.HasPrefix(buf.String(), "id,name,keyword,name_clean\n"))
	require.Contains(t, buf.String(), `"Acme, Inc."`)
}

func TestInvalidate(t *testing.T) {
	t.Parallel()

	cache := New(Config{Dir: t.TempDir()})
	require.NoError(t, cache.Invalidate("missing"))
	_, err := cache.Get(context.Background(), "shoes", func(context.Context) ([]crawler.Dimension, error) {
		return sampleDims(), nil
	})
	require.NoError(t, err)
	require.NoError(t, cache.Invalidate("shoes"))
	require.NoFileExists(t, cache.Path("shoes"))
}

func TestSlug(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"shoes":          "shoes",
		" running shoes": "running shoes",
		"a/b\\c:d":       "a_b_c_d",
		"..":             "_",
		"":               "_",
		"tab\there":      "tab_here",
	}
	for in, want := range cases {
		require.Equal(t, want, Slug(in), in)
	}
}
