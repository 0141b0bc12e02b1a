// Package dimcache is a read-through, per-keyword CSV cache of advertiser
// lists. Files live under one directory as dim_keyword_<keyword>.csv with
// columns id,name,keyword,name_clean.
package dimcache

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/adlibrary-crawler/internal/crawler"
	"github.com/JakeFAU/adlibrary-crawler/internal/metrics"
)

// DefaultDir is used when Config.Dir is empty.
const DefaultDir = "ref_data"

const filePrefix = "dim_keyword_"

// Columns is the CSV header written to every cache file.
var Columns = []string{"id", "name", "keyword", "name_clean"}

// Config configures a Cache.
type Config struct {
	Dir    string
	Logger *zap.Logger
}

// Cache implements crawler.DimensionCache on the local filesystem.
type Cache struct {
	dir    string
	logger *zap.Logger
	mu     sync.Mutex
}

// New returns a Cache rooted at cfg.Dir. The directory is created lazily on
// the first write.
func New(cfg Config) *Cache {
	if cfg.Dir == "" {
		cfg.Dir = DefaultDir
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Cache{dir: cfg.Dir, logger: cfg.Logger.Named("dimcache")}
}

// Path returns the cache file for keyword.
func (c *Cache) Path(keyword string) string {
	return filepath.Join(c.dir, filePrefix+Slug(keyword)+".csv")
}

// Get returns the cached dimensions for keyword, calling compute and
// persisting its result on a miss. A compute failure yields an empty list and
// a nil error; a persist failure is logged and the computed rows are returned.
func (c *Cache) Get(ctx context.Context, keyword string, compute crawler.DimensionFunc) ([]crawler.Dimension, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := c.Path(keyword)
	log := c.logger.With(zap.String("keyword", keyword), zap.String("path", path))
	dims, err := readFile(path)
	switch {
	case err == nil && len(dims) > 0:
		metrics.ObserveDimensionCache(true)
		log.Debug("advertiser list cache hit", zap.Int("rows", len(dims)))
		return dims, nil
	case err != nil && !errors.Is(err, os.ErrNotExist):
		log.Warn("advertiser list cache unreadable, recomputing", zap.Error(err))
	}
	metrics.ObserveDimensionCache(false)

	dims, err = compute(ctx)
	if err != nil {
		log.Warn("advertiser list scrape failed", zap.Error(err))
		return []crawler.Dimension{}, nil
	}
	if len(dims) == 0 {
		return []crawler.Dimension{}, nil
	}
	if err := c.write(path, dims); err != nil {
		log.Error("persist advertiser list", zap.Error(err))
	} else {
		log.Info("advertiser list cached", zap.Int("rows", len(dims)))
	}
	return dims, nil
}

// Invalidate removes the cache file for keyword. Removing a missing entry is
// not an error.
func (c *Cache) Invalidate(keyword string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.Remove(c.Path(keyword)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove cache entry: %w", err)
	}
	return nil
}

func (c *Cache) write(path string, dims []crawler.Dimension) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(c.dir, filePrefix+"*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := Write(tmp, dims); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename cache file: %w", err)
	}
	return nil
}

func readFile(path string) ([]crawler.Dimension, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return Read(f)
}

// Write encodes dims as CSV with the Columns header.
func Write(w io.Writer, dims []crawler.Dimension) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, d := range dims {
		if err := cw.Write([]string{d.ID, d.Name, d.Keyword, d.NameClean}); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

// Read decodes a CSV produced by Write. Columns are matched by header name so
// files missing name_clean are accepted; NameClean is then left empty.
func Read(r io.Reader) ([]crawler.Dimension, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))] = i
	}
	if _, ok := idx["name"]; !ok {
		return nil, errors.New("cache file has no name column")
	}
	field := func(row []string, col string) string {
		i, ok := idx[col]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	var dims []crawler.Dimension
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		dims = append(dims, crawler.Dimension{
			ID:        field(row, "id"),
			Name:      field(row, "name"),
			Keyword:   field(row, "keyword"),
			NameClean: field(row, "name_clean"),
		})
	}
	return dims, nil
}

// Slug makes keyword safe to embed in a file name. Path separators and
// control characters become underscores; everything else is kept.
func Slug(keyword string) string {
	slug := strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\' || r == ':' || r < 0x20 || r == 0x7f:
			return '_'
		default:
			return r
		}
	}, strings.TrimSpace(keyword))
	if slug == "" || strings.Trim(slug, ".") == "" {
		return "_"
	}
	return slug
}
