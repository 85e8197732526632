package erebus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zip"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/demeter-mobility/demeter/pkg/hermes"
)

// ArchiveKey names the monthly trip archive for year/month.
func ArchiveKey(year int, month time.Month) string {
	return fmt.Sprintf("%d%02d-capitalbikeshare-tripdata.zip", year, int(month))
}

type FetcherConfig struct {
	Source Store       // where archives come from
	Cache  *LocalStore // where archives are kept between runs
	RawDir string      // where extracted CSV files go

	Concurrency int     // parallel downloads, 4 by default
	RatePerSec  float64 // download starts per second, unlimited when <= 0

	Logger  hermes.Logger
	Metrics hermes.Metrics
}

// FetchResult lists archive keys by outcome, each sorted.
type FetchResult struct {
	Downloaded []string
	Cached     []string
	Missing    []string
	Corrupt    []string
	Failed     []string // download errors other than a missing archive
	Extracted  []string // CSV file names written to RawDir
}

// Fetcher downloads the monthly archives and extracts their CSV files.
type Fetcher struct {
	source      Store
	cache       *LocalStore
	rawDir      string
	concurrency int
	limiter     *rate.Limiter
	logger      hermes.Logger
	metrics     hermes.Metrics
}

func NewFetcher(cfg FetcherConfig) (*Fetcher, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("source store is required")
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("cache store is required")
	}
	if cfg.RawDir == "" {
		return nil, fmt.Errorf("raw directory is required")
	}
	if err := os.MkdirAll(cfg.RawDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create raw directory: %w", err)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = hermes.NewNopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = hermes.NewNoopMetrics()
	}

	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}

	return &Fetcher{
		source:      cfg.Source,
		cache:       cfg.Cache,
		rawDir:      cfg.RawDir,
		concurrency: cfg.Concurrency,
		limiter:     rate.NewLimiter(limit, 1),
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}, nil
}

type outcome string

const (
	outcomeDownloaded outcome = "downloaded"
	outcomeCached     outcome = "cached"
	outcomeMissing    outcome = "missing"
	outcomeCorrupt    outcome = "corrupt"
	outcomeFailed     outcome = "failed"
)

// FetchAll fetches every month of the given years. Missing, corrupt and
// failed archives are logged and skipped; only cancellation or a broken
// cache aborts the run.
func (f *Fetcher) FetchAll(ctx context.Context, years []int) (*FetchResult, error) {
	var keys []string
	for _, y := range years {
		for m := time.January; m <= time.December; m++ {
			keys = append(keys, ArchiveKey(y, m))
		}
	}
	return f.Fetch(ctx, keys)
}

// Fetch fetches the given archive keys.
func (f *Fetcher) Fetch(ctx context.Context, keys []string) (*FetchResult, error) {
	var mu sync.Mutex
	result := &FetchResult{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	for _, key := range keys {
		g.Go(func() error {
			out, files, err := f.fetchOne(gctx, key)
			if err != nil {
				return err
			}
			f.metrics.IncCounter("archives_total", 1, hermes.Label{Key: "outcome", Value: string(out)})

			mu.Lock()
			defer mu.Unlock()
			switch out {
			case outcomeDownloaded:
				result.Downloaded = append(result.Downloaded, key)
			case outcomeCached:
				result.Cached = append(result.Cached, key)
			case outcomeMissing:
				result.Missing = append(result.Missing, key)
			case outcomeCorrupt:
				result.Corrupt = append(result.Corrupt, key)
			case outcomeFailed:
				result.Failed = append(result.Failed, key)
			}
			result.Extracted = append(result.Extracted, files...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, list := range [][]string{result.Downloaded, result.Cached, result.Missing, result.Corrupt, result.Failed, result.Extracted} {
		slices.Sort(list)
	}
	f.logger.Info(ctx, "fetch complete", map[string]any{
		"downloaded": len(result.Downloaded),
		"cached":     len(result.Cached),
		"missing":    len(result.Missing),
		"corrupt":    len(result.Corrupt),
		"failed":     len(result.Failed),
		"extracted":  len(result.Extracted),
	})
	return result, nil
}

func (f *Fetcher) fetchOne(ctx context.Context, key string) (outcome, []string, error) {
	cached, err := f.cache.Exists(ctx, key)
	if err != nil {
		return "", nil, err
	}

	out := outcomeCached
	if !cached {
		if err := f.limiter.Wait(ctx); err != nil {
			return "", nil, err
		}
		if err := f.download(ctx, key); err != nil {
			if errors.Is(err, ErrNotFound) {
				f.logger.Warn(ctx, "archive not available", map[string]any{"key": key})
				return outcomeMissing, nil, nil
			}
			if ctx.Err() != nil {
				return "", nil, ctx.Err()
			}
			f.logger.Error(ctx, "archive download failed", map[string]any{"key": key, "error": err.Error()})
			return outcomeFailed, nil, nil
		}
		out = outcomeDownloaded
		f.logger.Info(ctx, "downloaded archive", map[string]any{"key": key})
	}

	files, err := f.extract(key)
	if err != nil {
		f.logger.Error(ctx, "BAD ZIP", map[string]any{"key": key, "error": err.Error()})
		// drop the broken archive so the next run downloads it again
		_ = f.cache.Delete(ctx, key)
		return outcomeCorrupt, nil, nil
	}
	return out, files, nil
}

func (f *Fetcher) download(ctx context.Context, key string) error {
	body, err := f.source.Get(ctx, key)
	if err != nil {
		return err
	}
	defer body.Close()
	return f.cache.Put(ctx, key, body)
}

// extract writes the archive's CSV entries flat into RawDir.
func (f *Fetcher) extract(key string) ([]string, error) {
	archive, err := f.cache.Path(key)
	if err != nil {
		return nil, err
	}
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var files []string
	for _, entry := range zr.File {
		name, ok := csvEntryName(entry.Name)
		if !ok || entry.FileInfo().IsDir() {
			continue
		}
		if err := f.extractEntry(entry, name); err != nil {
			return nil, fmt.Errorf("%s: %w", entry.Name, err)
		}
		files = append(files, name)
	}
	return files, nil
}

// csvEntryName flattens an archive entry to its base name, ignoring anything
// that is not a CSV file and macOS resource forks.
func csvEntryName(entry string) (string, bool) {
	entry = strings.ReplaceAll(entry, "\\", "/")
	if strings.HasPrefix(entry, "__MACOSX/") {
		return "", false
	}
	base := path.Base(entry)
	if base == "." || base == "/" || base == ".." || strings.HasPrefix(base, "._") {
		return "", false
	}
	if !strings.EqualFold(path.Ext(base), ".csv") {
		return "", false
	}
	return base, true
}

func (f *Fetcher) extractEntry(entry *zip.File, name string) error {
	rc, err := entry.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(f.rawDir, "extract-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if _, err := io.Copy(tmp, rc); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(f.rawDir, name))
}
