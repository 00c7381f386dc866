// Package audiocache is the bounded, content-addressed file cache for
// narration audio. Entries are named deterministically from stable identity;
// eviction is strictly oldest-modified-first against a byte budget.
package audiocache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Fetcher streams a URL to a local path. The production implementation is
// HTTP; tests substitute their own.
type Fetcher interface {
	Fetch(ctx context.Context, url, destPath string) error
}

// HTTPFetcher downloads over HTTP with a fixed attempt count and linear
// backoff, the engine's idiom for transient external calls.
type HTTPFetcher struct {
	client   *resty.Client
	attempts uint64
	interval time.Duration
}

// NewHTTPFetcher returns a Fetcher with sane timeouts.
func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{
		client:   resty.New().SetTimeout(60 * time.Second),
		attempts: 3,
		interval: 500 * time.Millisecond,
	}
}

func (h *HTTPFetcher) Fetch(ctx context.Context, url, destPath string) error {
	op := func() error {
		resp, err := h.client.R().
			SetContext(ctx).
			SetOutput(destPath).
			Get(url)
		if err != nil {
			return err
		}
		if resp.IsError() {
			return fmt.Errorf("download returned %s", resp.Status())
		}
		return nil
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(h.interval), h.attempts-1), ctx)
	return backoff.Retry(op, policy)
}

// Stats aggregates the cache directory.
type Stats struct {
	Files      int
	TotalBytes int64
}

// Cache manages the audio directory.
type Cache struct {
	dir     string
	fetcher Fetcher
	log     zerolog.Logger
}

// New returns a Cache over dir. Call EnsureDir before first use.
func New(dir string, fetcher Fetcher, log zerolog.Logger) *Cache {
	return &Cache{dir: dir, fetcher: fetcher, log: log}
}

// Dir returns the cache directory path.
func (c *Cache) Dir() string { return c.dir }

// EnsureDir creates the cache directory if needed. Idempotent.
func (c *Cache) EnsureDir() error {
	return os.MkdirAll(c.dir, 0o755)
}

// CachedPath returns the local path for name if the entry exists.
func (c *Cache) CachedPath(name string) (string, bool) {
	path := filepath.Join(c.dir, name)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", false
	}
	return path, true
}

// Download fetches url into the cache under name and returns the final
// path. The fetch lands in a temp path and renames on completion, so readers
// never observe a partial file; concurrent writers of the same name are
// last-writer-wins. Download failures propagate to the caller.
func (c *Cache) Download(ctx context.Context, url, name string) (string, error) {
	if err := c.EnsureDir(); err != nil {
		return "", errors.Wrap(err, "audio cache dir")
	}
	final := filepath.Join(c.dir, name)
	tmp := final + ".part"

	if err := c.fetcher.Fetch(ctx, url, tmp); err != nil {
		downloadFailuresTotal.Inc()
		_ = os.Remove(tmp)
		return "", errors.Wrapf(err, "download %s", name)
	}
	if err := os.Rename(tmp, final); err != nil {
		downloadFailuresTotal.Inc()
		_ = os.Remove(tmp)
		return "", errors.Wrapf(err, "finalize %s", name)
	}
	downloadsTotal.Inc()
	return final, nil
}

// GetStats aggregates file count and total bytes. Unreadable entries are
// skipped rather than failing the whole call.
func (c *Cache) GetStats() Stats {
	var st Stats
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return st
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			c.log.Debug().Str("entry", e.Name()).Err(err).Msg("skipping unreadable cache entry")
			continue
		}
		st.Files++
		st.TotalBytes += info.Size()
	}
	return st
}

type cacheEntry struct {
	path    string
	size    int64
	modTime time.Time
}

// ClearOld enforces the byte budget: while the cache exceeds maxSizeMB, the
// oldest-by-modification-time file is deleted. Strict LRU-by-mtime, not LFU
// or size-weighted.
func (c *Cache) ClearOld(maxSizeMB int) error {
	budget := int64(maxSizeMB) * 1024 * 1024

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "list audio cache")
	}

	var files []cacheEntry
	var total int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, cacheEntry{
			path:    filepath.Join(c.dir, e.Name()),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
		total += info.Size()
	}
	if total <= budget {
		return nil
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })
	for _, f := range files {
		if total <= budget {
			break
		}
		if err := os.Remove(f.path); err != nil {
			c.log.Warn().Str("path", f.path).Err(err).Msg("eviction failed, skipping")
			continue
		}
		evictionsTotal.Inc()
		total -= f.size
	}
	return nil
}

// ClearFavorites deletes only the auto-downloaded favorites entries, leaving
// manually exported files untouched.
func (c *Cache) ClearFavorites() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "list audio cache")
	}
	for _, e := range entries {
		if e.IsDir() || !IsFavoriteFile(e.Name()) {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, e.Name())); err != nil {
			c.log.Warn().Str("entry", e.Name()).Err(err).Msg("favorite cache delete failed")
		}
	}
	return nil
}
