// Texforge - Sandboxed LaTeX Compile Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/texforge

package resources

import (
	"context"
	"crypto/sha1" //nolint:gosec // cache key, not a security boundary
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/texforge/internal/config"
	"github.com/tomtom215/texforge/internal/fsutil"
	"github.com/tomtom215/texforge/internal/logging"
	"github.com/tomtom215/texforge/internal/metrics"
)

const (
	urlKeyPrefix = "url/"
	breakerName  = "url-download"
)

// statusError is a non-2xx download response.
type statusError struct {
	URL  string
	Code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("download %s: unexpected status %d", e.URL, e.Code)
}

// urlRecord is the badger metadata for one cached body.
type urlRecord struct {
	URL          string `json:"url"`
	LastModified int64  `json:"lastModified"`
	DownloadedAt int64  `json:"downloadedAt"`
}

// URLCacheOptions tunes downloads.
type URLCacheOptions struct {
	Timeout            time.Duration
	MaxRetries         uint
	BreakerMaxFailures uint32
	BreakerTimeout     time.Duration
}

// URLCacheOptionsFromConfig maps the url_cache section of cfg.
func URLCacheOptionsFromConfig(cfg *config.Config) URLCacheOptions {
	return URLCacheOptions{
		Timeout:            cfg.URLCache.Timeout,
		MaxRetries:         uint(cfg.URLCache.MaxRetries),
		BreakerMaxFailures: uint32(cfg.URLCache.BreakerMaxFailures),
		BreakerTimeout:     cfg.URLCache.BreakerTimeout,
	}
}

// URLCache keeps a per-project copy of every downloaded URL so unchanged
// files are not fetched again on each compile.
//
// Bodies live at <dir>/<projectID>/<sha1(url)>; freshness metadata lives in
// badger under url/<projectID>/<sha1(url)>.
type URLCache struct {
	dir        string
	db         *badger.DB
	client     *http.Client
	maxRetries uint
	breaker    *gobreaker.CircuitBreaker[struct{}]
	now        func() time.Time
}

// OpenURLCacheDB opens the metadata store under dir.
func OpenURLCacheDB(dir string) (*badger.DB, error) {
	opts := badger.DefaultOptions(filepath.Join(dir, ".meta")).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open url cache db: %w", err)
	}
	return db, nil
}

// NewURLCache creates a URLCache storing bodies under dir.
func NewURLCache(dir string, db *badger.DB, opts URLCacheOptions) *URLCache {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 1
	}
	if opts.BreakerMaxFailures == 0 {
		opts.BreakerMaxFailures = 5
	}
	return &URLCache{
		dir:        dir,
		db:         db,
		client:     &http.Client{Timeout: opts.Timeout},
		maxRetries: opts.MaxRetries,
		breaker:    newDownloadBreaker(breakerName, opts.BreakerMaxFailures, opts.BreakerTimeout),
		now:        time.Now,
	}
}

// DownloadURLToFile copies url into dest, downloading it first unless a
// cached body at least as new as modified exists. modified is unix
// milliseconds; zero always downloads.
func (c *URLCache) DownloadURLToFile(ctx context.Context, projectID, url, fallbackURL, dest string, modified int64) error {
	key := cacheKey(url)
	cachePath := filepath.Join(c.dir, projectID, key)

	needed, err := c.needsDownload(projectID, key, cachePath, modified)
	if err != nil {
		return err
	}

	if needed {
		if err := c.download(ctx, url, fallbackURL, cachePath); err != nil {
			metrics.URLCacheRequests.WithLabelValues("error").Inc()
			return err
		}
		if err := c.saveRecord(projectID, key, urlRecord{URL: url, LastModified: modified, DownloadedAt: c.now().UnixMilli()}); err != nil {
			return err
		}
	} else {
		metrics.URLCacheRequests.WithLabelValues("hit").Inc()
	}

	if _, err := fsutil.CopyFile(cachePath, dest); err != nil {
		return fmt.Errorf("copy cached url to %s: %w", dest, err)
	}
	return nil
}

func (c *URLCache) needsDownload(projectID, key, cachePath string, modified int64) (bool, error) {
	if modified == 0 {
		return true, nil
	}
	if _, err := os.Stat(cachePath); errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}

	rec, err := c.loadRecord(projectID, key)
	if err != nil {
		return false, err
	}
	if rec == nil || rec.LastModified == 0 {
		return true, nil
	}
	return modified > rec.LastModified, nil
}

// download fetches url, falling back to fallbackURL, into cachePath.
func (c *URLCache) download(ctx context.Context, url, fallbackURL, cachePath string) error {
	err := c.fetchWithRetry(ctx, url, cachePath)
	if err == nil {
		metrics.URLCacheRequests.WithLabelValues("download").Inc()
		return nil
	}
	if fallbackURL == "" {
		return err
	}

	logging.Ctx(ctx).Warn().Err(err).Str("url", url).Str("fallback_url", fallbackURL).Msg("download failed, trying fallback url")
	if ferr := c.fetchWithRetry(ctx, fallbackURL, cachePath); ferr != nil {
		return fmt.Errorf("fallback download: %w", ferr)
	}
	metrics.URLCacheRequests.WithLabelValues("fallback").Inc()
	return nil
}

func (c *URLCache) fetchWithRetry(ctx context.Context, url, cachePath string) error {
	op := func() (struct{}, error) {
		_, err := c.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, c.fetch(ctx, url, cachePath)
		})
		recordBreakerResult(breakerName, err)

		var se *statusError
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, gobreaker.ErrOpenState):
			return struct{}{}, backoff.Permanent(err)
		case errors.As(err, &se) && se.Code >= 400 && se.Code < 500 && se.Code != http.StatusTooManyRequests:
			return struct{}{}, backoff.Permanent(err)
		default:
			return struct{}{}, err
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.maxRetries),
		backoff.WithNotify(func(err error, next time.Duration) {
			logging.Ctx(ctx).Debug().Err(err).Str("url", url).Dur("retry_in", next).Msg("retrying url download")
		}),
	)
	return err
}

// fetch performs one GET into a temp file beside cachePath, then renames it.
func (c *URLCache) fetch(ctx context.Context, url, cachePath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &statusError{URL: url, Code: resp.StatusCode}
	}

	if err := os.MkdirAll(filepath.Dir(cachePath), 0o755); err != nil {
		return fmt.Errorf("create url cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(cachePath), filepath.Base(cachePath)+".*~")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("download %s: %w", url, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, cachePath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename downloaded file: %w", err)
	}
	return nil
}

func (c *URLCache) loadRecord(projectID, key string) (*urlRecord, error) {
	var rec urlRecord
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(projectID, key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load url record: %w", err)
	}
	return &rec, nil
}

func (c *URLCache) saveRecord(projectID, key string, rec urlRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal url record: %w", err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(projectID, key), data)
	})
}

// ClearProject removes every cached body and record for projectID.
func (c *URLCache) ClearProject(projectID string) error {
	if err := os.RemoveAll(filepath.Join(c.dir, projectID)); err != nil {
		return fmt.Errorf("remove url cache dir: %w", err)
	}

	prefix := []byte(urlKeyPrefix + projectID + "/")
	var keys [][]byte
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan url records: %w", err)
	}

	return c.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(k); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("delete url record: %w", err)
			}
		}
		return nil
	})
}

func cacheKey(url string) string {
	sum := sha1.Sum([]byte(url)) //nolint:gosec // cache key, not a security boundary
	return hex.EncodeToString(sum[:])
}

func recordKey(projectID, key string) []byte {
	return []byte(urlKeyPrefix + projectID + "/" + key)
}
