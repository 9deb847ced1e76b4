package repository

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/finopsly/invoice-pipeline/internal/docmodel"
	"github.com/finopsly/invoice-pipeline/internal/extract"
)

const schema = `
CREATE TABLE IF NOT EXISTS analyze_cache (
	content_hash TEXT NOT NULL,
	version      TEXT NOT NULL,
	response     BLOB NOT NULL,
	created_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (content_hash, version)
);
`

// AnalyzeCache stores raw backend responses keyed by document content hash
// and response version. Re-running a batch does not re-bill every page
// against the extraction service.
type AnalyzeCache struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenAnalyzeCache opens (and if needed initializes) the cache database at
// path.
func OpenAnalyzeCache(path string, logger *slog.Logger) (*AnalyzeCache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init cache schema: %w", err)
	}
	return &AnalyzeCache{db: db, logger: logger}, nil
}

func (c *AnalyzeCache) Close() error {
	return c.db.Close()
}

// Key derives the cache key for a document payload.
func Key(doc []byte, contentType string, version docmodel.Version) string {
	h := sha256.New()
	h.Write(doc)
	h.Write([]byte{0})
	h.Write([]byte(contentType))
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached response, or (nil, nil) on a miss.
func (c *AnalyzeCache) Get(ctx context.Context, key string, version docmodel.Version) ([]byte, error) {
	var resp []byte
	err := c.db.QueryRowContext(ctx,
		`SELECT response FROM analyze_cache WHERE content_hash = ? AND version = ?`,
		key, string(version),
	).Scan(&resp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}
	return resp, nil
}

// Put stores a response, replacing any previous entry for the key.
func (c *AnalyzeCache) Put(ctx context.Context, key string, version docmodel.Version, response []byte) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO analyze_cache (content_hash, version, response, created_at) VALUES (?, ?, ?, ?)`,
		key, string(version), response, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// CachingBackend wraps an extraction backend with the analyze cache. Cache
// failures degrade to a direct call; they are never fatal.
type CachingBackend struct {
	inner  extract.Backend
	cache  *AnalyzeCache
	logger *slog.Logger
}

func NewCachingBackend(inner extract.Backend, cache *AnalyzeCache, logger *slog.Logger) *CachingBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachingBackend{inner: inner, cache: cache, logger: logger}
}

// Analyze implements extract.Backend.
func (b *CachingBackend) Analyze(ctx context.Context, doc []byte, contentType string, version docmodel.Version) ([]byte, error) {
	key := Key(doc, contentType, version)
	if cached, err := b.cache.Get(ctx, key, version); err != nil {
		b.logger.Warn("repository.cache.get_failed", "error", err)
	} else if cached != nil {
		b.logger.Debug("repository.cache.hit", "key", key[:12])
		return cached, nil
	}

	resp, err := b.inner.Analyze(ctx, doc, contentType, version)
	if err != nil {
		return nil, err
	}
	if err := b.cache.Put(ctx, key, version, resp); err != nil {
		b.logger.Warn("repository.cache.put_failed", "error", err)
	}
	return resp, nil
}
