// Package cache manages the bounded local audio cache: a directory of
// downloaded files plus an index persisted in the key-value store. The
// index is the source of truth for what is cached; the filesystem is the
// source of truth for what bytes exist, and the two are reconciled at
// startup and on every lookup.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/quietwave/quietwave/internal/catalog"
	"github.com/quietwave/quietwave/internal/clock"
	"github.com/quietwave/quietwave/internal/fetch"
	"github.com/quietwave/quietwave/internal/kv"
)

const (
	// indexKey is the key-value store key holding the serialized index.
	indexKey = "audio_cache_metadata"

	// DefaultCapacity bounds the total size of cached files.
	DefaultCapacity = 100 * 1024 * 1024
)

// Entry records one cached download. JSON field names match the metadata
// format the mobile app wrote, so an existing index round-trips.
type Entry struct {
	SourceID     string    `json:"sourceId"`
	LocalPath    string    `json:"localPath"`
	DownloadedAt time.Time `json:"downloadedAt"`
	FileSize     int64     `json:"fileSize"`
}

// Stats is a read-only snapshot of cache usage.
type Stats struct {
	TotalSize     int64
	Capacity      int64
	UsageFraction float64
	Count         int
	Entries       []Entry
}

// Config configures a Store.
type Config struct {
	Dir      string
	Capacity int64 // bytes; DefaultCapacity when zero
	KV       kv.Store
	Fetcher  fetch.Fetcher
	Logger   *log.Logger
	Clock    clock.Clock
}

// Store maps source IDs to verified local files under a capacity bound.
//
// All index mutations happen under one mutex as a read-modify-persist unit;
// downloads themselves run outside the lock. Concurrent Store calls for the
// same source ID are coalesced into a single download.
type Store struct {
	dir      string
	capacity int64
	kv       kv.Store
	fetcher  fetch.Fetcher
	logger   *log.Logger
	clock    clock.Clock

	mu    sync.Mutex
	index []Entry

	group singleflight.Group
}

// New creates a Store. Call Initialize before use.
func New(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("cache: directory is required")
	}
	if cfg.KV == nil {
		return nil, fmt.Errorf("cache: key-value store is required")
	}
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("cache: fetcher is required")
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Store{
		dir:      cfg.Dir,
		capacity: cfg.Capacity,
		kv:       cfg.KV,
		fetcher:  cfg.Fetcher,
		logger:   cfg.Logger,
		clock:    cfg.Clock,
	}, nil
}

// Initialize ensures the cache directory exists, loads the persisted index
// and sweeps orphaned files. Errors are logged, never returned: the cache
// degrades to whatever state could be recovered rather than blocking
// startup.
func (s *Store) Initialize(ctx context.Context) {
	if err := s.fetcher.EnsureDir(s.dir); err != nil {
		s.logger.Warn("Could not create cache directory", "dir", s.dir, "err", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.index = s.loadIndex(ctx)
	s.sweepOrphansLocked()
}

// loadIndex reads the persisted index, returning an empty one on any error.
func (s *Store) loadIndex(ctx context.Context) []Entry {
	raw, ok, err := s.kv.Get(ctx, indexKey)
	if err != nil {
		s.logger.Warn("Could not load cache index", "err", err)
		return nil
	}
	if !ok {
		return nil
	}

	var index []Entry
	if err := json.Unmarshal([]byte(raw), &index); err != nil {
		s.logger.Warn("Corrupt cache index, starting empty", "err", err)
		return nil
	}
	return index
}

// sweepOrphansLocked deletes files in the cache directory that no index
// entry references. Partial downloads from interrupted runs are orphans
// too.
func (s *Store) sweepOrphansLocked() {
	files, err := s.fetcher.List(s.dir)
	if err != nil {
		s.logger.Warn("Orphan sweep skipped", "err", err)
		return
	}

	referenced := make(map[string]struct{}, len(s.index))
	for _, e := range s.index {
		referenced[filepath.Base(e.LocalPath)] = struct{}{}
	}

	for _, name := range files {
		if _, ok := referenced[name]; ok {
			continue
		}
		if err := s.fetcher.Remove(filepath.Join(s.dir, name)); err != nil {
			s.logger.Warn("Could not remove orphaned file", "file", name, "err", err)
		} else {
			s.logger.Debug("Removed orphaned cache file", "file", name)
		}
	}
}

// Lookup returns the verified local path for sourceID. An index entry whose
// backing file has gone missing is dropped (self-healing) and reported as a
// miss. A miss is a normal outcome, not an error.
func (s *Store) Lookup(ctx context.Context, sourceID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookupLocked(ctx, sourceID)
}

func (s *Store) lookupLocked(ctx context.Context, sourceID string) (string, bool) {
	i := s.findLocked(sourceID)
	if i < 0 {
		return "", false
	}

	entry := s.index[i]
	_, exists, err := s.fetcher.Stat(entry.LocalPath)
	if err != nil {
		s.logger.Warn("Could not stat cached file", "source", sourceID, "err", err)
		return "", false
	}
	if !exists {
		s.logger.Debug("Cached file missing, dropping entry", "source", sourceID, "path", entry.LocalPath)
		s.index = append(s.index[:i], s.index[i+1:]...)
		s.persistLocked(ctx)
		return "", false
	}
	return entry.LocalPath, true
}

// findLocked returns the index position of sourceID, or -1.
func (s *Store) findLocked(sourceID string) int {
	for i, e := range s.index {
		if e.SourceID == sourceID {
			return i
		}
	}
	return -1
}

// Store downloads src into the cache and returns the local path. It is
// idempotent: a hit returns immediately, and concurrent calls for the same
// source share one download. Capacity is reclaimed by evicting the oldest
// entries before the download starts, so the bound may be overshot by at
// most the size of the new file.
//
// Download failures propagate: the caller decides whether to fall back to
// streaming. onProgress is optional and only honored for the call that
// actually performs the download.
func (s *Store) Store(ctx context.Context, src catalog.Source, onProgress fetch.ProgressFunc) (string, error) {
	v, err, _ := s.group.Do(src.ID, func() (interface{}, error) {
		return s.store(ctx, src, onProgress)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *Store) store(ctx context.Context, src catalog.Source, onProgress fetch.ProgressFunc) (string, error) {
	s.mu.Lock()
	if path, ok := s.lookupLocked(ctx, src.ID); ok {
		s.mu.Unlock()
		return path, nil
	}

	// The new file's size is unknown until it lands, so make room first.
	evicted := false
	for s.totalSizeLocked() >= s.capacity && len(s.index) > 0 {
		s.evictOldestLocked()
		evicted = true
	}
	if evicted {
		s.persistLocked(ctx)
	}
	localPath := filepath.Join(s.dir, src.ID+"."+extensionOf(src.URI))
	s.mu.Unlock()

	if err := s.fetcher.Download(ctx, src.URI, localPath, onProgress); err != nil {
		return "", fmt.Errorf("cache %s: %w", src.ID, err)
	}

	size, exists, err := s.fetcher.Stat(localPath)
	if err != nil || !exists {
		return "", fmt.Errorf("cache %s: downloaded file unreadable: %w", src.ID, err)
	}
	if size == 0 {
		s.fetcher.Remove(localPath)
		return "", fmt.Errorf("cache %s: downloaded file is empty", src.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = append(s.index, Entry{
		SourceID:     src.ID,
		LocalPath:    localPath,
		DownloadedAt: s.clock.Now(),
		FileSize:     size,
	})
	s.persistLocked(ctx)

	s.logger.Debug("Cached audio", "source", src.ID, "size", size)
	return localPath, nil
}

// Evict removes sourceID's file and index entry. Evicting an unknown
// source is a no-op.
func (s *Store) Evict(ctx context.Context, sourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.findLocked(sourceID)
	if i < 0 {
		return nil
	}

	if err := s.fetcher.Remove(s.index[i].LocalPath); err != nil {
		return fmt.Errorf("evict %s: %w", sourceID, err)
	}
	s.index = append(s.index[:i], s.index[i+1:]...)
	s.persistLocked(ctx)
	return nil
}

// Clear deletes every cached file and resets the index.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fetcher.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	s.index = nil
	s.persistLocked(ctx)
	return nil
}

// Stats returns a snapshot for display. Entries are in index (insertion)
// order.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]Entry, len(s.index))
	copy(entries, s.index)

	total := s.totalSizeLocked()
	return Stats{
		TotalSize:     total,
		Capacity:      s.capacity,
		UsageFraction: float64(total) / float64(s.capacity),
		Count:         len(entries),
		Entries:       entries,
	}
}

// Preload warms the cache for each source in parallel. Individual failures
// are logged and never propagated; Preload returns once every attempt has
// finished.
func (s *Store) Preload(ctx context.Context, sources []catalog.Source) {
	var wg sync.WaitGroup
	for _, src := range sources {
		wg.Add(1)
		go func(src catalog.Source) {
			defer wg.Done()
			if _, err := s.Store(ctx, src, nil); err != nil {
				s.logger.Warn("Preload failed", "source", src.ID, "err", err)
			}
		}(src)
	}
	wg.Wait()
}

// totalSizeLocked sums FileSize across the index.
func (s *Store) totalSizeLocked() int64 {
	var total int64
	for _, e := range s.index {
		total += e.FileSize
	}
	return total
}

// evictOldestLocked removes the entry with the earliest DownloadedAt.
// Ties resolve to the earliest index position, keeping eviction stable.
func (s *Store) evictOldestLocked() {
	oldest := 0
	for i := 1; i < len(s.index); i++ {
		if s.index[i].DownloadedAt.Before(s.index[oldest].DownloadedAt) {
			oldest = i
		}
	}

	entry := s.index[oldest]
	if err := s.fetcher.Remove(entry.LocalPath); err != nil {
		s.logger.Warn("Could not remove evicted file", "source", entry.SourceID, "err", err)
	}
	s.index = append(s.index[:oldest], s.index[oldest+1:]...)
	s.logger.Debug("Evicted cache entry", "source", entry.SourceID, "size", entry.FileSize)
}

// persistLocked writes the index back to the key-value store. Persistence
// failures are logged, not propagated: the in-memory index stays
// authoritative for this process and the next startup sweep reconciles.
func (s *Store) persistLocked(ctx context.Context) {
	data, err := json.Marshal(s.index)
	if err != nil {
		s.logger.Warn("Could not encode cache index", "err", err)
		return
	}
	if err := s.kv.Set(ctx, indexKey, string(data)); err != nil {
		s.logger.Warn("Could not persist cache index", "err", err)
	}
}

// extensionOf derives a filename extension from the remote URI, defaulting
// to mp3.
func extensionOf(rawURI string) string {
	u, err := url.Parse(rawURI)
	if err != nil {
		return "mp3"
	}
	ext := path.Ext(u.Path)
	if len(ext) < 2 {
		return "mp3"
	}
	return ext[1:]
}
