package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/quietwave/quietwave/internal/catalog"
	"github.com/quietwave/quietwave/internal/clock"
	"github.com/quietwave/quietwave/internal/fetch"
	"github.com/quietwave/quietwave/internal/kv"
)

// fakeFetcher implements fetch.Fetcher over the real filesystem with
// scripted download payloads.
type fakeFetcher struct {
	mu        sync.Mutex
	payloads  map[string][]byte // url -> content
	failures  map[string]error  // url -> error
	downloads int
	gate      chan struct{} // when set, downloads block until closed
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		payloads: make(map[string][]byte),
		failures: make(map[string]error),
	}
}

func (f *fakeFetcher) EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

func (f *fakeFetcher) Stat(path string) (int64, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return info.Size(), true, nil
}

func (f *fakeFetcher) Download(_ context.Context, url, dest string, onProgress fetch.ProgressFunc) error {
	f.mu.Lock()
	f.downloads++
	gate := f.gate
	payload, ok := f.payloads[url]
	failure := f.failures[url]
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if failure != nil {
		return failure
	}
	if !ok {
		return fmt.Errorf("no payload for %s", url)
	}
	if onProgress != nil {
		onProgress(0.5)
	}
	if err := os.WriteFile(dest, payload, 0o644); err != nil {
		return err
	}
	if onProgress != nil {
		onProgress(1.0)
	}
	return nil
}

func (f *fakeFetcher) Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (f *fakeFetcher) List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (f *fakeFetcher) RemoveAll(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

func (f *fakeFetcher) downloadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.downloads
}

func source(id string) catalog.Source {
	return catalog.Source{
		ID:       id,
		Title:    id,
		URI:      "https://example.com/" + id + ".mp3",
		Duration: 60,
		Category: catalog.CategoryNature,
		License:  catalog.LicenseCC0,
	}
}

func newTestStore(t *testing.T, fetcher *fakeFetcher, capacity int64, clk clock.Clock) (*Store, kv.Store) {
	t.Helper()

	store := kv.NewMemory()
	c, err := New(Config{
		Dir:      filepath.Join(t.TempDir(), "audioCache"),
		Capacity: capacity,
		KV:       store,
		Fetcher:  fetcher,
		Clock:    clk,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	c.Initialize(context.Background())
	return c, store
}

func TestStore_IdempotentFill(t *testing.T) {
	fetcher := newFakeFetcher()
	src := source("rain-1")
	fetcher.payloads[src.URI] = []byte("rain audio bytes")

	c, _ := newTestStore(t, fetcher, 0, nil)

	ctx := context.Background()
	first, err := c.Store(ctx, src, nil)
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	second, err := c.Store(ctx, src, nil)
	if err != nil {
		t.Fatalf("second Store failed: %v", err)
	}

	if first != second {
		t.Errorf("paths differ: %q vs %q", first, second)
	}
	if got := fetcher.downloadCount(); got != 1 {
		t.Errorf("expected 1 download, got %d", got)
	}

	stats := c.Stats()
	if stats.Count != 1 {
		t.Errorf("expected 1 entry, got %d", stats.Count)
	}
	files, _ := fetcher.List(filepath.Dir(first))
	if len(files) != 1 {
		t.Errorf("expected 1 file on disk, got %d", len(files))
	}
}

func TestStore_FilenameExtension(t *testing.T) {
	fetcher := newFakeFetcher()
	c, _ := newTestStore(t, fetcher, 0, nil)

	ogg := source("wind-1")
	ogg.URI = "https://example.com/sounds/wind.ogg?session=abc"
	fetcher.payloads[ogg.URI] = []byte("ogg")

	noExt := source("hum-1")
	noExt.URI = "https://example.com/stream/hum"
	fetcher.payloads[noExt.URI] = []byte("hum")

	ctx := context.Background()
	path1, err := c.Store(ctx, ogg, nil)
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if got := filepath.Base(path1); got != "wind-1.ogg" {
		t.Errorf("expected wind-1.ogg, got %s", got)
	}

	path2, err := c.Store(ctx, noExt, nil)
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if got := filepath.Base(path2); got != "hum-1.mp3" {
		t.Errorf("expected mp3 default, got %s", got)
	}
}

func TestLookup_SelfHealing(t *testing.T) {
	fetcher := newFakeFetcher()
	src := source("ocean-1")
	fetcher.payloads[src.URI] = []byte("ocean")

	c, _ := newTestStore(t, fetcher, 0, nil)

	ctx := context.Background()
	path, err := c.Store(ctx, src, nil)
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	// Delete the backing file out-of-band.
	if err := os.Remove(path); err != nil {
		t.Fatalf("could not remove file: %v", err)
	}

	if _, ok := c.Lookup(ctx, src.ID); ok {
		t.Error("expected miss after backing file removed")
	}
	if stats := c.Stats(); stats.Count != 0 {
		t.Errorf("expected entry dropped from stats, got %d", stats.Count)
	}
}

func TestStore_EvictionOrder(t *testing.T) {
	fetcher := newFakeFetcher()
	clk := &clock.Mock{Time: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}

	// 3 entries of 40 bytes each against a 100-byte capacity: the fourth
	// store must evict exactly the oldest.
	c, _ := newTestStore(t, fetcher, 100, clk)

	ctx := context.Background()
	ids := []string{"first", "second", "third"}
	for _, id := range ids {
		src := source(id)
		fetcher.payloads[src.URI] = make([]byte, 40)
		if _, err := c.Store(ctx, src, nil); err != nil {
			t.Fatalf("Store %s failed: %v", id, err)
		}
		clk.Advance(time.Hour)
	}

	newest := source("fourth")
	fetcher.payloads[newest.URI] = make([]byte, 40)
	if _, err := c.Store(ctx, newest, nil); err != nil {
		t.Fatalf("Store fourth failed: %v", err)
	}

	if _, ok := c.Lookup(ctx, "first"); ok {
		t.Error("expected oldest entry evicted")
	}
	for _, id := range []string{"second", "third", "fourth"} {
		if _, ok := c.Lookup(ctx, id); !ok {
			t.Errorf("expected %s still cached", id)
		}
	}
}

func TestStore_CapacityInvariant(t *testing.T) {
	fetcher := newFakeFetcher()
	capacity := int64(100)
	c, _ := newTestStore(t, fetcher, capacity, nil)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		src := source(fmt.Sprintf("s%d", i))
		size := 30 + i*7
		fetcher.payloads[src.URI] = make([]byte, size)
		if _, err := c.Store(ctx, src, nil); err != nil {
			t.Fatalf("Store failed: %v", err)
		}

		// Overshoot is bounded by the file just added, never sustained.
		stats := c.Stats()
		if stats.TotalSize > capacity+int64(size) {
			t.Fatalf("capacity invariant violated: total %d > %d + %d", stats.TotalSize, capacity, size)
		}
	}
}

func TestStore_DownloadFailurePropagates(t *testing.T) {
	fetcher := newFakeFetcher()
	src := source("broken")
	fetcher.failures[src.URI] = fmt.Errorf("network unreachable")

	c, _ := newTestStore(t, fetcher, 0, nil)

	if _, err := c.Store(context.Background(), src, nil); err == nil {
		t.Fatal("expected download failure to propagate")
	}
	if stats := c.Stats(); stats.Count != 0 {
		t.Errorf("expected no entry after failure, got %d", stats.Count)
	}
}

func TestStore_EmptyDownloadRejected(t *testing.T) {
	fetcher := newFakeFetcher()
	src := source("empty")
	fetcher.payloads[src.URI] = nil

	c, _ := newTestStore(t, fetcher, 0, nil)

	if _, err := c.Store(context.Background(), src, nil); err == nil {
		t.Fatal("expected zero-byte download to fail")
	}
}

func TestStore_CoalescesConcurrentFills(t *testing.T) {
	fetcher := newFakeFetcher()
	src := source("shared")
	fetcher.payloads[src.URI] = []byte("shared audio")
	fetcher.gate = make(chan struct{})

	c, _ := newTestStore(t, fetcher, 0, nil)

	ctx := context.Background()
	results := make(chan string, 2)
	for i := 0; i < 2; i++ {
		go func() {
			path, err := c.Store(ctx, src, nil)
			if err != nil {
				t.Errorf("Store failed: %v", err)
			}
			results <- path
		}()
	}

	// Let both callers reach the in-flight download, then release it.
	time.Sleep(50 * time.Millisecond)
	close(fetcher.gate)

	a, b := <-results, <-results
	if a != b {
		t.Errorf("concurrent fills resolved to different paths: %q vs %q", a, b)
	}
	if got := fetcher.downloadCount(); got != 1 {
		t.Errorf("expected coalesced single download, got %d", got)
	}
}

func TestEvict(t *testing.T) {
	fetcher := newFakeFetcher()
	src := source("bye")
	fetcher.payloads[src.URI] = []byte("bye")

	c, _ := newTestStore(t, fetcher, 0, nil)

	ctx := context.Background()
	path, err := c.Store(ctx, src, nil)
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	if err := c.Evict(ctx, src.ID); err != nil {
		t.Fatalf("Evict failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected evicted file removed")
	}

	// Unknown source is a no-op.
	if err := c.Evict(ctx, "never-cached"); err != nil {
		t.Errorf("Evict of unknown source failed: %v", err)
	}
}

func TestClear(t *testing.T) {
	fetcher := newFakeFetcher()
	c, _ := newTestStore(t, fetcher, 0, nil)

	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		src := source(id)
		fetcher.payloads[src.URI] = []byte(id)
		if _, err := c.Store(ctx, src, nil); err != nil {
			t.Fatalf("Store failed: %v", err)
		}
	}

	if err := c.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	stats := c.Stats()
	if stats.Count != 0 || stats.TotalSize != 0 {
		t.Errorf("expected empty cache, got count=%d size=%d", stats.Count, stats.TotalSize)
	}
}

func TestInitialize_OrphanSweep(t *testing.T) {
	fetcher := newFakeFetcher()
	store := kv.NewMemory()
	dir := filepath.Join(t.TempDir(), "audioCache")

	c, err := New(Config{Dir: dir, KV: store, Fetcher: fetcher})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx := context.Background()
	src := source("keeper")
	fetcher.payloads[src.URI] = []byte("keep me")
	c.Initialize(ctx)
	if _, err := c.Store(ctx, src, nil); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	// Drop stray files next to the cached one.
	orphan := filepath.Join(dir, "stray.mp3")
	if err := os.WriteFile(orphan, []byte("junk"), 0o644); err != nil {
		t.Fatal(err)
	}
	partial := filepath.Join(dir, "stray.mp3.part")
	if err := os.WriteFile(partial, []byte("junk"), 0o644); err != nil {
		t.Fatal(err)
	}

	// A fresh store over the same kv and directory sweeps the orphans.
	c2, err := New(Config{Dir: dir, KV: store, Fetcher: fetcher})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	c2.Initialize(ctx)

	for _, p := range []string{orphan, partial} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("expected orphan %s removed", filepath.Base(p))
		}
	}
	if _, ok := c2.Lookup(ctx, src.ID); !ok {
		t.Error("expected indexed file to survive the sweep")
	}
}

func TestIndex_RoundTripsAcrossInstances(t *testing.T) {
	fetcher := newFakeFetcher()
	store := kv.NewMemory()
	dir := filepath.Join(t.TempDir(), "audioCache")

	ctx := context.Background()
	src := source("persist")
	fetcher.payloads[src.URI] = []byte("persisted")

	c, err := New(Config{Dir: dir, KV: store, Fetcher: fetcher})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	c.Initialize(ctx)
	path, err := c.Store(ctx, src, nil)
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	c2, err := New(Config{Dir: dir, KV: store, Fetcher: fetcher})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	c2.Initialize(ctx)

	got, ok := c2.Lookup(ctx, src.ID)
	if !ok {
		t.Fatal("expected hit after reload")
	}
	if got != path {
		t.Errorf("path changed across reload: %q vs %q", got, path)
	}
}

func TestPreload_FailuresAreNotPropagated(t *testing.T) {
	fetcher := newFakeFetcher()
	good := source("good")
	bad := source("bad")
	fetcher.payloads[good.URI] = []byte("good bytes")
	fetcher.failures[bad.URI] = fmt.Errorf("server melted")

	c, _ := newTestStore(t, fetcher, 0, nil)

	ctx := context.Background()
	c.Preload(ctx, []catalog.Source{good, bad})

	if _, ok := c.Lookup(ctx, good.ID); !ok {
		t.Error("expected good source cached despite sibling failure")
	}
	if _, ok := c.Lookup(ctx, bad.ID); ok {
		t.Error("expected bad source absent")
	}
}

func TestStats(t *testing.T) {
	fetcher := newFakeFetcher()
	c, _ := newTestStore(t, fetcher, 1000, nil)

	ctx := context.Background()
	src := source("one")
	fetcher.payloads[src.URI] = make([]byte, 250)
	if _, err := c.Store(ctx, src, nil); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	stats := c.Stats()
	if stats.TotalSize != 250 {
		t.Errorf("TotalSize = %d, want 250", stats.TotalSize)
	}
	if stats.Capacity != 1000 {
		t.Errorf("Capacity = %d, want 1000", stats.Capacity)
	}
	if stats.UsageFraction != 0.25 {
		t.Errorf("UsageFraction = %f, want 0.25", stats.UsageFraction)
	}
	if len(stats.Entries) != 1 || stats.Entries[0].SourceID != "one" {
		t.Errorf("unexpected entries: %+v", stats.Entries)
	}
}

func TestStore_ProgressForwarded(t *testing.T) {
	fetcher := newFakeFetcher()
	src := source("progress")
	fetcher.payloads[src.URI] = []byte("data")

	c, _ := newTestStore(t, fetcher, 0, nil)

	var fractions []float64
	_, err := c.Store(context.Background(), src, func(f float64) {
		fractions = append(fractions, f)
	})
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if len(fractions) == 0 || fractions[len(fractions)-1] != 1.0 {
		t.Errorf("expected progress ending at 1.0, got %v", fractions)
	}
}
