package catalog

import (
	"context"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	"github.com/sahilm/fuzzy"
)

// Provider serves read-only catalog lookups over the current manifest.
// The manifest can be swapped atomically, which Watch uses for hot reload.
type Provider struct {
	mu       sync.RWMutex
	manifest *Manifest
	path     string // empty for the embedded library
	logger   *log.Logger
}

// NewProvider creates a provider over the given manifest. A nil manifest
// falls back to the embedded library.
func NewProvider(m *Manifest, logger *log.Logger) *Provider {
	if m == nil {
		m = Default()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Provider{manifest: m, logger: logger}
}

// NewFileProvider loads the manifest at path and remembers the path so
// Watch can reload it.
func NewFileProvider(path string, logger *log.Logger) (*Provider, error) {
	m, err := Load(path)
	if err != nil {
		return nil, err
	}
	p := NewProvider(m, logger)
	p.path = path
	return p, nil
}

// Get returns the source with the given id.
func (p *Provider) Get(id string) (Source, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, s := range p.manifest.Sources {
		if s.ID == id {
			return s, true
		}
	}
	return Source{}, false
}

// All returns every source in manifest order.
func (p *Provider) All() []Source {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Source, len(p.manifest.Sources))
	copy(out, p.manifest.Sources)
	return out
}

// ByCategory returns sources in the given category, in manifest order.
func (p *Provider) ByCategory(c Category) []Source {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []Source
	for _, s := range p.manifest.Sources {
		if s.Category == c {
			out = append(out, s)
		}
	}
	return out
}

// Search fuzzy-matches the query against title, artist and tags, returning
// sources ordered best match first. An empty query returns everything.
func (p *Provider) Search(query string) []Source {
	if strings.TrimSpace(query) == "" {
		return p.All()
	}

	p.mu.RLock()
	sources := make([]Source, len(p.manifest.Sources))
	copy(sources, p.manifest.Sources)
	p.mu.RUnlock()

	haystack := make([]string, len(sources))
	for i, s := range sources {
		haystack[i] = s.matchText()
	}

	// fuzzy.Find returns matches ranked best first.
	matches := fuzzy.Find(strings.ToLower(query), haystack)

	out := make([]Source, 0, len(matches))
	for _, m := range matches {
		out = append(out, sources[m.Index])
	}
	return out
}

// Len returns the number of sources.
func (p *Provider) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.manifest.Sources)
}

// Watch reloads the manifest file whenever it changes on disk, until ctx is
// done. A manifest that fails to parse leaves the previous one in place.
// Watch is a no-op for the embedded library.
func (p *Provider) Watch(ctx context.Context) error {
	if p.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := watcher.Add(p.path); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				m, err := Load(p.path)
				if err != nil {
					p.logger.Warn("Manifest reload failed, keeping previous", "path", p.path, "err", err)
					continue
				}
				p.mu.Lock()
				p.manifest = m
				p.mu.Unlock()
				p.logger.Debug("Manifest reloaded", "path", p.path, "sources", len(m.Sources))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				p.logger.Warn("Manifest watcher error", "err", err)
			}
		}
	}()

	return nil
}
