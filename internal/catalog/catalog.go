// Package catalog holds the library of playable audio sources. Sources are
// described by a YAML manifest; a built-in manifest of openly licensed
// recordings is embedded so the application works with no configuration.
package catalog

import (
	"fmt"
	"net/url"
	"strings"
)

// Category classifies a source for browsing.
type Category string

const (
	CategoryNature     Category = "nature"
	CategoryBinaural   Category = "binaural"
	CategoryMeditation Category = "meditation"
	CategoryAmbient    Category = "ambient"
	CategoryWhiteNoise Category = "white_noise"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryNature, CategoryBinaural, CategoryMeditation, CategoryAmbient, CategoryWhiteNoise:
		return true
	}
	return false
}

// License identifies the usage terms of a source.
type License string

const (
	LicenseCC0          License = "CC0"
	LicenseCCBY         License = "CC-BY"
	LicenseCCBYSA       License = "CC-BY-SA"
	LicenseCCBYNC       License = "CC-BY-NC"
	LicensePublicDomain License = "public_domain"
)

// Valid reports whether l is a known license tag.
func (l License) Valid() bool {
	switch l {
	case LicenseCC0, LicenseCCBY, LicenseCCBYSA, LicenseCCBYNC, LicensePublicDomain:
		return true
	}
	return false
}

// Source describes one playable remote audio asset. Sources are immutable;
// the catalog owns them and hands out values, never pointers into its state.
type Source struct {
	ID          string   `yaml:"id"`
	Title       string   `yaml:"title"`
	Artist      string   `yaml:"artist"`
	URI         string   `yaml:"uri"`
	Duration    int      `yaml:"duration"` // seconds
	Category    Category `yaml:"category"`
	License     License  `yaml:"license"`
	Attribution string   `yaml:"attribution,omitempty"`
	FileSize    int64    `yaml:"file_size,omitempty"` // bytes, advisory
	Local       bool     `yaml:"local,omitempty"`     // bundled with the app
	Tags        []string `yaml:"tags,omitempty"`
}

// Manifest is a versioned collection of sources.
type Manifest struct {
	Version     string   `yaml:"version"`
	LastUpdated string   `yaml:"last_updated"`
	Sources     []Source `yaml:"sources"`
}

// Validate checks manifest invariants: unique non-empty IDs, known category
// and license tags, http(s) URIs for remote sources, positive durations.
func (m *Manifest) Validate() error {
	seen := make(map[string]struct{}, len(m.Sources))
	for i, s := range m.Sources {
		if s.ID == "" {
			return fmt.Errorf("source %d: empty id", i)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("source %q: duplicate id", s.ID)
		}
		seen[s.ID] = struct{}{}

		if s.Title == "" {
			return fmt.Errorf("source %q: empty title", s.ID)
		}
		if !s.Category.Valid() {
			return fmt.Errorf("source %q: unknown category %q", s.ID, s.Category)
		}
		if !s.License.Valid() {
			return fmt.Errorf("source %q: unknown license %q", s.ID, s.License)
		}
		if s.Duration <= 0 {
			return fmt.Errorf("source %q: non-positive duration %d", s.ID, s.Duration)
		}
		if !s.Local {
			u, err := url.Parse(s.URI)
			if err != nil {
				return fmt.Errorf("source %q: invalid uri: %w", s.ID, err)
			}
			if u.Scheme != "http" && u.Scheme != "https" {
				return fmt.Errorf("source %q: unsupported uri scheme %q", s.ID, u.Scheme)
			}
		}
	}
	return nil
}

// matchText builds the string a fuzzy query is matched against.
func (s Source) matchText() string {
	parts := []string{s.Title, s.Artist}
	parts = append(parts, s.Tags...)
	return strings.ToLower(strings.Join(parts, " "))
}
