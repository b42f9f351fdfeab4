package catalog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefault(t *testing.T) {
	m := Default()

	if len(m.Sources) == 0 {
		t.Fatal("embedded library is empty")
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("embedded library invalid: %v", err)
	}
}

func validSource() Source {
	return Source{
		ID:       "test-1",
		Title:    "Test Track",
		URI:      "https://example.com/test.mp3",
		Duration: 60,
		Category: CategoryNature,
		License:  LicenseCC0,
	}
}

func TestManifestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Source)
		wantErr string
	}{
		{"empty id", func(s *Source) { s.ID = "" }, "empty id"},
		{"empty title", func(s *Source) { s.Title = "" }, "empty title"},
		{"bad category", func(s *Source) { s.Category = "jazz" }, "unknown category"},
		{"bad license", func(s *Source) { s.License = "WTFPL" }, "unknown license"},
		{"zero duration", func(s *Source) { s.Duration = 0 }, "non-positive duration"},
		{"bad scheme", func(s *Source) { s.URI = "ftp://example.com/a.mp3" }, "unsupported uri scheme"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := validSource()
			tc.mutate(&s)
			m := &Manifest{Sources: []Source{s}}

			err := m.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestManifestValidate_DuplicateID(t *testing.T) {
	m := &Manifest{Sources: []Source{validSource(), validSource()}}
	if err := m.Validate(); err == nil || !strings.Contains(err.Error(), "duplicate id") {
		t.Errorf("expected duplicate id error, got %v", err)
	}
}

func TestManifestValidate_LocalSkipsURICheck(t *testing.T) {
	s := validSource()
	s.Local = true
	s.URI = "/usr/share/quietwave/bundled.mp3"

	m := &Manifest{Sources: []Source{s}}
	if err := m.Validate(); err != nil {
		t.Errorf("local source should skip URI scheme check: %v", err)
	}
}

func TestParse_RejectsBadYAML(t *testing.T) {
	if _, err := Parse([]byte("sources: [not a mapping")); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "library.yml")
	data := `
version: "1.0"
sources:
  - id: custom-1
    title: Custom Track
    uri: https://example.com/custom.mp3
    duration: 120
    category: ambient
    license: CC-BY
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(m.Sources) != 1 || m.Sources[0].ID != "custom-1" {
		t.Errorf("unexpected manifest: %+v", m)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "nope.yml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestProviderGet(t *testing.T) {
	p := NewProvider(nil, nil)

	s, ok := p.Get("rain-1")
	if !ok {
		t.Fatal("expected rain-1 in embedded library")
	}
	if s.Title != "Gentle Rain" {
		t.Errorf("Title = %q", s.Title)
	}

	if _, ok := p.Get("no-such-source"); ok {
		t.Error("expected miss for unknown id")
	}
}

func TestProviderByCategory(t *testing.T) {
	p := NewProvider(nil, nil)

	nature := p.ByCategory(CategoryNature)
	if len(nature) == 0 {
		t.Fatal("expected nature sources")
	}
	for _, s := range nature {
		if s.Category != CategoryNature {
			t.Errorf("source %s has category %s", s.ID, s.Category)
		}
	}

	if got := p.ByCategory(Category("nope")); len(got) != 0 {
		t.Errorf("expected no sources for unknown category, got %d", len(got))
	}
}

func TestProviderSearch(t *testing.T) {
	p := NewProvider(nil, nil)

	got := p.Search("ocean")
	if len(got) == 0 {
		t.Fatal("expected matches for ocean")
	}
	if got[0].ID != "ocean-waves-1" {
		t.Errorf("best match = %s, want ocean-waves-1", got[0].ID)
	}

	// Query matching a tag, not the title.
	got = p.Search("binaural")
	found := false
	for _, s := range got {
		if s.ID == "binaural-theta-1" {
			found = true
		}
	}
	if !found {
		t.Error("expected tag match for binaural")
	}

	// Case-insensitive.
	if len(p.Search("OCEAN")) == 0 {
		t.Error("expected case-insensitive match")
	}

	// Empty query returns everything.
	if got := p.Search("  "); len(got) != p.Len() {
		t.Errorf("empty query returned %d of %d", len(got), p.Len())
	}
}

func TestFileProviderAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "library.yml")
	write := func(title string) {
		t.Helper()
		data := `
version: "1.0"
sources:
  - id: only-1
    title: ` + title + `
    uri: https://example.com/only.mp3
    duration: 60
    category: nature
    license: CC0
`
		if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("Before")

	p, err := NewFileProvider(path, nil)
	if err != nil {
		t.Fatalf("NewFileProvider failed: %v", err)
	}
	if s, _ := p.Get("only-1"); s.Title != "Before" {
		t.Fatalf("Title = %q", s.Title)
	}
}
