// Package fetch provides the bulk file store the audio cache is built on:
// directory management, file stat, idempotent deletes and a resumable
// HTTP download with progress reporting.
package fetch

import "context"

// ProgressFunc receives download progress as a fraction in [0,1]. When the
// total size is unknown the callback is not invoked until completion.
type ProgressFunc func(fraction float64)

// Fetcher is the file-store surface the cache consumes. Implementations
// must make Remove idempotent (removing a missing path is a no-op).
type Fetcher interface {
	// EnsureDir creates dir (and parents) if absent.
	EnsureDir(dir string) error

	// Stat returns the size of the file at path, or exists=false.
	Stat(path string) (size int64, exists bool, err error)

	// Download fetches url into dest, resuming a previous partial transfer
	// when possible. onProgress may be nil.
	Download(ctx context.Context, url, dest string, onProgress ProgressFunc) error

	// Remove deletes the file at path, tolerating its absence.
	Remove(path string) error

	// List returns the names of regular files directly under dir.
	List(dir string) ([]string, error)

	// RemoveAll deletes dir recursively and recreates it empty.
	RemoveAll(dir string) error
}
