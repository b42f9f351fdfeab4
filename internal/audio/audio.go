// Package audio defines the playback engine abstraction and provides two
// implementations: a production engine built on oto/v3 with mp3 decoding,
// and a scriptable mock for tests.
package audio

import "context"

// Status is a snapshot of a handle's playback state, delivered to the
// status callback and returned from polling.
type Status struct {
	IsLoaded       bool
	IsPlaying      bool
	PositionMillis int64
	DurationMillis int64 // -1 when unknown (e.g. live streaming)
	DidJustFinish  bool
	Err            error
}

// StatusFunc receives playback status updates. At most one callback is
// registered per handle, at creation time.
type StatusFunc func(Status)

// Engine creates playback handles. Implementations are safe for use from
// multiple goroutines, but callers are expected to hold at most one live
// handle (single active player).
type Engine interface {
	// NewHandle loads uri (a local path or an http(s) URL) and returns a
	// handle, optionally starting playback immediately. fn may be nil.
	NewHandle(ctx context.Context, uri string, autoplay bool, fn StatusFunc) (Handle, error)
}

// Handle controls one loaded sound.
type Handle interface {
	Play() error
	Pause() error
	Stop() error

	// SetPosition seeks to the given offset. Streaming handles without a
	// seekable source return an error.
	SetPosition(ms int64) error

	// SetVolume sets the playback volume in [0,1].
	SetVolume(v float64) error

	// Status returns the current playback snapshot.
	Status() Status

	// Unload stops playback and releases the handle's resources. It is
	// safe to call more than once.
	Unload() error
}
