package audio

import (
	"context"
	"errors"
	"sync"
)

// MockEngine implements Engine for tests. It simulates playback without an
// audio device and lets tests script failures and drive status callbacks.
type MockEngine struct {
	mu sync.Mutex

	// CreateErr, when set, is returned from every NewHandle call. Tests use
	// its message to exercise error classification.
	CreateErr error

	// OpErr, when set, is returned from control operations on created
	// handles (Play/Pause/SetPosition/SetVolume).
	OpErr error

	handles []*MockHandle
}

// NewMockEngine returns an empty mock engine.
func NewMockEngine() *MockEngine {
	return &MockEngine{}
}

// NewHandle creates a mock handle, or fails with CreateErr.
func (e *MockEngine) NewHandle(_ context.Context, uri string, autoplay bool, fn StatusFunc) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.CreateErr != nil {
		return nil, e.CreateErr
	}

	h := &MockHandle{
		URI:            uri,
		engine:         e,
		fn:             fn,
		loaded:         true,
		playing:        autoplay,
		durationMillis: 60_000,
		volume:         1.0,
	}
	e.handles = append(e.handles, h)
	return h, nil
}

// Handles returns every handle created so far.
func (e *MockEngine) Handles() []*MockHandle {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*MockHandle, len(e.handles))
	copy(out, e.handles)
	return out
}

// LastHandle returns the most recently created handle, or nil.
func (e *MockEngine) LastHandle() *MockHandle {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.handles) == 0 {
		return nil
	}
	return e.handles[len(e.handles)-1]
}

// MockHandle is a scriptable Handle recording every control call.
type MockHandle struct {
	URI string

	engine *MockEngine
	fn     StatusFunc

	mu             sync.Mutex
	loaded         bool
	playing        bool
	positionMillis int64
	durationMillis int64
	volume         float64

	PlayCalls   int
	PauseCalls  int
	StopCalls   int
	UnloadCalls int
}

func (h *MockHandle) opErr() error {
	h.engine.mu.Lock()
	defer h.engine.mu.Unlock()
	return h.engine.OpErr
}

// Play resumes playback.
func (h *MockHandle) Play() error {
	if err := h.opErr(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.loaded {
		return errors.New("handle unloaded")
	}
	h.PlayCalls++
	h.playing = true
	return nil
}

// Pause suspends playback.
func (h *MockHandle) Pause() error {
	if err := h.opErr(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.PauseCalls++
	h.playing = false
	return nil
}

// Stop halts playback.
func (h *MockHandle) Stop() error {
	if err := h.opErr(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.StopCalls++
	h.playing = false
	return nil
}

// SetPosition records a seek.
func (h *MockHandle) SetPosition(ms int64) error {
	if err := h.opErr(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.positionMillis = ms
	return nil
}

// SetVolume records the volume.
func (h *MockHandle) SetVolume(v float64) error {
	if err := h.opErr(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.volume = v
	return nil
}

// Volume returns the last volume set.
func (h *MockHandle) Volume() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.volume
}

// Status returns the current snapshot.
func (h *MockHandle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()

	return Status{
		IsLoaded:       h.loaded,
		IsPlaying:      h.playing,
		PositionMillis: h.positionMillis,
		DurationMillis: h.durationMillis,
	}
}

// Unload releases the handle.
func (h *MockHandle) Unload() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.UnloadCalls++
	h.loaded = false
	h.playing = false
	return nil
}

// Finish simulates natural end-of-track: position jumps to the duration and
// a final DidJustFinish status is delivered to the callback.
func (h *MockHandle) Finish() {
	h.mu.Lock()
	h.playing = false
	h.positionMillis = h.durationMillis
	st := Status{
		IsLoaded:       h.loaded,
		IsPlaying:      false,
		PositionMillis: h.positionMillis,
		DurationMillis: h.durationMillis,
		DidJustFinish:  true,
	}
	fn := h.fn
	h.mu.Unlock()

	if fn != nil {
		fn(st)
	}
}

// Emit delivers an arbitrary status to the callback.
func (h *MockHandle) Emit(st Status) {
	h.mu.Lock()
	fn := h.fn
	h.mu.Unlock()

	if fn != nil {
		fn(st)
	}
}
