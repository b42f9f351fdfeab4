// Package player owns the single active playback handle. It resolves a
// track to a cached file or the remote stream, drives playback control,
// and records a listening session when playback ends.
package player

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/quietwave/quietwave/internal/audio"
	"github.com/quietwave/quietwave/internal/cache"
	"github.com/quietwave/quietwave/internal/catalog"
	"github.com/quietwave/quietwave/internal/clock"
	"github.com/quietwave/quietwave/internal/progress"
)

// State is the coordinator's playback state.
type State int

const (
	StateIdle State = iota
	StateLoading
	StatePlaying
	StatePaused
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// ErrorFunc receives classified playback errors. Playback is asynchronous,
// so failures are delivered here rather than returned from every call.
type ErrorFunc func(*Error)

// Config configures a Coordinator.
type Config struct {
	Engine  audio.Engine
	Cache   *cache.Store
	Tracker *progress.Tracker
	Logger  *log.Logger
	Clock   clock.Clock
}

// Coordinator is the single point of control for what is currently
// audible. It holds at most one handle; loading a new track tears down the
// previous handle first, which is the sole mutual-exclusion mechanism for
// the audio device.
type Coordinator struct {
	engine  audio.Engine
	cache   *cache.Store
	tracker *progress.Tracker
	logger  *log.Logger
	clock   clock.Clock

	mu            sync.Mutex
	handle        audio.Handle
	track         *catalog.Source
	state         State
	sessionStart  time.Time
	sessionActive bool
	onStatus      audio.StatusFunc
	onError       ErrorFunc
}

// New creates an idle coordinator.
func New(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Coordinator{
		engine:  cfg.Engine,
		cache:   cfg.Cache,
		tracker: cfg.Tracker,
		logger:  cfg.Logger,
		clock:   cfg.Clock,
		state:   StateIdle,
	}
}

// LoadAndPlayTrack resolves track to a playable source and starts playback.
// A cache hit plays the local file; a miss streams the remote URI directly
// and fires a detached cache fill for next time — a miss is never an error
// and the background fill cannot affect this playback.
//
// Returns false after invoking onError with a classified error if the
// handle could not be created. onStatus and onError may be nil.
func (c *Coordinator) LoadAndPlayTrack(ctx context.Context, track catalog.Source, onStatus audio.StatusFunc, onError ErrorFunc) bool {
	uri := track.URI
	if localPath, ok := c.cache.Lookup(ctx, track.ID); ok {
		uri = localPath
		c.logger.Debug("Playing cached audio", "track", track.ID)
	} else if !track.Local {
		c.logger.Debug("Streaming audio", "track", track.ID)
		// Warm the cache for the next play. Detached: its lifetime and its
		// failures are independent of this playback.
		go func(src catalog.Source) {
			if _, err := c.cache.Store(context.WithoutCancel(ctx), src, nil); err != nil {
				c.logger.Debug("Background cache fill failed", "track", src.ID, "err", err)
			}
		}(track)
	}
	return c.load(ctx, track, uri, onStatus, onError)
}

// LoadAndStreamTrack plays track's remote URI directly, bypassing the cache
// in both directions: no lookup and no background fill.
func (c *Coordinator) LoadAndStreamTrack(ctx context.Context, track catalog.Source, onStatus audio.StatusFunc, onError ErrorFunc) bool {
	return c.load(ctx, track, track.URI, onStatus, onError)
}

func (c *Coordinator) load(ctx context.Context, track catalog.Source, uri string, onStatus audio.StatusFunc, onError ErrorFunc) bool {
	c.mu.Lock()
	if c.handle != nil {
		if err := c.handle.Unload(); err != nil {
			c.logger.Warn("Could not release previous handle", "err", err)
		}
		c.handle = nil
	}
	c.state = StateLoading
	c.track = nil
	c.sessionActive = false
	c.onStatus = onStatus
	c.onError = onError
	c.mu.Unlock()

	handle, err := c.engine.NewHandle(ctx, uri, true, c.handleStatus)
	if err != nil {
		c.mu.Lock()
		c.state = StateIdle
		c.mu.Unlock()

		perr := Classify(err)
		c.logger.Error("Could not load track", "track", track.ID, "kind", perr.Kind, "err", err)
		if onError != nil {
			onError(perr)
		}
		return false
	}

	c.mu.Lock()
	c.handle = handle
	c.track = &track
	c.state = StatePlaying
	c.sessionStart = c.clock.Now()
	c.sessionActive = true
	c.mu.Unlock()
	return true
}

// handleStatus forwards engine status to the registered callback and
// finalizes the session on natural completion.
func (c *Coordinator) handleStatus(st audio.Status) {
	c.mu.Lock()
	fn := c.onStatus
	c.mu.Unlock()

	if fn != nil {
		fn(st)
	}

	if st.IsLoaded && st.DidJustFinish {
		c.finalizeSession()
		c.mu.Lock()
		c.state = StateIdle
		c.mu.Unlock()
	}
}

// Play resumes a paused track. No-op without a loaded handle.
func (c *Coordinator) Play() {
	c.mu.Lock()
	handle := c.handle
	if handle != nil && !c.sessionActive {
		c.sessionStart = c.clock.Now()
		c.sessionActive = true
	}
	c.mu.Unlock()

	if handle == nil {
		return
	}
	if err := handle.Play(); err != nil {
		c.surface(playbackError("could not resume playback", err))
		return
	}

	c.mu.Lock()
	c.state = StatePlaying
	c.mu.Unlock()
}

// Pause suspends playback at the current position. No-op without a handle.
func (c *Coordinator) Pause() {
	c.mu.Lock()
	handle := c.handle
	c.mu.Unlock()

	if handle == nil {
		return
	}
	if err := handle.Pause(); err != nil {
		c.surface(playbackError("could not pause playback", err))
		return
	}

	c.mu.Lock()
	c.state = StatePaused
	c.mu.Unlock()
}

// Stop halts playback and finalizes the session. The handle's resources
// are kept for Cleanup.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	handle := c.handle
	c.mu.Unlock()

	if handle == nil {
		return
	}
	if err := handle.Stop(); err != nil {
		c.surface(playbackError("could not stop playback", err))
	}

	c.finalizeSession()

	c.mu.Lock()
	c.state = StateIdle
	c.mu.Unlock()
}

// SetPosition seeks to ms, clamped to [0, duration].
func (c *Coordinator) SetPosition(ms int64) {
	c.mu.Lock()
	handle := c.handle
	c.mu.Unlock()

	if handle == nil {
		return
	}
	if ms < 0 {
		ms = 0
	}
	if d := handle.Status().DurationMillis; d > 0 && ms > d {
		ms = d
	}
	if err := handle.SetPosition(ms); err != nil {
		c.surface(playbackError("could not seek", err))
	}
}

// SetVolume sets the volume; values outside [0,1] are rejected as a
// playback error.
func (c *Coordinator) SetVolume(v float64) {
	c.mu.Lock()
	handle := c.handle
	c.mu.Unlock()

	if handle == nil {
		return
	}
	if v < 0 || v > 1 {
		c.surface(playbackError(fmt.Sprintf("volume %v out of range [0,1]", v), nil))
		return
	}
	if err := handle.SetVolume(v); err != nil {
		c.surface(playbackError("could not set volume", err))
	}
}

// Cleanup unconditionally releases the handle and resets to Idle. Safe to
// call with nothing loaded.
func (c *Coordinator) Cleanup() {
	c.mu.Lock()
	handle := c.handle
	c.handle = nil
	c.track = nil
	c.state = StateIdle
	c.sessionActive = false
	c.onStatus = nil
	c.onError = nil
	c.mu.Unlock()

	if handle != nil {
		if err := handle.Unload(); err != nil {
			c.logger.Warn("Could not unload handle", "err", err)
		}
	}
}

// State returns the coordinator's current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsPlaying reports whether audio is actively advancing.
func (c *Coordinator) IsPlaying() bool {
	return c.State() == StatePlaying
}

// CurrentTrack returns the loaded track, if any.
func (c *Coordinator) CurrentTrack() (catalog.Source, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.track == nil {
		return catalog.Source{}, false
	}
	return *c.track, true
}

// Status polls the loaded handle. Without a handle it returns the zero
// status (not loaded).
func (c *Coordinator) Status() audio.Status {
	c.mu.Lock()
	handle := c.handle
	c.mu.Unlock()

	if handle == nil {
		return audio.Status{}
	}
	return handle.Status()
}

// finalizeSession records the elapsed session, if one is open and any time
// actually elapsed. History and stats writes are best effort: a failure is
// logged and never rolls back playback state.
func (c *Coordinator) finalizeSession() {
	c.mu.Lock()
	if !c.sessionActive || c.track == nil {
		c.mu.Unlock()
		return
	}
	track := *c.track
	elapsed := int(c.clock.Now().Sub(c.sessionStart).Seconds())
	c.sessionActive = false
	c.mu.Unlock()

	if elapsed <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.tracker.RecordSession(ctx, track.ID, track.Title, elapsed); err != nil {
		c.logger.Warn("Could not record session", "track", track.ID, "err", err)
	}
}

// surface delivers a playback error to the registered callback, or logs it
// when none is registered.
func (c *Coordinator) surface(err *Error) {
	c.mu.Lock()
	fn := c.onError
	c.mu.Unlock()

	if fn != nil {
		fn(err)
		return
	}
	c.logger.Error("Playback error", "kind", err.Kind, "err", err.Cause)
}
