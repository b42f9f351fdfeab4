package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ebitengine/oto/v3"
	"github.com/hajimehoshi/go-mp3"
)

// statusInterval is how often an active handle pushes status updates.
const statusInterval = 500 * time.Millisecond

// OtoEngine is the production Engine: mp3 decoding via go-mp3 feeding an
// oto/v3 context. The oto context is created for the first handle's sample
// rate and reused for its lifetime; the device cannot be reconfigured, so
// later handles must decode at the same rate.
type OtoEngine struct {
	client *http.Client
	logger *log.Logger

	mu         sync.Mutex
	otoCtx     *oto.Context
	sampleRate int
}

// NewOtoEngine returns an engine using the given HTTP client for streaming
// sources, or http.DefaultClient when nil.
func NewOtoEngine(client *http.Client, logger *log.Logger) *OtoEngine {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = log.Default()
	}
	return &OtoEngine{client: client, logger: logger}
}

// NewHandle loads uri and returns a playback handle.
func (e *OtoEngine) NewHandle(ctx context.Context, uri string, autoplay bool, fn StatusFunc) (Handle, error) {
	src, err := e.openSource(ctx, uri)
	if err != nil {
		return nil, err
	}

	decoder, err := mp3.NewDecoder(src)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("decode %s: %w", uri, err)
	}

	otoCtx, err := e.contextFor(decoder.SampleRate())
	if err != nil {
		src.Close()
		return nil, err
	}

	// go-mp3 always emits 16-bit stereo, so 4 bytes per sample frame.
	bytesPerSecond := int64(decoder.SampleRate()) * 4
	durationMillis := int64(-1)
	if n := decoder.Length(); n > 0 {
		durationMillis = n * 1000 / bytesPerSecond
	}

	_, seekable := src.(io.Seeker)

	h := &otoHandle{
		player:         otoCtx.NewPlayer(decoder),
		source:         src,
		fn:             fn,
		bytesPerSecond: bytesPerSecond,
		durationMillis: durationMillis,
		seekable:       seekable,
		done:           make(chan struct{}),
	}

	if autoplay {
		if err := h.Play(); err != nil {
			h.Unload()
			return nil, err
		}
	}

	go h.statusLoop()
	return h, nil
}

// openSource opens a local file or an HTTP stream.
func (e *OtoEngine) openSource(ctx context.Context, uri string) (io.ReadCloser, error) {
	if strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
		if err != nil {
			return nil, fmt.Errorf("open stream: %w", err)
		}
		resp, err := e.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("open stream %s: %w", uri, err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("open stream %s: HTTP status %d", uri, resp.StatusCode)
		}
		return resp.Body, nil
	}

	file, err := os.Open(uri)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	return file, nil
}

// contextFor returns the shared oto context, creating it on first use.
func (e *OtoEngine) contextFor(sampleRate int) (*oto.Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.otoCtx != nil {
		if e.sampleRate != sampleRate {
			return nil, fmt.Errorf("audio device is configured for %d Hz, source is %d Hz", e.sampleRate, sampleRate)
		}
		return e.otoCtx, nil
	}

	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 2,
		Format:       oto.FormatSignedInt16LE,
	})
	if err != nil {
		return nil, fmt.Errorf("open audio device: %w", err)
	}
	<-ready

	e.otoCtx = otoCtx
	e.sampleRate = sampleRate
	e.logger.Debug("Audio device ready", "sample_rate", sampleRate)
	return otoCtx, nil
}

// otoHandle is one loaded sound. Position is tracked from the wall clock
// minus time spent paused, clamped to the known duration.
type otoHandle struct {
	player         *oto.Player
	source         io.Closer
	fn             StatusFunc
	bytesPerSecond int64
	durationMillis int64
	seekable       bool

	mu         sync.Mutex
	started    bool
	playing    bool
	finished   bool
	startTime  time.Time
	pausedAt   time.Duration
	totalPause time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

// Play starts or resumes playback.
func (h *otoHandle) Play() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.finished {
		return errors.New("playback already finished")
	}
	if h.playing {
		return nil
	}

	now := time.Now()
	if !h.started {
		h.started = true
		h.startTime = now
	} else {
		// Account for the pause we are returning from.
		h.totalPause += now.Sub(h.startTime.Add(h.pausedAt + h.totalPause))
	}

	h.player.Play()
	h.playing = true
	return nil
}

// Pause suspends playback, retaining the position.
func (h *otoHandle) Pause() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.playing {
		return nil
	}
	h.player.Pause()
	h.pausedAt = h.positionLocked()
	h.playing = false
	return nil
}

// Stop halts playback without releasing resources.
func (h *otoHandle) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.playing {
		h.player.Pause()
		h.pausedAt = h.positionLocked()
		h.playing = false
	}
	return nil
}

// SetPosition seeks to the given offset. Only seekable (local) sources
// support this.
func (h *otoHandle) SetPosition(ms int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.seekable {
		return errors.New("cannot seek while streaming")
	}
	if ms < 0 {
		ms = 0
	}
	if h.durationMillis > 0 && ms > h.durationMillis {
		ms = h.durationMillis
	}

	// oto buffers in whole sample frames; keep the byte offset aligned.
	offset := ms * h.bytesPerSecond / 1000
	offset -= offset % 4
	if _, err := h.player.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek: %w", err)
	}

	// Rebase the clock so position tracking matches the new offset.
	pos := time.Duration(ms) * time.Millisecond
	now := time.Now()
	h.startTime = now.Add(-pos)
	h.totalPause = 0
	h.pausedAt = pos
	return nil
}

// SetVolume sets the playback volume in [0,1].
func (h *otoHandle) SetVolume(v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("volume must be between 0.0 and 1.0, got %f", v)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.player.SetVolume(v)
	return nil
}

// Status returns the current playback snapshot.
func (h *otoHandle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.statusLocked(false)
}

func (h *otoHandle) statusLocked(finished bool) Status {
	return Status{
		IsLoaded:       true,
		IsPlaying:      h.playing,
		PositionMillis: h.positionLocked().Milliseconds(),
		DurationMillis: h.durationMillis,
		DidJustFinish:  finished,
	}
}

// positionLocked derives the playback position from the wall clock.
func (h *otoHandle) positionLocked() time.Duration {
	if !h.started {
		return 0
	}
	if !h.playing {
		return h.pausedAt
	}
	pos := time.Since(h.startTime) - h.totalPause
	if limit := time.Duration(h.durationMillis) * time.Millisecond; h.durationMillis > 0 && pos > limit {
		pos = limit
	}
	return pos
}

// statusLoop pushes periodic status updates and detects natural completion:
// the oto player reports not-playing once its source drains.
func (h *otoHandle) statusLoop() {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.mu.Lock()
			drained := h.playing && !h.player.IsPlaying()
			if drained {
				h.playing = false
				h.finished = true
			}
			st := h.statusLocked(drained)
			fn := h.fn
			h.mu.Unlock()

			if fn != nil {
				fn(st)
			}
			if drained {
				return
			}
		}
	}
}

// Unload stops playback and releases the player and its source.
func (h *otoHandle) Unload() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.done)

		h.mu.Lock()
		defer h.mu.Unlock()
		h.playing = false
		err = h.player.Close()
		if cerr := h.source.Close(); err == nil {
			err = cerr
		}
	})
	return err
}
