// Package progress records listening sessions and the aggregate stats
// derived from them (total minutes, daily streak), plus the user's
// favorites. Everything is stored as JSON blobs in the key-value store
// under fixed keys.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/quietwave/quietwave/internal/clock"
	"github.com/quietwave/quietwave/internal/kv"
)

const (
	historyKey   = "meditation_history"
	statsKey     = "user_stats"
	favoritesKey = "favorites"
)

// Record is one completed listening session. Records are append-only.
type Record struct {
	ID              string    `json:"id"`
	TrackID         string    `json:"trackId"`
	TrackTitle      string    `json:"trackTitle"`
	CompletedAt     time.Time `json:"completedAt"`
	DurationSeconds int       `json:"duration"`
}

// Stats aggregates all sessions. CurrentStreak counts consecutive calendar
// days with at least one completed session.
type Stats struct {
	TotalMinutes    int        `json:"totalMinutes"`
	CurrentStreak   int        `json:"currentStreak"`
	LastSessionDate *time.Time `json:"lastSessionDate"`
}

// Tracker persists session history and stats.
type Tracker struct {
	kv     kv.Store
	clock  clock.Clock
	logger *log.Logger
}

// NewTracker creates a tracker over the given store.
func NewTracker(store kv.Store, clk clock.Clock, logger *log.Logger) *Tracker {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Tracker{kv: store, clock: clk, logger: logger}
}

// RecordSession appends a history record and folds the elapsed time into
// the aggregate stats.
func (t *Tracker) RecordSession(ctx context.Context, trackID, trackTitle string, elapsedSeconds int) error {
	now := t.clock.Now()

	history, err := t.History(ctx)
	if err != nil {
		return err
	}
	history = append(history, Record{
		ID:              uuid.NewString(),
		TrackID:         trackID,
		TrackTitle:      trackTitle,
		CompletedAt:     now,
		DurationSeconds: elapsedSeconds,
	})
	if err := t.setJSON(ctx, historyKey, history); err != nil {
		return fmt.Errorf("save session history: %w", err)
	}

	stats, err := t.Stats(ctx)
	if err != nil {
		return err
	}
	stats.TotalMinutes += elapsedSeconds / 60

	// Streak accounting works on calendar days: a session today extends a
	// streak last touched yesterday, restarts one touched earlier, and
	// leaves one already touched today alone.
	if stats.LastSessionDate == nil || !sameDay(*stats.LastSessionDate, now) {
		if stats.LastSessionDate != nil && sameDay(*stats.LastSessionDate, now.AddDate(0, 0, -1)) {
			stats.CurrentStreak++
		} else {
			stats.CurrentStreak = 1
		}
	}
	stats.LastSessionDate = &now

	if err := t.setJSON(ctx, statsKey, stats); err != nil {
		return fmt.Errorf("save user stats: %w", err)
	}
	return nil
}

// History returns all session records, oldest first.
func (t *Tracker) History(ctx context.Context) ([]Record, error) {
	var history []Record
	if err := t.getJSON(ctx, historyKey, &history); err != nil {
		return nil, fmt.Errorf("load session history: %w", err)
	}
	return history, nil
}

// Stats returns the aggregate stats, zero-valued when none are recorded.
func (t *Tracker) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := t.getJSON(ctx, statsKey, &stats); err != nil {
		return Stats{}, fmt.Errorf("load user stats: %w", err)
	}
	return stats, nil
}

// Favorites returns the favorited source IDs.
func (t *Tracker) Favorites(ctx context.Context) ([]string, error) {
	var favorites []string
	if err := t.getJSON(ctx, favoritesKey, &favorites); err != nil {
		return nil, fmt.Errorf("load favorites: %w", err)
	}
	return favorites, nil
}

// AddFavorite records a source as favorite. Adding twice is a no-op.
func (t *Tracker) AddFavorite(ctx context.Context, sourceID string) error {
	favorites, err := t.Favorites(ctx)
	if err != nil {
		return err
	}
	for _, id := range favorites {
		if id == sourceID {
			return nil
		}
	}
	favorites = append(favorites, sourceID)
	if err := t.setJSON(ctx, favoritesKey, favorites); err != nil {
		return fmt.Errorf("save favorites: %w", err)
	}
	return nil
}

// RemoveFavorite drops a source from the favorites. Unknown IDs are a
// no-op.
func (t *Tracker) RemoveFavorite(ctx context.Context, sourceID string) error {
	favorites, err := t.Favorites(ctx)
	if err != nil {
		return err
	}
	kept := favorites[:0]
	for _, id := range favorites {
		if id != sourceID {
			kept = append(kept, id)
		}
	}
	if len(kept) == len(favorites) {
		return nil
	}
	if err := t.setJSON(ctx, favoritesKey, kept); err != nil {
		return fmt.Errorf("save favorites: %w", err)
	}
	return nil
}

func (t *Tracker) getJSON(ctx context.Context, key string, out interface{}) error {
	raw, ok, err := t.kv.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		// A corrupt blob is dropped rather than wedging every future
		// session write.
		t.logger.Warn("Corrupt progress data, resetting", "key", key, "err", err)
	}
	return nil
}

func (t *Tracker) setJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.kv.Set(ctx, key, string(data))
}

// sameDay reports whether a and b fall on the same local calendar day.
func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
