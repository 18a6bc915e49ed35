package tracking

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"parking-service/internal/domain/parking"
)

type Config struct {
	WindowSize          int
	MovementThresholdPx float64
	// SpeedThresholdPxSec derives a hint from average speed over a full
	// position window when the caller supplies none. Zero disables it.
	SpeedThresholdPxSec float64
	ConfidenceThreshold float64
	ExpiryGrace         time.Duration
}

func DefaultConfig() Config {
	return Config{
		WindowSize:          30,
		MovementThresholdPx: 5,
		SpeedThresholdPxSec: 150,
		ConfidenceThreshold: 0.4,
		ExpiryGrace:         10 * time.Second,
	}
}

type track struct {
	positions *PositionHistory
	states    *StateHistory
	createdAt time.Time
	lastSeen  time.Time
}

// TrackSnapshot is a read-only view of one track.
type TrackSnapshot struct {
	TrackID       int64              `json:"track_id"`
	State         parking.TrackState `json:"state"`
	LastConfident parking.TrackState `json:"last_confident_state"`
	Confidence    float64            `json:"confidence"`
	Samples       int                `json:"samples"`
	CreatedAt     time.Time          `json:"created_at"`
	LastSeen      time.Time          `json:"last_seen"`
	LastPosition  parking.Point      `json:"last_position"`
}

// Tracker owns the motion state of every tracked identity.
type Tracker struct {
	cfg Config
	log zerolog.Logger

	mu     sync.Mutex
	tracks map[int64]*track
}

func NewTracker(cfg Config, log zerolog.Logger) *Tracker {
	def := DefaultConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = def.ConfidenceThreshold
	}
	if cfg.ExpiryGrace <= 0 {
		cfg.ExpiryGrace = def.ExpiryGrace
	}
	return &Tracker{
		cfg:    cfg,
		log:    log,
		tracks: make(map[int64]*track),
	}
}

// Update records a position for trackID and returns the smoothed state.
func (t *Tracker) Update(trackID int64, pos parking.Point, ts time.Time, hint parking.TrackState) parking.TrackState {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, ok := t.tracks[trackID]
	if !ok {
		tr = &track{
			positions: NewPositionHistory(t.cfg.WindowSize),
			states:    NewStateHistory(t.cfg.WindowSize, t.cfg.ConfidenceThreshold),
			createdAt: ts,
		}
		t.tracks[trackID] = tr
		t.log.Debug().Int64("track_id", trackID).Msg("new track")
	}

	tr.positions.Add(ts, pos)
	tr.lastSeen = ts

	sample := t.classify(tr.positions, hint)
	prev := tr.states.Current()
	state := tr.states.Add(sample)
	if state != prev {
		t.log.Debug().
			Int64("track_id", trackID).
			Str("from", string(prev)).
			Str("to", string(state)).
			Float64("confidence", tr.states.Confidence()).
			Msg("track state changed")
	}
	return state
}

func (t *Tracker) classify(h *PositionHistory, hint parking.TrackState) parking.TrackState {
	if d, ok := h.Displacement(); ok && d > t.cfg.MovementThresholdPx {
		return parking.StateMoving
	}
	switch hint {
	case parking.StateMoving, parking.StateStationary:
		return hint
	}
	if t.cfg.SpeedThresholdPxSec > 0 && h.Full() {
		if speed, ok := h.Speed(); ok {
			if speed < t.cfg.SpeedThresholdPxSec {
				return parking.StateStationary
			}
			return parking.StateMoving
		}
	}
	return parking.StateUnknown
}

func (t *Tracker) State(trackID int64) parking.TrackState {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, ok := t.tracks[trackID]
	if !ok {
		return parking.StateUnknown
	}
	return tr.states.Current()
}

func (t *Tracker) Snapshot(trackID int64) (TrackSnapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, ok := t.tracks[trackID]
	if !ok {
		return TrackSnapshot{}, false
	}
	snap := TrackSnapshot{
		TrackID:       trackID,
		State:         tr.states.Current(),
		LastConfident: tr.states.lastConfident,
		Confidence:    tr.states.Confidence(),
		Samples:       tr.positions.Len(),
		CreatedAt:     tr.createdAt,
		LastSeen:      tr.lastSeen,
	}
	if last, ok := tr.positions.Last(); ok {
		snap.LastPosition = last.Position
	}
	return snap, true
}

// CleanupExpired deletes tracks that are not in active and whose last sample
// is older than the expiry grace period. It returns the deleted IDs.
func (t *Tracker) CleanupExpired(active map[int64]struct{}, now time.Time) []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []int64
	for id, tr := range t.tracks {
		if _, ok := active[id]; ok {
			continue
		}
		if now.Sub(tr.lastSeen) > t.cfg.ExpiryGrace {
			delete(t.tracks, id)
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		t.log.Debug().Ints64("track_ids", removed).Msg("expired tracks removed")
	}
	return removed
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tracks)
}
