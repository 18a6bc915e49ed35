package tracking

import (
	"math"
	"time"

	"parking-service/internal/domain/parking"
)

type positionSample struct {
	Timestamp time.Time
	Position  parking.Point
}

// PositionHistory keeps the most recent positions of one track, oldest first.
type PositionHistory struct {
	size    int
	samples []positionSample
}

func NewPositionHistory(size int) *PositionHistory {
	return &PositionHistory{size: size, samples: make([]positionSample, 0, size)}
}

func (h *PositionHistory) Add(ts time.Time, pos parking.Point) {
	if len(h.samples) == h.size {
		copy(h.samples, h.samples[1:])
		h.samples = h.samples[:h.size-1]
	}
	h.samples = append(h.samples, positionSample{Timestamp: ts, Position: pos})
}

func (h *PositionHistory) Len() int { return len(h.samples) }

func (h *PositionHistory) Full() bool { return len(h.samples) == h.size }

// Displacement is the distance between the two most recent samples.
func (h *PositionHistory) Displacement() (float64, bool) {
	n := len(h.samples)
	if n < 2 {
		return 0, false
	}
	return distance(h.samples[n-2].Position, h.samples[n-1].Position), true
}

// Speed is the straight-line distance from the oldest to the newest sample
// divided by the elapsed time, in pixels per second.
func (h *PositionHistory) Speed() (float64, bool) {
	n := len(h.samples)
	if n < 2 {
		return 0, false
	}
	first, last := h.samples[0], h.samples[n-1]
	span := last.Timestamp.Sub(first.Timestamp).Seconds()
	if span <= 0 {
		return 0, false
	}
	return distance(first.Position, last.Position) / span, true
}

func (h *PositionHistory) Last() (positionSample, bool) {
	if len(h.samples) == 0 {
		return positionSample{}, false
	}
	return h.samples[len(h.samples)-1], true
}

func distance(a, b parking.Point) float64 {
	return math.Hypot(b.X-a.X, b.Y-a.Y)
}

// StateHistory smooths per-sample motion labels into a stable track state.
// Recent samples weigh exponentially more; a state is adopted only when its
// weight share reaches the confidence threshold, otherwise the last confident
// state is kept.
type StateHistory struct {
	size          int
	threshold     float64
	states        []parking.TrackState
	current       parking.TrackState
	lastConfident parking.TrackState
	confidence    float64
}

func NewStateHistory(size int, threshold float64) *StateHistory {
	return &StateHistory{
		size:          size,
		threshold:     threshold,
		states:        make([]parking.TrackState, 0, size),
		current:       parking.StateUnknown,
		lastConfident: parking.StateUnknown,
	}
}

func (s *StateHistory) Add(state parking.TrackState) parking.TrackState {
	if len(s.states) == s.size {
		copy(s.states, s.states[1:])
		s.states = s.states[:s.size-1]
	}
	s.states = append(s.states, state)
	s.resolveState()
	return s.current
}

func (s *StateHistory) Current() parking.TrackState { return s.current }

// Confidence is the weight share of the leading label at the last resolution.
func (s *StateHistory) Confidence() float64 { return s.confidence }

func (s *StateHistory) resolveState() {
	n := len(s.states)
	if n == 0 {
		return
	}

	half := float64(n) / 2
	weights := make(map[parking.TrackState]float64, 3)
	for idx, st := range s.states {
		weights[st] += math.Pow(2, float64(idx)/half)
	}

	// Unknown never wins over a concrete observation.
	if len(weights) > 1 {
		delete(weights, parking.StateUnknown)
	}

	var (
		leader    parking.TrackState
		maxWeight float64
		total     float64
	)
	// Fixed iteration order keeps ties deterministic.
	for _, st := range []parking.TrackState{parking.StateStationary, parking.StateMoving, parking.StateUnknown} {
		w, ok := weights[st]
		if !ok {
			continue
		}
		total += w
		if w > maxWeight {
			maxWeight = w
			leader = st
		}
	}
	if total == 0 {
		return
	}

	s.confidence = maxWeight / total
	if s.confidence >= s.threshold {
		s.current = leader
		s.lastConfident = leader
		return
	}
	if s.lastConfident != parking.StateUnknown {
		s.current = s.lastConfident
		return
	}
	s.current = parking.StateUnknown
}
