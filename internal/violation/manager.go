package violation

import (
	"context"
	"fmt"
	"image"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"parking-service/internal/domain/parking"
	"parking-service/internal/metrics"
)

// Store persists violation records.
type Store interface {
	InsertViolation(ctx context.Context, v *parking.Violation) error
	UpdateEvidence(ctx context.Context, id uuid.UUID, plate string, confidence float64, attempts []parking.OcrAttempt) error
	CloseViolation(ctx context.Context, id uuid.UUID, endedAt time.Time, durationSeconds int64) error
}

// EvidenceStore saves the crop captured when a violation opens.
type EvidenceStore interface {
	Save(trackID int64, img image.Image) (string, error)
}

type ColorClassifier interface {
	Classify(img image.Image) string
}

// PlateReader receives evidence for plate recognition.
type PlateReader interface {
	Submit(trackID int64, violationID uuid.UUID, imageRef *string)
}

type Transition int

const (
	TransitionNone Transition = iota
	TransitionOpened
	TransitionClosed
)

type Config struct {
	StationaryThreshold time.Duration
	Location            string
	PersistAttempts     int
	PersistBackoff      time.Duration
}

func DefaultConfig() Config {
	return Config{
		StationaryThreshold: 60 * time.Second,
		PersistAttempts:     3,
		PersistBackoff:      200 * time.Millisecond,
	}
}

type monitor struct {
	stationarySince *time.Time
	open            *parking.Violation
	// opening is set while evidence for a new violation is captured outside the lock.
	opening         bool
}

// OpenViolation is an open violation with its duration so far.
type OpenViolation struct {
	parking.Violation
	LiveDuration time.Duration
}

// Manager drives the per-track violation state machine. The tracking path
// calls Observe and Expire; the OCR worker calls ApplyPlate.
type Manager struct {
	cfg        Config
	store      Store
	evidence   EvidenceStore
	classifier ColorClassifier
	plates     PlateReader
	metrics    *metrics.Metrics
	log        zerolog.Logger

	mu       sync.Mutex
	monitors map[int64]*monitor
}

func NewManager(cfg Config, store Store, evidence EvidenceStore, classifier ColorClassifier, m *metrics.Metrics, log zerolog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.StationaryThreshold <= 0 {
		cfg.StationaryThreshold = def.StationaryThreshold
	}
	if cfg.PersistAttempts <= 0 {
		cfg.PersistAttempts = def.PersistAttempts
	}
	if cfg.PersistBackoff < 0 {
		cfg.PersistBackoff = 0
	}
	return &Manager{
		cfg:        cfg,
		store:      store,
		evidence:   evidence,
		classifier: classifier,
		metrics:    m,
		log:        log,
		monitors:   make(map[int64]*monitor),
	}
}

// SetPlateReader connects the OCR stage. The reader is usually built after
// the manager because its results flow back through ApplyPlate.
func (m *Manager) SetPlateReader(r PlateReader) {
	m.mu.Lock()
	m.plates = r
	m.mu.Unlock()
}

// Observe feeds the smoothed state of a track at time now. crop is the
// current image of the vehicle and is only used when a violation opens.
func (m *Manager) Observe(ctx context.Context, trackID int64, state parking.TrackState, crop image.Image, now time.Time) Transition {
	m.mu.Lock()
	mon, ok := m.monitors[trackID]
	if !ok {
		mon = &monitor{}
		m.monitors[trackID] = mon
	}

	switch state {
	case parking.StateMoving:
		mon.stationarySince = nil
		if mon.open == nil {
			m.mu.Unlock()
			return TransitionNone
		}
		closed := m.closeLocked(mon, now)
		m.mu.Unlock()
		m.persistClose(ctx, closed)
		return TransitionClosed

	case parking.StateStationary:
		if mon.stationarySince == nil {
			since := now
			mon.stationarySince = &since
		}
		if mon.open != nil || mon.opening || now.Sub(*mon.stationarySince) < m.cfg.StationaryThreshold {
			m.mu.Unlock()
			return TransitionNone
		}
		mon.opening = true
		m.mu.Unlock()

		ref, color := m.captureEvidence(trackID, crop)

		m.mu.Lock()
		mon.opening = false
		if m.monitors[trackID] != mon || mon.stationarySince == nil {
			m.mu.Unlock()
			m.log.Debug().Int64("track_id", trackID).Msg("track changed while capturing evidence, violation not opened")
			return TransitionNone
		}
		opened := m.openLocked(mon, trackID, ref, color, now)
		plates := m.plates
		m.mu.Unlock()

		m.persist(ctx, "insert", opened.ID, func(ctx context.Context) error {
			return m.store.InsertViolation(ctx, &opened)
		})
		if plates != nil {
			plates.Submit(trackID, opened.ID, opened.EvidenceRef)
		}
		return TransitionOpened
	}

	m.mu.Unlock()
	return TransitionNone
}

// captureEvidence stores the crop and classifies its color. It runs without
// m.mu held.
func (m *Manager) captureEvidence(trackID int64, crop image.Image) (*string, string) {
	var evidenceRef *string
	if crop != nil && m.evidence != nil {
		ref, err := m.evidence.Save(trackID, crop)
		if err != nil {
			m.metrics.EvidenceFailures.Add(1)
			m.log.Warn().Err(err).Int64("track_id", trackID).Msg("failed to save evidence image")
		} else {
			evidenceRef = &ref
		}
	}

	color := parking.UnknownColor
	if crop != nil && m.classifier != nil {
		color = m.classifier.Classify(crop)
	}
	return evidenceRef, color
}

func (m *Manager) openLocked(mon *monitor, trackID int64, evidenceRef *string, color string, now time.Time) parking.Violation {
	v := &parking.Violation{
		ID:          uuid.New(),
		TrackID:     trackID,
		Status:      parking.ViolationOpen,
		StartedAt:   now,
		Location:    m.cfg.Location,
		EvidenceRef: evidenceRef,
		Color:       &color,
	}

	mon.open = v
	m.metrics.ViolationsOpened.Add(1)
	m.metrics.OpenViolations.Add(1)

	evt := m.log.Info().
		Str("violation_id", v.ID.String()).
		Int64("track_id", trackID).
		Str("color", color).
		Time("started_at", now)
	if v.EvidenceRef != nil {
		evt = evt.Str("evidence", *v.EvidenceRef)
	}
	evt.Msg("violation opened")

	return *v
}

func (m *Manager) closeLocked(mon *monitor, now time.Time) parking.Violation {
	v := mon.open
	mon.open = nil
	v.Close(now)

	m.metrics.ViolationsClosed.Add(1)
	m.metrics.OpenViolations.Add(-1)

	m.log.Info().
		Str("violation_id", v.ID.String()).
		Int64("track_id", v.TrackID).
		Int64("duration_seconds", *v.DurationSeconds).
		Msg("violation closed")
	return *v
}

func (m *Manager) persistClose(ctx context.Context, v parking.Violation) {
	m.persist(ctx, "close", v.ID, func(ctx context.Context) error {
		return m.store.CloseViolation(ctx, v.ID, *v.EndedAt, *v.DurationSeconds)
	})
}

// Expire closes the open violation of a track that disappeared and forgets
// the track. It reports whether a violation was closed.
func (m *Manager) Expire(ctx context.Context, trackID int64, now time.Time) bool {
	m.mu.Lock()
	mon, ok := m.monitors[trackID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.monitors, trackID)
	if mon.open == nil {
		m.mu.Unlock()
		return false
	}
	closed := m.closeLocked(mon, now)
	m.mu.Unlock()

	m.persistClose(ctx, closed)
	return true
}

// ApplyPlate records the OCR outcome on the open violation and returns the
// updated copy. It returns false and changes nothing when that violation is
// no longer open.
func (m *Manager) ApplyPlate(ctx context.Context, result parking.PlateResult) (parking.Violation, bool) {
	m.mu.Lock()
	mon, ok := m.monitors[result.TrackID]
	if !ok || mon.open == nil || mon.open.ID != result.ViolationID {
		m.mu.Unlock()
		m.metrics.ResultsDiscarded.Add(1)
		m.log.Debug().
			Int64("track_id", result.TrackID).
			Str("violation_id", result.ViolationID.String()).
			Msg("discarding plate for finalized violation")
		return parking.Violation{}, false
	}
	plate, confidence := result.Plate, result.Confidence
	mon.open.Plate = &plate
	mon.open.PlateConfidence = &confidence
	updated := *mon.open
	m.mu.Unlock()

	m.persist(ctx, "update evidence", result.ViolationID, func(ctx context.Context) error {
		return m.store.UpdateEvidence(ctx, result.ViolationID, plate, confidence, result.Attempts)
	})
	return updated, true
}

// Open returns a copy of the open violation of a track.
func (m *Manager) Open(trackID int64) (parking.Violation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mon, ok := m.monitors[trackID]
	if !ok || mon.open == nil {
		return parking.Violation{}, false
	}
	return *mon.open, true
}

// LiveDuration reports now minus the start of the open violation. It is
// never persisted.
func (m *Manager) LiveDuration(trackID int64, now time.Time) (time.Duration, bool) {
	v, ok := m.Open(trackID)
	if !ok {
		return 0, false
	}
	if now.Before(v.StartedAt) {
		return 0, true
	}
	return now.Sub(v.StartedAt), true
}

// OpenViolations lists open violations ordered by start time.
func (m *Manager) OpenViolations(now time.Time) []OpenViolation {
	m.mu.Lock()
	out := make([]OpenViolation, 0, len(m.monitors))
	for _, mon := range m.monitors {
		if mon.open == nil {
			continue
		}
		live := now.Sub(mon.open.StartedAt)
		if live < 0 {
			live = 0
		}
		out = append(out, OpenViolation{Violation: *mon.open, LiveDuration: live})
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].TrackID < out[j].TrackID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// persist retries op with linear backoff. The in-memory lifecycle does not
// depend on the outcome.
func (m *Manager) persist(ctx context.Context, op string, id uuid.UUID, fn func(context.Context) error) {
	var err error
retry:
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return
		}
		m.log.Warn().
			Err(err).
			Str("op", op).
			Str("violation_id", id.String()).
			Int("attempt", attempt).
			Msg("violation persistence failed")

		if attempt >= m.cfg.PersistAttempts {
			break
		}
		select {
		case <-ctx.Done():
			err = fmt.Errorf("%s aborted: %w", op, ctx.Err())
			break retry
		case <-time.After(time.Duration(attempt) * m.cfg.PersistBackoff):
		}
	}

	m.metrics.PersistFailures.Add(1)
	m.log.Error().
		Err(err).
		Str("op", op).
		Str("violation_id", id.String()).
		Msg("giving up on violation persistence")
}
