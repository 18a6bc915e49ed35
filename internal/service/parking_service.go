package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"parking-service/internal/domain/parking"
	"parking-service/internal/metrics"
	"parking-service/internal/notification"
	"parking-service/internal/repository"
	"parking-service/internal/timeutil"
	"parking-service/internal/tracking"
	"parking-service/internal/violation"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
)

// ViolationReader is the query side of the violation repository.
type ViolationReader interface {
	ListViolations(ctx context.Context, f repository.ViolationFilter) ([]repository.Violation, error)
	GetViolation(ctx context.Context, id uuid.UUID) (*repository.Violation, error)
	DeleteViolation(ctx context.Context, id uuid.UUID) (bool, error)
	DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// NotificationQueue is the notification buffer used by the service.
type NotificationQueue interface {
	Add(ctx context.Context, plate, color string) (bool, error)
	Pending() []parking.PendingNotification
	ForceFlush(ctx context.Context) error
}

const (
	notifyAttempts   = 3
	notifyRetryDelay = 50 * time.Millisecond
)

type ParkingService struct {
	tracker *tracking.Tracker
	manager *violation.Manager
	buffer  NotificationQueue
	repo    ViolationReader
	region  parking.Region
	clock   timeutil.Clock
	metrics *metrics.Metrics
	log     zerolog.Logger

	frameMu sync.Mutex
}

func NewParkingService(
	tracker *tracking.Tracker,
	manager *violation.Manager,
	buffer NotificationQueue,
	repo ViolationReader,
	region parking.Region,
	m *metrics.Metrics,
	log zerolog.Logger,
) *ParkingService {
	return &ParkingService{
		tracker: tracker,
		manager: manager,
		buffer:  buffer,
		repo:    repo,
		region:  region,
		clock:   timeutil.RealClock{},
		metrics: m,
		log:     log,
	}
}

// SetClock replaces the wall clock used for live durations.
func (s *ParkingService) SetClock(c timeutil.Clock) {
	s.clock = c
}

type TrackResult struct {
	TrackID    int64              `json:"track_id"`
	State      parking.TrackState `json:"state"`
	Transition string             `json:"transition,omitempty"`
}

type FrameResult struct {
	Tracks  []TrackResult `json:"tracks"`
	Ignored int           `json:"ignored"`
	Expired []int64       `json:"expired"`
}

// ProcessFrame runs one frame of detections through the tracker and the
// violation lifecycle, then expires tracks that have left the scene.
func (s *ParkingService) ProcessFrame(ctx context.Context, frame parking.Frame) (*FrameResult, error) {
	if frame.Timestamp.IsZero() {
		return nil, fmt.Errorf("%w: timestamp is required", ErrInvalidInput)
	}

	s.frameMu.Lock()
	defer s.frameMu.Unlock()

	result := &FrameResult{Tracks: make([]TrackResult, 0, len(frame.Detections)), Expired: []int64{}}
	active := make(map[int64]struct{}, len(frame.Detections))

	for _, det := range frame.Detections {
		center := det.Box.Center()
		if !s.region.Contains(center) {
			result.Ignored++
			s.metrics.DetectionsIgnored.Add(1)
			continue
		}
		active[det.TrackID] = struct{}{}

		state := s.tracker.Update(det.TrackID, center, frame.Timestamp, det.Hint)
		tr := TrackResult{TrackID: det.TrackID, State: state}
		switch s.manager.Observe(ctx, det.TrackID, state, det.Crop, frame.Timestamp) {
		case violation.TransitionOpened:
			tr.Transition = "opened"
		case violation.TransitionClosed:
			tr.Transition = "closed"
		}
		result.Tracks = append(result.Tracks, tr)
	}

	for _, id := range s.tracker.CleanupExpired(active, frame.Timestamp) {
		s.manager.Expire(ctx, id, frame.Timestamp)
		result.Expired = append(result.Expired, id)
	}

	s.metrics.FramesProcessed.Add(1)
	s.metrics.TracksExpired.Add(uint64(len(result.Expired)))
	s.metrics.ActiveTracks.Store(int64(s.tracker.Len()))

	if len(result.Expired) > 0 {
		s.log.Debug().Ints64("track_ids", result.Expired).Msg("expired tracks")
	}
	return result, nil
}

// HandlePlateResult applies a resolved plate and queues the notification.
// Results for violations that were already finalized are dropped.
func (s *ParkingService) HandlePlateResult(ctx context.Context, result parking.PlateResult) {
	v, ok := s.manager.ApplyPlate(ctx, result)
	if !ok {
		return
	}

	color := parking.UnknownColor
	if v.Color != nil {
		color = *v.Color
	}
	if err := s.queueNotification(ctx, result.Plate, color); err != nil {
		s.log.Error().
			Err(err).
			Str("violation_id", result.ViolationID.String()).
			Str("plate", result.Plate).
			Str("color", color).
			Msg("dropping notification")
	}
}

// queueNotification retries Add while the buffer reports the notification
// was not stored. Flush errors are not retried since the entry is pending.
func (s *ParkingService) queueNotification(ctx context.Context, plate, color string) error {
	var err error
	for attempt := 1; ; attempt++ {
		_, err = s.buffer.Add(ctx, plate, color)
		if err == nil {
			return nil
		}
		if !errors.Is(err, notification.ErrNotQueued) {
			s.log.Warn().Err(err).Str("plate", plate).Msg("notification queued but flush failed")
			return nil
		}
		s.log.Warn().Err(err).Str("plate", plate).Int("attempt", attempt).Msg("failed to queue notification")
		if attempt >= notifyAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (retry aborted: %w)", err, ctx.Err())
		case <-time.After(time.Duration(attempt) * notifyRetryDelay):
		}
	}
}

// ViolationOpen reports whether violationID is still the open violation of
// trackID.
func (s *ParkingService) ViolationOpen(trackID int64, violationID uuid.UUID) bool {
	v, ok := s.manager.Open(trackID)
	return ok && v.ID == violationID
}

type ViolationInfo struct {
	ID              uuid.UUID               `json:"id"`
	TrackID         int64                   `json:"track_id"`
	Status          parking.ViolationStatus `json:"status"`
	StartedAt       time.Time               `json:"started_at"`
	EndedAt         *time.Time              `json:"ended_at,omitempty"`
	DurationSeconds *int64                  `json:"duration_seconds,omitempty"`
	Plate           *string                 `json:"plate,omitempty"`
	PlateConfidence *float64                `json:"plate_confidence,omitempty"`
	Color           *string                 `json:"color,omitempty"`
	EvidenceRef     *string                 `json:"evidence_ref,omitempty"`
	Location        string                  `json:"location,omitempty"`
	OcrReadings     []parking.OcrAttempt    `json:"ocr_readings,omitempty"`
}

type OpenViolationInfo struct {
	ViolationInfo
	LiveDurationSeconds int64 `json:"live_duration_seconds"`
}

func toInfo(v parking.Violation) ViolationInfo {
	return ViolationInfo{
		ID:              v.ID,
		TrackID:         v.TrackID,
		Status:          v.Status,
		StartedAt:       v.StartedAt,
		EndedAt:         v.EndedAt,
		DurationSeconds: v.DurationSeconds,
		Plate:           v.Plate,
		PlateConfidence: v.PlateConfidence,
		Color:           v.Color,
		EvidenceRef:     v.EvidenceRef,
		Location:        v.Location,
	}
}

func rowToInfo(row *repository.Violation) ViolationInfo {
	info := toInfo(row.ToDomain())
	info.OcrReadings = row.OcrReadings
	return info
}

func (s *ParkingService) FindViolations(ctx context.Context, plateQuery, status, from, to *string, limit, offset int) ([]ViolationInfo, error) {
	filter := repository.ViolationFilter{Plate: plateQuery}

	if status != nil && *status != "" {
		st := parking.ViolationStatus(strings.ToLower(*status))
		if st != parking.ViolationOpen && st != parking.ViolationClosed {
			return nil, fmt.Errorf("%w: status must be open or closed", ErrInvalidInput)
		}
		filter.Status = &st
	}
	if from != nil && *from != "" {
		t, err := time.Parse(time.RFC3339, *from)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid from time format", ErrInvalidInput)
		}
		filter.From = &t
	}
	if to != nil && *to != "" {
		t, err := time.Parse(time.RFC3339, *to)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid to time format", ErrInvalidInput)
		}
		filter.To = &t
	}

	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	filter.Limit, filter.Offset = limit, offset

	rows, err := s.repo.ListViolations(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to find violations: %w", err)
	}

	result := make([]ViolationInfo, 0, len(rows))
	for i := range rows {
		result = append(result, rowToInfo(&rows[i]))
	}
	return result, nil
}

func (s *ParkingService) GetViolation(ctx context.Context, rawID string) (*ViolationInfo, error) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid violation id", ErrInvalidInput)
	}

	row, err := s.repo.GetViolation(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: violation %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get violation: %w", err)
	}

	info := rowToInfo(row)
	return &info, nil
}

func (s *ParkingService) DeleteViolation(ctx context.Context, rawID string) error {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return fmt.Errorf("%w: invalid violation id", ErrInvalidInput)
	}

	deleted, err := s.repo.DeleteViolation(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to delete violation: %w", err)
	}
	if !deleted {
		return fmt.Errorf("%w: violation %s", ErrNotFound, id)
	}

	s.log.Info().Str("violation_id", id.String()).Msg("violation deleted")
	return nil
}

// OpenViolations lists violations still in progress with their live
// durations.
func (s *ParkingService) OpenViolations() []OpenViolationInfo {
	open := s.manager.OpenViolations(s.clock.Now())
	result := make([]OpenViolationInfo, 0, len(open))
	for _, ov := range open {
		result = append(result, OpenViolationInfo{
			ViolationInfo:       toInfo(ov.Violation),
			LiveDurationSeconds: int64(ov.LiveDuration / time.Second),
		})
	}
	return result
}

func (s *ParkingService) TrackState(trackID int64) (*tracking.TrackSnapshot, error) {
	snap, ok := s.tracker.Snapshot(trackID)
	if !ok {
		return nil, fmt.Errorf("%w: track %d", ErrNotFound, trackID)
	}
	return &snap, nil
}

func (s *ParkingService) PendingNotifications() []parking.PendingNotification {
	return s.buffer.Pending()
}

// FlushNotifications sends every pending notification now. It reports false
// when there was nothing to send.
func (s *ParkingService) FlushNotifications(ctx context.Context) (bool, error) {
	err := s.buffer.ForceFlush(ctx)
	if errors.Is(err, notification.ErrNothingPending) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CleanupOldViolations deletes closed violations older than the given number of days.
func (s *ParkingService) CleanupOldViolations(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, fmt.Errorf("%w: days must be positive", ErrInvalidInput)
	}
	cutoff := s.clock.Now().AddDate(0, 0, -days)
	deleted, err := s.repo.DeleteClosedBefore(ctx, cutoff)
	if err != nil {
		s.log.Error().Err(err).Int("days", days).Msg("failed to cleanup old violations")
		return 0, err
	}
	if deleted > 0 {
		s.log.Info().Int64("deleted_count", deleted).Int("days", days).Msg("cleaned up old violations")
	}
	return deleted, nil
}
