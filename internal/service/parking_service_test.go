package service

import (
	"context"
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"parking-service/internal/domain/parking"
	"parking-service/internal/metrics"
	"parking-service/internal/notification"
	"parking-service/internal/ocr"
	"parking-service/internal/repository"
	"parking-service/internal/timeutil"
	"parking-service/internal/tracking"
	"parking-service/internal/violation"
)

type memRepo struct {
	mu   sync.Mutex
	rows map[uuid.UUID]repository.Violation
}

func newMemRepo() *memRepo {
	return &memRepo{rows: make(map[uuid.UUID]repository.Violation)}
}

func (r *memRepo) InsertViolation(_ context.Context, v *parking.Violation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[v.ID] = repository.Violation{
		ID: v.ID, TrackID: v.TrackID, Status: string(v.Status), StartedAt: v.StartedAt,
		Color: v.Color, EvidenceRef: v.EvidenceRef, Location: &v.Location,
	}
	return nil
}

func (r *memRepo) UpdateEvidence(_ context.Context, id uuid.UUID, plate string, confidence float64, attempts []parking.OcrAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	row.Plate, row.PlateConfidence, row.OcrReadings = &plate, &confidence, attempts
	r.rows[id] = row
	return nil
}

func (r *memRepo) CloseViolation(_ context.Context, id uuid.UUID, endedAt time.Time, durationSeconds int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	row.Status = string(parking.ViolationClosed)
	row.EndedAt, row.DurationSeconds = &endedAt, &durationSeconds
	r.rows[id] = row
	return nil
}

func (r *memRepo) ListViolations(_ context.Context, f repository.ViolationFilter) ([]repository.Violation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []repository.Violation
	for _, row := range r.rows {
		if f.Status != nil && row.Status != string(*f.Status) {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

func (r *memRepo) GetViolation(_ context.Context, id uuid.UUID) (*repository.Violation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &row, nil
}

func (r *memRepo) DeleteViolation(_ context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rows[id]
	delete(r.rows, id)
	return ok, nil
}

func (r *memRepo) DeleteClosedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, row := range r.rows {
		if row.EndedAt != nil && row.EndedAt.Before(cutoff) {
			delete(r.rows, id)
			n++
		}
	}
	return n, nil
}

type nopTransport struct{}

func (nopTransport) SendBatch(context.Context, notification.Batch) error { return nil }

type fixedColor string

func (c fixedColor) Classify(image.Image) string { return string(c) }

type fixture struct {
	svc     *ParkingService
	manager *violation.Manager
	repo    *memRepo
	buffer  *notification.Buffer
	clock   *timeutil.MockClock
	metrics *metrics.Metrics
}

var t0 = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, region parking.Region) *fixture {
	t.Helper()
	log := zerolog.Nop()
	m := metrics.New()
	repo := newMemRepo()
	clock := timeutil.NewMockClock(t0)

	tracker := tracking.NewTracker(tracking.DefaultConfig(), log)
	manager := violation.NewManager(violation.Config{StationaryThreshold: 10 * time.Second, Location: "Gate 1"},
		repo, nil, fixedColor("blue"), m, log)
	buffer, err := notification.NewBuffer(filepath.Join(t.TempDir(), "buffer.json"), nil, nopTransport{}, m, log,
		notification.WithClock(clock))
	require.NoError(t, err)

	svc := NewParkingService(tracker, manager, buffer, repo, region, m, log)
	svc.SetClock(clock)
	return &fixture{svc: svc, manager: manager, repo: repo, buffer: buffer, clock: clock, metrics: m}
}

func parkedFrame(ts time.Time, trackID int64) parking.Frame {
	return parking.Frame{
		Timestamp: ts,
		Detections: []parking.Detection{{
			TrackID: trackID,
			Box:     parking.BoundingBox{X1: 100, Y1: 100, X2: 200, Y2: 160},
			Crop:    image.NewRGBA(image.Rect(0, 0, 10, 6)),
			Hint:    parking.StateStationary,
		}},
	}
}

func TestProcessFrameRejectsMissingTimestamp(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	_, err := f.svc.ProcessFrame(context.Background(), parking.Frame{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestProcessFrameOpensAndExpiresViolation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, nil)

	var opened bool
	for i := 0; i <= 10; i++ {
		res, err := f.svc.ProcessFrame(ctx, parkedFrame(t0.Add(time.Duration(i)*time.Second), 5))
		require.NoError(t, err)
		require.Len(t, res.Tracks, 1)
		assert.Equal(t, parking.StateStationary, res.Tracks[0].State)
		if res.Tracks[0].Transition == "opened" {
			opened = true
			assert.Equal(t, 10, i)
		}
	}
	require.True(t, opened)

	f.clock.Set(t0.Add(15 * time.Second))
	open := f.svc.OpenViolations()
	require.Len(t, open, 1)
	assert.Equal(t, int64(5), open[0].LiveDurationSeconds)
	assert.Equal(t, "Gate 1", open[0].Location)

	snap, err := f.svc.TrackState(5)
	require.NoError(t, err)
	assert.Equal(t, 11, snap.Samples)

	// the track disappears; it expires once the grace period has passed
	res, err := f.svc.ProcessFrame(ctx, parking.Frame{Timestamp: t0.Add(25 * time.Second)})
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, res.Expired)
	assert.Empty(t, f.svc.OpenViolations())

	closed, err := f.svc.FindViolations(ctx, nil, strPtr("closed"), nil, nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	require.NotNil(t, closed[0].DurationSeconds)
	assert.Equal(t, int64(15), *closed[0].DurationSeconds)

	_, err = f.svc.TrackState(5)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, uint64(12), f.metrics.FramesProcessed.Load())
}

func TestRegionFiltersDetections(t *testing.T) {
	t.Parallel()
	region := parking.Region{{X: 0, Y: 0}, {X: 50, Y: 0}, {X: 50, Y: 50}, {X: 0, Y: 50}}
	f := newFixture(t, region)

	res, err := f.svc.ProcessFrame(context.Background(), parkedFrame(t0, 1))
	require.NoError(t, err)
	assert.Empty(t, res.Tracks)
	assert.Equal(t, 1, res.Ignored)
	assert.Equal(t, uint64(1), f.metrics.DetectionsIgnored.Load())
}

func TestPlateResultQueuesNotification(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, nil)

	for i := 0; i <= 10; i++ {
		_, err := f.svc.ProcessFrame(ctx, parkedFrame(t0.Add(time.Duration(i)*time.Second), 9))
		require.NoError(t, err)
	}
	v, ok := f.manager.Open(9)
	require.True(t, ok)

	f.svc.HandlePlateResult(ctx, parking.PlateResult{TrackID: 9, ViolationID: v.ID, Plate: "XYZ 123", Confidence: 0.92})

	pending := f.svc.PendingNotifications()
	require.Len(t, pending, 1)
	assert.Equal(t, "XYZ 123", pending[0].Plate)
	assert.Equal(t, "blue", pending[0].Color)

	info, err := f.svc.GetViolation(ctx, v.ID.String())
	require.NoError(t, err)
	require.NotNil(t, info.Plate)
	assert.Equal(t, "XYZ 123", *info.Plate)

	// a stale result is dropped without queueing
	f.svc.HandlePlateResult(ctx, parking.PlateResult{TrackID: 9, ViolationID: uuid.New(), Plate: "ABC 123"})
	assert.Len(t, f.svc.PendingNotifications(), 1)

	flushed, err := f.svc.FlushNotifications(ctx)
	require.NoError(t, err)
	assert.True(t, flushed)
	flushed, err = f.svc.FlushNotifications(ctx)
	require.NoError(t, err)
	assert.False(t, flushed)
}

type constRecognizer struct{}

func (constRecognizer) Recognize(context.Context, image.Image) ([]ocr.Reading, error) {
	return []ocr.Reading{{Text: "XYZ 123", Confidence: 0.9}}, nil
}

type memImages struct{}

func (memImages) Save(int64, image.Image) (string, error) { return "mem.jpg", nil }

func (memImages) Load(string) (image.Image, error) {
	return image.NewRGBA(image.Rect(0, 0, 8, 8)), nil
}

func TestPipelineResolvesPlateThroughWorker(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := zerolog.Nop()
	m := metrics.New()
	repo := newMemRepo()
	tracker := tracking.NewTracker(tracking.DefaultConfig(), log)
	manager := violation.NewManager(violation.Config{StationaryThreshold: 5 * time.Second}, repo, memImages{}, fixedColor("red"), m, log)
	buffer, err := notification.NewBuffer(filepath.Join(t.TempDir(), "buffer.json"), nil, nopTransport{}, m, log)
	require.NoError(t, err)
	svc := NewParkingService(tracker, manager, buffer, repo, nil, m, log)

	cfg := ocr.DefaultConfig()
	cfg.MaxAttempts = 3
	cfg.PollTimeout = 10 * time.Millisecond
	agg := ocr.NewAggregator(cfg, constRecognizer{}, memImages{}, svc, m, log)
	manager.SetPlateReader(agg)
	go agg.Run(ctx)

	for i := 0; i <= 5; i++ {
		_, err := svc.ProcessFrame(ctx, parkedFrame(t0.Add(time.Duration(i)*time.Second), 3))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return len(svc.PendingNotifications()) == 1 }, 5*time.Second, 10*time.Millisecond)
	pending := svc.PendingNotifications()
	assert.Equal(t, "XYZ 123", pending[0].Plate)
	assert.Equal(t, "red", pending[0].Color)
}

func TestGetViolationErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	_, err := f.svc.GetViolation(context.Background(), "not-a-uuid")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.GetViolation(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, f.svc.DeleteViolation(context.Background(), uuid.NewString()), ErrNotFound)
}

func TestFindViolationsValidatesInput(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	_, err := f.svc.FindViolations(context.Background(), nil, strPtr("pending"), nil, nil, 10, 0)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.FindViolations(context.Background(), nil, nil, strPtr("yesterday"), nil, 10, 0)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCleanupOldViolations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, nil)

	old := t0.AddDate(0, 0, -40)
	id := uuid.New()
	f.repo.rows[id] = repository.Violation{ID: id, Status: "closed", StartedAt: old, EndedAt: &old}

	_, err := f.svc.CleanupOldViolations(ctx, 0)
	assert.ErrorIs(t, err, ErrInvalidInput)

	deleted, err := f.svc.CleanupOldViolations(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func strPtr(s string) *string { return &s }

type flakyQueue struct {
	mu       sync.Mutex
	failures []error
	calls    int
	pending  []parking.PendingNotification
}

func (q *flakyQueue) Add(_ context.Context, plate, color string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	if len(q.failures) > 0 {
		err := q.failures[0]
		q.failures = q.failures[1:]
		if !errors.Is(err, notification.ErrNotQueued) {
			q.pending = append(q.pending, parking.PendingNotification{Plate: plate, Color: color})
		}
		return false, err
	}
	q.pending = append(q.pending, parking.PendingNotification{Plate: plate, Color: color})
	return false, nil
}

func (q *flakyQueue) Pending() []parking.PendingNotification {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]parking.PendingNotification(nil), q.pending...)
}

func (q *flakyQueue) ForceFlush(context.Context) error { return nil }

func openViolationWithQueue(t *testing.T, q NotificationQueue) (*ParkingService, parking.Violation) {
	t.Helper()
	ctx := context.Background()
	f := newFixture(t, nil)
	for i := 0; i <= 10; i++ {
		_, err := f.svc.ProcessFrame(ctx, parkedFrame(t0.Add(time.Duration(i)*time.Second), 4))
		require.NoError(t, err)
	}
	v, ok := f.manager.Open(4)
	require.True(t, ok)

	svc := NewParkingService(tracking.NewTracker(tracking.DefaultConfig(), zerolog.Nop()), f.manager, q, f.repo, nil, f.metrics, zerolog.Nop())
	return svc, v
}

func TestPlateResultRetriesUnsavedNotification(t *testing.T) {
	t.Parallel()
	q := &flakyQueue{failures: []error{fmt.Errorf("%w: disk full", notification.ErrNotQueued)}}
	svc, v := openViolationWithQueue(t, q)

	svc.HandlePlateResult(context.Background(), parking.PlateResult{TrackID: 4, ViolationID: v.ID, Plate: "ABC 1234", Confidence: 0.9})

	assert.Equal(t, 2, q.calls)
	pending := svc.PendingNotifications()
	require.Len(t, pending, 1)
	assert.Equal(t, "ABC 1234", pending[0].Plate)
	assert.Equal(t, "blue", pending[0].Color)
}

func TestPlateResultGivesUpAfterRetries(t *testing.T) {
	t.Parallel()
	unsaved := fmt.Errorf("%w: read-only filesystem", notification.ErrNotQueued)
	q := &flakyQueue{failures: []error{unsaved, unsaved, unsaved, unsaved}}
	svc, v := openViolationWithQueue(t, q)

	svc.HandlePlateResult(context.Background(), parking.PlateResult{TrackID: 4, ViolationID: v.ID, Plate: "ABC 1234", Confidence: 0.9})

	assert.Equal(t, notifyAttempts, q.calls)
	assert.Empty(t, svc.PendingNotifications())
}

func TestPlateResultDoesNotRetryFlushFailure(t *testing.T) {
	t.Parallel()
	q := &flakyQueue{failures: []error{errors.New("transport unavailable")}}
	svc, v := openViolationWithQueue(t, q)

	svc.HandlePlateResult(context.Background(), parking.PlateResult{TrackID: 4, ViolationID: v.ID, Plate: "ABC 1234", Confidence: 0.9})

	assert.Equal(t, 1, q.calls)
	assert.Len(t, svc.PendingNotifications(), 1)
}

func TestViolationOpenMatchesCurrentViolation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, nil)
	for i := 0; i <= 10; i++ {
		_, err := f.svc.ProcessFrame(ctx, parkedFrame(t0.Add(time.Duration(i)*time.Second), 6))
		require.NoError(t, err)
	}
	v, ok := f.manager.Open(6)
	require.True(t, ok)

	assert.True(t, f.svc.ViolationOpen(6, v.ID))
	assert.False(t, f.svc.ViolationOpen(6, uuid.New()))
	assert.False(t, f.svc.ViolationOpen(99, v.ID))

	f.manager.Expire(ctx, 6, t0.Add(20*time.Second))
	assert.False(t, f.svc.ViolationOpen(6, v.ID))
}
