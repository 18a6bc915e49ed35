package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"parking-service/internal/domain/parking"
	"parking-service/internal/metrics"
	"parking-service/internal/timeutil"
)

var (
	ErrNothingPending = errors.New("no pending notifications")
	// ErrNotQueued means Add could not persist the notification and dropped it.
	ErrNotQueued = errors.New("notification not queued")
)

// Threshold flushes once at least Count notifications are pending and
// RequiredElapsedSeconds have passed since the last flush.
type Threshold struct {
	Count                  int   `json:"count"`
	RequiredElapsedSeconds int64 `json:"requiredElapsedSeconds"`
}

type Settings struct {
	Thresholds []Threshold `json:"thresholds"`
}

// DefaultThresholds is the tier table, highest count first.
func DefaultThresholds() []Threshold {
	return []Threshold{
		{Count: 20, RequiredElapsedSeconds: 1800},
		{Count: 10, RequiredElapsedSeconds: 3600},
		{Count: 5, RequiredElapsedSeconds: 7200},
		{Count: 1, RequiredElapsedSeconds: 10800},
	}
}

// bufferState is the on-disk document. LastFlushTime is Unix seconds and
// null until the timer first starts.
type bufferState struct {
	PendingNotifications []parking.PendingNotification `json:"pendingNotifications"`
	LastFlushTime        *float64                      `json:"lastFlushTime"`
	NotificationSettings Settings                      `json:"notificationSettings"`
}

// Batch is one flushed group of notifications.
type Batch struct {
	ID        uuid.UUID                     `json:"id"`
	CreatedAt time.Time                     `json:"created_at"`
	Count     int                           `json:"count"`
	Entries   []parking.PendingNotification `json:"entries"`
	Message   string                        `json:"message"`
}

// Transport delivers a batch. A returned error keeps the entries pending.
type Transport interface {
	SendBatch(ctx context.Context, batch Batch) error
}

// Buffer is the durable pending-notification queue with its tiered flush
// policy. Every mutation is written to disk before it is acknowledged.
type Buffer struct {
	path      string
	transport Transport
	clock     timeutil.Clock
	metrics   *metrics.Metrics
	log       zerolog.Logger

	flushMu sync.Mutex // serializes flushes

	mu    sync.Mutex
	state bufferState
}

type Option func(*Buffer)

func WithClock(c timeutil.Clock) Option {
	return func(b *Buffer) { b.clock = c }
}

// NewBuffer loads the state file at path, creating it when missing. The
// configured thresholds replace whatever table the file holds.
func NewBuffer(path string, thresholds []Threshold, transport Transport, m *metrics.Metrics, log zerolog.Logger, opts ...Option) (*Buffer, error) {
	if len(thresholds) == 0 {
		thresholds = DefaultThresholds()
	}
	sorted := append([]Threshold(nil), thresholds...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Count > sorted[j].Count })

	b := &Buffer{
		path:      path,
		transport: transport,
		clock:     timeutil.RealClock{},
		metrics:   m,
		log:       log,
	}
	for _, opt := range opts {
		opt(b)
	}

	st, err := loadState(path)
	if err != nil {
		return nil, err
	}
	st.NotificationSettings.Thresholds = sorted
	b.state = st
	b.metrics.NotificationsPending.Store(int64(len(st.PendingNotifications)))

	if err := b.save(); err != nil {
		return nil, err
	}

	b.log.Info().
		Str("path", path).
		Int("pending", len(st.PendingNotifications)).
		Msg("notification buffer loaded")
	return b, nil
}

func loadState(path string) (bufferState, error) {
	var st bufferState
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		st.PendingNotifications = []parking.PendingNotification{}
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("failed to read notification buffer: %w", err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("failed to parse notification buffer %s: %w", path, err)
	}
	if st.PendingNotifications == nil {
		st.PendingNotifications = []parking.PendingNotification{}
	}
	return st, nil
}

// save writes the state through a temp file and rename. Callers hold mu.
func (b *Buffer) save() error {
	data, err := json.MarshalIndent(b.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode notification buffer: %w", err)
	}

	dir := filepath.Dir(b.path)
	tmp, err := os.CreateTemp(dir, ".notification-buffer-*")
	if err != nil {
		return fmt.Errorf("failed to create temp buffer file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write buffer file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync buffer file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close buffer file: %w", err)
	}
	if err := os.Rename(tmp.Name(), b.path); err != nil {
		return fmt.Errorf("failed to replace buffer file: %w", err)
	}
	return nil
}

// Add appends a notification, persists it and then evaluates the flush
// policy. It reports whether a batch was sent. Errors wrapping ErrNotQueued
// leave the buffer unchanged; any other error comes from the flush and the
// notification stays pending.
func (b *Buffer) Add(ctx context.Context, plate, color string) (bool, error) {
	b.mu.Lock()
	b.state.PendingNotifications = append(b.state.PendingNotifications, parking.PendingNotification{
		Plate:     plate,
		Color:     color,
		Timestamp: b.clock.Now().UTC(),
	})
	err := b.save()
	if err != nil {
		b.state.PendingNotifications = b.state.PendingNotifications[:len(b.state.PendingNotifications)-1]
	}
	pending := len(b.state.PendingNotifications)
	b.mu.Unlock()

	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrNotQueued, err)
	}
	b.metrics.NotificationsPending.Store(int64(pending))
	b.log.Debug().Str("plate", plate).Str("color", color).Int("pending", pending).Msg("notification queued")

	return b.Evaluate(ctx)
}

// Evaluate applies the tier table: the highest tier whose count is reached
// decides, and lower tiers are not consulted. With no flush on record the
// timer starts instead of flushing.
func (b *Buffer) Evaluate(ctx context.Context) (bool, error) {
	b.mu.Lock()
	pending := len(b.state.PendingNotifications)
	if pending == 0 {
		b.mu.Unlock()
		return false, nil
	}

	tier, ok := b.matchTier(pending)
	if !ok {
		b.mu.Unlock()
		return false, nil
	}

	now := b.clock.Now()
	if b.state.LastFlushTime == nil {
		b.setLastFlush(now)
		err := b.save()
		b.mu.Unlock()
		if err != nil {
			return false, err
		}
		b.log.Info().Int("pending", pending).Int("tier", tier.Count).Msg("notification timer started")
		return false, nil
	}

	elapsed := now.Sub(b.lastFlush())
	due := elapsed >= time.Duration(tier.RequiredElapsedSeconds)*time.Second
	b.mu.Unlock()

	if !due {
		return false, nil
	}

	b.log.Info().
		Int("pending", pending).
		Int("tier", tier.Count).
		Dur("elapsed", elapsed).
		Msg("notification tier reached")
	if err := b.flush(ctx); err != nil {
		if errors.Is(err, ErrNothingPending) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (b *Buffer) matchTier(pending int) (Threshold, bool) {
	for _, t := range b.state.NotificationSettings.Thresholds {
		if pending >= t.Count {
			return t, true
		}
	}
	return Threshold{}, false
}

// ForceFlush sends every pending notification regardless of the timer.
func (b *Buffer) ForceFlush(ctx context.Context) error {
	return b.flush(ctx)
}

func (b *Buffer) flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	entries := append([]parking.PendingNotification(nil), b.state.PendingNotifications...)
	b.mu.Unlock()

	if len(entries) == 0 {
		return ErrNothingPending
	}

	batch := Batch{
		ID:        uuid.New(),
		CreatedAt: b.clock.Now().UTC(),
		Count:     len(entries),
		Entries:   entries,
		Message:   FormatMessage(entries),
	}

	if err := b.transport.SendBatch(ctx, batch); err != nil {
		b.metrics.BatchesFailed.Add(1)
		b.log.Error().Err(err).Int("count", batch.Count).Msg("failed to send notification batch, keeping entries")
		return fmt.Errorf("failed to send notification batch: %w", err)
	}

	// Entries added while the batch was in flight stay pending.
	b.mu.Lock()
	b.state.PendingNotifications = append([]parking.PendingNotification{}, b.state.PendingNotifications[len(entries):]...)
	b.setLastFlush(b.clock.Now())
	err := b.save()
	pending := len(b.state.PendingNotifications)
	b.mu.Unlock()

	b.metrics.BatchesSent.Add(1)
	b.metrics.NotificationsPending.Store(int64(pending))
	b.log.Info().
		Str("batch_id", batch.ID.String()).
		Int("count", batch.Count).
		Msg("notification batch sent")

	if err != nil {
		return fmt.Errorf("batch sent but buffer not saved: %w", err)
	}
	return nil
}

// Pending returns a copy of the queued notifications.
func (b *Buffer) Pending() []parking.PendingNotification {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]parking.PendingNotification{}, b.state.PendingNotifications...)
}

// LastFlush returns the time of the last flush, or false when the timer has
// not started.
func (b *Buffer) LastFlush() (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.LastFlushTime == nil {
		return time.Time{}, false
	}
	return b.lastFlush(), true
}

func (b *Buffer) Thresholds() []Threshold {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Threshold(nil), b.state.NotificationSettings.Thresholds...)
}

func (b *Buffer) setLastFlush(t time.Time) {
	secs := float64(t.UnixMilli()) / 1000
	b.state.LastFlushTime = &secs
}

func (b *Buffer) lastFlush() time.Time {
	return time.UnixMilli(int64(math.Round(*b.state.LastFlushTime * 1000)))
}

// Run evaluates the policy every interval until ctx is cancelled.
func (b *Buffer) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	b.log.Info().Dur("interval", interval).Msg("notification check loop started")
	for {
		select {
		case <-ctx.Done():
			b.log.Info().Msg("notification check loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := b.Evaluate(ctx); err != nil {
				b.log.Warn().Err(err).Msg("notification check failed")
			}
		}
	}
}
