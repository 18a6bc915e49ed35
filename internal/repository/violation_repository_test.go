package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"parking-service/internal/domain/parking"
	"parking-service/internal/notification"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB, WithoutReturning: true}), &gorm.Config{
		Logger:                 logger.Discard,
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)
	return gdb, mock
}

func TestInsertViolation(t *testing.T) {
	gdb, mock := newMockDB(t)
	repo := NewViolationRepository(gdb)

	color := "white"
	v := &parking.Violation{
		ID:        uuid.New(),
		TrackID:   12,
		Status:    parking.ViolationOpen,
		StartedAt: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		Color:     &color,
		Location:  "Lot B",
	}

	mock.ExpectExec(`INSERT INTO "violations"`).WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.InsertViolation(context.Background(), v))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateEvidenceMissingRow(t *testing.T) {
	gdb, mock := newMockDB(t)
	repo := NewViolationRepository(gdb)

	mock.ExpectExec(`UPDATE "violations" SET`).WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateEvidence(context.Background(), uuid.New(), "XYZ 123", 0.9,
		[]parking.OcrAttempt{{Text: "XYZ 123", Confidence: 0.9}})
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCloseViolation(t *testing.T) {
	gdb, mock := newMockDB(t)
	repo := NewViolationRepository(gdb)

	mock.ExpectExec(`UPDATE "violations" SET .*"duration_seconds"`).WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.CloseViolation(context.Background(), uuid.New(), time.Now(), 30)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListViolationsFilters(t *testing.T) {
	gdb, mock := newMockDB(t)
	repo := NewViolationRepository(gdb)

	id := uuid.New()
	started := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "track_id", "status", "started_at", "plate", "plate_normalized", "location", "ocr_readings"}).
		AddRow(id.String(), 4, "closed", started, "XYZ 123", "XYZ123", "Lot A", `[{"text":"XYZ 123","confidence":0.9}]`)

	mock.ExpectQuery(`SELECT \* FROM "violations" WHERE plate_normalized = \$1 AND status = \$2 ORDER BY started_at DESC LIMIT \$3`).
		WithArgs("XYZ123", "closed", 10).
		WillReturnRows(rows)

	plate := "xyz-123"
	status := parking.ViolationClosed
	got, err := repo.ListViolations(context.Background(), ViolationFilter{Plate: &plate, Status: &status, Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)
	require.Len(t, got[0].OcrReadings, 1)
	assert.Equal(t, "XYZ 123", got[0].OcrReadings[0].Text)

	d := got[0].ToDomain()
	assert.Equal(t, parking.ViolationClosed, d.Status)
	assert.Equal(t, "Lot A", d.Location)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetViolationNotFound(t *testing.T) {
	gdb, mock := newMockDB(t)
	repo := NewViolationRepository(gdb)

	mock.ExpectQuery(`SELECT \* FROM "violations" WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.GetViolation(context.Background(), uuid.New())
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteViolation(t *testing.T) {
	gdb, mock := newMockDB(t)
	repo := NewViolationRepository(gdb)

	mock.ExpectExec(`DELETE FROM "violations" WHERE id = \$1`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM "violations" WHERE id = \$1`).WillReturnResult(sqlmock.NewResult(0, 0))

	deleted, err := repo.DeleteViolation(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = repo.DeleteViolation(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxSendBatch(t *testing.T) {
	gdb, mock := newMockDB(t)
	outbox := NewOutboxTransport(gdb)

	mock.ExpectExec(`INSERT INTO "notification_batches"`).WillReturnResult(sqlmock.NewResult(0, 1))

	batch := notification.Batch{
		ID:        uuid.New(),
		CreatedAt: time.Now(),
		Count:     1,
		Entries:   []parking.PendingNotification{{Plate: "ABC 123", Color: "red", Timestamp: time.Now()}},
		Message:   "New parking violations: 1",
	}
	require.NoError(t, outbox.SendBatch(context.Background(), batch))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxSendBatchError(t *testing.T) {
	gdb, mock := newMockDB(t)
	outbox := NewOutboxTransport(gdb)

	mock.ExpectExec(`INSERT INTO "notification_batches"`).WillReturnError(assert.AnError)

	err := outbox.SendBatch(context.Background(), notification.Batch{ID: uuid.New()})
	assert.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteClosedBefore(t *testing.T) {
	gdb, mock := newMockDB(t)
	repo := NewViolationRepository(gdb)

	cutoff := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(`DELETE FROM "violations" WHERE status = \$1 AND ended_at < \$2`).
		WithArgs("closed", cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))

	deleted, err := repo.DeleteClosedBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxUnsent(t *testing.T) {
	gdb, mock := newMockDB(t)
	outbox := NewOutboxTransport(gdb)

	id := uuid.New()
	rows := sqlmock.NewRows([]string{"id", "count", "message", "payload", "created_at"}).
		AddRow(id.String(), 2, "New parking violations: 2", `{"count":2,"message":"New parking violations: 2"}`, time.Now())

	mock.ExpectQuery(`SELECT \* FROM "notification_batches" WHERE sent_at IS NULL ORDER BY created_at ASC LIMIT \$1`).
		WithArgs(5).
		WillReturnRows(rows)

	got, err := outbox.Unsent(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)
	assert.Equal(t, 2, got[0].Payload.Data().Count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCloseStaleOpen(t *testing.T) {
	gdb, mock := newMockDB(t)
	repo := NewViolationRepository(gdb)

	mock.ExpectExec(`UPDATE "violations" SET .* WHERE status = \$\d+`).
		WillReturnResult(sqlmock.NewResult(0, 2))

	closed, err := repo.CloseStaleOpen(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(2), closed)
	assert.NoError(t, mock.ExpectationsWereMet())
}
