package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"parking-service/internal/notification"
)

// NotificationBatch is an outbox row. An external sender delivers rows
// with a nil SentAt and stamps them.
type NotificationBatch struct {
	ID        uuid.UUID                              `gorm:"type:uuid;primaryKey"`
	Count     int                                    `gorm:"not null"`
	Message   string                                 `gorm:"not null"`
	Payload   datatypes.JSONType[notification.Batch] `gorm:"type:jsonb"`
	SentAt    *time.Time
	CreatedAt time.Time
}

// OutboxTransport hands notification batches to the outbox table.
type OutboxTransport struct {
	db *gorm.DB
}

func NewOutboxTransport(db *gorm.DB) *OutboxTransport {
	return &OutboxTransport{db: db}
}

func (t *OutboxTransport) SendBatch(ctx context.Context, batch notification.Batch) error {
	row := NotificationBatch{
		ID:        batch.ID,
		Count:     batch.Count,
		Message:   batch.Message,
		Payload:   datatypes.NewJSONType(batch),
		CreatedAt: batch.CreatedAt,
	}
	if err := t.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to write notification batch: %w", err)
	}
	return nil
}

// Unsent lists outbox rows that have not been delivered, oldest first.
func (t *OutboxTransport) Unsent(ctx context.Context, limit int) ([]NotificationBatch, error) {
	query := t.db.WithContext(ctx).Where("sent_at IS NULL").Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []NotificationBatch
	err := query.Find(&rows).Error
	return rows, err
}
