package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"parking-service/internal/domain/parking"
	"parking-service/internal/utils"
)

type ViolationRepository struct {
	db *gorm.DB
}

func NewViolationRepository(db *gorm.DB) *ViolationRepository {
	return &ViolationRepository{db: db}
}

type Violation struct {
	ID              uuid.UUID                               `gorm:"type:uuid;primaryKey"`
	TrackID         int64                                   `gorm:"not null"`
	Status          string                                  `gorm:"not null"`
	StartedAt       time.Time                               `gorm:"not null"`
	EndedAt         *time.Time
	DurationSeconds *int64
	Plate           *string
	PlateNormalized *string
	PlateConfidence *float64
	Color           *string
	EvidenceRef     *string
	Location        *string
	OcrReadings     datatypes.JSONSlice[parking.OcrAttempt] `gorm:"type:jsonb"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ViolationFilter narrows ListViolations. Nil fields are ignored.
type ViolationFilter struct {
	Plate  *string
	Status *parking.ViolationStatus
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}

func (r *ViolationRepository) InsertViolation(ctx context.Context, v *parking.Violation) error {
	now := time.Now()
	row := Violation{
		ID:              v.ID,
		TrackID:         v.TrackID,
		Status:          string(v.Status),
		StartedAt:       v.StartedAt,
		EndedAt:         v.EndedAt,
		DurationSeconds: v.DurationSeconds,
		Plate:           v.Plate,
		PlateConfidence: v.PlateConfidence,
		Color:           v.Color,
		EvidenceRef:     v.EvidenceRef,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if v.Location != "" {
		row.Location = &v.Location
	}
	if v.Plate != nil {
		normalized := utils.NormalizePlate(*v.Plate)
		row.PlateNormalized = &normalized
	}

	return r.db.WithContext(ctx).Create(&row).Error
}

// UpdateEvidence stores the resolved plate and the raw OCR readings.
func (r *ViolationRepository) UpdateEvidence(ctx context.Context, id uuid.UUID, plate string, confidence float64, attempts []parking.OcrAttempt) error {
	updates := map[string]interface{}{
		"plate":            plate,
		"plate_normalized": utils.NormalizePlate(plate),
		"plate_confidence": confidence,
		"ocr_readings":     datatypes.NewJSONSlice(attempts),
		"updated_at":       time.Now(),
	}
	return r.update(ctx, id, updates)
}

func (r *ViolationRepository) CloseViolation(ctx context.Context, id uuid.UUID, endedAt time.Time, durationSeconds int64) error {
	updates := map[string]interface{}{
		"status":           string(parking.ViolationClosed),
		"ended_at":         endedAt,
		"duration_seconds": durationSeconds,
		"updated_at":       time.Now(),
	}
	return r.update(ctx, id, updates)
}

func (r *ViolationRepository) update(ctx context.Context, id uuid.UUID, updates map[string]interface{}) error {
	res := r.db.WithContext(ctx).
		Model(&Violation{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *ViolationRepository) GetViolation(ctx context.Context, id uuid.UUID) (*Violation, error) {
	var row Violation
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *ViolationRepository) ListViolations(ctx context.Context, f ViolationFilter) ([]Violation, error) {
	query := r.db.WithContext(ctx).Model(&Violation{})

	if f.Plate != nil {
		query = query.Where("plate_normalized = ?", utils.NormalizePlate(*f.Plate))
	}
	if f.Status != nil {
		query = query.Where("status = ?", string(*f.Status))
	}
	if f.From != nil {
		query = query.Where("started_at >= ?", *f.From)
	}
	if f.To != nil {
		query = query.Where("started_at <= ?", *f.To)
	}

	query = query.Order("started_at DESC")

	if f.Limit > 0 {
		query = query.Limit(f.Limit)
	}
	if f.Offset > 0 {
		query = query.Offset(f.Offset)
	}

	var rows []Violation
	err := query.Find(&rows).Error
	return rows, err
}

func (r *ViolationRepository) DeleteViolation(ctx context.Context, id uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&Violation{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// DeleteClosedBefore removes closed violations that ended before cutoff.
func (r *ViolationRepository) DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status = ? AND ended_at < ?", string(parking.ViolationClosed), cutoff).
		Delete(&Violation{})
	return res.RowsAffected, res.Error
}

// CloseStaleOpen closes violations left open by a previous run. Their
// in-memory lifecycle is gone, so they end at endedAt.
func (r *ViolationRepository) CloseStaleOpen(ctx context.Context, endedAt time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&Violation{}).
		Where("status = ?", string(parking.ViolationOpen)).
		Updates(map[string]interface{}{
			"status":           string(parking.ViolationClosed),
			"ended_at":         gorm.Expr("GREATEST(?, started_at)", endedAt),
			"duration_seconds": gorm.Expr("GREATEST(0, FLOOR(EXTRACT(EPOCH FROM (? - started_at))))::bigint", endedAt),
			"updated_at":       time.Now(),
		})
	return res.RowsAffected, res.Error
}

// ToDomain converts a row back into the domain record.
func (v *Violation) ToDomain() parking.Violation {
	out := parking.Violation{
		ID:              v.ID,
		TrackID:         v.TrackID,
		Status:          parking.ViolationStatus(v.Status),
		StartedAt:       v.StartedAt,
		EndedAt:         v.EndedAt,
		DurationSeconds: v.DurationSeconds,
		Plate:           v.Plate,
		PlateConfidence: v.PlateConfidence,
		Color:           v.Color,
		EvidenceRef:     v.EvidenceRef,
	}
	if v.Location != nil {
		out.Location = *v.Location
	}
	return out
}
