package parking

import (
	"image"
	"time"

	"github.com/google/uuid"
)

// TrackState is the smoothed motion classification of a tracked vehicle.
type TrackState string

const (
	StateUnknown    TrackState = "Unknown"
	StateMoving     TrackState = "Moving"
	StateStationary TrackState = "Stationary"
)

// UnknownPlate is reported when OCR evidence is insufficient.
const UnknownPlate = "Unknown"

// UnknownColor is reported when color classification fails.
const UnknownColor = "unknown"

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type BoundingBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

func (b BoundingBox) Center() Point {
	return Point{X: (b.X1 + b.X2) / 2, Y: (b.Y1 + b.Y2) / 2}
}

// Detection is one tracked object in one processed frame.
type Detection struct {
	TrackID int64
	Box     BoundingBox
	Crop    image.Image
	Hint    TrackState
}

type Frame struct {
	Timestamp  time.Time
	Detections []Detection
}

type ViolationStatus string

const (
	ViolationOpen   ViolationStatus = "open"
	ViolationClosed ViolationStatus = "closed"
)

type Violation struct {
	ID              uuid.UUID
	TrackID         int64
	Status          ViolationStatus
	StartedAt       time.Time
	EndedAt         *time.Time
	DurationSeconds *int64
	Plate           *string
	PlateConfidence *float64
	Color           *string
	EvidenceRef     *string
	Location        string
}

// Close finalizes the violation at end. end is clamped to the start time.
func (v *Violation) Close(end time.Time) {
	if end.Before(v.StartedAt) {
		end = v.StartedAt
	}
	duration := int64(end.Sub(v.StartedAt) / time.Second)
	v.Status = ViolationClosed
	v.EndedAt = &end
	v.DurationSeconds = &duration
}

type OcrAttempt struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// PlateResult is the resolved OCR evidence for one violation.
type PlateResult struct {
	TrackID     int64
	ViolationID uuid.UUID
	Plate       string
	Confidence  float64
	Attempts    []OcrAttempt
}

type PendingNotification struct {
	Plate     string    `json:"plate"`
	Color     string    `json:"color"`
	Timestamp time.Time `json:"timestamp"`
}

// Region is a polygon of interest in frame pixel coordinates.
// An empty region contains every point.
type Region []Point

// Contains reports whether p lies inside the polygon (ray casting).
func (r Region) Contains(p Point) bool {
	if len(r) < 3 {
		return true
	}
	inside := false
	j := len(r) - 1
	for i := 0; i < len(r); i++ {
		a, b := r[i], r[j]
		if (a.Y > p.Y) != (b.Y > p.Y) &&
			p.X < (b.X-a.X)*(p.Y-a.Y)/(b.Y-a.Y)+a.X {
			inside = !inside
		}
		j = i
	}
	return inside
}
