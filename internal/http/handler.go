package http

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io/fs"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"parking-service/internal/domain/parking"
	"parking-service/internal/service"
	"parking-service/internal/tracking"
)

// ParkingService is the part of service.ParkingService the handler uses.
type ParkingService interface {
	ProcessFrame(ctx context.Context, frame parking.Frame) (*service.FrameResult, error)
	FindViolations(ctx context.Context, plateQuery, status, from, to *string, limit, offset int) ([]service.ViolationInfo, error)
	GetViolation(ctx context.Context, rawID string) (*service.ViolationInfo, error)
	DeleteViolation(ctx context.Context, rawID string) error
	OpenViolations() []service.OpenViolationInfo
	TrackState(trackID int64) (*tracking.TrackSnapshot, error)
	PendingNotifications() []parking.PendingNotification
	FlushNotifications(ctx context.Context) (bool, error)
	CleanupOldViolations(ctx context.Context, days int) (int64, error)
}

// EvidenceFiles resolves an evidence reference to a file on disk.
type EvidenceFiles interface {
	Path(ref string) (string, error)
}

type Handler struct {
	parkingService ParkingService
	evidence       EvidenceFiles
	metrics        http.Handler
	log            zerolog.Logger
}

func NewHandler(
	parkingService ParkingService,
	evidence EvidenceFiles,
	metrics http.Handler,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		parkingService: parkingService,
		evidence:       evidence,
		metrics:        metrics,
		log:            log,
	}
}

func (h *Handler) Register(r *gin.Engine, authMiddleware gin.HandlerFunc) {
	r.GET("/healthz", h.health)
	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics))
	}

	// Public endpoints
	public := r.Group("/api/v1")
	{
		public.POST("/frames", h.ingestFrame)
		public.GET("/violations", h.listViolations)
		public.GET("/violations/open", h.listOpenViolations)
		public.GET("/violations/:id", h.getViolation)
		public.GET("/violations/:id/evidence", h.getEvidence)
		public.GET("/tracks/:id", h.getTrack)
		public.GET("/notifications/pending", h.listPendingNotifications)
	}

	// Operator endpoints
	protected := r.Group("/api/v1")
	protected.Use(authMiddleware)
	{
		protected.DELETE("/violations/:id", h.deleteViolation)
		protected.POST("/violations/cleanup", h.cleanupViolations)
		protected.POST("/notifications/flush", h.flushNotifications)
	}
}

type boxPayload struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

type detectionPayload struct {
	TrackID int64      `json:"track_id"`
	Box     boxPayload `json:"box"`
	Hint    string     `json:"hint"`
	// Crop is a base64 encoded JPEG or PNG of the vehicle.
	Crop string `json:"crop,omitempty"`
}

type framePayload struct {
	Timestamp  time.Time          `json:"timestamp"`
	Detections []detectionPayload `json:"detections"`
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) ingestFrame(c *gin.Context) {
	var payload framePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now()
	}

	frame := parking.Frame{
		Timestamp:  payload.Timestamp,
		Detections: make([]parking.Detection, 0, len(payload.Detections)),
	}
	for i, d := range payload.Detections {
		hint, err := parseHint(d.Hint)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse(fmt.Sprintf("detection %d: %s", i, err)))
			return
		}
		det := parking.Detection{
			TrackID: d.TrackID,
			Box:     parking.BoundingBox{X1: d.Box.X1, Y1: d.Box.Y1, X2: d.Box.X2, Y2: d.Box.Y2},
			Hint:    hint,
		}
		if d.Crop != "" {
			img, err := decodeCrop(d.Crop)
			if err != nil {
				c.JSON(http.StatusBadRequest, errorResponse(fmt.Sprintf("detection %d: %s", i, err)))
				return
			}
			det.Crop = img
		}
		frame.Detections = append(frame.Detections, det)
	}

	result, err := h.parkingService.ProcessFrame(c.Request.Context(), frame)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(result))
}

func parseHint(raw string) (parking.TrackState, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "unknown":
		return parking.StateUnknown, nil
	case "moving":
		return parking.StateMoving, nil
	case "stationary":
		return parking.StateStationary, nil
	}
	return "", fmt.Errorf("unknown hint %q", raw)
}

func decodeCrop(raw string) (image.Image, error) {
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("crop is not valid base64: %w", err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("crop is not a valid image: %w", err)
	}
	return img, nil
}

func (h *Handler) listViolations(c *gin.Context) {
	var plateQuery, status *string
	if plate := strings.TrimSpace(c.Query("plate")); plate != "" {
		plateQuery = &plate
	}
	if s := strings.TrimSpace(c.Query("status")); s != "" {
		status = &s
	}

	var from, to *string
	if f := strings.TrimSpace(c.Query("from")); f != "" {
		from = &f
	}
	if t := strings.TrimSpace(c.Query("to")); t != "" {
		to = &t
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	offset := 0
	if o := c.Query("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	violations, err := h.parkingService.FindViolations(c.Request.Context(), plateQuery, status, from, to, limit, offset)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(violations))
}

func (h *Handler) listOpenViolations(c *gin.Context) {
	c.JSON(http.StatusOK, successResponse(h.parkingService.OpenViolations()))
}

func (h *Handler) getViolation(c *gin.Context) {
	v, err := h.parkingService.GetViolation(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(v))
}

// getEvidence serves the crop captured when the violation opened.
func (h *Handler) getEvidence(c *gin.Context) {
	v, err := h.parkingService.GetViolation(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	if v.EvidenceRef == nil || h.evidence == nil {
		c.JSON(http.StatusNotFound, errorResponse("violation has no evidence image"))
		return
	}

	path, err := h.evidence.Path(*v.EvidenceRef)
	if err != nil {
		h.log.Warn().Err(err).Str("violation_id", v.ID.String()).Msg("stored evidence reference is invalid")
		c.JSON(http.StatusNotFound, errorResponse("evidence image not found"))
		return
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.JSON(http.StatusNotFound, errorResponse("evidence image not found"))
			return
		}
		h.handleError(c, err)
		return
	}
	c.File(path)
}

func (h *Handler) deleteViolation(c *gin.Context) {
	if err := h.parkingService.DeleteViolation(c.Request.Context(), c.Param("id")); err != nil {
		h.handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) cleanupViolations(c *gin.Context) {
	days, err := strconv.Atoi(c.DefaultQuery("older_than_days", "30"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("older_than_days must be an integer"))
		return
	}

	deleted, err := h.parkingService.CleanupOldViolations(c.Request.Context(), days)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(gin.H{"deleted": deleted}))
}

func (h *Handler) getTrack(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("track id must be an integer"))
		return
	}

	snap, err := h.parkingService.TrackState(id)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(snap))
}

func (h *Handler) listPendingNotifications(c *gin.Context) {
	c.JSON(http.StatusOK, successResponse(h.parkingService.PendingNotifications()))
}

func (h *Handler) flushNotifications(c *gin.Context) {
	flushed, err := h.parkingService.FlushNotifications(c.Request.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("failed to flush notifications")
		c.JSON(http.StatusBadGateway, errorResponse("notification transport failed"))
		return
	}
	c.JSON(http.StatusOK, successResponse(gin.H{"flushed": flushed}))
}

func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	default:
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("handler error")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
	}
}

func successResponse(data interface{}) gin.H {
	return gin.H{
		"data": data,
	}
}

func errorResponse(message string) gin.H {
	return gin.H{
		"error": message,
	}
}
