package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service counters. Components update the atomics directly;
// Prometheus reads them at scrape time.
type Metrics struct {
	// Tracking
	FramesProcessed   atomic.Uint64
	DetectionsIgnored atomic.Uint64
	ActiveTracks      atomic.Int64
	TracksExpired     atomic.Uint64

	// Violations
	ViolationsOpened atomic.Uint64
	ViolationsClosed atomic.Uint64
	OpenViolations   atomic.Int64
	PersistFailures  atomic.Uint64
	EvidenceFailures atomic.Uint64

	// OCR
	OCRAttempts      atomic.Uint64
	OCRErrors        atomic.Uint64
	OCRQueueLength   atomic.Int64
	OCRAbandoned     atomic.Uint64
	PlatesResolved   atomic.Uint64
	PlatesUnknown    atomic.Uint64
	ResultsDiscarded atomic.Uint64

	// Notifications
	NotificationsPending atomic.Int64
	BatchesSent          atomic.Uint64
	BatchesFailed        atomic.Uint64

	registry *prometheus.Registry
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) registerPrometheusMetrics() {
	counters := []struct {
		name, help string
		v          *atomic.Uint64
	}{
		{"parking_frames_processed_total", "Detection frames processed", &m.FramesProcessed},
		{"parking_detections_ignored_total", "Detections outside the region of interest", &m.DetectionsIgnored},
		{"parking_tracks_expired_total", "Tracks removed after the expiry grace period", &m.TracksExpired},
		{"parking_violations_opened_total", "Violations opened", &m.ViolationsOpened},
		{"parking_violations_closed_total", "Violations closed", &m.ViolationsClosed},
		{"parking_persist_failures_total", "Violation writes that failed after retries", &m.PersistFailures},
		{"parking_evidence_failures_total", "Evidence images that could not be stored", &m.EvidenceFailures},
		{"parking_ocr_attempts_total", "OCR recognizer calls", &m.OCRAttempts},
		{"parking_ocr_errors_total", "OCR recognizer calls that failed", &m.OCRErrors},
		{"parking_ocr_abandoned_total", "OCR work dropped because its violation closed first", &m.OCRAbandoned},
		{"parking_plates_resolved_total", "Violations resolved to a plate", &m.PlatesResolved},
		{"parking_plates_unknown_total", "Violations resolved to Unknown", &m.PlatesUnknown},
		{"parking_ocr_results_discarded_total", "OCR results for violations that were already closed", &m.ResultsDiscarded},
		{"parking_notification_batches_sent_total", "Notification batches delivered to the transport", &m.BatchesSent},
		{"parking_notification_batches_failed_total", "Notification batches rejected by the transport", &m.BatchesFailed},
	}
	for _, c := range counters {
		v := c.v
		m.registry.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: c.name, Help: c.help},
			func() float64 { return float64(v.Load()) },
		))
	}

	gauges := []struct {
		name, help string
		v          *atomic.Int64
	}{
		{"parking_active_tracks", "Tracks currently held by the tracker", &m.ActiveTracks},
		{"parking_open_violations", "Violations currently open", &m.OpenViolations},
		{"parking_ocr_queue_length", "Work items waiting for the OCR worker", &m.OCRQueueLength},
		{"parking_notifications_pending", "Notifications waiting for the next batch", &m.NotificationsPending},
	}
	for _, g := range gauges {
		v := g.v
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help},
			func() float64 { return float64(v.Load()) },
		))
	}
}
