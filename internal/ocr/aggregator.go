package ocr

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/image/draw"

	"parking-service/internal/domain/parking"
	"parking-service/internal/metrics"
)

var ErrNoImage = errors.New("no evidence image")

type Reading struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Recognizer reads text from an image. Confidence is a probability in [0,1].
type Recognizer interface {
	Recognize(ctx context.Context, img image.Image) ([]Reading, error)
}

type ImageLoader interface {
	Load(ref string) (image.Image, error)
}

// ResultSink receives resolved plates. It must tolerate results for
// violations that no longer exist.
type ResultSink interface {
	HandlePlateResult(ctx context.Context, result parking.PlateResult)
}

// LivenessChecker is implemented by sinks that can tell whether a violation
// is still open. Work for a closed violation is dropped before its next attempt.
type LivenessChecker interface {
	ViolationOpen(trackID int64, violationID uuid.UUID) bool
}

type Config struct {
	MaxAttempts   int
	MinConfidence float64
	CallTimeout   time.Duration
	PollTimeout   time.Duration
	Upscale       bool
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:   20,
		MinConfidence: 0.7,
		CallTimeout:   10 * time.Second,
		PollTimeout:   time.Second,
		Upscale:       true,
	}
}

type workItem struct {
	TrackID     int64
	ViolationID uuid.UUID
	ImageRef    *string
}

type attemptState struct {
	img      image.Image
	attempts []parking.OcrAttempt
}

// Aggregator runs OCR on violation evidence until enough attempts are
// collected, then resolves a single plate by majority vote.
type Aggregator struct {
	cfg        Config
	recognizer Recognizer
	loader     ImageLoader
	sink       ResultSink
	metrics    *metrics.Metrics
	log        zerolog.Logger

	mu    sync.Mutex
	queue []*workItem
	wake  chan struct{}

	// owned by the worker goroutine
	attempts map[uuid.UUID]*attemptState
}

func NewAggregator(cfg Config, recognizer Recognizer, loader ImageLoader, sink ResultSink, m *metrics.Metrics, log zerolog.Logger) *Aggregator {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = def.PollTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	return &Aggregator{
		cfg:        cfg,
		recognizer: recognizer,
		loader:     loader,
		sink:       sink,
		metrics:    m,
		log:        log,
		wake:       make(chan struct{}, 1),
		attempts:   make(map[uuid.UUID]*attemptState),
	}
}

// Submit queues evidence for a newly opened violation. A nil imageRef
// resolves to Unknown without calling the recognizer.
func (a *Aggregator) Submit(trackID int64, violationID uuid.UUID, imageRef *string) {
	a.enqueue(&workItem{TrackID: trackID, ViolationID: violationID, ImageRef: imageRef})
}

// Stop places the shutdown marker on the queue. Items queued before it are
// still processed.
func (a *Aggregator) Stop() {
	a.enqueue(nil)
}

func (a *Aggregator) enqueue(item *workItem) {
	a.mu.Lock()
	a.queue = append(a.queue, item)
	a.metrics.OCRQueueLength.Store(int64(len(a.queue)))
	a.mu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Run is the worker loop. It returns nil on the shutdown marker and the
// context error on cancellation.
func (a *Aggregator) Run(ctx context.Context) error {
	a.log.Info().Int("max_attempts", a.cfg.MaxAttempts).Msg("OCR worker started")
	defer a.log.Info().Msg("OCR worker exiting")

	for {
		item, ok := a.next(ctx)
		if !ok {
			return ctx.Err()
		}
		if item == nil {
			return nil
		}
		a.process(ctx, item)
	}
}

func (a *Aggregator) next(ctx context.Context) (*workItem, bool) {
	for {
		a.mu.Lock()
		if len(a.queue) > 0 {
			item := a.queue[0]
			a.queue[0] = nil
			a.queue = a.queue[1:]
			a.metrics.OCRQueueLength.Store(int64(len(a.queue)))
			a.mu.Unlock()
			return item, true
		}
		a.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-a.wake:
		case <-time.After(a.cfg.PollTimeout):
		}
	}
}

func (a *Aggregator) process(ctx context.Context, item *workItem) {
	log := a.log.With().
		Int64("track_id", item.TrackID).
		Str("violation_id", item.ViolationID.String()).
		Logger()

	st, ok := a.attempts[item.ViolationID]
	if !ok {
		img, err := a.loadImage(item)
		if err != nil {
			log.Warn().Err(err).Msg("evidence image unavailable, resolving plate as Unknown")
			a.finish(ctx, item, nil)
			return
		}
		st = &attemptState{img: img}
		a.attempts[item.ViolationID] = st
	}

	st.attempts = append(st.attempts, a.attempt(ctx, st.img, log))

	if len(st.attempts) >= a.cfg.MaxAttempts {
		delete(a.attempts, item.ViolationID)
		a.finish(ctx, item, st.attempts)
		return
	}
	if live, ok := a.sink.(LivenessChecker); ok && !live.ViolationOpen(item.TrackID, item.ViolationID) {
		delete(a.attempts, item.ViolationID)
		a.metrics.OCRAbandoned.Add(1)
		log.Info().Int("attempts", len(st.attempts)).Msg("violation closed before OCR finished, dropping work")
		return
	}
	a.enqueue(item)
}

func (a *Aggregator) loadImage(item *workItem) (image.Image, error) {
	if item.ImageRef == nil || a.loader == nil {
		return nil, ErrNoImage
	}
	img, err := a.loader.Load(*item.ImageRef)
	if err != nil {
		return nil, err
	}
	if a.cfg.Upscale {
		img = upscale(img, 2)
	}
	return img, nil
}

// attempt makes one recognizer call. Failures count as an empty reading.
func (a *Aggregator) attempt(ctx context.Context, img image.Image, log zerolog.Logger) parking.OcrAttempt {
	a.metrics.OCRAttempts.Add(1)

	// In-flight calls finish even when the worker is being cancelled.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.CallTimeout)
	defer cancel()

	readings, err := a.recognizer.Recognize(callCtx, img)
	if err != nil {
		a.metrics.OCRErrors.Add(1)
		log.Warn().Err(err).Msg("OCR call failed")
		return parking.OcrAttempt{}
	}
	best := bestReading(readings)
	log.Debug().
		Int("readings", len(readings)).
		Str("text", best.Text).
		Float64("confidence", best.Confidence).
		Msg("OCR attempt recorded")
	return best
}

func (a *Aggregator) finish(ctx context.Context, item *workItem, attempts []parking.OcrAttempt) {
	plate, confidence := Resolve(attempts, a.cfg.MinConfidence)
	if plate == parking.UnknownPlate {
		a.metrics.PlatesUnknown.Add(1)
	} else {
		a.metrics.PlatesResolved.Add(1)
	}

	a.log.Info().
		Int64("track_id", item.TrackID).
		Str("violation_id", item.ViolationID.String()).
		Str("plate", plate).
		Float64("confidence", confidence).
		Int("attempts", len(attempts)).
		Msg("plate resolved")

	if a.sink == nil {
		return
	}
	a.sink.HandlePlateResult(ctx, parking.PlateResult{
		TrackID:     item.TrackID,
		ViolationID: item.ViolationID,
		Plate:       plate,
		Confidence:  confidence,
		Attempts:    attempts,
	})
}

func upscale(img image.Image, factor int) image.Image {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx()*factor, b.Dy()*factor))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
