package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"parking-service/internal/config"
	"parking-service/internal/db"
	"parking-service/internal/domain/parking"
	"parking-service/internal/evidence"
	httpapi "parking-service/internal/http"
	"parking-service/internal/logger"
	"parking-service/internal/metrics"
	"parking-service/internal/notification"
	"parking-service/internal/ocr"
	"parking-service/internal/repository"
	"parking-service/internal/service"
	"parking-service/internal/tracking"
	"parking-service/internal/vehiclecolor"
	"parking-service/internal/violation"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Pretty)
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("parking service stopped")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	gdb, err := db.Connect(cfg.Database, log)
	if err != nil {
		return err
	}
	repo := repository.NewViolationRepository(gdb)
	if closed, err := repo.CloseStaleOpen(ctx, time.Now()); err != nil {
		log.Warn().Err(err).Msg("failed to close violations left open by a previous run")
	} else if closed > 0 {
		log.Info().Int64("closed", closed).Msg("closed violations left open by a previous run")
	}

	evidenceStore, err := evidence.NewDiskStore(cfg.Evidence.Dir)
	if err != nil {
		return err
	}

	var classifier violation.ColorClassifier
	switch cfg.Color.Strategy {
	case "palette":
		classifier = vehiclecolor.NewPaletteClassifier(log.With().Str("component", "color").Logger())
	default:
		params := vehiclecolor.DefaultParams().Merge(cfg.Color.Params)
		classifier = vehiclecolor.NewHSVClassifier(params, log.With().Str("component", "color").Logger())
	}

	tracker := tracking.NewTracker(tracking.Config{
		WindowSize:          cfg.Tracking.WindowSize,
		MovementThresholdPx: cfg.Tracking.MovementThresholdPx,
		SpeedThresholdPxSec: cfg.Tracking.SpeedThresholdPxSec,
		ConfidenceThreshold: cfg.Tracking.ConfidenceThreshold,
		ExpiryGrace:         cfg.Tracking.ExpiryGrace,
	}, log.With().Str("component", "tracker").Logger())

	manager := violation.NewManager(violation.Config{
		StationaryThreshold: cfg.Violation.StationaryThreshold,
		Location:            cfg.Violation.Location,
		PersistAttempts:     cfg.Violation.PersistAttempts,
		PersistBackoff:      cfg.Violation.PersistBackoff,
	}, repo, evidenceStore, classifier, m, log.With().Str("component", "violations").Logger())

	var transport notification.Transport
	switch cfg.Notification.Transport {
	case "log":
		transport = notification.NewLogTransport(log.With().Str("component", "notify").Logger())
	default:
		transport = repository.NewOutboxTransport(gdb)
	}

	thresholds := make([]notification.Threshold, 0, len(cfg.Notification.Thresholds))
	for _, t := range cfg.Notification.Thresholds {
		thresholds = append(thresholds, notification.Threshold{
			Count:                  t.Count,
			RequiredElapsedSeconds: int64(t.Elapsed / time.Second),
		})
	}
	buffer, err := notification.NewBuffer(cfg.Notification.BufferPath, thresholds, transport, m,
		log.With().Str("component", "notify").Logger())
	if err != nil {
		return err
	}

	region := make(parking.Region, 0, len(cfg.Region))
	for _, p := range cfg.Region {
		region = append(region, parking.Point{X: p.X, Y: p.Y})
	}

	svc := service.NewParkingService(tracker, manager, buffer, repo, region, m, log)

	var recognizer ocr.Recognizer
	switch cfg.OCR.Engine {
	case "tesseract":
		tess, err := ocr.NewGosseractRecognizer(cfg.OCR.Languages...)
		if err != nil {
			return fmt.Errorf("failed to start tesseract: %w", err)
		}
		defer tess.Close()
		recognizer = tess
	default:
		recognizer = ocr.NewHTTPRecognizer(cfg.OCR.Endpoint, cfg.OCR.CallTimeout)
	}
	log.Info().Str("engine", cfg.OCR.Engine).Msg("OCR recognizer ready")

	aggregator := ocr.NewAggregator(ocr.Config{
		MaxAttempts:   cfg.OCR.MaxAttempts,
		MinConfidence: cfg.OCR.MinConfidence,
		CallTimeout:   cfg.OCR.CallTimeout,
		PollTimeout:   cfg.OCR.PollTimeout,
		Upscale:       cfg.OCR.Upscale,
	}, recognizer, evidenceStore, svc, m,
		log.With().Str("component", "ocr").Logger())
	manager.SetPlateReader(aggregator)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := httpapi.NewHandler(svc, evidenceStore, m.Handler(), log)
	router := httpapi.NewRouter(handler, cfg.Auth.JWTSecret, cfg.HTTP.AllowedOrigins, log)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	// The OCR worker drains on the shutdown marker rather than on cancellation.
	g.Go(func() error {
		return aggregator.Run(context.Background())
	})

	g.Go(func() error {
		err := buffer.Run(gctx, cfg.Notification.CheckInterval)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		aggregator.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	if sqlDB, dbErr := gdb.DB(); dbErr == nil {
		sqlDB.Close()
	}
	return err
}
