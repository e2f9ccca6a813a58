// Package scheduler runs the engine on a clock.
//
// Models retrain on a daily cadence and the anomaly scan sweeps the
// population hourly, so published models track the market without any
// operator in the loop.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/defiscope/riskengine/internal/anomaly"
	"github.com/defiscope/riskengine/internal/engine"
	"github.com/defiscope/riskengine/internal/idgen"
	"github.com/defiscope/riskengine/internal/logging"
	"github.com/defiscope/riskengine/internal/training"
)

// Engine is the slice of the engine facade the scheduler drives.
type Engine interface {
	Train(ctx context.Context) (*training.Result, error)
	TrainDetector(ctx context.Context) (*anomaly.TrainResult, error)
	ScanAnomalies(ctx context.Context) (*engine.ScanSummary, error)
	ModelVersion() (string, bool)
	DetectorVersion() (string, bool)
}

// Config for the scheduler
type Config struct {
	TrainInterval time.Duration
	ScanInterval  time.Duration
	TrainOnStart  bool // train immediately when no model is published
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		TrainInterval: 24 * time.Hour,
		ScanInterval:  time.Hour,
		TrainOnStart:  true,
	}
}

// Scheduler periodically retrains models and scans for anomalies.
type Scheduler struct {
	engine Engine
	config Config
	logger *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// New creates a scheduler over the given engine.
func New(cfg Config, eng Engine, logger *slog.Logger) *Scheduler {
	if cfg.TrainInterval <= 0 {
		cfg.TrainInterval = DefaultConfig().TrainInterval
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = DefaultConfig().ScanInterval
	}
	return &Scheduler{
		engine: eng,
		config: cfg,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start begins the retrain and scan loops.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("scheduler started",
		"train_interval", s.config.TrainInterval,
		"scan_interval", s.config.ScanInterval,
	)

	if s.config.TrainOnStart {
		if _, ok := s.engine.ModelVersion(); !ok {
			s.retrain(ctx)
		}
		if _, ok := s.engine.DetectorVersion(); !ok {
			s.retrainDetector(ctx)
		}
	}

	go s.loop(ctx)
}

// Stop stops the scheduler and waits for the loop to exit.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	trainTicker := time.NewTicker(s.config.TrainInterval)
	defer trainTicker.Stop()
	scanTicker := time.NewTicker(s.config.ScanInterval)
	defer scanTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-trainTicker.C:
			s.retrain(ctx)
			s.retrainDetector(ctx)
		case <-scanTicker.C:
			s.scan(ctx)
		}
	}
}

func (s *Scheduler) retrain(ctx context.Context) {
	ctx = s.runContext(ctx)
	res, err := s.engine.Train(ctx)
	if err != nil {
		if errors.Is(err, engine.ErrTrainingInProgress) {
			return
		}
		logging.L(ctx).Error("scheduled training failed", "error", err)
		return
	}
	logging.L(ctx).Info("scheduled training complete",
		"version", res.Bundle.VersionID,
		"algorithm", res.Winner,
		"holdout_f1", res.Bundle.Evaluation.F1,
	)
}

func (s *Scheduler) retrainDetector(ctx context.Context) {
	ctx = s.runContext(ctx)
	res, err := s.engine.TrainDetector(ctx)
	if err != nil {
		if errors.Is(err, engine.ErrTrainingInProgress) {
			return
		}
		logging.L(ctx).Error("scheduled detector training failed", "error", err)
		return
	}
	logging.L(ctx).Info("scheduled detector training complete",
		"version", res.Bundle.VersionID,
		"algorithm", res.Winner,
		"silhouette", res.Bundle.SelectionMetric,
	)
}

func (s *Scheduler) scan(ctx context.Context) {
	ctx = s.runContext(ctx)
	sum, err := s.engine.ScanAnomalies(ctx)
	if err != nil {
		if errors.Is(err, engine.ErrDetectorNotAvailable) {
			return
		}
		logging.L(ctx).Error("scheduled scan failed", "error", err)
		return
	}
	logging.L(ctx).Info("anomaly scan complete",
		"total", sum.Total,
		"anomalies", sum.AnomaliesDetected,
		"errors", len(sum.Errors),
	)
}

// runContext tags the context with the scheduler's logger and a run id.
func (s *Scheduler) runContext(ctx context.Context) context.Context {
	ctx = logging.WithLogger(ctx, s.logger)
	return logging.WithRunID(ctx, idgen.WithPrefix("run_"))
}
