// Package engine is the facade tying the pipeline together: training runs,
// model publication, single-protocol queries and batch orchestration.
//
// Models publish through atomic registries, so scoring never blocks on
// training and readers always see a complete bundle. Training is mutually
// exclusive per model kind; a second concurrent run is rejected, not queued.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/defiscope/riskengine/internal/anomaly"
	"github.com/defiscope/riskengine/internal/config"
	"github.com/defiscope/riskengine/internal/features"
	"github.com/defiscope/riskengine/internal/logging"
	"github.com/defiscope/riskengine/internal/marketdata"
	"github.com/defiscope/riskengine/internal/metrics"
	"github.com/defiscope/riskengine/internal/modelstore"
	"github.com/defiscope/riskengine/internal/predictor"
	"github.com/defiscope/riskengine/internal/syncutil"
	"github.com/defiscope/riskengine/internal/traces"
	"github.com/defiscope/riskengine/internal/training"
)

var (
	// ErrModelNotAvailable means no risk model has been published yet.
	ErrModelNotAvailable = errors.New("no risk model published")
	// ErrDetectorNotAvailable means no anomaly detector has been published yet.
	ErrDetectorNotAvailable = errors.New("no anomaly detector published")
	// ErrTrainingInProgress means a training run of the same kind is active.
	ErrTrainingInProgress = errors.New("training already in progress")
)

// Lock keys for training mutual exclusion.
const (
	lockRisk    = "train:risk"
	lockAnomaly = "train:anomaly"
)

// Config tunes the engine. Zero values fall back to defaults.
type Config struct {
	Workers       int
	TrainLookback time.Duration
	ScoreLookback time.Duration
	MinProtocols  int
	Contamination float64
	Seed          int64
}

func (c Config) withDefaults() Config {
	if c.Workers == 0 {
		c.Workers = config.DefaultWorkers
	}
	if c.TrainLookback == 0 {
		c.TrainLookback = training.DefaultLookback
	}
	if c.ScoreLookback == 0 {
		c.ScoreLookback = anomaly.DefaultLookback
	}
	if c.MinProtocols == 0 {
		c.MinProtocols = training.DefaultMinProtocols
	}
	if c.Contamination == 0 {
		c.Contamination = anomaly.DefaultContamination
	}
	if c.Seed == 0 {
		c.Seed = training.DefaultSeed
	}
	return c
}

// FromAppConfig maps the process configuration onto an engine Config.
func FromAppConfig(app *config.Config) Config {
	return Config{
		Workers:       app.Workers,
		TrainLookback: app.TrainLookback(),
		ScoreLookback: app.ScoreLookback(),
		MinProtocols:  app.MinProtocols,
		Contamination: app.Contamination,
		Seed:          app.Seed,
	}
}

// Service is the engine facade. Construct once and share; every method is
// safe for concurrent use.
type Service struct {
	cfg      Config
	registry marketdata.ProtocolRegistry
	history  marketdata.HistoryProvider
	store    modelstore.Store
	engineer *features.Engineer

	trainer    *training.Trainer
	detTrainer *anomaly.DetectorTrainer

	locks      *syncutil.ContextShardedMutex
	riskReg    modelstore.Registry[predictor.Predictor]
	anomalyReg modelstore.Registry[anomaly.Scorer]

	now func() time.Time
}

// New wires an engine over the given collaborators. A nil store keeps
// published models in memory only.
func New(
	registry marketdata.ProtocolRegistry,
	history marketdata.HistoryProvider,
	store modelstore.Store,
	cfg Config,
) *Service {
	cfg = cfg.withDefaults()
	if store == nil {
		store = modelstore.NewMemoryStore()
	}
	engineer := features.NewEngineer(nil, nil)
	return &Service{
		cfg:      cfg,
		registry: registry,
		history:  history,
		store:    store,
		engineer: engineer,
		trainer: training.NewTrainer(engineer, nil, training.Config{
			MinProtocols: cfg.MinProtocols,
			Lookback:     cfg.TrainLookback,
			Seed:         cfg.Seed,
		}),
		detTrainer: anomaly.NewDetectorTrainer(engineer, anomaly.TrainerConfig{
			Contamination: cfg.Contamination,
			MinPopulation: cfg.MinProtocols,
			Lookback:      cfg.ScoreLookback,
			Seed:          cfg.Seed,
		}),
		locks: syncutil.NewContextShardedMutex(),
		now:   time.Now,
	}
}

// Train runs the risk model pipeline and publishes the winner. Returns
// ErrTrainingInProgress when another risk training run is active.
func (s *Service) Train(ctx context.Context) (*training.Result, error) {
	unlock, ok := s.locks.TryLock(lockRisk)
	if !ok {
		return nil, ErrTrainingInProgress
	}
	defer unlock()

	ctx, span := traces.StartSpan(ctx, "engine.Train")
	defer span.End()

	start := time.Now()
	res, err := s.trainer.Train(ctx, s.registry, s.history, s.now())
	metrics.TrainingDuration.WithLabelValues(string(modelstore.KindRisk)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.TrainingRunsTotal.WithLabelValues(string(modelstore.KindRisk), "error").Inc()
		return nil, err
	}

	if err := s.publishRisk(ctx, res.Bundle); err != nil {
		metrics.TrainingRunsTotal.WithLabelValues(string(modelstore.KindRisk), "error").Inc()
		return nil, err
	}
	span.SetAttributes(
		traces.Algorithm(string(res.Winner)),
		traces.ModelVersion(res.Bundle.VersionID),
	)
	metrics.TrainingRunsTotal.WithLabelValues(string(modelstore.KindRisk), "ok").Inc()
	metrics.ModelHoldoutF1.Set(res.Bundle.Evaluation.F1)
	return res, nil
}

// TrainDetector runs detector selection and publishes the winner. Returns
// ErrTrainingInProgress when another detector training run is active.
func (s *Service) TrainDetector(ctx context.Context) (*anomaly.TrainResult, error) {
	unlock, ok := s.locks.TryLock(lockAnomaly)
	if !ok {
		return nil, ErrTrainingInProgress
	}
	defer unlock()

	ctx, span := traces.StartSpan(ctx, "engine.TrainDetector")
	defer span.End()

	start := time.Now()
	res, err := s.detTrainer.Train(ctx, s.registry, s.history, s.now())
	metrics.TrainingDuration.WithLabelValues(string(modelstore.KindAnomaly)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.TrainingRunsTotal.WithLabelValues(string(modelstore.KindAnomaly), "error").Inc()
		return nil, err
	}

	if err := s.publishDetector(ctx, res.Bundle); err != nil {
		metrics.TrainingRunsTotal.WithLabelValues(string(modelstore.KindAnomaly), "error").Inc()
		return nil, err
	}
	span.SetAttributes(
		traces.Algorithm(string(res.Winner)),
		traces.ModelVersion(res.Bundle.VersionID),
	)
	metrics.TrainingRunsTotal.WithLabelValues(string(modelstore.KindAnomaly), "ok").Inc()
	metrics.DetectorSilhouette.Set(res.Bundle.SelectionMetric)
	return res, nil
}

func (s *Service) publishRisk(ctx context.Context, bundle *modelstore.Bundle) error {
	artifact, err := bundle.Artifact()
	if err != nil {
		return err
	}
	if err := s.store.Save(ctx, artifact); err != nil {
		return fmt.Errorf("persist model %s: %w", bundle.VersionID, err)
	}
	p, err := predictor.New(bundle)
	if err != nil {
		return err
	}
	s.riskReg.Swap(p)
	metrics.ModelPublishedTimestamp.WithLabelValues(string(modelstore.KindRisk)).Set(float64(s.now().Unix()))
	logging.L(ctx).Info("risk model published", "version", bundle.VersionID, "algorithm", bundle.Algorithm)
	return nil
}

func (s *Service) publishDetector(ctx context.Context, bundle *anomaly.DetectorBundle) error {
	artifact, err := bundle.Artifact()
	if err != nil {
		return err
	}
	if err := s.store.Save(ctx, artifact); err != nil {
		return fmt.Errorf("persist detector %s: %w", bundle.VersionID, err)
	}
	scorer, err := anomaly.NewScorer(bundle)
	if err != nil {
		return err
	}
	s.anomalyReg.Swap(scorer)
	metrics.ModelPublishedTimestamp.WithLabelValues(string(modelstore.KindAnomaly)).Set(float64(s.now().Unix()))
	logging.L(ctx).Info("anomaly detector published", "version", bundle.VersionID, "algorithm", bundle.Algorithm)
	return nil
}

// LoadLatest restores the most recent published artifacts from the store,
// for warm starts after a restart. Missing artifacts are not an error.
func (s *Service) LoadLatest(ctx context.Context) error {
	artifact, err := s.store.Latest(ctx, modelstore.KindRisk)
	switch {
	case errors.Is(err, modelstore.ErrArtifactNotFound):
	case err != nil:
		return err
	default:
		bundle, err := modelstore.BundleFromArtifact(artifact)
		if err != nil {
			return err
		}
		p, err := predictor.New(bundle)
		if err != nil {
			return err
		}
		s.riskReg.Swap(p)
		logging.L(ctx).Info("risk model restored", "version", bundle.VersionID)
	}

	artifact, err = s.store.Latest(ctx, modelstore.KindAnomaly)
	switch {
	case errors.Is(err, modelstore.ErrArtifactNotFound):
		return nil
	case err != nil:
		return err
	}
	bundle, err := anomaly.DetectorBundleFromArtifact(artifact)
	if err != nil {
		return err
	}
	scorer, err := anomaly.NewScorer(bundle)
	if err != nil {
		return err
	}
	s.anomalyReg.Swap(scorer)
	logging.L(ctx).Info("anomaly detector restored", "version", bundle.VersionID)
	return nil
}

// ModelVersion returns the published risk model version, if any.
func (s *Service) ModelVersion() (string, bool) {
	p, ok := s.riskReg.Current()
	if !ok {
		return "", false
	}
	return p.Version(), true
}

// DetectorVersion returns the published detector version, if any.
func (s *Service) DetectorVersion() (string, bool) {
	sc, ok := s.anomalyReg.Current()
	if !ok {
		return "", false
	}
	return sc.Version(), true
}

// Predict scores one protocol against the published risk model.
func (s *Service) Predict(ctx context.Context, protocolID string) (*predictor.RiskPrediction, error) {
	p, ok := s.riskReg.Current()
	if !ok {
		return nil, ErrModelNotAvailable
	}

	ctx, span := traces.StartSpan(ctx, "engine.Predict",
		traces.ProtocolID(protocolID), traces.ModelVersion(p.Version()))
	defer span.End()

	start := time.Now()
	vec, err := s.vector(ctx, protocolID, features.DefaultMinPoints)
	if err != nil {
		return nil, err
	}
	pred, err := p.Predict(vec)
	if err != nil {
		return nil, err
	}
	metrics.PredictionDuration.Observe(time.Since(start).Seconds())
	metrics.PredictionsTotal.WithLabelValues(string(pred.RiskLevel)).Inc()
	return pred, nil
}

// DetectAnomaly scores one protocol against the published detector.
func (s *Service) DetectAnomaly(ctx context.Context, protocolID string) (*anomaly.Result, error) {
	scorer, ok := s.anomalyReg.Current()
	if !ok {
		return nil, ErrDetectorNotAvailable
	}

	ctx, span := traces.StartSpan(ctx, "engine.DetectAnomaly",
		traces.ProtocolID(protocolID), traces.ModelVersion(scorer.Version()))
	defer span.End()

	vec, err := s.vector(ctx, protocolID, anomaly.MinRecentPoints)
	if err != nil {
		var ih *features.InsufficientHistoryError
		if errors.As(err, &ih) {
			return nil, &anomaly.InsufficientRecentDataError{
				ProtocolID: ih.ProtocolID,
				Required:   ih.Required,
				Observed:   ih.Observed,
			}
		}
		return nil, err
	}
	result, err := scorer.Score(vec)
	if err != nil {
		return nil, err
	}
	if result.IsAnomaly {
		metrics.AnomaliesDetectedTotal.WithLabelValues(string(result.AlertLevel)).Inc()
	}
	return result, nil
}

// vector computes a protocol's current feature vector over the scoring
// window.
func (s *Service) vector(ctx context.Context, protocolID string, minPoints int) (*features.Vector, error) {
	protocol, err := s.registry.Get(ctx, protocolID)
	if err != nil {
		return nil, err
	}
	asOf := s.now()
	snaps, err := s.history.History(ctx, protocolID, asOf.Add(-s.cfg.ScoreLookback))
	if err != nil {
		return nil, fmt.Errorf("load history for %s: %w", protocolID, err)
	}
	return s.engineer.Compute(protocol, snaps, asOf, s.cfg.ScoreLookback, minPoints)
}
