package anomaly

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/defiscope/riskengine/internal/classifier"
	"github.com/defiscope/riskengine/internal/features"
	"github.com/defiscope/riskengine/internal/idgen"
	"github.com/defiscope/riskengine/internal/logging"
	"github.com/defiscope/riskengine/internal/marketdata"
	"github.com/defiscope/riskengine/internal/training"
)

// DefaultLookback is the recent window anomaly features are computed over.
const DefaultLookback = 30 * 24 * time.Hour

// selectionTieEpsilon treats silhouette scores this close as a tie; ties go
// to the detector flagging fewer protocols.
const selectionTieEpsilon = 1e-9

// AlgorithmPerformance records how one detector family fared in selection.
type AlgorithmPerformance struct {
	Algorithm  AlgorithmID `json:"algorithm"`
	Silhouette float64     `json:"silhouette"`
	Flagged    int         `json:"flagged"`
	FlagRate   float64     `json:"flag_rate"`
	Err        string      `json:"error,omitempty"`
}

// TrainResult is the outcome of one detector training run.
type TrainResult struct {
	Bundle     *DetectorBundle
	Winner     AlgorithmID
	Reports    []AlgorithmPerformance
	Population int
	Skipped    []training.SkippedProtocol
}

// TrainerConfig tunes a DetectorTrainer. Zero values fall back to defaults.
type TrainerConfig struct {
	Contamination float64
	MinPopulation int
	Lookback      time.Duration
	MinPoints     int
	Seed          int64
}

func (c TrainerConfig) withDefaults() TrainerConfig {
	if c.Contamination == 0 {
		c.Contamination = DefaultContamination
	}
	if c.MinPopulation == 0 {
		c.MinPopulation = DefaultMinPopulation
	}
	if c.Lookback == 0 {
		c.Lookback = DefaultLookback
	}
	if c.MinPoints == 0 {
		c.MinPoints = MinRecentPoints
	}
	if c.Seed == 0 {
		c.Seed = 42
	}
	return c
}

// DetectorTrainer fits every detector family on the current population and
// publishes the one whose flagged/normal partition separates best.
type DetectorTrainer struct {
	cfg      TrainerConfig
	engineer *features.Engineer
}

// NewDetectorTrainer creates a detector trainer. A nil engineer gets default
// vocabularies.
func NewDetectorTrainer(engineer *features.Engineer, cfg TrainerConfig) *DetectorTrainer {
	if engineer == nil {
		engineer = features.NewEngineer(nil, nil)
	}
	return &DetectorTrainer{cfg: cfg.withDefaults(), engineer: engineer}
}

// Train builds the cross-sectional matrix for every active protocol as of
// asOf, fits all detector families, and returns the selected one as a
// publishable bundle.
func (t *DetectorTrainer) Train(
	ctx context.Context,
	registry marketdata.ProtocolRegistry,
	history marketdata.HistoryProvider,
	asOf time.Time,
) (*TrainResult, error) {
	log := logging.L(ctx)

	protocols, err := registry.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active protocols: %w", err)
	}

	var vectors []*features.Vector
	var skipped []training.SkippedProtocol
	for _, p := range protocols {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		snaps, err := history.History(ctx, p.ID, asOf.Add(-t.cfg.Lookback))
		if err != nil {
			skipped = append(skipped, training.SkippedProtocol{ProtocolID: p.ID, Reason: err.Error()})
			continue
		}
		vec, err := t.engineer.Compute(p, snaps, asOf, t.cfg.Lookback, t.cfg.MinPoints)
		if err != nil {
			var ih *features.InsufficientHistoryError
			if errors.As(err, &ih) {
				skipped = append(skipped, training.SkippedProtocol{ProtocolID: p.ID, Reason: err.Error()})
				continue
			}
			return nil, fmt.Errorf("compute features for %s: %w", p.ID, err)
		}
		vectors = append(vectors, vec)
	}
	if len(vectors) < t.cfg.MinPopulation {
		return nil, &training.InsufficientTrainingDataError{
			Unit: "protocols", Required: t.cfg.MinPopulation, Observed: len(vectors),
		}
	}
	log.Info("detector population assembled",
		"protocols", len(protocols), "usable", len(vectors), "skipped", len(skipped))

	x := make([][]float64, len(vectors))
	for i, v := range vectors {
		x[i] = v.Values
	}
	var scaler classifier.StandardScaler
	scaler.Fit(x)
	scaled := scaler.TransformAll(x)

	type fitted struct {
		perf      AlgorithmPerformance
		detector  Detector
		threshold float64
		scale     float64
	}
	var candidates []fitted
	var reports []AlgorithmPerformance

	for _, alg := range Algorithms() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		det, err := NewDetector(alg, t.cfg.Seed)
		if err != nil {
			return nil, err
		}
		if err := det.Fit(scaled); err != nil {
			log.Warn("detector skipped", "algorithm", alg, "error", err)
			reports = append(reports, AlgorithmPerformance{Algorithm: alg, Err: err.Error()})
			continue
		}

		scores := make([]float64, len(scaled))
		for i, row := range scaled {
			scores[i] = det.Score(row)
		}
		threshold := strictQuantile(scores, 1-t.cfg.Contamination)
		flagged := make([]bool, len(scores))
		nFlagged := 0
		for i, s := range scores {
			if s > threshold {
				flagged[i] = true
				nFlagged++
			}
		}

		perf := AlgorithmPerformance{
			Algorithm:  alg,
			Silhouette: silhouette(scaled, flagged),
			Flagged:    nFlagged,
			FlagRate:   float64(nFlagged) / float64(len(scores)),
		}
		log.Info("detector scored",
			"algorithm", alg,
			"silhouette", perf.Silhouette,
			"flagged", nFlagged)
		reports = append(reports, perf)
		candidates = append(candidates, fitted{
			perf:      perf,
			detector:  det,
			threshold: threshold,
			scale:     scoreScale(scores),
		})
	}
	if len(candidates) == 0 {
		causes := make(map[classifier.AlgorithmID]string)
		for _, r := range reports {
			causes[classifier.AlgorithmID(r.Algorithm)] = r.Err
		}
		return nil, &training.TrainingFailedError{Causes: causes}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		si, sj := candidates[i].perf.Silhouette, candidates[j].perf.Silhouette
		if math.Abs(si-sj) > selectionTieEpsilon {
			return si > sj
		}
		return candidates[i].perf.FlagRate < candidates[j].perf.FlagRate
	})
	winner := candidates[0]

	params, err := MarshalDetector(winner.detector)
	if err != nil {
		return nil, fmt.Errorf("serialize winning detector: %w", err)
	}
	bundle := &DetectorBundle{
		VersionID:       idgen.Version("ad_"),
		Algorithm:       winner.perf.Algorithm,
		Params:          params,
		Schema:          features.DefaultSchema(),
		Scaler:          scaler,
		Threshold:       winner.threshold,
		ScoreScale:      winner.scale,
		Contamination:   t.cfg.Contamination,
		SelectionMetric: winner.perf.Silhouette,
		Population:      len(vectors),
		TrainedAt:       time.Now().UTC(),
	}
	log.Info("detector training complete",
		"winner", winner.perf.Algorithm,
		"silhouette", winner.perf.Silhouette,
		"version", bundle.VersionID)

	return &TrainResult{
		Bundle:     bundle,
		Winner:     winner.perf.Algorithm,
		Reports:    reports,
		Population: len(vectors),
		Skipped:    skipped,
	}, nil
}

// strictQuantile returns the value at fraction q of the sorted scores. Flags
// use strict comparison against it, so a population of identical scores
// flags nothing.
func strictQuantile(scores []float64, q float64) float64 {
	sorted := append([]float64(nil), scores...)
	sort.Float64s(sorted)
	pos := q * float64(len(sorted)-1)
	lo := int(pos)
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}

// scoreScale is the spread used to normalize query scores; degenerate
// spreads fall back to 1.
func scoreScale(scores []float64) float64 {
	var mean float64
	for _, s := range scores {
		mean += s
	}
	mean /= float64(len(scores))
	var variance float64
	for _, s := range scores {
		variance += (s - mean) * (s - mean)
	}
	std := math.Sqrt(variance / float64(len(scores)))
	if std == 0 || math.IsNaN(std) || math.IsInf(std, 0) {
		return 1
	}
	return std
}
