// Package training builds risk model bundles from protocol metric history.
//
// One Train call runs the full pipeline: feature extraction over the active
// population, weak-supervision labeling, a seeded grid search with stratified
// cross-validation for every candidate family, holdout evaluation, and bundle
// assembly for the winner. A candidate that errors is skipped with a recorded
// warning; training only fails outright when no candidate survives or the
// population is too small.
package training

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/defiscope/riskengine/internal/classifier"
	"github.com/defiscope/riskengine/internal/features"
	"github.com/defiscope/riskengine/internal/idgen"
	"github.com/defiscope/riskengine/internal/logging"
	"github.com/defiscope/riskengine/internal/marketdata"
	"github.com/defiscope/riskengine/internal/modelstore"
)

const (
	// DefaultMinProtocols is the smallest population a model may be
	// trained on.
	DefaultMinProtocols = 20
	// DefaultFolds is the cross-validation fold count.
	DefaultFolds = 5
	// DefaultHoldoutFraction is the share of samples reserved for the
	// final candidate comparison.
	DefaultHoldoutFraction = 0.25
	// DefaultLookback is the history window features are computed over.
	DefaultLookback = 90 * 24 * time.Hour
	// DefaultSeed drives every random choice in the pipeline.
	DefaultSeed = 42
)

// InsufficientTrainingDataError reports a population too small to train on.
type InsufficientTrainingDataError struct {
	Unit     string // "protocols" or "samples"
	Required int
	Observed int
}

func (e *InsufficientTrainingDataError) Error() string {
	return fmt.Sprintf("insufficient training data: need %d %s, have %d",
		e.Required, e.Unit, e.Observed)
}

// TrainingFailedError reports that every candidate errored during search.
type TrainingFailedError struct {
	Causes map[classifier.AlgorithmID]string
}

func (e *TrainingFailedError) Error() string {
	parts := make([]string, 0, len(e.Causes))
	for alg, cause := range e.Causes {
		parts = append(parts, fmt.Sprintf("%s: %s", alg, cause))
	}
	sort.Strings(parts)
	return "all training candidates failed: " + strings.Join(parts, "; ")
}

// CandidateSpec is one algorithm family plus its hyperparameter grid.
type CandidateSpec struct {
	Algorithm classifier.AlgorithmID
	Grid      []classifier.Hyperparams
}

// DefaultCandidates returns the standard three-family search space.
func DefaultCandidates() []CandidateSpec {
	return []CandidateSpec{
		{
			Algorithm: classifier.AlgorithmRandomForest,
			Grid: []classifier.Hyperparams{
				{"n_estimators": 50, "max_depth": 6},
				{"n_estimators": 100, "max_depth": 6},
				{"n_estimators": 100, "max_depth": 10},
			},
		},
		{
			Algorithm: classifier.AlgorithmGradientBoost,
			Grid: []classifier.Hyperparams{
				{"n_estimators": 50, "learning_rate": 0.1, "max_depth": 3},
				{"n_estimators": 100, "learning_rate": 0.05, "max_depth": 3},
				{"n_estimators": 100, "learning_rate": 0.1, "max_depth": 3},
			},
		},
		{
			Algorithm: classifier.AlgorithmGradientBoostLeaf,
			Grid: []classifier.Hyperparams{
				{"n_estimators": 100, "learning_rate": 0.05, "max_leaves": 15, "subsample": 0.8},
				{"n_estimators": 100, "learning_rate": 0.1, "max_leaves": 31, "subsample": 0.8},
			},
		},
	}
}

// ImportanceEntry is one row of a model's feature-importance ranking.
type ImportanceEntry struct {
	Feature string  `json:"feature"`
	Weight  float64 `json:"weight"`
}

// CandidateReport records how one candidate family fared in the search.
type CandidateReport struct {
	Algorithm  classifier.AlgorithmID `json:"algorithm"`
	BestParams classifier.Hyperparams `json:"best_params,omitempty"`
	CVMeanF1   float64                `json:"cv_mean_f1"`
	CVStdF1    float64                `json:"cv_std_f1"`
	Holdout    classifier.Evaluation  `json:"holdout"`
	Importance []ImportanceEntry      `json:"importance,omitempty"`
	// Err is set when the candidate was skipped; skipped candidates sort
	// after every scored one.
	Err string `json:"error,omitempty"`
}

// SkippedProtocol records a protocol excluded from the training population.
type SkippedProtocol struct {
	ProtocolID string `json:"protocol_id"`
	Reason     string `json:"reason"`
}

// Result is the full outcome of one training run: the winning bundle plus
// the ranked report for every candidate.
type Result struct {
	Bundle        *modelstore.Bundle
	Winner        classifier.AlgorithmID
	Reports       []CandidateReport
	SampleCount   int
	ProtocolCount int
	Skipped       []SkippedProtocol
}

// Config tunes a Trainer. Zero values fall back to defaults.
type Config struct {
	MinProtocols    int
	Folds           int
	HoldoutFraction float64
	Lookback        time.Duration
	MinPoints       int
	Seed            int64
	Candidates      []CandidateSpec
}

func (c Config) withDefaults() Config {
	if c.MinProtocols == 0 {
		c.MinProtocols = DefaultMinProtocols
	}
	if c.Folds == 0 {
		c.Folds = DefaultFolds
	}
	if c.HoldoutFraction == 0 {
		c.HoldoutFraction = DefaultHoldoutFraction
	}
	if c.Lookback == 0 {
		c.Lookback = DefaultLookback
	}
	if c.MinPoints == 0 {
		c.MinPoints = features.DefaultMinPoints
	}
	if c.Seed == 0 {
		c.Seed = DefaultSeed
	}
	if c.Candidates == nil {
		c.Candidates = DefaultCandidates()
	}
	return c
}

// Trainer runs the model selection pipeline. Safe for concurrent use; the
// caller serializes runs if only one model should train at a time.
type Trainer struct {
	cfg      Config
	engineer *features.Engineer
	labels   LabelSource
}

// NewTrainer creates a trainer. A nil engineer gets default vocabularies and
// a nil label source gets the heuristic composite.
func NewTrainer(engineer *features.Engineer, labels LabelSource, cfg Config) *Trainer {
	if engineer == nil {
		engineer = features.NewEngineer(nil, nil)
	}
	if labels == nil {
		labels = NewHeuristicLabelSource()
	}
	return &Trainer{cfg: cfg.withDefaults(), engineer: engineer, labels: labels}
}

// Train builds vectors for every active protocol as of asOf, labels them,
// searches the candidate grid, and returns the winner as a publishable
// bundle. The registry and provider are read from only.
func (t *Trainer) Train(
	ctx context.Context,
	registry marketdata.ProtocolRegistry,
	history marketdata.HistoryProvider,
	asOf time.Time,
) (*Result, error) {
	log := logging.L(ctx)

	protocols, err := registry.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active protocols: %w", err)
	}
	if len(protocols) < t.cfg.MinProtocols {
		return nil, &InsufficientTrainingDataError{
			Unit: "protocols", Required: t.cfg.MinProtocols, Observed: len(protocols),
		}
	}

	vectors, skipped, err := t.population(ctx, protocols, history, asOf)
	if err != nil {
		return nil, err
	}
	if len(vectors) < t.cfg.MinProtocols {
		return nil, &InsufficientTrainingDataError{
			Unit: "samples", Required: t.cfg.MinProtocols, Observed: len(vectors),
		}
	}
	log.Info("training population assembled",
		"protocols", len(protocols), "usable", len(vectors), "skipped", len(skipped))

	labels := t.labels.Label(vectors)
	x := make([][]float64, len(vectors))
	for i, v := range vectors {
		x[i] = v.Values
	}

	rng := rand.New(rand.NewSource(t.cfg.Seed))
	trainIdx, testIdx := stratifiedSplit(labels, t.cfg.HoldoutFraction, rng)

	var scaler classifier.StandardScaler
	scaler.Fit(gather(x, trainIdx))
	xTrain := scaler.TransformAll(gather(x, trainIdx))
	yTrain := gatherInts(labels, trainIdx)
	xTest := scaler.TransformAll(gather(x, testIdx))
	yTest := gatherInts(labels, testIdx)

	reports := make([]CandidateReport, 0, len(t.cfg.Candidates))
	models := make(map[classifier.AlgorithmID]classifier.Classifier)
	failures := make(map[classifier.AlgorithmID]string)

	for _, spec := range t.cfg.Candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report, model, err := t.searchCandidate(spec, xTrain, yTrain, xTest, yTest)
		if err != nil {
			log.Warn("training candidate skipped", "algorithm", spec.Algorithm, "error", err)
			failures[spec.Algorithm] = err.Error()
			reports = append(reports, CandidateReport{Algorithm: spec.Algorithm, Err: err.Error()})
			continue
		}
		log.Info("training candidate scored",
			"algorithm", spec.Algorithm,
			"cv_mean_f1", report.CVMeanF1,
			"holdout_f1", report.Holdout.F1)
		reports = append(reports, report)
		models[spec.Algorithm] = model
	}
	if len(models) == 0 {
		return nil, &TrainingFailedError{Causes: failures}
	}

	sort.SliceStable(reports, func(i, j int) bool {
		if (reports[i].Err == "") != (reports[j].Err == "") {
			return reports[i].Err == ""
		}
		return reports[i].Holdout.F1 > reports[j].Holdout.F1
	})
	winner := reports[0]

	bundle, err := t.assembleBundle(winner, models[winner.Algorithm], &scaler, len(vectors), len(protocols))
	if err != nil {
		return nil, err
	}
	log.Info("training complete",
		"winner", winner.Algorithm,
		"holdout_f1", winner.Holdout.F1,
		"version", bundle.VersionID)

	return &Result{
		Bundle:        bundle,
		Winner:        winner.Algorithm,
		Reports:       reports,
		SampleCount:   len(vectors),
		ProtocolCount: len(protocols),
		Skipped:       skipped,
	}, nil
}

// population computes one vector per protocol, skipping protocols whose
// history is too thin or unavailable.
func (t *Trainer) population(
	ctx context.Context,
	protocols []*marketdata.Protocol,
	history marketdata.HistoryProvider,
	asOf time.Time,
) ([]*features.Vector, []SkippedProtocol, error) {
	var vectors []*features.Vector
	var skipped []SkippedProtocol
	for _, p := range protocols {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		snaps, err := history.History(ctx, p.ID, asOf.Add(-t.cfg.Lookback))
		if err != nil {
			skipped = append(skipped, SkippedProtocol{ProtocolID: p.ID, Reason: err.Error()})
			continue
		}
		vec, err := t.engineer.Compute(p, snaps, asOf, t.cfg.Lookback, t.cfg.MinPoints)
		if err != nil {
			var ih *features.InsufficientHistoryError
			if errors.As(err, &ih) {
				skipped = append(skipped, SkippedProtocol{ProtocolID: p.ID, Reason: err.Error()})
				continue
			}
			return nil, nil, fmt.Errorf("compute features for %s: %w", p.ID, err)
		}
		vectors = append(vectors, vec)
	}
	return vectors, skipped, nil
}

// searchCandidate grid-searches one family: CV on the training split picks
// the hyperparameters, then a final fit on the full training split is scored
// on the holdout.
func (t *Trainer) searchCandidate(
	spec CandidateSpec,
	xTrain [][]float64, yTrain []int,
	xTest [][]float64, yTest []int,
) (CandidateReport, classifier.Classifier, error) {
	if len(spec.Grid) == 0 {
		return CandidateReport{}, nil, fmt.Errorf("candidate %s has an empty grid", spec.Algorithm)
	}

	var best classifier.Hyperparams
	bestMean, bestStd := math.Inf(-1), 0.0
	for _, hp := range spec.Grid {
		mean, std, err := t.crossValidate(spec.Algorithm, hp, xTrain, yTrain)
		if err != nil {
			return CandidateReport{}, nil, err
		}
		if mean > bestMean {
			bestMean, bestStd, best = mean, std, hp
		}
	}

	// Final fit on the whole training split with the winning parameters.
	model, err := classifier.New(spec.Algorithm, best, t.cfg.Seed)
	if err != nil {
		return CandidateReport{}, nil, err
	}
	xBal, yBal := classifier.Oversample(xTrain, yTrain, t.cfg.Seed)
	if err := model.Fit(xBal, yBal); err != nil {
		return CandidateReport{}, nil, fmt.Errorf("final fit: %w", err)
	}

	pred := make([]int, len(xTest))
	for i := range xTest {
		pred[i] = classifier.Argmax(model.PredictProba(xTest[i]))
	}

	return CandidateReport{
		Algorithm:  spec.Algorithm,
		BestParams: best.Clone(),
		CVMeanF1:   bestMean,
		CVStdF1:    bestStd,
		Holdout:    classifier.Evaluate(yTest, pred),
		Importance: rankImportance(model.FeatureImportance()),
	}, model, nil
}

// crossValidate scores one hyperparameter point with stratified k-fold CV.
// Oversampling happens inside each fold, after the split, so synthetic
// samples never leak into validation.
func (t *Trainer) crossValidate(
	alg classifier.AlgorithmID,
	hp classifier.Hyperparams,
	x [][]float64, y []int,
) (mean, std float64, err error) {
	folds := stratifiedFolds(y, t.cfg.Folds, rand.New(rand.NewSource(t.cfg.Seed)))
	scores := make([]float64, 0, len(folds))
	for _, valIdx := range folds {
		inVal := make(map[int]bool, len(valIdx))
		for _, i := range valIdx {
			inVal[i] = true
		}
		var trainIdx []int
		for i := range y {
			if !inVal[i] {
				trainIdx = append(trainIdx, i)
			}
		}

		model, err := classifier.New(alg, hp, t.cfg.Seed)
		if err != nil {
			return 0, 0, err
		}
		xBal, yBal := classifier.Oversample(gather(x, trainIdx), gatherInts(y, trainIdx), t.cfg.Seed)
		if err := model.Fit(xBal, yBal); err != nil {
			return 0, 0, fmt.Errorf("fold fit: %w", err)
		}

		pred := make([]int, len(valIdx))
		for i, idx := range valIdx {
			pred[i] = classifier.Argmax(model.PredictProba(x[idx]))
		}
		scores = append(scores, classifier.WeightedF1(gatherInts(y, valIdx), pred))
	}

	for _, s := range scores {
		mean += s
	}
	mean /= float64(len(scores))
	for _, s := range scores {
		std += (s - mean) * (s - mean)
	}
	std = math.Sqrt(std / float64(len(scores)))
	return mean, std, nil
}

func (t *Trainer) assembleBundle(
	winner CandidateReport,
	model classifier.Classifier,
	scaler *classifier.StandardScaler,
	samples, protocols int,
) (*modelstore.Bundle, error) {
	params, err := classifier.Marshal(model)
	if err != nil {
		return nil, fmt.Errorf("serialize winning model: %w", err)
	}
	categories, chains := t.engineer.Vocabularies()
	return &modelstore.Bundle{
		VersionID:     idgen.Version("rm_"),
		Algorithm:     winner.Algorithm,
		Hyperparams:   winner.BestParams.Clone(),
		Model:         params,
		Schema:        features.DefaultSchema(),
		Scaler:        *scaler,
		CategoryVocab: append([]string(nil), categories.Terms...),
		ChainVocab:    append([]string(nil), chains.Terms...),
		Evaluation:    winner.Holdout,
		CVMeanF1:      winner.CVMeanF1,
		CVStdF1:       winner.CVStdF1,
		SampleCount:   samples,
		ProtocolCount: protocols,
		TrainedAt:     time.Now().UTC(),
	}, nil
}

func rankImportance(weights []float64) []ImportanceEntry {
	schema := features.DefaultSchema()
	entries := make([]ImportanceEntry, 0, len(weights))
	for i, w := range weights {
		if i >= len(schema) {
			break
		}
		entries = append(entries, ImportanceEntry{Feature: schema[i].Name, Weight: w})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Weight > entries[j].Weight })
	return entries
}

// stratifiedSplit partitions indices into train and test keeping per-class
// proportions. Every class contributes at least one test sample when it has
// at least two members.
func stratifiedSplit(y []int, testFraction float64, rng *rand.Rand) (trainIdx, testIdx []int) {
	byClass := make(map[int][]int)
	for i, c := range y {
		byClass[c] = append(byClass[c], i)
	}
	for c := 0; c < classifier.NumClasses; c++ {
		idx := byClass[c]
		if len(idx) == 0 {
			continue
		}
		shuffled := append([]int(nil), idx...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		nTest := int(math.Round(float64(len(shuffled)) * testFraction))
		if nTest == 0 && len(shuffled) > 1 {
			nTest = 1
		}
		testIdx = append(testIdx, shuffled[:nTest]...)
		trainIdx = append(trainIdx, shuffled[nTest:]...)
	}
	sort.Ints(trainIdx)
	sort.Ints(testIdx)
	return trainIdx, testIdx
}

// stratifiedFolds assigns each sample to one of k validation folds, keeping
// per-class proportions. Folds smaller than k samples of a class round-robin.
func stratifiedFolds(y []int, k int, rng *rand.Rand) [][]int {
	if k < 2 {
		k = 2
	}
	folds := make([][]int, k)
	byClass := make(map[int][]int)
	for i, c := range y {
		byClass[c] = append(byClass[c], i)
	}
	for c := 0; c < classifier.NumClasses; c++ {
		idx := byClass[c]
		shuffled := append([]int(nil), idx...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		for i, sample := range shuffled {
			folds[i%k] = append(folds[i%k], sample)
		}
	}
	for _, f := range folds {
		sort.Ints(f)
	}
	return folds
}

func gather(x [][]float64, idx []int) [][]float64 {
	out := make([][]float64, len(idx))
	for i, j := range idx {
		out[i] = x[j]
	}
	return out
}

func gatherInts(y []int, idx []int) []int {
	out := make([]int, len(idx))
	for i, j := range idx {
		out[i] = y[j]
	}
	return out
}
