package training

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/defiscope/riskengine/internal/classifier"
	"github.com/defiscope/riskengine/internal/features"
	"github.com/defiscope/riskengine/internal/marketdata"
)

var trainAsOf = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// seedPopulation fills a memory store with n protocols split between calm
// and turbulent price/TVL behavior, 120 daily snapshots each.
func seedPopulation(store *marketdata.MemoryStore, n int, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := 0; i < n; i++ {
		id := protocolID(i)
		volatile := i%2 == 1
		store.AddProtocol(&marketdata.Protocol{
			ID:       id,
			Name:     id,
			Category: "lending",
			Chain:    "ethereum",
			Active:   true,
		})

		tvl := 1e8 + float64(i)*1e6
		price := 10.0
		for d := 0; d < 120; d++ {
			jitter := 0.002
			if volatile {
				jitter = 0.12
			}
			tvl *= 1 + rng.NormFloat64()*jitter
			price *= 1 + rng.NormFloat64()*jitter
			if tvl < 1e5 {
				tvl = 1e5
			}
			if price < 0.01 {
				price = 0.01
			}
			store.AddSnapshots(marketdata.MetricSnapshot{
				ProtocolID: id,
				Timestamp:  trainAsOf.AddDate(0, 0, d-120),
				TVL:        tvl,
				Price:      price,
				Volume:     tvl * 0.05 * (1 + rng.Float64()),
				MarketCap:  tvl * 1.4,
			})
		}
	}
}

func protocolID(i int) string {
	return "proto-" + string(rune('a'+i%26)) + string(rune('a'+(i/26)%26))
}

func fastConfig() Config {
	return Config{
		Folds: 3,
		Candidates: []CandidateSpec{
			{
				Algorithm: classifier.AlgorithmRandomForest,
				Grid:      []classifier.Hyperparams{{"n_estimators": 10, "max_depth": 5}},
			},
			{
				Algorithm: classifier.AlgorithmGradientBoost,
				Grid:      []classifier.Hyperparams{{"n_estimators": 15, "learning_rate": 0.1, "max_depth": 3}},
			},
		},
	}
}

func TestTrainProducesBundleAndRankedReports(t *testing.T) {
	store := marketdata.NewMemoryStore()
	seedPopulation(store, 30, 1)

	trainer := NewTrainer(nil, nil, fastConfig())
	res, err := trainer.Train(context.Background(), store, store, trainAsOf)
	if err != nil {
		t.Fatalf("train: %v", err)
	}

	if res.Bundle == nil {
		t.Fatal("no bundle")
	}
	if res.Bundle.VersionID == "" || res.Bundle.TrainedAt.IsZero() {
		t.Errorf("bundle missing version metadata: %+v", res.Bundle)
	}
	if res.Winner != res.Reports[0].Algorithm {
		t.Errorf("winner %s does not match top report %s", res.Winner, res.Reports[0].Algorithm)
	}
	if len(res.Reports) != 2 {
		t.Fatalf("got %d reports, want 2", len(res.Reports))
	}
	for i := 1; i < len(res.Reports); i++ {
		if res.Reports[i-1].Holdout.F1 < res.Reports[i].Holdout.F1 {
			t.Errorf("reports not ranked: %v before %v",
				res.Reports[i-1].Holdout.F1, res.Reports[i].Holdout.F1)
		}
	}
	if !features.SchemaEqual(res.Bundle.Schema, features.DefaultSchema()) {
		t.Error("bundle schema differs from default schema")
	}
	if res.SampleCount < DefaultMinProtocols {
		t.Errorf("sample count %d below minimum", res.SampleCount)
	}

	clf, err := res.Bundle.Classifier()
	if err != nil {
		t.Fatalf("reload winner: %v", err)
	}
	probe := make([]float64, len(res.Bundle.Schema))
	proba := clf.PredictProba(res.Bundle.Scaler.Transform(probe))
	if len(proba) != classifier.NumClasses {
		t.Fatalf("reloaded model returned %d classes", len(proba))
	}
}

func TestTrainDeterministicForSameSeed(t *testing.T) {
	var evals []classifier.Evaluation
	for run := 0; run < 2; run++ {
		store := marketdata.NewMemoryStore()
		seedPopulation(store, 26, 9)
		trainer := NewTrainer(nil, nil, fastConfig())
		res, err := trainer.Train(context.Background(), store, store, trainAsOf)
		if err != nil {
			t.Fatalf("train run %d: %v", run, err)
		}
		evals = append(evals, res.Reports[0].Holdout)
	}
	if evals[0].F1 != evals[1].F1 || evals[0].Accuracy != evals[1].Accuracy {
		t.Errorf("same seed produced different holdout metrics: %+v vs %+v", evals[0], evals[1])
	}
}

func TestTrainTooFewProtocols(t *testing.T) {
	store := marketdata.NewMemoryStore()
	seedPopulation(store, 5, 2)

	trainer := NewTrainer(nil, nil, fastConfig())
	_, err := trainer.Train(context.Background(), store, store, trainAsOf)

	var itd *InsufficientTrainingDataError
	if !errors.As(err, &itd) {
		t.Fatalf("got %v, want InsufficientTrainingDataError", err)
	}
	if itd.Observed != 5 || itd.Required != DefaultMinProtocols {
		t.Errorf("error fields = %+v", itd)
	}
}

func TestTrainSkipsThinHistoryProtocols(t *testing.T) {
	store := marketdata.NewMemoryStore()
	seedPopulation(store, 25, 3)
	// One protocol with only three points stays out of the population.
	store.AddProtocol(&marketdata.Protocol{ID: "thin", Name: "thin", Category: "dex", Chain: "solana", Active: true})
	for d := 0; d < 3; d++ {
		store.AddSnapshots(marketdata.MetricSnapshot{
			ProtocolID: "thin",
			Timestamp:  trainAsOf.AddDate(0, 0, -d),
			TVL:        1e7, Price: 1, Volume: 1e5, MarketCap: 1e7,
		})
	}

	trainer := NewTrainer(nil, nil, fastConfig())
	res, err := trainer.Train(context.Background(), store, store, trainAsOf)
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if len(res.Skipped) != 1 || res.Skipped[0].ProtocolID != "thin" {
		t.Errorf("skipped = %+v, want exactly the thin protocol", res.Skipped)
	}
	if res.SampleCount != 25 {
		t.Errorf("sample count = %d, want 25", res.SampleCount)
	}
	if res.ProtocolCount != 26 {
		t.Errorf("protocol count = %d, want 26", res.ProtocolCount)
	}
	if res.Bundle.SampleCount != 25 || res.Bundle.ProtocolCount != 26 {
		t.Errorf("bundle counts = %d/%d, want 25 samples over 26 protocols",
			res.Bundle.SampleCount, res.Bundle.ProtocolCount)
	}
}

func TestTrainAllCandidatesFailing(t *testing.T) {
	store := marketdata.NewMemoryStore()
	seedPopulation(store, 25, 4)

	cfg := fastConfig()
	cfg.Candidates = []CandidateSpec{
		{Algorithm: classifier.AlgorithmRandomForest, Grid: nil},
		{Algorithm: "nonexistent", Grid: []classifier.Hyperparams{{}}},
	}
	trainer := NewTrainer(nil, nil, cfg)
	_, err := trainer.Train(context.Background(), store, store, trainAsOf)

	var tf *TrainingFailedError
	if !errors.As(err, &tf) {
		t.Fatalf("got %v, want TrainingFailedError", err)
	}
	if len(tf.Causes) != 2 {
		t.Errorf("causes = %v, want 2 entries", tf.Causes)
	}
}

func TestTrainCancelledContext(t *testing.T) {
	store := marketdata.NewMemoryStore()
	seedPopulation(store, 25, 5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	trainer := NewTrainer(nil, nil, fastConfig())
	if _, err := trainer.Train(ctx, store, store, trainAsOf); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestHeuristicLabelsTertiles(t *testing.T) {
	store := marketdata.NewMemoryStore()
	seedPopulation(store, 30, 6)

	engineer := features.NewEngineer(nil, nil)
	protocols, _ := store.ListActive(context.Background())
	var vectors []*features.Vector
	for _, p := range protocols {
		snaps, _ := store.History(context.Background(), p.ID, trainAsOf.Add(-DefaultLookback))
		vec, err := engineer.Compute(p, snaps, trainAsOf, DefaultLookback, features.DefaultMinPoints)
		if err != nil {
			t.Fatalf("compute %s: %v", p.ID, err)
		}
		vectors = append(vectors, vec)
	}

	labels := NewHeuristicLabelSource().Label(vectors)
	counts := make([]int, classifier.NumClasses)
	for _, l := range labels {
		counts[l]++
	}
	for c, n := range counts {
		if n == 0 {
			t.Errorf("class %d empty: counts %v", c, counts)
		}
	}

	// Volatile protocols (odd index) should dominate the high class.
	high := 0
	volatileHigh := 0
	for i, l := range labels {
		if l != 2 {
			continue
		}
		high++
		if isVolatileID(vectors[i].ProtocolID) {
			volatileHigh++
		}
	}
	if high > 0 && float64(volatileHigh)/float64(high) < 0.8 {
		t.Errorf("only %d/%d high-risk labels are volatile protocols", volatileHigh, high)
	}
}

// isVolatileID reports whether a seeded protocol id came from an odd index.
func isVolatileID(id string) bool {
	for i := 0; i < 30; i++ {
		if protocolID(i) == id {
			return i%2 == 1
		}
	}
	return false
}

func TestPercentileRanksTies(t *testing.T) {
	ranks := percentileRanks([]float64{1, 2, 2, 3})
	if ranks[1] != ranks[2] {
		t.Errorf("tied values got different ranks: %v", ranks)
	}
	if ranks[0] != 0 || ranks[3] != 1 {
		t.Errorf("extremes should rank 0 and 1: %v", ranks)
	}
}

func TestStratifiedFoldsCoverEverySample(t *testing.T) {
	y := []int{0, 0, 0, 0, 1, 1, 1, 1, 2, 2, 2, 2}
	folds := stratifiedFolds(y, 4, rand.New(rand.NewSource(1)))
	seen := make(map[int]int)
	for _, f := range folds {
		for _, i := range f {
			seen[i]++
		}
	}
	if len(seen) != len(y) {
		t.Fatalf("folds cover %d samples, want %d", len(seen), len(y))
	}
	for i, n := range seen {
		if n != 1 {
			t.Errorf("sample %d assigned to %d folds", i, n)
		}
	}
}

func TestStratifiedSplitKeepsProportions(t *testing.T) {
	y := make([]int, 0, 60)
	for i := 0; i < 60; i++ {
		y = append(y, i%3)
	}
	trainIdx, testIdx := stratifiedSplit(y, 0.25, rand.New(rand.NewSource(7)))
	if len(trainIdx)+len(testIdx) != len(y) {
		t.Fatalf("split loses samples: %d + %d != %d", len(trainIdx), len(testIdx), len(y))
	}
	counts := make([]int, 3)
	for _, i := range testIdx {
		counts[y[i]]++
	}
	for c, n := range counts {
		if math.Abs(float64(n)-5) > 1 {
			t.Errorf("class %d test count = %d, want ~5", c, n)
		}
	}
}
