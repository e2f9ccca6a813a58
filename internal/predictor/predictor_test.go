package predictor

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/defiscope/riskengine/internal/classifier"
	"github.com/defiscope/riskengine/internal/features"
	"github.com/defiscope/riskengine/internal/modelstore"
)

// trainedBundle fits a small forest on synthetic data where volatility and
// drawdown features separate the classes.
func trainedBundle(t *testing.T) *modelstore.Bundle {
	t.Helper()
	schema := features.DefaultSchema()
	d := len(schema)

	var x [][]float64
	var y []int
	for i := 0; i < 90; i++ {
		c := i % classifier.NumClasses
		row := make([]float64, d)
		// Volatility (0..2) and drawdown (9, 10) scale with the class,
		// size features (14, 15) shrink with it.
		level := float64(c)
		offset := float64(i%5) * 0.01
		row[0] = 0.05 + 0.3*level + offset
		row[1] = 0.04 + 0.25*level + offset
		row[2] = 0.06 + 0.35*level + offset
		row[9] = 0.1 + 0.3*level + offset
		row[10] = 0.08 + 0.25*level + offset
		row[14] = 20 - 4*level - offset
		row[15] = 18 - 3*level - offset
		x = append(x, row)
		y = append(y, c)
	}

	var scaler classifier.StandardScaler
	scaler.Fit(x)
	model, err := classifier.New(classifier.AlgorithmRandomForest, classifier.Hyperparams{"n_estimators": 25}, 42)
	if err != nil {
		t.Fatal(err)
	}
	if err := model.Fit(scaler.TransformAll(x), y); err != nil {
		t.Fatal(err)
	}
	params, err := classifier.Marshal(model)
	if err != nil {
		t.Fatal(err)
	}
	return &modelstore.Bundle{
		VersionID: "rm_test",
		Algorithm: classifier.AlgorithmRandomForest,
		Model:     params,
		Schema:    schema,
		Scaler:    scaler,
		TrainedAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
}

func vectorWith(values func(row []float64)) *features.Vector {
	schema := features.DefaultSchema()
	v := &features.Vector{
		ProtocolID: "proto-x",
		AsOf:       time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC),
		Schema:     schema,
		Values:     make([]float64, len(schema)),
	}
	values(v.Values)
	return v
}

func stableVector() *features.Vector {
	return vectorWith(func(row []float64) {
		row[0], row[1], row[2] = 0.05, 0.04, 0.06
		row[9], row[10] = 0.1, 0.08
		row[14], row[15] = 20, 18
	})
}

func volatileVector() *features.Vector {
	return vectorWith(func(row []float64) {
		row[0], row[1], row[2] = 0.7, 0.6, 0.8
		row[9], row[10] = 0.75, 0.6
		row[14], row[15] = 12, 12
	})
}

func TestPredictScoreRangeAndLevel(t *testing.T) {
	p, err := New(trainedBundle(t))
	if err != nil {
		t.Fatal(err)
	}
	for _, vec := range []*features.Vector{stableVector(), volatileVector()} {
		pred, err := p.Predict(vec)
		if err != nil {
			t.Fatal(err)
		}
		if pred.RiskScore < 0 || pred.RiskScore > 1 {
			t.Errorf("risk score %v out of range", pred.RiskScore)
		}
		if pred.RiskLevel != LevelFromScore(pred.RiskScore) {
			t.Errorf("level %s inconsistent with score %v", pred.RiskLevel, pred.RiskScore)
		}
		if pred.Confidence <= 0 || pred.Confidence > 1 {
			t.Errorf("confidence %v out of range", pred.Confidence)
		}
		if pred.ModelVersion != "rm_test" {
			t.Errorf("model version = %s", pred.ModelVersion)
		}
	}
}

func TestPredictVolatileScoresHigherThanStable(t *testing.T) {
	p, err := New(trainedBundle(t))
	if err != nil {
		t.Fatal(err)
	}
	stable, err := p.Predict(stableVector())
	if err != nil {
		t.Fatal(err)
	}
	volatile, err := p.Predict(volatileVector())
	if err != nil {
		t.Fatal(err)
	}
	if volatile.RiskScore <= stable.RiskScore {
		t.Errorf("volatile score %v not above stable score %v", volatile.RiskScore, stable.RiskScore)
	}
	if stable.RiskLevel == LevelHigh {
		t.Errorf("stable protocol classified high risk (score %v)", stable.RiskScore)
	}
}

func TestPredictDeterministic(t *testing.T) {
	p, err := New(trainedBundle(t))
	if err != nil {
		t.Fatal(err)
	}
	vec := volatileVector()
	first, err := p.Predict(vec)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		again, err := p.Predict(vec)
		if err != nil {
			t.Fatal(err)
		}
		if again.RiskScore != first.RiskScore || again.Confidence != first.Confidence {
			t.Fatalf("repeat %d: score %v/%v, first %v/%v",
				i, again.RiskScore, again.Confidence, first.RiskScore, first.Confidence)
		}
	}
}

func TestPredictSchemaMismatch(t *testing.T) {
	p, err := New(trainedBundle(t))
	if err != nil {
		t.Fatal(err)
	}
	vec := &features.Vector{
		ProtocolID: "proto-x",
		Schema:     []features.FeatureSpec{{Name: "tvl", Kind: features.KindNumeric}},
		Values:     []float64{1},
	}
	_, err = p.Predict(vec)
	var sm *SchemaMismatchError
	if !errors.As(err, &sm) {
		t.Fatalf("got %v, want SchemaMismatchError", err)
	}
	if sm.ModelVersion != "rm_test" {
		t.Errorf("error names model %q", sm.ModelVersion)
	}
}

func TestExplanationTopFiveSortedByMagnitude(t *testing.T) {
	p, err := New(trainedBundle(t))
	if err != nil {
		t.Fatal(err)
	}
	pred, err := p.Predict(volatileVector())
	if err != nil {
		t.Fatal(err)
	}
	if len(pred.Explanation) != topContributions {
		t.Fatalf("explanation has %d entries, want %d", len(pred.Explanation), topContributions)
	}
	for i := 1; i < len(pred.Explanation); i++ {
		if math.Abs(pred.Explanation[i-1].Weight) < math.Abs(pred.Explanation[i].Weight) {
			t.Errorf("explanation not sorted by |weight| at %d", i)
		}
	}
	for _, c := range pred.Explanation {
		if c.Description == "" || c.Direction == "" {
			t.Errorf("contribution %s missing text fields", c.Feature)
		}
	}
}

func TestLevelFromScoreThresholds(t *testing.T) {
	cases := []struct {
		score float64
		want  RiskLevel
	}{
		{0, LevelLow},
		{0.339, LevelLow},
		{0.34, LevelMedium},
		{0.669, LevelMedium},
		{0.67, LevelHigh},
		{1, LevelHigh},
	}
	for _, tc := range cases {
		if got := LevelFromScore(tc.score); got != tc.want {
			t.Errorf("LevelFromScore(%v) = %s, want %s", tc.score, got, tc.want)
		}
	}
}
