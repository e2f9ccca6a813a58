// Package predictor scores protocols against a published risk model bundle.
//
// A Predictor is built once per bundle and is immutable afterwards, so any
// number of goroutines can score against it while a newer bundle trains.
package predictor

import (
	"fmt"
	"time"

	"github.com/defiscope/riskengine/internal/classifier"
	"github.com/defiscope/riskengine/internal/features"
	"github.com/defiscope/riskengine/internal/modelstore"
)

// RiskLevel buckets a risk score.
type RiskLevel string

const (
	LevelLow    RiskLevel = "low"
	LevelMedium RiskLevel = "medium"
	LevelHigh   RiskLevel = "high"
)

// LevelFromScore maps a score in [0,1] onto a level. Pure function of the
// score; the thresholds are part of the published contract.
func LevelFromScore(score float64) RiskLevel {
	switch {
	case score < 0.34:
		return LevelLow
	case score < 0.67:
		return LevelMedium
	default:
		return LevelHigh
	}
}

// SchemaMismatchError reports a vector whose schema differs from the model's.
type SchemaMismatchError struct {
	ModelVersion string
	Expected     []features.FeatureSpec
	Got          []features.FeatureSpec
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("feature schema mismatch for model %s: model expects %d features, vector has %d",
		e.ModelVersion, len(e.Expected), len(e.Got))
}

// RiskPrediction is one protocol's scored result.
type RiskPrediction struct {
	ProtocolID   string             `json:"protocol_id"`
	RiskScore    float64            `json:"risk_score"`
	RiskLevel    RiskLevel          `json:"risk_level"`
	Confidence   float64            `json:"confidence"`
	Proba        []float64          `json:"proba"`
	Features     map[string]float64 `json:"features"`
	ModelVersion string             `json:"model_version"`
	Explanation  []Contribution     `json:"explanation"`
	Timestamp    time.Time          `json:"timestamp"`
}

// Predictor scores feature vectors with one loaded bundle.
type Predictor struct {
	bundle *modelstore.Bundle
	model  classifier.Classifier
}

// New loads the bundle's classifier and returns a ready predictor.
func New(bundle *modelstore.Bundle) (*Predictor, error) {
	model, err := bundle.Classifier()
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", bundle.VersionID, err)
	}
	return &Predictor{bundle: bundle, model: model}, nil
}

// Version returns the loaded bundle's version id.
func (p *Predictor) Version() string {
	return p.bundle.VersionID
}

// Predict scores one vector. The vector's schema must match the bundle's
// exactly; inference is deterministic.
func (p *Predictor) Predict(vec *features.Vector) (*RiskPrediction, error) {
	if !features.SchemaEqual(vec.Schema, p.bundle.Schema) {
		return nil, &SchemaMismatchError{
			ModelVersion: p.bundle.VersionID,
			Expected:     p.bundle.Schema,
			Got:          vec.Schema,
		}
	}

	scaled := p.bundle.Scaler.Transform(vec.Values)
	proba := p.model.PredictProba(scaled)

	// Weighted expected severity: medium counts half, high counts full.
	score := 0.5*proba[1] + 1.0*proba[2]
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}

	confidence := proba[classifier.Argmax(proba)]

	return &RiskPrediction{
		ProtocolID:   vec.ProtocolID,
		RiskScore:    score,
		RiskLevel:    LevelFromScore(score),
		Confidence:   confidence,
		Proba:        append([]float64(nil), proba...),
		Features:     vec.Map(),
		ModelVersion: p.bundle.VersionID,
		Explanation:  p.explain(vec, scaled, classifier.Argmax(proba)),
		Timestamp:    vec.AsOf,
	}, nil
}
