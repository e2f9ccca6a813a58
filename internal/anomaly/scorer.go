package anomaly

import (
	"fmt"
	"math"

	"github.com/defiscope/riskengine/internal/features"
)

// Scorer scores feature vectors with one loaded detector bundle. Immutable
// after construction and safe for concurrent use.
type Scorer struct {
	bundle   *DetectorBundle
	detector Detector
}

// NewScorer loads the bundle's detector and returns a ready scorer.
func NewScorer(bundle *DetectorBundle) (*Scorer, error) {
	det, err := bundle.Detector()
	if err != nil {
		return nil, fmt.Errorf("load detector %s: %w", bundle.VersionID, err)
	}
	return &Scorer{bundle: bundle, detector: det}, nil
}

// Version returns the loaded bundle's version id.
func (s *Scorer) Version() string {
	return s.bundle.VersionID
}

// Score evaluates one vector against the production detector. The raw score
// is normalized onto [0,1] with a sigmoid centered on the training-time flag
// threshold; confidence grows with distance from that threshold.
func (s *Scorer) Score(vec *features.Vector) (*Result, error) {
	if !features.SchemaEqual(vec.Schema, s.bundle.Schema) {
		return nil, fmt.Errorf("feature schema mismatch for detector %s: detector expects %d features, vector has %d",
			s.bundle.VersionID, len(s.bundle.Schema), len(vec.Schema))
	}

	raw := s.detector.Score(s.bundle.Scaler.Transform(vec.Values))
	normalized := 1 / (1 + math.Exp(-(raw-s.bundle.Threshold)/s.bundle.ScoreScale))

	return &Result{
		ProtocolID:    vec.ProtocolID,
		IsAnomaly:     raw > s.bundle.Threshold,
		AnomalyScore:  normalized,
		RawScore:      raw,
		Confidence:    math.Abs(2*normalized - 1),
		AlgorithmUsed: s.bundle.Algorithm,
		AlertLevel:    AlertFromScore(normalized),
		Timestamp:     vec.AsOf,
	}, nil
}
