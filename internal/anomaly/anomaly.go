// Package anomaly detects protocols whose current behavior deviates from the
// population.
//
// Five unsupervised detector families train on the same cross-sectional
// matrix; a silhouette-style partition metric picks the production detector.
// Flag thresholds are strict quantiles of the training scores, so a
// population of identical rows flags nothing. Query scoring is deterministic
// against a published detector bundle.
package anomaly

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/defiscope/riskengine/internal/classifier"
	"github.com/defiscope/riskengine/internal/features"
	"github.com/defiscope/riskengine/internal/modelstore"
)

const (
	// DefaultContamination is the assumed share of anomalous protocols.
	DefaultContamination = 0.1
	// DefaultMinPopulation is the smallest population detectors train on.
	DefaultMinPopulation = 20
	// MinRecentPoints is the observed points a protocol needs in its
	// recent window to be scored.
	MinRecentPoints = 5
)

// AlgorithmID tags a detector family.
type AlgorithmID string

const (
	AlgorithmIsolationForest AlgorithmID = "isolation_forest"
	AlgorithmLOF             AlgorithmID = "local_outlier_factor"
	AlgorithmBoundary        AlgorithmID = "one_class_boundary"
	AlgorithmAutoencoder     AlgorithmID = "autoencoder"
	AlgorithmDBSCAN          AlgorithmID = "dbscan"
)

// Algorithms lists every detector family in training order.
func Algorithms() []AlgorithmID {
	return []AlgorithmID{
		AlgorithmIsolationForest,
		AlgorithmLOF,
		AlgorithmBoundary,
		AlgorithmAutoencoder,
		AlgorithmDBSCAN,
	}
}

// Detector is the capability interface every family implements. Fit trains
// on scaled rows; Score returns a raw anomaly score for one scaled row,
// higher meaning more anomalous. Raw score ranges differ per family; the
// bundle's threshold and scale put them on a common footing.
type Detector interface {
	Fit(x [][]float64) error
	Score(x []float64) float64
}

// AlertLevel buckets a normalized anomaly score.
type AlertLevel string

const (
	AlertLow    AlertLevel = "low"
	AlertMedium AlertLevel = "medium"
	AlertHigh   AlertLevel = "high"
)

// AlertFromScore maps a normalized score onto an alert level.
func AlertFromScore(normalized float64) AlertLevel {
	switch {
	case normalized < 0.6:
		return AlertLow
	case normalized < 0.8:
		return AlertMedium
	default:
		return AlertHigh
	}
}

// Result is one protocol's anomaly verdict.
type Result struct {
	ProtocolID    string      `json:"protocol_id"`
	IsAnomaly     bool        `json:"is_anomaly"`
	AnomalyScore  float64     `json:"anomaly_score"`
	RawScore      float64     `json:"raw_score"`
	Confidence    float64     `json:"confidence"`
	AlgorithmUsed AlgorithmID `json:"algorithm_used"`
	AlertLevel    AlertLevel  `json:"alert_level"`
	Timestamp     time.Time   `json:"timestamp"`
}

// InsufficientRecentDataError reports a protocol with too little recent
// history to score.
type InsufficientRecentDataError struct {
	ProtocolID string
	Required   int
	Observed   int
}

func (e *InsufficientRecentDataError) Error() string {
	return fmt.Sprintf("insufficient recent data for protocol %s: need %d points, observed %d",
		e.ProtocolID, e.Required, e.Observed)
}

// DetectorBundle is a published production detector: parameters plus the
// scaling, threshold and score normalization fixed at training time.
type DetectorBundle struct {
	VersionID       string                    `json:"version_id"`
	Algorithm       AlgorithmID               `json:"algorithm"`
	Params          json.RawMessage           `json:"params"`
	Schema          []features.FeatureSpec    `json:"schema"`
	Scaler          classifier.StandardScaler `json:"scaler"`
	Threshold       float64                   `json:"threshold"`
	ScoreScale      float64                   `json:"score_scale"`
	Contamination   float64                   `json:"contamination"`
	SelectionMetric float64                   `json:"selection_metric"`
	Population      int                       `json:"population"`
	TrainedAt       time.Time                 `json:"trained_at"`
}

// Artifact wraps the bundle for storage.
func (b *DetectorBundle) Artifact() (*modelstore.Artifact, error) {
	payload, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode detector bundle: %w", err)
	}
	return &modelstore.Artifact{
		ID:        b.VersionID,
		Kind:      modelstore.KindAnomaly,
		Algorithm: string(b.Algorithm),
		Payload:   payload,
		CreatedAt: b.TrainedAt,
	}, nil
}

// DetectorBundleFromArtifact decodes a detector bundle from its stored form.
func DetectorBundleFromArtifact(a *modelstore.Artifact) (*DetectorBundle, error) {
	if a.Kind != modelstore.KindAnomaly {
		return nil, fmt.Errorf("artifact %s has kind %q, want %q", a.ID, a.Kind, modelstore.KindAnomaly)
	}
	var b DetectorBundle
	if err := json.Unmarshal(a.Payload, &b); err != nil {
		return nil, fmt.Errorf("decode detector bundle %s: %w", a.ID, err)
	}
	return &b, nil
}

// Detector reconstructs the trained detector from the bundle parameters.
func (b *DetectorBundle) Detector() (Detector, error) {
	return UnmarshalDetector(b.Algorithm, b.Params)
}

// NewDetector constructs an untrained detector of the given family.
func NewDetector(id AlgorithmID, seed int64) (Detector, error) {
	switch id {
	case AlgorithmIsolationForest:
		return newIsolationForest(seed), nil
	case AlgorithmLOF:
		return newLOF(), nil
	case AlgorithmBoundary:
		return newBoundary(), nil
	case AlgorithmAutoencoder:
		return newAutoencoder(seed), nil
	case AlgorithmDBSCAN:
		return newDBSCAN(), nil
	default:
		return nil, fmt.Errorf("unknown detector algorithm %q", id)
	}
}

// MarshalDetector serializes a trained detector's parameters.
func MarshalDetector(d Detector) ([]byte, error) {
	return json.Marshal(d)
}

// UnmarshalDetector restores a trained detector of the given family.
func UnmarshalDetector(id AlgorithmID, data []byte) (Detector, error) {
	var d Detector
	switch id {
	case AlgorithmIsolationForest:
		d = &IsolationForest{}
	case AlgorithmLOF:
		d = &LocalOutlierFactor{}
	case AlgorithmBoundary:
		d = &Boundary{}
	case AlgorithmAutoencoder:
		d = &Autoencoder{}
	case AlgorithmDBSCAN:
		d = &DBSCAN{}
	default:
		return nil, fmt.Errorf("unknown detector algorithm %q", id)
	}
	if err := json.Unmarshal(data, d); err != nil {
		return nil, fmt.Errorf("decode %s parameters: %w", id, err)
	}
	return d, nil
}
