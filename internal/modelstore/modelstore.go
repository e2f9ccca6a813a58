// Package modelstore persists and publishes versioned model artifacts.
//
// Trained models travel as self-describing JSON artifacts: everything needed
// to load and run the model in a fresh process (algorithm, parameters, feature
// schema, scaler, vocabularies, evaluation) lives inside the payload. Stores
// only ever append; a version is immutable once saved.
package modelstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/defiscope/riskengine/internal/classifier"
	"github.com/defiscope/riskengine/internal/features"
)

var ErrArtifactNotFound = errors.New("model artifact not found")

// Kind separates the two artifact families sharing one store.
type Kind string

const (
	KindRisk    Kind = "risk"
	KindAnomaly Kind = "anomaly"
)

// Artifact is the storage unit: an opaque versioned payload plus the
// metadata the stores index on.
type Artifact struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Algorithm string          `json:"algorithm"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store is the persistence interface for model artifacts.
type Store interface {
	Save(ctx context.Context, a *Artifact) error
	Get(ctx context.Context, kind Kind, id string) (*Artifact, error)
	// Latest returns the most recently created artifact of a kind, or
	// ErrArtifactNotFound if none has been saved.
	Latest(ctx context.Context, kind Kind) (*Artifact, error)
	List(ctx context.Context, kind Kind, limit int) ([]*Artifact, error)
}

// Bundle is a published risk model: the winning classifier plus every
// preprocessing parameter inference needs to reproduce training-time
// behavior exactly.
type Bundle struct {
	VersionID     string                    `json:"version_id"`
	Algorithm     classifier.AlgorithmID    `json:"algorithm"`
	Hyperparams   classifier.Hyperparams    `json:"hyperparams"`
	Model         json.RawMessage           `json:"model"`
	Schema        []features.FeatureSpec    `json:"schema"`
	Scaler        classifier.StandardScaler `json:"scaler"`
	CategoryVocab []string                  `json:"category_vocab"`
	ChainVocab    []string                  `json:"chain_vocab"`
	Evaluation    classifier.Evaluation     `json:"evaluation"`
	CVMeanF1      float64                   `json:"cv_mean_f1"`
	CVStdF1       float64                   `json:"cv_std_f1"`
	SampleCount   int                       `json:"sample_count"`
	ProtocolCount int                       `json:"protocol_count"`
	TrainedAt     time.Time                 `json:"trained_at"`
}

// Artifact wraps the bundle for storage.
func (b *Bundle) Artifact() (*Artifact, error) {
	payload, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode model bundle: %w", err)
	}
	return &Artifact{
		ID:        b.VersionID,
		Kind:      KindRisk,
		Algorithm: string(b.Algorithm),
		Payload:   payload,
		CreatedAt: b.TrainedAt,
	}, nil
}

// BundleFromArtifact decodes a risk bundle from its stored form.
func BundleFromArtifact(a *Artifact) (*Bundle, error) {
	if a.Kind != KindRisk {
		return nil, fmt.Errorf("artifact %s has kind %q, want %q", a.ID, a.Kind, KindRisk)
	}
	var b Bundle
	if err := json.Unmarshal(a.Payload, &b); err != nil {
		return nil, fmt.Errorf("decode model bundle %s: %w", a.ID, err)
	}
	return &b, nil
}

// Classifier reconstructs the trained model from the bundle parameters.
func (b *Bundle) Classifier() (classifier.Classifier, error) {
	return classifier.Unmarshal(b.Algorithm, b.Model)
}
