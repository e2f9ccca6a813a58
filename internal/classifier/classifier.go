// Package classifier implements the supervised model families the trainer
// compares: a bagging tree ensemble and two gradient-boosted tree variants.
//
// Every family sits behind the same capability interface so candidate
// comparison stays type-safe, with no runtime attribute probing. Models are
// deterministic given their seed, and serialize to self-describing JSON so a
// published bundle can be loaded independently of the process that trained it.
package classifier

import (
	"encoding/json"
	"fmt"
)

// NumClasses is the number of risk classes (low, medium, high).
const NumClasses = 3

// AlgorithmID tags a classifier family.
type AlgorithmID string

const (
	AlgorithmRandomForest      AlgorithmID = "random_forest"
	AlgorithmGradientBoost     AlgorithmID = "gradient_boost"
	AlgorithmGradientBoostLeaf AlgorithmID = "gradient_boost_leafwise"
)

// Hyperparams is a flat name→value map, the unit of grid search.
type Hyperparams map[string]float64

// Clone returns a copy safe to mutate.
func (h Hyperparams) Clone() Hyperparams {
	out := make(Hyperparams, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

func (h Hyperparams) get(name string, fallback float64) float64 {
	if v, ok := h[name]; ok {
		return v
	}
	return fallback
}

// Classifier is the capability interface every candidate family implements.
type Classifier interface {
	// Fit trains on a feature matrix X (rows = samples) and class labels y.
	Fit(X [][]float64, y []int) error
	// PredictProba returns the per-class probability distribution for one
	// sample. Deterministic: no randomness at inference time.
	PredictProba(x []float64) []float64
	// FeatureImportance returns per-feature importances summing to 1
	// (all zeros if the model is untrained or degenerate).
	FeatureImportance() []float64
}

// InstanceAttributor is the optional capability for additive instance-level
// attribution: the contribution of each feature to one sample's score for the
// given class, along the model's decision paths.
type InstanceAttributor interface {
	AttributeInstance(x []float64, class int) []float64
}

// New constructs an untrained classifier of the given family.
func New(id AlgorithmID, hp Hyperparams, seed int64) (Classifier, error) {
	switch id {
	case AlgorithmRandomForest:
		return newRandomForest(hp, seed), nil
	case AlgorithmGradientBoost:
		return newGradientBoost(hp, seed, growthDepthwise), nil
	case AlgorithmGradientBoostLeaf:
		return newGradientBoost(hp, seed, growthLeafwise), nil
	default:
		return nil, fmt.Errorf("unknown classifier algorithm %q", id)
	}
}

// Marshal serializes a trained classifier's parameters.
func Marshal(c Classifier) ([]byte, error) {
	return json.Marshal(c)
}

// Unmarshal restores a trained classifier of the given family.
func Unmarshal(id AlgorithmID, data []byte) (Classifier, error) {
	var c Classifier
	switch id {
	case AlgorithmRandomForest:
		c = &RandomForest{}
	case AlgorithmGradientBoost, AlgorithmGradientBoostLeaf:
		c = &GradientBoost{}
	default:
		return nil, fmt.Errorf("unknown classifier algorithm %q", id)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("decode %s parameters: %w", id, err)
	}
	return c, nil
}
