package classifier

import (
	"errors"
	"math"
	"math/rand"
)

// RandomForest is a bagging ensemble of gini decision trees with per-split
// feature subsampling.
type RandomForest struct {
	Trees       []*treeNode `json:"trees"`
	Importances []float64   `json:"importances"`

	NEstimators    int   `json:"nEstimators"`
	MaxDepth       int   `json:"maxDepth"`
	MinSamplesLeaf int   `json:"minSamplesLeaf"`
	Seed           int64 `json:"seed"`
}

func newRandomForest(hp Hyperparams, seed int64) *RandomForest {
	return &RandomForest{
		NEstimators:    int(hp.get("n_estimators", 100)),
		MaxDepth:       int(hp.get("max_depth", 10)),
		MinSamplesLeaf: int(hp.get("min_samples_leaf", 2)),
		Seed:           seed,
	}
}

func (f *RandomForest) Fit(x [][]float64, y []int) error {
	if len(x) == 0 || len(x) != len(y) {
		return errors.New("random forest: empty or mismatched training data")
	}
	rng := rand.New(rand.NewSource(f.Seed))
	d := len(x[0])
	maxFeatures := int(math.Ceil(math.Sqrt(float64(d))))
	importance := make([]float64, d)

	f.Trees = make([]*treeNode, 0, f.NEstimators)
	for t := 0; t < f.NEstimators; t++ {
		// Bootstrap sample with replacement.
		idx := make([]int, len(x))
		for i := range idx {
			idx[i] = rng.Intn(len(x))
		}
		builder := &classTreeBuilder{
			x:              x,
			y:              y,
			maxDepth:       f.MaxDepth,
			minSamplesLeaf: f.MinSamplesLeaf,
			maxFeatures:    maxFeatures,
			rng:            rng,
			importance:     importance,
		}
		f.Trees = append(f.Trees, builder.build(idx, 0))
	}

	normalize(importance)
	f.Importances = importance
	return nil
}

func (f *RandomForest) PredictProba(x []float64) []float64 {
	proba := make([]float64, NumClasses)
	if len(f.Trees) == 0 {
		return proba
	}
	for _, tree := range f.Trees {
		leaf := tree.leafFor(x)
		for c, p := range leaf.Dist {
			proba[c] += p
		}
	}
	for c := range proba {
		proba[c] /= float64(len(f.Trees))
	}
	return proba
}

func (f *RandomForest) FeatureImportance() []float64 {
	return f.Importances
}

// AttributeInstance returns per-feature contributions to P(class) for one
// sample, averaged over the forest's decision paths.
func (f *RandomForest) AttributeInstance(x []float64, class int) []float64 {
	contrib := make([]float64, len(x))
	if len(f.Trees) == 0 {
		return contrib
	}
	for _, tree := range f.Trees {
		pathContribution(tree, x, class, true, contrib)
	}
	for i := range contrib {
		contrib[i] /= float64(len(f.Trees))
	}
	return contrib
}
