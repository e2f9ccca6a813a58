package classifier

import (
	"errors"
	"math"
	"math/rand"
)

// GradientBoost is a multiclass gradient-boosted tree ensemble trained with
// newton steps on the softmax objective. Growth selects the tree-building
// strategy: depth-wise (classic GBM shape) or best-first leaf-wise with a leaf
// budget and row subsampling (the stochastic variant).
type GradientBoost struct {
	// Stages[m][k] is the m-th boosting round's tree for class k.
	Stages      [][]*treeNode `json:"stages"`
	BaseScores  []float64     `json:"baseScores"` // log class priors
	Importances []float64     `json:"importances"`

	NEstimators    int     `json:"nEstimators"`
	LearningRate   float64 `json:"learningRate"`
	MaxDepth       int     `json:"maxDepth"`
	MaxLeaves      int     `json:"maxLeaves,omitempty"` // leafwise only
	MinSamplesLeaf int     `json:"minSamplesLeaf"`
	Subsample      float64 `json:"subsample"`
	Lambda         float64 `json:"lambda"`
	Seed           int64   `json:"seed"`

	Growth string `json:"growth"` // "depthwise" | "leafwise"
}

func newGradientBoost(hp Hyperparams, seed int64, growth growthStrategy) *GradientBoost {
	gb := &GradientBoost{
		NEstimators:    int(hp.get("n_estimators", 100)),
		LearningRate:   hp.get("learning_rate", 0.1),
		MaxDepth:       int(hp.get("max_depth", 3)),
		MinSamplesLeaf: int(hp.get("min_samples_leaf", 2)),
		Subsample:      hp.get("subsample", 1.0),
		Lambda:         hp.get("lambda", 1.0),
		Seed:           seed,
		Growth:         "depthwise",
	}
	if growth == growthLeafwise {
		gb.Growth = "leafwise"
		gb.MaxLeaves = int(hp.get("max_leaves", 15))
		if gb.MaxDepth == 3 { // leafwise trees are depth-bounded loosely
			gb.MaxDepth = int(hp.get("max_depth", 8))
		}
	}
	return gb
}

func (g *GradientBoost) Fit(x [][]float64, y []int) error {
	if len(x) == 0 || len(x) != len(y) {
		return errors.New("gradient boost: empty or mismatched training data")
	}
	n := len(x)
	d := len(x[0])
	rng := rand.New(rand.NewSource(g.Seed))

	// Initialize raw scores at log class priors.
	counts := make([]float64, NumClasses)
	for _, c := range y {
		counts[c]++
	}
	g.BaseScores = make([]float64, NumClasses)
	for c := range g.BaseScores {
		p := (counts[c] + 1) / (float64(n) + NumClasses) // Laplace-smoothed
		g.BaseScores[c] = math.Log(p)
	}

	scores := make([][]float64, n)
	for i := range scores {
		scores[i] = make([]float64, NumClasses)
		copy(scores[i], g.BaseScores)
	}

	importance := make([]float64, d)
	grad := make([]float64, n)
	hess := make([]float64, n)

	g.Stages = make([][]*treeNode, 0, g.NEstimators)
	for m := 0; m < g.NEstimators; m++ {
		rows := g.sampleRows(n, rng)
		stage := make([]*treeNode, NumClasses)

		for k := 0; k < NumClasses; k++ {
			for i := 0; i < n; i++ {
				p := softmaxAt(scores[i], k)
				target := 0.0
				if y[i] == k {
					target = 1.0
				}
				grad[i] = target - p
				hess[i] = p * (1 - p)
			}
			builder := &gradTreeBuilder{
				x:              x,
				grad:           grad,
				hess:           hess,
				lambda:         g.Lambda,
				maxDepth:       g.MaxDepth,
				minSamplesLeaf: g.MinSamplesLeaf,
				importance:     importance,
			}
			if g.Growth == "leafwise" {
				builder.maxLeaves = g.MaxLeaves
			}
			stage[k] = builder.build(rows)
		}

		// Apply the whole stage before computing the next round's gradients.
		for i := 0; i < n; i++ {
			for k := 0; k < NumClasses; k++ {
				scores[i][k] += g.LearningRate * stage[k].leafFor(x[i]).Value
			}
		}
		g.Stages = append(g.Stages, stage)
	}

	normalize(importance)
	g.Importances = importance
	return nil
}

func (g *GradientBoost) sampleRows(n int, rng *rand.Rand) []int {
	if g.Subsample >= 1.0 {
		rows := make([]int, n)
		for i := range rows {
			rows[i] = i
		}
		return rows
	}
	want := int(math.Max(1, math.Round(g.Subsample*float64(n))))
	perm := rng.Perm(n)[:want]
	return perm
}

func (g *GradientBoost) rawScores(x []float64) []float64 {
	scores := make([]float64, NumClasses)
	copy(scores, g.BaseScores)
	for _, stage := range g.Stages {
		for k, tree := range stage {
			scores[k] += g.LearningRate * tree.leafFor(x).Value
		}
	}
	return scores
}

func (g *GradientBoost) PredictProba(x []float64) []float64 {
	return softmax(g.rawScores(x))
}

func (g *GradientBoost) FeatureImportance() []float64 {
	return g.Importances
}

// AttributeInstance returns per-feature contributions to the raw boosting
// score of the given class along every stage's decision path.
func (g *GradientBoost) AttributeInstance(x []float64, class int) []float64 {
	contrib := make([]float64, len(x))
	for _, stage := range g.Stages {
		pathContribution(stage[class], x, class, false, contrib)
	}
	for i := range contrib {
		contrib[i] *= g.LearningRate
	}
	return contrib
}

func softmax(scores []float64) []float64 {
	maxS := scores[0]
	for _, s := range scores[1:] {
		if s > maxS {
			maxS = s
		}
	}
	exp := make([]float64, len(scores))
	var sum float64
	for i, s := range scores {
		exp[i] = math.Exp(s - maxS)
		sum += exp[i]
	}
	for i := range exp {
		exp[i] /= sum
	}
	return exp
}

func softmaxAt(scores []float64, k int) float64 {
	return softmax(scores)[k]
}
