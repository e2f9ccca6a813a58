package anomaly

import (
	"errors"
	"math"
	"math/rand"
)

const (
	isoTrees      = 100
	isoSampleSize = 256
)

// isoNode is one node of an isolation tree. Leaves carry the number of
// samples that reached them, for path-length extension.
type isoNode struct {
	Feature   int      `json:"f"`
	Threshold float64  `json:"t"`
	Left      *isoNode `json:"l,omitempty"`
	Right     *isoNode `json:"r,omitempty"`
	Size      int      `json:"n,omitempty"`
}

// IsolationForest scores by average isolation depth: anomalies separate from
// the rest of the data in fewer random splits.
type IsolationForest struct {
	Trees      []*isoNode `json:"trees"`
	SampleSize int        `json:"sample_size"`
	Seed       int64      `json:"seed"`
}

func newIsolationForest(seed int64) *IsolationForest {
	return &IsolationForest{Seed: seed}
}

func (f *IsolationForest) Fit(x [][]float64) error {
	if len(x) == 0 {
		return errors.New("isolation forest: empty training set")
	}
	rng := rand.New(rand.NewSource(f.Seed))
	sample := len(x)
	if sample > isoSampleSize {
		sample = isoSampleSize
	}
	f.SampleSize = sample
	maxDepth := int(math.Ceil(math.Log2(float64(sample)))) + 1

	f.Trees = make([]*isoNode, 0, isoTrees)
	for t := 0; t < isoTrees; t++ {
		idx := rng.Perm(len(x))[:sample]
		rows := make([][]float64, sample)
		for i, j := range idx {
			rows[i] = x[j]
		}
		f.Trees = append(f.Trees, buildIsoTree(rows, 0, maxDepth, rng))
	}
	return nil
}

func buildIsoTree(rows [][]float64, depth, maxDepth int, rng *rand.Rand) *isoNode {
	if len(rows) <= 1 || depth >= maxDepth {
		return &isoNode{Feature: -1, Size: len(rows)}
	}
	d := len(rows[0])

	// Pick a feature with spread; give up after d attempts.
	var feature int
	var lo, hi float64
	found := false
	for attempt := 0; attempt < d; attempt++ {
		feature = rng.Intn(d)
		lo, hi = rows[0][feature], rows[0][feature]
		for _, r := range rows {
			if r[feature] < lo {
				lo = r[feature]
			}
			if r[feature] > hi {
				hi = r[feature]
			}
		}
		if hi > lo {
			found = true
			break
		}
	}
	if !found {
		return &isoNode{Feature: -1, Size: len(rows)}
	}

	threshold := lo + rng.Float64()*(hi-lo)
	var left, right [][]float64
	for _, r := range rows {
		if r[feature] < threshold {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &isoNode{Feature: -1, Size: len(rows)}
	}
	return &isoNode{
		Feature:   feature,
		Threshold: threshold,
		Left:      buildIsoTree(left, depth+1, maxDepth, rng),
		Right:     buildIsoTree(right, depth+1, maxDepth, rng),
	}
}

// Score returns 2^(-E[h]/c(n)), in (0,1); above ~0.5 means isolated faster
// than an average point.
func (f *IsolationForest) Score(x []float64) float64 {
	if len(f.Trees) == 0 {
		return 0
	}
	var total float64
	for _, tree := range f.Trees {
		total += pathLength(tree, x, 0)
	}
	avg := total / float64(len(f.Trees))
	return math.Pow(2, -avg/avgPathLength(f.SampleSize))
}

func pathLength(n *isoNode, x []float64, depth int) float64 {
	if n.Feature < 0 {
		return float64(depth) + avgPathLength(n.Size)
	}
	if x[n.Feature] < n.Threshold {
		return pathLength(n.Left, x, depth+1)
	}
	return pathLength(n.Right, x, depth+1)
}

// avgPathLength is the expected unsuccessful-search depth of a BST of size n.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	h := math.Log(float64(n-1)) + 0.5772156649
	return 2*h - 2*float64(n-1)/float64(n)
}
