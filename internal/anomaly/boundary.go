package anomaly

import (
	"errors"
	"sort"
)

const boundaryTrimFraction = 0.9

// Boundary is a hypersphere boundary in scaled feature space: the center is
// a trimmed population centroid and the score is the distance to it. The
// trimming reruns the mean over the closest points so a few extreme rows
// cannot drag the center toward themselves.
type Boundary struct {
	Center []float64 `json:"center"`
}

func newBoundary() *Boundary {
	return &Boundary{}
}

func (b *Boundary) Fit(x [][]float64) error {
	if len(x) == 0 {
		return errors.New("boundary: empty training set")
	}
	center := centroid(x)

	// One trimming pass: recenter on the closest 90%.
	keep := int(float64(len(x)) * boundaryTrimFraction)
	if keep >= 2 && keep < len(x) {
		idx := make([]int, len(x))
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(a, c int) bool {
			return euclid(x[idx[a]], center) < euclid(x[idx[c]], center)
		})
		trimmed := make([][]float64, keep)
		for i := 0; i < keep; i++ {
			trimmed[i] = x[idx[i]]
		}
		center = centroid(trimmed)
	}
	b.Center = center
	return nil
}

// Score is the Euclidean distance from the center.
func (b *Boundary) Score(x []float64) float64 {
	return euclid(x, b.Center)
}

func centroid(x [][]float64) []float64 {
	d := len(x[0])
	center := make([]float64, d)
	for _, row := range x {
		for j, v := range row {
			center[j] += v
		}
	}
	for j := range center {
		center[j] /= float64(len(x))
	}
	return center
}
