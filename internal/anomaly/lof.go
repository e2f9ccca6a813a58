package anomaly

import (
	"errors"
	"math"
	"sort"
)

const (
	lofNeighbors = 20
	// lofDensityCap bounds local reachability density for coincident
	// points, keeping LOF ratios finite.
	lofDensityCap = 1e12
)

// LocalOutlierFactor scores by local density: a point whose neighborhood is
// much sparser than its neighbors' neighborhoods scores above 1.
type LocalOutlierFactor struct {
	Train [][]float64 `json:"train"`
	K     int         `json:"k"`
	KDist []float64   `json:"k_dist"`
	LRD   []float64   `json:"lrd"`
}

func newLOF() *LocalOutlierFactor {
	return &LocalOutlierFactor{}
}

func (l *LocalOutlierFactor) Fit(x [][]float64) error {
	if len(x) < 2 {
		return errors.New("lof: need at least 2 training points")
	}
	l.Train = x
	l.K = lofNeighbors
	if l.K > len(x)-1 {
		l.K = len(x) - 1
	}

	n := len(x)
	neighbors := make([][]int, n)
	l.KDist = make([]float64, n)
	for i := 0; i < n; i++ {
		nb := l.nearestTrain(x[i], i)
		neighbors[i] = nb
		l.KDist[i] = euclid(x[i], x[nb[len(nb)-1]])
	}

	// Local reachability density of every training point.
	l.LRD = make([]float64, n)
	for i := 0; i < n; i++ {
		l.LRD[i] = l.lrdOf(x[i], neighbors[i])
	}
	return nil
}

// Score returns the LOF of a query point against the training set: the ratio
// of its neighbors' density to its own. Roughly 1 for inliers.
func (l *LocalOutlierFactor) Score(x []float64) float64 {
	nb := l.nearestTrain(x, -1)
	lrd := l.lrdOf(x, nb)
	var sum float64
	for _, j := range nb {
		sum += l.LRD[j]
	}
	return sum / float64(len(nb)) / lrd
}

// nearestTrain returns the indices of the K nearest training points,
// excluding index skip (pass -1 to keep all).
func (l *LocalOutlierFactor) nearestTrain(x []float64, skip int) []int {
	type distIdx struct {
		d float64
		i int
	}
	all := make([]distIdx, 0, len(l.Train))
	for i, row := range l.Train {
		if i == skip {
			continue
		}
		all = append(all, distIdx{euclid(x, row), i})
	}
	sort.Slice(all, func(a, b int) bool {
		if all[a].d != all[b].d {
			return all[a].d < all[b].d
		}
		return all[a].i < all[b].i
	})
	k := l.K
	if k > len(all) {
		k = len(all)
	}
	out := make([]int, k)
	for i := 0; i < k; i++ {
		out[i] = all[i].i
	}
	return out
}

// lrdOf computes local reachability density of a point given its neighbors.
func (l *LocalOutlierFactor) lrdOf(x []float64, neighbors []int) float64 {
	var reach float64
	for _, j := range neighbors {
		d := euclid(x, l.Train[j])
		if l.KDist[j] > d {
			d = l.KDist[j]
		}
		reach += d
	}
	if reach == 0 {
		// Coincident points: cap density so ratios stay finite.
		return lofDensityCap
	}
	lrd := float64(len(neighbors)) / reach
	if lrd > lofDensityCap {
		return lofDensityCap
	}
	return lrd
}

func euclid(a, b []float64) float64 {
	var sum float64
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	return math.Sqrt(sum)
}
