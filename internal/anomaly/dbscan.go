package anomaly

import (
	"errors"
	"sort"
)

const dbscanMinPts = 4

// DBSCAN clusters the population by density and treats noise points as
// anomalies. Eps is derived from the population itself: the median k-distance,
// so the detector adapts to however tight the population happens to be.
// Scoring measures distance to the nearest core point relative to eps.
type DBSCAN struct {
	Eps   float64     `json:"eps"`
	Cores [][]float64 `json:"cores"`
}

func newDBSCAN() *DBSCAN {
	return &DBSCAN{}
}

func (d *DBSCAN) Fit(x [][]float64) error {
	if len(x) < dbscanMinPts {
		return errors.New("dbscan: too few training points")
	}
	d.Eps = medianKDistance(x, dbscanMinPts)

	// A point is core when at least minPts points (itself included) sit
	// within eps.
	d.Cores = nil
	for i, p := range x {
		count := 0
		for _, q := range x {
			if euclid(p, q) <= d.Eps {
				count++
			}
		}
		if count >= dbscanMinPts {
			d.Cores = append(d.Cores, x[i])
		}
	}
	return nil
}

// Score is the distance to the nearest core point divided by eps: points
// inside a cluster score <= 1, noise scores above it. With no core points
// the population has no density structure and everything scores 1.
func (d *DBSCAN) Score(x []float64) float64 {
	if len(d.Cores) == 0 {
		return 1
	}
	best := euclid(x, d.Cores[0])
	for _, c := range d.Cores[1:] {
		if dist := euclid(x, c); dist < best {
			best = dist
		}
	}
	if d.Eps == 0 {
		if best == 0 {
			return 0
		}
		return 1e12
	}
	return best / d.Eps
}

// medianKDistance is the median distance to the k-th nearest neighbor.
func medianKDistance(x [][]float64, k int) float64 {
	kd := make([]float64, 0, len(x))
	for i, p := range x {
		dists := make([]float64, 0, len(x)-1)
		for j, q := range x {
			if i == j {
				continue
			}
			dists = append(dists, euclid(p, q))
		}
		sort.Float64s(dists)
		idx := k - 1
		if idx >= len(dists) {
			idx = len(dists) - 1
		}
		kd = append(kd, dists[idx])
	}
	sort.Float64s(kd)
	return kd[len(kd)/2]
}
