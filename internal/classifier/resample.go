package classifier

import "math/rand"

// Oversample balances the class distribution by synthesizing minority-class
// samples. Each synthetic sample interpolates between a random pair of
// existing samples of the same class, so synthetic points always lie inside
// the class's convex hull. Classes already at the majority count are left
// untouched. The result appends synthetics after the originals; callers that
// need shuffled order shuffle downstream.
func Oversample(x [][]float64, y []int, seed int64) ([][]float64, []int) {
	if len(x) == 0 {
		return x, y
	}
	byClass := make(map[int][]int)
	for i, c := range y {
		byClass[c] = append(byClass[c], i)
	}
	majority := 0
	for _, idx := range byClass {
		if len(idx) > majority {
			majority = len(idx)
		}
	}

	rng := rand.New(rand.NewSource(seed))
	outX := make([][]float64, len(x), len(x))
	for i := range x {
		outX[i] = x[i]
	}
	outY := make([]int, len(y))
	copy(outY, y)

	// Deterministic class order.
	for c := 0; c < NumClasses; c++ {
		idx := byClass[c]
		if len(idx) == 0 || len(idx) >= majority {
			continue
		}
		for n := len(idx); n < majority; n++ {
			a := x[idx[rng.Intn(len(idx))]]
			b := x[idx[rng.Intn(len(idx))]]
			t := rng.Float64()
			synth := make([]float64, len(a))
			for j := range a {
				synth[j] = a[j] + t*(b[j]-a[j])
			}
			outX = append(outX, synth)
			outY = append(outY, c)
		}
	}
	return outX, outY
}
