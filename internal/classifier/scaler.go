package classifier

import "math"

// StandardScaler centers and scales features to zero mean and unit variance.
// Zero-variance columns pass through unscaled (divisor 1) so constant features
// never produce NaN. The fitted means double as the "typical value" baseline
// in prediction explanations.
type StandardScaler struct {
	Means []float64 `json:"means"`
	Stds  []float64 `json:"stds"`
}

// Fit computes column statistics from the training matrix.
func (s *StandardScaler) Fit(x [][]float64) {
	if len(x) == 0 {
		return
	}
	d := len(x[0])
	s.Means = make([]float64, d)
	s.Stds = make([]float64, d)

	for j := 0; j < d; j++ {
		var sum float64
		for i := range x {
			sum += x[i][j]
		}
		s.Means[j] = sum / float64(len(x))

		var sumSq float64
		for i := range x {
			diff := x[i][j] - s.Means[j]
			sumSq += diff * diff
		}
		s.Stds[j] = math.Sqrt(sumSq / float64(len(x)))
		if s.Stds[j] == 0 {
			s.Stds[j] = 1
		}
	}
}

// Transform returns a scaled copy of one sample.
func (s *StandardScaler) Transform(x []float64) []float64 {
	out := make([]float64, len(x))
	for j, v := range x {
		out[j] = (v - s.Means[j]) / s.Stds[j]
	}
	return out
}

// TransformAll returns a scaled copy of a matrix.
func (s *StandardScaler) TransformAll(x [][]float64) [][]float64 {
	out := make([][]float64, len(x))
	for i := range x {
		out[i] = s.Transform(x[i])
	}
	return out
}
