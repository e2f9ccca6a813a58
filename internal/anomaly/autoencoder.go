package anomaly

import (
	"errors"
	"math"
	"math/rand"
)

const (
	aeHiddenUnits = 8
	aeEpochs      = 200
	aeLearnRate   = 0.01
)

// Autoencoder learns to reconstruct the population through a narrow hidden
// layer. Rows the network cannot reconstruct sit outside the patterns the
// population shares; the score is the reconstruction MSE.
type Autoencoder struct {
	Hidden int         `json:"hidden"`
	W1     [][]float64 `json:"w1"` // input -> hidden
	B1     []float64   `json:"b1"`
	W2     [][]float64 `json:"w2"` // hidden -> output
	B2     []float64   `json:"b2"`
	Seed   int64       `json:"seed"`
}

func newAutoencoder(seed int64) *Autoencoder {
	return &Autoencoder{Seed: seed}
}

func (a *Autoencoder) Fit(x [][]float64) error {
	if len(x) == 0 {
		return errors.New("autoencoder: empty training set")
	}
	d := len(x[0])
	h := aeHiddenUnits
	if h > d {
		h = d
	}
	a.Hidden = h

	rng := rand.New(rand.NewSource(a.Seed))
	scaleIn := math.Sqrt(1 / float64(d))
	scaleHid := math.Sqrt(1 / float64(h))
	a.W1 = randMatrix(rng, d, h, scaleIn)
	a.B1 = make([]float64, h)
	a.W2 = randMatrix(rng, h, d, scaleHid)
	a.B2 = make([]float64, d)

	for epoch := 0; epoch < aeEpochs; epoch++ {
		for _, i := range rng.Perm(len(x)) {
			a.sgdStep(x[i])
		}
	}
	return nil
}

// sgdStep runs one forward/backward pass on a single row.
func (a *Autoencoder) sgdStep(row []float64) {
	hidden, out := a.forward(row)

	d := len(row)
	h := a.Hidden

	// Output layer gradient (linear output, MSE loss).
	dOut := make([]float64, d)
	for j := 0; j < d; j++ {
		dOut[j] = out[j] - row[j]
	}

	// Hidden layer gradient through tanh.
	dHidden := make([]float64, h)
	for k := 0; k < h; k++ {
		var sum float64
		for j := 0; j < d; j++ {
			sum += dOut[j] * a.W2[k][j]
		}
		dHidden[k] = sum * (1 - hidden[k]*hidden[k])
	}

	for k := 0; k < h; k++ {
		for j := 0; j < d; j++ {
			a.W2[k][j] -= aeLearnRate * dOut[j] * hidden[k]
		}
	}
	for j := 0; j < d; j++ {
		a.B2[j] -= aeLearnRate * dOut[j]
	}
	for i := 0; i < d; i++ {
		for k := 0; k < h; k++ {
			a.W1[i][k] -= aeLearnRate * dHidden[k] * row[i]
		}
	}
	for k := 0; k < h; k++ {
		a.B1[k] -= aeLearnRate * dHidden[k]
	}
}

func (a *Autoencoder) forward(row []float64) (hidden, out []float64) {
	h := a.Hidden
	d := len(row)

	hidden = make([]float64, h)
	for k := 0; k < h; k++ {
		sum := a.B1[k]
		for i := 0; i < d; i++ {
			sum += row[i] * a.W1[i][k]
		}
		hidden[k] = math.Tanh(sum)
	}
	out = make([]float64, d)
	for j := 0; j < d; j++ {
		sum := a.B2[j]
		for k := 0; k < h; k++ {
			sum += hidden[k] * a.W2[k][j]
		}
		out[j] = sum
	}
	return hidden, out
}

// Score is the mean squared reconstruction error.
func (a *Autoencoder) Score(x []float64) float64 {
	_, out := a.forward(x)
	var mse float64
	for j := range x {
		diff := out[j] - x[j]
		mse += diff * diff
	}
	return mse / float64(len(x))
}

func randMatrix(rng *rand.Rand, rows, cols int, scale float64) [][]float64 {
	m := make([][]float64, rows)
	for i := range m {
		m[i] = make([]float64, cols)
		for j := range m[i] {
			m[i][j] = rng.NormFloat64() * scale
		}
	}
	return m
}
