package classifier

import (
	"math"
	"math/rand"
	"testing"
)

// separableData builds three well-separated clusters in 4 dimensions, one per
// class, with a little seeded jitter.
func separableData(n int, seed int64) ([][]float64, []int) {
	rng := rand.New(rand.NewSource(seed))
	centers := [][]float64{
		{0, 0, 0, 0},
		{5, 5, 0, 0},
		{0, 0, 5, 5},
	}
	var x [][]float64
	var y []int
	for i := 0; i < n; i++ {
		c := i % NumClasses
		row := make([]float64, 4)
		for j := range row {
			row[j] = centers[c][j] + rng.NormFloat64()*0.3
		}
		x = append(x, row)
		y = append(y, c)
	}
	return x, y
}

func allAlgorithms() []AlgorithmID {
	return []AlgorithmID{AlgorithmRandomForest, AlgorithmGradientBoost, AlgorithmGradientBoostLeaf}
}

func TestFitPredictSeparableClusters(t *testing.T) {
	x, y := separableData(150, 7)
	for _, alg := range allAlgorithms() {
		c, err := New(alg, Hyperparams{"n_estimators": 30}, 42)
		if err != nil {
			t.Fatalf("%s: %v", alg, err)
		}
		if err := c.Fit(x, y); err != nil {
			t.Fatalf("%s fit: %v", alg, err)
		}
		correct := 0
		for i := range x {
			if Argmax(c.PredictProba(x[i])) == y[i] {
				correct++
			}
		}
		if acc := float64(correct) / float64(len(x)); acc < 0.95 {
			t.Errorf("%s: training accuracy %.3f, want >= 0.95", alg, acc)
		}
	}
}

func TestPredictProbaIsDistribution(t *testing.T) {
	x, y := separableData(90, 3)
	for _, alg := range allAlgorithms() {
		c, err := New(alg, Hyperparams{"n_estimators": 10}, 1)
		if err != nil {
			t.Fatalf("%s: %v", alg, err)
		}
		if err := c.Fit(x, y); err != nil {
			t.Fatalf("%s fit: %v", alg, err)
		}
		proba := c.PredictProba([]float64{2.5, 2.5, 2.5, 2.5})
		if len(proba) != NumClasses {
			t.Fatalf("%s: got %d classes, want %d", alg, len(proba), NumClasses)
		}
		sum := 0.0
		for _, p := range proba {
			if p < 0 || p > 1 {
				t.Errorf("%s: probability %v out of range", alg, p)
			}
			sum += p
		}
		if math.Abs(sum-1) > 1e-9 {
			t.Errorf("%s: probabilities sum to %v, want 1", alg, sum)
		}
	}
}

func TestSameSeedSameModel(t *testing.T) {
	x, y := separableData(90, 11)
	probe := []float64{1, 1, 1, 1}
	for _, alg := range allAlgorithms() {
		var first []float64
		for run := 0; run < 2; run++ {
			c, err := New(alg, Hyperparams{"n_estimators": 15}, 99)
			if err != nil {
				t.Fatalf("%s: %v", alg, err)
			}
			if err := c.Fit(x, y); err != nil {
				t.Fatalf("%s fit: %v", alg, err)
			}
			proba := c.PredictProba(probe)
			if run == 0 {
				first = proba
				continue
			}
			for i := range proba {
				if proba[i] != first[i] {
					t.Errorf("%s: run 2 proba[%d]=%v, run 1 gave %v", alg, i, proba[i], first[i])
				}
			}
		}
	}
}

func TestMarshalRoundTripPreservesPredictions(t *testing.T) {
	x, y := separableData(90, 5)
	probes := [][]float64{
		{0.1, -0.2, 0.05, 0.3},
		{4.8, 5.1, 0.2, -0.1},
		{0.3, 0.1, 5.2, 4.9},
	}
	for _, alg := range allAlgorithms() {
		c, err := New(alg, Hyperparams{"n_estimators": 12}, 42)
		if err != nil {
			t.Fatalf("%s: %v", alg, err)
		}
		if err := c.Fit(x, y); err != nil {
			t.Fatalf("%s fit: %v", alg, err)
		}
		blob, err := Marshal(c)
		if err != nil {
			t.Fatalf("%s marshal: %v", alg, err)
		}
		restored, err := Unmarshal(alg, blob)
		if err != nil {
			t.Fatalf("%s unmarshal: %v", alg, err)
		}
		for _, probe := range probes {
			want := c.PredictProba(probe)
			got := restored.PredictProba(probe)
			for i := range want {
				if got[i] != want[i] {
					t.Errorf("%s: restored proba[%d]=%v, want %v", alg, i, got[i], want[i])
				}
			}
		}
	}
}

func TestFeatureImportanceNormalized(t *testing.T) {
	x, y := separableData(120, 2)
	for _, alg := range allAlgorithms() {
		c, err := New(alg, Hyperparams{"n_estimators": 20}, 42)
		if err != nil {
			t.Fatalf("%s: %v", alg, err)
		}
		if err := c.Fit(x, y); err != nil {
			t.Fatalf("%s fit: %v", alg, err)
		}
		imp := c.FeatureImportance()
		if len(imp) != 4 {
			t.Fatalf("%s: got %d importances, want 4", alg, len(imp))
		}
		sum := 0.0
		for _, v := range imp {
			if v < 0 {
				t.Errorf("%s: negative importance %v", alg, v)
			}
			sum += v
		}
		if math.Abs(sum-1) > 1e-9 {
			t.Errorf("%s: importances sum to %v, want 1", alg, sum)
		}
	}
}

func TestAttributeInstanceSumsTowardScore(t *testing.T) {
	x, y := separableData(120, 4)
	for _, alg := range allAlgorithms() {
		c, err := New(alg, Hyperparams{"n_estimators": 20}, 42)
		if err != nil {
			t.Fatalf("%s: %v", alg, err)
		}
		if err := c.Fit(x, y); err != nil {
			t.Fatalf("%s fit: %v", alg, err)
		}
		attr, ok := c.(InstanceAttributor)
		if !ok {
			t.Fatalf("%s does not implement InstanceAttributor", alg)
		}
		probe := x[0]
		contrib := attr.AttributeInstance(probe, y[0])
		if len(contrib) != 4 {
			t.Fatalf("%s: got %d contributions, want 4", alg, len(contrib))
		}
		any := false
		for _, v := range contrib {
			if v != 0 {
				any = true
			}
		}
		if !any {
			t.Errorf("%s: all contributions zero for in-cluster sample", alg)
		}
	}
}

func TestStandardScaler(t *testing.T) {
	x := [][]float64{
		{1, 10, 5},
		{2, 20, 5},
		{3, 30, 5},
	}
	var s StandardScaler
	s.Fit(x)

	if s.Stds[2] != 1 {
		t.Errorf("constant column std = %v, want 1", s.Stds[2])
	}
	scaled := s.TransformAll(x)
	for j := 0; j < 2; j++ {
		sum := 0.0
		for i := range scaled {
			sum += scaled[i][j]
		}
		if math.Abs(sum) > 1e-9 {
			t.Errorf("column %d mean after scaling = %v, want 0", j, sum/3)
		}
	}
	if scaled[0][2] != 0 {
		t.Errorf("constant column scaled to %v, want 0", scaled[0][2])
	}
}

func TestOversampleBalancesClasses(t *testing.T) {
	x := [][]float64{
		{0, 0}, {0.1, 0}, {0, 0.1}, {0.1, 0.1}, {0.05, 0.05},
		{5, 5}, {5.1, 5},
		{9, 9},
	}
	y := []int{0, 0, 0, 0, 0, 1, 1, 2}

	ox, oy := Oversample(x, y, 42)
	counts := make([]int, NumClasses)
	for _, c := range oy {
		counts[c]++
	}
	for c, n := range counts {
		if n != 5 {
			t.Errorf("class %d count = %d, want 5", c, n)
		}
	}
	// Originals are preserved in place.
	for i := range x {
		for j := range x[i] {
			if ox[i][j] != x[i][j] {
				t.Fatalf("original sample %d mutated", i)
			}
		}
	}
	// Class 2 has a single member, so every synthetic is that exact point.
	for i := len(x); i < len(ox); i++ {
		if oy[i] != 2 {
			continue
		}
		if ox[i][0] != 9 || ox[i][1] != 9 {
			t.Errorf("singleton-class synthetic = %v, want {9 9}", ox[i])
		}
	}
}

func TestEvaluatePerfectAndMixed(t *testing.T) {
	y := []int{0, 0, 1, 1, 2, 2}
	ev := Evaluate(y, y)
	if ev.Accuracy != 1 || ev.F1 != 1 || ev.Precision != 1 || ev.Recall != 1 {
		t.Errorf("perfect predictions: got acc=%v prec=%v rec=%v f1=%v", ev.Accuracy, ev.Precision, ev.Recall, ev.F1)
	}

	pred := []int{0, 1, 1, 1, 2, 0}
	ev = Evaluate(y, pred)
	if math.Abs(ev.Accuracy-4.0/6.0) > 1e-9 {
		t.Errorf("accuracy = %v, want %v", ev.Accuracy, 4.0/6.0)
	}
	if ev.Confusion[0][1] != 1 || ev.Confusion[2][0] != 1 {
		t.Errorf("confusion matrix wrong: %v", ev.Confusion)
	}
	if ev.F1 <= 0 || ev.F1 >= 1 {
		t.Errorf("mixed F1 = %v, want in (0,1)", ev.F1)
	}
}

func TestUnknownAlgorithm(t *testing.T) {
	if _, err := New("perceptron", nil, 1); err == nil {
		t.Fatal("expected error for unknown algorithm")
	}
	if _, err := Unmarshal("perceptron", []byte("{}")); err == nil {
		t.Fatal("expected error for unknown algorithm")
	}
}
