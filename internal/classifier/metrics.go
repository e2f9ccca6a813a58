package classifier

// Evaluation summarizes classifier quality on a labeled holdout set.
// Precision, recall and F1 are support-weighted averages over the three
// classes, matching the convention used to rank training candidates.
type Evaluation struct {
	Accuracy  float64   `json:"accuracy"`
	Precision float64   `json:"precision"`
	Recall    float64   `json:"recall"`
	F1        float64   `json:"f1"`
	Confusion [][]int `json:"confusion"`
	Support   []int   `json:"support"`
	N         int     `json:"n"`
}

// Evaluate compares predicted against true labels.
func Evaluate(yTrue, yPred []int) Evaluation {
	ev := Evaluation{
		Confusion: make([][]int, NumClasses),
		Support:   make([]int, NumClasses),
		N:         len(yTrue),
	}
	for c := 0; c < NumClasses; c++ {
		ev.Confusion[c] = make([]int, NumClasses)
	}
	if len(yTrue) == 0 {
		return ev
	}

	correct := 0
	for i := range yTrue {
		t, p := yTrue[i], yPred[i]
		ev.Confusion[t][p]++
		ev.Support[t]++
		if t == p {
			correct++
		}
	}
	ev.Accuracy = float64(correct) / float64(len(yTrue))

	for c := 0; c < NumClasses; c++ {
		tp := ev.Confusion[c][c]
		var predicted, actual int
		for k := 0; k < NumClasses; k++ {
			predicted += ev.Confusion[k][c]
			actual += ev.Confusion[c][k]
		}
		var prec, rec float64
		if predicted > 0 {
			prec = float64(tp) / float64(predicted)
		}
		if actual > 0 {
			rec = float64(tp) / float64(actual)
		}
		var f1 float64
		if prec+rec > 0 {
			f1 = 2 * prec * rec / (prec + rec)
		}
		w := float64(ev.Support[c]) / float64(len(yTrue))
		ev.Precision += w * prec
		ev.Recall += w * rec
		ev.F1 += w * f1
	}
	return ev
}

// WeightedF1 is a shortcut for ranking fold results.
func WeightedF1(yTrue, yPred []int) float64 {
	return Evaluate(yTrue, yPred).F1
}

// Argmax returns the index of the largest probability.
func Argmax(proba []float64) int {
	best := 0
	for i := 1; i < len(proba); i++ {
		if proba[i] > proba[best] {
			best = i
		}
	}
	return best
}
