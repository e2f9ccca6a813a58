package training

import (
	"sort"

	"github.com/defiscope/riskengine/internal/features"
)

// LabelSource assigns a risk class (0 low, 1 medium, 2 high) to every vector
// in a training population. Labeling is population-relative, so the source
// sees all vectors at once rather than one at a time.
type LabelSource interface {
	Label(vectors []*features.Vector) []int
}

// HeuristicLabelSource is the default weak-supervision source. It ranks each
// protocol's risk factors and protective factors against the population,
// blends the percentile ranks into a composite, and tertile-bins the
// composite. The bins track the population, so roughly a third of protocols
// land in each class regardless of market regime.
type HeuristicLabelSource struct {
	// RiskWeight is the share of the composite taken by risk factors.
	// The remainder goes to inverted protective factors.
	RiskWeight float64
}

// NewHeuristicLabelSource creates the default label source.
func NewHeuristicLabelSource() *HeuristicLabelSource {
	return &HeuristicLabelSource{RiskWeight: 0.7}
}

// riskFactorNames raise the composite when high.
var riskFactorNames = []string{
	features.TVLVolatility30,
	features.PriceVolatility30,
	features.VolumeVolatility30,
	features.PriceMaxDrawdown,
	features.TVLMaxDrawdown,
	features.StabilityStdAbs,
}

// protectiveFactorNames lower the composite when high.
var protectiveFactorNames = []string{
	features.LiquidityRatio,
	features.LogTVL,
	features.LogVolume,
}

func (s *HeuristicLabelSource) Label(vectors []*features.Vector) []int {
	n := len(vectors)
	if n == 0 {
		return nil
	}

	composite := make([]float64, n)
	for _, name := range riskFactorNames {
		ranks := percentileRanks(column(vectors, name))
		for i := range composite {
			composite[i] += s.RiskWeight * ranks[i] / float64(len(riskFactorNames))
		}
	}
	protWeight := 1 - s.RiskWeight
	for _, name := range protectiveFactorNames {
		ranks := percentileRanks(column(vectors, name))
		for i := range composite {
			composite[i] += protWeight * (1 - ranks[i]) / float64(len(protectiveFactorNames))
		}
	}

	lowCut := quantile(composite, 1.0/3.0)
	highCut := quantile(composite, 2.0/3.0)

	labels := make([]int, n)
	for i, c := range composite {
		switch {
		case c <= lowCut:
			labels[i] = 0
		case c <= highCut:
			labels[i] = 1
		default:
			labels[i] = 2
		}
	}
	return labels
}

func column(vectors []*features.Vector, name string) []float64 {
	out := make([]float64, len(vectors))
	for i, v := range vectors {
		val, _ := v.Value(name)
		out[i] = val
	}
	return out
}

// percentileRanks returns each value's mean rank in [0,1]. Ties share the
// average of their positions so identical values get identical ranks.
func percentileRanks(values []float64) []float64 {
	n := len(values)
	if n == 1 {
		return []float64{0.5}
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return values[idx[a]] < values[idx[b]] })

	ranks := make([]float64, n)
	for i := 0; i < n; {
		j := i
		for j+1 < n && values[idx[j+1]] == values[idx[i]] {
			j++
		}
		avg := float64(i+j) / 2
		for k := i; k <= j; k++ {
			ranks[idx[k]] = avg / float64(n-1)
		}
		i = j + 1
	}
	return ranks
}

// quantile returns the value at fraction q of the sorted data, with linear
// interpolation between neighbors.
func quantile(values []float64, q float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(pos)
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}
