package predictor

import (
	"math"
	"sort"

	"github.com/defiscope/riskengine/internal/classifier"
	"github.com/defiscope/riskengine/internal/features"
)

// topContributions is how many features an explanation names.
const topContributions = 5

// Contribution is one feature's share of a prediction's explanation.
type Contribution struct {
	Feature     string  `json:"feature"`
	Value       float64 `json:"value"`
	Typical     float64 `json:"typical"`
	Weight      float64 `json:"weight"`
	Direction   string  `json:"direction"`
	Description string  `json:"description"`
}

// explain ranks features by their influence on the predicted class. Models
// that expose decision paths get exact additive attribution; anything else
// falls back to global importance scaled by how unusual the instance value is.
func (p *Predictor) explain(vec *features.Vector, scaled []float64, class int) []Contribution {
	var weights []float64
	if attr, ok := p.model.(classifier.InstanceAttributor); ok {
		weights = attr.AttributeInstance(scaled, class)
	}
	if len(weights) == 0 {
		importance := p.model.FeatureImportance()
		weights = make([]float64, len(scaled))
		for i := range scaled {
			if i < len(importance) {
				weights[i] = importance[i] * scaled[i]
			}
		}
	}

	contribs := make([]Contribution, 0, len(vec.Schema))
	for i, spec := range vec.Schema {
		if i >= len(weights) {
			break
		}
		contribs = append(contribs, Contribution{
			Feature:     spec.Name,
			Value:       vec.Values[i],
			Typical:     p.bundle.Scaler.Means[i],
			Weight:      weights[i],
			Direction:   direction(vec.Values[i], p.bundle.Scaler.Means[i], weights[i]),
			Description: describeFeature(spec.Name),
		})
	}
	sort.SliceStable(contribs, func(i, j int) bool {
		return math.Abs(contribs[i].Weight) > math.Abs(contribs[j].Weight)
	})
	if len(contribs) > topContributions {
		contribs = contribs[:topContributions]
	}
	return contribs
}

func direction(value, typical, weight float64) string {
	var position string
	switch {
	case value > typical:
		position = "above typical"
	case value < typical:
		position = "below typical"
	default:
		position = "at typical"
	}
	if weight > 0 {
		return position + ", increases risk"
	}
	if weight < 0 {
		return position + ", decreases risk"
	}
	return position + ", neutral"
}

// describeFeature renders a feature name for an operator-facing explanation.
func describeFeature(name string) string {
	switch name {
	case features.TVLVolatility30:
		return "day-over-day TVL volatility across the window"
	case features.PriceVolatility30:
		return "day-over-day price volatility across the window"
	case features.VolumeVolatility30:
		return "day-over-day volume volatility across the window"
	case features.TVLSlope:
		return "direction of the TVL trend"
	case features.PriceSlope:
		return "direction of the price trend"
	case features.TVLTrend7:
		return "TVL change over the last 7 days"
	case features.PriceMomentum7:
		return "price change over the last 7 days"
	case features.LiquidityRatio:
		return "trading volume relative to locked value"
	case features.McapTVLRatio:
		return "market cap relative to locked value"
	case features.PriceMaxDrawdown:
		return "worst peak-to-trough price drop in the window"
	case features.TVLMaxDrawdown:
		return "worst peak-to-trough TVL drop in the window"
	case features.StabilityMeanAbs:
		return "average size of daily price moves"
	case features.StabilityStdAbs:
		return "consistency of daily price moves"
	case features.RecentChange:
		return "most recent day-over-day price change"
	case features.LogTVL:
		return "overall size by locked value"
	case features.LogVolume:
		return "overall size by trading volume"
	case features.CategoryEncoded:
		return "protocol category"
	case features.ChainEncoded:
		return "deployment chain"
	default:
		return name
	}
}
