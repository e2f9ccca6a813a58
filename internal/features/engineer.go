package features

import (
	"math"
	"sort"
	"time"

	"github.com/defiscope/riskengine/internal/marketdata"
)

const (
	// DefaultMinPoints is the minimum observed points required in a window
	// on the risk-scoring path.
	DefaultMinPoints = 10

	volatilityWindow = 30 // days of pct-changes feeding the volatility features
	shortWindow      = 7  // days for the trend/momentum features
)

// Engineer computes feature vectors from snapshot windows. Stateless and safe
// for concurrent use.
type Engineer struct {
	categories *Vocabulary
	chains     *Vocabulary
}

// NewEngineer creates a feature engineer with the given vocabularies. Nil
// vocabularies fall back to the defaults.
func NewEngineer(categories, chains *Vocabulary) *Engineer {
	if categories == nil {
		categories = DefaultCategoryVocab()
	}
	if chains == nil {
		chains = DefaultChainVocab()
	}
	return &Engineer{categories: categories, chains: chains}
}

// Vocabularies returns the encoders, for bundling with a trained model.
func (e *Engineer) Vocabularies() (categories, chains *Vocabulary) {
	return e.categories, e.chains
}

// Compute derives the feature vector for one protocol from the snapshots that
// fall inside (asOf-window, asOf]. Snapshots must be ordered by timestamp
// ascending. minPoints is the number of observed (pre-fill) points required;
// fewer returns *InsufficientHistoryError.
func (e *Engineer) Compute(
	protocol *marketdata.Protocol,
	snaps []marketdata.MetricSnapshot,
	asOf time.Time,
	window time.Duration,
	minPoints int,
) (*Vector, error) {
	since := asOf.Add(-window)
	observed := make([]marketdata.MetricSnapshot, 0, len(snaps))
	for _, s := range snaps {
		if s.Timestamp.After(since) && !s.Timestamp.After(asOf) {
			observed = append(observed, s)
		}
	}
	if len(observed) < minPoints {
		return nil, &InsufficientHistoryError{
			ProtocolID: protocol.ID,
			Required:   minPoints,
			Observed:   len(observed),
		}
	}

	tvl, price, volume, mcap := resampleDaily(observed, asOf)

	tvlChanges := pctChanges(tvl)
	priceChanges := pctChanges(price)
	volumeChanges := pctChanges(volume)
	absPriceChanges := absAll(priceChanges)

	values := make([]float64, 0, len(DefaultSchema()))
	values = append(values,
		stdDev(tail(tvlChanges, volatilityWindow)),
		stdDev(tail(priceChanges, volatilityWindow)),
		stdDev(tail(volumeChanges, volatilityWindow)),
		slope(tvl),
		slope(price),
		slope(tail(tvl, shortWindow)),
		changeOver(price, shortWindow),
		ratio(mean(volume), mean(tvl)),
		ratio(mean(mcap), mean(tvl)),
		maxDrawdown(price),
		maxDrawdown(tvl),
		mean(absPriceChanges),
		stdDev(absPriceChanges),
		last(priceChanges),
		math.Log1p(math.Max(0, last(tvl))),
		math.Log1p(math.Max(0, last(volume))),
		e.categories.Encode(protocol.Category),
		e.chains.Encode(protocol.Chain),
	)

	// Hard invariant: every value finite.
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			values[i] = 0
		}
	}

	return &Vector{
		ProtocolID: protocol.ID,
		AsOf:       asOf,
		Schema:     DefaultSchema(),
		Values:     values,
	}, nil
}

// resampleDaily buckets snapshots onto a daily grid between the first observed
// day and asOf, forward-filling gaps from the prior known value. Returns the
// tvl, price, volume and market-cap series.
func resampleDaily(snaps []marketdata.MetricSnapshot, asOf time.Time) (tvl, price, volume, mcap []float64) {
	type point struct{ tvl, price, volume, mcap float64 }

	byDay := make(map[int64]point)
	var days []int64
	for _, s := range snaps {
		day := s.Timestamp.UTC().Truncate(24 * time.Hour).Unix()
		if _, seen := byDay[day]; !seen {
			days = append(days, day)
		}
		// Last observation of the day wins (input is ordered ascending).
		byDay[day] = point{s.TVL, s.Price, s.Volume, s.MarketCap}
	}
	sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })

	firstDay := days[0]
	lastDay := asOf.UTC().Truncate(24 * time.Hour).Unix()
	prev := byDay[firstDay]
	for day := firstDay; day <= lastDay; day += 86400 {
		if p, ok := byDay[day]; ok {
			prev = p
		}
		tvl = append(tvl, prev.tvl)
		price = append(price, prev.price)
		volume = append(volume, prev.volume)
		mcap = append(mcap, prev.mcap)
	}
	return tvl, price, volume, mcap
}

// pctChanges returns day-over-day fractional changes. A zero prior value
// contributes a zero change rather than a division blowup.
func pctChanges(series []float64) []float64 {
	if len(series) < 2 {
		return nil
	}
	out := make([]float64, 0, len(series)-1)
	for i := 1; i < len(series); i++ {
		if series[i-1] == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, (series[i]-series[i-1])/series[i-1])
	}
	return out
}

func absAll(series []float64) []float64 {
	out := make([]float64, len(series))
	for i, v := range series {
		out[i] = math.Abs(v)
	}
	return out
}

func tail(series []float64, n int) []float64 {
	if len(series) <= n {
		return series
	}
	return series[len(series)-n:]
}

func last(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	return series[len(series)-1]
}

func mean(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range series {
		sum += v
	}
	return sum / float64(len(series))
}

// stdDev is the population standard deviation. A constant (or too-short)
// series yields 0, never NaN.
func stdDev(series []float64) float64 {
	if len(series) < 2 {
		return 0
	}
	m := mean(series)
	sumSq := 0.0
	for _, v := range series {
		diff := v - m
		sumSq += diff * diff
	}
	return math.Sqrt(sumSq / float64(len(series)))
}

// slope is the least-squares linear trend over the series index. Zero-variance
// input yields 0.
func slope(series []float64) float64 {
	n := len(series)
	if n < 2 {
		return 0
	}
	xMean := float64(n-1) / 2
	yMean := mean(series)
	var num, denom float64
	for i, y := range series {
		dx := float64(i) - xMean
		num += dx * (y - yMean)
		denom += dx * dx
	}
	if denom == 0 {
		return 0
	}
	return num / denom
}

// changeOver returns the fractional change across the last n steps.
func changeOver(series []float64, n int) float64 {
	if len(series) < n+1 {
		return 0
	}
	base := series[len(series)-1-n]
	if base == 0 {
		return 0
	}
	return (series[len(series)-1] - base) / base
}

func ratio(num, denom float64) float64 {
	if denom == 0 {
		return 0
	}
	return num / denom
}

// maxDrawdown is the largest peak-to-trough fractional decline.
func maxDrawdown(series []float64) float64 {
	if len(series) < 2 {
		return 0
	}
	peak := series[0]
	maxDD := 0.0
	for _, v := range series[1:] {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			dd := (peak - v) / peak
			if dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}
