// Package features turns a protocol's metric history into a fixed-schema
// feature vector.
//
// The engineer is a pure function over (metadata, ordered snapshots, as-of
// time): no state, no side effects. The schema is versioned together with any
// trained model that consumes it, so names, order and kinds here must never
// change silently; add a new feature by appending and retraining.
package features

import (
	"fmt"
	"time"
)

// FeatureKind distinguishes raw numeric features from encoded categoricals.
type FeatureKind string

const (
	KindNumeric     FeatureKind = "numeric"
	KindCategorical FeatureKind = "categorical"
)

// FeatureSpec is one column of the feature schema.
type FeatureSpec struct {
	Name string      `json:"name"`
	Kind FeatureKind `json:"kind"`
}

// Feature names, in schema order.
const (
	TVLVolatility30    = "tvl_volatility_30d"
	PriceVolatility30  = "price_volatility_30d"
	VolumeVolatility30 = "volume_volatility_30d"
	TVLSlope           = "tvl_slope"
	PriceSlope         = "price_slope"
	TVLTrend7          = "tvl_trend_7d"
	PriceMomentum7     = "price_momentum_7d"
	LiquidityRatio     = "liquidity_ratio"
	McapTVLRatio       = "mcap_tvl_ratio"
	PriceMaxDrawdown   = "price_max_drawdown"
	TVLMaxDrawdown     = "tvl_max_drawdown"
	StabilityMeanAbs   = "stability_mean_abs_change"
	StabilityStdAbs    = "stability_std_abs_change"
	RecentChange       = "recent_change"
	LogTVL             = "log_tvl"
	LogVolume          = "log_volume"
	CategoryEncoded    = "category_encoded"
	ChainEncoded       = "chain_encoded"
)

// DefaultSchema returns the engine's feature schema. The returned slice is a
// fresh copy; callers may retain it.
func DefaultSchema() []FeatureSpec {
	return []FeatureSpec{
		{TVLVolatility30, KindNumeric},
		{PriceVolatility30, KindNumeric},
		{VolumeVolatility30, KindNumeric},
		{TVLSlope, KindNumeric},
		{PriceSlope, KindNumeric},
		{TVLTrend7, KindNumeric},
		{PriceMomentum7, KindNumeric},
		{LiquidityRatio, KindNumeric},
		{McapTVLRatio, KindNumeric},
		{PriceMaxDrawdown, KindNumeric},
		{TVLMaxDrawdown, KindNumeric},
		{StabilityMeanAbs, KindNumeric},
		{StabilityStdAbs, KindNumeric},
		{RecentChange, KindNumeric},
		{LogTVL, KindNumeric},
		{LogVolume, KindNumeric},
		{CategoryEncoded, KindCategorical},
		{ChainEncoded, KindCategorical},
	}
}

// SchemaEqual reports whether two schemas match exactly: same names, same
// order, same kinds.
func SchemaEqual(a, b []FeatureSpec) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Vector is a fixed-schema feature vector for one protocol at one point in
// time. Values are positionally aligned with Schema.
type Vector struct {
	ProtocolID string        `json:"protocolId"`
	AsOf       time.Time     `json:"asOf"`
	Schema     []FeatureSpec `json:"schema"`
	Values     []float64     `json:"values"`
}

// Value returns the named feature value.
func (v *Vector) Value(name string) (float64, bool) {
	for i, spec := range v.Schema {
		if spec.Name == name {
			return v.Values[i], true
		}
	}
	return 0, false
}

// Map returns the vector as a name→value map, for explanations and logs.
func (v *Vector) Map() map[string]float64 {
	m := make(map[string]float64, len(v.Schema))
	for i, spec := range v.Schema {
		m[spec.Name] = v.Values[i]
	}
	return m
}

// InsufficientHistoryError reports that a protocol's window held too few
// points to compute features. Recoverable: wait for more data.
type InsufficientHistoryError struct {
	ProtocolID string
	Required   int
	Observed   int
}

func (e *InsufficientHistoryError) Error() string {
	return fmt.Sprintf("insufficient history for protocol %s: need %d points in window, observed %d",
		e.ProtocolID, e.Required, e.Observed)
}
