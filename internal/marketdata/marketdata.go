// Package marketdata defines the market-metric types the engine consumes and
// the collaborator interfaces that supply them.
//
// The engine never fetches data itself: an upstream collector hands in ordered,
// deduplicated MetricSnapshots, and a protocol registry supplies id/category/
// chain metadata. The only data problem handled downstream is gaps.
package marketdata

import (
	"context"
	"time"
)

// MetricSnapshot is one observed point of a protocol's market metrics.
// Snapshots are immutable and ordered by Timestamp per protocol.
type MetricSnapshot struct {
	ProtocolID string    `json:"protocolId"`
	Timestamp  time.Time `json:"timestamp"`
	TVL        float64   `json:"tvl"`
	Price      float64   `json:"price"`
	Volume     float64   `json:"volume"`
	MarketCap  float64   `json:"marketCap"`
}

// Protocol is the registry metadata for one tracked protocol.
type Protocol struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"` // e.g. "lending", "dex"
	Chain    string `json:"chain"`    // e.g. "ethereum", "solana"
	Active   bool   `json:"active"`
}

// HistoryProvider supplies ordered metric history for one protocol.
// Implementations are expected to return snapshots sorted by timestamp
// ascending, restricted to [since, now].
type HistoryProvider interface {
	History(ctx context.Context, protocolID string, since time.Time) ([]MetricSnapshot, error)
}

// ProtocolRegistry supplies protocol metadata.
type ProtocolRegistry interface {
	Get(ctx context.Context, protocolID string) (*Protocol, error)
	ListActive(ctx context.Context) ([]*Protocol, error)
}
