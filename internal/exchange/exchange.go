// Package exchange provides per-venue API clients. Every client normalizes
// its venue's response shapes into models.PairSnapshot at this boundary, so
// the rest of the pipeline never branches on exchange identity.
package exchange

import (
	"context"
	"time"

	"github.com/avolkov/marketharvest/internal/models"
)

// PairInfo is a discovered tradable instrument, pre-persistence.
type PairInfo struct {
	Symbol       string
	BaseAsset    string
	QuoteAsset   string
	ContractType models.ContractType
}

// Client is one venue's market-data access. Discovery methods enumerate
// eligible pairs; collect methods gather one pair's snapshot, degrading
// individual fields to nil on sub-fetch failure. A collect call returns an
// error only when the venue yielded no data for the pair at all.
type Client interface {
	Exchange() models.Exchange
	FetchPerpetualPairs(ctx context.Context) ([]PairInfo, error)
	FetchSpotPairs(ctx context.Context) ([]PairInfo, error)
	CollectPairData(ctx context.Context, pair PairInfo) (models.PairSnapshot, error)
	CollectSpotPairData(ctx context.Context, pair PairInfo) (models.PairSnapshot, error)

	// Batching knobs reflect each venue's throughput tolerance.
	BatchSize() int
	BatchPause() time.Duration
	MaxConcurrency() int64
}
