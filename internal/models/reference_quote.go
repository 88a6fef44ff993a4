package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReferenceQuote holds reference-provider pricing for a single token.
// Quotes older than the configured freshness window are treated as cache
// misses, never served.
type ReferenceQuote struct {
	Symbol       string          `json:"symbol"`
	PriceUSD     decimal.Decimal `json:"price_usd"`
	Volume24hUSD decimal.Decimal `json:"volume_24h_usd"`
	MarketCapUSD decimal.Decimal `json:"market_cap_usd"`
	FetchedAt    time.Time       `json:"fetched_at"`
}
