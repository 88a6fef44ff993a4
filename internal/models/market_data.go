package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PairSnapshot is the normalized per-pair observation produced by an exchange
// client. Every venue-specific response shape is converted into this form at
// the client boundary; downstream code never branches on exchange identity.
// Nil fields mean the underlying fetch failed or the venue had no data,
// which is distinct from a zero value.
type PairSnapshot struct {
	Exchange              Exchange         `json:"exchange"`
	Symbol                string           `json:"symbol"`
	ContractType          ContractType     `json:"contract_type"`
	OpenInterestContracts *decimal.Decimal `json:"open_interest_contracts"`
	OpenInterestUSD       *decimal.Decimal `json:"open_interest_usd"`
	FundingRate           *decimal.Decimal `json:"funding_rate"`
	Price                 *decimal.Decimal `json:"price"`
	Volume24h             *decimal.Decimal `json:"volume_24h"`
	VolumeBTC             *decimal.Decimal `json:"volume_btc"`
	TradeCount24h         *int64           `json:"trade_count_24h"`
	CollectedAt           time.Time        `json:"collected_at"`
}

// MarketSnapshot is the denormalized per-pair, per-cycle record persisted to
// market_snapshots. Rows are append-only and never updated.
type MarketSnapshot struct {
	PairID                int64            `json:"pair_id" db:"pair_id"`
	OpenInterestContracts *decimal.Decimal `json:"open_interest_contracts" db:"open_interest_contracts"`
	OpenInterestUSD       *decimal.Decimal `json:"open_interest_usd" db:"open_interest_usd"`
	FundingRate           *decimal.Decimal `json:"funding_rate" db:"funding_rate"`
	VolumeUSD             *decimal.Decimal `json:"volume_usd" db:"volume_usd"`
	VolumeBTC             *decimal.Decimal `json:"volume_btc" db:"volume_btc"`
	PriceUSD              *decimal.Decimal `json:"price_usd" db:"price_usd"`
	MarketCapUSD          *decimal.Decimal `json:"market_cap_usd" db:"market_cap_usd"`
	BTCPriceUSD           *decimal.Decimal `json:"btc_price_usd" db:"btc_price_usd"`
	CapturedAt            time.Time        `json:"captured_at" db:"captured_at"`
}

// MergedRecord couples a pair's catalog identity with its snapshot fields,
// ready for persistence.
type MergedRecord struct {
	Exchange     Exchange
	Symbol       string
	TokenSymbol  string
	ContractType ContractType
	Snapshot     MarketSnapshot
}
