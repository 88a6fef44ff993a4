package models

import "time"

// ContractType distinguishes perpetual derivatives from spot pairs.
type ContractType string

const (
	ContractPerpetual ContractType = "PERPETUAL"
	ContractSpot      ContractType = "SPOT"
)

// Token is the canonical base-asset identity, derived by stripping a known
// quote suffix from a pair symbol.
type Token struct {
	ID        int64     `json:"id" db:"id"`
	Symbol    string    `json:"symbol" db:"symbol"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Pair is a tradable instrument on a specific exchange. Identity is
// (exchange, symbol); pairs are re-discovered each cycle and upserted.
type Pair struct {
	ID           int64        `json:"id" db:"id"`
	TokenID      int64        `json:"token_id" db:"token_id"`
	Exchange     Exchange     `json:"exchange" db:"exchange"`
	Symbol       string       `json:"symbol" db:"symbol"`
	BaseAsset    string       `json:"base_asset" db:"base_asset"`
	QuoteAsset   string       `json:"quote_asset" db:"quote_asset"`
	ContractType ContractType `json:"contract_type" db:"contract_type"`
	CreatedAt    time.Time    `json:"created_at" db:"created_at"`
}
