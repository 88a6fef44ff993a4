package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is a discrete exchange trade event. ExchangeTradeID is the natural
// dedup key: persistence of a previously stored id is a no-op.
type Trade struct {
	ExchangeTradeID int64           `json:"exchange_trade_id" db:"exchange_trade_id"`
	Symbol          string          `json:"symbol" db:"symbol"`
	Price           decimal.Decimal `json:"price" db:"price"`
	Quantity        decimal.Decimal `json:"quantity" db:"quantity"`
	ValueUSD        decimal.Decimal `json:"value_usd" db:"value_usd"`
	BaseAsset       string          `json:"base_asset" db:"base_asset"`
	QuoteAsset      string          `json:"quote_asset" db:"quote_asset"`
	IsBuyerMaker    bool            `json:"is_buyer_maker" db:"is_buyer_maker"`
	TradeTime       time.Time       `json:"trade_time" db:"trade_time"`
}

// TradeCycleStats summarizes one large-trade monitor pass.
type TradeCycleStats struct {
	PairsScanned int   `json:"pairs_scanned"`
	Inserted     int   `json:"inserted"`
	Duplicates   int   `json:"duplicates"`
	Stored24h    int64 `json:"stored_24h"`
}

// TradingPairInfo carries the per-cycle eligibility snapshot the large-trade
// monitor needs: current 24h volume and the quote asset's USD price for
// trade-value computation. It is consumed immediately, never persisted.
type TradingPairInfo struct {
	Symbol        string
	BaseAsset     string
	QuoteAsset    string
	Volume24hUSD  decimal.Decimal
	QuotePriceUSD decimal.Decimal
}
