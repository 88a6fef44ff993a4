package trademonitor

import (
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/avolkov/marketharvest/internal/exchange"
)

// stablecoins are assets the monitor never treats as an interesting base.
// A pair with both legs in this set carries no directional information.
var stablecoins = map[string]bool{
	"USDT": true, "USDC": true, "BUSD": true, "TUSD": true,
	"USDP": true, "USDD": true, "GUSD": true, "FRAX": true,
	"LUSD": true, "USTC": true, "FDUSD": true, "PYUSD": true,
	"DAI": true,
}

// wrappedTokens are bridge/wrapper assets whose large trades mirror the
// underlying and would double-count it.
var wrappedTokens = map[string]bool{
	"WBTC": true, "WETH": true, "WBNB": true, "WBETH": true,
	"WSOL": true, "WAVAX": true, "WMATIC": true,
}

// pegged quote assets are assumed to trade at exactly one USD.
var peggedQuotes = map[string]bool{
	"USDT": true, "USDC": true, "BUSD": true, "FDUSD": true,
}

// isStablecoinPair reports whether both legs are stablecoins.
func isStablecoinPair(base, quote string) bool {
	return stablecoins[base] && stablecoins[quote]
}

// isWrappedToken reports whether the base asset is a wrapped asset. The
// explicit set is authoritative; a "starts with W" name that is not listed is
// still excluded but flagged for review rather than silently dropped.
func isWrappedToken(base string, log *logrus.Entry) bool {
	if wrappedTokens[base] {
		return true
	}
	if len(base) > 2 && strings.HasPrefix(base, "W") {
		log.WithFields(logrus.Fields{
			"base_asset":     base,
			"heuristic_only": true,
		}).Warn("Excluding probable wrapped token not in the explicit set")
		return true
	}
	return false
}

// quotePrices derives the USD price of each supported quote asset from the
// full 24h ticker set. Pegged stables are fixed at 1; BTC, ETH and BNB take
// their own USDT ticker. Quote assets absent from the result are unsupported
// and their pairs skipped.
func quotePrices(tickers []exchange.Ticker24h) map[string]decimal.Decimal {
	prices := make(map[string]decimal.Decimal, len(peggedQuotes)+3)
	for quote := range peggedQuotes {
		prices[quote] = decimal.NewFromInt(1)
	}

	want := map[string]string{"BTCUSDT": "BTC", "ETHUSDT": "ETH", "BNBUSDT": "BNB"}
	for _, ticker := range tickers {
		asset, ok := want[ticker.Symbol]
		if !ok {
			continue
		}
		if price, err := decimal.NewFromString(ticker.LastPrice); err == nil && !price.IsZero() {
			prices[asset] = price
		}
	}
	return prices
}
