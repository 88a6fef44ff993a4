// Package convert holds the symbol and unit conversions shared by the
// collection pipeline.
package convert

import (
	"strings"

	"github.com/shopspring/decimal"
)

// quoteSuffixes is the ordered list of recognized quote assets. Longer
// suffixes come first so BTCUSDT resolves to BTC, not BTCUSD+T.
var quoteSuffixes = []string{"USDT", "USDC", "BUSD", "USD", "BTC", "ETH", "BNB"}

// ExtractTokenSymbol strips a recognized quote-currency suffix from a pair
// symbol and returns the base token, e.g. SUIUSDT -> SUI, ETHBTC -> ETH.
// The second return is false when no suffix matches; such pairs cannot be
// attributed to a token and are dropped by the merger.
func ExtractTokenSymbol(pairSymbol string) (string, bool) {
	for _, quote := range quoteSuffixes {
		if strings.HasSuffix(pairSymbol, quote) && len(pairSymbol) > len(quote) {
			return pairSymbol[:len(pairSymbol)-len(quote)], true
		}
	}
	return "", false
}

// ExtractSpotBase returns the base token of a BTC-quoted spot pair,
// e.g. ETHBTC -> ETH.
func ExtractSpotBase(pairSymbol string) (string, bool) {
	if strings.HasSuffix(pairSymbol, "BTC") && len(pairSymbol) > 3 {
		return pairSymbol[:len(pairSymbol)-3], true
	}
	return "", false
}

// ToBTC converts a USD amount to BTC at the given BTC price. The result is
// nil when the price is absent or zero, so "no reference price" never shows
// up as a computed zero.
func ToBTC(amountUSD decimal.Decimal, btcPrice *decimal.Decimal) *decimal.Decimal {
	if btcPrice == nil || btcPrice.IsZero() {
		return nil
	}
	v := amountUSD.Div(*btcPrice)
	return &v
}

// MulUSD multiplies a contract quantity by a USD price, propagating nil when
// either operand is missing.
func MulUSD(amount, price *decimal.Decimal) *decimal.Decimal {
	if amount == nil || price == nil {
		return nil
	}
	v := amount.Mul(*price)
	return &v
}

// NormalizeSymbol canonicalizes a token symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// ParseDecimal parses an exchange-supplied decimal string, returning nil for
// empty input or malformed values rather than an error; callers treat the
// field as absent.
func ParseDecimal(s string) *decimal.Decimal {
	if s == "" {
		return nil
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	return &v
}
