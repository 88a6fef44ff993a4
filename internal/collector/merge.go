package collector

import (
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/avolkov/marketharvest/internal/convert"
	"github.com/avolkov/marketharvest/internal/models"
)

// Merge joins venue snapshots with reference quotes into denormalized
// records, one per (exchange, pair). Derived fields stay nil unless every
// operand is present; a missing reference price never becomes a computed
// zero. Pairs whose symbol has no recognized quote suffix cannot be
// attributed to a token and are dropped.
func Merge(snapshots []models.PairSnapshot, quotes map[string]models.ReferenceQuote, btcPrice decimal.Decimal) ([]models.MergedRecord, int) {
	var btcPtr *decimal.Decimal
	if !btcPrice.IsZero() {
		btcPtr = &btcPrice
	}

	records := make([]models.MergedRecord, 0, len(snapshots))
	dropped := 0

	for _, snap := range snapshots {
		token, ok := convert.ExtractTokenSymbol(snap.Symbol)
		if !ok {
			logrus.WithFields(logrus.Fields{
				"exchange": snap.Exchange,
				"symbol":   snap.Symbol,
			}).Warn("No recognized quote suffix, dropping pair")
			dropped++
			continue
		}
		token = convert.NormalizeSymbol(token)

		ms := models.MarketSnapshot{
			OpenInterestContracts: snap.OpenInterestContracts,
			OpenInterestUSD:       snap.OpenInterestUSD,
			FundingRate:           snap.FundingRate,
			BTCPriceUSD:           btcPtr,
			CapturedAt:            snap.CollectedAt,
		}

		switch snap.ContractType {
		case models.ContractSpot:
			// Spot pairs are BTC-quoted: price and volume arrive in BTC.
			ms.VolumeBTC = snap.VolumeBTC
			ms.VolumeUSD = convert.MulUSD(snap.VolumeBTC, btcPtr)
			ms.PriceUSD = convert.MulUSD(snap.Price, btcPtr)
		default:
			ms.PriceUSD = snap.Price
			ms.VolumeUSD = snap.Volume24h
			if snap.Volume24h != nil {
				ms.VolumeBTC = convert.ToBTC(*snap.Volume24h, btcPtr)
			}
		}

		// Venues without a native USD open-interest figure get it derived,
		// both operands permitting.
		if ms.OpenInterestUSD == nil {
			ms.OpenInterestUSD = convert.MulUSD(snap.OpenInterestContracts, ms.PriceUSD)
		}

		if quote, ok := quotes[token]; ok {
			mcap := quote.MarketCapUSD
			ms.MarketCapUSD = &mcap
			// Reference price fills in when the venue ticker failed.
			if ms.PriceUSD == nil {
				price := quote.PriceUSD
				ms.PriceUSD = &price
			}
		}

		records = append(records, models.MergedRecord{
			Exchange:     snap.Exchange,
			Symbol:       snap.Symbol,
			TokenSymbol:  token,
			ContractType: snap.ContractType,
			Snapshot:     ms,
		})
	}

	return records, dropped
}

// DistinctTokens returns the unique token symbols across snapshots, with BTC
// always included for the BTC price lookup the merge depends on.
func DistinctTokens(snapshots []models.PairSnapshot) []string {
	seen := map[string]bool{"BTC": true}
	tokens := []string{"BTC"}
	for _, snap := range snapshots {
		token, ok := convert.ExtractTokenSymbol(snap.Symbol)
		if !ok {
			continue
		}
		token = convert.NormalizeSymbol(token)
		if !seen[token] {
			seen[token] = true
			tokens = append(tokens, token)
		}
	}
	return tokens
}
