package collector

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avolkov/marketharvest/internal/models"
)

func d(s string) *decimal.Decimal {
	v := decimal.RequireFromString(s)
	return &v
}

func refQuote(symbol, price, mcap string) models.ReferenceQuote {
	return models.ReferenceQuote{
		Symbol:       symbol,
		PriceUSD:     decimal.RequireFromString(price),
		MarketCapUSD: decimal.RequireFromString(mcap),
		FetchedAt:    time.Now().UTC(),
	}
}

func TestMergePerpetualDerivesAllFields(t *testing.T) {
	snapshots := []models.PairSnapshot{{
		Exchange:              models.ExchangeBinance,
		Symbol:                "ETHUSDT",
		ContractType:          models.ContractPerpetual,
		OpenInterestContracts: d("1000"),
		OpenInterestUSD:       d("2000000"),
		FundingRate:           d("0.0001"),
		Price:                 d("2000"),
		Volume24h:             d("100000"),
		CollectedAt:           time.Now().UTC(),
	}}
	quotes := map[string]models.ReferenceQuote{
		"ETH": refQuote("ETH", "2001", "240000000000"),
	}

	records, dropped := Merge(snapshots, quotes, decimal.RequireFromString("50000"))
	require.Len(t, records, 1)
	assert.Zero(t, dropped)

	rec := records[0]
	assert.Equal(t, "ETH", rec.TokenSymbol)
	assert.Equal(t, "2000000", rec.Snapshot.OpenInterestUSD.String())
	assert.Equal(t, "2000", rec.Snapshot.PriceUSD.String(), "venue price wins over reference")
	assert.Equal(t, "100000", rec.Snapshot.VolumeUSD.String())
	require.NotNil(t, rec.Snapshot.VolumeBTC)
	assert.Equal(t, "2", rec.Snapshot.VolumeBTC.String())
	require.NotNil(t, rec.Snapshot.MarketCapUSD)
	assert.Equal(t, "240000000000", rec.Snapshot.MarketCapUSD.String())
	require.NotNil(t, rec.Snapshot.BTCPriceUSD)
}

func TestMergeMissingBTCPriceLeavesBTCFieldsNil(t *testing.T) {
	snapshots := []models.PairSnapshot{{
		Exchange:     models.ExchangeBinance,
		Symbol:       "ETHUSDT",
		ContractType: models.ContractPerpetual,
		Volume24h:    d("100000"),
		Price:        d("2000"),
	}}

	records, _ := Merge(snapshots, nil, decimal.Zero)
	require.Len(t, records, 1)
	assert.Nil(t, records[0].Snapshot.VolumeBTC, "zero BTC price must not produce a division result")
	assert.Nil(t, records[0].Snapshot.BTCPriceUSD)
	assert.Equal(t, "100000", records[0].Snapshot.VolumeUSD.String())
}

func TestMergeMissingOperandsStayNil(t *testing.T) {
	// contracts present, price absent: USD open interest cannot be derived
	snapshots := []models.PairSnapshot{{
		Exchange:              models.ExchangeBybit,
		Symbol:                "SUIUSDT",
		ContractType:          models.ContractPerpetual,
		OpenInterestContracts: d("500000"),
	}}

	records, _ := Merge(snapshots, nil, decimal.Zero)
	require.Len(t, records, 1)
	assert.Nil(t, records[0].Snapshot.OpenInterestUSD)
	assert.Nil(t, records[0].Snapshot.PriceUSD)
	assert.Nil(t, records[0].Snapshot.VolumeUSD)
}

func TestMergeReferencePriceFillsMissingVenuePrice(t *testing.T) {
	snapshots := []models.PairSnapshot{{
		Exchange:     models.ExchangeBinance,
		Symbol:       "SUIUSDT",
		ContractType: models.ContractPerpetual,
		FundingRate:  d("0.0001"),
	}}
	quotes := map[string]models.ReferenceQuote{
		"SUI": refQuote("SUI", "1.25", "3500000000"),
	}

	records, _ := Merge(snapshots, quotes, decimal.Zero)
	require.Len(t, records, 1)
	require.NotNil(t, records[0].Snapshot.PriceUSD)
	assert.Equal(t, "1.25", records[0].Snapshot.PriceUSD.String())
}

func TestMergeSpotPairConvertsFromBTC(t *testing.T) {
	snapshots := []models.PairSnapshot{{
		Exchange:     models.ExchangeBinance,
		Symbol:       "ETHBTC",
		ContractType: models.ContractSpot,
		Price:        d("0.04"),
		VolumeBTC:    d("1100"),
	}}

	records, _ := Merge(snapshots, nil, decimal.RequireFromString("50000"))
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, "ETH", rec.TokenSymbol)
	assert.Equal(t, "1100", rec.Snapshot.VolumeBTC.String())
	assert.Equal(t, "55000000", rec.Snapshot.VolumeUSD.String())
	assert.Equal(t, "2000", rec.Snapshot.PriceUSD.String())
}

func TestMergeDropsUnattributableSymbol(t *testing.T) {
	snapshots := []models.PairSnapshot{
		{Exchange: models.ExchangeBinance, Symbol: "ETHUSDT", ContractType: models.ContractPerpetual, Price: d("2000")},
		{Exchange: models.ExchangeBinance, Symbol: "WEIRDEUR", ContractType: models.ContractPerpetual, Price: d("1")},
	}

	records, dropped := Merge(snapshots, nil, decimal.Zero)
	require.Len(t, records, 1)
	assert.Equal(t, 1, dropped)
	assert.Equal(t, "ETHUSDT", records[0].Symbol)
}

func TestDistinctTokensAlwaysIncludesBTC(t *testing.T) {
	snapshots := []models.PairSnapshot{
		{Symbol: "ETHUSDT"},
		{Symbol: "ETHBUSD"},
		{Symbol: "SUIUSDT"},
		{Symbol: "NOMATCH_EUR"},
	}

	tokens := DistinctTokens(snapshots)
	assert.Equal(t, []string{"BTC", "ETH", "SUI"}, tokens)
}

func TestDistinctTokensEmptyInput(t *testing.T) {
	assert.Equal(t, []string{"BTC"}, DistinctTokens(nil))
}
