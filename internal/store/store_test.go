package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avolkov/marketharvest/internal/models"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return New(mock), mock
}

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestUpsertTokenInserts(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO tokens").
		WithArgs("BTC").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))

	id, err := s.UpsertToken(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertTokenConflictReselects(t *testing.T) {
	s, mock := newMockStore(t)

	// conflict: DO NOTHING yields no returned row
	mock.ExpectQuery("INSERT INTO tokens").
		WithArgs("BTC").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT id FROM tokens").
		WithArgs("BTC").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))

	id, err := s.UpsertToken(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertPairConflictReselects(t *testing.T) {
	s, mock := newMockStore(t)

	pair := models.Pair{
		TokenID:      7,
		Exchange:     models.ExchangeBinance,
		Symbol:       "BTCUSDT",
		BaseAsset:    "BTC",
		QuoteAsset:   "USDT",
		ContractType: models.ContractPerpetual,
	}

	mock.ExpectQuery("INSERT INTO pairs").
		WithArgs(int64(7), models.ExchangeBinance, "BTCUSDT", "BTC", "USDT", models.ContractPerpetual).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT id FROM pairs").
		WithArgs(models.ExchangeBinance, "BTCUSDT").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(42)))

	id, err := s.UpsertPair(context.Background(), pair)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendSnapshotPreservesNulls(t *testing.T) {
	s, mock := newMockStore(t)

	captured := time.Now().UTC()
	snapshot := models.MarketSnapshot{
		PairID:          42,
		OpenInterestUSD: dec("4000000000"),
		FundingRate:     nil,
		VolumeUSD:       dec("5000000000"),
		PriceUSD:        dec("50000"),
		CapturedAt:      captured,
	}

	var nilDec *decimal.Decimal
	mock.ExpectExec("INSERT INTO market_snapshots").
		WithArgs(int64(42), nilDec, dec("4000000000"), nilDec,
			dec("5000000000"), nilDec, dec("50000"), nilDec, nilDec, captured).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.AppendSnapshot(context.Background(), snapshot)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistMergedRecordChainsIDs(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO tokens").
		WithArgs("ETH").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(3)))
	mock.ExpectQuery("INSERT INTO pairs").
		WithArgs(int64(3), models.ExchangeBybit, "ETHUSDT", "ETH", "", models.ContractPerpetual).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(99)))
	mock.ExpectExec("INSERT INTO market_snapshots").
		WithArgs(int64(99), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	rec := models.MergedRecord{
		Exchange:     models.ExchangeBybit,
		Symbol:       "ETHUSDT",
		TokenSymbol:  "ETH",
		ContractType: models.ContractPerpetual,
		Snapshot: models.MarketSnapshot{
			PriceUSD:   dec("2000"),
			CapturedAt: time.Now().UTC(),
		},
	}

	err := s.PersistMergedRecord(context.Background(), rec)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertTradesIdempotentCountsDuplicates(t *testing.T) {
	s, mock := newMockStore(t)

	trades := []models.Trade{
		{ExchangeTradeID: 1, Symbol: "BTCUSDT"},
		{ExchangeTradeID: 2, Symbol: "BTCUSDT"},
		{ExchangeTradeID: 1, Symbol: "BTCUSDT"},
	}

	mock.ExpectExec("INSERT INTO large_trades").
		WithArgs(int64(1), "BTCUSDT", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO large_trades").
		WithArgs(int64(2), "BTCUSDT", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	// conflict: zero rows affected
	mock.ExpectExec("INSERT INTO large_trades").
		WithArgs(int64(1), "BTCUSDT", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	inserted, duplicates, err := s.InsertTradesIdempotent(context.Background(), trades)
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)
	assert.Equal(t, 1, duplicates)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertTradesIdempotentStopsOnError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO large_trades").
		WithArgs(int64(1), "BTCUSDT", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	inserted, duplicates, err := s.InsertTradesIdempotent(context.Background(), []models.Trade{
		{ExchangeTradeID: 1, Symbol: "BTCUSDT"},
		{ExchangeTradeID: 2, Symbol: "BTCUSDT"},
	})
	require.Error(t, err)
	assert.Equal(t, 0, inserted)
	assert.Equal(t, 0, duplicates)
}

func TestRecentTradeCount(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT COUNT").
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(123)))

	count, err := s.RecentTradeCount(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(123), count)
}

func TestRecordFetchErrorSwallowsFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO fetch_errors").
		WithArgs(models.ExchangeBinance, "BTCUSDT", "/fapi/v1/openInterest", "transient",
			"timeout", pgxmock.AnyArg()).
		WillReturnError(errors.New("db down"))

	// must not panic or propagate
	s.RecordFetchError(context.Background(), models.ExchangeBinance, "BTCUSDT",
		"/fapi/v1/openInterest", "transient", "timeout")
	assert.NoError(t, mock.ExpectationsWereMet())
}
