// Package store persists the harvested catalog, snapshot and trade data.
// Catalog rows (tokens, pairs) are idempotently upserted each cycle;
// market_snapshots rows are append-only.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"

	"github.com/avolkov/marketharvest/internal/models"
)

// DatabasePool abstracts the pgx pool operations the store needs, so tests
// can substitute a mock.
type DatabasePool interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store provides data access for harvested market data.
type Store struct {
	db  DatabasePool
	log *logrus.Entry
}

func New(db DatabasePool) *Store {
	return &Store{
		db:  db,
		log: logrus.WithField("component", "store"),
	}
}

// UpsertToken ensures a token row exists for the symbol and returns its id.
// Concurrent upserts of the same symbol are safe: the conflict path re-reads
// the row the winner inserted.
func (s *Store) UpsertToken(ctx context.Context, symbol string) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO tokens (symbol)
		VALUES ($1)
		ON CONFLICT (symbol) DO NOTHING
		RETURNING id`, symbol).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("failed to upsert token %s: %w", symbol, err)
	}

	err = s.db.QueryRow(ctx, `SELECT id FROM tokens WHERE symbol = $1`, symbol).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to load token %s after conflict: %w", symbol, err)
	}
	return id, nil
}

// UpsertPair ensures a pair row exists for (exchange, symbol) and returns its
// id.
func (s *Store) UpsertPair(ctx context.Context, pair models.Pair) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO pairs (token_id, exchange, symbol, base_asset, quote_asset, contract_type)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (exchange, symbol) DO NOTHING
		RETURNING id`,
		pair.TokenID, pair.Exchange, pair.Symbol, pair.BaseAsset, pair.QuoteAsset, pair.ContractType,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("failed to upsert pair %s/%s: %w", pair.Exchange, pair.Symbol, err)
	}

	err = s.db.QueryRow(ctx, `SELECT id FROM pairs WHERE exchange = $1 AND symbol = $2`,
		pair.Exchange, pair.Symbol).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to load pair %s/%s after conflict: %w", pair.Exchange, pair.Symbol, err)
	}
	return id, nil
}

// AppendSnapshot inserts one market snapshot row. Rows are never updated;
// each cycle appends a fresh observation per pair.
func (s *Store) AppendSnapshot(ctx context.Context, snapshot models.MarketSnapshot) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO market_snapshots (
			pair_id, open_interest_contracts, open_interest_usd, funding_rate,
			volume_usd, volume_btc, price_usd, market_cap_usd, btc_price_usd, captured_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		snapshot.PairID,
		snapshot.OpenInterestContracts,
		snapshot.OpenInterestUSD,
		snapshot.FundingRate,
		snapshot.VolumeUSD,
		snapshot.VolumeBTC,
		snapshot.PriceUSD,
		snapshot.MarketCapUSD,
		snapshot.BTCPriceUSD,
		snapshot.CapturedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append snapshot for pair %d: %w", snapshot.PairID, err)
	}
	return nil
}

// PersistMergedRecord writes one merged record: token and pair catalog rows
// first, then the snapshot referencing them.
func (s *Store) PersistMergedRecord(ctx context.Context, rec models.MergedRecord) error {
	tokenID, err := s.UpsertToken(ctx, rec.TokenSymbol)
	if err != nil {
		return err
	}

	pairID, err := s.UpsertPair(ctx, models.Pair{
		TokenID:      tokenID,
		Exchange:     rec.Exchange,
		Symbol:       rec.Symbol,
		BaseAsset:    rec.TokenSymbol,
		ContractType: rec.ContractType,
	})
	if err != nil {
		return err
	}

	snapshot := rec.Snapshot
	snapshot.PairID = pairID
	return s.AppendSnapshot(ctx, snapshot)
}

// InsertTradesIdempotent writes trades, silently skipping ones whose
// (symbol, exchange_trade_id) is already present. Returns how many rows were
// new and how many were duplicates.
func (s *Store) InsertTradesIdempotent(ctx context.Context, trades []models.Trade) (inserted, duplicates int, err error) {
	for _, trade := range trades {
		tag, execErr := s.db.Exec(ctx, `
			INSERT INTO large_trades (
				exchange_trade_id, symbol, price, quantity, value_usd,
				base_asset, quote_asset, is_buyer_maker, trade_time
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (symbol, exchange_trade_id) DO NOTHING`,
			trade.ExchangeTradeID,
			trade.Symbol,
			trade.Price,
			trade.Quantity,
			trade.ValueUSD,
			trade.BaseAsset,
			trade.QuoteAsset,
			trade.IsBuyerMaker,
			trade.TradeTime,
		)
		if execErr != nil {
			return inserted, duplicates, fmt.Errorf("failed to insert trade %s/%d: %w", trade.Symbol, trade.ExchangeTradeID, execErr)
		}
		if tag.RowsAffected() > 0 {
			inserted++
		} else {
			duplicates++
		}
	}
	return inserted, duplicates, nil
}

// RecentTradeCount returns how many large trades were stored in the trailing
// window, for cycle summary reporting.
func (s *Store) RecentTradeCount(ctx context.Context, window time.Duration) (int64, error) {
	var count int64
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM large_trades WHERE trade_time > $1`,
		time.Now().UTC().Add(-window),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count recent trades: %w", err)
	}
	return count, nil
}

// RecordFetchError logs a per-pair collection failure for later inspection.
// Best effort: a write failure here must never fail the cycle, so it is
// logged and swallowed.
func (s *Store) RecordFetchError(ctx context.Context, exchange models.Exchange, symbol, endpoint, kind, message string) {
	_, err := s.db.Exec(ctx, `
		INSERT INTO fetch_errors (exchange, symbol, endpoint, kind, message, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		exchange, symbol, endpoint, kind, message, time.Now().UTC(),
	)
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"exchange": exchange,
			"symbol":   symbol,
		}).Warn("Failed to record fetch error")
	}
}

// SnapshotCount returns the total number of snapshot rows, used by the status
// endpoint.
func (s *Store) SnapshotCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM market_snapshots`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count snapshots: %w", err)
	}
	return count, nil
}
