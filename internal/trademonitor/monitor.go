// Package trademonitor scans high-volume spot pairs for individual trades
// large enough to matter and stores them idempotently.
package trademonitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/avolkov/marketharvest/internal/config"
	"github.com/avolkov/marketharvest/internal/exchange"
	"github.com/avolkov/marketharvest/internal/models"
)

// MarketSource is the slice of spot-market access the monitor needs.
// *exchange.BinanceClient satisfies it.
type MarketSource interface {
	FetchSpotExchangeInfo(ctx context.Context) ([]exchange.SpotInstrument, error)
	FetchAll24hTickers(ctx context.Context) ([]exchange.Ticker24h, error)
	FetchRecentTrades(ctx context.Context, symbol string, limit int) ([]exchange.RawTrade, error)
}

// TradeStore persists detected trades.
type TradeStore interface {
	InsertTradesIdempotent(ctx context.Context, trades []models.Trade) (inserted, duplicates int, err error)
	RecentTradeCount(ctx context.Context, window time.Duration) (int64, error)
}

// Monitor is the large-trade scanner.
type Monitor struct {
	source MarketSource
	store  TradeStore
	cfg    config.TradeMonitorConfig
	log    *logrus.Entry
}

func New(source MarketSource, store TradeStore, cfg config.TradeMonitorConfig) *Monitor {
	return &Monitor{
		source: source,
		store:  store,
		cfg:    cfg,
		log:    logrus.WithField("component", "trademonitor"),
	}
}

// RunCycle performs one scan: select eligible pairs, fetch their recent
// trades in paced batches, keep trades at or above the value threshold and
// persist them. Previously stored trade ids count as duplicates, not errors.
func (m *Monitor) RunCycle(ctx context.Context) (models.TradeCycleStats, error) {
	var stats models.TradeCycleStats

	pairs, err := m.eligiblePairs(ctx)
	if err != nil {
		return stats, err
	}
	stats.PairsScanned = len(pairs)
	m.log.WithField("pairs", len(pairs)).Info("Scanning pairs for large trades")

	minValue := decimal.NewFromFloat(m.cfg.MinTradeValueUSD)
	sem := semaphore.NewWeighted(m.cfg.MaxConcurrency)

	var (
		mu     sync.Mutex
		trades []models.Trade
	)

	batchSize := m.cfg.BatchSize
	for start := 0; start < len(pairs); start += batchSize {
		if ctx.Err() != nil {
			break
		}
		if start > 0 && m.cfg.BatchPause > 0 {
			select {
			case <-ctx.Done():
				return stats, ctx.Err()
			case <-time.After(m.cfg.BatchPause):
			}
		}

		end := start + batchSize
		if end > len(pairs) {
			end = len(pairs)
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, pair := range pairs[start:end] {
			pair := pair
			if err := sem.Acquire(gctx, 1); err != nil {
				break
			}
			g.Go(func() error {
				defer sem.Release(1)
				found, err := m.scanPair(gctx, pair, minValue)
				if err != nil {
					m.log.WithError(err).WithField("symbol", pair.Symbol).Warn("Trade scan failed")
					return nil
				}
				mu.Lock()
				trades = append(trades, found...)
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			break
		}
	}

	if len(trades) > 0 {
		inserted, duplicates, err := m.store.InsertTradesIdempotent(ctx, trades)
		if err != nil {
			return stats, fmt.Errorf("persist large trades: %w", err)
		}
		stats.Inserted = inserted
		stats.Duplicates = duplicates
	}

	if count, err := m.store.RecentTradeCount(ctx, 24*time.Hour); err == nil {
		stats.Stored24h = count
	} else {
		m.log.WithError(err).Warn("Failed to read 24h stored-trade count")
	}

	m.log.WithFields(logrus.Fields{
		"pairs_scanned": stats.PairsScanned,
		"new":           stats.Inserted,
		"duplicate":     stats.Duplicates,
		"stored_24h":    stats.Stored24h,
	}).Info("Large-trade scan finished")
	return stats, nil
}

// eligiblePairs selects the spot pairs worth scanning: trading, quoted in a
// priceable asset, above the USD volume floor, and not stablecoin-only or
// wrapped-token pairs. Sorted by 24h USD volume descending so the busiest
// books go first.
func (m *Monitor) eligiblePairs(ctx context.Context) ([]models.TradingPairInfo, error) {
	instruments, err := m.source.FetchSpotExchangeInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch exchange info: %w", err)
	}
	tickers, err := m.source.FetchAll24hTickers(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch tickers: %w", err)
	}

	prices := quotePrices(tickers)
	volumes := make(map[string]decimal.Decimal, len(tickers))
	for _, ticker := range tickers {
		if vol, err := decimal.NewFromString(ticker.QuoteVolume); err == nil {
			volumes[ticker.Symbol] = vol
		}
	}

	minVolume := decimal.NewFromFloat(m.cfg.MinVolumeUSD)

	var pairs []models.TradingPairInfo
	for _, inst := range instruments {
		if inst.Status != "TRADING" {
			continue
		}
		quotePrice, ok := prices[inst.QuoteAsset]
		if !ok {
			continue
		}
		if isStablecoinPair(inst.BaseAsset, inst.QuoteAsset) || isWrappedToken(inst.BaseAsset, m.log) {
			continue
		}

		volumeUSD := volumes[inst.Symbol].Mul(quotePrice)
		if volumeUSD.LessThan(minVolume) {
			continue
		}

		pairs = append(pairs, models.TradingPairInfo{
			Symbol:        inst.Symbol,
			BaseAsset:     inst.BaseAsset,
			QuoteAsset:    inst.QuoteAsset,
			Volume24hUSD:  volumeUSD,
			QuotePriceUSD: quotePrice,
		})
	}

	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i].Volume24hUSD.GreaterThan(pairs[j].Volume24hUSD)
	})
	return pairs, nil
}

// scanPair fetches one pair's recent trades and keeps those at or above the
// USD value threshold.
func (m *Monitor) scanPair(ctx context.Context, pair models.TradingPairInfo, minValue decimal.Decimal) ([]models.Trade, error) {
	raw, err := m.source.FetchRecentTrades(ctx, pair.Symbol, m.cfg.TradesFetchLimit)
	if err != nil {
		return nil, err
	}

	var trades []models.Trade
	for _, rt := range raw {
		price, err := decimal.NewFromString(rt.Price)
		if err != nil {
			continue
		}
		qty, err := decimal.NewFromString(rt.Qty)
		if err != nil {
			continue
		}

		valueUSD := price.Mul(qty).Mul(pair.QuotePriceUSD)
		if valueUSD.LessThan(minValue) {
			continue
		}

		trades = append(trades, models.Trade{
			ExchangeTradeID: rt.ID,
			Symbol:          pair.Symbol,
			Price:           price,
			Quantity:        qty,
			ValueUSD:        valueUSD,
			BaseAsset:       pair.BaseAsset,
			QuoteAsset:      pair.QuoteAsset,
			IsBuyerMaker:    rt.IsBuyerMaker,
			TradeTime:       time.UnixMilli(rt.Time).UTC(),
		})
	}
	return trades, nil
}
