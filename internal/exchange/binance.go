package exchange

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/avolkov/marketharvest/internal/config"
	"github.com/avolkov/marketharvest/internal/convert"
	"github.com/avolkov/marketharvest/internal/models"
	"github.com/avolkov/marketharvest/internal/ratelimit"
)

// Binance request weights per endpoint, counted against the rolling-minute
// budget (1200 by default).
const (
	binanceWeightExchangeInfo = 20
	binanceWeightPerPair      = 1
	binanceWeightTrades       = 10
	binanceWeightAllTickers   = 40
)

// BinanceClient talks to Binance USDⓈ-M futures and spot APIs.
type BinanceClient struct {
	cfg       config.ExchangeConfig
	transport *transport
	log       *logrus.Entry
}

type binanceExchangeInfo struct {
	Symbols []SpotInstrument `json:"symbols"`
}

// SpotInstrument is one entry of an exchange-info instrument list, shared by
// pair discovery and the large-trade monitor's eligibility filter.
type SpotInstrument struct {
	Symbol               string `json:"symbol"`
	Status               string `json:"status"`
	BaseAsset            string `json:"baseAsset"`
	QuoteAsset           string `json:"quoteAsset"`
	ContractType         string `json:"contractType"`
	IsSpotTradingAllowed bool   `json:"isSpotTradingAllowed"`
}

type binanceOpenInterest struct {
	Symbol       string `json:"symbol"`
	OpenInterest string `json:"openInterest"`
	Time         int64  `json:"time"`
}

type binancePremiumIndex struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
}

type binanceTickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// Ticker24h is a 24-hour rolling statistics entry.
type Ticker24h struct {
	Symbol      string `json:"symbol"`
	LastPrice   string `json:"lastPrice"`
	Volume      string `json:"volume"`
	QuoteVolume string `json:"quoteVolume"`
	Count       int64  `json:"count"`
}

// RawTrade is one trade as reported by the exchange, before value
// computation. ID is the exchange-assigned trade id used for dedup.
type RawTrade struct {
	ID           int64  `json:"id"`
	Price        string `json:"price"`
	Qty          string `json:"qty"`
	Time         int64  `json:"time"`
	IsBuyerMaker bool   `json:"isBuyerMaker"`
}

// NewBinanceClient creates a futures+spot client sharing one weight budget.
func NewBinanceClient(cfg config.ExchangeConfig) *BinanceClient {
	log := logrus.WithField("exchange", models.ExchangeBinance)
	limiter := ratelimit.New("binance", cfg.WeightBudget)
	return &BinanceClient{
		cfg:       cfg,
		transport: newTransport(limiter, cfg.RequestTimeout, cfg.MaxRetries, log),
		log:       log,
	}
}

func (c *BinanceClient) Exchange() models.Exchange { return models.ExchangeBinance }

func (c *BinanceClient) BatchSize() int            { return c.cfg.BatchSize }
func (c *BinanceClient) BatchPause() time.Duration { return c.cfg.BatchPause }
func (c *BinanceClient) MaxConcurrency() int64     { return c.cfg.MaxConcurrency }

// FetchPerpetualPairs enumerates active PERPETUAL contracts quoted in an
// allowed stable asset.
func (c *BinanceClient) FetchPerpetualPairs(ctx context.Context) ([]PairInfo, error) {
	var info binanceExchangeInfo
	if err := c.transport.getJSON(ctx, c.cfg.BaseURL, "/fapi/v1/exchangeInfo", nil, binanceWeightExchangeInfo, nil, &info); err != nil {
		return nil, fmt.Errorf("binance exchange info: %w", err)
	}

	allowedQuotes := map[string]bool{"USDT": true, "BUSD": true}

	var pairs []PairInfo
	for _, s := range info.Symbols {
		if s.Status != "TRADING" || s.ContractType != "PERPETUAL" || !allowedQuotes[s.QuoteAsset] {
			continue
		}
		pairs = append(pairs, PairInfo{
			Symbol:       s.Symbol,
			BaseAsset:    s.BaseAsset,
			QuoteAsset:   s.QuoteAsset,
			ContractType: models.ContractPerpetual,
		})
	}

	c.log.WithField("pairs", len(pairs)).Info("Discovered Binance perpetual pairs")
	return pairs, nil
}

// FetchSpotPairs enumerates active BTC-quoted spot pairs, used for the
// BTC-denominated volume series.
func (c *BinanceClient) FetchSpotPairs(ctx context.Context) ([]PairInfo, error) {
	var info binanceExchangeInfo
	if err := c.transport.getJSON(ctx, c.cfg.SpotBaseURL, "/api/v3/exchangeInfo", nil, binanceWeightExchangeInfo, nil, &info); err != nil {
		return nil, fmt.Errorf("binance spot exchange info: %w", err)
	}

	var pairs []PairInfo
	for _, s := range info.Symbols {
		if s.Status != "TRADING" || !s.IsSpotTradingAllowed || s.QuoteAsset != "BTC" {
			continue
		}
		pairs = append(pairs, PairInfo{
			Symbol:       s.Symbol,
			BaseAsset:    s.BaseAsset,
			QuoteAsset:   s.QuoteAsset,
			ContractType: models.ContractSpot,
		})
	}

	c.log.WithField("pairs", len(pairs)).Info("Discovered Binance spot pairs")
	return pairs, nil
}

// CollectPairData gathers open interest, funding rate, last price and 24h
// ticker for one futures pair. The four fetches run concurrently and fail
// independently; a failed fetch contributes a nil field.
func (c *BinanceClient) CollectPairData(ctx context.Context, pair PairInfo) (models.PairSnapshot, error) {
	params := url.Values{"symbol": {pair.Symbol}}

	var (
		wg      sync.WaitGroup
		oi      binanceOpenInterest
		premium binancePremiumIndex
		price   binanceTickerPrice
		ticker  Ticker24h

		oiErr, premiumErr, priceErr, tickerErr error
	)

	wg.Add(4)
	go func() {
		defer wg.Done()
		oiErr = c.transport.getJSON(ctx, c.cfg.BaseURL, "/fapi/v1/openInterest", params, binanceWeightPerPair, nil, &oi)
	}()
	go func() {
		defer wg.Done()
		premiumErr = c.transport.getJSON(ctx, c.cfg.BaseURL, "/fapi/v1/premiumIndex", params, binanceWeightPerPair, nil, &premium)
	}()
	go func() {
		defer wg.Done()
		priceErr = c.transport.getJSON(ctx, c.cfg.BaseURL, "/fapi/v1/ticker/price", params, binanceWeightPerPair, nil, &price)
	}()
	go func() {
		defer wg.Done()
		tickerErr = c.transport.getJSON(ctx, c.cfg.BaseURL, "/fapi/v1/ticker/24hr", params, binanceWeightPerPair, nil, &ticker)
	}()
	wg.Wait()

	snapshot := models.PairSnapshot{
		Exchange:     models.ExchangeBinance,
		Symbol:       pair.Symbol,
		ContractType: models.ContractPerpetual,
		CollectedAt:  time.Now().UTC(),
	}

	if oiErr == nil {
		snapshot.OpenInterestContracts = convert.ParseDecimal(oi.OpenInterest)
	} else {
		c.logFieldFailure(pair.Symbol, "open_interest", oiErr)
	}
	if premiumErr == nil {
		snapshot.FundingRate = convert.ParseDecimal(premium.LastFundingRate)
	} else {
		c.logFieldFailure(pair.Symbol, "funding_rate", premiumErr)
	}
	if priceErr == nil {
		snapshot.Price = convert.ParseDecimal(price.Price)
	} else {
		c.logFieldFailure(pair.Symbol, "price", priceErr)
	}
	if tickerErr == nil {
		snapshot.Volume24h = convert.ParseDecimal(ticker.QuoteVolume)
		count := ticker.Count
		snapshot.TradeCount24h = &count
	} else {
		c.logFieldFailure(pair.Symbol, "ticker_24h", tickerErr)
	}

	// USD open interest needs both operands; missing data stays nil rather
	// than becoming a computed zero.
	snapshot.OpenInterestUSD = convert.MulUSD(snapshot.OpenInterestContracts, snapshot.Price)

	if snapshot.OpenInterestContracts == nil && snapshot.FundingRate == nil &&
		snapshot.Price == nil && snapshot.Volume24h == nil {
		return snapshot, fmt.Errorf("binance %s: no data collected", pair.Symbol)
	}
	return snapshot, nil
}

// CollectSpotPairData gathers the 24h ticker for one BTC-quoted spot pair.
// Quote volume of a BTC-quoted pair is already the BTC-denominated volume.
func (c *BinanceClient) CollectSpotPairData(ctx context.Context, pair PairInfo) (models.PairSnapshot, error) {
	params := url.Values{"symbol": {pair.Symbol}}

	var ticker Ticker24h
	if err := c.transport.getJSON(ctx, c.cfg.SpotBaseURL, "/api/v3/ticker/24hr", params, binanceWeightPerPair, nil, &ticker); err != nil {
		if IsDefinitive(err) {
			return models.PairSnapshot{}, fmt.Errorf("binance spot %s: unknown symbol", pair.Symbol)
		}
		return models.PairSnapshot{}, fmt.Errorf("binance spot %s ticker: %w", pair.Symbol, err)
	}

	snapshot := models.PairSnapshot{
		Exchange:     models.ExchangeBinance,
		Symbol:       pair.Symbol,
		ContractType: models.ContractSpot,
		Price:        convert.ParseDecimal(ticker.LastPrice),
		VolumeBTC:    convert.ParseDecimal(ticker.QuoteVolume),
		CollectedAt:  time.Now().UTC(),
	}
	return snapshot, nil
}

// FetchRecentTrades returns up to limit recent spot trades for a symbol.
// A definitive response (delisted or malformed symbol) yields an empty list.
func (c *BinanceClient) FetchRecentTrades(ctx context.Context, symbol string, limit int) ([]RawTrade, error) {
	params := url.Values{
		"symbol": {symbol},
		"limit":  {fmt.Sprintf("%d", limit)},
	}

	var trades []RawTrade
	err := c.transport.getJSON(ctx, c.cfg.SpotBaseURL, "/api/v3/trades", params, binanceWeightTrades, nil, &trades)
	if err != nil {
		if IsDefinitive(err) {
			return nil, nil
		}
		return nil, err
	}
	return trades, nil
}

// FetchAll24hTickers returns the 24h statistics for every spot pair in one
// heavyweight call.
func (c *BinanceClient) FetchAll24hTickers(ctx context.Context) ([]Ticker24h, error) {
	var tickers []Ticker24h
	if err := c.transport.getJSON(ctx, c.cfg.SpotBaseURL, "/api/v3/ticker/24hr", nil, binanceWeightAllTickers, nil, &tickers); err != nil {
		return nil, fmt.Errorf("binance all tickers: %w", err)
	}
	return tickers, nil
}

// FetchSpotExchangeInfo returns the full spot instrument list without the
// BTC-quote filter, for the large-trade monitor's own eligibility rules.
func (c *BinanceClient) FetchSpotExchangeInfo(ctx context.Context) ([]SpotInstrument, error) {
	var info binanceExchangeInfo
	if err := c.transport.getJSON(ctx, c.cfg.SpotBaseURL, "/api/v3/exchangeInfo", nil, binanceWeightExchangeInfo, nil, &info); err != nil {
		return nil, fmt.Errorf("binance spot exchange info: %w", err)
	}
	return info.Symbols, nil
}

func (c *BinanceClient) logFieldFailure(symbol, field string, err error) {
	c.log.WithFields(logrus.Fields{
		"symbol": symbol,
		"field":  field,
	}).WithError(err).Debug("Sub-fetch failed, field degraded to null")
}
