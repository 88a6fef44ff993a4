package exchange

import (
	"context"
	"encoding/json"
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

// Bybit caps plain request counts rather than weighted units, so every call
// costs one.
const bybitWeightPerRequest = 1

// BybitClient talks to the Bybit v5 market API.
type BybitClient struct {
	cfg       config.ExchangeConfig
	transport *transport
	log       *logrus.Entry
}

// bybitEnvelope is the uniform v5 response wrapper. A non-zero retCode is a
// definitive API error regardless of HTTP status.
type bybitEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

type bybitInstrumentsResult struct {
	List           []bybitInstrument `json:"list"`
	NextPageCursor string            `json:"nextPageCursor"`
}

type bybitInstrument struct {
	Symbol       string `json:"symbol"`
	Status       string `json:"status"`
	BaseCoin     string `json:"baseCoin"`
	QuoteCoin    string `json:"quoteCoin"`
	ContractType string `json:"contractType"`
}

type bybitOpenInterestResult struct {
	List []struct {
		OpenInterest string `json:"openInterest"`
		Timestamp    string `json:"timestamp"`
	} `json:"list"`
}

type bybitFundingResult struct {
	List []struct {
		FundingRate          string `json:"fundingRate"`
		FundingRateTimestamp string `json:"fundingRateTimestamp"`
	} `json:"list"`
}

type bybitTickersResult struct {
	List []struct {
		Symbol      string `json:"symbol"`
		LastPrice   string `json:"lastPrice"`
		Volume24h   string `json:"volume24h"`
		Turnover24h string `json:"turnover24h"`
	} `json:"list"`
}

// NewBybitClient creates a v5 client for linear perpetual and spot markets.
func NewBybitClient(cfg config.ExchangeConfig) *BybitClient {
	log := logrus.WithField("exchange", models.ExchangeBybit)
	limiter := ratelimit.New("bybit", cfg.WeightBudget)
	return &BybitClient{
		cfg:       cfg,
		transport: newTransport(limiter, cfg.RequestTimeout, cfg.MaxRetries, log),
		log:       log,
	}
}

func (c *BybitClient) Exchange() models.Exchange { return models.ExchangeBybit }

func (c *BybitClient) BatchSize() int            { return c.cfg.BatchSize }
func (c *BybitClient) BatchPause() time.Duration { return c.cfg.BatchPause }
func (c *BybitClient) MaxConcurrency() int64     { return c.cfg.MaxConcurrency }

// getResult performs one v5 call and unwraps the response envelope into out.
func (c *BybitClient) getResult(ctx context.Context, path string, params url.Values, out interface{}) error {
	var envelope bybitEnvelope
	if err := c.transport.getJSON(ctx, c.cfg.BaseURL, path, params, bybitWeightPerRequest, nil, &envelope); err != nil {
		return err
	}

	if envelope.RetCode != 0 {
		return &FetchError{
			Kind:     KindDefinitive,
			Endpoint: path,
			Err:      fmt.Errorf("bybit API error %d: %s", envelope.RetCode, envelope.RetMsg),
		}
	}

	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return &FetchError{Kind: KindTransient, Endpoint: path, Err: fmt.Errorf("decode result: %w", err)}
		}
	}
	return nil
}

// fetchInstruments pages through instruments-info until the venue stops
// returning a next-page cursor.
func (c *BybitClient) fetchInstruments(ctx context.Context, category string) ([]bybitInstrument, error) {
	var all []bybitInstrument
	cursor := ""

	for {
		params := url.Values{
			"category": {category},
			"limit":    {"1000"},
		}
		if cursor != "" {
			params.Set("cursor", cursor)
		}

		var result bybitInstrumentsResult
		if err := c.getResult(ctx, "/v5/market/instruments-info", params, &result); err != nil {
			return nil, fmt.Errorf("bybit instruments (%s): %w", category, err)
		}

		all = append(all, result.List...)
		if result.NextPageCursor == "" {
			break
		}
		cursor = result.NextPageCursor
	}

	return all, nil
}

// FetchPerpetualPairs enumerates trading linear perpetuals quoted in an
// allowed stable asset.
func (c *BybitClient) FetchPerpetualPairs(ctx context.Context) ([]PairInfo, error) {
	instruments, err := c.fetchInstruments(ctx, "linear")
	if err != nil {
		return nil, err
	}

	allowedQuotes := map[string]bool{"USDT": true, "USDC": true}

	var pairs []PairInfo
	for _, inst := range instruments {
		if inst.Status != "Trading" || inst.ContractType != "LinearPerpetual" || !allowedQuotes[inst.QuoteCoin] {
			continue
		}
		pairs = append(pairs, PairInfo{
			Symbol:       inst.Symbol,
			BaseAsset:    inst.BaseCoin,
			QuoteAsset:   inst.QuoteCoin,
			ContractType: models.ContractPerpetual,
		})
	}

	c.log.WithField("pairs", len(pairs)).Info("Discovered Bybit perpetual pairs")
	return pairs, nil
}

// FetchSpotPairs enumerates trading BTC-quoted spot pairs.
func (c *BybitClient) FetchSpotPairs(ctx context.Context) ([]PairInfo, error) {
	instruments, err := c.fetchInstruments(ctx, "spot")
	if err != nil {
		return nil, err
	}

	var pairs []PairInfo
	for _, inst := range instruments {
		if inst.Status != "Trading" || inst.QuoteCoin != "BTC" {
			continue
		}
		pairs = append(pairs, PairInfo{
			Symbol:       inst.Symbol,
			BaseAsset:    inst.BaseCoin,
			QuoteAsset:   inst.QuoteCoin,
			ContractType: models.ContractSpot,
		})
	}

	c.log.WithField("pairs", len(pairs)).Info("Discovered Bybit spot pairs")
	return pairs, nil
}

// CollectPairData gathers open interest, funding rate and ticker for one
// linear perpetual. The three fetches run concurrently and fail
// independently. Bybit reports open interest in base-asset contracts; the
// USD figure is contracts times last price, nil when either side is missing.
func (c *BybitClient) CollectPairData(ctx context.Context, pair PairInfo) (models.PairSnapshot, error) {
	var (
		wg      sync.WaitGroup
		oi      bybitOpenInterestResult
		funding bybitFundingResult
		tickers bybitTickersResult

		oiErr, fundingErr, tickerErr error
	)

	wg.Add(3)
	go func() {
		defer wg.Done()
		oiErr = c.getResult(ctx, "/v5/market/open-interest", url.Values{
			"category":     {"linear"},
			"symbol":       {pair.Symbol},
			"intervalTime": {"5min"},
			"limit":        {"1"},
		}, &oi)
	}()
	go func() {
		defer wg.Done()
		fundingErr = c.getResult(ctx, "/v5/market/funding/history", url.Values{
			"category": {"linear"},
			"symbol":   {pair.Symbol},
			"limit":    {"1"},
		}, &funding)
	}()
	go func() {
		defer wg.Done()
		tickerErr = c.getResult(ctx, "/v5/market/tickers", url.Values{
			"category": {"linear"},
			"symbol":   {pair.Symbol},
		}, &tickers)
	}()
	wg.Wait()

	snapshot := models.PairSnapshot{
		Exchange:     models.ExchangeBybit,
		Symbol:       pair.Symbol,
		ContractType: models.ContractPerpetual,
		CollectedAt:  time.Now().UTC(),
	}

	if oiErr == nil && len(oi.List) > 0 {
		snapshot.OpenInterestContracts = convert.ParseDecimal(oi.List[0].OpenInterest)
	} else if oiErr != nil {
		c.logFieldFailure(pair.Symbol, "open_interest", oiErr)
	}
	if fundingErr == nil && len(funding.List) > 0 {
		snapshot.FundingRate = convert.ParseDecimal(funding.List[0].FundingRate)
	} else if fundingErr != nil {
		c.logFieldFailure(pair.Symbol, "funding_rate", fundingErr)
	}
	if tickerErr == nil && len(tickers.List) > 0 {
		snapshot.Price = convert.ParseDecimal(tickers.List[0].LastPrice)
		// turnover24h is quote-denominated, i.e. USD for USDT/USDC pairs.
		snapshot.Volume24h = convert.ParseDecimal(tickers.List[0].Turnover24h)
	} else if tickerErr != nil {
		c.logFieldFailure(pair.Symbol, "ticker", tickerErr)
	}

	snapshot.OpenInterestUSD = convert.MulUSD(snapshot.OpenInterestContracts, snapshot.Price)

	if snapshot.OpenInterestContracts == nil && snapshot.FundingRate == nil &&
		snapshot.Price == nil && snapshot.Volume24h == nil {
		return snapshot, fmt.Errorf("bybit %s: no data collected", pair.Symbol)
	}
	return snapshot, nil
}

// CollectSpotPairData gathers the spot ticker for one BTC-quoted pair.
// turnover24h of a BTC-quoted pair is the BTC-denominated volume.
func (c *BybitClient) CollectSpotPairData(ctx context.Context, pair PairInfo) (models.PairSnapshot, error) {
	var tickers bybitTickersResult
	err := c.getResult(ctx, "/v5/market/tickers", url.Values{
		"category": {"spot"},
		"symbol":   {pair.Symbol},
	}, &tickers)
	if err != nil {
		if IsDefinitive(err) {
			return models.PairSnapshot{}, fmt.Errorf("bybit spot %s: unknown symbol", pair.Symbol)
		}
		return models.PairSnapshot{}, fmt.Errorf("bybit spot %s ticker: %w", pair.Symbol, err)
	}

	snapshot := models.PairSnapshot{
		Exchange:     models.ExchangeBybit,
		Symbol:       pair.Symbol,
		ContractType: models.ContractSpot,
		CollectedAt:  time.Now().UTC(),
	}
	if len(tickers.List) > 0 {
		snapshot.Price = convert.ParseDecimal(tickers.List[0].LastPrice)
		snapshot.VolumeBTC = convert.ParseDecimal(tickers.List[0].Turnover24h)
	}
	return snapshot, nil
}

func (c *BybitClient) logFieldFailure(symbol, field string, err error) {
	c.log.WithFields(logrus.Fields{
		"symbol": symbol,
		"field":  field,
	}).WithError(err).Debug("Sub-fetch failed, field degraded to null")
}
