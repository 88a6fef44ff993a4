// Package refprice fetches reference USD quotes from a CoinMarketCap-style
// provider and caches them in Redis. Reference quotes give the merger a
// venue-independent price and market cap for each token.
package refprice

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/avolkov/marketharvest/internal/config"
	"github.com/avolkov/marketharvest/internal/models"
	"github.com/avolkov/marketharvest/internal/ratelimit"
)

const (
	quotesPath = "/v1/cryptocurrency/quotes/latest"
	apiKeyHdr  = "X-CMC_PRO_API_KEY"

	// The provider meters credits per minute and asks for a fixed cool-down
	// on 429 rather than advertising one.
	rateLimitCooldown = 60 * time.Second
	maxAttempts       = 3
)

// Client fetches quote batches from the provider. It paces chunks itself;
// callers hand it the full symbol list.
type Client struct {
	cfg        config.RefPriceConfig
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	log        *logrus.Entry
}

type quotesResponse struct {
	Status struct {
		ErrorCode    int    `json:"error_code"`
		ErrorMessage string `json:"error_message"`
	} `json:"status"`
	Data map[string][]struct {
		Symbol string `json:"symbol"`
		Quote  struct {
			USD struct {
				Price     *float64 `json:"price"`
				Volume24h *float64 `json:"volume_24h"`
				MarketCap *float64 `json:"market_cap"`
			} `json:"USD"`
		} `json:"quote"`
	} `json:"data"`
}

func NewClient(cfg config.RefPriceConfig) *Client {
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    ratelimit.New("refprice", cfg.WeightBudget),
		log:        logrus.WithField("component", "refprice"),
	}
}

// FetchQuotes retrieves USD quotes for the given symbols, splitting the list
// into provider-sized chunks with a pause between them. A failed chunk is
// logged and skipped; the remaining chunks still contribute quotes.
func (c *Client) FetchQuotes(ctx context.Context, symbols []string) (map[string]models.ReferenceQuote, error) {
	quotes := make(map[string]models.ReferenceQuote, len(symbols))
	if len(symbols) == 0 {
		return quotes, nil
	}

	chunks := chunkSymbols(symbols, c.cfg.MaxBatchSize)
	for i, chunk := range chunks {
		if i > 0 && c.cfg.ChunkPause > 0 {
			select {
			case <-ctx.Done():
				return quotes, ctx.Err()
			case <-time.After(c.cfg.ChunkPause):
			}
		}

		chunkQuotes, err := c.fetchChunk(ctx, chunk)
		if err != nil {
			if ctx.Err() != nil {
				return quotes, ctx.Err()
			}
			c.log.WithError(err).WithFields(logrus.Fields{
				"chunk":   i + 1,
				"symbols": len(chunk),
			}).Warn("Reference quote chunk failed, skipping")
			continue
		}
		for sym, q := range chunkQuotes {
			quotes[sym] = q
		}
	}

	c.log.WithFields(logrus.Fields{
		"requested": len(symbols),
		"resolved":  len(quotes),
	}).Info("Fetched reference quotes")
	return quotes, nil
}

func (c *Client) fetchChunk(ctx context.Context, symbols []string) (map[string]models.ReferenceQuote, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 10 * time.Second
	bo.Reset()

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		quotes, retryable, err := c.doFetchChunk(ctx, symbols)
		if err == nil {
			return quotes, nil
		}
		lastErr = err
		if !retryable || attempt == maxAttempts-1 {
			break
		}

		delay := bo.NextBackOff()
		if isRateLimited(err) {
			delay = rateLimitCooldown
			c.log.WithField("cooldown", delay.String()).Warn("Reference provider rate limit, cooling down")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

type rateLimitError struct{ error }

func isRateLimited(err error) bool {
	_, ok := err.(rateLimitError)
	return ok
}

func (c *Client) doFetchChunk(ctx context.Context, symbols []string) (map[string]models.ReferenceQuote, bool, error) {
	if err := c.limiter.Acquire(ctx, 1); err != nil {
		return nil, false, err
	}

	params := url.Values{
		"symbol":  {strings.Join(symbols, ",")},
		"convert": {"USD"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+quotesPath+"?"+params.Encode(), nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(apiKeyHdr, c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("reference quotes request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("reference quotes body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, true, rateLimitError{fmt.Errorf("reference provider rate limited")}
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("reference provider server error %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, false, fmt.Errorf("reference provider rejected request (%d): %s", resp.StatusCode, body)
	}

	var parsed quotesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, true, fmt.Errorf("decode reference quotes: %w", err)
	}
	if parsed.Status.ErrorCode != 0 {
		return nil, false, fmt.Errorf("reference provider error %d: %s", parsed.Status.ErrorCode, parsed.Status.ErrorMessage)
	}

	now := time.Now().UTC()
	quotes := make(map[string]models.ReferenceQuote, len(parsed.Data))
	for symbol, entries := range parsed.Data {
		if len(entries) == 0 {
			continue
		}
		usd := entries[0].Quote.USD
		if usd.Price == nil {
			continue
		}
		q := models.ReferenceQuote{
			Symbol:    symbol,
			PriceUSD:  decimal.NewFromFloat(*usd.Price),
			FetchedAt: now,
		}
		if usd.Volume24h != nil {
			q.Volume24hUSD = decimal.NewFromFloat(*usd.Volume24h)
		}
		if usd.MarketCap != nil {
			q.MarketCapUSD = decimal.NewFromFloat(*usd.MarketCap)
		}
		quotes[symbol] = q
	}
	return quotes, false, nil
}

// chunkSymbols splits symbols into slices of at most size entries.
func chunkSymbols(symbols []string, size int) [][]string {
	if size <= 0 {
		size = len(symbols)
	}
	var chunks [][]string
	for start := 0; start < len(symbols); start += size {
		end := start + size
		if end > len(symbols) {
			end = len(symbols)
		}
		chunks = append(chunks, symbols[start:end])
	}
	return chunks
}
