package refprice

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avolkov/marketharvest/internal/config"
)

func testClientConfig(baseURL string) config.RefPriceConfig {
	return config.RefPriceConfig{
		BaseURL:        baseURL,
		APIKey:         "test-key",
		WeightBudget:   1000,
		MaxBatchSize:   200,
		ChunkPause:     10 * time.Millisecond,
		RequestTimeout: 5 * time.Second,
	}
}

func TestFetchQuotesParsesUSDQuote(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, quotesPath, r.URL.Path)
		require.Equal(t, "test-key", r.Header.Get(apiKeyHdr))
		require.Equal(t, "USD", r.URL.Query().Get("convert"))
		require.Equal(t, "BTC,ETH", r.URL.Query().Get("symbol"))
		w.Write([]byte(`{
			"status":{"error_code":0,"error_message":null},
			"data":{
				"BTC":[{"symbol":"BTC","quote":{"USD":{"price":50000.5,"volume_24h":3.2e10,"market_cap":9.8e11}}}],
				"ETH":[{"symbol":"ETH","quote":{"USD":{"price":2000,"volume_24h":null,"market_cap":2.4e11}}}]
			}
		}`))
	}))
	defer server.Close()

	c := NewClient(testClientConfig(server.URL))

	quotes, err := c.FetchQuotes(context.Background(), []string{"BTC", "ETH"})
	require.NoError(t, err)
	require.Len(t, quotes, 2)
	assert.Equal(t, "50000.5", quotes["BTC"].PriceUSD.String())
	assert.True(t, quotes["ETH"].Volume24hUSD.IsZero())
	assert.False(t, quotes["BTC"].FetchedAt.IsZero())
}

func TestFetchQuotesChunksAndPaces(t *testing.T) {
	var batches []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		batches = append(batches, r.URL.Query().Get("symbol"))
		w.Write([]byte(`{"status":{"error_code":0},"data":{}}`))
	}))
	defer server.Close()

	cfg := testClientConfig(server.URL)
	cfg.MaxBatchSize = 2
	c := NewClient(cfg)

	_, err := c.FetchQuotes(context.Background(), []string{"A", "B", "C", "D", "E"})
	require.NoError(t, err)
	assert.Equal(t, []string{"A,B", "C,D", "E"}, batches)
}

func TestFetchQuotesSkipsFailedChunk(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Query().Get("symbol") == "A,B" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"status":{"error_code":400,"error_message":"bad symbols"}}`))
			return
		}
		w.Write([]byte(`{
			"status":{"error_code":0},
			"data":{"C":[{"symbol":"C","quote":{"USD":{"price":1.5}}}]}
		}`))
	}))
	defer server.Close()

	cfg := testClientConfig(server.URL)
	cfg.MaxBatchSize = 2
	c := NewClient(cfg)

	quotes, err := c.FetchQuotes(context.Background(), []string{"A", "B", "C"})
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.Equal(t, "1.5", quotes["C"].PriceUSD.String())
	// bad-request chunk is definitive: one call, no retries
	assert.Equal(t, 2, calls)
}

func TestFetchChunkRetriesServerError(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{
			"status":{"error_code":0},
			"data":{"BTC":[{"symbol":"BTC","quote":{"USD":{"price":50000}}}]}
		}`))
	}))
	defer server.Close()

	c := NewClient(testClientConfig(server.URL))

	quotes, err := c.fetchChunk(context.Background(), []string{"BTC"})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "50000", quotes["BTC"].PriceUSD.String())
}

func TestFetchChunkEnvelopeErrorNotRetried(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"status":{"error_code":1002,"error_message":"API key missing"}}`))
	}))
	defer server.Close()

	c := NewClient(testClientConfig(server.URL))

	_, err := c.fetchChunk(context.Background(), []string{"BTC"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1002")
	assert.Equal(t, 1, calls)
}

func TestFetchQuotesSkipsNullPrice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"status":{"error_code":0},
			"data":{
				"OK":[{"symbol":"OK","quote":{"USD":{"price":2}}}],
				"DEAD":[{"symbol":"DEAD","quote":{"USD":{"price":null}}}]
			}
		}`))
	}))
	defer server.Close()

	c := NewClient(testClientConfig(server.URL))

	quotes, err := c.FetchQuotes(context.Background(), []string{"OK", "DEAD"})
	require.NoError(t, err)
	_, has := quotes["DEAD"]
	assert.False(t, has, "a quote without a price is unusable")
	assert.Contains(t, quotes, "OK")
}

func TestChunkSymbols(t *testing.T) {
	assert.Nil(t, chunkSymbols(nil, 10))
	assert.Equal(t, [][]string{{"A"}}, chunkSymbols([]string{"A"}, 10))
	assert.Equal(t, [][]string{{"A", "B"}, {"C"}}, chunkSymbols([]string{"A", "B", "C"}, 2))
	assert.Equal(t, [][]string{{"A", "B", "C"}}, chunkSymbols([]string{"A", "B", "C"}, 0))
}
