package refprice

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/avolkov/marketharvest/internal/models"
)

const cacheKeyPrefix = "refprice:quote:"

// Fetcher retrieves fresh quotes from the upstream provider.
type Fetcher interface {
	FetchQuotes(ctx context.Context, symbols []string) (map[string]models.ReferenceQuote, error)
}

// Service layers a Redis cache over the provider client. Cached quotes are
// served until the TTL expires; only symbols missing from the cache reach the
// provider, which keeps credit usage flat across back-to-back cycles.
type Service struct {
	fetcher Fetcher
	redis   *redis.Client
	ttl     time.Duration
	log     *logrus.Entry
}

func NewService(fetcher Fetcher, rdb *redis.Client, ttl time.Duration) *Service {
	return &Service{
		fetcher: fetcher,
		redis:   rdb,
		ttl:     ttl,
		log:     logrus.WithField("component", "refprice"),
	}
}

// GetQuotes returns reference quotes for the requested symbols, serving from
// cache where possible. Symbols the provider does not know simply stay absent
// from the result. Cache failures degrade to provider fetches, never to
// errors.
func (s *Service) GetQuotes(ctx context.Context, symbols []string) (map[string]models.ReferenceQuote, error) {
	quotes := make(map[string]models.ReferenceQuote, len(symbols))

	var misses []string
	for _, symbol := range symbols {
		if q, ok := s.cacheGet(ctx, symbol); ok {
			quotes[symbol] = q
			continue
		}
		misses = append(misses, symbol)
	}

	if len(misses) == 0 {
		return quotes, nil
	}

	s.log.WithFields(logrus.Fields{
		"cached": len(quotes),
		"misses": len(misses),
	}).Debug("Reference quote cache lookup")

	fetched, err := s.fetcher.FetchQuotes(ctx, misses)
	if err != nil {
		// Partial results from cache are still usable.
		if len(quotes) > 0 {
			s.log.WithError(err).Warn("Provider fetch failed, serving cached quotes only")
			return quotes, nil
		}
		return nil, err
	}

	for symbol, q := range fetched {
		quotes[symbol] = q
		s.cacheSet(ctx, symbol, q)
	}
	return quotes, nil
}

// GetBTCPrice returns the reference BTC/USD price, needed for deriving
// USD-denominated figures from BTC-quoted spot volume.
func (s *Service) GetBTCPrice(ctx context.Context) (decimal.Decimal, error) {
	quotes, err := s.GetQuotes(ctx, []string{"BTC"})
	if err != nil {
		return decimal.Zero, err
	}
	q, ok := quotes["BTC"]
	if !ok {
		return decimal.Zero, fmt.Errorf("reference provider returned no BTC quote")
	}
	return q.PriceUSD, nil
}

func (s *Service) cacheGet(ctx context.Context, symbol string) (models.ReferenceQuote, bool) {
	if s.redis == nil {
		return models.ReferenceQuote{}, false
	}
	raw, err := s.redis.Get(ctx, cacheKeyPrefix+symbol).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.log.WithError(err).WithField("symbol", symbol).Debug("Cache read failed")
		}
		return models.ReferenceQuote{}, false
	}

	var q models.ReferenceQuote
	if err := json.Unmarshal(raw, &q); err != nil {
		s.log.WithError(err).WithField("symbol", symbol).Warn("Corrupt cached quote, discarding")
		return models.ReferenceQuote{}, false
	}
	return q, true
}

func (s *Service) cacheSet(ctx context.Context, symbol string, q models.ReferenceQuote) {
	if s.redis == nil {
		return
	}
	raw, err := json.Marshal(q)
	if err != nil {
		return
	}
	if err := s.redis.Set(ctx, cacheKeyPrefix+symbol, raw, s.ttl).Err(); err != nil {
		s.log.WithError(err).WithField("symbol", symbol).Debug("Cache write failed")
	}
}
