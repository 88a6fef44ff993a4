// Package collector orchestrates the harvest cycle: pair discovery, batched
// per-pair collection, the reference-quote merge and persistence.
package collector

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/avolkov/marketharvest/internal/exchange"
	"github.com/avolkov/marketharvest/internal/models"
)

// ExchangeResult is one venue's harvest for a cycle.
type ExchangeResult struct {
	Exchange   models.Exchange
	Discovered int
	Snapshots  []models.PairSnapshot
	Failed     int
}

// FailureRecorder receives per-pair collection failures. Recording is best
// effort and must not fail the cycle.
type FailureRecorder interface {
	RecordFetchError(ctx context.Context, ex models.Exchange, symbol, endpoint, kind, message string)
}

// collectPairs fans collection out over a venue's pairs in batches. A weighted
// semaphore bounds in-flight tasks; a failed pair is logged and counted
// without touching its batch siblings. Context cancellation finishes the
// running batch and stops launching new ones.
func collectPairs(
	ctx context.Context,
	client exchange.Client,
	pairs []exchange.PairInfo,
	collect func(context.Context, exchange.PairInfo) (models.PairSnapshot, error),
	recorder FailureRecorder,
	log *logrus.Entry,
) ([]models.PairSnapshot, int) {
	var (
		mu        sync.Mutex
		snapshots []models.PairSnapshot
		failed    int
	)

	sem := semaphore.NewWeighted(client.MaxConcurrency())
	batchSize := client.BatchSize()

	for start := 0; start < len(pairs); start += batchSize {
		if ctx.Err() != nil {
			break
		}
		if start > 0 && client.BatchPause() > 0 {
			select {
			case <-ctx.Done():
				return snapshots, failed
			case <-time.After(client.BatchPause()):
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
				snap, err := collect(gctx, pair)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					failed++
					log.WithError(err).WithField("symbol", pair.Symbol).Warn("Pair collection failed")
					if recorder != nil {
						recorder.RecordFetchError(ctx, client.Exchange(), pair.Symbol, "", "collect", err.Error())
					}
					// Failures are isolated; never poison the group.
					return nil
				}
				snapshots = append(snapshots, snap)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			break
		}
	}

	return snapshots, failed
}

// HarvestExchange runs discovery and collection for one venue: perpetual
// pairs first, then the BTC-quoted spot pairs feeding the BTC-volume series.
func HarvestExchange(ctx context.Context, client exchange.Client, recorder FailureRecorder) (ExchangeResult, error) {
	log := logrus.WithField("exchange", client.Exchange())
	result := ExchangeResult{Exchange: client.Exchange()}

	perps, err := client.FetchPerpetualPairs(ctx)
	if err != nil {
		return result, err
	}
	result.Discovered = len(perps)

	snapshots, failed := collectPairs(ctx, client, perps, client.CollectPairData, recorder, log)
	result.Snapshots = snapshots
	result.Failed = failed

	// Spot discovery failing only costs the BTC-volume series, not the cycle.
	spots, err := client.FetchSpotPairs(ctx)
	if err != nil {
		log.WithError(err).Warn("Spot pair discovery failed, skipping spot collection")
		return result, nil
	}
	result.Discovered += len(spots)

	spotSnapshots, spotFailed := collectPairs(ctx, client, spots, client.CollectSpotPairData, recorder, log)
	result.Snapshots = append(result.Snapshots, spotSnapshots...)
	result.Failed += spotFailed

	log.WithFields(logrus.Fields{
		"venue":      client.Exchange().DisplayName(),
		"discovered": result.Discovered,
		"collected":  len(result.Snapshots),
		"failed":     result.Failed,
	}).Info("Exchange harvest complete")
	return result, nil
}

// HarvestAll runs every venue in parallel. One venue failing outright does
// not abort the others; its result simply carries no snapshots.
func HarvestAll(ctx context.Context, clients []exchange.Client, recorder FailureRecorder) []ExchangeResult {
	results := make([]ExchangeResult, len(clients))

	var wg sync.WaitGroup
	for i, client := range clients {
		wg.Add(1)
		go func(i int, client exchange.Client) {
			defer wg.Done()
			result, err := HarvestExchange(ctx, client, recorder)
			if err != nil {
				logrus.WithError(err).WithField("exchange", client.Exchange()).
					Error("Exchange harvest failed")
			}
			results[i] = result
		}(i, client)
	}
	wg.Wait()

	return results
}
