package collector

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/avolkov/marketharvest/internal/config"
	"github.com/avolkov/marketharvest/internal/exchange"
	"github.com/avolkov/marketharvest/internal/models"
)

// QuoteService resolves reference USD quotes for tokens.
type QuoteService interface {
	GetQuotes(ctx context.Context, symbols []string) (map[string]models.ReferenceQuote, error)
}

// Persister writes merged records and failure reports.
type Persister interface {
	PersistMergedRecord(ctx context.Context, rec models.MergedRecord) error
	RecordFetchError(ctx context.Context, ex models.Exchange, symbol, endpoint, kind, message string)
}

// TradeMonitor runs one large-trade scan pass.
type TradeMonitor interface {
	RunCycle(ctx context.Context) (models.TradeCycleStats, error)
}

// CycleSummary is the operator-facing outcome of one harvest cycle.
type CycleSummary struct {
	CycleID          string                 `json:"cycle_id"`
	StartedAt        time.Time              `json:"started_at"`
	Elapsed          time.Duration          `json:"elapsed"`
	PairsDiscovered  int                    `json:"pairs_discovered"`
	PairsCollected   int                    `json:"pairs_collected"`
	PairsFailed      int                    `json:"pairs_failed"`
	PairsDropped     int                    `json:"pairs_dropped"`
	RecordsPersisted int                    `json:"records_persisted"`
	PersistFailures  int                    `json:"persist_failures"`
	TradeStats       models.TradeCycleStats `json:"trade_stats"`
	MemoryRSSMB      float64                `json:"memory_rss_mb"`
}

// Runner drives harvest cycles until its context is cancelled.
type Runner struct {
	clients []exchange.Client
	quotes  QuoteService
	store   Persister
	monitor TradeMonitor
	cfg     config.CollectorConfig
	log     *logrus.Entry

	mu   sync.RWMutex
	last *CycleSummary
}

func NewRunner(clients []exchange.Client, quotes QuoteService, store Persister, monitor TradeMonitor, cfg config.CollectorConfig) *Runner {
	return &Runner{
		clients: clients,
		quotes:  quotes,
		store:   store,
		monitor: monitor,
		cfg:     cfg,
		log:     logrus.WithField("component", "collector"),
	}
}

// LastSummary returns the most recent completed cycle, or nil before the
// first one finishes.
func (r *Runner) LastSummary() *CycleSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

// Run loops cycles forever. A failed cycle logs, cools down and tries again;
// only context cancellation stops the loop.
func (r *Runner) Run(ctx context.Context) {
	for {
		cycleCtx := ctx
		var cancel context.CancelFunc
		if r.cfg.CycleTimeout > 0 {
			cycleCtx, cancel = context.WithTimeout(ctx, r.cfg.CycleTimeout)
		}
		summary, err := r.RunCycle(cycleCtx)
		if cancel != nil {
			cancel()
		}

		if ctx.Err() != nil {
			return
		}

		wait := r.cfg.CycleInterval
		if err != nil {
			r.log.WithError(err).Error("Cycle failed")
			wait = r.cfg.ErrorCooldown
		} else {
			r.log.WithFields(logrus.Fields{
				"cycle_id":  summary.CycleID,
				"persisted": summary.RecordsPersisted,
				"elapsed":   summary.Elapsed.String(),
			}).Info("Cycle complete")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// RunCycle executes one full harvest: parallel venue collection, reference
// merge, persistence, then the large-trade pass. Partial failure is the
// normal case; whatever was collected gets persisted.
func (r *Runner) RunCycle(ctx context.Context) (*CycleSummary, error) {
	summary := &CycleSummary{
		CycleID:   uuid.New().String(),
		StartedAt: time.Now().UTC(),
	}
	log := r.log.WithField("cycle_id", summary.CycleID)
	log.Info("Starting harvest cycle")

	results := HarvestAll(ctx, r.clients, r.store)

	var snapshots []models.PairSnapshot
	for _, res := range results {
		summary.PairsDiscovered += res.Discovered
		summary.PairsFailed += res.Failed
		snapshots = append(snapshots, res.Snapshots...)
	}
	summary.PairsCollected = len(snapshots)

	if len(snapshots) == 0 {
		summary.Elapsed = time.Since(summary.StartedAt)
		r.setLast(summary)
		return summary, fmt.Errorf("cycle %s: no snapshots collected", summary.CycleID)
	}

	quotes, err := r.quotes.GetQuotes(ctx, DistinctTokens(snapshots))
	if err != nil {
		// Merge still works without reference data; derived fields stay nil.
		log.WithError(err).Warn("Reference quotes unavailable, merging venue data only")
		quotes = map[string]models.ReferenceQuote{}
	}

	btcPrice := decimal.Zero
	if btc, ok := quotes["BTC"]; ok {
		btcPrice = btc.PriceUSD
	}

	records, dropped := Merge(snapshots, quotes, btcPrice)
	summary.PairsDropped = dropped

	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		if err := r.store.PersistMergedRecord(ctx, rec); err != nil {
			summary.PersistFailures++
			log.WithError(err).WithFields(logrus.Fields{
				"exchange": rec.Exchange,
				"symbol":   rec.Symbol,
			}).Warn("Persist failed")
			continue
		}
		summary.RecordsPersisted++
	}

	if r.monitor != nil && ctx.Err() == nil {
		stats, err := r.monitor.RunCycle(ctx)
		if err != nil {
			log.WithError(err).Warn("Large-trade pass failed")
		}
		summary.TradeStats = stats
	}

	summary.MemoryRSSMB = processRSSMB()
	summary.Elapsed = time.Since(summary.StartedAt)
	r.setLast(summary)

	log.WithFields(logrus.Fields{
		"discovered":    summary.PairsDiscovered,
		"collected":     summary.PairsCollected,
		"failed":        summary.PairsFailed,
		"dropped":       summary.PairsDropped,
		"persisted":     summary.RecordsPersisted,
		"trades_new":    summary.TradeStats.Inserted,
		"trades_dup":    summary.TradeStats.Duplicates,
		"memory_rss_mb": summary.MemoryRSSMB,
		"elapsed":       summary.Elapsed.String(),
	}).Info("Harvest cycle finished")

	return summary, nil
}

func (r *Runner) setLast(summary *CycleSummary) {
	r.mu.Lock()
	r.last = summary
	r.mu.Unlock()
}

func processRSSMB() float64 {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	info, err := proc.MemoryInfo()
	if err != nil || info == nil {
		return 0
	}
	return float64(info.RSS) / (1024 * 1024)
}
