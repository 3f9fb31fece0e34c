package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"hl-paper-arb/internal/config"
	"hl-paper-arb/internal/metrics"
	"hl-paper-arb/internal/state"

	"go.uber.org/zap"
)

// Recorder samples every tracked asset's gate outcome on a fixed interval
// and writes snapshot/outcome pairs through the sink in batches. Rows that
// fail to flush stay buffered for the next attempt.
type Recorder struct {
	cfg    config.ValidationConfig
	engine *Engine
	sink   state.Sink
	meter  *metrics.Metrics
	log    *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	snaps     []state.DecisionSnapshot
	outcomes  []state.DecisionOutcome
	passes    uint64
	skips     uint64
	skipCount map[string]uint64
}

func NewRecorder(cfg config.ValidationConfig, eng *Engine, sink state.Sink, meter *metrics.Metrics, log *zap.Logger) *Recorder {
	if meter == nil {
		meter = metrics.NewNoop()
	}
	return &Recorder{
		cfg:       cfg,
		engine:    eng,
		sink:      sink,
		meter:     meter,
		log:       log,
		now:       time.Now,
		skipCount: make(map[string]uint64),
	}
}

// Run samples until the context is cancelled, then force-flushes whatever
// remains buffered so a clean stop loses no rows.
func (r *Recorder) Run(ctx context.Context) error {
	sample := time.NewTicker(r.cfg.SampleInterval)
	defer sample.Stop()
	stats := time.NewTicker(r.cfg.StatsInterval)
	defer stats.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			r.Flush(flushCtx)
			cancel()
			return ctx.Err()
		case <-sample.C:
			r.sampleAll(ctx)
		case <-stats.C:
			r.logStats()
		}
	}
}

func (r *Recorder) sampleAll(ctx context.Context) {
	for _, asset := range r.engine.store.Assets() {
		r.Sample(ctx, asset)
	}
}

// Sample captures one asset's raw state and gate verdict.
func (r *Recorder) Sample(ctx context.Context, asset string) {
	decision := r.engine.Evaluate(asset)
	snap, ok := r.engine.store.Snapshot(asset)
	if !ok {
		return
	}
	status := r.engine.tracker.Check(asset)
	at := r.now().UTC()

	r.mu.Lock()
	r.snaps = append(r.snaps, state.DecisionSnapshot{
		SampledAt: at,
		Asset:     asset,
		SpotBid:   snap.Spot.Bid,
		SpotAsk:   snap.Spot.Ask,
		PerpBid:   snap.Perp.Bid,
		PerpAsk:   snap.Perp.Ask,
		MarkPrice: snap.MarkPrice,
		SpotAgeMS: status.SpotAgeMS,
		PerpAgeMS: status.PerpAgeMS,
		SpotStale: status.SpotStale,
		PerpStale: status.PerpStale,
		OutOfSync: status.OutOfSync,
		UsedProxy: decision.UsedProxy,
	})
	r.outcomes = append(r.outcomes, state.DecisionOutcome{
		SampledAt:  at,
		Asset:      asset,
		WouldTrade: decision.WouldTrade,
		Reason:     decision.Reason,
		Direction:  decision.Direction,
		EdgeBps:    decision.EdgeBps,
		NetPNL:     decision.NetPNL,
	})
	if decision.WouldTrade {
		r.passes++
	} else {
		r.skips++
		r.skipCount[decision.Reason]++
	}
	full := len(r.snaps) >= r.cfg.BatchSize
	r.mu.Unlock()

	if full {
		r.Flush(ctx)
	}
}

// Flush writes the buffered rows. On error the buffer is kept so the rows
// ride along with the next flush.
func (r *Recorder) Flush(ctx context.Context) {
	r.mu.Lock()
	if len(r.snaps) == 0 {
		r.mu.Unlock()
		return
	}
	snaps := make([]state.DecisionSnapshot, len(r.snaps))
	copy(snaps, r.snaps)
	outcomes := make([]state.DecisionOutcome, len(r.outcomes))
	copy(outcomes, r.outcomes)
	r.mu.Unlock()

	if r.sink == nil {
		return
	}
	if err := r.sink.InsertValidationBatch(ctx, snaps, outcomes); err != nil {
		r.log.Warn("validation flush failed, rows retained", zap.Int("rows", len(snaps)), zap.Error(err))
		return
	}
	for range snaps {
		r.meter.ValidationRowsFlushed.Inc()
	}

	r.mu.Lock()
	r.snaps = r.snaps[len(snaps):]
	r.outcomes = r.outcomes[len(outcomes):]
	r.mu.Unlock()
}

// Buffered reports the current buffer depth.
func (r *Recorder) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func (r *Recorder) logStats() {
	r.mu.Lock()
	passes := r.passes
	skips := r.skips
	type reasonCount struct {
		reason string
		count  uint64
	}
	reasons := make([]reasonCount, 0, len(r.skipCount))
	for reason, count := range r.skipCount {
		reasons = append(reasons, reasonCount{reason, count})
	}
	r.mu.Unlock()

	sort.Slice(reasons, func(i, j int) bool {
		if reasons[i].count != reasons[j].count {
			return reasons[i].count > reasons[j].count
		}
		return reasons[i].reason < reasons[j].reason
	})
	if len(reasons) > 3 {
		reasons = reasons[:3]
	}
	fields := []zap.Field{
		zap.Uint64("would_trade", passes),
		zap.Uint64("skips", skips),
	}
	for _, rc := range reasons {
		fields = append(fields, zap.Uint64(rc.reason, rc.count))
	}
	r.log.Info("validation stats", fields...)
}
